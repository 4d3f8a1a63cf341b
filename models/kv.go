package models

import "encoding/json"

/*
	The key-value store speaks a command protocol over REST. A request body
	is a JSON array such as ["LPUSH", "key", "value"] and the reply carries
	either a result or an error.
*/

type CommandResult struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
