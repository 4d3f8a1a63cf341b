package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/InsulaLabs/drift/db/tkv"
	"github.com/InsulaLabs/drift/models"
)

// Sentinel for replies that carry no value, like a missing list element.
var nullResult = json.RawMessage("null")

type commandError struct {
	status int
	msg    string
}

func (e *commandError) Error() string { return e.msg }

func errArity(name string) error {
	return &commandError{
		status: http.StatusBadRequest,
		msg:    fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(name)),
	}
}

func errNotInteger() error {
	return &commandError{status: http.StatusBadRequest, msg: "ERR value is not an integer or out of range"}
}

type commandFunc func(args []string) (any, error)

func (c *Core) commands() map[string]commandFunc {
	return map[string]commandFunc{
		"PING":   c.cmdPing,
		"LPUSH":  c.cmdLPush,
		"LTRIM":  c.cmdLTrim,
		"LLEN":   c.cmdLLen,
		"LINDEX": c.cmdLIndex,
	}
}

func (c *Core) commandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "ERR method not allowed")
		return
	}
	if !c.authorized(r) {
		c.logger.Warn("Rejected command with bad token", "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes+1))
	if err != nil {
		c.logger.Error("Could not read command body", "error", err)
		writeError(w, http.StatusBadRequest, "ERR could not read body")
		return
	}
	if len(body) > maxCommandBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "ERR command too large")
		return
	}

	args, err := parseCommand(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	name := strings.ToUpper(args[0])
	fn, ok := c.commands()[name]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("ERR unknown command '%s'", args[0]))
		return
	}

	result, err := fn(args[1:])
	if err != nil {
		var cmdErr *commandError
		if errors.As(err, &cmdErr) {
			writeError(w, cmdErr.status, cmdErr.msg)
			return
		}
		c.logger.Error("Command failed", "command", name, "error", err)
		writeError(w, http.StatusInternalServerError, "ERR "+err.Error())
		return
	}

	raw, ok := result.(json.RawMessage)
	if !ok {
		raw, err = json.Marshal(result)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "ERR "+err.Error())
			return
		}
	}
	writeResult(w, http.StatusOK, models.CommandResult{Result: raw})
}

// parseCommand accepts a JSON array whose items are strings or numbers.
func parseCommand(body []byte) ([]string, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, errors.New("ERR command must be a JSON array")
	}
	if len(items) == 0 {
		return nil, errors.New("ERR empty command")
	}

	args := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			args = append(args, s)
			continue
		}
		var n json.Number
		if err := json.Unmarshal(item, &n); err == nil {
			args = append(args, n.String())
			continue
		}
		return nil, errors.New("ERR command arguments must be strings or numbers")
	}
	return args, nil
}

func parseInt(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errNotInteger()
	}
	return n, nil
}

func (c *Core) cmdPing(args []string) (any, error) {
	switch len(args) {
	case 0:
		return "PONG", nil
	case 1:
		return args[0], nil
	}
	return nil, errArity("ping")
}

func (c *Core) cmdLPush(args []string) (any, error) {
	if len(args) < 2 {
		return nil, errArity("lpush")
	}
	return c.store.ListPushFront(args[0], args[1:]...)
}

func (c *Core) cmdLTrim(args []string) (any, error) {
	if len(args) != 3 {
		return nil, errArity("ltrim")
	}
	start, err := parseInt(args[1])
	if err != nil {
		return nil, err
	}
	stop, err := parseInt(args[2])
	if err != nil {
		return nil, err
	}
	if err := c.store.ListTrim(args[0], start, stop); err != nil {
		return nil, err
	}
	return "OK", nil
}

func (c *Core) cmdLLen(args []string) (any, error) {
	if len(args) != 1 {
		return nil, errArity("llen")
	}
	return c.store.ListLen(args[0])
}

func (c *Core) cmdLIndex(args []string) (any, error) {
	if len(args) != 2 {
		return nil, errArity("lindex")
	}
	idx, err := parseInt(args[1])
	if err != nil {
		return nil, err
	}
	v, err := c.store.ListIndex(args[0], idx)
	if err != nil {
		if tkv.IsOutOfRange(err) {
			return nullResult, nil
		}
		return nil, err
	}
	return v, nil
}
