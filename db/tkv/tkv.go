package tkv

import (
	"log/slog"
)

type Config struct {
	Logger         *slog.Logger
	BadgerLogLevel slog.Level
	Directory      string
	InMemory       bool // Directory is ignored when set
}

/*
	List primitives backing the bounded sea. Each operation is atomic on
	its own; nothing here offers multi-operation transactions to callers.
	Indexes follow redis semantics, negative values count from the tail.
*/

type TKVListHandler interface {
	ListPushFront(key string, values ...string) (int64, error) // returns the new length
	ListTrim(key string, start, stop int64) error              // keep only [start, stop], inclusive
	ListLen(key string) (int64, error)                         // 0 for a list that does not exist
	ListIndex(key string, index int64) (string, error)         // ErrOutOfRange when out of range
}

type TKV interface {
	TKVListHandler

	Close() error
}
