package tkv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v3"
)

const listsDirName = "lists"

type tkv struct {
	logger *slog.Logger
	store  *badger.DB

	// Serialises list mutations so that the read of the list bounds and
	// the write that moves them happen as one step.
	listMu sync.Mutex
}

var _ TKV = &tkv{}

func New(config Config) (TKV, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	var dbOpts badger.Options
	if config.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		dir := filepath.Join(config.Directory, listsDirName)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &ErrStorage{Err: err}
		}
		dbOpts = badger.DefaultOptions(dir)
	}

	dbOpts = dbOpts.
		WithLogger(&slogBadger{logger: config.Logger.WithGroup("badger")}).
		WithMemTableSize(16 << 20)

	switch level := config.BadgerLogLevel; {
	case level <= slog.LevelDebug:
		dbOpts = dbOpts.WithLoggingLevel(badger.DEBUG)
	case level <= slog.LevelInfo:
		dbOpts = dbOpts.WithLoggingLevel(badger.INFO)
	case level <= slog.LevelWarn:
		dbOpts = dbOpts.WithLoggingLevel(badger.WARNING)
	default:
		dbOpts = dbOpts.WithLoggingLevel(badger.ERROR)
	}

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, &ErrStorage{Err: err}
	}

	return &tkv{
		logger: config.Logger.WithGroup("tkv"),
		store:  db,
	}, nil
}

func (t *tkv) Close() error {
	if err := t.store.Close(); err != nil {
		t.logger.Error("error closing store db", "error", err)
		return &ErrStorage{Err: err}
	}
	return nil
}

func (t *tkv) ListPushFront(key string, values ...string) (int64, error) {
	if len(values) == 0 {
		return t.ListLen(key)
	}

	t.listMu.Lock()
	defer t.listMu.Unlock()

	var length int64
	err := t.store.Update(func(txn *badger.Txn) error {
		b, err := readBounds(txn, key)
		if err != nil {
			return err
		}
		for _, v := range values {
			b.head--
			if err := txn.Set(itemKey(key, b.head), []byte(v)); err != nil {
				return err
			}
		}
		length = b.len()
		return writeBounds(txn, key, b)
	})
	if err != nil {
		return 0, wrapStorage(err)
	}
	return length, nil
}

func (t *tkv) ListLen(key string) (int64, error) {
	var length int64
	err := t.store.View(func(txn *badger.Txn) error {
		b, err := readBounds(txn, key)
		if err != nil {
			return err
		}
		length = b.len()
		return nil
	})
	if err != nil {
		return 0, wrapStorage(err)
	}
	return length, nil
}

func (t *tkv) ListIndex(key string, index int64) (string, error) {
	var value []byte
	err := t.store.View(func(txn *badger.Txn) error {
		b, err := readBounds(txn, key)
		if err != nil {
			return err
		}
		n := b.len()
		if index < 0 {
			index += n
		}
		if index < 0 || index >= n {
			return &ErrOutOfRange{Key: key, Index: index}
		}
		item, err := txn.Get(itemKey(key, b.head+index))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &ErrCorruptList{Key: key, Reason: fmt.Sprintf("element %d missing inside list bounds", index)}
			}
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return "", wrapStorage(err)
	}
	return string(value), nil
}

func (t *tkv) ListTrim(key string, start, stop int64) error {
	t.listMu.Lock()
	defer t.listMu.Unlock()

	var before, after bounds
	err := t.store.Update(func(txn *badger.Txn) error {
		b, err := readBounds(txn, key)
		if err != nil {
			return err
		}
		before = b
		after = b.trimmed(start, stop)
		if after == before {
			return nil
		}
		return writeBounds(txn, key, after)
	})
	if err != nil {
		return wrapStorage(err)
	}
	if after == before {
		return nil
	}

	// The new bounds are committed so the evicted elements are already
	// invisible. Removing them is cleanup; a failure leaves orphans that a
	// later push overwrites.
	wb := t.store.NewWriteBatch()
	defer wb.Cancel()
	evict := func(from, to int64) error {
		for p := from; p < to; p++ {
			if err := wb.Delete(itemKey(key, p)); err != nil {
				return err
			}
		}
		return nil
	}
	if after.len() == 0 {
		err = evict(before.head, before.tail)
	} else {
		err = evict(before.head, after.head)
		if err == nil {
			err = evict(after.tail, before.tail)
		}
	}
	if err == nil {
		err = wb.Flush()
	}
	if err != nil {
		t.logger.Warn("Could not remove trimmed list elements", "key", key, "error", err)
	}
	t.logger.Debug("List trimmed", "key", key, "from", before.len(), "to", after.len())
	return nil
}

// bounds are the positions of a list's elements, [head, tail).
type bounds struct {
	head int64
	tail int64
}

func (b bounds) len() int64 {
	return b.tail - b.head
}

func (b bounds) trimmed(start, stop int64) bounds {
	n := b.len()
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if start > stop || start >= n {
		return bounds{}
	}
	if stop >= n {
		stop = n - 1
	}
	return bounds{head: b.head + start, tail: b.head + stop + 1}
}

func readBounds(txn *badger.Txn, key string) (bounds, error) {
	item, err := txn.Get(metaKey(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return bounds{}, nil
		}
		return bounds{}, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return bounds{}, err
	}
	if len(raw) != 16 {
		return bounds{}, &ErrCorruptList{Key: key, Reason: fmt.Sprintf("list metadata is %d bytes", len(raw))}
	}
	return bounds{
		head: int64(binary.BigEndian.Uint64(raw[:8])),
		tail: int64(binary.BigEndian.Uint64(raw[8:])),
	}, nil
}

func writeBounds(txn *badger.Txn, key string, b bounds) error {
	if b.len() == 0 {
		return txn.Delete(metaKey(key))
	}
	raw := make([]byte, 16)
	binary.BigEndian.PutUint64(raw[:8], uint64(b.head))
	binary.BigEndian.PutUint64(raw[8:], uint64(b.tail))
	return txn.Set(metaKey(key), raw)
}

// Keys are length prefixed so that no list name can alias another
// list's metadata or elements.
func listPrefix(key string) []byte {
	p := []byte{'l'}
	p = binary.AppendUvarint(p, uint64(len(key)))
	return append(p, key...)
}

func metaKey(key string) []byte {
	return append(listPrefix(key), 'm')
}

func itemKey(key string, pos int64) []byte {
	k := append(listPrefix(key), 'i')
	// flip the sign bit so positions sort in numeric order
	return binary.BigEndian.AppendUint64(k, uint64(pos)^(1<<63))
}

func wrapStorage(err error) error {
	var oor *ErrOutOfRange
	var dc *ErrCorruptList
	if errors.As(err, &oor) || errors.As(err, &dc) {
		return err
	}
	return &ErrStorage{Err: err}
}

// slogBadger routes badger's printf style logging into slog.
type slogBadger struct {
	logger *slog.Logger
}

func (s *slogBadger) Errorf(format string, args ...interface{}) {
	s.logger.Error(fmt.Sprintf(format, args...))
}

func (s *slogBadger) Warningf(format string, args ...interface{}) {
	s.logger.Warn(fmt.Sprintf(format, args...))
}

func (s *slogBadger) Infof(format string, args ...interface{}) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

func (s *slogBadger) Debugf(format string, args ...interface{}) {
	s.logger.Debug(fmt.Sprintf(format, args...))
}
