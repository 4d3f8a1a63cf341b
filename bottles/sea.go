package bottles

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/InsulaLabs/drift/models"
	"github.com/google/uuid"
)

const (
	DefaultKey         = "drift:sea"
	DefaultCapacity    = 100
	DefaultTrimTimeout = 5 * time.Second

	MaxMessageRunes = 1000
)

// Store is the list surface the sea needs. *store.Client satisfies it.
type Store interface {
	LPush(ctx context.Context, key string, values ...string) (int64, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LLen(ctx context.Context, key string) (int64, error)
	LIndex(ctx context.Context, key string, idx int64) (string, bool, error)
}

type Config struct {
	Store       Store
	Key         string
	Capacity    int64
	TrimTimeout time.Duration
	Logger      *slog.Logger
}

/*
Sea is a bounded list of bottles shared by every client. Throw prepends
and then trims in the background, Pick samples a uniformly random index.
Nothing is ever removed by a pick, and capacity is enforced eventually:
between a throw and its trim the list may briefly hold more than
Capacity entries.
*/
type Sea struct {
	store       Store
	key         string
	capacity    int64
	trimTimeout time.Duration
	logger      *slog.Logger

	// Parent of every background trim, cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	trims  sync.WaitGroup

	now func() time.Time
}

func New(cfg Config) (*Sea, error) {
	if cfg.Store == nil {
		return nil, ErrNotConfigured
	}
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.TrimTimeout <= 0 {
		cfg.TrimTimeout = DefaultTrimTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Sea{
		store:       cfg.Store,
		key:         cfg.Key,
		capacity:    cfg.Capacity,
		trimTimeout: cfg.TrimTimeout,
		logger:      cfg.Logger.WithGroup("sea"),
		ctx:         ctx,
		cancel:      cancel,
		now:         time.Now,
	}, nil
}

func (s *Sea) Capacity() int64 {
	return s.capacity
}

// Close abandons in-flight trims and waits for them to return.
func (s *Sea) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.trims.Wait()
}

// validate trims message and checks the stored text, so surrounding
// whitespace never counts toward the limit.
func validate(message string) (string, error) {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return "", &ValidationError{Reason: "message must not be empty"}
	}
	if utf8.RuneCountInString(trimmed) > MaxMessageRunes {
		return "", &ValidationError{Reason: "message must be at most " + strconv.Itoa(MaxMessageRunes) + " characters"}
	}
	return trimmed, nil
}

func newID(now time.Time) string {
	u := uuid.New()
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + hex.EncodeToString(u[:6])
}

// Throw stores a new bottle and returns it once the push is durable.
func (s *Sea) Throw(ctx context.Context, message string) (models.Bottle, error) {
	trimmed, err := validate(message)
	if err != nil {
		return models.Bottle{}, err
	}

	now := s.now()
	b := models.Bottle{
		ID:        newID(now),
		Message:   trimmed,
		Timestamp: now.UnixMilli(),
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return models.Bottle{}, &StoreError{Op: "encode", Err: err}
	}

	if _, err := s.store.LPush(ctx, s.key, string(raw)); err != nil {
		return models.Bottle{}, &StoreError{Op: "push", Err: err}
	}
	s.logger.Debug("Bottle thrown", "id", b.ID)

	s.trimInBackground()
	return b, nil
}

func (s *Sea) trimInBackground() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.trims.Add(1)
	go func() {
		defer s.trims.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.trimTimeout)
		defer cancel()
		if err := s.store.LTrim(ctx, s.key, 0, s.capacity-1); err != nil {
			s.logger.Warn("Background trim failed", "key", s.key, "error", err)
		}
	}()
}

// Pick returns a random bottle without removing it.
func (s *Sea) Pick(ctx context.Context) (models.Bottle, error) {
	n, err := s.store.LLen(ctx, s.key)
	if err != nil {
		return models.Bottle{}, &StoreError{Op: "len", Err: err}
	}
	if n <= 0 {
		return models.Bottle{}, ErrEmpty
	}

	idx := rand.Int64N(n)
	raw, ok, err := s.store.LIndex(ctx, s.key, idx)
	if err != nil {
		return models.Bottle{}, &StoreError{Op: "index", Err: err}
	}
	if !ok {
		s.logger.Debug("Sampled index vanished", "index", idx, "len", n)
		return models.Bottle{}, &StoreError{Op: "index", Retryable: true, Err: ErrIndexDrift}
	}

	b, err := Decode(raw)
	if err != nil {
		s.logger.Warn("Corrupt entry in the sea", "index", idx, "error", err)
		return models.Bottle{}, err
	}
	return b, nil
}

// Decode reads a stored entry. Entries that were string encoded one time
// too many are accepted.
func Decode(raw string) (models.Bottle, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		var inner string
		if json.Unmarshal([]byte(raw), &inner) != nil {
			return models.Bottle{}, &CorruptEntryError{Raw: raw, Reason: "not a JSON object"}
		}
		if err := json.Unmarshal([]byte(inner), &fields); err != nil {
			return models.Bottle{}, &CorruptEntryError{Raw: raw, Reason: "string does not hold a JSON object"}
		}
	}
	if fields == nil {
		return models.Bottle{}, &CorruptEntryError{Raw: raw, Reason: "entry is null"}
	}

	var b models.Bottle
	if err := json.Unmarshal(fields["id"], &b.ID); err != nil || b.ID == "" {
		return models.Bottle{}, &CorruptEntryError{Raw: raw, Reason: "id must be a non-empty string"}
	}
	if err := json.Unmarshal(fields["message"], &b.Message); err != nil || b.Message == "" {
		return models.Bottle{}, &CorruptEntryError{Raw: raw, Reason: "message must be a non-empty string"}
	}
	var ts float64
	if err := json.Unmarshal(fields["timestamp"], &ts); err != nil || string(fields["timestamp"]) == "null" {
		return models.Bottle{}, &CorruptEntryError{Raw: raw, Reason: "timestamp must be a number"}
	}
	b.Timestamp = int64(ts)
	return b, nil
}
