package thread

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// Key layout:
//
//	t/<id>                 thread metadata (JSON threadMeta)
//	m/<id>\x00<seq:020d>   message (JSON Message), seq starts at 1
//
// Thread ids never contain \x00, so the message prefix of one id cannot
// overlap another's.
const (
	metaPrefix = "t/"
	msgPrefix  = "m/"
	lockStripe = 64
)

type threadMeta struct {
	ID        ID        `json:"id"`
	Count     int64     `json:"count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PebbleStore is a durable Store on a local Pebble database.
type PebbleStore struct {
	// mu is held shared for every operation and exclusively by Close, so
	// the database is never closed under a running read or write.
	mu     sync.RWMutex
	db     *pebble.DB
	path   string
	logger *slog.Logger

	// stripes serialise the read-modify-write of a thread's metadata.
	stripes [lockStripe]sync.Mutex
}

// PebbleOption configures a PebbleStore.
type PebbleOption func(*PebbleStore)

// WithPebbleLogger sets the logger used for store diagnostics.
func WithPebbleLogger(logger *slog.Logger) PebbleOption {
	return func(s *PebbleStore) { s.logger = logger }
}

// OpenPebbleStore opens (or creates) a Pebble database at path.
func OpenPebbleStore(path string, opts ...PebbleOption) (*PebbleStore, error) {
	s := &PebbleStore{path: path, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, unavailable("open", fmt.Errorf("open pebble at %s: %w", path, err))
	}
	s.db = db
	s.logger.Info("thread store opened", "driver", "pebble", "path", path)
	return s, nil
}

func metaKey(id ID) []byte {
	return []byte(metaPrefix + string(id))
}

func msgBounds(id ID) (lower, upper []byte) {
	base := msgPrefix + string(id)
	return []byte(base + "\x00"), []byte(base + "\x01")
}

func msgKey(id ID, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%s\x00%020d", msgPrefix, id, seq))
}

// check must be called with mu held.
func (s *PebbleStore) check(ctx context.Context, op string) error {
	if s.db == nil {
		return unavailable(op, errStoreClosed)
	}
	return unavailable(op, ctx.Err())
}

func (s *PebbleStore) stripe(id ID) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.stripes[h.Sum32()%lockStripe]
}

// Append writes the message and the updated thread metadata in one batch
// committed with fsync.
func (s *PebbleStore) Append(ctx context.Context, id ID, msg Message) error {
	if err := validateAppend(id, msg); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, "append"); err != nil {
		return err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	mu := s.stripe(id)
	mu.Lock()
	defer mu.Unlock()

	meta, err := s.readMeta(id)
	if err != nil {
		return unavailable("append", err)
	}
	if meta == nil {
		meta = &threadMeta{ID: id, CreatedAt: msg.CreatedAt}
	}
	meta.Count++
	meta.UpdatedAt = msg.CreatedAt

	msgData, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal thread meta: %w", err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(msgKey(id, meta.Count), msgData, nil); err != nil {
		return unavailable("append", err)
	}
	if err := b.Set(metaKey(id), metaData, nil); err != nil {
		return unavailable("append", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		s.logger.Error("thread append failed", "thread_id", id, "error", err)
		return unavailable("append", err)
	}
	return nil
}

func (s *PebbleStore) readMeta(id ID) (*threadMeta, error) {
	val, closer, err := s.db.Get(metaKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var meta threadMeta
	if err := json.Unmarshal(val, &meta); err != nil {
		return nil, fmt.Errorf("decode thread meta %s: %w", id, err)
	}
	return &meta, nil
}

// Load returns the thread log ordered by sequence number.
func (s *PebbleStore) Load(ctx context.Context, id ID) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, "load"); err != nil {
		return nil, err
	}
	lower, upper := msgBounds(id)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, unavailable("load", err)
	}

	msgs := []Message{}
	for iter.First(); iter.Valid(); iter.Next() {
		var m Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			_ = iter.Close()
			return nil, unavailable("load", fmt.Errorf("decode message %q: %w", iter.Key(), err))
		}
		msgs = append(msgs, m)
	}
	if err := iter.Close(); err != nil {
		return nil, unavailable("load", err)
	}
	return msgs, nil
}

// ListThreadIDs scans the metadata keyspace.
func (s *PebbleStore) ListThreadIDs(ctx context.Context) ([]ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, "list"); err != nil {
		return nil, err
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(metaPrefix),
		UpperBound: []byte("t0"), // '0' is the byte after '/'
	})
	if err != nil {
		return nil, unavailable("list", err)
	}

	ids := []ID{}
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, ID(iter.Key()[len(metaPrefix):]))
	}
	if err := iter.Close(); err != nil {
		return nil, unavailable("list", err)
	}
	return ids, nil
}

// Close flushes and closes the database. It waits for in-flight operations;
// later calls fail with ErrStoreUnavailable.
func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return unavailable("close", err)
	}
	s.logger.Info("thread store closed", "driver", "pebble", "path", s.path)
	return nil
}
