package thread

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
)

func openTestPebble(t *testing.T, dir string) *PebbleStore {
	t.Helper()
	s, err := OpenPebbleStore(dir, WithPebbleLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("OpenPebbleStore: %v", err)
	}
	return s
}

func TestPebbleStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		s := openTestPebble(t, filepath.Join(t.TempDir(), "threads"))
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestPebbleStoreSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "threads")
	ctx := context.Background()
	id := NewID()

	s := openTestPebble(t, dir)
	if err := s.Append(ctx, id, NewMessage(RoleUser, "What are the symptoms of flu?")); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, id, NewMessage(RoleAssistant, "Fever and cough.")); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s = openTestPebble(t, dir)
	defer s.Close()

	msgs, err := s.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load after reopen: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}

	// sequence numbering resumes after the persisted count
	if err := s.Append(ctx, id, NewMessage(RoleUser, "And treatment?")); err != nil {
		t.Fatal(err)
	}
	msgs, _ = s.Load(ctx, id)
	if len(msgs) != 3 || msgs[2].Content != "And treatment?" {
		t.Errorf("after resume msgs = %+v", msgs)
	}

	ids, err := s.ListThreadIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Errorf("ListThreadIDs = %v, want [%s]", ids, id)
	}
}

func TestMsgKeyOrdering(t *testing.T) {
	// lexical key order must match numeric sequence order
	if string(msgKey("t", 9)) >= string(msgKey("t", 10)) {
		t.Error("msgKey(9) sorts after msgKey(10)")
	}
	lower, upper := msgBounds("t")
	k := string(msgKey("t", 1))
	if k < string(lower) || k >= string(upper) {
		t.Errorf("msgKey %q outside bounds [%q, %q)", k, lower, upper)
	}
}

func TestPebbleStoreCloseDuringOperations(t *testing.T) {
	s := openTestPebble(t, filepath.Join(t.TempDir(), "threads"))
	ctx := context.Background()
	id := NewID()

	ops := map[string]func() error{
		"list": func() error { _, err := s.ListThreadIDs(ctx); return err },
		"load": func() error { _, err := s.Load(ctx, id); return err },
		"append": func() error {
			return s.Append(ctx, id, NewMessage(RoleUser, "Is a sore throat contagious?"))
		},
	}

	var (
		started sync.WaitGroup
		done    sync.WaitGroup
		mu      sync.Mutex
		errs    = map[string]error{}
	)
	for name, op := range ops {
		started.Add(1)
		done.Add(1)
		go func() {
			defer done.Done()
			first := true
			for {
				err := op()
				if first {
					started.Done()
					first = false
				}
				if err != nil {
					mu.Lock()
					errs[name] = err
					mu.Unlock()
					return
				}
			}
		}()
	}

	started.Wait()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	done.Wait()

	for name := range ops {
		if !errors.Is(errs[name], ErrStoreUnavailable) {
			t.Errorf("%s after Close: err = %v, want ErrStoreUnavailable", name, errs[name])
		}
	}
}
