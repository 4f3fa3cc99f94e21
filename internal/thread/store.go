package thread

import (
	"context"
	"errors"
	"fmt"
)

var errStoreClosed = errors.New("store closed")

// Store persists thread message logs.
//
// Implementations must allow concurrent Append and Load on different ids.
// A single writer per id is assumed; callers that need stronger guarantees
// serialise turns themselves.
type Store interface {
	// Append adds msg to the end of the thread log, creating the thread on
	// first use. The write is durable when Append returns nil.
	Append(ctx context.Context, id ID, msg Message) error

	// Load returns the thread log in append order. Unknown ids yield an
	// empty slice and no error.
	Load(ctx context.Context, id ID) ([]Message, error)

	// ListThreadIDs returns every id that has received at least one append.
	ListThreadIDs(ctx context.Context) ([]ID, error)

	// Close releases the underlying resources.
	Close() error
}

// Get loads a thread view for display.
func Get(ctx context.Context, s Store, id ID) (*Thread, error) {
	msgs, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	t := &Thread{ID: id, Messages: msgs}
	if t.Messages == nil {
		t.Messages = []Message{}
	}
	if len(msgs) > 0 {
		t.CreatedAt = msgs[0].CreatedAt
		t.UpdatedAt = msgs[len(msgs)-1].CreatedAt
	}
	return t, nil
}

func validateAppend(id ID, msg Message) error {
	if id == "" {
		return fmt.Errorf("append: empty thread id")
	}
	if !msg.Role.Valid() {
		return fmt.Errorf("append: invalid role %q", msg.Role)
	}
	return nil
}
