// Package thread defines conversation threads and the durable stores that
// keep their message logs.
package thread

import (
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single immutable entry in a thread log.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage creates a message stamped with the current time.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content, CreatedAt: time.Now().UTC()}
}

// Thread is the full view of one conversation.
type Thread struct {
	ID        ID        `json:"thread_id"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// ID is an opaque thread identifier.
type ID string

const (
	idPrefix    = "thr_"
	maxIDLength = 128
)

// NewID generates a fresh, time-sortable thread identifier.
func NewID() ID {
	return ID(idPrefix + ulid.Make().String())
}

// ParseID accepts a caller-supplied identifier verbatim if it is well formed.
// Identifiers are 1..128 characters from [A-Za-z0-9._:-], which covers both
// generated ids and UUIDs issued by older clients.
func ParseID(s string) (ID, error) {
	if s == "" {
		return "", errors.New("thread id is empty")
	}
	if len(s) > maxIDLength {
		return "", fmt.Errorf("thread id longer than %d characters", maxIDLength)
	}
	for i := 0; i < len(s); i++ {
		if !idChar(s[i]) {
			return "", fmt.Errorf("thread id contains invalid character %q", s[i])
		}
	}
	return ID(s), nil
}

func idChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '.', c == '_', c == ':', c == '-':
		return true
	}
	return false
}

// String returns the identifier as a plain string.
func (id ID) String() string { return string(id) }

// ErrStoreUnavailable is the sentinel matched by every StoreUnavailableError.
var ErrStoreUnavailable = errors.New("thread store unavailable")

// StoreUnavailableError reports an I/O failure in the underlying store.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("thread store %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrStoreUnavailable) match any store failure.
func (e *StoreUnavailableError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var sue *StoreUnavailableError
	if errors.As(err, &sue) {
		return err
	}
	return &StoreUnavailableError{Op: op, Err: err}
}
