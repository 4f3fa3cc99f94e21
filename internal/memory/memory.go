// Package memory selects which prior turns of a conversation are replayed to
// the model when history conditioning is enabled.
package memory

import (
	"github.com/szaher/careassist/internal/llm"
	"github.com/szaher/careassist/internal/thread"
)

// Strategy identifies a history selection strategy.
type Strategy string

const (
	// StrategyNone replays nothing; each turn sees only the latest user message.
	StrategyNone Strategy = "none"
	// StrategySlidingWindow replays the most recent complete turns.
	StrategySlidingWindow Strategy = "sliding_window"
)

// Selector turns a stored thread log into prompt history.
type Selector interface {
	Select(log []thread.Message) []llm.Message
	Strategy() Strategy
}

// New returns the selector for maxTurns. Zero or negative disables history.
func New(maxTurns int) Selector {
	if maxTurns <= 0 {
		return None{}
	}
	return NewWindow(maxTurns)
}

// None never replays history.
type None struct{}

// Select always returns nil.
func (None) Select([]thread.Message) []llm.Message { return nil }

// Strategy reports StrategyNone.
func (None) Strategy() Strategy { return StrategyNone }
