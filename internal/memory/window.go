package memory

import (
	"github.com/szaher/careassist/internal/llm"
	"github.com/szaher/careassist/internal/thread"
)

// Window replays the last maxTurns complete (user, assistant) pairs with
// FIFO eviction of older turns.
//
// A user message without a following assistant reply, which is what a failed
// final append leaves behind, is skipped so that the replayed history always
// alternates.
type Window struct {
	maxTurns int
}

// NewWindow creates a sliding window over at most maxTurns turns.
func NewWindow(maxTurns int) *Window {
	if maxTurns <= 0 {
		maxTurns = 1
	}
	return &Window{maxTurns: maxTurns}
}

// Strategy reports StrategySlidingWindow.
func (w *Window) Strategy() Strategy { return StrategySlidingWindow }

// MaxTurns returns the configured window size.
func (w *Window) MaxTurns() int { return w.maxTurns }

// Select returns the retained turns, oldest first.
func (w *Window) Select(log []thread.Message) []llm.Message {
	var turns [][2]thread.Message
	for i := 0; i+1 < len(log); i++ {
		if log[i].Role == thread.RoleUser && log[i+1].Role == thread.RoleAssistant {
			turns = append(turns, [2]thread.Message{log[i], log[i+1]})
			i++
		}
	}

	// Evict from the front if over limit
	if len(turns) > w.maxTurns {
		turns = turns[len(turns)-w.maxTurns:]
	}
	if len(turns) == 0 {
		return nil
	}

	out := make([]llm.Message, 0, 2*len(turns))
	for _, t := range turns {
		out = append(out,
			llm.Message{Role: llm.RoleUser, Content: t[0].Content},
			llm.Message{Role: llm.RoleAssistant, Content: t[1].Content},
		)
	}
	return out
}
