// Package chat drives retrieval-augmented conversation turns: it assembles the
// grounded prompt, streams the model reply and persists both sides of the
// exchange to the thread store.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/szaher/careassist/internal/llm"
	"github.com/szaher/careassist/internal/memory"
	"github.com/szaher/careassist/internal/retrieval"
	"github.com/szaher/careassist/internal/telemetry"
	"github.com/szaher/careassist/internal/thread"
)

// Reply is the outcome of one turn.
type Reply struct {
	ThreadID  thread.ID            `json:"thread_id"`
	Text      string               `json:"assistant"`
	Fragments []retrieval.Fragment `json:"-"`
}

// Orchestrator runs chat turns. It is safe for concurrent use; turns on the
// same thread id are serialised, turns on different ids run in parallel.
type Orchestrator struct {
	store     thread.Store
	retriever retrieval.Retriever
	generator Generator
	assembler *PromptAssembler
	history   memory.Selector
	topK      int
	locks     *keyedMutex
	logger    *slog.Logger
	metrics   *telemetry.Metrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTopK sets how many fragments are retrieved per turn.
func WithTopK(k int) Option {
	return func(o *Orchestrator) {
		if k > 0 {
			o.topK = k
		}
	}
}

// WithHistory enables replaying prior turns into the prompt.
func WithHistory(s memory.Selector) Option {
	return func(o *Orchestrator) { o.history = s }
}

// WithAssembler replaces the default prompt assembler.
func WithAssembler(a *PromptAssembler) Option {
	return func(o *Orchestrator) { o.assembler = a }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates an orchestrator over the given collaborators.
func New(store thread.Store, retriever retrieval.Retriever, generator Generator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		retriever: retriever,
		generator: generator,
		assembler: NewPromptAssembler(""),
		history:   memory.None{},
		topK:      retrieval.DefaultK,
		locks:     newKeyedMutex(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Handle runs one turn and returns the complete reply. An empty id starts a
// new thread whose generated id is returned in the reply.
func (o *Orchestrator) Handle(ctx context.Context, id thread.ID, userText string) (Reply, error) {
	return o.HandleStream(ctx, id, userText, nil)
}

// HandleStream is Handle with each generated text fragment forwarded to
// onFragment as it arrives. onFragment is called from the calling goroutine
// and may be nil.
func (o *Orchestrator) HandleStream(ctx context.Context, id thread.ID, userText string, onFragment func(string)) (Reply, error) {
	start := time.Now()
	reply, err := o.turn(ctx, id, userText, onFragment)
	o.metrics.RecordTurn(turnStatus(err), time.Since(start))

	logger := telemetry.RequestLogger(o.logger, ctx, "chat").With("thread_id", reply.ThreadID)
	if err != nil {
		logger.Warn("chat turn failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return reply, err
	}
	logger.Info("chat turn completed",
		"fragments", len(reply.Fragments),
		"reply_chars", len(reply.Text),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return reply, nil
}

func (o *Orchestrator) turn(ctx context.Context, id thread.ID, userText string, onFragment func(string)) (Reply, error) {
	if strings.TrimSpace(userText) == "" {
		return Reply{ThreadID: id}, &InvalidInputError{Field: "message", Reason: "must not be empty"}
	}
	if id == "" {
		id = thread.NewID()
	} else if _, err := thread.ParseID(string(id)); err != nil {
		return Reply{ThreadID: id}, &InvalidInputError{Field: "thread_id", Reason: err.Error()}
	}
	reply := Reply{ThreadID: id}

	unlock := o.locks.Lock(id)
	defer unlock()

	prior, err := o.store.Load(ctx, id)
	if err != nil {
		return reply, err
	}

	frags, err := o.retriever.Fetch(ctx, userText, o.topK)
	if err != nil {
		return reply, &GenerationFailedError{Stage: "retrieve", Err: err}
	}
	if len(frags) > o.topK {
		frags = frags[:o.topK]
	}
	reply.Fragments = frags
	o.metrics.RecordFragments(len(frags))

	prompt := o.assembler.Build(userText, frags, o.history.Select(prior))

	text, err := o.generate(ctx, prompt, onFragment)
	if err != nil {
		return reply, err
	}
	if strings.TrimSpace(text) == "" {
		text = FallbackReply
		if onFragment != nil {
			onFragment(text)
		}
	}
	reply.Text = text

	// Nothing is written before this point. A failure on the second append
	// leaves the user message without a reply; that state is accepted.
	err = o.store.Append(ctx, id, thread.NewMessage(thread.RoleUser, userText))
	o.metrics.RecordAppend(err)
	if err != nil {
		return reply, err
	}
	err = o.store.Append(ctx, id, thread.NewMessage(thread.RoleAssistant, text))
	o.metrics.RecordAppend(err)
	if err != nil {
		return reply, err
	}
	return reply, nil
}

// generate drains the generator stream into the full reply text.
func (o *Orchestrator) generate(ctx context.Context, p Prompt, onFragment func(string)) (string, error) {
	events, err := o.generator.Generate(ctx, p)
	if err != nil {
		return "", &GenerationFailedError{Stage: "generate", Err: err}
	}

	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			// let the producer finish without blocking on a full channel
			go func() {
				for range events {
				}
			}()
			return "", &GenerationFailedError{Stage: "generate", Err: ctx.Err()}
		case ev, ok := <-events:
			if !ok {
				return sb.String(), nil
			}
			switch ev.Type {
			case llm.EventText:
				sb.WriteString(ev.Text)
				if onFragment != nil && ev.Text != "" {
					onFragment(ev.Text)
				}
			case llm.EventError:
				cause := ev.Error
				if cause == nil {
					cause = errors.New("generator reported an error")
				}
				return "", &GenerationFailedError{Stage: "generate", Err: cause}
			case llm.EventDone:
				if ev.Response != nil {
					o.metrics.RecordTokens(ev.Response.Usage.InputTokens, ev.Response.Usage.OutputTokens)
				}
				return sb.String(), nil
			}
		}
	}
}

func turnStatus(err error) string {
	switch {
	case err == nil:
		return telemetry.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return telemetry.StatusInvalid
	case errors.Is(err, ErrGenerationFailed):
		return telemetry.StatusGenFailed
	default:
		return telemetry.StatusStoreFailed
	}
}
