package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/szaher/careassist/internal/auth"
	"github.com/szaher/careassist/internal/chat"
	"github.com/szaher/careassist/internal/clinical"
	"github.com/szaher/careassist/internal/config"
	"github.com/szaher/careassist/internal/llm"
	"github.com/szaher/careassist/internal/memory"
	"github.com/szaher/careassist/internal/patient"
	"github.com/szaher/careassist/internal/retrieval"
	"github.com/szaher/careassist/internal/telemetry"
	"github.com/szaher/careassist/internal/thread"
)

// Runtime owns every collaborator built from the configuration and their
// lifetimes.
type Runtime struct {
	cfg          *config.Config
	server       *Server
	store        thread.Store
	orchestrator *chat.Orchestrator
	keyword      *retrieval.KeywordIndex
	patients     *patient.Store
	pools        []*pgxpool.Pool
	logger       *slog.Logger
	metrics      *telemetry.Metrics
}

// Options overrides collaborators, mainly for tests and the CLI.
type Options struct {
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
	Store     thread.Store
	Retriever retrieval.Retriever
	LLMClient llm.Client
}

// New builds the runtime. A thread store failure is fatal. Retriever or
// generator failures leave chat unavailable; patient registry and clinical
// failures disable those endpoints.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}
	rt := &Runtime{cfg: cfg, logger: logger, metrics: metrics}

	store := opts.Store
	if store == nil {
		var err error
		if store, err = OpenThreadStore(ctx, cfg.Store, logger); err != nil {
			return nil, fmt.Errorf("open thread store: %w", err)
		}
	}
	rt.store = store

	orch, err := rt.buildChat(ctx, opts)
	if err != nil {
		logger.Warn("chat unavailable", "error", err)
	} else {
		rt.orchestrator = orch
	}

	if cfg.Patients.DSN != "" {
		p, err := patient.Open(ctx, cfg.Patients.DSN)
		if err != nil {
			logger.Warn("patient registry unavailable", "error", err)
		} else {
			rt.patients = p
		}
	}

	var scorer clinical.Scorer
	if cfg.Clinical.ServingURL != "" {
		scorer = clinical.NewTFServingScorer(cfg.Clinical.ServingURL)
	}
	clin := clinical.NewService(scorer,
		clinical.WithModels(clinical.Models{
			HealthRisk: cfg.Clinical.HealthRiskModel,
			Depression: cfg.Clinical.DepressionModel,
			Pneumonia:  cfg.Clinical.PneumoniaModel,
		}),
		clinical.WithServiceLogger(logger),
		clinical.WithServiceMetrics(metrics),
	)

	serverOpts := []ServerOption{
		WithLogger(logger),
		WithMetrics(metrics),
		WithThreads(store),
		WithClinical(clin),
		WithNoAuth(cfg.Server.NoAuth),
		WithCORSOrigins(cfg.Server.CORSOrigins),
	}
	if rt.orchestrator != nil {
		serverOpts = append(serverOpts, WithChat(rt.orchestrator))
	}
	if rt.patients != nil {
		serverOpts = append(serverOpts, WithPatients(rt.patients))
	}
	if rl := cfg.Server.RateLimit; rl.RPS > 0 && rl.Burst > 0 {
		serverOpts = append(serverOpts, WithRateLimit(auth.RateLimitConfig{RequestsPerSecond: rl.RPS, Burst: rl.Burst}))
	}
	apiKey := cfg.Server.APIKey
	switch {
	case apiKey != "":
		serverOpts = append(serverOpts, WithAPIKey(apiKey))
	case cfg.Server.NoAuth:
		logger.Warn("server starting WITHOUT authentication (--no-auth flag provided)")
	default:
		logger.Warn("no API key configured: all API requests will be rejected. Use --no-auth to explicitly allow unauthenticated access, or set " + auth.DefaultEnvVar)
	}
	rt.server = NewServer(serverOpts...)

	return rt, nil
}

// OpenThreadStore opens the thread store selected by cfg.
func OpenThreadStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (thread.Store, error) {
	switch cfg.Driver {
	case config.StoreMemory:
		return thread.NewMemoryStore(), nil
	case config.StorePostgres:
		return thread.OpenPostgresStore(ctx, cfg.DSN, thread.WithPostgresLogger(logger))
	default:
		return thread.OpenPebbleStore(cfg.Path, thread.WithPebbleLogger(logger))
	}
}

func (rt *Runtime) buildChat(ctx context.Context, opts Options) (*chat.Orchestrator, error) {
	retriever := opts.Retriever
	if retriever == nil {
		var err error
		if retriever, err = rt.buildRetriever(ctx); err != nil {
			return nil, fmt.Errorf("retriever: %w", err)
		}
	}

	client, model := opts.LLMClient, rt.cfg.Chat.Model
	if client == nil {
		client, model = llm.NewClientForModel(rt.cfg.Chat.Model)
	} else {
		_, model = llm.ParseModelString(model)
	}
	if client == nil {
		return nil, errors.New("generator: no client for model " + rt.cfg.Chat.Model)
	}
	genOpts := []chat.GeneratorOption{chat.WithMaxTokens(rt.cfg.Chat.MaxTokens)}
	if t := rt.cfg.Chat.Temperature; t != nil {
		genOpts = append(genOpts, chat.WithTemperature(*t))
	}
	generator := chat.NewLLMGenerator(client, model, genOpts...)
	history := memory.New(rt.cfg.Chat.HistoryTurns)

	rt.logger.Info("chat ready", "model", generator.Model(), "retriever", rt.cfg.Retriever.Kind,
		"history", history.Strategy(), "history_turns", rt.cfg.Chat.HistoryTurns)

	return chat.New(rt.store, retriever, generator,
		chat.WithTopK(rt.cfg.Retriever.K),
		chat.WithHistory(history),
		chat.WithAssembler(chat.NewPromptAssembler(rt.cfg.Chat.Persona)),
		chat.WithLogger(rt.logger),
		chat.WithMetrics(rt.metrics),
	), nil
}

func (rt *Runtime) buildRetriever(ctx context.Context) (retrieval.Retriever, error) {
	rc := rt.cfg.Retriever
	switch rc.Kind {
	case config.RetrieverNone:
		return retrieval.Static{}, nil
	case config.RetrieverPGVector:
		pool, err := pgxpool.New(ctx, rc.DSN)
		if err != nil {
			return nil, err
		}
		embedder := retrieval.NewOpenAIEmbedder(rc.EmbeddingURL, rc.EmbeddingKey, rc.EmbeddingModel)
		r := retrieval.NewPGVectorRetriever(pool, embedder,
			retrieval.WithTable(rc.Table), retrieval.WithMinScore(rc.MinScore))
		if err := r.Ping(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		rt.pools = append(rt.pools, pool)
		return r, nil
	default:
		idx, err := retrieval.NewKeywordIndex(rc.Dir, retrieval.WithKeywordLogger(rt.logger))
		if err != nil {
			return nil, err
		}
		rt.logger.Info("keyword index built", "dir", rc.Dir, "chunks", idx.Len())
		rt.keyword = idx
		return idx, nil
	}
}

// Server returns the HTTP server.
func (rt *Runtime) Server() *Server { return rt.server }

// Orchestrator returns the chat orchestrator, nil when chat is unavailable.
func (rt *Runtime) Orchestrator() *chat.Orchestrator { return rt.orchestrator }

// Store returns the thread store.
func (rt *Runtime) Store() thread.Store { return rt.store }

// Run serves HTTP on the configured address and watches the knowledge
// directory until ctx is cancelled, then shuts down gracefully.
func (rt *Runtime) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := rt.server.ListenAndServe(rt.cfg.Server.Addr)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	if rt.keyword != nil && rt.cfg.Retriever.Watch {
		g.Go(func() error { return rt.keyword.Watch(ctx) })
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout)
		defer cancel()
		return rt.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown stops the HTTP server and releases every collaborator.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.logger.Info("shutting down runtime")

	var errs []error
	if err := rt.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown server: %w", err))
	}
	if rt.patients != nil {
		rt.patients.Close()
	}
	for _, p := range rt.pools {
		p.Close()
	}
	if err := rt.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close thread store: %w", err))
	}
	return errors.Join(errs...)
}
