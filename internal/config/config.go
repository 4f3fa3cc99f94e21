// Package config loads the careassist configuration: built-in defaults, then
// an optional YAML file, then a .env file and CAREASSIST_* environment
// variables. Command-line flags are applied last by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/szaher/careassist/internal/auth"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePebble   = "pebble"
	StorePostgres = "postgres"
)

// Retriever kinds.
const (
	RetrieverPGVector = "pgvector"
	RetrieverKeyword  = "keyword"
	RetrieverNone     = "none"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Retriever RetrieverConfig `yaml:"retriever"`
	Chat      ChatConfig      `yaml:"chat"`
	Patients  PatientsConfig  `yaml:"patients"`
	Clinical  ClinicalConfig  `yaml:"clinical"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig configures the HTTP listener and its middleware.
type ServerConfig struct {
	Addr            string          `yaml:"addr"`
	APIKey          string          `yaml:"api_key"`
	NoAuth          bool            `yaml:"no_auth"`
	CORSOrigins     []string        `yaml:"cors_origins"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
}

// RateLimitConfig sets per-client request limits.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// StoreConfig selects the thread store backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// RetrieverConfig selects and configures the knowledge retriever.
type RetrieverConfig struct {
	Kind     string  `yaml:"kind"`
	K        int     `yaml:"k"`
	MinScore float64 `yaml:"min_score"`

	// pgvector
	DSN            string `yaml:"dsn"`
	Table          string `yaml:"table"`
	EmbeddingURL   string `yaml:"embedding_url"`
	EmbeddingModel string `yaml:"embedding_model"`
	EmbeddingKey   string `yaml:"embedding_api_key"`

	// keyword
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// ChatConfig configures prompt assembly and generation.
type ChatConfig struct {
	Model        string   `yaml:"model"`
	MaxTokens    int      `yaml:"max_tokens"`
	Temperature  *float64 `yaml:"temperature"`
	HistoryTurns int      `yaml:"history_turns"`
	Persona      string   `yaml:"persona"`
}

// PatientsConfig enables the patient registry when DSN is set.
type PatientsConfig struct {
	DSN string `yaml:"dsn"`
}

// ClinicalConfig points at a TensorFlow Serving deployment. Empty URL
// disables the prediction endpoints.
type ClinicalConfig struct {
	ServingURL      string `yaml:"serving_url"`
	HealthRiskModel string `yaml:"health_risk_model"`
	DepressionModel string `yaml:"depression_model"`
	PneumoniaModel  string `yaml:"pneumonia_model"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8000",
			CORSOrigins: []string{
				"http://localhost:5173",
				"http://localhost:3000",
				"http://localhost:8501",
			},
			RateLimit:       RateLimitConfig{RPS: 10, Burst: 20},
			ShutdownTimeout: 15 * time.Second,
		},
		Store: StoreConfig{
			Driver: StorePebble,
			Path:   "data/threads",
		},
		Retriever: RetrieverConfig{
			Kind:           RetrieverKeyword,
			K:              3,
			Table:          "healthcare_chunks",
			EmbeddingModel: "sentence-transformers/all-MiniLM-L6-v2",
			Dir:            "data/knowledge",
			Watch:          true,
		},
		Chat: ChatConfig{
			Model:     "huggingface/mistralai/Mistral-7B-Instruct-v0.2",
			MaxTokens: 1024,
			Persona:   "Dr. Spark",
		},
		Clinical: ClinicalConfig{
			HealthRiskModel: "health_risk",
			DepressionModel: "depression",
			PneumoniaModel:  "pneumonia",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds the configuration from defaults, the YAML file at path (skipped
// when path is empty) and the process environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := cfg.decode(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from CAREASSIST_* variables returned by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("CAREASSIST_ADDR", &c.Server.Addr)
	str(auth.DefaultEnvVar, &c.Server.APIKey)
	boolean("CAREASSIST_NO_AUTH", &c.Server.NoAuth)
	if v, ok := lookup(auth.RateLimitEnvVar); ok && v != "" {
		if rl, err := auth.ParseRateLimit(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", auth.RateLimitEnvVar, err))
		} else {
			c.Server.RateLimit = RateLimitConfig{RPS: rl.RequestsPerSecond, Burst: rl.Burst}
		}
	}
	if v, ok := lookup("CAREASSIST_CORS_ORIGINS"); ok && v != "" {
		c.Server.CORSOrigins = splitList(v)
	}

	str("CAREASSIST_STORE_DRIVER", &c.Store.Driver)
	str("CAREASSIST_STORE_PATH", &c.Store.Path)
	str("CAREASSIST_STORE_DSN", &c.Store.DSN)

	str("CAREASSIST_RETRIEVER", &c.Retriever.Kind)
	integer("CAREASSIST_RETRIEVER_K", &c.Retriever.K)
	float("CAREASSIST_RETRIEVER_MIN_SCORE", &c.Retriever.MinScore)
	str("CAREASSIST_RETRIEVER_DSN", &c.Retriever.DSN)
	str("CAREASSIST_RETRIEVER_TABLE", &c.Retriever.Table)
	str("CAREASSIST_EMBEDDING_URL", &c.Retriever.EmbeddingURL)
	str("CAREASSIST_EMBEDDING_MODEL", &c.Retriever.EmbeddingModel)
	str("CAREASSIST_EMBEDDING_API_KEY", &c.Retriever.EmbeddingKey)
	str("CAREASSIST_KNOWLEDGE_DIR", &c.Retriever.Dir)

	str("CAREASSIST_MODEL", &c.Chat.Model)
	integer("CAREASSIST_MAX_TOKENS", &c.Chat.MaxTokens)
	integer("CAREASSIST_HISTORY_TURNS", &c.Chat.HistoryTurns)
	if v, ok := lookup("CAREASSIST_TEMPERATURE"); ok && v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("CAREASSIST_TEMPERATURE: %w", err))
		} else {
			c.Chat.Temperature = &t
		}
	}

	str("CAREASSIST_PATIENTS_DSN", &c.Patients.DSN)
	str("CAREASSIST_TF_SERVING_URL", &c.Clinical.ServingURL)
	str("CAREASSIST_LOG_LEVEL", &c.Log.Level)

	return errors.Join(errs...)
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.Server.Addr) == "" {
		add("server.addr is required")
	}
	if c.Server.RateLimit.RPS < 0 || c.Server.RateLimit.Burst < 0 {
		add("server.rate_limit values must not be negative")
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StorePebble:
		if c.Store.Path == "" {
			add("store.path is required for the pebble driver")
		}
	case StorePostgres:
		if c.Store.DSN == "" {
			add("store.dsn is required for the postgres driver")
		}
	default:
		add("store.driver %q is not one of memory, pebble, postgres", c.Store.Driver)
	}

	switch c.Retriever.Kind {
	case RetrieverNone:
	case RetrieverKeyword:
		if c.Retriever.Dir == "" {
			add("retriever.dir is required for the keyword retriever")
		}
	case RetrieverPGVector:
		if c.Retriever.DSN == "" {
			add("retriever.dsn is required for the pgvector retriever")
		}
		if c.Retriever.EmbeddingURL == "" {
			add("retriever.embedding_url is required for the pgvector retriever")
		}
	default:
		add("retriever.kind %q is not one of pgvector, keyword, none", c.Retriever.Kind)
	}
	if c.Retriever.K <= 0 {
		add("retriever.k must be positive, got %d", c.Retriever.K)
	}

	if strings.TrimSpace(c.Chat.Model) == "" {
		add("chat.model is required")
	}
	if c.Chat.MaxTokens <= 0 {
		add("chat.max_tokens must be positive, got %d", c.Chat.MaxTokens)
	}
	if c.Chat.HistoryTurns < 0 {
		add("chat.history_turns must not be negative")
	}
	if t := c.Chat.Temperature; t != nil && (*t < 0 || *t > 2) {
		add("chat.temperature must be within [0, 2], got %g", *t)
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		add("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}

	return errors.Join(errs...)
}

// providerEnvKeys are the provider credentials read directly by the llm
// package.
var providerEnvKeys = []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "HUGGINGFACEHUB_API_TOKEN"}

// Secrets returns the credential values that must never reach the logs:
// the API key, the embedding key, provider tokens from lookup and the
// passwords inside every configured DSN.
func (c *Config) Secrets(lookup func(string) (string, bool)) []string {
	var out []string
	add := func(v string) {
		if v != "" {
			out = append(out, v)
		}
	}
	add(c.Server.APIKey)
	add(c.Retriever.EmbeddingKey)
	for _, k := range providerEnvKeys {
		if v, ok := lookup(k); ok {
			add(v)
		}
	}
	for _, dsn := range []string{c.Store.DSN, c.Retriever.DSN, c.Patients.DSN} {
		if u, err := url.Parse(dsn); err == nil && u.User != nil {
			if pw, ok := u.User.Password(); ok {
				add(pw)
			}
		}
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
