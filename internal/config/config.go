package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the graphkb service.
type Config struct {
	Neo4j     Neo4jConfig
	Embedding EmbeddingConfig
	Server    ServerConfig
	Search    SearchConfig
	Stream    StreamConfig
	DLQ       DLQConfig
	Synth     SynthConfig
	Admin     AdminConfig
	Log       LogConfig
}

// Neo4jConfig holds graph store connection details.
type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
	PoolSize int
}

// EmbeddingConfig holds embedding provider details.
type EmbeddingConfig struct {
	URL        string
	APIKey     string
	Model      string
	Dimensions int
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr        string
	CORSOrigins string
	Name        string
	Version     string
}

// SearchConfig holds semantic search thresholds and limits.
type SearchConfig struct {
	MinScore           float64
	DuplicateThreshold float64
	HighThreshold      float64
	MediumThreshold    float64
	DefaultLimit       int
	VectorIndex        string
}

// StreamConfig holds event stream long-poll settings.
type StreamConfig struct {
	PollInterval time.Duration
	MaxTimeout   time.Duration
	MaxLimit     int
}

// DLQConfig holds dead-letter queue retry settings.
type DLQConfig struct {
	MaxRetries    int
	RetryDelays   []time.Duration
	SweepInterval time.Duration
}

// SynthConfig holds context synthesizer budgets and token estimate
// coefficients. The coefficients are product-owned heuristics.
type SynthConfig struct {
	Budget         time.Duration
	EventLimit     int
	TeamEventDays  int
	TeamEventLimit int
	TokenBase      int
	TokenPerTask   int
	TokenPerEvent  int
	TokenCharter   int
	TokenPerTeam   int
}

// AdminConfig holds the static admin allowlist for cleanup operations.
type AdminConfig struct {
	Allowlist []string
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string // debug, info, warn, error
}

// Load creates a Config by reading environment variables with defaults.
// Precedence: environment variables > defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Neo4j: Neo4jConfig{
			URI:      envOr("GRAPHKB_NEO4J_URI", "bolt://localhost:7687"),
			Username: envOr("GRAPHKB_NEO4J_USER", "neo4j"),
			Password: os.Getenv("GRAPHKB_NEO4J_PASSWORD"),
			Database: envOr("GRAPHKB_NEO4J_DATABASE", "neo4j"),
			PoolSize: envInt("GRAPHKB_NEO4J_POOL_SIZE", 50),
		},
		Embedding: EmbeddingConfig{
			URL:        envOr("GRAPHKB_EMBEDDING_URL", "https://api.openai.com/v1/embeddings"),
			APIKey:     os.Getenv("GRAPHKB_EMBEDDING_API_KEY"),
			Model:      envOr("GRAPHKB_EMBEDDING_MODEL", "text-embedding-3-small"),
			Dimensions: envInt("GRAPHKB_EMBEDDING_DIMENSIONS", 1536),
		},
		Server: ServerConfig{
			Addr:        envOr("GRAPHKB_ADDR", ":8080"),
			CORSOrigins: envOr("GRAPHKB_CORS_ORIGINS", "*"),
			Name:        "graphkb",
			Version:     "0.1.0",
		},
		Search: SearchConfig{
			MinScore:           envFloat("GRAPHKB_SEARCH_MIN_SCORE", 0.75),
			DuplicateThreshold: envFloat("GRAPHKB_SEARCH_DUPLICATE_THRESHOLD", 0.95),
			HighThreshold:      envFloat("GRAPHKB_SEARCH_HIGH_THRESHOLD", 0.90),
			MediumThreshold:    envFloat("GRAPHKB_SEARCH_MEDIUM_THRESHOLD", 0.80),
			DefaultLimit:       envInt("GRAPHKB_SEARCH_DEFAULT_LIMIT", 10),
			VectorIndex:        envOr("GRAPHKB_VECTOR_INDEX", "node_embeddings"),
		},
		Stream: StreamConfig{
			PollInterval: envDuration("GRAPHKB_STREAM_POLL_INTERVAL", 500*time.Millisecond),
			MaxTimeout:   envDuration("GRAPHKB_STREAM_MAX_TIMEOUT", 60*time.Second),
			MaxLimit:     envInt("GRAPHKB_STREAM_MAX_LIMIT", 200),
		},
		DLQ: DLQConfig{
			MaxRetries: envInt("GRAPHKB_DLQ_MAX_RETRIES", 3),
			RetryDelays: []time.Duration{
				envDuration("GRAPHKB_DLQ_DELAY_1", 60*time.Second),
				envDuration("GRAPHKB_DLQ_DELAY_2", 5*time.Minute),
				envDuration("GRAPHKB_DLQ_DELAY_3", 30*time.Minute),
			},
			SweepInterval: envDuration("GRAPHKB_DLQ_SWEEP_INTERVAL", 5*time.Minute),
		},
		Synth: SynthConfig{
			Budget:         envDuration("GRAPHKB_SYNTH_BUDGET", 2*time.Second),
			EventLimit:     envInt("GRAPHKB_SYNTH_EVENT_LIMIT", 25),
			TeamEventDays:  envInt("GRAPHKB_SYNTH_TEAM_EVENT_DAYS", 7),
			TeamEventLimit: envInt("GRAPHKB_SYNTH_TEAM_EVENT_LIMIT", 10),
			TokenBase:      envInt("GRAPHKB_SYNTH_TOKEN_BASE", 500),
			TokenPerTask:   envInt("GRAPHKB_SYNTH_TOKEN_PER_TASK", 50),
			TokenPerEvent:  envInt("GRAPHKB_SYNTH_TOKEN_PER_EVENT", 30),
			TokenCharter:   envInt("GRAPHKB_SYNTH_TOKEN_CHARTER", 200),
			TokenPerTeam:   envInt("GRAPHKB_SYNTH_TOKEN_PER_TEAM", 40),
		},
		Admin: AdminConfig{
			Allowlist: splitList(os.Getenv("GRAPHKB_ADMIN_ALLOWLIST")),
		},
		Log: LogConfig{
			Level: envOr("GRAPHKB_LOG_LEVEL", "info"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required fields are present and sane.
func (c *Config) Validate() error {
	if c.Neo4j.Password == "" {
		return fmt.Errorf("missing required environment variable: GRAPHKB_NEO4J_PASSWORD")
	}
	if c.Embedding.APIKey == "" {
		return fmt.Errorf("missing required environment variable: GRAPHKB_EMBEDDING_API_KEY")
	}
	if c.Search.MinScore < 0 || c.Search.MinScore > 1 {
		return fmt.Errorf("GRAPHKB_SEARCH_MIN_SCORE must be in [0,1], got %v", c.Search.MinScore)
	}
	if c.DLQ.MaxRetries < 1 {
		return fmt.Errorf("GRAPHKB_DLQ_MAX_RETRIES must be >= 1, got %d", c.DLQ.MaxRetries)
	}
	return nil
}

// IsAdmin reports whether the given principal is on the static cleanup
// allowlist.
func (c *Config) IsAdmin(userID string) bool {
	for _, id := range c.Admin.Allowlist {
		if id == userID {
			return true
		}
	}
	return false
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
