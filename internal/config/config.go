// Package config loads Reservoir's process-wide configuration once at
// startup into an immutable struct threaded through every constructor.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// VectorConfig selects and configures the pluggable vector index backend
// used when the similarity index is split out of the graph database.
type VectorConfig struct {
	Backend    string // empty (default: Neo4j's own index, no split), memory, postgres, pgvector, qdrant, none
	DSN        string
	Collection string
	Dimensions int
	Metric     string // cosine (default), l2/euclidean, ip/dot
}

// Neo4jConfig holds the Conversation Store's graph database connection.
type Neo4jConfig struct {
	URI      string
	User     string
	Password string
}

// RedisConfig configures the Token Accountant's shared tokenizer cache.
// Empty URL means the in-process cache is used instead.
type RedisConfig struct {
	URL string
}

// UpstreamConfig holds the two default base URLs of the tagged dispatch
// between OpenAI-shaped and Ollama-shaped upstreams.
type UpstreamConfig struct {
	OpenAIBaseURL string
	OllamaBaseURL string
}

// Config is Reservoir's complete, eagerly-loaded configuration.
type Config struct {
	Port int

	OpenAIAPIKey string

	Neo4j    Neo4jConfig
	Redis    RedisConfig
	Vector   VectorConfig
	Upstream UpstreamConfig

	MaxTokens      int
	InputCeiling   int
	EnrichKSim     int
	EnrichKRec     int
	SynapseThresh  float64
	EmbeddingDims  int
	EmbeddingModel string
	EmbeddingURL   string

	UpstreamTimeout  time.Duration
	EmbeddingTimeout time.Duration
	StoreTimeout     time.Duration

	LogLevel string

	// AdminDSN, when set, enables the read-only admin surface, backed by a
	// Postgres mirror of stored messages. When empty, the admin endpoints
	// are not registered.
	AdminDSN string

	// ConfigFile optionally points at a YAML file seeding per-upstream-kind
	// model-prefix routing overrides (see internal/upstream).
	ConfigFile string
}

// Load reads environment variables (after a best-effort .env load) into a
// Config, applying every default named in the external interface contract.
// OPENAI_API_KEY is optional and its absence does not fail Load. It is
// used as the Embedding Client's bearer token; the pipeline forwards only
// the inbound request's own Authorization header and does not fall back
// to this key when a request carries none.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Port:         intEnv("RESERVOIR_PORT", 3017),
		OpenAIAPIKey: stringEnv("OPENAI_API_KEY", ""),

		Neo4j: Neo4jConfig{
			URI:      stringEnv("NEO4J_URI", "bolt://localhost:7687"),
			User:     stringEnv("NEO4J_USER", "neo4j"),
			Password: stringEnv("NEO4J_PASSWORD", "password"),
		},
		Redis: RedisConfig{
			URL: stringEnv("RESERVOIR_REDIS_URL", ""),
		},
		Vector: VectorConfig{
			Backend:    stringEnv("RESERVOIR_VECTOR_BACKEND", ""),
			DSN:        stringEnv("RESERVOIR_VECTOR_DSN", ""),
			Collection: stringEnv("RESERVOIR_VECTOR_COLLECTION", "reservoir_messages"),
			Dimensions: intEnv("RESERVOIR_EMBEDDING_DIMS", 1536),
			Metric:     stringEnv("RESERVOIR_VECTOR_METRIC", "cosine"),
		},
		Upstream: UpstreamConfig{
			OpenAIBaseURL: stringEnv("RSV_OPENAI_BASE_URL", "https://api.openai.com/v1/chat/completions"),
			OllamaBaseURL: stringEnv("RSV_OLLAMA_BASE_URL", "http://localhost:11434/v1/chat/completions"),
		},

		MaxTokens:      intEnv("MAX_TOKENS", 8192),
		InputCeiling:   intEnv("RESERVOIR_INPUT_CEILING", 4096),
		EnrichKSim:     intEnv("RESERVOIR_K_SIM", 5),
		EnrichKRec:     intEnv("RESERVOIR_K_REC", 5),
		SynapseThresh:  floatEnv("RESERVOIR_SYNAPSE_THRESHOLD", 0.85),
		EmbeddingDims:  intEnv("RESERVOIR_EMBEDDING_DIMS", 1536),
		EmbeddingModel: stringEnv("RESERVOIR_EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingURL:   stringEnv("RESERVOIR_EMBEDDING_URL", "https://api.openai.com/v1/embeddings"),

		UpstreamTimeout:  durationEnv("RESERVOIR_UPSTREAM_TIMEOUT", 120*time.Second),
		EmbeddingTimeout: durationEnv("RESERVOIR_EMBEDDING_TIMEOUT", 15*time.Second),
		StoreTimeout:     durationEnv("RESERVOIR_STORE_TIMEOUT", 5*time.Second),

		LogLevel: stringEnv("RESERVOIR_LOG_LEVEL", "info"),
		AdminDSN: stringEnv("RESERVOIR_ADMIN_DSN", ""),

		ConfigFile: stringEnv("RESERVOIR_CONFIG_FILE", ""),
	}

	return cfg, nil
}

func stringEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func floatEnv(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
