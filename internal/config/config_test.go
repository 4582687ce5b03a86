package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RESERVOIR_PORT", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("NEO4J_URI", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3017, cfg.Port)
	assert.Equal(t, "bolt://localhost:7687", cfg.Neo4j.URI)
	assert.Equal(t, "neo4j", cfg.Neo4j.User)
	assert.Equal(t, "https://api.openai.com/v1/chat/completions", cfg.Upstream.OpenAIBaseURL)
	assert.Equal(t, "http://localhost:11434/v1/chat/completions", cfg.Upstream.OllamaBaseURL)
	assert.Equal(t, 0.85, cfg.SynapseThresh)
	assert.Empty(t, cfg.OpenAIAPIKey)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RESERVOIR_PORT", "9090")
	t.Setenv("MAX_TOKENS", "2048")
	t.Setenv("RESERVOIR_VECTOR_BACKEND", "qdrant")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 2048, cfg.MaxTokens)
	assert.Equal(t, "qdrant", cfg.Vector.Backend)
}

func TestLoadRouteTableMissingFileIsNotError(t *testing.T) {
	rt, err := LoadRouteTable("/does/not/exist.yaml")
	require.NoError(t, err)
	assert.Empty(t, rt.Routes)
}
