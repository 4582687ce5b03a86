package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reservoir/internal/convo"
	"reservoir/internal/embedding"
	"reservoir/internal/reservoir/kinderr"
	"reservoir/internal/tokenaccountant"
)

type fixedUpstream struct{ baseURL string }

func (f fixedUpstream) Resolve(string) (string, string) { return f.baseURL, "openai" }

func newTestPipeline(t *testing.T, upstreamURL string) *Pipeline {
	t.Helper()
	embedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"data": []map[string]any{{"embedding": []float32{1, 0, 0}}}}
		b, _ := json.Marshal(resp)
		w.Write(b)
	}))
	t.Cleanup(embedSrv.Close)

	store := convo.NewMemoryStore()
	embedder := embedding.New(embedSrv.URL, "embed-model", "", time.Second, 4)
	acct, err := tokenaccountant.New("", time.Hour)
	require.NoError(t, err)

	return New(store, acct, embedder, fixedUpstream{baseURL: upstreamURL}, nil, Config{
		KSim:            5,
		KRec:            5,
		SynapseThresh:   0.85,
		MaxTokens:       4096,
		InputCeiling:    2048,
		UpstreamTimeout: 5 * time.Second,
	})
}

func TestRunColdStartForwardsAndPersistsReply(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, hasStream := body["stream"]
		assert.False(t, hasStream)

		resp := map[string]any{"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": "hello there"}}}}
		b, _ := json.Marshal(resp)
		w.Write(b)
	}))
	defer upstream.Close()

	pipe := newTestPipeline(t, upstream.URL)
	body, _ := json.Marshal(map[string]any{
		"model":    "gpt-4o",
		"messages": []map[string]string{{"role": "user", "content": "hello"}},
		"stream":   true,
	})

	respBody, status, err := pipe.Run(context.Background(), "alice", "cli", body, "Bearer secret")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(respBody), "hello there")
}

func TestRunRejectsEmptyMessages(t *testing.T) {
	pipe := newTestPipeline(t, "http://unused")
	body, _ := json.Marshal(map[string]any{"model": "gpt-4o", "messages": []map[string]string{}})

	_, _, err := pipe.Run(context.Background(), "alice", "cli", body, "")
	require.Error(t, err)
	var kerr *kinderr.Error
	require.True(t, errors.As(err, &kerr))
	assert.Equal(t, kinderr.BadRequest, kerr.Kind)
}

func TestRunRejectsNonUserFinalMessage(t *testing.T) {
	pipe := newTestPipeline(t, "http://unused")
	body, _ := json.Marshal(map[string]any{
		"model": "gpt-4o",
		"messages": []map[string]string{
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": "hello"},
		},
	})

	_, _, err := pipe.Run(context.Background(), "alice", "cli", body, "")
	require.Error(t, err)
	var kerr *kinderr.Error
	require.True(t, errors.As(err, &kerr))
	assert.Equal(t, kinderr.BadRequest, kerr.Kind)
}

func TestRunSurfacesUpstream5xx(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	defer upstream.Close()

	pipe := newTestPipeline(t, upstream.URL)
	body, _ := json.Marshal(map[string]any{
		"model":    "gpt-4o",
		"messages": []map[string]string{{"role": "user", "content": "hello"}},
	})

	_, status, err := pipe.Run(context.Background(), "alice", "cli", body, "")
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, status)
	var kerr *kinderr.Error
	require.True(t, errors.As(err, &kerr))
	assert.Equal(t, kinderr.UpstreamServerError, kerr.Kind)
}
