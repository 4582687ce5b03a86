package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reservoir/internal/reservoir/kinderr"
)

func TestEmbedNormalizesToUnitLength(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"data": []map[string]any{{"embedding": []float32{3, 4}}}}
		b, _ := json.Marshal(resp)
		w.Write(b)
	}))
	defer ts.Close()

	c := New(ts.URL, "m", "", time.Second, 4)
	vec, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	var sumSq float64
	for _, x := range vec {
		sumSq += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sumSq), 1e-6)
}

func TestEmbedPassesAuthorization(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		resp := map[string]any{"data": []map[string]any{{"embedding": []float32{1, 0}}}}
		b, _ := json.Marshal(resp)
		w.Write(b)
	}))
	defer ts.Close()

	c := New(ts.URL, "m", "secret", time.Second, 4)
	_, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
}

func TestEmbedSurfacesEmbeddingUnavailableAfterRetries(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := New(ts.URL, "m", "", time.Second, 4)
	_, err := c.Embed(context.Background(), "hello")
	require.Error(t, err)
	var kerr *kinderr.Error
	require.True(t, errors.As(err, &kerr))
	assert.Equal(t, kinderr.EmbeddingUnavailable, kerr.Kind)
}

func TestEmbedOverloadedWhenPoolExhausted(t *testing.T) {
	block := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		resp := map[string]any{"data": []map[string]any{{"embedding": []float32{1, 0}}}}
		b, _ := json.Marshal(resp)
		w.Write(b)
	}))
	defer ts.Close()
	defer close(block)

	c := New(ts.URL, "m", "", 5*time.Second, 1)
	go func() { _, _ = c.Embed(context.Background(), "first") }()
	time.Sleep(50 * time.Millisecond)

	_, err := c.Embed(context.Background(), "second")
	require.Error(t, err)
	var kerr *kinderr.Error
	require.True(t, errors.As(err, &kerr))
	assert.Equal(t, kinderr.Overloaded, kerr.Kind)
}
