package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeUpstream struct{ base string }

func (f fakeUpstream) Default() string { return f.base }

func TestProxyRejectsMalformedChatCompletionsPath(t *testing.T) {
	e := New(nil, fakeUpstream{base: "http://unused"}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthzOK(t *testing.T) {
	e := New(nil, fakeUpstream{base: "http://unused"}, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRoutesAbsentWithoutMirrorFallThroughToProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Proxied", "true")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	e := New(nil, fakeUpstream{base: upstream.URL}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/messages?partition=a&instance=b", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, "true", rec.Header().Get("X-Proxied"))
}
