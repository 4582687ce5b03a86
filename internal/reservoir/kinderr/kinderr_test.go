package kinderr

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultStatus(t *testing.T) {
	cases := map[Kind]int{
		BadRequest:           http.StatusBadRequest,
		InputTooLarge:        http.StatusRequestEntityTooLarge,
		UpstreamUnavailable:  http.StatusBadGateway,
		StorageUnavailable:   http.StatusServiceUnavailable,
		Overloaded:           http.StatusServiceUnavailable,
		EmbeddingUnavailable: http.StatusInternalServerError,
		Internal:             http.StatusInternalServerError,
	}
	for kind, status := range cases {
		e := New(kind, "boom", nil)
		assert.Equal(t, status, e.Status)
	}
}

func TestOfWrapsPlainError(t *testing.T) {
	plain := errors.New("db is gone")
	e := Of(plain)
	assert.Equal(t, Internal, e.Kind)
	assert.ErrorIs(t, e, plain)
}

func TestOfPassesThroughKindErr(t *testing.T) {
	original := New(InputTooLarge, "too big", nil)
	wrapped := errors.Join(original)
	e := Of(wrapped)
	assert.Equal(t, InputTooLarge, e.Kind)
}

func TestAbsorbable(t *testing.T) {
	assert.True(t, EmbeddingUnavailable.Absorbable())
	assert.True(t, StorageUnavailable.Absorbable())
	assert.False(t, BadRequest.Absorbable())
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, New(InputTooLarge, "too many tokens", nil))
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.JSONEq(t, `{"error":{"message":"too many tokens","type":"input_too_large","code":413}}`, w.Body.String())
}
