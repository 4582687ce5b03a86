package tokenaccountant

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reservoir/internal/reservoir/kinderr"
)

func newTestAccountant(t *testing.T) *Accountant {
	t.Helper()
	a, err := New("", time.Hour)
	require.NoError(t, err)
	return a
}

func TestCountIsCached(t *testing.T) {
	a := newTestAccountant(t)
	n1, err := a.Count("gpt-4", "hello world")
	require.NoError(t, err)
	assert.Greater(t, n1, 0)

	hits, _ := a.cache.(*cache).Stats()
	n2, err := a.Count("gpt-4", "hello world")
	require.NoError(t, err)
	assert.Equal(t, n1, n2)
	newHits, _ := a.cache.(*cache).Stats()
	assert.Greater(t, newHits, hits)
}

func TestValidateInputRejectsOverCeiling(t *testing.T) {
	a := newTestAccountant(t)
	err := a.ValidateInput("gpt-4", "short", 1000)
	require.NoError(t, err)

	err = a.ValidateInput("gpt-4", "short message", 0)
	require.Error(t, err)
	var kerr *kinderr.Error
	require.True(t, errors.As(err, &kerr))
	assert.Equal(t, kinderr.InputTooLarge, kerr.Kind)
}

func TestTruncatePreservesSystemAndFinalUser(t *testing.T) {
	a := newTestAccountant(t)
	msgs := []Message{
		{Role: "system", Content: "be nice"},
		{Role: "user", Content: "turn one, quite long padding text here to cost tokens"},
		{Role: "assistant", Content: "turn one reply, also padded with extra words to cost tokens"},
		{Role: "user", Content: "final question"},
	}
	out, err := a.Truncate("gpt-4", msgs, 20)
	require.NoError(t, err)
	require.NotEmpty(t, out)
	assert.Equal(t, "system", out[0].Role)
	assert.Equal(t, "final question", out[len(out)-1].Content)
}

func TestTruncateFailsWhenRequiredAloneExceedsBudget(t *testing.T) {
	a := newTestAccountant(t)
	msgs := []Message{
		{Role: "system", Content: "a very long system prompt that by itself already blows the tiny budget we are about to give this call"},
		{Role: "user", Content: "final question that also adds more tokens on its own"},
	}
	_, err := a.Truncate("gpt-4", msgs, 5)
	require.Error(t, err)
	var kerr *kinderr.Error
	require.True(t, errors.As(err, &kerr))
	assert.Equal(t, kinderr.InputTooLarge, kerr.Kind)
}

func TestTruncateNoOpWhenEverythingFits(t *testing.T) {
	a := newTestAccountant(t)
	msgs := []Message{
		{Role: "system", Content: "be nice"},
		{Role: "user", Content: "hi"},
	}
	out, err := a.Truncate("gpt-4", msgs, 10000)
	require.NoError(t, err)
	assert.Len(t, out, len(msgs))
}
