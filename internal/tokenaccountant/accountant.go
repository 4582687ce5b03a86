// Package tokenaccountant implements the Token Accountant: model-aware
// token counting, input validation, and budget-preserving truncation.
package tokenaccountant

import (
	"fmt"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"reservoir/internal/reservoir/kinderr"
)

// Message is the accountant's minimal view of a chat message; it mirrors
// the wire shape without importing the router/pipeline packages.
type Message struct {
	Role    string
	Content string
}

// Per-message overhead mirrors the documented OpenAI chat-completions
// billing formula: every message costs a few tokens of framing beyond its
// content, and the reply is primed with a few more.
const (
	tokensPerMessage = 3
	tokensPerReply   = 3
)

// Accountant counts and truncates messages for a given model family.
type Accountant struct {
	cache tokenCache
}

// New builds an Accountant. If redisURL is non-empty, the tokenizer cache
// is shared over Redis; otherwise it falls back to an in-process LRU+TTL
// cache.
func New(redisURL string, ttl time.Duration) (*Accountant, error) {
	if redisURL != "" {
		rc, err := newRedisCache(redisURL, ttl)
		if err != nil {
			return nil, fmt.Errorf("token cache: %w", err)
		}
		return &Accountant{cache: rc}, nil
	}
	return &Accountant{cache: newCache(cacheConfig{TTL: ttl})}, nil
}

// encodingFor resolves the BPE encoding for a model family. OpenAI models
// get their exact registered encoding; anything else (local/Ollama models
// in particular) conservatively over-estimates using cl100k_base, per the
// resolution of the non-OpenAI-tokenizer open question.
func encodingFor(model string) (*tiktoken.Tiktoken, error) {
	if enc, err := tiktoken.EncodingForModel(model); err == nil {
		return enc, nil
	}
	return tiktoken.GetEncoding("cl100k_base")
}

// Count returns the token count of text under model's tokenizer.
func (a *Accountant) Count(model, text string) (int, error) {
	if n, ok := a.cache.Get(model, text); ok {
		return n, nil
	}
	enc, err := encodingFor(model)
	if err != nil {
		return 0, kinderr.New(kinderr.Internal, "load tokenizer", err)
	}
	n := len(enc.Encode(text, nil, nil))
	a.cache.Set(model, text, n)
	return n, nil
}

// CountMessages returns the total token count of msgs including the
// per-message and per-reply priming overhead the upstream actually bills.
func (a *Accountant) CountMessages(model string, msgs []Message) (int, error) {
	total := tokensPerReply
	for _, m := range msgs {
		n, err := a.Count(model, m.Content)
		if err != nil {
			return 0, err
		}
		total += n + tokensPerMessage
	}
	return total, nil
}

// ValidateInput checks the final user message alone against ceiling,
// independent of any later enrichment or budget accounting.
func (a *Accountant) ValidateInput(model, lastUserContent string, ceiling int) error {
	n, err := a.Count(model, lastUserContent)
	if err != nil {
		return err
	}
	if n > ceiling {
		return kinderr.New(kinderr.InputTooLarge, fmt.Sprintf("input message is %d tokens, ceiling is %d", n, ceiling), nil)
	}
	return nil
}

// Truncate keeps every system message and the final user message
// unconditionally, then walks the remaining messages from newest to
// oldest, keeping each one whose cost still fits the remaining budget; a
// message that does not fit is skipped and older, smaller ones may still
// be kept. Kept messages retain their original order. Fails InputTooLarge
// if even the system messages plus the final user message don't fit.
func (a *Accountant) Truncate(model string, msgs []Message, budget int) ([]Message, error) {
	if len(msgs) == 0 {
		return msgs, nil
	}

	lastUserIdx := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			lastUserIdx = i
			break
		}
	}
	if lastUserIdx == -1 {
		lastUserIdx = len(msgs) - 1
	}

	var required []Message
	requiredSet := make(map[int]bool)
	for i, m := range msgs {
		if m.Role == "system" {
			required = append(required, m)
			requiredSet[i] = true
		}
	}
	required = append(required, msgs[lastUserIdx])
	requiredSet[lastUserIdx] = true

	requiredTokens, err := a.CountMessages(model, required)
	if err != nil {
		return nil, err
	}
	if requiredTokens > budget {
		return nil, kinderr.New(kinderr.InputTooLarge, fmt.Sprintf("system+final user message alone need %d tokens, budget is %d", requiredTokens, budget), nil)
	}

	remaining := budget - requiredTokens
	selected := make(map[int]bool, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		if requiredSet[i] {
			continue
		}
		n, err := a.Count(model, msgs[i].Content)
		if err != nil {
			return nil, err
		}
		cost := n + tokensPerMessage
		if cost > remaining {
			continue
		}
		remaining -= cost
		selected[i] = true
	}

	out := make([]Message, 0, len(msgs))
	for i, m := range msgs {
		if requiredSet[i] || selected[i] {
			out = append(out, m)
		}
	}
	return out, nil
}
