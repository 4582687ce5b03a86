// Package upstream implements the tagged-variant dispatch between the two
// supported upstream dialects: OpenAI-compatible and Ollama-compatible.
// There is no plugin architecture; a new dialect means a new case here.
package upstream

import "strings"

// Kind names a supported upstream dialect.
type Kind string

const (
	KindOpenAI Kind = "openai"
	KindOllama Kind = "ollama"
)

// Route maps a model-name prefix to the base URL and dialect it should be
// forwarded to.
type Route struct {
	Prefix  string
	BaseURL string
	Kind    Kind
}

// Dispatcher resolves a model name to an upstream base URL and dialect,
// falling back to the configured OpenAI base URL when nothing matches.
type Dispatcher struct {
	routes        []Route
	openAIBaseURL string
	ollamaBaseURL string
}

// New builds a Dispatcher. routes are consulted in order before the two
// built-in defaults; an empty routes slice means every model goes to
// openAIBaseURL unless it carries a recognizable Ollama-style name.
func New(routes []Route, openAIBaseURL, ollamaBaseURL string) *Dispatcher {
	return &Dispatcher{routes: routes, openAIBaseURL: openAIBaseURL, ollamaBaseURL: ollamaBaseURL}
}

// Resolve implements pipeline.Upstream.
func (d *Dispatcher) Resolve(model string) (string, string) {
	for _, r := range d.routes {
		if r.Prefix != "" && strings.HasPrefix(model, r.Prefix) {
			return r.BaseURL, string(r.Kind)
		}
	}
	if looksLikeOllamaModel(model) {
		return d.ollamaBaseURL, string(KindOllama)
	}
	return d.openAIBaseURL, string(KindOpenAI)
}

// Default implements router.Upstream: the base URL used for transparent
// proxying of non-chat-completions /v1 paths.
func (d *Dispatcher) Default() string {
	return d.openAIBaseURL
}

// looksLikeOllamaModel recognizes the handful of naming conventions Ollama
// model tags follow (family:tag, or a name containing llama, mistral, qwen
// or gemma), excluding names with an OpenAI "gpt-"/"o1"/"o3"/
// "text-embedding" prefix, so a deployment with no explicit route table
// still does something sensible out of the box. Other bare family names
// resolve to the OpenAI upstream.
func looksLikeOllamaModel(model string) bool {
	if strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") || strings.HasPrefix(model, "text-embedding") {
		return false
	}
	return strings.Contains(model, ":") || strings.Contains(model, "llama") || strings.Contains(model, "mistral") || strings.Contains(model, "qwen") || strings.Contains(model, "gemma")
}
