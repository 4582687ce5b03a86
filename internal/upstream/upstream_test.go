package upstream

import "testing"

func TestResolveFallsBackToOpenAI(t *testing.T) {
	d := New(nil, "https://api.openai.com/v1/chat/completions", "http://localhost:11434/v1/chat/completions")
	base, kind := d.Resolve("gpt-4o")
	if base != "https://api.openai.com/v1/chat/completions" || kind != string(KindOpenAI) {
		t.Fatalf("unexpected resolve: %s %s", base, kind)
	}
}

func TestResolveRecognizesOllamaStyleNames(t *testing.T) {
	d := New(nil, "https://api.openai.com/v1/chat/completions", "http://localhost:11434/v1/chat/completions")
	base, kind := d.Resolve("llama3:8b")
	if base != "http://localhost:11434/v1/chat/completions" || kind != string(KindOllama) {
		t.Fatalf("unexpected resolve: %s %s", base, kind)
	}
}

func TestResolvePrefersExplicitRoute(t *testing.T) {
	d := New([]Route{{Prefix: "custom-", BaseURL: "http://internal/v1", Kind: KindOpenAI}}, "https://api.openai.com/v1/chat/completions", "")
	base, _ := d.Resolve("custom-model-7b")
	if base != "http://internal/v1" {
		t.Fatalf("expected explicit route match, got %s", base)
	}
}

func TestDefaultReturnsOpenAIBaseURL(t *testing.T) {
	d := New(nil, "https://api.openai.com/v1/chat/completions", "")
	if d.Default() != "https://api.openai.com/v1/chat/completions" {
		t.Fatalf("unexpected default")
	}
}
