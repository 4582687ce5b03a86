// Package pipeline implements the Enrichment Pipeline: the state machine
// that turns an inbound chat completions request into a persisted,
// context-enriched upstream call and a persisted reply.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"reservoir/internal/convo"
	"reservoir/internal/embedding"
	"reservoir/internal/observability"
	"reservoir/internal/reservoir/kinderr"
	"reservoir/internal/tokenaccountant"
)

// State names the pipeline's positions in its state machine. Run passes
// through them in order, and any step may end the run in StateFailed; Run
// itself does not record or log these values.
type State string

const (
	StateReceived  State = "received"
	StateValidated State = "validated"
	StatePersisted State = "persisted"
	StateEnriched  State = "enriched"
	StateBudgeted  State = "budgeted"
	StateForwarded State = "forwarded"
	StateAnswered  State = "answered"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// Mirror is the optional write side of the admin read surface. A nil
// Mirror disables admin mirroring without affecting the pipeline proper.
type Mirror interface {
	Record(ctx context.Context, msg convo.Message) error
}

// Config holds the pipeline's tunables, all sourced from config.Config.
type Config struct {
	KSim            int
	KRec            int
	SynapseThresh   float64
	MaxTokens       int
	InputCeiling    int
	UpstreamTimeout time.Duration
}

// Upstream resolves a model name to the base URL and wire dialect
// (OpenAI-compatible vs Ollama-compatible) it should be forwarded to.
type Upstream interface {
	Resolve(model string) (baseURL string, kind string)
}

// Pipeline wires together the Conversation Store, Token Accountant, and
// Embedding Client to run a single request through Received..Done/Failed.
type Pipeline struct {
	store      convo.Store
	accountant *tokenaccountant.Accountant
	embedder   *embedding.Client
	upstream   Upstream
	mirror     Mirror
	httpClient *http.Client
	cfg        Config
}

func New(store convo.Store, accountant *tokenaccountant.Accountant, embedder *embedding.Client, upstream Upstream, mirror Mirror, cfg Config) *Pipeline {
	return &Pipeline{
		store:      store,
		accountant: accountant,
		embedder:   embedder,
		upstream:   upstream,
		mirror:     mirror,
		httpClient: observability.NewHTTPClient(nil),
		cfg:        cfg,
	}
}

// ChatMessage is the wire shape of one message in the request/response
// body's messages array.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the decoded inbound request body, with pass-through fields
// preserved verbatim so unknown top-level keys survive forwarding.
type Request struct {
	Model    string         `json:"model"`
	Messages []ChatMessage  `json:"messages"`
	Stream   bool           `json:"stream,omitempty"`
	Raw      map[string]any `json:"-"`
}

// Run executes the full pipeline for one inbound request and returns the
// upstream response body verbatim, along with the HTTP status to mirror
// to the client. authHeader is passed through unmodified to upstream.
func (p *Pipeline) Run(ctx context.Context, partition, instance string, body []byte, authHeader string) ([]byte, int, error) {
	log := *observability.LoggerWithTrace(ctx)

	req, err := p.validate(body)
	if err != nil {
		return nil, 0, err
	}
	traceID := uuid.NewString()
	log = log.With().Str("trace_id", traceID).Str("partition", partition).Str("instance", instance).Logger()

	now := time.Now().UTC()
	offset := 0
	nextTimestamp := func() time.Time {
		offset++
		return now.Add(time.Duration(offset) * time.Microsecond)
	}

	// Persisted: store every inbound message under the shared trace id.
	storedIDs := make([]string, len(req.Messages))
	var lastUserIdx = -1
	for i, m := range req.Messages {
		if m.Role == "user" {
			lastUserIdx = i
		}
		msg := convo.Message{
			TraceID:   traceID,
			Partition: partition,
			Instance:  instance,
			Role:      convo.Role(m.Role),
			Content:   m.Content,
			Timestamp: nextTimestamp(),
		}
		if vec, err := p.embedder.Embed(ctx, m.Content); err == nil {
			msg.Embedding = vec
		} else if !kinderr.Of(err).Kind.Absorbable() {
			return nil, 0, err
		} else {
			log.Warn().Err(err).Msg("embedding unavailable, storing message without vector")
		}

		id, err := p.store.StoreMessage(ctx, msg)
		if err != nil {
			if !kinderr.Of(err).Kind.Absorbable() {
				return nil, 0, err
			}
			log.Warn().Err(err).Msg("storage unavailable, continuing without persistence")
		} else {
			storedIDs[i] = id
			if p.mirror != nil {
				msg.ID = id
				if err := p.mirror.Record(ctx, msg); err != nil {
					log.Warn().Err(err).Msg("admin mirror record failed")
				}
			}
			if err := p.store.UpdateSynapses(ctx, partition, instance, id, p.cfg.SynapseThresh, p.cfg.KSim); err != nil {
				log.Warn().Err(err).Msg("synapse update failed")
			}
		}
	}
	if lastUserIdx == -1 {
		return nil, 0, kinderr.New(kinderr.BadRequest, "no user message in request", nil)
	}

	// Enriched: build the similarity+recency context set.
	enriched, err := p.enrich(ctx, partition, instance, req, lastUserIdx, &log)
	if err != nil {
		return nil, 0, err
	}

	// Budgeted: truncate to MAX_TOKENS, never below the original inbound.
	budgeted, err := p.budget(req.Model, req.Messages, enriched)
	if err != nil {
		return nil, 0, err
	}

	// Forwarded: POST to the resolved upstream, stripping stream:true.
	baseURL, _ := p.upstream.Resolve(req.Model)
	respBody, status, err := p.forward(ctx, baseURL, req, budgeted, authHeader)
	if err != nil {
		return nil, 0, err
	}
	if status/100 != 2 {
		kind := kinderr.UpstreamServerError
		if status/100 == 4 {
			kind = kinderr.UpstreamClientError
		}
		return respBody, status, kinderr.WithStatus(kind, status, fmt.Sprintf("upstream returned %d", status), nil)
	}

	// Answered: persist the assistant's reply and link it to the final
	// inbound user message.
	userNodeID := storedIDs[lastUserIdx]
	if userNodeID != "" {
		if err := p.answer(ctx, partition, instance, traceID, userNodeID, respBody, nextTimestamp(), &log); err != nil {
			log.Warn().Err(err).Msg("failed to persist assistant reply")
		}
	}

	return respBody, status, nil
}

func (p *Pipeline) validate(body []byte) (Request, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return Request{}, kinderr.New(kinderr.BadRequest, "malformed JSON body", err)
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Request{}, kinderr.New(kinderr.BadRequest, "malformed chat completions body", err)
	}
	req.Raw = raw

	if req.Model == "" {
		return Request{}, kinderr.New(kinderr.BadRequest, "model field is required", nil)
	}
	if len(req.Messages) == 0 {
		return Request{}, kinderr.New(kinderr.BadRequest, "messages array must not be empty", nil)
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			return Request{}, kinderr.New(kinderr.BadRequest, fmt.Sprintf("unknown role %q", m.Role), nil)
		}
	}
	if req.Messages[len(req.Messages)-1].Role != "user" {
		return Request{}, kinderr.New(kinderr.BadRequest, "final message must have role user", nil)
	}

	lastContent := req.Messages[len(req.Messages)-1].Content
	if err := p.accountant.ValidateInput(req.Model, lastContent, p.cfg.InputCeiling); err != nil {
		return Request{}, err
	}
	return req, nil
}

func (p *Pipeline) enrich(ctx context.Context, partition, instance string, req Request, lastUserIdx int, log *zerolog.Logger) ([]ChatMessage, error) {
	lastUser := req.Messages[lastUserIdx]

	inboundByKey := make(map[string]bool, len(req.Messages))
	for _, m := range req.Messages {
		inboundByKey[m.Role+"\x00"+m.Content] = true
	}

	var candidates []convo.Message

	if vec, err := p.embedder.Embed(ctx, lastUser.Content); err == nil {
		sims, err := p.store.Similar(ctx, partition, instance, vec, p.cfg.KSim, p.cfg.SynapseThresh)
		if err != nil {
			if !kinderr.Of(err).Kind.Absorbable() {
				return nil, err
			}
			log.Warn().Err(err).Msg("storage unavailable during similarity search")
		} else {
			for _, s := range sims {
				candidates = append(candidates, s.Message)
			}
		}
	} else if !kinderr.Of(err).Kind.Absorbable() {
		return nil, err
	}

	recent, err := p.store.Recent(ctx, partition, instance, p.cfg.KRec)
	if err != nil {
		if !kinderr.Of(err).Kind.Absorbable() {
			return nil, err
		}
		log.Warn().Err(err).Msg("storage unavailable during recency lookup")
	} else {
		candidates = append(candidates, recent...)
	}

	seen := make(map[string]bool)
	var deduped []convo.Message
	for _, c := range candidates {
		if c.ID != "" && seen[c.ID] {
			continue
		}
		if inboundByKey[string(c.Role)+"\x00"+c.Content] {
			continue
		}
		if c.ID != "" {
			seen[c.ID] = true
		}
		deduped = append(deduped, c)
	}
	sort.SliceStable(deduped, func(i, j int) bool { return deduped[i].Timestamp.Before(deduped[j].Timestamp) })

	var out []ChatMessage
	for _, m := range req.Messages {
		if m.Role == "system" {
			out = append(out, m)
		}
	}
	for _, c := range deduped {
		out = append(out, ChatMessage{Role: string(c.Role), Content: c.Content})
	}
	for _, m := range req.Messages {
		if m.Role != "system" {
			out = append(out, m)
		}
	}
	return out, nil
}

func (p *Pipeline) budget(model string, inbound []ChatMessage, enriched []ChatMessage) ([]ChatMessage, error) {
	toAccMsgs := func(msgs []ChatMessage) []tokenaccountant.Message {
		out := make([]tokenaccountant.Message, len(msgs))
		for i, m := range msgs {
			out[i] = tokenaccountant.Message{Role: m.Role, Content: m.Content}
		}
		return out
	}

	truncated, err := p.accountant.Truncate(model, toAccMsgs(enriched), p.cfg.MaxTokens)
	if err != nil {
		return nil, err
	}
	if len(truncated) < len(inbound) {
		// Never send less than the client's own request.
		truncated, err = p.accountant.Truncate(model, toAccMsgs(inbound), p.cfg.MaxTokens)
		if err != nil {
			return nil, err
		}
	}

	out := make([]ChatMessage, len(truncated))
	for i, m := range truncated {
		out[i] = ChatMessage{Role: m.Role, Content: m.Content}
	}
	return out, nil
}

func (p *Pipeline) forward(ctx context.Context, baseURL string, req Request, messages []ChatMessage, authHeader string) ([]byte, int, error) {
	payload := make(map[string]any, len(req.Raw))
	for k, v := range req.Raw {
		payload[k] = v
	}
	wireMessages := make([]map[string]string, len(messages))
	for i, m := range messages {
		wireMessages[i] = map[string]string{"role": m.Role, "content": m.Content}
	}
	payload["messages"] = wireMessages
	delete(payload, "stream")

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, kinderr.New(kinderr.Internal, "marshal forwarded request", err)
	}
	log := observability.LoggerWithTrace(ctx)
	log.Debug().RawJSON("body", observability.RedactJSON(body)).Str("base_url", baseURL).Msg("forwarding request upstream")

	cctx, cancel := context.WithTimeout(ctx, p.cfg.UpstreamTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(cctx, http.MethodPost, baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, 0, kinderr.New(kinderr.Internal, "build upstream request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		httpReq.Header.Set("Authorization", authHeader)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, kinderr.New(kinderr.UpstreamUnavailable, "upstream request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, kinderr.New(kinderr.UpstreamUnavailable, "read upstream response", err)
	}
	log.Debug().RawJSON("body", observability.RedactJSON(respBody)).Int("status", resp.StatusCode).Msg("received upstream response")
	return respBody, resp.StatusCode, nil
}

type upstreamChoice struct {
	Message ChatMessage `json:"message"`
}

type upstreamResponse struct {
	Choices []upstreamChoice `json:"choices"`
}

func (p *Pipeline) answer(ctx context.Context, partition, instance, traceID, userNodeID string, respBody []byte, ts time.Time, log *zerolog.Logger) error {
	var resp upstreamResponse
	if err := json.Unmarshal(respBody, &resp); err != nil || len(resp.Choices) == 0 {
		return kinderr.New(kinderr.Internal, "upstream response had no parseable choice", err)
	}
	content := resp.Choices[0].Message.Content

	msg := convo.Message{
		TraceID:   traceID,
		Partition: partition,
		Instance:  instance,
		Role:      convo.RoleAssistant,
		Content:   content,
		Timestamp: ts,
	}
	if vec, err := p.embedder.Embed(ctx, content); err == nil {
		msg.Embedding = vec
	} else {
		log.Warn().Err(err).Msg("embedding unavailable for assistant reply")
	}

	id, err := p.store.StoreMessage(ctx, msg)
	if err != nil {
		return err
	}
	if p.mirror != nil {
		msg.ID = id
		if err := p.mirror.Record(ctx, msg); err != nil {
			log.Warn().Err(err).Msg("admin mirror record failed for assistant reply")
		}
	}
	if err := p.store.LinkResponse(ctx, partition, instance, userNodeID, id); err != nil {
		return err
	}
	return p.store.UpdateSynapses(ctx, partition, instance, id, p.cfg.SynapseThresh, p.cfg.KSim)
}
