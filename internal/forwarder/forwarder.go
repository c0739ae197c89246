// Package forwarder implements the Forwarder: executing one request
// attempt against a chosen candidate in its native protocol — relay,
// OpenAI-compatible HTTP, or pipeline HTTP — and streaming chunks upward
// (SPEC_FULL.md §4.6).
//
// The HTTP paths reuse internal/transport's shared-client convention from
// the teacher's internal/cluster helpers; the SSE decoding and
// channel-token stripping have no teacher precedent and are built directly
// against the spec's own byte-level framing rules.
package forwarder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/mikusnuz/plumise-inference-api/internal/errs"
	"github.com/mikusnuz/plumise-inference-api/internal/registry"
	"github.com/mikusnuz/plumise-inference-api/internal/relay"
)

// DefaultAttemptTimeout bounds a single forward attempt, unary or
// streaming.
const DefaultAttemptTimeout = 120 * time.Second

// ChatRequest is the protocol-agnostic request the Retry Coordinator
// passes to the Forwarder.
type ChatRequest struct {
	Model       string
	Messages    []relay.ChatMessage
	MaxTokens   int
	Temperature float64
	TopP        float64
	Stream      bool
}

// Result is a completed unary forward attempt.
type Result struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChunkFunc receives one streamed content fragment, in arrival order.
type ChunkFunc func(content string)

// Forwarder executes one attempt against a registry node or relay worker.
type Forwarder struct {
	client *http.Client
	relay  *relay.Relay
}

// New creates a Forwarder. rel may be nil if the deployment has no Worker
// Relay configured (registry-only topology).
func New(rel *relay.Relay) *Forwarder {
	return &Forwarder{
		client: &http.Client{Timeout: DefaultAttemptTimeout},
		relay:  rel,
	}
}

// Forward executes one non-streaming attempt against the given candidate.
// nodeType is ignored for relay candidates (address != ""); for HTTP
// candidates it selects the OpenAI or pipeline wire format, with
// TypeUnknown trying OpenAI first and reclassifying on a 404.
func (f *Forwarder) Forward(ctx context.Context, url, address string, nodeType registry.Type, req ChatRequest) (Result, registry.Type, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultAttemptTimeout)
	defer cancel()

	if address != "" && url == "" {
		return f.forwardRelay(ctx, address, req)
	}
	return f.forwardHTTP(ctx, url, nodeType, req)
}

// ForwardStream executes one streaming attempt, invoking onChunk for each
// fragment in arrival order. It returns once the stream has fully
// completed (done/error) or ctx is cancelled.
func (f *Forwarder) ForwardStream(ctx context.Context, url, address string, nodeType registry.Type, req ChatRequest, onChunk ChunkFunc) (registry.Type, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultAttemptTimeout)
	defer cancel()

	if address != "" && url == "" {
		return nodeType, f.streamRelay(ctx, address, req, onChunk)
	}
	return f.streamHTTP(ctx, url, nodeType, req, onChunk)
}

// --- Relay path ---

func (f *Forwarder) forwardRelay(ctx context.Context, address string, req ChatRequest) (Result, registry.Type, error) {
	resp, err := f.relay.SendRequest(ctx, address, toRelayRequest(req))
	if err != nil {
		return Result{}, registry.TypeRelay, err
	}
	return Result{Content: stripChannelTokens(resp.Content)}, registry.TypeRelay, nil
}

func (f *Forwarder) streamRelay(ctx context.Context, address string, req ChatRequest, onChunk ChunkFunc) error {
	done := make(chan error, 1)
	err := f.relay.SendStreamRequest(ctx, address, toRelayRequest(req),
		func(content string) { onChunk(stripChannelTokens(content)) },
		func(relay.Usage) { done <- nil },
		func(e error) { done <- e },
	)
	if err != nil {
		return err
	}

	select {
	case e := <-done:
		return e
	case <-ctx.Done():
		return ctx.Err()
	}
}

func toRelayRequest(req ChatRequest) relay.Request {
	return relay.Request{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
}

// --- HTTP paths ---

func (f *Forwarder) forwardHTTP(ctx context.Context, url string, nodeType registry.Type, req ChatRequest) (Result, registry.Type, error) {
	if nodeType == registry.TypePipeline {
		res, err := f.forwardPipeline(ctx, url, req)
		return res, registry.TypePipeline, err
	}

	res, status, err := f.forwardOpenAI(ctx, url, req)
	if err == nil {
		return res, registry.TypeOpenAI, nil
	}
	if nodeType == registry.TypeUnknown && status == http.StatusNotFound {
		res, perr := f.forwardPipeline(ctx, url, req)
		return res, registry.TypePipeline, perr
	}
	return Result{}, nodeType, err
}

func (f *Forwarder) streamHTTP(ctx context.Context, url string, nodeType registry.Type, req ChatRequest, onChunk ChunkFunc) (registry.Type, error) {
	if nodeType == registry.TypePipeline {
		return registry.TypePipeline, f.streamPipeline(ctx, url, req, onChunk)
	}

	status, err := f.streamOpenAI(ctx, url, req, onChunk)
	if err == nil {
		return registry.TypeOpenAI, nil
	}
	if nodeType == registry.TypeUnknown && status == http.StatusNotFound {
		return registry.TypePipeline, f.streamPipeline(ctx, url, req, onChunk)
	}
	return nodeType, err
}

type openAIRequestBody struct {
	Model       string              `json:"model"`
	Messages    []relay.ChatMessage `json:"messages"`
	MaxTokens   int                 `json:"max_tokens"`
	Temperature float64             `json:"temperature,omitempty"`
	TopP        float64             `json:"top_p,omitempty"`
	Stream      bool                `json:"stream,omitempty"`
}

func (f *Forwarder) forwardOpenAI(ctx context.Context, url string, req ChatRequest) (Result, int, error) {
	body := openAIRequestBody{
		Model: req.Model, Messages: req.Messages, MaxTokens: req.MaxTokens,
		Temperature: req.Temperature, TopP: req.TopP,
	}
	resp, err := f.postJSON(ctx, url+"/v1/chat/completions", body)
	if err != nil {
		return Result{}, 0, errs.NewAtNode(errs.KindTransientNode, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Result{}, resp.StatusCode, errs.NewAtNode(errs.KindProtocolMismatch, url, fmt.Errorf("404 on openai path"))
	}
	if resp.StatusCode >= 300 {
		return Result{}, resp.StatusCode, errs.NewAtNode(errs.KindTransientNode, url, fmt.Errorf("status %d", resp.StatusCode))
	}

	var raw bytes.Buffer
	if _, err := raw.ReadFrom(resp.Body); err != nil {
		return Result{}, resp.StatusCode, errs.NewAtNode(errs.KindTransientNode, url, err)
	}
	parsed := gjson.ParseBytes(raw.Bytes())
	content := parsed.Get("choices.0.message.content").String()
	usage := parsed.Get("usage")
	return Result{
		Content:          stripChannelTokens(content),
		PromptTokens:     int(usage.Get("prompt_tokens").Int()),
		CompletionTokens: int(usage.Get("completion_tokens").Int()),
		TotalTokens:      int(usage.Get("total_tokens").Int()),
	}, resp.StatusCode, nil
}

func (f *Forwarder) streamOpenAI(ctx context.Context, url string, req ChatRequest, onChunk ChunkFunc) (int, error) {
	body := openAIRequestBody{
		Model: req.Model, Messages: req.Messages, MaxTokens: req.MaxTokens,
		Temperature: req.Temperature, TopP: req.TopP, Stream: true,
	}
	resp, err := f.postJSON(ctx, url+"/v1/chat/completions", body)
	if err != nil {
		return 0, errs.NewAtNode(errs.KindTransientNode, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, errs.NewAtNode(errs.KindProtocolMismatch, url, fmt.Errorf("404 on openai path"))
	}
	if resp.StatusCode >= 300 {
		return resp.StatusCode, errs.NewAtNode(errs.KindTransientNode, url, fmt.Errorf("status %d", resp.StatusCode))
	}

	err = decodeSSE(resp.Body, func(data string) (stop bool, err error) {
		if data == "[DONE]" {
			return true, nil
		}
		delta := gjson.Get(data, "choices.0.delta.content")
		if delta.Exists() && delta.String() != "" {
			onChunk(stripChannelTokens(delta.String()))
		}
		return false, nil
	})
	if err != nil {
		return resp.StatusCode, errs.NewAtNode(errs.KindTransientNode, url, err)
	}
	return resp.StatusCode, nil
}

type pipelineRequestBody struct {
	Inputs     string         `json:"inputs"`
	Parameters map[string]any `json:"parameters"`
	Stream     bool           `json:"stream,omitempty"`
}

func (f *Forwarder) forwardPipeline(ctx context.Context, url string, req ChatRequest) (Result, error) {
	body := pipelineRequestBody{Inputs: flattenMessages(req.Messages), Parameters: pipelineParameters(req)}
	resp, err := f.postJSON(ctx, url+"/api/v1/generate", body)
	if err != nil {
		return Result{}, errs.NewAtNode(errs.KindTransientNode, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return Result{}, errs.NewAtNode(errs.KindTransientNode, url, fmt.Errorf("status %d", resp.StatusCode))
	}

	var raw bytes.Buffer
	if _, err := raw.ReadFrom(resp.Body); err != nil {
		return Result{}, errs.NewAtNode(errs.KindTransientNode, url, err)
	}
	parsed := gjson.ParseBytes(raw.Bytes())
	return Result{
		Content:          stripChannelTokens(parsed.Get("generated_text").String()),
		CompletionTokens: int(parsed.Get("num_tokens").Int()),
	}, nil
}

func (f *Forwarder) streamPipeline(ctx context.Context, url string, req ChatRequest, onChunk ChunkFunc) error {
	body := pipelineRequestBody{Inputs: flattenMessages(req.Messages), Parameters: pipelineParameters(req), Stream: true}
	resp, err := f.postJSON(ctx, url+"/api/v1/generate", body)
	if err != nil {
		return errs.NewAtNode(errs.KindTransientNode, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errs.NewAtNode(errs.KindTransientNode, url, fmt.Errorf("status %d", resp.StatusCode))
	}

	err = decodeSSE(resp.Body, func(data string) (stop bool, err error) {
		parsed := gjson.Parse(data)
		if errMsg := parsed.Get("error"); errMsg.Exists() {
			return true, fmt.Errorf("pipeline node error: %s", errMsg.String())
		}
		if token := parsed.Get("token"); token.Exists() {
			onChunk(stripChannelTokens(token.String()))
		} else {
			onChunk(stripChannelTokens(data))
		}
		return false, nil
	})
	if err != nil {
		return errs.NewAtNode(errs.KindTransientNode, url, err)
	}
	return nil
}

func pipelineParameters(req ChatRequest) map[string]any {
	return map[string]any{
		"max_new_tokens": req.MaxTokens,
		"temperature":    req.Temperature,
		"top_p":          req.TopP,
	}
}

func flattenMessages(messages []relay.ChatMessage) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func (f *Forwarder) postJSON(ctx context.Context, url string, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return f.client.Do(req)
}

// decodeSSE reads a text/event-stream body line by line, calling onData for
// each `data: <payload>` frame's payload. onData returns stop=true to end
// decoding early (e.g. on the OpenAI [DONE] sentinel).
func decodeSSE(body io.Reader, onData func(data string) (stop bool, err error)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		stop, err := onData(data)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return scanner.Err()
}

// channelMarkerRE-equivalent stripping: legacy multi-channel models emit
// control markers like "<|channel|>analysis<|message|>...<|channel|>final<|message|>actual answer"
// to separate a hidden reasoning channel from the user-facing one. Only the
// content after the last "final" channel marker (or the whole string, if no
// marker is present) is kept.
const (
	channelTag   = "<|channel|>"
	finalChannel = "final"
	messageTag   = "<|message|>"
)

// stripChannelTokens removes multi-channel control markers, keeping only
// the final-channel payload, per SPEC_FULL.md §4.6.
func stripChannelTokens(content string) string {
	if !strings.Contains(content, channelTag) {
		return content
	}

	segments := strings.Split(content, channelTag)
	for i := len(segments) - 1; i >= 0; i-- {
		seg := segments[i]
		if !strings.HasPrefix(seg, finalChannel) {
			continue
		}
		rest := strings.TrimPrefix(seg, finalChannel)
		if idx := strings.Index(rest, messageTag); idx >= 0 {
			return rest[idx+len(messageTag):]
		}
	}
	// No recognizable final-channel segment; fall back to the raw content
	// rather than silently dropping everything.
	return content
}
