// Package httpapi is the client-facing HTTP surface (SPEC_FULL.md §6): a
// thin wrapper translating OpenAI-compatible chat-completion requests into
// Retry Coordinator calls and translating its responses back into wire
// format, non-stream and SSE.
//
// Per spec.md §1's explicit Non-goals, wallet-signature authentication and
// token issuance, the rate limiter, the model registry, on-chain payment
// verification, and full request/response DTO validation are all external
// collaborators — this package only does the minimal parsing needed to
// call the Coordinator (model and messages presence), exactly as far as
// "thin HTTP ... endpoint wrappers" implies. Routing follows the teacher's
// cmd/coordinator/main.go convention: a bare net/http.ServeMux with
// explicit method+path registration and http.Error for failures.
package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mikusnuz/plumise-inference-api/internal/errs"
	"github.com/mikusnuz/plumise-inference-api/internal/forwarder"
	"github.com/mikusnuz/plumise-inference-api/internal/relay"
	"github.com/mikusnuz/plumise-inference-api/internal/retry"
	"github.com/mikusnuz/plumise-inference-api/internal/usage"
)

// HeartbeatInterval is the cadence of SSE comment heartbeats sent while a
// stream is open, per spec.md §6: "hold idle intermediaries open while the
// model's prefill phase runs."
const HeartbeatInterval = 15 * time.Second

// Handler serves the client-facing inference API.
type Handler struct {
	coordinator *retry.Coordinator
	usage       *usage.Tracker
	log         zerolog.Logger
}

// New creates a Handler.
func New(coordinator *retry.Coordinator, tracker *usage.Tracker, log zerolog.Logger) *Handler {
	return &Handler{
		coordinator: coordinator,
		usage:       tracker,
		log:         log.With().Str("component", "httpapi").Logger(),
	}
}

// Register wires Handler's routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/chat/completions", h.handleChatCompletions)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
	Stream      bool          `json:"stream"`
}

type choiceMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type choice struct {
	Index        int           `json:"index"`
	Message      choiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type usageDTO struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   usageDTO `json:"usage"`
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		http.Error(w, "model and messages are required", http.StatusBadRequest)
		return
	}

	fwdReq := forwarder.ChatRequest{
		Model:       req.Model,
		Messages:    toRelayMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}

	if req.Stream {
		h.handleStream(w, r, fwdReq)
		return
	}
	h.handleUnary(w, r, fwdReq, req.Model)
}

func (h *Handler) handleUnary(w http.ResponseWriter, r *http.Request, req forwarder.ChatRequest, model string) {
	start := time.Now()
	resp, err := h.coordinator.Forward(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if h.usage != nil && resp.NodeAddress != "" {
		h.usage.RecordRequest(resp.NodeAddress, resp.Result.TotalTokens, time.Since(start))
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(chatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []choice{{
			Index:        0,
			Message:      choiceMessage{Role: "assistant", Content: resp.Result.Content},
			FinishReason: "stop",
		}},
		Usage: usageDTO{
			PromptTokens:     resp.Result.PromptTokens,
			CompletionTokens: resp.Result.CompletionTokens,
			TotalTokens:      resp.Result.TotalTokens,
		},
	})
}

type streamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type streamChoice struct {
	Index        int         `json:"index"`
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []streamChoice `json:"choices"`
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request, req forwarder.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	model := req.Model

	// writeMu serializes the heartbeat goroutine's writes with the chunk
	// writes below, since both go to the same ResponseWriter.
	var writeMu sync.Mutex
	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()
	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go func() {
		for {
			select {
			case <-heartbeatDone:
				return
			case <-heartbeat.C:
				writeMu.Lock()
				_, _ = w.Write([]byte(": heartbeat\n\n"))
				flusher.Flush()
				writeMu.Unlock()
			}
		}
	}()

	writeMu.Lock()
	writeChunk(w, streamChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []streamChoice{{Index: 0, Delta: streamDelta{Role: "assistant"}}},
	})
	flusher.Flush()
	writeMu.Unlock()

	start := time.Now()
	resp, err := h.coordinator.ForwardStream(r.Context(), req, func(content string) {
		writeMu.Lock()
		defer writeMu.Unlock()
		writeChunk(w, streamChunk{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
			Choices: []streamChoice{{Index: 0, Delta: streamDelta{Content: content}}},
		})
		flusher.Flush()
	})
	writeMu.Lock()
	defer writeMu.Unlock()
	if err != nil {
		h.log.Warn().Err(err).Msg("stream terminated with error")
		stop := "stop"
		writeChunk(w, streamChunk{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
			Choices: []streamChoice{{Index: 0, Delta: streamDelta{}, FinishReason: &stop}},
		})
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
		return
	}

	if h.usage != nil && resp.NodeAddress != "" {
		h.usage.RecordRequest(resp.NodeAddress, 0, time.Since(start))
	}

	stop := "stop"
	writeChunk(w, streamChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []streamChoice{{Index: 0, Delta: streamDelta{}, FinishReason: &stop}},
	})
	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

func writeChunk(w http.ResponseWriter, chunk streamChunk) {
	raw, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(raw)
	_, _ = w.Write([]byte("\n\n"))
}

func toRelayMessages(msgs []chatMessage) []relay.ChatMessage {
	out := make([]relay.ChatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = relay.ChatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// writeError maps a tagged error's Kind to the HTTP status named in
// spec.md §7, falling back to 500 for anything unrecognized.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	kind, ok := errs.KindOf(err)
	if !ok {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := http.StatusInternalServerError
	switch kind {
	case errs.KindValidation, errs.KindTier:
		status = http.StatusBadRequest
	case errs.KindAuthorization:
		status = http.StatusUnauthorized
	case errs.KindNoCandidates, errs.KindTransientNode, errs.KindTimeout:
		status = http.StatusServiceUnavailable
	case errs.KindFatal:
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}
