package forwarder

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikusnuz/plumise-inference-api/internal/errs"
	"github.com/mikusnuz/plumise-inference-api/internal/registry"
)

func TestForward_OpenAINonStream_UnwrapsContentAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hi there"}}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`))
	}))
	defer srv.Close()

	f := New(nil)
	res, typ, err := f.Forward(context.Background(), srv.URL, "", registry.TypeOpenAI, ChatRequest{Model: "m", MaxTokens: 16})
	require.NoError(t, err)
	assert.Equal(t, registry.TypeOpenAI, typ)
	assert.Equal(t, "hi there", res.Content)
	assert.Equal(t, 5, res.TotalTokens)
}

func TestForward_UnknownType404FallsBackToPipeline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/chat/completions":
			w.WriteHeader(http.StatusNotFound)
		case "/api/v1/generate":
			w.Write([]byte(`{"generated_text":"pipeline answer","num_tokens":4}`))
		}
	}))
	defer srv.Close()

	f := New(nil)
	res, typ, err := f.Forward(context.Background(), srv.URL, "", registry.TypeUnknown, ChatRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, registry.TypePipeline, typ)
	assert.Equal(t, "pipeline answer", res.Content)
}

func TestForward_OpenAI404OnKnownTypeIsProtocolMismatchNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(nil)
	_, _, err := f.Forward(context.Background(), srv.URL, "", registry.TypeOpenAI, ChatRequest{Model: "m"})
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindProtocolMismatch, kind)
}

func TestForward_5xxIsTransientNode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := New(nil)
	_, _, err := f.Forward(context.Background(), srv.URL, "", registry.TypeOpenAI, ChatRequest{Model: "m"})
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindTransientNode, kind)
}

func TestForwardStream_OpenAI_DecodesSSEAndStopsOnDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n")
		if flusher != nil {
			flusher.Flush()
		}
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	f := New(nil)
	var chunks []string
	_, err := f.ForwardStream(context.Background(), srv.URL, "", registry.TypeOpenAI, ChatRequest{Model: "m", Stream: true}, func(c string) {
		chunks = append(chunks, c)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"hel", "lo"}, chunks)
}

func TestForwardStream_Pipeline_YieldsTokenFieldOrRawFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"token\":\"ab\"}\n\n")
		io.WriteString(w, "data: not-json-at-all\n\n")
	}))
	defer srv.Close()

	f := New(nil)
	var chunks []string
	_, err := f.ForwardStream(context.Background(), srv.URL, "", registry.TypePipeline, ChatRequest{Model: "m", Stream: true}, func(c string) {
		chunks = append(chunks, c)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ab", "not-json-at-all"}, chunks)
}

func TestForwardStream_PipelineErrorFieldTerminatesStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"token\":\"a\"}\n\n")
		io.WriteString(w, "data: {\"error\":\"node crashed\"}\n\n")
		io.WriteString(w, "data: {\"token\":\"never-seen\"}\n\n")
	}))
	defer srv.Close()

	f := New(nil)
	var chunks []string
	_, err := f.ForwardStream(context.Background(), srv.URL, "", registry.TypePipeline, ChatRequest{Model: "m", Stream: true}, func(c string) {
		chunks = append(chunks, c)
	})
	require.Error(t, err)
	assert.Equal(t, []string{"a"}, chunks)
}

func TestStripChannelTokens_KeepsOnlyFinalChannelPayload(t *testing.T) {
	in := "<|channel|>analysis<|message|>secret reasoning<|channel|>final<|message|>the actual answer"
	assert.Equal(t, "the actual answer", stripChannelTokens(in))
}

func TestStripChannelTokens_PlainContentPassesThroughUnchanged(t *testing.T) {
	assert.Equal(t, "hello world", stripChannelTokens("hello world"))
}

func TestStripChannelTokens_NoFinalChannelFallsBackToRaw(t *testing.T) {
	in := "<|channel|>analysis<|message|>only reasoning, no final channel"
	assert.Equal(t, in, stripChannelTokens(in))
}
