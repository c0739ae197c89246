package retry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikusnuz/plumise-inference-api/internal/errs"
	"github.com/mikusnuz/plumise-inference-api/internal/forwarder"
	"github.com/mikusnuz/plumise-inference-api/internal/registry"
	"github.com/mikusnuz/plumise-inference-api/internal/relay"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.New(registry.Options{AllowPrivateIPs: true})
}

func addOnlineNode(t *testing.T, reg *registry.Registry, url string, typ registry.Type) {
	t.Helper()
	_, err := reg.Upsert(url, registry.Seed{Type: typ, Capacity: 5})
	require.NoError(t, err)
	reg.SetStatus(url, registry.StatusOnline)
}

func TestForward_SucceedsOnFirstHealthyCandidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}],"usage":{"total_tokens":1}}`))
	}))
	defer srv.Close()

	reg := newTestRegistry(t)
	addOnlineNode(t, reg, srv.URL, registry.TypeOpenAI)
	rel := relay.New(zerolog.Nop(), relay.Options{})
	fwd := forwarder.New(rel)
	coord := New(reg, rel, fwd, nil, zerolog.Nop())

	resp, err := coord.Forward(context.Background(), forwarder.ChatRequest{Model: "m", Messages: []relay.ChatMessage{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, srv.URL, resp.NodeURL)
	assert.Equal(t, 1, resp.Attempts)
}

func TestForward_SuccessPersistsReclassifiedTypeToRegistry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/chat/completions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"generated_text":"ok"}`))
	}))
	defer srv.Close()

	reg := newTestRegistry(t)
	addOnlineNode(t, reg, srv.URL, registry.TypeUnknown)
	rel := relay.New(zerolog.Nop(), relay.Options{})
	fwd := forwarder.New(rel)
	coord := New(reg, rel, fwd, nil, zerolog.Nop())

	resp, err := coord.Forward(context.Background(), forwarder.ChatRequest{Model: "m", Messages: []relay.ChatMessage{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, registry.TypePipeline, resp.NodeType)

	n := reg.Get(srv.URL)
	require.NotNil(t, n)
	assert.Equal(t, registry.TypePipeline, n.Type, "a 404-triggered reclassification on success must persist to the registry for subsequent calls")
}

func TestForward_FirstCandidateFailsSecondSucceeds(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"recovered"}}]}`))
	}))
	defer good.Close()

	reg := newTestRegistry(t)
	addOnlineNode(t, reg, bad.URL, registry.TypeOpenAI)
	addOnlineNode(t, reg, good.URL, registry.TypeOpenAI)
	// Selection is weighted random; a huge capacity makes the failing node
	// the first pick in all but a negligible fraction of runs.
	reg.SetCapacity(bad.URL, 1e9)
	rel := relay.New(zerolog.Nop(), relay.Options{})
	fwd := forwarder.New(rel)
	coord := New(reg, rel, fwd, nil, zerolog.Nop())

	resp, err := coord.Forward(context.Background(), forwarder.ChatRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, good.URL, resp.NodeURL)

	// the failing node's consecutive-failure counter should have advanced.
	n := reg.Get(bad.URL)
	require.NotNil(t, n)
	assert.Equal(t, 1, n.ConsecutiveFails)
}

func TestForward_AllNodesFailReturnsTransientNodeKind(t *testing.T) {
	bad1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad1.Close()
	bad2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad2.Close()

	reg := newTestRegistry(t)
	addOnlineNode(t, reg, bad1.URL, registry.TypeOpenAI)
	addOnlineNode(t, reg, bad2.URL, registry.TypeOpenAI)
	rel := relay.New(zerolog.Nop(), relay.Options{})
	fwd := forwarder.New(rel)
	coord := New(reg, rel, fwd, nil, zerolog.Nop())

	_, err := coord.Forward(context.Background(), forwarder.ChatRequest{Model: "m"})
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindTransientNode, kind)
}

func TestForward_EmptyPoolFailsWithNoCandidates(t *testing.T) {
	reg := newTestRegistry(t)
	rel := relay.New(zerolog.Nop(), relay.Options{})
	fwd := forwarder.New(rel)
	coord := New(reg, rel, fwd, nil, zerolog.Nop())

	_, err := coord.Forward(context.Background(), forwarder.ChatRequest{Model: "m"})
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindNoCandidates, kind)
}

func TestForward_ConnectionErrorForcesNodeOfflineImmediately(t *testing.T) {
	reg := newTestRegistry(t)
	// Unroutable address: dial fails fast with "connection refused" on most
	// CI sandboxes since nothing listens on this port.
	addOnlineNode(t, reg, "http://127.0.0.1:1", registry.TypeOpenAI)
	// Selection is weighted random; a huge capacity makes the unroutable
	// node the first pick in all but a negligible fraction of runs.
	reg.SetCapacity("http://127.0.0.1:1", 1e9)
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer good.Close()
	addOnlineNode(t, reg, good.URL, registry.TypeOpenAI)

	rel := relay.New(zerolog.Nop(), relay.Options{})
	fwd := forwarder.New(rel)
	coord := New(reg, rel, fwd, nil, zerolog.Nop())

	_, err := coord.Forward(context.Background(), forwarder.ChatRequest{Model: "m"})
	require.NoError(t, err)

	n := reg.Get("http://127.0.0.1:1")
	require.NotNil(t, n)
	assert.Equal(t, registry.StatusOffline, n.Status)
}

func TestForwardStream_ConcatenatesContinuationAcrossAttemptsWithoutDuplication(t *testing.T) {
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		// Connection drops mid-stream without a [DONE] sentinel: hijack and
		// close the raw connection to simulate a genuine transport failure
		// partway through the response.
		hj, ok := w.(http.Hijacker)
		if !ok {
			return
		}
		conn, _, _ := hj.Hijack()
		conn.Close()
	}))
	defer flaky.Close()

	var secondCallBody []byte
	recovering := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondCallBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer recovering.Close()

	reg := newTestRegistry(t)
	addOnlineNode(t, reg, flaky.URL, registry.TypeOpenAI)
	addOnlineNode(t, reg, recovering.URL, registry.TypeOpenAI)
	// Selection is weighted random; a huge capacity makes the flaky node
	// the first pick in all but a negligible fraction of runs.
	reg.SetCapacity(flaky.URL, 1e9)
	rel := relay.New(zerolog.Nop(), relay.Options{})
	fwd := forwarder.New(rel)
	coord := New(reg, rel, fwd, nil, zerolog.Nop())

	var chunks []string
	resp, err := coord.ForwardStream(context.Background(), forwarder.ChatRequest{
		Model:    "m",
		Messages: []relay.ChatMessage{{Role: "user", Content: "hi"}},
		Stream:   true,
	}, func(c string) { chunks = append(chunks, c) })
	require.NoError(t, err)
	assert.Equal(t, []string{"hel", "lo"}, chunks)
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, recovering.URL, resp.NodeURL)

	// The second attempt must have carried the accumulated partial content
	// forward as a continuation prompt, not the bare original request.
	require.NotEmpty(t, secondCallBody)
	assert.Contains(t, string(secondCallBody), "hel")
	assert.Contains(t, string(secondCallBody), continuationUserPrompt)
}
