// Package relaytest provides a synthetic worker fixture for exercising
// internal/relay's websocket back-channel in tests without a real
// inference node.
//
// Adapted from the teacher's cmd/node/main.go: that file boots a real
// cluster node that dials the coordinator and serves RPCs. Here the same
// "a remote process that speaks the gateway's wire protocol" role is
// played by a lightweight in-process fixture instead of a full binary,
// since relay tests need many independently-scripted fake workers
// rather than one long-running process.
package relaytest

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mikusnuz/plumise-inference-api/internal/signing"
)

// FakeWorker is a minimal worker-protocol client: it dials a relay test
// server, completes the auth handshake, and lets a test script canned
// responses for inbound `request` frames.
type FakeWorker struct {
	Address string
	Model   string

	conn *websocket.Conn
}

// Dial connects to srv, authenticating as address/model using priv's
// signature over the canonical auth message.
func Dial(srv *httptest.Server, address, model string, priv SignerFunc) (*FakeWorker, error) {
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/agent-relay"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	ts := time.Now().Unix()
	message := signing.CanonicalAuthMessage(address, model, ts)
	sig, err := priv(message)
	if err != nil {
		return nil, fmt.Errorf("sign auth message: %w", err)
	}

	authFrame := map[string]any{
		"type":      "auth",
		"address":   address,
		"model":     model,
		"timestamp": ts,
		"signature": sig,
	}
	if err := conn.WriteJSON(authFrame); err != nil {
		return nil, fmt.Errorf("write auth frame: %w", err)
	}

	var resp map[string]any
	if err := conn.ReadJSON(&resp); err != nil {
		return nil, fmt.Errorf("read auth response: %w", err)
	}
	if resp["type"] != "auth_ok" {
		return nil, fmt.Errorf("auth rejected: %v", resp)
	}

	return &FakeWorker{Address: address, Model: model, conn: conn}, nil
}

// SignerFunc signs message and returns a hex-encoded EIP-191 signature.
type SignerFunc func(message []byte) (string, error)

// Close closes the underlying connection.
func (f *FakeWorker) Close() error {
	return f.conn.Close()
}

// NextRequest blocks for the next inbound `request` frame and returns its
// id and the whole decoded frame.
func (f *FakeWorker) NextRequest() (id string, body map[string]any, err error) {
	var raw map[string]any
	if err := f.conn.ReadJSON(&raw); err != nil {
		return "", nil, err
	}
	if raw["type"] != "request" {
		return "", nil, fmt.Errorf("expected request frame, got %v", raw["type"])
	}
	idVal, _ := raw["id"].(string)
	return idVal, raw, nil
}

// RespondUnary sends a `response` frame answering id with content.
func (f *FakeWorker) RespondUnary(id, content string) error {
	return f.conn.WriteJSON(map[string]any{
		"type": "response",
		"id":   id,
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
	})
}

// RespondChunk sends a `chunk` frame with content for id.
func (f *FakeWorker) RespondChunk(id, content string) error {
	return f.conn.WriteJSON(map[string]any{"type": "chunk", "id": id, "content": content})
}

// RespondDone sends a `done` frame finalizing id.
func (f *FakeWorker) RespondDone(id string, promptTokens, completionTokens int) error {
	return f.conn.WriteJSON(map[string]any{
		"type": "done",
		"id":   id,
		"usage": map[string]any{
			"promptTokens":     promptTokens,
			"completionTokens": completionTokens,
			"totalTokens":      promptTokens + completionTokens,
		},
	})
}

// RespondError sends an `error` frame for id.
func (f *FakeWorker) RespondError(id, message string) error {
	return f.conn.WriteJSON(map[string]any{"type": "error", "id": id, "message": message})
}
