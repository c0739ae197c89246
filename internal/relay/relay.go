// Package relay implements the Worker Relay: the inbound back-channel that
// lets a worker behind NAT open a websocket to the gateway and become
// callable from it (SPEC_FULL.md §4.4).
//
// The connection-table-plus-per-connection-goroutines shape follows the
// teacher's ShardRegistry/HealthMonitor concurrency style (RWMutex-guarded
// map, per-connection goroutines, a Shutdown that closes every connection);
// the pending request/stream bookkeeping is adapted from
// internal/shard/shard.go's state-machine pattern as a two-state
// awaiting/resolved machine under one mutex (see pending.go).
package relay

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mikusnuz/plumise-inference-api/internal/errs"
	"github.com/mikusnuz/plumise-inference-api/internal/signing"
)

const (
	// DefaultAuthTimeout bounds how long a new connection has to complete
	// the auth handshake before it is closed.
	DefaultAuthTimeout = 10 * time.Second
	// DefaultPingInterval is how often connected workers are pinged.
	DefaultPingInterval = 30 * time.Second
	// MaxAuthClockSkew is the maximum tolerated difference between a
	// worker's declared auth timestamp and wall clock.
	MaxAuthClockSkew = 5 * time.Minute

	// Close codes for the auth handshake and connection lifecycle, per
	// SPEC_FULL.md §6.
	closeCodeAuthTimeout      = 4001
	closeCodeExpectedAuth     = 4002
	closeCodeMissingFields    = 4003
	closeCodeTimestampDrift   = 4004
	closeCodeInvalidSignature = 4005
	closeCodeReplaced         = 4010
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ConnectedWorker describes one authenticated back-channel session.
type ConnectedWorker struct {
	Address     string
	Model       string
	ConnectedAt time.Time
}

// worker is the internal, live form of a ConnectedWorker: the socket, its
// write serialization lock (gorilla/websocket connections are not safe for
// concurrent writers), and a cancel func to tear down its goroutines.
type worker struct {
	conn    *websocket.Conn
	address string
	model   string
	connAt  time.Time

	writeMu sync.Mutex
	cancel  context.CancelFunc
}

func (w *worker) writeJSON(v any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteJSON(v)
}

// Relay accepts inbound worker connections on a websocket endpoint and lets
// the gateway dispatch unary and streaming requests to them by address.
type Relay struct {
	log zerolog.Logger

	inactivityTimeout time.Duration
	pingInterval      time.Duration
	authTimeout       time.Duration

	mu      sync.RWMutex
	workers map[string]*worker // lowercased address -> worker

	pending *pendingTable

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Options configures a Relay at construction time.
type Options struct {
	InactivityTimeout time.Duration
	PingInterval      time.Duration
	AuthTimeout       time.Duration
}

// New creates an empty Relay.
func New(log zerolog.Logger, opts Options) *Relay {
	inactivity := opts.InactivityTimeout
	if inactivity <= 0 {
		inactivity = DefaultInactivityTimeout
	}
	ping := opts.PingInterval
	if ping <= 0 {
		ping = DefaultPingInterval
	}
	authTimeout := opts.AuthTimeout
	if authTimeout <= 0 {
		authTimeout = DefaultAuthTimeout
	}
	return &Relay{
		log:               log.With().Str("component", "worker_relay").Logger(),
		inactivityTimeout: inactivity,
		pingInterval:      ping,
		authTimeout:       authTimeout,
		workers:           make(map[string]*worker),
		pending:           newPendingTable(),
		stopCh:            make(chan struct{}),
	}
}

// ServeHTTP upgrades the inbound connection to a websocket and runs its
// auth handshake and steady-state message pump. It blocks until the
// connection closes.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	r.handleConnection(req.Context(), conn)
}

func (r *Relay) handleConnection(ctx context.Context, conn *websocket.Conn) {
	authed, closeCode, err := r.authenticate(conn)
	if err != nil {
		r.log.Warn().Err(err).Msg("worker auth handshake failed")
		_ = conn.WriteJSON(frame{Type: frameTypeAuthError, Message: err.Error()})
		msg := websocket.FormatCloseMessage(closeCode, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	wCtx, cancel := context.WithCancel(ctx)
	wk := &worker{
		conn:    conn,
		address: authed.Address,
		model:   authed.Model,
		connAt:  time.Now(),
		cancel:  cancel,
	}

	r.register(wk)
	_ = wk.writeJSON(frame{Type: frameTypeAuthOK})
	r.log.Info().Str("address", wk.address).Str("model", wk.model).Msg("worker connected")

	r.wg.Add(1)
	go r.pingLoop(wCtx, wk)

	r.readLoop(wCtx, wk)
}

type authResult struct {
	Address string
	Model   string
}

// authenticate reads and validates the first frame per SPEC_FULL.md §4.4,
// returning the close code to use if it rejects the connection.
func (r *Relay) authenticate(conn *websocket.Conn) (authResult, int, error) {
	_ = conn.SetReadDeadline(time.Now().Add(r.authTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		return authResult{}, closeCodeAuthTimeout, fmt.Errorf("read auth frame: %w", err)
	}
	if f.Type != frameTypeAuth {
		return authResult{}, closeCodeExpectedAuth, fmt.Errorf("expected auth frame, got %q", f.Type)
	}
	if f.Address == "" || f.Model == "" || f.Timestamp == 0 || f.Signature == "" {
		return authResult{}, closeCodeMissingFields, fmt.Errorf("auth frame missing required field")
	}

	declared := time.Unix(f.Timestamp, 0)
	if skew := time.Since(declared); skew > MaxAuthClockSkew || skew < -MaxAuthClockSkew {
		return authResult{}, closeCodeTimestampDrift, fmt.Errorf("auth timestamp skew %s exceeds %s", skew, MaxAuthClockSkew)
	}

	message := signing.CanonicalAuthMessage(f.Address, f.Model, f.Timestamp)
	if err := signing.VerifyPersonalSign(f.Address, message, f.Signature); err != nil {
		return authResult{}, closeCodeInvalidSignature, fmt.Errorf("signature verification: %w", err)
	}

	return authResult{Address: strings.ToLower(f.Address), Model: f.Model}, 0, nil
}

// register installs wk, closing any prior connection for the same address
// with closeCodeReplaced first.
func (r *Relay) register(wk *worker) {
	r.mu.Lock()
	prior, existed := r.workers[wk.address]
	r.workers[wk.address] = wk
	r.mu.Unlock()

	if existed {
		r.closeWorker(prior, closeCodeReplaced, "superseded by a new connection")
	}
}

func (r *Relay) closeWorker(wk *worker, code int, reason string) {
	wk.cancel()
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = wk.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = wk.conn.Close()
}

// unregister removes wk from the live table (only if it is still the
// current connection for its address) and fails every pending entity it
// owned.
func (r *Relay) unregister(wk *worker) {
	r.mu.Lock()
	if current, ok := r.workers[wk.address]; ok && current == wk {
		delete(r.workers, wk.address)
	}
	r.mu.Unlock()

	r.pending.failAllForAddress(wk.address, errs.New(errs.KindTransientNode, fmt.Errorf("worker %s disconnected", wk.address)))
}

func (r *Relay) pingLoop(ctx context.Context, wk *worker) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			wk.writeMu.Lock()
			err := wk.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			wk.writeMu.Unlock()
			if err != nil {
				r.log.Warn().Str("address", wk.address).Err(err).Msg("ping failed, dropping worker")
				r.closeWorker(wk, websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *Relay) readLoop(ctx context.Context, wk *worker) {
	defer r.unregister(wk)
	defer wk.cancel()

	for {
		var f frame
		if err := wk.conn.ReadJSON(&f); err != nil {
			if ctx.Err() == nil {
				r.log.Debug().Str("address", wk.address).Err(err).Msg("worker read loop ended")
			}
			return
		}
		r.dispatchInbound(wk, f)
	}
}

func (r *Relay) dispatchInbound(wk *worker, f frame) {
	switch f.Type {
	case frameTypePing:
		_ = wk.writeJSON(frame{Type: frameTypePong})
	case frameTypeResponse:
		if p, ok := r.pending.getRequest(f.ID); ok {
			content := ""
			if len(f.Choices) > 0 {
				content = f.Choices[0].Message.Content
			}
			if p.tryResolve(pendingResult{response: Response{Content: content}}) {
				r.pending.removeRequest(f.ID)
			}
		}
	case frameTypeChunk:
		if p, ok := r.pending.getStream(f.ID); ok {
			p.deliverChunk(f.Content)
		}
	case frameTypeDone:
		usage := Usage{}
		if f.Usage != nil {
			usage = *f.Usage
		}
		if p, ok := r.pending.getStream(f.ID); ok {
			if p.resolveDone(usage) {
				r.pending.removeStream(f.ID)
			}
		}
	case frameTypeError:
		cause := fmt.Errorf("worker error: %s", f.Message)
		if p, ok := r.pending.getRequest(f.ID); ok {
			if p.tryResolve(pendingResult{err: errs.NewAtNode(errs.KindTransientNode, wk.address, cause)}) {
				r.pending.removeRequest(f.ID)
			}
		}
		if p, ok := r.pending.getStream(f.ID); ok {
			if p.resolveError(errs.NewAtNode(errs.KindTransientNode, wk.address, cause)) {
				r.pending.removeStream(f.ID)
			}
		}
	default:
		r.log.Debug().Str("address", wk.address).Str("type", f.Type).Msg("unrecognized frame type from worker")
	}
}

// Connected reports whether a worker is currently connected for address
// (case-insensitive).
func (r *Relay) Connected(address string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.workers[strings.ToLower(address)]
	return ok
}

// Snapshot returns the set of currently connected workers.
func (r *Relay) Snapshot() []ConnectedWorker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnectedWorker, 0, len(r.workers))
	for _, wk := range r.workers {
		out = append(out, ConnectedWorker{Address: wk.address, Model: wk.model, ConnectedAt: wk.connAt})
	}
	return out
}

// SendRequest dispatches a unary request to the worker at address and
// blocks until the worker replies, the inactivity timer expires, the
// worker disconnects, or ctx is cancelled.
func (r *Relay) SendRequest(ctx context.Context, address string, req Request) (Response, error) {
	address = strings.ToLower(address)
	wk, err := r.lookup(address)
	if err != nil {
		return Response{}, err
	}

	id := uuid.NewString()
	p := newPendingRequest(id, address, r.inactivityTimeout, func() {
		if p2, ok := r.pending.getRequest(id); ok {
			if p2.tryResolve(pendingResult{err: errs.NewAtNode(errs.KindTimeout, address, fmt.Errorf("pending request %s timed out", id))}) {
				r.pending.removeRequest(id)
			}
		}
	})
	r.pending.addRequest(p)

	if err := wk.writeJSON(requestFrame(id, req)); err != nil {
		r.pending.removeRequest(id)
		return Response{}, errs.NewAtNode(errs.KindTransientNode, address, err)
	}

	select {
	case <-ctx.Done():
		r.pending.removeRequest(id)
		return Response{}, ctx.Err()
	case <-p.resolved:
		res := <-p.resultCh
		return res.response, res.err
	}
}

// SendStreamRequest dispatches a streaming request to the worker at
// address. onChunk is invoked for each content fragment in arrival order;
// exactly one of onDone or onError is invoked when the stream ends.
func (r *Relay) SendStreamRequest(ctx context.Context, address string, req Request, onChunk func(string), onDone func(Usage), onError func(error)) error {
	address = strings.ToLower(address)
	wk, err := r.lookup(address)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	var p *pendingStream
	p = newPendingStream(id, address, r.inactivityTimeout, onChunk, onDone, onError, func() {
		if p.resolveError(errs.NewAtNode(errs.KindTimeout, address, fmt.Errorf("pending stream %s timed out", id))) {
			r.pending.removeStream(id)
		}
	})
	r.pending.addStream(p)

	streamReq := req
	streamReq.Stream = true
	if err := wk.writeJSON(requestFrame(id, streamReq)); err != nil {
		r.pending.removeStream(id)
		return errs.NewAtNode(errs.KindTransientNode, address, err)
	}

	go func() {
		select {
		case <-ctx.Done():
			if p.resolveError(ctx.Err()) {
				r.pending.removeStream(id)
			}
		case <-p.resolved:
		}
	}()

	return nil
}

func requestFrame(id string, req Request) frame {
	return frame{
		Type:        frameTypeRequest,
		ID:          id,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
}

func (r *Relay) lookup(address string) (*worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wk, ok := r.workers[address]
	if !ok {
		return nil, errs.New(errs.KindNoCandidates, fmt.Errorf("no connected worker for address %s", address))
	}
	return wk, nil
}

// Shutdown closes every connected worker and fails every pending entity,
// per SPEC_FULL.md §4.4.
func (r *Relay) Shutdown() {
	close(r.stopCh)

	r.mu.Lock()
	workers := make([]*worker, 0, len(r.workers))
	for _, wk := range r.workers {
		workers = append(workers, wk)
	}
	r.workers = make(map[string]*worker)
	r.mu.Unlock()

	for _, wk := range workers {
		r.closeWorker(wk, websocket.CloseGoingAway, "service shutting down")
	}

	r.pending.failAll(errs.New(errs.KindFatal, fmt.Errorf("relay shutting down")))
	r.wg.Wait()
}
