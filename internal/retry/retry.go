// Package retry implements the Retry Coordinator: the per-call loop that
// builds a candidate pool once, dispatches through the Forwarder against
// successive candidates on failure, and stitches streaming attempts into a
// single caller-visible stream via the continuation prompt (SPEC_FULL.md
// §4.7/§4.7.1).
//
// The candidate-exhaustion/fallback shape is grounded on the teacher's
// cmd/coordinator/main.go routing, which already tries the next healthy
// node on a dispatch failure rather than surfacing the first error; this
// generalizes that to a bounded, weighted retry loop with the spec's own
// exact algorithm.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mikusnuz/plumise-inference-api/internal/errs"
	"github.com/mikusnuz/plumise-inference-api/internal/forwarder"
	"github.com/mikusnuz/plumise-inference-api/internal/metrics"
	"github.com/mikusnuz/plumise-inference-api/internal/oracle"
	"github.com/mikusnuz/plumise-inference-api/internal/registry"
	"github.com/mikusnuz/plumise-inference-api/internal/relay"
	"github.com/mikusnuz/plumise-inference-api/internal/selector"
)

// MaxRetries bounds the number of candidates a single call will try,
// regardless of pool size.
const MaxRetries = 5

const continuationUserPrompt = "Continue generating from exactly where you left off. Do not repeat any text."

// Response is a completed call's result, with the serving node attached for
// accounting.
type Response struct {
	forwarder.Result
	NodeURL     string
	NodeAddress string
	NodeType    registry.Type
	Attempts    int
}

// TopologyProvider supplies the current Oracle topology snapshot. Satisfied
// by *oracle.Client; a nil provider is treated as an empty topology
// (registry-only deployments).
type TopologyProvider interface {
	Topology() oracle.Topology
}

// Coordinator executes the candidate-selection-and-retry loop described in
// SPEC_FULL.md §4.7 on top of a Node Registry, Worker Relay, and Forwarder.
type Coordinator struct {
	reg      *registry.Registry
	rel      *relay.Relay
	fwd      *forwarder.Forwarder
	topology TopologyProvider
	log      zerolog.Logger
}

// New creates a Coordinator. topology may be nil.
func New(reg *registry.Registry, rel *relay.Relay, fwd *forwarder.Forwarder, topology TopologyProvider, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		reg:      reg,
		rel:      rel,
		fwd:      fwd,
		topology: topology,
		log:      log.With().Str("component", "retry").Logger(),
	}
}

func (c *Coordinator) currentTopology() oracle.Topology {
	if c.topology == nil {
		return oracle.Topology{}
	}
	return c.topology.Topology()
}

// Forward executes the unary path: forward(request) → response.
func (c *Coordinator) Forward(ctx context.Context, req forwarder.ChatRequest) (Response, error) {
	pool := selector.Pool(c.reg, c.rel, c.currentTopology(), nil)
	metrics.CandidatePoolSize.Observe(float64(len(pool)))
	if len(pool) == 0 {
		return Response{}, errs.New(errs.KindNoCandidates, errors.New("no candidates available"))
	}

	ctx, span := metrics.StartRetrySpan(ctx, len(pool))
	defer span.End()

	retries := len(pool)
	if retries > MaxRetries {
		retries = MaxRetries
	}

	excluded := map[string]struct{}{}
	var lastErr error

	for attempt := 1; attempt <= retries; attempt++ {
		candidate, ok := selector.Pick(remaining(pool, excluded))
		if !ok {
			break
		}
		markExcluded(excluded, candidate)

		attemptCtx, attemptSpan := metrics.StartForwardSpan(ctx, candidate.URL, string(candidate.Type), attempt)
		timer := metrics.NewTimer()

		if candidate.URL != "" {
			c.reg.IncrementInFlight(candidate.URL, 1)
		}
		result, servedType, err := c.fwd.Forward(attemptCtx, candidate.URL, candidate.Address, candidate.Type, req)
		if candidate.URL != "" {
			c.reg.IncrementInFlight(candidate.URL, -1)
		}

		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		timer.ObserveDurationVec(metrics.ForwardLatency, string(servedType), outcome)
		attemptSpan.End()

		if err == nil {
			c.recordSuccess(candidate, servedType)
			return Response{
				Result:      result,
				NodeURL:     candidate.URL,
				NodeAddress: candidate.Address,
				NodeType:    servedType,
				Attempts:    attempt,
			}, nil
		}

		lastErr = err
		c.recordFailure(candidate, err)
	}

	if lastErr == nil {
		lastErr = errors.New("no eligible candidate remained")
	}
	return Response{}, errs.New(errs.KindTransientNode, fmt.Errorf("all nodes failed: %w", lastErr))
}

// ForwardStream executes the streaming path: forwardStream(request) → chunk
// sequence delivered to onChunk, stitched across attempts via the
// continuation prompt so the caller sees one monotonically growing stream.
func (c *Coordinator) ForwardStream(ctx context.Context, req forwarder.ChatRequest, onChunk forwarder.ChunkFunc) (Response, error) {
	pool := selector.Pool(c.reg, c.rel, c.currentTopology(), nil)
	metrics.CandidatePoolSize.Observe(float64(len(pool)))
	if len(pool) == 0 {
		return Response{}, errs.New(errs.KindNoCandidates, errors.New("no candidates available"))
	}

	ctx, span := metrics.StartRetrySpan(ctx, len(pool))
	defer span.End()

	retries := len(pool)
	if retries > MaxRetries {
		retries = MaxRetries
	}

	excluded := map[string]struct{}{}
	var accumulated strings.Builder
	var lastErr error

	for attempt := 1; attempt <= retries; attempt++ {
		candidate, ok := selector.Pick(remaining(pool, excluded))
		if !ok {
			break
		}
		markExcluded(excluded, candidate)

		effective := req
		if attempt > 1 && accumulated.Len() > 0 {
			effective = buildContinuation(req, accumulated.String())
		}

		attemptCtx, attemptSpan := metrics.StartForwardSpan(ctx, candidate.URL, string(candidate.Type), attempt)
		timer := metrics.NewTimer()

		if candidate.URL != "" {
			c.reg.IncrementInFlight(candidate.URL, 1)
		}
		servedType, err := c.fwd.ForwardStream(attemptCtx, candidate.URL, candidate.Address, candidate.Type, effective, func(chunk string) {
			accumulated.WriteString(chunk)
			onChunk(chunk)
		})
		if candidate.URL != "" {
			c.reg.IncrementInFlight(candidate.URL, -1)
		}

		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		timer.ObserveDurationVec(metrics.ForwardLatency, string(servedType), outcome)
		attemptSpan.End()

		if err == nil {
			c.recordSuccess(candidate, servedType)
			return Response{
				NodeURL:     candidate.URL,
				NodeAddress: candidate.Address,
				NodeType:    servedType,
				Attempts:    attempt,
			}, nil
		}

		lastErr = err
		c.recordFailure(candidate, err)
	}

	if lastErr == nil {
		lastErr = errors.New("no eligible candidate remained")
	}
	return Response{}, errs.New(errs.KindTransientNode, fmt.Errorf("all nodes failed: %w", lastErr))
}

func (c *Coordinator) recordSuccess(candidate selector.Candidate, servedType registry.Type) {
	if candidate.URL != "" {
		c.reg.ResetFailure(candidate.URL)
		c.reg.SetType(candidate.URL, servedType)
	}
}

func (c *Coordinator) recordFailure(candidate selector.Candidate, err error) {
	c.log.Warn().Err(err).Str("node_url", candidate.URL).Str("node_address", candidate.Address).Msg("attempt failed, trying next candidate")
	if candidate.URL == "" {
		return
	}
	c.reg.IncrementFailure(candidate.URL)
	if isConnectionError(err) {
		c.reg.SetStatus(candidate.URL, registry.StatusOffline)
		c.reg.BeginCooldown(candidate.URL, time.Now().Add(registry.DefaultCooldownDuration))
	}
}

// markExcluded records a candidate's identities (URL and lowercased
// address) so it is not picked again this call.
func markExcluded(excluded map[string]struct{}, c selector.Candidate) {
	if c.URL != "" {
		excluded[c.URL] = struct{}{}
	}
	if c.Address != "" {
		excluded[strings.ToLower(c.Address)] = struct{}{}
	}
}

// remaining filters pool down to candidates whose identities are not yet in
// excluded.
func remaining(pool []selector.Candidate, excluded map[string]struct{}) []selector.Candidate {
	out := make([]selector.Candidate, 0, len(pool))
	for _, c := range pool {
		if c.URL != "" {
			if _, skip := excluded[c.URL]; skip {
				continue
			}
		}
		if c.Address != "" {
			if _, skip := excluded[strings.ToLower(c.Address)]; skip {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

// buildContinuation constructs the continuation request for a subsequent
// streaming attempt, per SPEC_FULL.md §4.7.1.
func buildContinuation(req forwarder.ChatRequest, accumulated string) forwarder.ChatRequest {
	next := req
	if len(req.Messages) > 0 {
		msgs := make([]relay.ChatMessage, 0, len(req.Messages)+2)
		msgs = append(msgs, req.Messages...)
		msgs = append(msgs, relay.ChatMessage{Role: "assistant", Content: accumulated})
		msgs = append(msgs, relay.ChatMessage{Role: "user", Content: continuationUserPrompt})
		next.Messages = msgs
		return next
	}
	next.Messages = []relay.ChatMessage{
		{Role: "user", Content: fmt.Sprintf("Assistant (partial, continue from here): %s", accumulated)},
	}
	return next
}

// isConnectionError reports whether err looks like a transport-level
// connection failure (refused, reset, no route) rather than an application
// error like a non-2xx status, so the Retry Coordinator can force a node
// offline immediately instead of waiting for the failure threshold.
func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{"connection refused", "connection reset", "no such host", "dial tcp", "broken pipe", "i/o timeout"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
