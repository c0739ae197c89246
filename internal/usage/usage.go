// Package usage implements the Usage Tracker: a per-worker aggregate of
// tokens, request count, and latency, updated synchronously on every
// successful request and periodically batch-reported to the Oracle
// (SPEC_FULL.md §4.8).
//
// Its shape is adapted from the teacher's internal/storage.MemoryStore: a
// single RWMutex-guarded map with copy-out reads, generalized from an
// opaque byte-value store to a typed, merge-on-write aggregate store.
package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mikusnuz/plumise-inference-api/internal/metrics"
	"github.com/mikusnuz/plumise-inference-api/internal/signing"
	"github.com/mikusnuz/plumise-inference-api/internal/transport"
)

// DefaultReportInterval is how often accumulated aggregates are
// batch-reported to the Oracle.
const DefaultReportInterval = 10 * time.Second

// DefaultStaleThreshold is how long a worker may go without an update
// before its aggregate is evicted rather than reported.
const DefaultStaleThreshold = 60 * time.Second

// Aggregate is one worker's running usage totals, mirroring the Usage
// Aggregate data model in SPEC_FULL.md §3.
type Aggregate struct {
	Wallet            string
	TokensProcessed   int64
	RequestCount      int64
	CumulativeLatency time.Duration
	UptimeStart       time.Time
	LastRecordedAt    time.Time
}

// AvgLatencyMs is the mean per-request latency in milliseconds.
func (a Aggregate) AvgLatencyMs() float64 {
	if a.RequestCount == 0 {
		return 0
	}
	return float64(a.CumulativeLatency.Milliseconds()) / float64(a.RequestCount)
}

// UptimeSeconds is the elapsed time since the aggregate's first recorded
// request.
func (a Aggregate) UptimeSeconds(now time.Time) float64 {
	if a.UptimeStart.IsZero() {
		return 0
	}
	return now.Sub(a.UptimeStart).Seconds()
}

// report is the wire shape POSTed to the Oracle's /api/metrics endpoint.
type report struct {
	Wallet          string  `json:"wallet"`
	TokensProcessed int64   `json:"tokensProcessed"`
	RequestCount    int64   `json:"requestCount"`
	AvgLatencyMs    float64 `json:"avgLatencyMs"`
	UptimeSeconds   float64 `json:"uptimeSeconds"`
	Timestamp       int64   `json:"timestamp"`
	Signature       string  `json:"signature,omitempty"`
}

// Tracker is the process-wide, locked map of per-worker aggregates.
type Tracker struct {
	mu         sync.RWMutex
	aggregates map[string]*Aggregate

	oracleURL      string
	reportInterval time.Duration
	staleThreshold time.Duration
	signer         *signing.Signer
	log            zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Options configures a Tracker at construction time. Signer may be nil: the
// outbound report's signature field is then simply omitted.
type Options struct {
	OracleURL      string
	ReportInterval time.Duration
	StaleThreshold time.Duration
	Signer         *signing.Signer
}

// New creates an empty Tracker. Zero-valued Options fields fall back to the
// package defaults.
func New(log zerolog.Logger, opts Options) *Tracker {
	interval := opts.ReportInterval
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	stale := opts.StaleThreshold
	if stale <= 0 {
		stale = DefaultStaleThreshold
	}
	return &Tracker{
		aggregates:     make(map[string]*Aggregate),
		oracleURL:      opts.OracleURL,
		reportInterval: interval,
		staleThreshold: stale,
		signer:         opts.Signer,
		log:            log.With().Str("component", "usage").Logger(),
		stopCh:         make(chan struct{}),
	}
}

// RecordRequest updates wallet's aggregate after one successfully completed
// request. Called synchronously by the internal/httpapi handler once the
// Retry Coordinator returns, never from the periodic report loop.
func (t *Tracker) RecordRequest(wallet string, tokens int, latency time.Duration) {
	if wallet == "" {
		return
	}
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.aggregates[wallet]
	if !ok {
		a = &Aggregate{Wallet: wallet, UptimeStart: now}
		t.aggregates[wallet] = a
	}
	a.TokensProcessed += int64(tokens)
	a.RequestCount++
	a.CumulativeLatency += latency
	a.LastRecordedAt = now

	metrics.UsageTokensTotal.WithLabelValues(wallet).Add(float64(tokens))
	metrics.UsageRequestsTotal.WithLabelValues(wallet).Inc()
}

// Snapshot returns a copy of wallet's current aggregate, or (Aggregate{},
// false) if it has no recorded activity.
func (t *Tracker) Snapshot(wallet string) (Aggregate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.aggregates[wallet]
	if !ok {
		return Aggregate{}, false
	}
	return *a, true
}

// Start launches the periodic report loop. Stop (or ctx cancellation) ends
// it; Start launches the loop goroutine and returns without waiting for it.
func (t *Tracker) Start(ctx context.Context) {
	t.wg.Add(1)
	go t.run(ctx)
}

// Stop signals the report loop to exit and waits for it to finish.
func (t *Tracker) Stop() {
	close(t.stopCh)
	t.wg.Wait()
}

func (t *Tracker) run(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.reportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.reportOnce(ctx)
		}
	}
}

// reportOnce evicts stale aggregates, then reports every remaining one to
// the Oracle. A per-wallet failure is logged and does not abort the batch,
// nor does it reset the aggregate — the next cycle resends the same
// accumulated values (at-least-once semantics, per SPEC_FULL.md §9 Open
// Question #2).
func (t *Tracker) reportOnce(ctx context.Context) {
	if t.oracleURL == "" {
		return
	}
	now := time.Now()
	t.evictStale(now)

	for _, a := range t.snapshotAll() {
		if err := t.reportOne(ctx, a, now); err != nil {
			t.log.Warn().Err(err).Str("wallet", a.Wallet).Msg("usage report failed")
		}
	}
}

func (t *Tracker) evictStale(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for wallet, a := range t.aggregates {
		if now.Sub(a.LastRecordedAt) > t.staleThreshold {
			delete(t.aggregates, wallet)
		}
	}
}

func (t *Tracker) snapshotAll() []Aggregate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Aggregate, 0, len(t.aggregates))
	for _, a := range t.aggregates {
		out = append(out, *a)
	}
	return out
}

func (t *Tracker) reportOne(ctx context.Context, a Aggregate, now time.Time) error {
	rep := report{
		Wallet:          a.Wallet,
		TokensProcessed: a.TokensProcessed,
		RequestCount:    a.RequestCount,
		AvgLatencyMs:    a.AvgLatencyMs(),
		UptimeSeconds:   a.UptimeSeconds(now),
		Timestamp:       now.Unix(),
	}
	if t.signer != nil {
		sig, err := t.signReport(rep)
		if err != nil {
			return fmt.Errorf("sign usage report: %w", err)
		}
		rep.Signature = sig
	}
	return transport.PostJSON(ctx, t.oracleURL+"/api/metrics", rep, nil)
}

// signReport signs the canonical wallet:tokens:requests:timestamp tuple,
// attesting the report as the gateway's own operator identity (worker
// private keys never leave the worker process, so a per-worker signature on
// this path is not available — see DESIGN.md).
func (t *Tracker) signReport(rep report) (string, error) {
	message := []byte(fmt.Sprintf("%s:%d:%d:%d", rep.Wallet, rep.TokensProcessed, rep.RequestCount, rep.Timestamp))
	return t.signer.Sign(message)
}
