// Package health implements the Health Prober: the background loop that
// periodically checks every registered node's /health endpoint and updates
// the Node Registry accordingly (SPEC_FULL.md §4.3).
//
// This is a direct generalization of the teacher's
// internal/coordinator/health_monitor.go: the same
// ticker+context+sync.WaitGroup shape, the same start/stop lifecycle, with
// defaultHealthCheck's single "is it up" GET replaced by a typed probe that
// also classifies node protocol type from the response body.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mikusnuz/plumise-inference-api/internal/registry"
)

const (
	// DefaultInterval is how often every node is probed.
	DefaultInterval = 30 * time.Second
	// DefaultProbeTimeout bounds a single node's probe request.
	DefaultProbeTimeout = 5 * time.Second
)

// probeResponse is the lenient shape of a node's /health body. Nodes are
// free to omit fields; a missing "mode" promotes a node of unknown type to
// TypeOpenAI and leaves an already-classified node's type unchanged (see
// classifyType).
type probeResponse struct {
	Mode     string  `json:"mode"`
	Capacity float64 `json:"capacity"`
}

// Prober periodically probes every node known to a Registry.
type Prober struct {
	registry *registry.Registry
	client   *http.Client
	log      zerolog.Logger

	interval     time.Duration
	probeTimeout time.Duration

	// onProbe, if set, is invoked after each individual node probe
	// completes (success or failure). Used by tests and by metrics
	// instrumentation; never invoked under the registry's lock.
	onProbe func(nodeURL string, ok bool)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Options configures a Prober at construction time.
type Options struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	OnProbe      func(nodeURL string, ok bool)
}

// New creates a Prober bound to reg. Zero-valued Options fields fall back
// to the package defaults.
func New(reg *registry.Registry, log zerolog.Logger, opts Options) *Prober {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	timeout := opts.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Prober{
		registry:     reg,
		client:       &http.Client{Timeout: timeout},
		log:          log.With().Str("component", "health_prober").Logger(),
		interval:     interval,
		probeTimeout: timeout,
		onProbe:      opts.OnProbe,
		stopCh:       make(chan struct{}),
	}
}

// Start launches the periodic probe loop in a background goroutine. It
// returns immediately; call Stop to shut the loop down.
func (p *Prober) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)
}

// Stop signals the probe loop to exit and blocks until it has.
func (p *Prober) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Prober) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probeAll(ctx)

	for {
		select {
		case <-ticker.C:
			p.probeAll(ctx)
		case <-p.stopCh:
			p.log.Debug().Msg("health prober stopping")
			return
		case <-ctx.Done():
			p.log.Debug().Msg("health prober context cancelled")
			return
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	nodes := p.registry.SnapshotAll()
	var wg sync.WaitGroup
	for _, n := range nodes {
		n := n
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.probeOne(ctx, n.URL)
		}()
	}
	wg.Wait()
}

// ProbeNode runs a single out-of-cycle probe of nodeURL, independent of the
// periodic probeAll loop. Callers use this to probe a node immediately on
// discovery, per SPEC_FULL.md §4.2, rather than waiting up to Interval for
// its type to become known. It blocks until the probe completes.
func (p *Prober) ProbeNode(ctx context.Context, nodeURL string) {
	p.probeOne(ctx, nodeURL)
}

// TriggerProbe schedules an immediate out-of-cycle probe of nodeURL in the
// background, without blocking the caller. Unlike a bare `go
// p.ProbeNode(...)`, the spawned goroutine is tracked by the same
// WaitGroup Stop waits on, so a discovery notification racing shutdown
// cannot outlive the Prober. A notification that arrives after Stop has
// already been called is dropped rather than spawning past shutdown.
func (p *Prober) TriggerProbe(ctx context.Context, nodeURL string) {
	select {
	case <-p.stopCh:
		return
	default:
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.probeOne(ctx, nodeURL)
	}()
}

func (p *Prober) probeOne(ctx context.Context, nodeURL string) {
	ctx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	ok, resp := p.doProbe(ctx, nodeURL)
	p.registry.MarkProbed(nodeURL, time.Now())

	if !ok {
		fails := p.registry.IncrementFailure(nodeURL)
		p.log.Warn().Str("node", nodeURL).Int("consecutive_fails", fails).Msg("health probe failed")
		if p.onProbe != nil {
			p.onProbe(nodeURL, false)
		}
		return
	}

	p.registry.ResetFailure(nodeURL)
	p.registry.SetStatus(nodeURL, registry.StatusOnline)
	p.registry.ClearCooldown(nodeURL)
	p.registry.ReclassifyType(nodeURL, func(current registry.Type) registry.Type {
		return classifyType(resp, current)
	})
	if resp.Capacity > 0 {
		p.registry.SetCapacity(nodeURL, resp.Capacity)
	}

	p.log.Debug().Str("node", nodeURL).Msg("health probe ok")
	if p.onProbe != nil {
		p.onProbe(nodeURL, true)
	}
}

// doProbe issues the GET /health request and reports whether the node
// should be considered healthy. A non-2xx status, a connection error, or an
// undecodable body all count as failure; a decodable-but-empty body is
// still success (node just didn't report a mode or capacity).
func (p *Prober) doProbe(ctx context.Context, nodeURL string) (bool, probeResponse) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, nodeURL+"/health", http.NoBody)
	if err != nil {
		return false, probeResponse{}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false, probeResponse{}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, probeResponse{}
	}

	var body probeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		// Some nodes report only a bare 200 with no body at all; that
		// still counts as healthy, just unclassified.
		return true, probeResponse{}
	}
	return true, body
}

// classifyType maps a probe body's "mode" field to a registry.Type, given
// the node's currentType from before this probe. A named mode always wins.
// An empty/missing mode only promotes a still-TypeUnknown node to
// TypeOpenAI, the most common kind, so a newly seen node is always
// forward-able; it never demotes a node already classified pipeline/relay
// by a prior probe just because one later response omitted "mode".
func classifyType(resp probeResponse, currentType registry.Type) registry.Type {
	switch resp.Mode {
	case "pipeline":
		return registry.TypePipeline
	case "relay":
		return registry.TypeRelay
	case "openai":
		return registry.TypeOpenAI
	default:
		if currentType == registry.TypeUnknown {
			return registry.TypeOpenAI
		}
		return currentType
	}
}

// String implements fmt.Stringer for log-friendly Prober descriptions.
func (p *Prober) String() string {
	return fmt.Sprintf("prober(interval=%s,timeout=%s)", p.interval, p.probeTimeout)
}
