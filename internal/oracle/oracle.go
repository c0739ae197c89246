// Package oracle implements the Oracle Discovery client: the periodic poll
// of the external discovery/metrics service for the node list, pipeline
// topology, and per-node capacity benchmarks (SPEC_FULL.md §4.2).
//
// The poll loop's ticker+context+sync.WaitGroup shape is the same one used
// by internal/health.Prober, itself grounded on the teacher's
// internal/coordinator/health_monitor.go. The "Oracle" name and the
// Config-struct-holding-a-client pattern follow the Config/HTTPClient shape
// in the pack's neo-go oracle.go. Response bodies are parsed leniently with
// tidwall/gjson rather than strict json.Unmarshal, since the three Oracle
// response shapes are not contractually fixed and extra/missing fields must
// be tolerated (SPEC_FULL.md §9 "Dynamic typing of wire payloads").
package oracle

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/mikusnuz/plumise-inference-api/internal/registry"
	"github.com/mikusnuz/plumise-inference-api/internal/transport"
)

// DefaultInterval is the default poll cadence.
const DefaultInterval = 30 * time.Second

// DefaultPollTimeout bounds a single Oracle call's retry budget, so a slow
// or down Oracle never causes overlapping polls.
const DefaultPollTimeout = 30 * time.Second

// TopologyNode is one member of a pipeline topology.
type TopologyNode struct {
	Address     string
	LayerStart  int
	LayerEnd    int
	Order       int
	IsEntryNode bool
}

// Topology is the advisory pipeline-sharding description for one model.
type Topology struct {
	Model       string
	TotalLayers int
	Nodes       []TopologyNode
}

// Client polls an Oracle for node discovery, topology, and capacity data.
type Client struct {
	baseURL string
	model   string
	log     zerolog.Logger

	registry *registry.Registry

	// onNewNode is invoked (outside any lock) whenever a node list call
	// upserts a node the registry had not previously seen, so the caller
	// can trigger an immediate health probe, per SPEC_FULL.md §4.2.
	onNewNode func(nodeURL string)

	mu       sync.RWMutex
	topology Topology

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Options configures a Client at construction time.
type Options struct {
	Model     string
	Interval  time.Duration
	OnNewNode func(nodeURL string)
}

// New creates a Client polling baseURL on behalf of reg. baseURL is the
// Oracle's root, e.g. "https://oracle.example.com".
func New(baseURL string, reg *registry.Registry, log zerolog.Logger, opts Options) *Client {
	return &Client{
		baseURL:   baseURL,
		model:     opts.Model,
		log:       log.With().Str("component", "oracle_client").Logger(),
		registry:  reg,
		onNewNode: opts.OnNewNode,
		stopCh:    make(chan struct{}),
	}
}

// Topology returns the most recently fetched topology.
func (c *Client) Topology() Topology {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topology
}

// Start launches the periodic poll loop in a background goroutine.
func (c *Client) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	c.wg.Add(1)
	go c.run(ctx, interval)
}

// Stop signals the poll loop to exit and blocks until it has.
func (c *Client) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Client) run(ctx context.Context, interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.pollOnce(ctx)

	for {
		select {
		case <-ticker.C:
			c.pollOnce(ctx)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// pollOnce performs the three best-effort Oracle calls for one cycle.
// Each is independently bounded by its own exponential backoff with a max
// elapsed time of DefaultPollTimeout. The three calls run one after another
// on the poll loop's goroutine, so a slow cycle delays the next tick rather
// than overlapping it.
func (c *Client) pollOnce(ctx context.Context) {
	c.pollNodeList(ctx)
	c.pollTopology(ctx)
	c.pollCapacity(ctx)
}

func (c *Client) newBackoff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = DefaultPollTimeout
	return backoff.WithContext(b, ctx)
}

func (c *Client) pollNodeList(ctx context.Context) {
	var body []byte
	op := func() error {
		b, status, err := transport.GetBody(ctx, c.baseURL+"/api/nodes", DefaultPollTimeout)
		if err != nil {
			return err
		}
		if status >= 500 {
			return fmt.Errorf("oracle node list returned status %d", status)
		}
		body = b
		return nil
	}

	if err := backoff.Retry(op, c.newBackoff(ctx)); err != nil {
		c.logPollError("node list", err)
		return
	}

	result := gjson.ParseBytes(body)
	nodes := result.Get("nodes")
	if !nodes.Exists() {
		nodes = result // tolerate a bare top-level array
	}
	nodes.ForEach(func(_, node gjson.Result) bool {
		endpoint := node.Get("endpoint").String()
		address := node.Get("address").String()
		if endpoint == "" || address == "" {
			return true
		}
		existed := c.registry.Get(endpoint) != nil
		if _, err := c.registry.Upsert(endpoint, registry.Seed{WalletAddress: address}); err != nil {
			c.log.Warn().Str("endpoint", endpoint).Err(err).Msg("oracle reported invalid node endpoint")
			return true
		}
		if !existed && c.onNewNode != nil {
			c.onNewNode(endpoint)
		}
		return true
	})
}

func (c *Client) pollTopology(ctx context.Context) {
	if c.model == "" {
		return
	}
	var body []byte
	op := func() error {
		b, status, err := transport.GetBody(ctx, c.baseURL+"/api/v1/pipeline/topology?model="+url.QueryEscape(c.model), DefaultPollTimeout)
		if err != nil {
			return err
		}
		if status >= 500 {
			return fmt.Errorf("oracle topology returned status %d", status)
		}
		body = b
		return nil
	}

	if err := backoff.Retry(op, c.newBackoff(ctx)); err != nil {
		c.logPollError("topology", err)
		return
	}

	result := gjson.ParseBytes(body)
	var topo Topology
	topo.Model = c.model
	maxLayerEnd := 0

	result.Get("nodes").ForEach(func(_, n gjson.Result) bool {
		layerStart := int(n.Get("layerStart").Int())
		layerEnd := int(n.Get("layerEnd").Int())
		order := int(n.Get("pipelineOrder").Int())
		tn := TopologyNode{
			Address:     n.Get("address").String(),
			LayerStart:  layerStart,
			LayerEnd:    layerEnd,
			Order:       order,
			IsEntryNode: order == 0,
		}
		topo.Nodes = append(topo.Nodes, tn)
		if layerEnd > maxLayerEnd {
			maxLayerEnd = layerEnd
		}
		if benchmark := n.Get("benchmarkTokPerSec").Float(); benchmark > 0 {
			if node := c.registry.FindByAddress(tn.Address); node != nil {
				c.registry.SetCapacity(node.URL, benchmark)
			}
		}
		return true
	})
	topo.TotalLayers = maxLayerEnd

	c.mu.Lock()
	c.topology = topo
	c.mu.Unlock()
}

func (c *Client) pollCapacity(ctx context.Context) {
	var body []byte
	op := func() error {
		b, status, err := transport.GetBody(ctx, c.baseURL+"/api/v1/metrics/capacity", DefaultPollTimeout)
		if err != nil {
			return err
		}
		if status >= 500 {
			return fmt.Errorf("oracle capacity returned status %d", status)
		}
		body = b
		return nil
	}

	if err := backoff.Retry(op, c.newBackoff(ctx)); err != nil {
		c.logPollError("capacity", err)
		return
	}

	result := gjson.ParseBytes(body)
	entries := result.Get("metrics")
	if !entries.Exists() {
		entries = result
	}
	entries.ForEach(func(_, m gjson.Result) bool {
		address := m.Get("address").String()
		benchmark := m.Get("benchmarkTokPerSec").Float()
		if address == "" || benchmark <= 0 {
			return true
		}
		if node := c.registry.FindByAddress(address); node != nil {
			c.registry.SetCapacity(node.URL, benchmark)
		}
		return true
	})
}

// logPollError logs a poll failure at the level SPEC_FULL.md §4.2
// prescribes: connection-refused at debug (the Oracle may legitimately be
// down), everything else at warning.
func (c *Client) logPollError(call string, err error) {
	if isConnectionRefused(err) {
		c.log.Debug().Str("call", call).Err(err).Msg("oracle unreachable")
		return
	}
	c.log.Warn().Str("call", call).Err(err).Msg("oracle poll failed")
}

func isConnectionRefused(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "dial tcp")
}
