// Package registry implements the Node Registry: the single mutable,
// process-wide map from node URL to Node record described in SPEC_FULL.md
// §3 and §4.1.
//
// The concurrency shape mirrors the teacher's ShardRegistry
// (internal/coordinator/shard_registry.go): an RWMutex-guarded map, copies
// handed out on read so callers can never mutate internal state directly,
// and exclusive locks only for the narrow window of an actual mutation.
package registry

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mikusnuz/plumise-inference-api/internal/metrics"
)

// Status is the coarse health state of a Node.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Type controls which forwarding protocol the Forwarder uses for a Node.
type Type string

const (
	TypeOpenAI   Type = "openai"
	TypePipeline Type = "pipeline"
	TypeRelay    Type = "relay"
	TypeUnknown  Type = "unknown"
)

const (
	// DefaultFailureThreshold is the number of consecutive failures that
	// flips a node offline and starts its cooldown.
	DefaultFailureThreshold = 3
	// DefaultCooldownDuration is how long a node is excluded from
	// candidate pools after crossing the failure threshold.
	DefaultCooldownDuration = 30 * time.Second
	// DefaultCapacity is the tokens/second benchmark assumed for a node
	// until the Oracle reports a real measurement.
	DefaultCapacity = 1.0
)

// Node is a candidate inference endpoint, keyed by URL. See SPEC_FULL.md §3
// for the full invariants this type must uphold.
type Node struct {
	CooldownUntil    time.Time
	LastProbe        time.Time
	URL              string
	WalletAddress    string
	Status           Status
	Type             Type
	Capacity         float64
	InFlight         int
	ConsecutiveFails int
	// BreakerOpen mirrors the per-node circuit breaker's state: an
	// additional cooldown gate layered under the consecutive-failure
	// counters above, never a replacement for them (SPEC_FULL.md §4.1).
	BreakerOpen bool
}

// clone returns a value copy of n so callers can never mutate the
// registry's internal state through a pointer they were handed.
func (n *Node) clone() *Node {
	c := *n
	return &c
}

// InCooldown reports whether n is currently excluded from candidate pools
// due to an active cooldown window.
func (n *Node) InCooldown(now time.Time) bool {
	return now.Before(n.CooldownUntil)
}

// Eligible reports whether n may appear in a candidate pool: online and not
// in cooldown. A node with Status == StatusOffline is excluded regardless
// of cooldown, per SPEC_FULL.md §3.
func (n *Node) Eligible(now time.Time) bool {
	return n.Status == StatusOnline && !n.InCooldown(now) && !n.BreakerOpen
}

// Seed describes the initial values used when a node is first registered.
type Seed struct {
	WalletAddress string
	Type          Type
	Capacity      float64
}

// Registry is the keyed, concurrency-safe map of known nodes.
type Registry struct {
	nodes map[string]*Node
	// byAddress indexes nodes by lowercased wallet address for
	// findByAddress, maintained alongside nodes under the same lock.
	byAddress map[string]string // lowercased wallet address -> URL
	// breakers holds one gobreaker.TwoStepCircuitBreaker per node URL,
	// driven by the same IncrementFailure/ResetFailure calls that update
	// ConsecutiveFails, so a tripped breaker and the failure counters
	// always agree on which nodes are unhealthy.
	breakers map[string]*gobreaker.TwoStepCircuitBreaker

	mu sync.RWMutex

	failureThreshold int
	cooldownDuration time.Duration
	allowPrivateIPs  bool
}

// Options configures a Registry at construction time.
type Options struct {
	FailureThreshold int
	CooldownDuration time.Duration
	AllowPrivateIPs  bool
}

// New creates an empty Registry. Zero-valued Options fields fall back to
// the package defaults.
func New(opts Options) *Registry {
	threshold := opts.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	cooldown := opts.CooldownDuration
	if cooldown <= 0 {
		cooldown = DefaultCooldownDuration
	}
	return &Registry{
		nodes:            make(map[string]*Node),
		byAddress:        make(map[string]string),
		breakers:         make(map[string]*gobreaker.TwoStepCircuitBreaker),
		failureThreshold: threshold,
		cooldownDuration: cooldown,
		allowPrivateIPs:  opts.AllowPrivateIPs,
	}
}

// breakerFor returns the URL's circuit breaker, creating it on first use.
// Must be called with the write lock held.
func (r *Registry) breakerFor(rawURL string) *gobreaker.TwoStepCircuitBreaker {
	if b, ok := r.breakers[rawURL]; ok {
		return b
	}
	threshold := uint32(r.failureThreshold)
	b := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:    rawURL,
		Timeout: r.cooldownDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
	r.breakers[rawURL] = b
	return b
}

// recordOutcome feeds one success/failure signal into the node's breaker
// and mirrors the resulting state onto the node's BreakerOpen flag. Must be
// called with the write lock held.
func (r *Registry) recordOutcome(rawURL string, n *Node, success bool) {
	b := r.breakerFor(rawURL)
	if done, err := b.Allow(); err == nil {
		done(success)
	}
	n.BreakerOpen = b.State() == gobreaker.StateOpen
}

// ValidateURL applies the insertion-time validation from SPEC_FULL.md §4.1:
// only http/https schemes, no loopback hostnames, and (unless
// allowPrivateIPs) no private-range IPv4 addresses.
func (r *Registry) ValidateURL(rawURL string) error {
	return validateURL(rawURL, r.allowPrivateIPs)
}

// ValidateURL is the standalone, pure form used by tests that want to check
// the (url, allowPrivateIPs) law in SPEC_FULL.md §8 without constructing a
// Registry.
func ValidateURL(rawURL string, allowPrivateIPs bool) error {
	return validateURL(rawURL, allowPrivateIPs)
}

func validateURL(rawURL string, allowPrivateIPs bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("url has no host")
	}
	if !allowPrivateIPs && isLoopbackHost(host) {
		return fmt.Errorf("loopback host %q is not allowed", host)
	}
	if !allowPrivateIPs && isPrivateHost(host) {
		return fmt.Errorf("private-range host %q is not allowed", host)
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsUnspecified()
}

var privateCIDRs = func() []*net.IPNet {
	ranges := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
	}
	nets := make([]*net.IPNet, 0, len(ranges))
	for _, r := range ranges {
		_, n, err := net.ParseCIDR(r)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}()

func isPrivateHost(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range privateCIDRs {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Upsert inserts or updates the node at url with seed values. An existing
// node's live counters (status, in-flight, failures, cooldown) are left
// untouched; only wallet address, type, and capacity are refreshed from a
// non-zero seed. Newly-inserted nodes start offline with the given
// capacity (or DefaultCapacity if unset) per SPEC_FULL.md §4.2.
func (r *Registry) Upsert(rawURL string, seed Seed) (*Node, error) {
	if err := r.ValidateURL(rawURL); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := seed.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	n, exists := r.nodes[rawURL]
	if !exists {
		n = &Node{
			URL:           rawURL,
			WalletAddress: seed.WalletAddress,
			Status:        StatusOffline,
			Type:          seed.Type,
			Capacity:      capacity,
		}
		if n.Type == "" {
			n.Type = TypeUnknown
		}
		r.nodes[rawURL] = n
		metrics.SetNodeStatus(rawURL, string(n.Type), string(n.Status))
	} else {
		if seed.WalletAddress != "" {
			n.WalletAddress = seed.WalletAddress
		}
		if seed.Type != "" {
			n.Type = seed.Type
		}
		if seed.Capacity > 0 {
			n.Capacity = seed.Capacity
		}
	}
	r.reindexAddress(n)

	return n.clone(), nil
}

// reindexAddress keeps byAddress in sync with n.WalletAddress. Must be
// called with the write lock held.
func (r *Registry) reindexAddress(n *Node) {
	if n.WalletAddress == "" {
		return
	}
	r.byAddress[strings.ToLower(n.WalletAddress)] = n.URL
}

// Get returns a copy of the node at url, or nil if unknown.
func (r *Registry) Get(rawURL string) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[rawURL]
	if !ok {
		return nil
	}
	return n.clone()
}

// FindByAddress returns a copy of the node registered under the given
// wallet address (case-insensitive), or nil if none is registered.
func (r *Registry) FindByAddress(address string) *Node {
	if address == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byAddress[strings.ToLower(address)]
	if !ok {
		return nil
	}
	n, ok := r.nodes[u]
	if !ok {
		return nil
	}
	return n.clone()
}

// SetStatus sets the node's status directly. Used by the Health Prober on
// success (online) and by the Retry Coordinator when a connection error
// demands an immediate offline transition (SPEC_FULL.md §4.7 step 3.f).
func (r *Registry) SetStatus(rawURL string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[rawURL]; ok {
		n.Status = status
		metrics.SetNodeStatus(rawURL, string(n.Type), string(status))
	}
}

// SetType updates the node's protocol type, as inferred by the Health
// Prober's probe body or by the Forwarder's unknown-type probing.
func (r *Registry) SetType(rawURL string, t Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[rawURL]; ok {
		n.Type = t
	}
}

// ReclassifyType atomically reads the node's current Type, passes it through
// classify, and writes the result back under a single lock. A periodic
// Health Prober pass and an ad-hoc out-of-cycle probe for the same node can
// both land on the same node at once; calling Get and SetType as two
// separate locked operations would let one goroutine's write fall between
// the other's read and write, letting a stale classification decision
// clobber a newer one. classify runs under the lock, so it must not call
// back into the Registry.
func (r *Registry) ReclassifyType(rawURL string, classify func(current Type) Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[rawURL]; ok {
		n.Type = classify(n.Type)
	}
}

// SetCapacity updates the node's tokens/second benchmark, as reported by
// Oracle capacity metrics or topology benchmarks.
func (r *Registry) SetCapacity(rawURL string, capacity float64) {
	if capacity <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[rawURL]; ok {
		n.Capacity = capacity
	}
}

// MarkProbed records that a probe attempt has just completed for the node,
// independent of its outcome.
func (r *Registry) MarkProbed(rawURL string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[rawURL]; ok {
		n.LastProbe = at
	}
}

// IncrementFailure increments the node's consecutive-failure counter and,
// on crossing the failure threshold, flips it offline and starts its
// cooldown window. Returns the updated failure count.
func (r *Registry) IncrementFailure(rawURL string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[rawURL]
	if !ok {
		return 0
	}
	n.ConsecutiveFails++
	if n.ConsecutiveFails >= r.failureThreshold {
		n.Status = StatusOffline
		n.CooldownUntil = time.Now().Add(r.cooldownDuration)
		metrics.SetNodeStatus(rawURL, string(n.Type), string(n.Status))
		metrics.SetNodeCooldownActive(rawURL, true)
	}
	r.recordOutcome(rawURL, n, false)
	return n.ConsecutiveFails
}

// ResetFailure clears the node's consecutive-failure counter. It does not,
// by itself, clear status or cooldown-until — those are cleared by a
// successful health probe (SetStatus + BeginCooldown(zero)).
func (r *Registry) ResetFailure(rawURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[rawURL]; ok {
		n.ConsecutiveFails = 0
		r.recordOutcome(rawURL, n, true)
	}
}

// BeginCooldown sets the node's cooldown-until timestamp explicitly. Passing
// the zero time clears any active cooldown.
func (r *Registry) BeginCooldown(rawURL string, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[rawURL]; ok {
		n.CooldownUntil = until
		metrics.SetNodeCooldownActive(rawURL, n.InCooldown(time.Now()))
	}
}

// ClearCooldown clears any active cooldown on the node, used after a
// successful health probe observed once cooldown-until has passed
// (SPEC_FULL.md §8 scenario 5).
func (r *Registry) ClearCooldown(rawURL string) {
	r.BeginCooldown(rawURL, time.Time{})
}

// IncrementInFlight adjusts the node's in-flight counter by delta (+1 on
// dispatch, -1 on attempt completion). The Candidate Selector and Retry
// Coordinator are responsible for pairing these calls so the counter never
// goes negative and always returns to zero once all attempts complete.
func (r *Registry) IncrementInFlight(rawURL string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[rawURL]; ok {
		n.InFlight += delta
		if n.InFlight < 0 {
			n.InFlight = 0
		}
		metrics.NodeInflight.WithLabelValues(rawURL).Set(float64(n.InFlight))
	}
}

// SnapshotAll returns a copy of every registered node, in no particular
// order. Used by the Candidate Selector to build a candidate pool and by
// the Health Prober to iterate a consistent view of the registry.
func (r *Registry) SnapshotAll() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.clone())
	}
	return out
}
