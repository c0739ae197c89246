// Package config collects the gateway's environment-variable configuration
// surface (SPEC_FULL.md §6) into a typed Config, following the
// getenv-with-defaults style of the teacher's cmd/coordinator/main.go and
// cmd/node/main.go. A small subset of fields — tier limits and the static
// node list — may additionally be hot-reloaded from an optional YAML file;
// everything else is read once at startup and is the source of truth for
// the lifetime of the process.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// TierLimits bounds what a caller on a given pricing tier may request. The
// rate limiter and tier-enforcement logic itself are out of scope (spec.md
// §1 Non-goals: "the rate limiter (simple sliding counter)") — Config only
// carries the numbers an external collaborator would enforce against.
type TierLimits struct {
	FreeMaxTokens       int
	ProMaxTokens        int
	FreeRequestsPerWindow int
	Window              time.Duration
}

// Timeouts collects every duration named in SPEC_FULL.md §6.
type Timeouts struct {
	Health        time.Duration
	PerAttempt    time.Duration
	AuthHandshake time.Duration
	WorkerPing    time.Duration
	StaleAggregate time.Duration
	OraclePoll    time.Duration
	UsageReport   time.Duration
}

// DefaultTimeouts are the values spec.md §6 names explicitly.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Health:         5 * time.Second,
		PerAttempt:     120 * time.Second,
		AuthHandshake:  10 * time.Second,
		WorkerPing:     30 * time.Second,
		StaleAggregate: 60 * time.Second,
		OraclePoll:     30 * time.Second,
		UsageReport:    10 * time.Second,
	}
}

// Config is the gateway's full runtime configuration.
type Config struct {
	ListenAddr string

	OracleURL       string
	StaticNodeURLs  []string
	AllowPrivateIPs bool
	DefaultModel    string

	OperatorPrivateKey string

	ConfigFile string

	Tiers    TierLimits
	Timeouts Timeouts

	LogLevel  string
	LogJSON   bool
}

// Load reads Config from the process environment. It returns an error if
// neither ORACLE_URL nor STATIC_NODE_URLS is set — per spec.md §6, at
// least one node source must be configured.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:         getenv("GATEWAY_ADDR", ":8080"),
		OracleURL:          os.Getenv("ORACLE_URL"),
		StaticNodeURLs:     splitCSV(os.Getenv("STATIC_NODE_URLS")),
		AllowPrivateIPs:    getenvBool("ALLOW_PRIVATE_IPS", false),
		DefaultModel:       getenv("DEFAULT_MODEL", "llama-3-70b"),
		OperatorPrivateKey: os.Getenv("GATEWAY_OPERATOR_PRIVATE_KEY"),
		ConfigFile:         os.Getenv("GATEWAY_CONFIG_FILE"),
		Tiers: TierLimits{
			FreeMaxTokens:         getenvInt("TIER_FREE_MAX_TOKENS", 2048),
			ProMaxTokens:          getenvInt("TIER_PRO_MAX_TOKENS", 32768),
			FreeRequestsPerWindow: getenvInt("TIER_FREE_REQUESTS_PER_WINDOW", 60),
			Window:                getenvDuration("TIER_FREE_WINDOW", time.Minute),
		},
		Timeouts: loadTimeouts(),
		LogLevel: getenv("GATEWAY_LOG_LEVEL", "info"),
		LogJSON:  getenvBool("GATEWAY_LOG_JSON", true),
	}

	if cfg.OracleURL == "" && len(cfg.StaticNodeURLs) == 0 {
		return Config{}, fmt.Errorf("config: at least one of ORACLE_URL or STATIC_NODE_URLS must be set")
	}
	return cfg, nil
}

func loadTimeouts() Timeouts {
	d := DefaultTimeouts()
	return Timeouts{
		Health:         getenvDuration("HEALTH_CHECK_TIMEOUT", d.Health),
		PerAttempt:     getenvDuration("FORWARD_ATTEMPT_TIMEOUT", d.PerAttempt),
		AuthHandshake:  getenvDuration("RELAY_AUTH_TIMEOUT", d.AuthHandshake),
		WorkerPing:     getenvDuration("RELAY_PING_INTERVAL", d.WorkerPing),
		StaleAggregate: getenvDuration("USAGE_STALE_THRESHOLD", d.StaleAggregate),
		OraclePoll:     getenvDuration("ORACLE_POLL_INTERVAL", d.OraclePoll),
		UsageReport:    getenvDuration("USAGE_REPORT_INTERVAL", d.UsageReport),
	}
}

// getenv retrieves an environment variable with a default fallback value.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
