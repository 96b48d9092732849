package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AuthConfig controls how inbound connections prove identity.
type AuthConfig struct {
	// Token is the shared bearer token for remote clients. Empty disables
	// the bearer path.
	Token string `yaml:"token"`

	// Password enables the password auth method for clients that cannot
	// hold a long-lived token. Empty disables it.
	Password string `yaml:"password"`

	// AllowTailscale accepts identity headers injected by a tailscale-style
	// private network proxy. Only consulted on non-bearer transports.
	AllowTailscale bool `yaml:"allow_tailscale"`

	// TrustedProxies lists proxy addresses whose forwarded-for chains are
	// believed. A loopback connection behind an untrusted proxy is not local.
	TrustedProxies []string `yaml:"trusted_proxies"`

	// AllowRealIPFallback permits falling back to the X-Real-IP header when
	// the forwarded chain is empty but the direct peer is a trusted proxy.
	AllowRealIPFallback bool `yaml:"allow_real_ip_fallback"`
}

// NodesConfig holds operator overrides for node command policy.
type NodesConfig struct {
	AllowCommands []string `yaml:"allow_commands"`
	DenyCommands  []string `yaml:"deny_commands"`
}

// GatewayConfig groups gateway-surface settings.
type GatewayConfig struct {
	Nodes NodesConfig `yaml:"nodes"`

	// ProtectedRoutes lists plugin-exposed HTTP route prefixes that require
	// full gateway authorization. Defaults to /api/channels.
	ProtectedRoutes []string `yaml:"protected_routes"`

	// CanvasTokenTTLSeconds is the sliding expiry for canvas capability
	// tokens. Default 600.
	CanvasTokenTTLSeconds int `yaml:"canvas_token_ttl_seconds"`

	// IdleTimeoutSeconds closes client WebSocket connections that go silent
	// for this long. Negative disables the idle watchdog. Default 300.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`
}

// ExecConfig controls the system.run approval engine.
type ExecConfig struct {
	// Security is one of "deny", "allowlist", "full". Default "allowlist".
	Security string `yaml:"security"`

	// Ask is one of "never", "on-miss", "always". Default "on-miss".
	Ask string `yaml:"ask"`

	// Allowlist holds exact argv[0] values (or full command lines) that are
	// allowed without asking under security=allowlist.
	Allowlist []string `yaml:"allowlist"`

	// ApprovalTimeoutSeconds bounds how long an unanswered approval request
	// stays open before defaulting to deny. Default 60.
	ApprovalTimeoutSeconds int `yaml:"approval_timeout_seconds"`
}

// SubagentsConfig controls the lifecycle registry.
type SubagentsConfig struct {
	// ArchiveAfterMinutes retains finalized run bookkeeping for status
	// queries. nil means the default (60); an explicit 0 archives
	// immediately.
	ArchiveAfterMinutes *int `yaml:"archive_after_minutes"`

	// GraceSeconds is the transient-error reconciliation window. Default 15.
	GraceSeconds int `yaml:"grace_seconds"`

	// MaxConcurrent caps simultaneously tracked non-terminal runs. Default 32.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// RateLimitConfig configures the fixed-window request limiter.
type RateLimitConfig struct {
	Enabled     bool `yaml:"enabled"`
	MaxRequests int  `yaml:"max_requests"` // per window, default 60
	WindowMs    int  `yaml:"window_ms"`    // default 60000
}

// MaintenanceConfig drives background sweeps.
type MaintenanceConfig struct {
	// Schedule is a standard 5-field cron expression. Default "* * * * *".
	Schedule string `yaml:"schedule"`
}

// OTelConfig mirrors the telemetry provider settings.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	Auth        AuthConfig        `yaml:"auth"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Exec        ExecConfig        `yaml:"exec"`
	Subagents   SubagentsConfig   `yaml:"subagents"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	OTel        OTelConfig        `yaml:"otel"`
}

const (
	defaultBindAddr            = "127.0.0.1:8790"
	defaultCanvasTokenTTL      = 600
	defaultApprovalTimeout     = 60
	defaultArchiveAfterMinutes = 60
	defaultGraceSeconds        = 15
	defaultMaxConcurrent       = 32
	defaultRateLimitRequests   = 60
	defaultRateLimitWindowMs   = 60_000
	defaultIdleTimeoutSeconds  = 300
)

// Load reads <homeDir>/config.yaml, applying defaults for anything unset.
// A missing file yields the default config.
func Load(homeDir string) (*Config, error) {
	cfg := &Config{HomeDir: homeDir}
	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BindAddr == "" {
		c.BindAddr = defaultBindAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if len(c.Gateway.ProtectedRoutes) == 0 {
		c.Gateway.ProtectedRoutes = []string{"/api/channels"}
	}
	if c.Gateway.CanvasTokenTTLSeconds <= 0 {
		c.Gateway.CanvasTokenTTLSeconds = defaultCanvasTokenTTL
	}
	if c.Gateway.IdleTimeoutSeconds < 0 {
		c.Gateway.IdleTimeoutSeconds = 0
	} else if c.Gateway.IdleTimeoutSeconds == 0 {
		c.Gateway.IdleTimeoutSeconds = defaultIdleTimeoutSeconds
	}
	if c.Exec.Security == "" {
		c.Exec.Security = "allowlist"
	}
	if c.Exec.Ask == "" {
		c.Exec.Ask = "on-miss"
	}
	if c.Exec.ApprovalTimeoutSeconds <= 0 {
		c.Exec.ApprovalTimeoutSeconds = defaultApprovalTimeout
	}
	if c.Subagents.ArchiveAfterMinutes == nil {
		v := defaultArchiveAfterMinutes
		c.Subagents.ArchiveAfterMinutes = &v
	}
	if c.Subagents.GraceSeconds <= 0 {
		c.Subagents.GraceSeconds = defaultGraceSeconds
	}
	if c.Subagents.MaxConcurrent <= 0 {
		c.Subagents.MaxConcurrent = defaultMaxConcurrent
	}
	if c.RateLimit.MaxRequests <= 0 {
		c.RateLimit.MaxRequests = defaultRateLimitRequests
	}
	if c.RateLimit.WindowMs <= 0 {
		c.RateLimit.WindowMs = defaultRateLimitWindowMs
	}
	if c.Maintenance.Schedule == "" {
		c.Maintenance.Schedule = "* * * * *"
	}
}

func (c *Config) validate() error {
	switch c.Exec.Security {
	case "deny", "allowlist", "full":
	default:
		return fmt.Errorf("exec.security: unknown mode %q (deny|allowlist|full)", c.Exec.Security)
	}
	switch c.Exec.Ask {
	case "never", "on-miss", "always":
	default:
		return fmt.Errorf("exec.ask: unknown mode %q (never|on-miss|always)", c.Exec.Ask)
	}
	if *c.Subagents.ArchiveAfterMinutes < 0 {
		return fmt.Errorf("subagents.archive_after_minutes: must be >= 0")
	}
	return nil
}

// ArchiveAfter returns the retention duration for finalized subagent runs.
// Zero means archive immediately.
func (c *Config) ArchiveAfter() time.Duration {
	return time.Duration(*c.Subagents.ArchiveAfterMinutes) * time.Minute
}

// GracePeriod returns the lifecycle error reconciliation window.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.Subagents.GraceSeconds) * time.Second
}

// Fingerprint returns a short stable hash of the active config, exposed in
// system.status so operators can confirm which config a running gateway
// loaded.
func (c *Config) Fingerprint() string {
	h := fnv.New64a()
	write := func(parts ...string) {
		for _, p := range parts {
			_, _ = h.Write([]byte(strings.TrimSpace(p) + "|"))
		}
	}
	write(c.BindAddr, c.LogLevel, c.Exec.Security, c.Exec.Ask, c.Maintenance.Schedule)
	write(c.Gateway.Nodes.AllowCommands...)
	write(c.Gateway.Nodes.DenyCommands...)
	write(c.Gateway.ProtectedRoutes...)
	write(c.Auth.TrustedProxies...)
	write(strconv.Itoa(*c.Subagents.ArchiveAfterMinutes), strconv.Itoa(c.Subagents.GraceSeconds))
	write(strconv.Itoa(c.RateLimit.MaxRequests), strconv.Itoa(c.RateLimit.WindowMs))
	if c.Auth.Token != "" {
		write("token-set")
	}
	if c.Auth.Password != "" {
		write("password-set")
	}
	return "cfg-" + strconv.FormatUint(h.Sum64(), 16)
}
