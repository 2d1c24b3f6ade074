// Package config loads control-plane configuration from the environment.
//
// Configuration sources, in precedence order:
//   - process environment variables
//   - ${GRACE_DATA_DIR}/.env loaded via godotenv
//   - built-in defaults
//
// Validation failures are configuration errors and map to exit code 2.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	cperrors "github.com/aaron031291/grace/internal/errors"
)

// Defaults for tunables that are overridable from the environment.
const (
	DefaultPort                = 8000
	DefaultMetricsPort         = 9091
	DefaultHTMMaxWorkers       = 4
	DefaultHTMSLAMS            = 30_000
	DefaultHTMMaxAttempts      = 3
	DefaultGuardianIntervalMS  = 30_000
	DefaultMetaLoopIntervalMS  = 300_000
	DefaultApprovalTimeoutMS   = 300_000
	DefaultGovernanceTier      = "T2"
	DefaultLogDir              = "/var/lib/grace"
	portScanCeiling            = 8999
	minScanIntervalMS          = 250
	minApprovalTimeoutMS       = 100
)

// Config holds all control plane configuration.
type Config struct {
	// Server / guardian settings
	Port        int    // preferred listening port (GRACE_PORT); 0 = scan from 8000
	PortPinned  bool   // true when GRACE_PORT was explicitly set
	MetricsPort int    // side port for Prometheus metrics
	LogDir      string // base path for audit/incident/task logs (GRACE_LOG_DIR)
	DataDir     string // base path for .env and runtime state (GRACE_DATA_DIR)

	// Modes
	OfflineMode       bool // skip outbound network probes
	CIMode            bool // implies OfflineMode plus deterministic clock
	AllowDegradedStart bool // continue boot when the audit chain fails verification

	// HTM scheduler tunables
	HTMMaxWorkers  int
	HTMDefaultSLA  time.Duration
	HTMMaxAttempts int

	// Cadences
	GuardianScanInterval time.Duration
	MetaLoopInterval     time.Duration

	// Governance
	GovernanceDefaultTier    string
	GovernanceApprovalExpiry time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

// Load builds configuration from defaults, the .env file, and the process
// environment.
func Load() (*Config, error) {
	cfg := defaults()

	if dir := os.Getenv("GRACE_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
		envFile := filepath.Join(dir, ".env")
		if err := godotenv.Load(envFile); err != nil {
			if !os.IsNotExist(err) {
				log.Warn().Err(err).Str("path", envFile).Msg("Failed to load .env file")
			}
		} else {
			log.Debug().Str("path", envFile).Msg("Loaded environment from .env")
		}
	} else if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded environment from local .env")
	}

	applyEnvOverrides(cfg)

	if cfg.CIMode {
		cfg.OfflineMode = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port:                     0,
		MetricsPort:              DefaultMetricsPort,
		LogDir:                   DefaultLogDir,
		DataDir:                  DefaultLogDir,
		HTMMaxWorkers:            DefaultHTMMaxWorkers,
		HTMDefaultSLA:            time.Duration(DefaultHTMSLAMS) * time.Millisecond,
		HTMMaxAttempts:           DefaultHTMMaxAttempts,
		GuardianScanInterval:     time.Duration(DefaultGuardianIntervalMS) * time.Millisecond,
		MetaLoopInterval:         time.Duration(DefaultMetaLoopIntervalMS) * time.Millisecond,
		GovernanceDefaultTier:    DefaultGovernanceTier,
		GovernanceApprovalExpiry: time.Duration(DefaultApprovalTimeoutMS) * time.Millisecond,
		LogLevel:                 "info",
		LogFormat:                "auto",
	}
}

func applyEnvOverrides(cfg *Config) {
	if port := os.Getenv("GRACE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
			cfg.PortPinned = true
		} else {
			log.Warn().Str("value", port).Msg("Invalid GRACE_PORT, will scan for a free port")
		}
	}
	if port := os.Getenv("METRICS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.MetricsPort = p
		}
	}
	if dir := os.Getenv("GRACE_LOG_DIR"); dir != "" {
		cfg.LogDir = dir
	}

	cfg.OfflineMode = boolEnv("OFFLINE_MODE", cfg.OfflineMode)
	cfg.CIMode = boolEnv("CI_MODE", cfg.CIMode)
	cfg.AllowDegradedStart = boolEnv("ALLOW_DEGRADED_START", cfg.AllowDegradedStart)

	cfg.HTMMaxWorkers = intEnv("HTM_MAX_WORKERS", cfg.HTMMaxWorkers)
	cfg.HTMMaxAttempts = intEnv("HTM_MAX_ATTEMPTS", cfg.HTMMaxAttempts)
	cfg.HTMDefaultSLA = msEnv("HTM_DEFAULT_SLA_MS", cfg.HTMDefaultSLA)
	cfg.GuardianScanInterval = msEnv("GUARDIAN_SCAN_INTERVAL_MS", cfg.GuardianScanInterval)
	cfg.MetaLoopInterval = msEnv("META_LOOP_INTERVAL_MS", cfg.MetaLoopInterval)
	cfg.GovernanceApprovalExpiry = msEnv("GOVERNANCE_APPROVAL_TIMEOUT_MS", cfg.GovernanceApprovalExpiry)

	if tier := os.Getenv("GOVERNANCE_DEFAULT_TIER"); tier != "" {
		cfg.GovernanceDefaultTier = strings.ToUpper(strings.TrimSpace(tier))
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.LogFormat = format
	}
}

// Validate checks option ranges. Any error here is a configuration error.
func (c *Config) Validate() error {
	if c.PortPinned && (c.Port < 1 || c.Port > 65535) {
		return cperrors.Configuration("validate", fmt.Errorf("GRACE_PORT %d out of range", c.Port))
	}
	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		return cperrors.Configuration("validate", fmt.Errorf("METRICS_PORT %d out of range", c.MetricsPort))
	}
	if c.HTMMaxWorkers < 1 {
		return cperrors.Configuration("validate", fmt.Errorf("HTM_MAX_WORKERS must be positive, got %d", c.HTMMaxWorkers))
	}
	if c.HTMMaxAttempts < 1 {
		return cperrors.Configuration("validate", fmt.Errorf("HTM_MAX_ATTEMPTS must be positive, got %d", c.HTMMaxAttempts))
	}
	if c.HTMDefaultSLA <= 0 {
		return cperrors.Configuration("validate", fmt.Errorf("HTM_DEFAULT_SLA_MS must be positive"))
	}
	if c.GuardianScanInterval < minScanIntervalMS*time.Millisecond {
		return cperrors.Configuration("validate", fmt.Errorf("GUARDIAN_SCAN_INTERVAL_MS below %dms floor", minScanIntervalMS))
	}
	if c.MetaLoopInterval <= 0 {
		return cperrors.Configuration("validate", fmt.Errorf("META_LOOP_INTERVAL_MS must be positive"))
	}
	if c.GovernanceApprovalExpiry < minApprovalTimeoutMS*time.Millisecond {
		return cperrors.Configuration("validate", fmt.Errorf("GOVERNANCE_APPROVAL_TIMEOUT_MS below %dms floor", minApprovalTimeoutMS))
	}
	switch c.GovernanceDefaultTier {
	case "T0", "T1", "T2", "T3":
	default:
		return cperrors.Configuration("validate", fmt.Errorf("GOVERNANCE_DEFAULT_TIER %q not one of T0..T3", c.GovernanceDefaultTier))
	}
	if c.LogDir == "" {
		return cperrors.Configuration("validate", fmt.Errorf("GRACE_LOG_DIR must not be empty"))
	}
	return nil
}

// AuditPath returns the audit log location under LogDir.
func (c *Config) AuditPath() string {
	return filepath.Join(c.LogDir, "audit", "immutable_audit.jsonl")
}

// IncidentPath returns the incident log location under LogDir.
func (c *Config) IncidentPath() string {
	return filepath.Join(c.LogDir, "incidents", "incidents.jsonl")
}

// TaskJournalPath returns the HTM task journal location under LogDir.
func (c *Config) TaskJournalPath() string {
	return filepath.Join(c.LogDir, "tasks", "htm_tasks.jsonl")
}

// MetaStatsPath returns the meta-loop statistics database under LogDir.
func (c *Config) MetaStatsPath() string {
	return filepath.Join(c.LogDir, "meta", "stats.db")
}

// RevisionsDir returns the config revision directory under LogDir.
func (c *Config) RevisionsDir() string {
	return filepath.Join(c.LogDir, "config", "revisions")
}

// PortScanRange returns the inclusive range the guardian probes when no
// explicit GRACE_PORT is pinned.
func (c *Config) PortScanRange() (int, int) {
	if c.PortPinned {
		return c.Port, c.Port
	}
	return DefaultPort, portScanCeiling
}

func boolEnv(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid boolean, keeping default")
		return fallback
	}
	return parsed
}

func intEnv(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer, keeping default")
		return fallback
	}
	return parsed
}

func msEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid millisecond value, keeping default")
		return fallback
	}
	return time.Duration(parsed) * time.Millisecond
}
