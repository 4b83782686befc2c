// Package config loads the configuration surface described in spec §6 from
// defaults, an optional file, and environment variables (via godotenv,
// mirroring the teacher's PULSE_* convention in cmd/pulse/main.go), then
// supports hot-reloading the subset of keys that are safe to change without
// a restart.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	siemerrors "github.com/sentineld/sentineld/internal/errors"
)

// SLAConfig holds the per-severity SLA deadlines from spec §6.
type SLAConfig struct {
	LowMS       int64 `json:"low_ms"`
	MediumMS    int64 `json:"medium_ms"`
	HighMS      int64 `json:"high_ms"`
	CriticalMS  int64 `json:"critical_ms"`
	EmergencyMS int64 `json:"emergency_ms"`
}

// QuietHoursConfig suppresses low-noise notification actions during a
// configured window (SPEC_FULL.md §12 supplement, grounded on the teacher's
// internal/alerts.QuietHours).
type QuietHoursConfig struct {
	Enabled            bool     `json:"enabled"`
	Start              string   `json:"start"` // "HH:MM"
	End                string   `json:"end"`   // "HH:MM"
	Timezone           string   `json:"timezone"`
	Days               []string `json:"days"`
	SuppressSeverities []string `json:"suppress_severities"`
}

// Config is the fully resolved configuration surface.
type Config struct {
	WorkerCount         int           `json:"worker_count"`
	ShardQueueCapacity  int           `json:"shard_queue_capacity"`
	DedupWindowMS       int64         `json:"dedup_window_ms"`

	AnomalyMinSamples int     `json:"anomaly_min_samples"`
	AnomalyZThreshold float64 `json:"anomaly_z_threshold"`
	AnomalyEWMAAlpha  float64 `json:"anomaly_ewma_alpha"`

	CorrelationBufferSize        int   `json:"correlation_buffer_size"`
	CorrelationCleanupIntervalMS int64 `json:"correlation_cleanup_interval_ms"`

	OrchestratorMergeWindowMS int64     `json:"orchestrator_merge_window_ms"`
	OrchestratorSLA           SLAConfig `json:"orchestrator_sla"`
	EscalationIntervalMS      int64     `json:"escalation_interval_ms"`
	FalsePositiveQuarantineMS int64     `json:"false_positive_quarantine_ms"`

	ResponseCooldownDefaultMS int64 `json:"response_cooldown_default_ms"`

	SupervisorProbeIntervalMS  int64 `json:"supervisor_probe_interval_ms"`
	SupervisorUnhealthyThresh  int   `json:"supervisor_unhealthy_threshold"`
	SupervisorStatusIntervalMS int64 `json:"supervisor_status_interval_ms"`

	WhitelistEntries []string `json:"whitelist_entries"`

	QuietHours QuietHoursConfig `json:"quiet_hours"`

	BusReplayWindowMS int64 `json:"bus_replay_window_ms"`

	// DashboardAddr, when non-empty, serves the bus relay's websocket feed
	// (findings/incidents/action-results/supervisor-state) for an external
	// dashboard. Empty disables it, matching the metrics server's
	// disabled-when-unset convention.
	DashboardAddr string `json:"dashboard_addr"`
}

// Default returns the baseline configuration before file/env overrides are
// applied.
func Default() Config {
	return Config{
		WorkerCount:        0, // 0 == unset; Load keeps 0 and internal/app then runs 4 shards
		ShardQueueCapacity: 1_000_000,
		DedupWindowMS:      60_000,

		AnomalyMinSamples: 10,
		AnomalyZThreshold: 2.0,
		AnomalyEWMAAlpha:  0.1,

		CorrelationBufferSize:        10_000,
		CorrelationCleanupIntervalMS: 30_000,

		OrchestratorMergeWindowMS: 30_000,
		OrchestratorSLA: SLAConfig{
			LowMS:       24 * 3600 * 1000,
			MediumMS:    8 * 3600 * 1000,
			HighMS:      2 * 3600 * 1000,
			CriticalMS:  30 * 60 * 1000,
			EmergencyMS: 15 * 60 * 1000,
		},
		EscalationIntervalMS:      15 * 60 * 1000,
		FalsePositiveQuarantineMS: 24 * 3600 * 1000,

		ResponseCooldownDefaultMS: 5 * 60 * 1000,

		SupervisorProbeIntervalMS:  5_000,
		SupervisorUnhealthyThresh:  3,
		SupervisorStatusIntervalMS: 10_000,

		BusReplayWindowMS: 5 * 60 * 1000,
	}
}

// Load reads defaults, then an optional JSON file at path (if non-empty and
// present), then environment variables (loaded from .env via godotenv when
// present, matching the teacher's startup sequence), and finally validates
// the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := mergeFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	// godotenv.Load is a no-op (returns an error that we ignore) when no
	// .env file is present, matching the teacher's optional-.env posture.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return siemerrors.New(siemerrors.KindConfiguration, "config.load", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return siemerrors.New(siemerrors.KindConfiguration, "config.load", fmt.Errorf("parsing %s: %w", path, err))
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideInt(&cfg.WorkerCount, "SENTINELD_WORKER_COUNT")
	overrideInt(&cfg.ShardQueueCapacity, "SENTINELD_SHARD_QUEUE_CAPACITY")
	overrideInt64(&cfg.DedupWindowMS, "SENTINELD_DEDUP_WINDOW_MS")
	overrideInt(&cfg.AnomalyMinSamples, "SENTINELD_ANOMALY_MIN_SAMPLES")
	overrideFloat(&cfg.AnomalyZThreshold, "SENTINELD_ANOMALY_Z_THRESHOLD")
	overrideFloat(&cfg.AnomalyEWMAAlpha, "SENTINELD_ANOMALY_EWMA_ALPHA")
	overrideInt(&cfg.CorrelationBufferSize, "SENTINELD_CORRELATION_BUFFER_SIZE")
	overrideInt64(&cfg.CorrelationCleanupIntervalMS, "SENTINELD_CORRELATION_CLEANUP_INTERVAL_MS")
	overrideInt64(&cfg.OrchestratorMergeWindowMS, "SENTINELD_ORCHESTRATOR_MERGE_WINDOW_MS")
	overrideInt64(&cfg.ResponseCooldownDefaultMS, "SENTINELD_RESPONSE_COOLDOWN_DEFAULT_MS")
	overrideInt64(&cfg.SupervisorProbeIntervalMS, "SENTINELD_SUPERVISOR_PROBE_INTERVAL_MS")
	overrideInt(&cfg.SupervisorUnhealthyThresh, "SENTINELD_SUPERVISOR_UNHEALTHY_THRESHOLD")
	overrideString(&cfg.DashboardAddr, "SENTINELD_DASHBOARD_ADDR")
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		var parsed int
		if _, err := fmt.Sscanf(v, "%d", &parsed); err == nil {
			*dst = parsed
		}
	}
}

func overrideInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		var parsed int64
		if _, err := fmt.Sscanf(v, "%d", &parsed); err == nil {
			*dst = parsed
		}
	}
}

func overrideFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		var parsed float64
		if _, err := fmt.Sscanf(v, "%f", &parsed); err == nil {
			*dst = parsed
		}
	}
}

// Validate rejects out-of-range or contradictory configuration, matching
// spec §7's "Configuration ... errors during startup are fatal" policy.
func (c Config) Validate() error {
	if c.ShardQueueCapacity <= 0 {
		return siemerrors.Newf(siemerrors.KindConfiguration, "config.validate", "shard_queue_capacity must be > 0, got %d", c.ShardQueueCapacity)
	}
	if c.AnomalyEWMAAlpha <= 0 || c.AnomalyEWMAAlpha >= 1 {
		return siemerrors.Newf(siemerrors.KindConfiguration, "config.validate", "anomaly_ewma_alpha must be in (0,1), got %f", c.AnomalyEWMAAlpha)
	}
	if c.AnomalyZThreshold <= 0 {
		return siemerrors.Newf(siemerrors.KindConfiguration, "config.validate", "anomaly_z_threshold must be > 0, got %f", c.AnomalyZThreshold)
	}
	if c.CorrelationBufferSize <= 0 {
		return siemerrors.Newf(siemerrors.KindConfiguration, "config.validate", "correlation_buffer_size must be > 0, got %d", c.CorrelationBufferSize)
	}
	if c.SupervisorUnhealthyThresh <= 0 {
		return siemerrors.Newf(siemerrors.KindConfiguration, "config.validate", "supervisor_unhealthy_threshold must be > 0, got %d", c.SupervisorUnhealthyThresh)
	}
	return nil
}

// Duration helpers convert the millisecond config fields into time.Duration
// at the call site that needs them, keeping the JSON-facing struct in plain
// integers (matching the teacher's preference for primitive, env-overridable
// fields in its own config surface).
func MS(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }
