// Package config loads and validates the agent's TOML configuration file.
//
// Unlike the teacher's internal/config (which loads from environment
// variables), this agent's external interface is a TOML file (spec.md
// §6); the env-var surface is limited to the master-password override.
// The Load/Validate shape below mirrors the teacher's config.Load
// convention of accumulating every validation error before returning,
// rather than failing on the first one.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// AgentConfig holds top-level identity settings (spec.md §4.4 agent_id).
type AgentConfig struct {
	ID       string `toml:"id"`
	LogLevel string `toml:"log_level"`
}

// TelemetryConfig configures the ambient OTLP metrics exporter. An empty
// Endpoint disables export entirely (internal/telemetry.Init no-ops).
type TelemetryConfig struct {
	Endpoint  string `toml:"otlp_endpoint"`
	Insecure  bool   `toml:"insecure"`
}

// BufferConfig configures the durable buffer (C2).
type BufferConfig struct {
	MaxEvents        int    `toml:"max_events"`
	MaxSizeMB        int    `toml:"max_size_mb"`
	FlushIntervalSec int    `toml:"flush_interval_seconds"`
	Persistent       bool   `toml:"persistent"`
	PersistencePath  string `toml:"persistence_path"`
	Compression      bool   `toml:"compression"`
}

// RateLimitCategory configures one named token bucket (C3).
type RateLimitCategory struct {
	Capacity float64 `toml:"capacity"`
	Refill   float64 `toml:"refill_per_second"`
	Priority uint8   `toml:"priority"`
}

// ThrottleThresholds mirrors the original's per-resource threshold triple.
type ThrottleThresholds struct {
	Start      float64 `toml:"start"`
	Aggressive float64 `toml:"aggressive"`
	Emergency  float64 `toml:"emergency"`
}

// ThrottleConfig configures the adaptive throttle (C4).
type ThrottleConfig struct {
	BasePermits            int                `toml:"base_permits"`
	MinPermits             int                `toml:"min_permits"`
	MaxPermits             int                `toml:"max_permits"`
	CPUThresholds          ThrottleThresholds `toml:"cpu_thresholds"`
	MemoryThresholds       ThrottleThresholds `toml:"memory_thresholds"`
	AdjustmentIntervalSec  int                `toml:"adjustment_interval_seconds"`
	EnableBurst            bool               `toml:"enable_burst"`
	BurstPermits           int                `toml:"burst_permits"`
	BurstDurationSec       int                `toml:"burst_duration_seconds"`
	EmergencyPermits       int                `toml:"emergency_permits"`
}

// TLSConfig configures mTLS for the transport.
type TLSConfig struct {
	ClientCertPath string `toml:"client_cert_path"`
	ClientKeyPath  string `toml:"client_key_path"`
	ClientP12Path  string `toml:"client_p12_path"`
	ClientP12Pass  string `toml:"client_p12_password"`
	CACertPath     string `toml:"ca_cert_path"`
	InsecureSkip   bool   `toml:"insecure_skip_verify"`
}

// TransportConfig configures the circuit-protected transport (C5).
type TransportConfig struct {
	ServerURL              string    `toml:"server_url"`
	BatchSize              int       `toml:"batch_size"`
	MaxAttempts            int       `toml:"max_attempts"`
	InitialDelayMS         int       `toml:"initial_delay_ms"`
	MaxDelayMS             int       `toml:"max_delay_ms"`
	Multiplier             float64   `toml:"backoff_multiplier"`
	JitterFraction         float64   `toml:"jitter_fraction"`
	OverallDeadlineSec     int       `toml:"overall_deadline_seconds"`
	RequestTimeoutSec      int       `toml:"request_timeout_seconds"`
	Compression            bool      `toml:"compression"`
	FailureThreshold       uint32    `toml:"failure_threshold"`
	SuccessThreshold       uint32    `toml:"success_threshold"`
	RecoveryTimeoutSec     int       `toml:"recovery_timeout_seconds"`
	SlidingWindowSize      int       `toml:"sliding_window_size"`
	FailureRateThreshold   float64   `toml:"failure_rate_threshold"`
	MinimumRequests        uint32    `toml:"minimum_requests"`
	TLS                    TLSConfig `toml:"tls"`
}

// SecurityConfig configures the credential store (C7).
type SecurityConfig struct {
	MasterPasswordEnv      string `toml:"master_password_env"`
	CredentialStorePath    string `toml:"credential_store_path"`
	AuditLogPath           string `toml:"audit_log_path"`
	PBKDF2Iterations       int    `toml:"pbkdf2_iterations"`
	RotationIntervalSec    int64  `toml:"rotation_interval_seconds"`
	MaxCredentialAgeSec    int64  `toml:"max_credential_age_seconds"`
	BackupRetentionCount   int    `toml:"backup_retention_count"`
	WriteBackups           bool   `toml:"write_backups"`
}

// ResourceMonitorConfig configures the resource sampler (C1).
type ResourceMonitorConfig struct {
	MonitoringIntervalSec int                `toml:"monitoring_interval_seconds"`
	TopNProcesses         int                `toml:"top_n_processes"`
	CPU                   ThrottleThresholds `toml:"cpu"`
	Memory                ThrottleThresholds `toml:"memory"`
	Disk                  ThrottleThresholds `toml:"disk"`
	Network               ThrottleThresholds `toml:"network"`
}

// EmergencyShutdownConfig configures C6.
type EmergencyShutdownConfig struct {
	AlertWindowSec         int     `toml:"alert_window_seconds"`
	CriticalAlertThreshold int     `toml:"critical_alert_threshold"`
	GracePeriodSec         int     `toml:"grace_period_seconds"`
	AllowRecovery          bool    `toml:"allow_recovery"`
	RecoveryMarginPct      float64 `toml:"recovery_margin_percent"`
	ShutdownOnCPU          bool    `toml:"shutdown_on_cpu"`
	ShutdownOnMemory       bool    `toml:"shutdown_on_memory"`
	ShutdownOnDisk         bool    `toml:"shutdown_on_disk"`
}

// MemoryPressureThresholds mirrors the original's four-level pressure
// bands (resource_management.rs MemoryPressureThresholds), each a
// percentage of memory used.
type MemoryPressureThresholds struct {
	Low      float64 `toml:"low"`
	Medium   float64 `toml:"medium"`
	High     float64 `toml:"high"`
	Critical float64 `toml:"critical"`
}

// ResourceManagerConfig configures the façade (C8): the global token
// bucket every category must also clear, the memory-pressure bands it
// derives from C1 snapshots, and which adaptive responses a pressure
// transition is allowed to trigger.
type ResourceManagerConfig struct {
	GlobalRateCapacity   float64                  `toml:"global_rate_capacity"`
	GlobalRateRefill     float64                  `toml:"global_rate_refill"`
	PressureThresholds   MemoryPressureThresholds `toml:"pressure_thresholds"`
	ReduceBuffers        bool                     `toml:"reduce_buffers_on_pressure"`
	ClearCaches          bool                     `toml:"clear_caches_on_pressure"`
	SuspendBackgroundJob bool                     `toml:"suspend_background_on_pressure"`
}

// CollectorsConfig is a placeholder for the out-of-scope collector
// definitions (spec.md §1); only their on/off flags are read here so an
// external collector runner can consult the same config file.
type CollectorsConfig struct {
	EnabledSources []string `toml:"enabled_sources"`
}

// Config is the top-level decoded configuration file.
type Config struct {
	Agent             AgentConfig                  `toml:"agent"`
	Transport         TransportConfig              `toml:"transport"`
	Collectors        CollectorsConfig             `toml:"collectors"`
	Buffer            BufferConfig                 `toml:"buffer"`
	RateLimit         map[string]RateLimitCategory `toml:"rate_limit"`
	Security          SecurityConfig               `toml:"security"`
	ResourceMonitor   ResourceMonitorConfig         `toml:"resource_monitor"`
	Throttle          ThrottleConfig                `toml:"throttle"`
	EmergencyShutdown EmergencyShutdownConfig       `toml:"emergency_shutdown"`
	ResourceManager   ResourceManagerConfig         `toml:"resource_manager"`
	Telemetry         TelemetryConfig               `toml:"telemetry"`
}

// Default returns the configuration with every default the original
// Rust agent ships (see original_source/agent-rust/src/*.rs Default impls),
// before a file is decoded on top of it.
func Default() Config {
	return Config{
		Agent: AgentConfig{ID: "securewatch-agent", LogLevel: "info"},
		Buffer: BufferConfig{
			MaxEvents:        10_000,
			MaxSizeMB:        100,
			FlushIntervalSec: 5,
			Persistent:       true,
			PersistencePath:  "./buffer",
		},
		Transport: TransportConfig{
			BatchSize:            100,
			MaxAttempts:          3,
			InitialDelayMS:       500,
			MaxDelayMS:           30_000,
			Multiplier:           2.0,
			JitterFraction:       0.2,
			OverallDeadlineSec:   60,
			RequestTimeoutSec:    30,
			Compression:          true,
			FailureThreshold:     5,
			SuccessThreshold:     3,
			RecoveryTimeoutSec:   30,
			SlidingWindowSize:    100,
			FailureRateThreshold: 0.5,
			MinimumRequests:      10,
		},
		Security: SecurityConfig{
			MasterPasswordEnv:    "SECUREWATCH_MASTER_PASSWORD",
			CredentialStorePath:  "./security/credentials.json",
			AuditLogPath:         "./security/audit.log",
			PBKDF2Iterations:     100_000,
			RotationIntervalSec:  86_400,
			MaxCredentialAgeSec:  604_800,
			BackupRetentionCount: 5,
			WriteBackups:         true,
		},
		ResourceMonitor: ResourceMonitorConfig{
			MonitoringIntervalSec: 10,
			TopNProcesses:         5,
			CPU:                   ThrottleThresholds{Start: 70, Aggressive: 85, Emergency: 95},
			Memory:                ThrottleThresholds{Start: 75, Aggressive: 85, Emergency: 95},
			Disk:                  ThrottleThresholds{Start: 80, Aggressive: 90, Emergency: 95},
			Network:               ThrottleThresholds{Start: 70, Aggressive: 85, Emergency: 95},
		},
		Throttle: ThrottleConfig{
			BasePermits:           100,
			MinPermits:            10,
			MaxPermits:            200,
			CPUThresholds:         ThrottleThresholds{Start: 70, Aggressive: 85, Emergency: 95},
			MemoryThresholds:      ThrottleThresholds{Start: 75, Aggressive: 85, Emergency: 95},
			AdjustmentIntervalSec: 15,
			EnableBurst:           true,
			BurstPermits:          50,
			BurstDurationSec:      60,
			EmergencyPermits:      5,
		},
		EmergencyShutdown: EmergencyShutdownConfig{
			AlertWindowSec:         60,
			CriticalAlertThreshold: 3,
			GracePeriodSec:         30,
			AllowRecovery:          true,
			RecoveryMarginPct:      5,
			ShutdownOnCPU:          true,
			ShutdownOnMemory:       true,
			ShutdownOnDisk:         false,
		},
		ResourceManager: ResourceManagerConfig{
			GlobalRateCapacity: 1000,
			GlobalRateRefill:   100,
			PressureThresholds: MemoryPressureThresholds{Low: 60, Medium: 75, High: 85, Critical: 95},
			ReduceBuffers:      true,
			ClearCaches:        true,
			SuspendBackgroundJob: true,
		},
	}
}

// Load reads and validates a TOML configuration file at path, in strict
// mode: any key present in the file that does not map onto Config (or one
// of its nested sections) is a startup error (spec.md §6).
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("config: unknown keys in %s (strict mode): %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants that TOML decoding alone cannot
// enforce (ranges, required fields when a subsystem is enabled).
func (c Config) Validate() error {
	var errs []error
	if c.Transport.ServerURL == "" {
		errs = append(errs, fmt.Errorf("transport.server_url is required"))
	}
	if c.Buffer.MaxEvents <= 0 {
		errs = append(errs, fmt.Errorf("buffer.max_events must be > 0"))
	}
	if c.Transport.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("transport.max_attempts must be > 0"))
	}
	if c.Throttle.MinPermits > c.Throttle.BasePermits || c.Throttle.BasePermits > c.Throttle.MaxPermits {
		errs = append(errs, fmt.Errorf("throttle permits must satisfy min <= base <= max"))
	}
	if c.Security.PBKDF2Iterations < 100_000 {
		errs = append(errs, fmt.Errorf("security.pbkdf2_iterations must be >= 100000"))
	}
	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return fmt.Errorf("config: validation failed: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// MasterPassword reads the master password from the environment variable
// named by Security.MasterPasswordEnv. Returns false if unset — the
// credential store stays non-operational in that case (spec.md §6).
func (c Config) MasterPassword() (string, bool) {
	name := c.Security.MasterPasswordEnv
	if name == "" {
		name = "SECUREWATCH_MASTER_PASSWORD"
	}
	v, ok := os.LookupEnv(name)
	return v, ok && v != ""
}

func (c BufferConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSec) * time.Second
}

func (c ThrottleConfig) AdjustmentInterval() time.Duration {
	return time.Duration(c.AdjustmentIntervalSec) * time.Second
}

func (c ThrottleConfig) BurstDuration() time.Duration {
	return time.Duration(c.BurstDurationSec) * time.Second
}

func (c TransportConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

func (c TransportConfig) OverallDeadline() time.Duration {
	return time.Duration(c.OverallDeadlineSec) * time.Second
}

func (c TransportConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutSec) * time.Second
}

func (c ResourceMonitorConfig) MonitoringInterval() time.Duration {
	return time.Duration(c.MonitoringIntervalSec) * time.Second
}

func (c EmergencyShutdownConfig) AlertWindow() time.Duration {
	return time.Duration(c.AlertWindowSec) * time.Second
}

func (c EmergencyShutdownConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSec) * time.Second
}

func (c SecurityConfig) RotationInterval() time.Duration {
	return time.Duration(c.RotationIntervalSec) * time.Second
}

func (c SecurityConfig) MaxCredentialAge() time.Duration {
	return time.Duration(c.MaxCredentialAgeSec) * time.Second
}
