// Package config loads runtime configuration for the worldbus binaries from
// environment variables, following the same "validated defaults, joined
// error" pattern across all three entrypoints.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultCoordinatorAddr is the default TCP address the coordinator listens on.
	DefaultCoordinatorAddr = ":9000"
	// DefaultHistoryPageSize bounds how many commands a single history_page reply carries.
	DefaultHistoryPageSize = 256
	// DefaultStatusAddr serves /healthz, /stats, and admin endpoints.
	DefaultStatusAddr = ":43128"
	// DefaultObserverRPCAddr serves the gRPC sequenced-command Watch stream and SubmitCommands.
	DefaultObserverRPCAddr = ":43129"
	// DefaultCheckpointInterval controls how often history/commands.log checkpoints are taken.
	DefaultCheckpointInterval = 5 * time.Minute

	// DefaultSequencerPollInterval is the fallback wake cadence when fsnotify is quiet.
	DefaultSequencerPollInterval = 2 * time.Second
	// DefaultDispatchTimeout bounds how long an orchestrator/rule-loop child may run.
	DefaultDispatchTimeout = 30 * time.Second

	// DefaultLogLevel controls verbosity for all three binaries.
	DefaultLogLevel = "info"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// LoggingConfig captures structured logging configuration options shared by
// every binary; Service distinguishes which process emitted a given line.
type LoggingConfig struct {
	Service    string
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// CoordinatorConfig captures the runtime tunables for cmd/coordinator.
type CoordinatorConfig struct {
	SessionDir         string
	Address            string
	StatusAddr         string
	ObserverRPCAddr    string
	HistoryPageSize    int
	AdminToken         string
	CheckpointInterval time.Duration
	CheckpointDir      string
	Logging            LoggingConfig
}

// ParticipantConfig captures the runtime tunables for cmd/participant, which
// hosts both the client link (C4) and the sequencer (C5) in one process.
type ParticipantConfig struct {
	Dir                   string
	Username              string
	ServerIP              string
	ServerPort            int
	InitialCommand        string
	SequencerPollInterval time.Duration
	DispatchTimeout       time.Duration
	Logging               LoggingConfig
}

// WorldviewConfig captures the runtime tunables for cmd/worldview, the
// optional read-only reference view process.
type WorldviewConfig struct {
	Dir             string
	ObserverRPCAddr string
	Logging         LoggingConfig
}

// LoadCoordinatorConfig reads coordinator configuration from WORLDBUS_* environment
// variables, applying sane defaults and returning descriptive errors for invalid overrides.
func LoadCoordinatorConfig() (*CoordinatorConfig, error) {
	cfg := &CoordinatorConfig{
		SessionDir:         getString("WORLDBUS_SESSION_DIR", "."),
		Address:            getString("WORLDBUS_ADDR", DefaultCoordinatorAddr),
		StatusAddr:         getString("WORLDBUS_STATUS_ADDR", DefaultStatusAddr),
		ObserverRPCAddr:    getString("WORLDBUS_OBSERVER_RPC_ADDR", DefaultObserverRPCAddr),
		HistoryPageSize:    DefaultHistoryPageSize,
		AdminToken:         strings.TrimSpace(os.Getenv("WORLDBUS_ADMIN_TOKEN")),
		CheckpointInterval: DefaultCheckpointInterval,
		CheckpointDir:      getString("WORLDBUS_CHECKPOINT_DIR", "checkpoints"),
		Logging:            defaultLogging("coordinator"),
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("WORLDBUS_HISTORY_PAGE_SIZE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("WORLDBUS_HISTORY_PAGE_SIZE must be a positive integer, got %q", raw))
		} else {
			cfg.HistoryPageSize = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("WORLDBUS_CHECKPOINT_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("WORLDBUS_CHECKPOINT_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.CheckpointInterval = duration
		}
	}

	applyLoggingEnv(&cfg.Logging, &problems)

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}
	return cfg, nil
}

// LoadParticipantConfig reads participant configuration from WORLDBUS_* environment
// variables. Flags (parsed by cmd/participant) take precedence over these defaults.
func LoadParticipantConfig() (*ParticipantConfig, error) {
	cfg := &ParticipantConfig{
		Dir:                   getString("WORLDBUS_DIR", "."),
		Username:              strings.TrimSpace(os.Getenv("WORLDBUS_USERNAME")),
		ServerIP:              getString("WORLDBUS_SERVER_IP", "127.0.0.1"),
		ServerPort:            9000,
		InitialCommand:        os.Getenv("WORLDBUS_INITIAL_COMMAND"),
		SequencerPollInterval: DefaultSequencerPollInterval,
		DispatchTimeout:       DefaultDispatchTimeout,
		Logging:               defaultLogging("participant"),
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("WORLDBUS_SERVER_PORT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 || value > 65535 {
			problems = append(problems, fmt.Sprintf("WORLDBUS_SERVER_PORT must be a valid port number, got %q", raw))
		} else {
			cfg.ServerPort = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("WORLDBUS_SEQUENCER_POLL_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("WORLDBUS_SEQUENCER_POLL_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.SequencerPollInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("WORLDBUS_DISPATCH_TIMEOUT")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("WORLDBUS_DISPATCH_TIMEOUT must be a positive duration, got %q", raw))
		} else {
			cfg.DispatchTimeout = duration
		}
	}

	applyLoggingEnv(&cfg.Logging, &problems)

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}
	return cfg, nil
}

// LoadWorldviewConfig reads the reference view process's configuration.
func LoadWorldviewConfig() (*WorldviewConfig, error) {
	cfg := &WorldviewConfig{
		Dir:             getString("WORLDBUS_DIR", "."),
		ObserverRPCAddr: strings.TrimSpace(os.Getenv("WORLDBUS_OBSERVER_RPC_ADDR")),
		Logging:         defaultLogging("worldview"),
	}

	var problems []string
	applyLoggingEnv(&cfg.Logging, &problems)
	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}
	return cfg, nil
}

func defaultLogging(service string) LoggingConfig {
	return LoggingConfig{
		Service:    service,
		Level:      getString("WORLDBUS_LOG_LEVEL", DefaultLogLevel),
		Path:       getString("WORLDBUS_LOG_PATH", service+".log"),
		MaxSizeMB:  DefaultLogMaxSizeMB,
		MaxBackups: DefaultLogMaxBackups,
		MaxAgeDays: DefaultLogMaxAgeDays,
		Compress:   DefaultLogCompress,
	}
}

func applyLoggingEnv(cfg *LoggingConfig, problems *[]string) {
	if raw := strings.TrimSpace(os.Getenv("WORLDBUS_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			*problems = append(*problems, fmt.Sprintf("WORLDBUS_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("WORLDBUS_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			*problems = append(*problems, fmt.Sprintf("WORLDBUS_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("WORLDBUS_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			*problems = append(*problems, fmt.Sprintf("WORLDBUS_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("WORLDBUS_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			*problems = append(*problems, fmt.Sprintf("WORLDBUS_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Compress = value
		}
	}
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
