// Package config provides the exporter configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"
)

const (
	BackendAuto       = "auto"
	BackendNvidiaSMI  = "nvidia-smi"
	BackendNVML       = "nvml"
	OwnerSourceLogin  = "loginuid"
	OwnerSourceStatus = "uid"
)

var (
	ErrInvalidBackend     = errors.New("backend must be one of auto, nvidia-smi, nvml")
	ErrInvalidOwnerSource = errors.New("owner_source must be one of loginuid, uid")
)

// Config provides the exporter configuration data.
type Config struct {
	// Address for the metrics server to listen on.
	Address string `json:"address"`

	// Interval to wait after a completed poll cycle before starting the next one.
	Interval metav1.Duration `json:"interval"`

	// GracePeriod is how long an idle (GPU, user) series is held at zero
	// before it is removed. Zero removes a series on its first absence.
	GracePeriod metav1.Duration `json:"grace_period"`

	// CycleTimeout bounds a single poll cycle.
	// Zero leaves cycles unbounded, so a hung nvidia-smi stalls the exporter.
	CycleTimeout metav1.Duration `json:"cycle_timeout"`

	// Backend selects the device sampler.
	Backend string `json:"backend"`

	// NvidiaSMICommand is the nvidia-smi binary used by the "nvidia-smi" backend.
	NvidiaSMICommand string `json:"nvidia_smi_command"`

	// GetentCommand is the binary used to list the system accounts.
	GetentCommand string `json:"getent_command"`

	// OwnerSource selects how a pid is mapped to its owning uid.
	// "loginuid" reads /proc/<pid>/loginuid (falling back to the real uid when unset),
	// "uid" reads the real uid from /proc/<pid>/status.
	OwnerSource string `json:"owner_source"`

	// ProcRoot is the procfs mount point.
	ProcRoot string `json:"proc_root"`

	// Set true to enable profiler.
	Pprof bool `json:"pprof"`
}

func (config *Config) Validate() error {
	if config.Address == "" {
		return errors.New("address is required")
	}
	if config.Interval.Duration < time.Second {
		return fmt.Errorf("interval must be at least 1 second, got %s", config.Interval.Duration)
	}
	if config.GracePeriod.Duration < 0 {
		return fmt.Errorf("grace_period must not be negative, got %s", config.GracePeriod.Duration)
	}
	if config.CycleTimeout.Duration < 0 {
		return fmt.Errorf("cycle_timeout must not be negative, got %s", config.CycleTimeout.Duration)
	}
	switch config.Backend {
	case BackendAuto, BackendNvidiaSMI, BackendNVML:
	default:
		return fmt.Errorf("%w (got %q)", ErrInvalidBackend, config.Backend)
	}
	switch config.OwnerSource {
	case OwnerSourceLogin, OwnerSourceStatus:
	default:
		return fmt.Errorf("%w (got %q)", ErrInvalidOwnerSource, config.OwnerSource)
	}
	if config.ProcRoot == "" {
		return errors.New("proc_root is required")
	}
	return nil
}

// LoadFile reads a YAML (or JSON) config file on top of the defaults.
// Fields missing from the file keep their default values.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	return cfg, nil
}
