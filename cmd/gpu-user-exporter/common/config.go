package common

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/leptonai/gpu-user-exporter/pkg/config"
)

const (
	EnvLogLevel      = "GPU_USER_EXPORTER_LOG_LEVEL"
	EnvListenAddress = "GPU_USER_EXPORTER_LISTEN_ADDRESS"
	EnvInterval      = "METRIC_SCRAPE_INTERVAL"
	EnvGracePeriod   = "METRIC_GRACE_PERIOD"
	EnvBackend       = "GPU_USER_EXPORTER_BACKEND"
)

// LogFlags returns the logging flags shared by all commands.
func LogFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:   "log-level,l",
			Usage:  "set the logging level [debug, info, warn, error, fatal, panic, dpanic]",
			EnvVar: EnvLogLevel,
		},
		&cli.StringFlag{
			Name:  "log-file",
			Usage: "set the log file path (set empty to stdout/stderr)",
		},
	}
}

// ConfigFlags returns the flags that override the config file.
func ConfigFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "(optional) YAML config file, overridden by the flags below",
		},
		&cli.StringFlag{
			Name:   "listen-address",
			Usage:  "set the listen address for the metrics endpoint",
			Value:  config.DefaultConfig().Address,
			EnvVar: EnvListenAddress,
		},
		&cli.IntFlag{
			Name:   "interval",
			Usage:  "seconds to wait after a poll cycle before starting the next one",
			Value:  int(config.DefaultInterval.Duration / time.Second),
			EnvVar: EnvInterval,
		},
		&cli.IntFlag{
			Name:   "grace-period",
			Usage:  "seconds an idle user series is held at zero before removal (0 to remove immediately)",
			Value:  int(config.DefaultGracePeriod.Duration / time.Second),
			EnvVar: EnvGracePeriod,
		},
		&cli.DurationFlag{
			Name:  "cycle-timeout",
			Usage: "(optional) bound a single poll cycle, e.g., 30s (0 to disable)",
		},
		&cli.StringFlag{
			Name:   "backend",
			Usage:  "set the device sampler [auto, nvidia-smi, nvml]",
			Value:  config.BackendNvidiaSMI,
			EnvVar: EnvBackend,
		},
		&cli.StringFlag{
			Name:  "nvidia-smi-command",
			Usage: "set the nvidia-smi command",
			Value: "nvidia-smi",
		},
		&cli.StringFlag{
			Name:  "getent-command",
			Usage: "set the getent command used to list the system accounts",
			Value: "getent",
		},
		&cli.StringFlag{
			Name:  "owner-source",
			Usage: "set how a process is mapped to its owner [loginuid, uid]",
			Value: config.OwnerSourceLogin,
		},
		&cli.StringFlag{
			Name:   "proc-root",
			Usage:  "set the procfs mount point",
			Value:  "/proc",
			Hidden: true,
		},
	}
}

// LoadConfig builds the config from the defaults, then the config file,
// then the flags or their environment variables, and validates it.
func LoadConfig(cliContext *cli.Context) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path := cliContext.String("config"); path != "" {
		var err error
		cfg, err = config.LoadFile(path)
		if err != nil {
			return nil, err
		}
	}

	if isSet(cliContext, "listen-address", EnvListenAddress) {
		cfg.Address = cliContext.String("listen-address")
	}
	if isSet(cliContext, "interval", EnvInterval) {
		cfg.Interval = seconds(cliContext.Int("interval"))
	}
	if isSet(cliContext, "grace-period", EnvGracePeriod) {
		cfg.GracePeriod = seconds(cliContext.Int("grace-period"))
	}
	if isSet(cliContext, "cycle-timeout", "") {
		cfg.CycleTimeout = metav1.Duration{Duration: cliContext.Duration("cycle-timeout")}
	}
	if isSet(cliContext, "backend", EnvBackend) {
		cfg.Backend = cliContext.String("backend")
	}
	if isSet(cliContext, "nvidia-smi-command", "") {
		cfg.NvidiaSMICommand = cliContext.String("nvidia-smi-command")
	}
	if isSet(cliContext, "getent-command", "") {
		cfg.GetentCommand = cliContext.String("getent-command")
	}
	if isSet(cliContext, "owner-source", "") {
		cfg.OwnerSource = cliContext.String("owner-source")
	}
	if isSet(cliContext, "proc-root", "") {
		cfg.ProcRoot = cliContext.String("proc-root")
	}
	if cliContext.Bool("pprof") {
		cfg.Pprof = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// isSet is true when the flag was passed on the command line or its
// environment variable is non-empty.
func isSet(cliContext *cli.Context, name string, envVar string) bool {
	if cliContext.IsSet(name) {
		return true
	}
	if envVar == "" {
		return false
	}
	v, ok := os.LookupEnv(envVar)
	return ok && v != ""
}

func seconds(n int) metav1.Duration {
	return metav1.Duration{Duration: time.Duration(n) * time.Second}
}
