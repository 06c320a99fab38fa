package config

import (
	"fmt"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const DefaultPort = 8000

var (
	DefaultInterval = metav1.Duration{Duration: 10 * time.Second}

	// keeps an idle user's series at zero for 30 seconds before removal
	DefaultGracePeriod = metav1.Duration{Duration: 30 * time.Second}
)

func DefaultConfig() *Config {
	return &Config{
		Address:          fmt.Sprintf("0.0.0.0:%d", DefaultPort),
		Interval:         DefaultInterval,
		GracePeriod:      DefaultGracePeriod,
		Backend:          BackendNvidiaSMI,
		NvidiaSMICommand: "nvidia-smi",
		GetentCommand:    "getent",
		OwnerSource:      OwnerSourceLogin,
		ProcRoot:         "/proc",
	}
}
