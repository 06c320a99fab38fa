package sampler

import (
	"time"

	nvinfo "github.com/NVIDIA/go-nvlib/pkg/nvlib/info"

	"github.com/leptonai/gpu-user-exporter/pkg/process"
)

type Op struct {
	nvidiaSMICommand string
	runner           process.CommandRunner

	nvmlLib  nvmlLib
	hasNVML  func() (bool, string)
	timeNow  func() time.Time
	dedupTTL time.Duration
}

type OpOption func(*Op)

func (op *Op) applyOpts(opts []OpOption) {
	for _, opt := range opts {
		opt(op)
	}

	if op.nvidiaSMICommand == "" {
		op.nvidiaSMICommand = "nvidia-smi"
	}
	if op.runner == nil {
		op.runner = process.RunCommand
	}
	if op.nvmlLib == nil {
		op.nvmlLib = newRealNvmlLib()
	}
	if op.hasNVML == nil {
		op.hasNVML = func() (bool, string) {
			return nvinfo.New().HasNvml()
		}
	}
	if op.timeNow == nil {
		op.timeNow = func() time.Time {
			return time.Now().UTC()
		}
	}
	if op.dedupTTL == 0 {
		op.dedupTTL = defaultDedupTTL
	}
}

// Specifies the nvidia-smi binary path.
func WithNvidiaSMICommand(cmd string) OpOption {
	return func(op *Op) {
		op.nvidiaSMICommand = cmd
	}
}

// Specifies the command runner, mainly for testing.
func WithCommandRunner(r process.CommandRunner) OpOption {
	return func(op *Op) {
		op.runner = r
	}
}

func withNVMLLib(lib nvmlLib) OpOption {
	return func(op *Op) {
		op.nvmlLib = lib
	}
}

func withHasNVML(f func() (bool, string)) OpOption {
	return func(op *Op) {
		op.hasNVML = f
	}
}

func withTimeNow(f func() time.Time) OpOption {
	return func(op *Op) {
		op.timeNow = f
	}
}
