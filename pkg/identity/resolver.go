package identity

import (
	"github.com/leptonai/gpu-user-exporter/pkg/config"
	"github.com/leptonai/gpu-user-exporter/pkg/process"
)

// Resolver resolves the owner table and the owner of a process.
type Resolver struct {
	getentCommand string
	runner        process.CommandRunner

	procRoot string
	source   string
}

type Op struct {
	getentCommand string
	runner        process.CommandRunner
	procRoot      string
	source        string
}

type OpOption func(*Op)

func (op *Op) applyOpts(opts []OpOption) {
	for _, opt := range opts {
		opt(op)
	}

	if op.getentCommand == "" {
		op.getentCommand = "getent"
	}
	if op.runner == nil {
		op.runner = process.RunCommand
	}
	if op.procRoot == "" {
		op.procRoot = "/proc"
	}
	if op.source == "" {
		op.source = config.OwnerSourceLogin
	}
}

func WithGetentCommand(cmd string) OpOption {
	return func(op *Op) {
		op.getentCommand = cmd
	}
}

func WithCommandRunner(r process.CommandRunner) OpOption {
	return func(op *Op) {
		op.runner = r
	}
}

// Specifies the procfs mount point, "/proc" by default.
func WithProcRoot(root string) OpOption {
	return func(op *Op) {
		op.procRoot = root
	}
}

// Specifies the owner source, either "loginuid" or "uid".
func WithOwnerSource(source string) OpOption {
	return func(op *Op) {
		op.source = source
	}
}

func New(opts ...OpOption) *Resolver {
	op := &Op{}
	op.applyOpts(opts)

	return &Resolver{
		getentCommand: op.getentCommand,
		runner:        op.runner,
		procRoot:      op.procRoot,
		source:        op.source,
	}
}
