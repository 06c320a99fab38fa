package process

import (
	"context"
	"errors"
	"strings"

	procs "github.com/shirou/gopsutil/v4/process"

	"github.com/leptonai/gpu-user-exporter/pkg/log"
)

// Named is the read-only view of a process used to look up its name.
// Derived from "github.com/shirou/gopsutil/v4/process.Process" struct.
type Named interface {
	NameWithContext(ctx context.Context) (string, error)
}

// FindNames returns the command name of each pid that is still running.
// Exited processes are omitted from the result.
func FindNames(ctx context.Context, pids []int) map[int]string {
	return findNames(ctx, pids, func(ctx context.Context, pid int32) (Named, error) {
		return procs.NewProcessWithContext(ctx, pid)
	})
}

func findNames(ctx context.Context, pids []int, newProcess func(ctx context.Context, pid int32) (Named, error)) map[int]string {
	names := make(map[int]string, len(pids))
	for _, pid := range pids {
		p, err := newProcess(ctx, int32(pid))
		if err != nil {
			if !isNotFound(err) {
				log.Logger.Warnw("failed to find process", "pid", pid, "error", err)
			}
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			if !isNotFound(err) {
				log.Logger.Warnw("failed to get process name", "pid", pid, "error", err)
			}
			continue
		}
		names[pid] = name
	}
	return names
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, procs.ErrorProcessNotRunning) {
		return true
	}

	ee := strings.ToLower(err.Error())

	// e.g., Not Found
	if strings.Contains(ee, "not found") {
		return true
	}

	// e.g., "open /proc/2342816/status: no such file or directory"
	return strings.Contains(ee, "no such file")
}
