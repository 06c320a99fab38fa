//go:build linux

package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"

	"github.com/leptonai/gpu-user-exporter/pkg/config"
)

// ResolveProcessOwner returns the owner id of the process.
//
// With the "loginuid" source, the audit login uid is used so that processes
// started through sudo or setuid helpers are charged to the user who logged in.
// Processes with no login session (e.g., started by systemd or a container
// runtime) have an unset login uid and fall back to the real uid.
//
// Returns ErrProcessNotFound if the process has exited.
func (r *Resolver) ResolveProcessOwner(pid int) (uint32, error) {
	if r.source == config.OwnerSourceLogin {
		uid, err := r.readLoginUID(pid)
		if err != nil {
			return 0, err
		}
		if uid != unsetLoginUID {
			return uid, nil
		}
	}
	return r.readRealUID(pid)
}

func (r *Resolver) readLoginUID(pid int) (uint32, error) {
	b, err := os.ReadFile(filepath.Join(r.procRoot, strconv.Itoa(pid), "loginuid"))
	if err != nil {
		if isNotExist(err) {
			return 0, fmt.Errorf("%w: pid %d", ErrProcessNotFound, pid)
		}
		return 0, fmt.Errorf("failed to read loginuid of pid %d: %w", pid, err)
	}
	uid, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("failed to parse loginuid of pid %d: %w", pid, err)
	}
	return uint32(uid), nil
}

func (r *Resolver) readRealUID(pid int) (uint32, error) {
	fs, err := procfs.NewFS(r.procRoot)
	if err != nil {
		return 0, fmt.Errorf("failed to open procfs %q: %w", r.procRoot, err)
	}
	proc, err := fs.Proc(pid)
	if err != nil {
		if isNotExist(err) {
			return 0, fmt.Errorf("%w: pid %d", ErrProcessNotFound, pid)
		}
		return 0, err
	}
	status, err := proc.NewStatus()
	if err != nil {
		if isNotExist(err) {
			return 0, fmt.Errorf("%w: pid %d", ErrProcessNotFound, pid)
		}
		return 0, fmt.Errorf("failed to read status of pid %d: %w", pid, err)
	}
	return uint32(status.UIDs[0]), nil
}
