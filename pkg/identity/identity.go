// Package identity maps GPU processes to the names of their owning users.
package identity

import (
	"errors"
	"os"
	"strings"
	"syscall"
)

const (
	// SentinelUnknown labels an owner id with no entry in the owner table,
	// or a pid whose owner could not be read for a reason other than exit.
	SentinelUnknown = "[unknown]"
	// SentinelNotFound labels a process that exited between sampling and lookup.
	SentinelNotFound = "[not-found]"

	// the kernel reports an unset audit login uid as (uid_t)-1
	unsetLoginUID = 4294967295
)

// ErrProcessNotFound is returned when the process no longer exists.
var ErrProcessNotFound = errors.New("process not found")

// Owners maps a numeric owner id to its account name.
type Owners map[uint32]string

// Name returns the account name of the uid, or SentinelUnknown.
func (o Owners) Name(uid uint32) string {
	if name, ok := o[uid]; ok {
		return name
	}
	return SentinelUnknown
}

// DisplayName returns the user label for the result of a process owner lookup.
func DisplayName(owners Owners, uid uint32, err error) string {
	switch {
	case err == nil:
		return owners.Name(uid)
	case errors.Is(err, ErrProcessNotFound):
		return SentinelNotFound
	default:
		return SentinelUnknown
	}
}

// IsSentinel returns true if the user label is one of the sentinel names.
func IsSentinel(user string) bool {
	return user == SentinelUnknown || user == SentinelNotFound
}

func isNotExist(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ESRCH) {
		return true
	}

	// e.g., "open /proc/123/status: no such file or directory"
	ee := strings.ToLower(err.Error())
	return strings.Contains(ee, "no such file") || strings.Contains(ee, "no such process")
}
