//go:build !linux

package identity

import "errors"

// ResolveProcessOwner is not supported on non-linux platforms.
func (r *Resolver) ResolveProcessOwner(pid int) (uint32, error) {
	return 0, errors.New("process owner lookup is only supported on linux")
}
