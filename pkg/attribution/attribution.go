// Package attribution splits each device's memory and utilization
// across the users running compute processes on it.
package attribution

import (
	"sort"

	"github.com/leptonai/gpu-user-exporter/pkg/identity"
	"github.com/leptonai/gpu-user-exporter/pkg/sampler"
)

// Key identifies one per-user series.
type Key struct {
	DeviceIndex int    `json:"device_index"`
	User        string `json:"user"`
}

// Usage is the usage attributed to one user on one device in one cycle.
type Usage struct {
	MemoryUsedMiB uint64 `json:"memory_used_mib"`
	// UtilizationSharePercent is the device utilization weighted by the
	// user's share of the memory held by compute processes on the device.
	// It is an estimate, not a measured value.
	UtilizationSharePercent float64 `json:"utilization_share_percent"`
}

// Result maps a device index to the usage of each user on that device.
type Result map[int]map[string]Usage

// Keys returns all (device, user) keys, sorted by device index then user.
func (r Result) Keys() []Key {
	keys := make([]Key, 0)
	for idx, users := range r {
		for user := range users {
			keys = append(keys, Key{DeviceIndex: idx, User: user})
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].DeviceIndex != keys[j].DeviceIndex {
			return keys[i].DeviceIndex < keys[j].DeviceIndex
		}
		return keys[i].User < keys[j].User
	})
	return keys
}

// Get returns the usage for the key.
func (r Result) Get(k Key) (Usage, bool) {
	users, ok := r[k.DeviceIndex]
	if !ok {
		return Usage{}, false
	}
	u, ok := users[k.User]
	return u, ok
}

// TotalShare returns the sum of the utilization shares on the device.
func (r Result) TotalShare(deviceIndex int) float64 {
	total := 0.0
	for _, u := range r[deviceIndex] {
		total += u.UtilizationSharePercent
	}
	return total
}

// OwnerResolver resolves the owner id of a running process.
type OwnerResolver interface {
	ResolveProcessOwner(pid int) (uint32, error)
}

// ProcessOwner is one sampled process with its resolved user label.
type ProcessOwner struct {
	DeviceIndex   int    `json:"device_index"`
	DeviceUUID    string `json:"device_uuid"`
	PID           int    `json:"pid"`
	User          string `json:"user"`
	MemoryUsedMiB uint64 `json:"memory_used_mib"`
}

// Attribute computes the per-user usage of each device.
func Attribute(devices []sampler.Device, processes []sampler.ProcessSample, owners identity.Owners, resolver OwnerResolver) Result {
	res, _ := AttributeProcesses(devices, processes, owners, resolver)
	return res
}

// AttributeProcesses is Attribute that also returns the resolved owner of
// every attributed process.
//
// A process on a device not in devices is skipped. A pid seen on more than
// one device is resolved once.
func AttributeProcesses(devices []sampler.Device, processes []sampler.ProcessSample, owners identity.Owners, resolver OwnerResolver) (Result, []ProcessOwner) {
	byUUID := make(map[string]sampler.Device, len(devices))
	for _, d := range devices {
		byUUID[d.UUID] = d
	}

	users := make(map[int]string)
	resolve := func(pid int) string {
		if name, ok := users[pid]; ok {
			return name
		}
		uid, err := resolver.ResolveProcessOwner(pid)
		name := identity.DisplayName(owners, uid, err)
		users[pid] = name
		return name
	}

	memory := make(map[int]map[string]uint64)
	procs := make([]ProcessOwner, 0, len(processes))
	for _, p := range processes {
		dev, ok := byUUID[p.DeviceUUID]
		if !ok {
			continue
		}

		user := resolve(p.PID)
		if _, ok := memory[dev.Index]; !ok {
			memory[dev.Index] = make(map[string]uint64)
		}
		memory[dev.Index][user] += p.MemoryUsedMiB

		procs = append(procs, ProcessOwner{
			DeviceIndex:   dev.Index,
			DeviceUUID:    dev.UUID,
			PID:           p.PID,
			User:          user,
			MemoryUsedMiB: p.MemoryUsedMiB,
		})
	}

	res := make(Result, len(memory))
	for _, dev := range devices {
		perUser, ok := memory[dev.Index]
		if !ok {
			continue
		}

		var total uint64
		for _, m := range perUser {
			total += m
		}

		res[dev.Index] = make(map[string]Usage, len(perUser))
		for user, m := range perUser {
			res[dev.Index][user] = Usage{
				MemoryUsedMiB:           m,
				UtilizationSharePercent: share(dev, m, total),
			}
		}
	}
	return res, procs
}

func share(dev sampler.Device, userMemory uint64, totalMemory uint64) float64 {
	if totalMemory == 0 || dev.MemoryTotalMiB == 0 || userMemory == 0 {
		return 0
	}
	return float64(dev.UtilizationPercent) * float64(userMemory) / float64(totalMemory)
}
