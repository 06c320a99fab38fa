// Package sampler queries the local GPUs once per poll cycle and returns
// the per-device usage and the per-process memory consumption.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leptonai/gpu-user-exporter/pkg/config"
	"github.com/leptonai/gpu-user-exporter/pkg/log"
)

// Drop reasons for records discarded within a cycle.
const (
	DropReasonParse       = "parse"
	DropReasonDuplicate   = "duplicate"
	DropReasonOrphan      = "orphan"
	DropReasonUnsupported = "unsupported"
)

var ErrUnknownBackend = errors.New("unknown sampler backend")

// Device is one GPU as seen in a single cycle.
type Device struct {
	// Index is the driver-assigned device index.
	Index int `json:"index"`
	// UUID is the stable unique id of the physical device.
	UUID string `json:"uuid"`

	MemoryUsedMiB  uint64 `json:"memory_used_mib"`
	MemoryTotalMiB uint64 `json:"memory_total_mib"`

	// UtilizationPercent is the percent of time a kernel was executing, in [0, 100].
	UtilizationPercent uint32 `json:"utilization_percent"`
}

// ProcessSample is one compute process running on a device.
// The pid is only meaningful within the cycle it was sampled in.
type ProcessSample struct {
	DeviceUUID    string `json:"device_uuid"`
	PID           int    `json:"pid"`
	MemoryUsedMiB uint64 `json:"memory_used_mib"`
}

// Sample is the output of one successful sampling pass.
type Sample struct {
	Time      time.Time       `json:"time"`
	Devices   []Device        `json:"devices"`
	Processes []ProcessSample `json:"processes"`

	// Dropped counts the records discarded in this pass, keyed by reason.
	Dropped map[string]int `json:"dropped,omitempty"`
}

// Sampler queries the devices and their compute processes.
type Sampler interface {
	// Name returns the backend name.
	Name() string
	// Sample runs one query pass.
	// A returned error means no device could be sampled this cycle.
	Sample(ctx context.Context) (*Sample, error)
	// Close releases the backend resources.
	Close() error
}

// New creates the sampler for the given backend.
func New(backend string, opts ...OpOption) (Sampler, error) {
	op := &Op{}
	op.applyOpts(opts)

	switch backend {
	case config.BackendNvidiaSMI:
		return newNvidiaSMISampler(op), nil

	case config.BackendNVML:
		return newNVMLSampler(op)

	case config.BackendAuto:
		if ok, reason := op.hasNVML(); !ok {
			log.Logger.Infow("nvml not found, using nvidia-smi", "reason", reason)
			return newNvidiaSMISampler(op), nil
		}
		s, err := newNVMLSampler(op)
		if err != nil {
			log.Logger.Warnw("failed to initialize nvml, using nvidia-smi", "error", err)
			return newNvidiaSMISampler(op), nil
		}
		return s, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// builder assembles a Sample, enforcing the per-record rules shared by
// all backends: devices are unique by uuid, and processes must reference
// a device sampled in the same pass.
type builder struct {
	sample  *Sample
	deduper *deduper
	seen    map[string]struct{}
}

func newBuilder(now time.Time, d *deduper) *builder {
	return &builder{
		sample: &Sample{
			Time:    now,
			Dropped: make(map[string]int),
		},
		deduper: d,
		seen:    make(map[string]struct{}),
	}
}

func (b *builder) addDevice(dev Device) {
	if _, ok := b.seen[dev.UUID]; ok {
		b.drop(DropReasonDuplicate, "duplicate device uuid", "uuid", dev.UUID, "index", dev.Index)
		return
	}
	b.seen[dev.UUID] = struct{}{}
	b.sample.Devices = append(b.sample.Devices, dev)
}

// addProcess must be called after all devices are added.
func (b *builder) addProcess(p ProcessSample) {
	if _, ok := b.seen[p.DeviceUUID]; !ok {
		b.drop(DropReasonOrphan, "process references a device not in the device list", "uuid", p.DeviceUUID, "pid", p.PID)
		return
	}
	b.sample.Processes = append(b.sample.Processes, p)
}

func (b *builder) drop(reason string, msg string, keysAndValues ...interface{}) {
	b.sample.Dropped[reason]++
	if b.deduper.first(reason, msg, keysAndValues...) {
		log.Logger.Warnw(msg, append([]interface{}{"reason", reason}, keysAndValues...)...)
	}
}

func (b *builder) build() *Sample {
	return b.sample
}
