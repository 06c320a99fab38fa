// Package poller runs the poll cycles: sample the devices, resolve the
// process owners, attribute usage to users, and publish the series.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/leptonai/gpu-user-exporter/pkg/attribution"
	"github.com/leptonai/gpu-user-exporter/pkg/config"
	"github.com/leptonai/gpu-user-exporter/pkg/identity"
	"github.com/leptonai/gpu-user-exporter/pkg/lifecycle"
	"github.com/leptonai/gpu-user-exporter/pkg/log"
	"github.com/leptonai/gpu-user-exporter/pkg/sampler"
	"github.com/leptonai/gpu-user-exporter/pkg/sink"
)

// Resolver resolves the owner table and the owners of processes.
type Resolver interface {
	ResolveOwners(ctx context.Context) (identity.Owners, error)
	attribution.OwnerResolver
}

// Poller runs one poll cycle at a time and owns the series state.
type Poller struct {
	ctx    context.Context
	cancel context.CancelFunc

	clock        clock.Clock
	interval     time.Duration
	cycleTimeout time.Duration

	sampler  sampler.Sampler
	resolver Resolver
	sink     sink.Sink
	tracker  *lifecycle.Tracker
	metrics  *metrics

	// serializes cycles, and guards devices and tracker
	cycleMu sync.Mutex
	// last published device at each index
	devices map[int]sampler.Device
	// last device uuid seen at each index, kept after the device is gone
	indexUUIDs map[int]string

	startOnce sync.Once
	done      chan struct{}

	closeOnce sync.Once
	closeErr  error

	lastMu       sync.RWMutex
	lastSnapshot *Snapshot
	lastErr      error
	lastErrTime  time.Time
}

// New creates a poller. The sampler is closed by Close.
func New(ctx context.Context, cfg *config.Config, smp sampler.Sampler, res Resolver, snk sink.Sink, opts ...OpOption) (*Poller, error) {
	op := &Op{}
	op.applyOpts(opts)

	m := newMetrics()
	if op.registerer != nil {
		if err := m.register(op.registerer); err != nil {
			return nil, fmt.Errorf("failed to register poller metrics: %w", err)
		}
	}

	cctx, ccancel := context.WithCancel(ctx)
	return &Poller{
		ctx:          cctx,
		cancel:       ccancel,
		clock:        op.clock,
		interval:     cfg.Interval.Duration,
		cycleTimeout: cfg.CycleTimeout.Duration,
		sampler:      smp,
		resolver:     res,
		sink:         snk,
		tracker:      lifecycle.New(cfg.GracePeriod.Duration, lifecycle.WithAuditLogger(op.auditLogger)),
		metrics:      m,
		devices:      make(map[int]sampler.Device),
		indexUUIDs:   make(map[int]string),
		done:         make(chan struct{}),
	}, nil
}

// Start runs the first cycle immediately, then waits the interval after
// each completed cycle. A failed cycle is logged and the loop continues.
func (p *Poller) Start() {
	p.startOnce.Do(func() {
		go func() {
			defer close(p.done)

			for {
				if _, err := p.Cycle(p.ctx); err != nil {
					log.Logger.Errorw("poll cycle failed", "error", err)
				}

				select {
				case <-p.ctx.Done():
					return
				case <-p.clock.After(p.interval):
				}
			}
		}()
	})
}

// Close stops the loop, waits for the in-flight cycle, and closes the sampler.
// Calls after the first return the first result.
func (p *Poller) Close() error {
	p.closeOnce.Do(func() {
		log.Logger.Debugw("closing poller")

		p.cancel()

		started := true
		p.startOnce.Do(func() {
			started = false
		})
		if started {
			<-p.done
		}

		p.closeErr = p.sampler.Close()
	})
	return p.closeErr
}

// Stop closes the poller on shutdown, logging a sampler close failure.
func (p *Poller) Stop() {
	if err := p.Close(); err != nil {
		log.Logger.Warnw("failed to close sampler", "error", err)
	}
}

// Cycle runs one poll cycle.
//
// A failed cycle returns the error and publishes nothing, so the previously
// published series stay unchanged until the next successful cycle.
func (p *Poller) Cycle(ctx context.Context) (*Snapshot, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	start := p.clock.Now()
	snap, err := p.cycle(ctx)
	p.metrics.cycleDuration.Observe(p.clock.Since(start).Seconds())

	if err != nil {
		p.metrics.cycles.WithLabelValues(resultFailure).Inc()

		p.lastMu.Lock()
		p.lastErr = err
		p.lastErrTime = start
		p.lastMu.Unlock()
		return nil, err
	}

	p.metrics.cycles.WithLabelValues(resultSuccess).Inc()
	p.metrics.lastSuccess.Set(float64(snap.Time.Unix()))

	p.lastMu.Lock()
	p.lastSnapshot = snap
	p.lastErr = nil
	p.lastMu.Unlock()
	return snap, nil
}

func (p *Poller) cycle(ctx context.Context) (*Snapshot, error) {
	if p.cycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cycleTimeout)
		defer cancel()
	}

	smp, err := p.sampler.Sample(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sample devices: %w", err)
	}
	for reason, n := range smp.Dropped {
		p.metrics.dropped.WithLabelValues(reason).Add(float64(n))
	}

	owners, err := p.resolver.ResolveOwners(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve owners: %w", err)
	}

	res, procs := attribution.AttributeProcesses(smp.Devices, smp.Processes, owners, p.resolver)

	now := p.clock.Now()
	evicted := p.publishDevices(smp.Devices)
	rep := p.tracker.Reconcile(now, res, p.sink)

	p.metrics.trackedSeries.WithLabelValues(string(lifecycle.StateActive)).Set(float64(p.tracker.Count(lifecycle.StateActive)))
	p.metrics.trackedSeries.WithLabelValues(string(lifecycle.StateGrace)).Set(float64(p.tracker.Count(lifecycle.StateGrace)))
	p.metrics.trackedSeries.WithLabelValues(string(lifecycle.StateExpired)).Set(float64(p.tracker.Count(lifecycle.StateExpired)))

	log.Logger.Debugw("poll cycle completed",
		"backend", p.sampler.Name(),
		"devices", len(smp.Devices),
		"processes", len(smp.Processes),
		"created", rep.Created,
		"active", rep.Active,
		"grace", rep.Grace,
		"expired", rep.Expired,
		"evicted", evicted,
	)

	return &Snapshot{
		Time:      now,
		Backend:   p.sampler.Name(),
		Devices:   smp.Devices,
		Users:     flattenUsage(res),
		Processes: procs,
		Series:    p.tracker.States(),
		Report:    rep,
		Evicted:   evicted,
		Dropped:   smp.Dropped,
	}, nil
}

// publishDevices sets the per-device series and removes the series of
// devices that are gone. When an index now refers to a different device
// than the last one seen there, even after a gap, the per-user series of
// the old device are evicted so they do not merge into the new one.
// Returns the number of evicted per-user series.
func (p *Poller) publishDevices(devices []sampler.Device) int {
	evicted := 0

	seen := sets.New[int]()
	for _, d := range devices {
		seen.Insert(d.Index)

		// compared against the last uuid ever seen at the index, since
		// the old device may have been missing for a few cycles in between
		if prevUUID, ok := p.indexUUIDs[d.Index]; ok && prevUUID != d.UUID {
			log.Logger.Warnw("device index now refers to a different device",
				"index", d.Index,
				"previous", prevUUID,
				"current", d.UUID,
			)
			if prev, ok := p.devices[d.Index]; ok {
				p.removeDevice(prev)
			}
			evicted += p.tracker.EvictDevice(d.Index, p.sink)
		}
		p.indexUUIDs[d.Index] = d.UUID

		labels := sink.DeviceLabels(d.Index, d.UUID)
		if err := p.sink.SetGauge(sink.SeriesDeviceMemory, labels, float64(d.MemoryUsedMiB)); err != nil {
			log.Logger.Warnw("failed to set gauge", "series", sink.SeriesDeviceMemory, "labels", labels, "error", err)
		}
		if err := p.sink.SetGauge(sink.SeriesDeviceUtilization, labels, float64(d.UtilizationPercent)); err != nil {
			log.Logger.Warnw("failed to set gauge", "series", sink.SeriesDeviceUtilization, "labels", labels, "error", err)
		}
		p.devices[d.Index] = d
	}

	for idx, prev := range p.devices {
		if seen.Has(idx) {
			continue
		}
		log.Logger.Infow("device no longer reported", "index", idx, "uuid", prev.UUID)
		p.removeDevice(prev)
		delete(p.devices, idx)
	}

	return evicted
}

func (p *Poller) removeDevice(d sampler.Device) {
	labels := sink.DeviceLabels(d.Index, d.UUID)
	for _, name := range []string{sink.SeriesDeviceMemory, sink.SeriesDeviceUtilization} {
		if err := p.sink.RemoveGauge(name, labels); err != nil {
			log.Logger.Warnw("failed to remove gauge", "series", name, "labels", labels, "error", err)
		}
	}
}

// Last returns the snapshot of the last successful cycle, or nil.
func (p *Poller) Last() *Snapshot {
	p.lastMu.RLock()
	defer p.lastMu.RUnlock()
	return p.lastSnapshot
}

// LastError returns the error of the last cycle if it failed.
func (p *Poller) LastError() (time.Time, error) {
	p.lastMu.RLock()
	defer p.lastMu.RUnlock()
	return p.lastErrTime, p.lastErr
}

func flattenUsage(res attribution.Result) []UserUsage {
	users := make([]UserUsage, 0)
	for _, k := range res.Keys() {
		u, _ := res.Get(k)
		users = append(users, UserUsage{Key: k, Usage: u})
	}
	return users
}
