package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/leptonai/gpu-user-exporter/pkg/attribution"
	"github.com/leptonai/gpu-user-exporter/pkg/config"
	"github.com/leptonai/gpu-user-exporter/pkg/identity"
	"github.com/leptonai/gpu-user-exporter/pkg/lifecycle"
	"github.com/leptonai/gpu-user-exporter/pkg/sampler"
	"github.com/leptonai/gpu-user-exporter/pkg/sink"
)

type fakeSampler struct {
	mu      sync.Mutex
	samples []*sampler.Sample
	errs    []error
	calls   int
	closed  bool
	closes  int
}

func (f *fakeSampler) Name() string { return "fake" }

func (f *fakeSampler) Sample(ctx context.Context) (*sampler.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.calls
	f.calls++
	if i >= len(f.samples) {
		i = len(f.samples) - 1
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.samples[i], nil
}

func (f *fakeSampler) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closes++
	return nil
}

func (f *fakeSampler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeResolver struct {
	owners    identity.Owners
	uids      map[int]uint32
	ownersErr error
}

func (f *fakeResolver) ResolveOwners(ctx context.Context) (identity.Owners, error) {
	if f.ownersErr != nil {
		return nil, f.ownersErr
	}
	return f.owners, nil
}

func (f *fakeResolver) ResolveProcessOwner(pid int) (uint32, error) {
	uid, ok := f.uids[pid]
	if !ok {
		return 0, fmt.Errorf("%w: pid %d", identity.ErrProcessNotFound, pid)
	}
	return uid, nil
}

var (
	t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	resolver = &fakeResolver{
		owners: identity.Owners{1000: "alice", 1001: "bob", 1002: "carol"},
		uids:   map[int]uint32{1: 1000, 2: 1001, 3: 1002},
	}

	gpu0 = sampler.Device{Index: 0, UUID: "GPU-aaaa", MemoryUsedMiB: 4000, MemoryTotalMiB: 8000, UtilizationPercent: 40}
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Interval = metav1.Duration{Duration: 10 * time.Second}
	cfg.GracePeriod = metav1.Duration{Duration: 30 * time.Second}
	return cfg
}

func newTestPoller(t *testing.T, smp *fakeSampler, res Resolver) (*Poller, *sink.Recorder, *testingclock.FakeClock, *prometheus.Registry) {
	t.Helper()

	rec := sink.NewRecorder()
	fc := testingclock.NewFakeClock(t0)
	reg := prometheus.NewRegistry()

	p, err := New(context.Background(), testConfig(), smp, res, rec, WithClock(fc), WithRegisterer(reg))
	require.NoError(t, err)
	return p, rec, fc, reg
}

func TestCycle(t *testing.T) {
	smp := &fakeSampler{samples: []*sampler.Sample{{
		Devices: []sampler.Device{gpu0},
		Processes: []sampler.ProcessSample{
			{DeviceUUID: "GPU-aaaa", PID: 1, MemoryUsedMiB: 2000},
			{DeviceUUID: "GPU-aaaa", PID: 2, MemoryUsedMiB: 2000},
		},
		Dropped: map[string]int{sampler.DropReasonOrphan: 2},
	}}}
	p, rec, _, reg := newTestPoller(t, smp, resolver)

	snap, err := p.Cycle(context.Background())
	require.NoError(t, err)
	assert.Same(t, snap, p.Last())

	assert.Equal(t, "fake", snap.Backend)
	assert.Equal(t, t0, snap.Time)
	require.Len(t, snap.Users, 2)
	assert.Equal(t, "alice", snap.Users[0].User)
	assert.Equal(t, 20.0, snap.Users[0].UtilizationSharePercent)
	assert.Len(t, snap.Processes, 2)
	assert.Equal(t, lifecycle.Report{Created: 2, Active: 2}, snap.Report)

	v, ok := rec.Value(sink.SeriesDeviceMemory, sink.DeviceLabels(0, "GPU-aaaa"))
	require.True(t, ok)
	assert.Equal(t, 4000.0, v)
	v, _ = rec.Value(sink.SeriesDeviceUtilization, sink.DeviceLabels(0, "GPU-aaaa"))
	assert.Equal(t, 40.0, v)
	v, _ = rec.Value(sink.SeriesUserUtilization, sink.UserLabels(0, "bob"))
	assert.Equal(t, 20.0, v)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.cycles.WithLabelValues(resultSuccess)))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.metrics.dropped.WithLabelValues(sampler.DropReasonOrphan)))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.metrics.trackedSeries.WithLabelValues("active")))
	assert.Equal(t, float64(t0.Unix()), testutil.ToFloat64(p.metrics.lastSuccess))

	expected := `
# HELP gpu_user_exporter_cycles_total total number of poll cycles by result
# TYPE gpu_user_exporter_cycles_total counter
gpu_user_exporter_cycles_total{result="success"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "gpu_user_exporter_cycles_total"))

	out := snap.String()
	assert.Contains(t, out, "GPU-aaaa")
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "20.00 %")
}

func TestCycleFailureLeavesSeriesUnchanged(t *testing.T) {
	sample := &sampler.Sample{
		Devices:   []sampler.Device{gpu0},
		Processes: []sampler.ProcessSample{{DeviceUUID: "GPU-aaaa", PID: 1, MemoryUsedMiB: 2000}},
	}
	smp := &fakeSampler{
		samples: []*sampler.Sample{sample, sample, sample},
		errs:    []error{nil, errors.New("nvidia-smi: command not found")},
	}
	p, rec, fc, _ := newTestPoller(t, smp, resolver)

	_, err := p.Cycle(context.Background())
	require.NoError(t, err)
	before := rec.Series()
	rec.Reset()

	fc.Step(time.Minute)
	_, err = p.Cycle(context.Background())
	require.Error(t, err)
	assert.Empty(t, rec.Calls())
	assert.Equal(t, before, rec.Series())

	ts, lastErr := p.LastError()
	assert.Error(t, lastErr)
	assert.Equal(t, t0.Add(time.Minute), ts)
	assert.Equal(t, t0, p.Last().Time)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.cycles.WithLabelValues(resultFailure)))

	// the failed cycle did not count as an absence
	_, err = p.Cycle(context.Background())
	require.NoError(t, err)
	_, lastErr = p.LastError()
	assert.NoError(t, lastErr)
	v, _ := rec.Value(sink.SeriesUserMemory, sink.UserLabels(0, "alice"))
	assert.Equal(t, 2000.0, v)
}

func TestCycleOwnersFailure(t *testing.T) {
	smp := &fakeSampler{samples: []*sampler.Sample{{Devices: []sampler.Device{gpu0}}}}
	p, rec, _, _ := newTestPoller(t, smp, &fakeResolver{ownersErr: errors.New("getent: not found")})

	_, err := p.Cycle(context.Background())
	assert.ErrorContains(t, err, "owners")
	assert.Empty(t, rec.Calls())
	assert.Nil(t, p.Last())
}

func TestCycleGracePeriod(t *testing.T) {
	active := &sampler.Sample{
		Devices:   []sampler.Device{gpu0},
		Processes: []sampler.ProcessSample{{DeviceUUID: "GPU-aaaa", PID: 3, MemoryUsedMiB: 500}},
	}
	idle := &sampler.Sample{Devices: []sampler.Device{gpu0}}
	smp := &fakeSampler{samples: []*sampler.Sample{active, idle, idle, idle}}
	p, rec, fc, _ := newTestPoller(t, smp, resolver)
	carol := sink.UserLabels(0, "carol")

	_, err := p.Cycle(context.Background())
	require.NoError(t, err)
	v, _ := rec.Value(sink.SeriesUserMemory, carol)
	assert.Equal(t, 500.0, v)

	for i := 0; i < 2; i++ {
		fc.Step(10 * time.Second)
		snap, err := p.Cycle(context.Background())
		require.NoError(t, err)
		assert.Equal(t, lifecycle.Report{Grace: 1}, snap.Report)
		v, ok := rec.Value(sink.SeriesUserMemory, carol)
		require.True(t, ok)
		assert.Zero(t, v)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.trackedSeries.WithLabelValues("grace")))

	fc.Step(10 * time.Second)
	snap, err := p.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Report{Expired: 1}, snap.Report)
	_, ok := rec.Value(sink.SeriesUserMemory, carol)
	assert.False(t, ok)
	assert.Empty(t, snap.Series)
	assert.Zero(t, testutil.ToFloat64(p.metrics.trackedSeries.WithLabelValues("grace")))
}

func TestCycleDeviceChanges(t *testing.T) {
	swapped := gpu0
	swapped.UUID = "GPU-ffff"

	smp := &fakeSampler{samples: []*sampler.Sample{
		{
			Devices:   []sampler.Device{gpu0},
			Processes: []sampler.ProcessSample{{DeviceUUID: "GPU-aaaa", PID: 1, MemoryUsedMiB: 500}},
		},
		// index 0 now refers to another physical device
		{Devices: []sampler.Device{swapped}},
		// device gone
		{},
	}}
	p, rec, fc, _ := newTestPoller(t, smp, resolver)

	_, err := p.Cycle(context.Background())
	require.NoError(t, err)

	fc.Step(10 * time.Second)
	snap, err := p.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Evicted)
	assert.Equal(t, lifecycle.Report{}, snap.Report)
	assert.Equal(t, []string{
		`gpu_memory_usage{gpu_index="0",gpu_uuid="GPU-ffff"}`,
		`gpu_utilization{gpu_index="0",gpu_uuid="GPU-ffff"}`,
	}, rec.Series())

	fc.Step(10 * time.Second)
	_, err = p.Cycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rec.Series())
}

func TestCycleIndexReusedAfterGap(t *testing.T) {
	replacement := sampler.Device{Index: 0, UUID: "GPU-ffff", MemoryUsedMiB: 1000, MemoryTotalMiB: 8000, UtilizationPercent: 10}

	smp := &fakeSampler{samples: []*sampler.Sample{
		{
			Devices:   []sampler.Device{gpu0},
			Processes: []sampler.ProcessSample{{DeviceUUID: "GPU-aaaa", PID: 1, MemoryUsedMiB: 500}},
		},
		// no device reported, alice is held in grace
		{},
		// a different physical device takes index 0 within the grace period
		{
			Devices:   []sampler.Device{replacement},
			Processes: []sampler.ProcessSample{{DeviceUUID: "GPU-ffff", PID: 2, MemoryUsedMiB: 1000}},
		},
	}}
	p, rec, fc, _ := newTestPoller(t, smp, resolver)

	_, err := p.Cycle(context.Background())
	require.NoError(t, err)

	fc.Step(10 * time.Second)
	snap, err := p.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Report.Grace)
	v, ok := rec.Value(sink.SeriesUserMemory, sink.UserLabels(0, "alice"))
	require.True(t, ok)
	assert.Zero(t, v)

	fc.Step(10 * time.Second)
	snap, err = p.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Evicted)

	_, ok = rec.Value(sink.SeriesUserMemory, sink.UserLabels(0, "alice"))
	assert.False(t, ok)
	_, ok = rec.Value(sink.SeriesUserUtilization, sink.UserLabels(0, "alice"))
	assert.False(t, ok)

	v, ok = rec.Value(sink.SeriesUserMemory, sink.UserLabels(0, "bob"))
	require.True(t, ok)
	assert.Equal(t, 1000.0, v)
	assert.Equal(t, lifecycle.StateAbsent, p.tracker.State(attribution.Key{DeviceIndex: 0, User: "alice"}))
}

func TestStartAndClose(t *testing.T) {
	smp := &fakeSampler{samples: []*sampler.Sample{{Devices: []sampler.Device{gpu0}}}}
	p, _, fc, _ := newTestPoller(t, smp, resolver)

	p.Start()
	// calling twice does not start a second loop
	p.Start()

	assert.Eventually(t, func() bool { return smp.callCount() == 1 && fc.HasWaiters() }, 5*time.Second, 10*time.Millisecond)

	// the next cycle waits for the interval
	fc.Step(5 * time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, smp.callCount())

	fc.Step(5 * time.Second)
	assert.Eventually(t, func() bool { return smp.callCount() == 2 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, p.Close())
	assert.True(t, smp.closed)
}

func TestCloseWithoutStart(t *testing.T) {
	smp := &fakeSampler{samples: []*sampler.Sample{{}}}
	p, _, _, _ := newTestPoller(t, smp, resolver)

	require.NoError(t, p.Close())
	assert.True(t, smp.closed)
}

func TestStopAfterClose(t *testing.T) {
	smp := &fakeSampler{samples: []*sampler.Sample{{Devices: []sampler.Device{gpu0}}}}
	p, _, fc, _ := newTestPoller(t, smp, resolver)

	p.Start()
	assert.Eventually(t, func() bool { return smp.callCount() == 1 && fc.HasWaiters() }, 5*time.Second, 10*time.Millisecond)

	// a signal stops the poller, then the deferred close runs again
	p.Stop()
	require.NoError(t, p.Close())
	p.Stop()

	assert.Equal(t, 1, smp.closes)
	assert.Equal(t, 1, smp.callCount())
}

func TestCycleTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.CycleTimeout = metav1.Duration{Duration: 50 * time.Millisecond}

	smp := &blockingSampler{}
	p, err := New(context.Background(), cfg, smp, resolver, sink.NewRecorder())
	require.NoError(t, err)

	_, err = p.Cycle(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type blockingSampler struct{}

func (b *blockingSampler) Name() string { return "blocking" }

func (b *blockingSampler) Sample(ctx context.Context) (*sampler.Sample, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingSampler) Close() error { return nil }

func TestNewRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(context.Background(), testConfig(), &fakeSampler{}, resolver, sink.NewRecorder(), WithRegisterer(reg))
	require.NoError(t, err)
	_, err = New(context.Background(), testConfig(), &fakeSampler{}, resolver, sink.NewRecorder(), WithRegisterer(reg))
	assert.Error(t, err)
}
