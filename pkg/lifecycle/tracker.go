// Package lifecycle decides when a per-user series is published,
// held at zero, or removed.
package lifecycle

import (
	"sort"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/leptonai/gpu-user-exporter/pkg/attribution"
	"github.com/leptonai/gpu-user-exporter/pkg/log"
	"github.com/leptonai/gpu-user-exporter/pkg/sink"
)

// State is the lifecycle state of one (device, user) series.
type State string

const (
	// StateAbsent means the series is not tracked nor exposed.
	StateAbsent State = "absent"
	// StateActive means the user had processes on the device in the last cycle.
	StateActive State = "active"
	// StateGrace means the user went idle less than the grace period ago.
	// The series is exposed with zero values.
	StateGrace State = "grace"
	// StateExpired means the grace period elapsed and the series is due for
	// removal. The entry is dropped once the removal succeeds, so the state
	// is only observed while a failed removal waits for its retry.
	StateExpired State = "expired"
)

// Audit stages.
const (
	StageCreated = "created"
	StageExpired = "expired"
	StageEvicted = "evicted"
)

type entry struct {
	state    State
	lastSeen time.Time
}

// Series is a snapshot of one tracked series.
type Series struct {
	attribution.Key
	State    State     `json:"state"`
	LastSeen time.Time `json:"last_seen"`
}

// Report summarizes one reconciliation.
type Report struct {
	Created int `json:"created"`
	Active  int `json:"active"`
	Grace   int `json:"grace"`
	Expired int `json:"expired"`
	// Failed counts the series whose sink update failed.
	// Those are retried on the next reconciliation.
	Failed int `json:"failed"`
}

// Tracker owns the per-user series state and is the only writer of the
// per-user series to the sink. It is not safe for concurrent use; the
// poller calls it from a single goroutine.
type Tracker struct {
	grace   time.Duration
	entries map[attribution.Key]*entry
	audit   log.AuditLogger
}

type Op struct {
	auditLogger log.AuditLogger
}

type OpOption func(*Op)

func (op *Op) applyOpts(opts []OpOption) {
	for _, opt := range opts {
		opt(op)
	}

	if op.auditLogger == nil {
		op.auditLogger = log.NewNopAuditLogger()
	}
}

// Specifies the audit logger for series lifecycle events.
func WithAuditLogger(l log.AuditLogger) OpOption {
	return func(op *Op) {
		op.auditLogger = l
	}
}

// New creates a tracker. A zero grace period removes a series on its
// first absence.
func New(grace time.Duration, opts ...OpOption) *Tracker {
	op := &Op{}
	op.applyOpts(opts)

	return &Tracker{
		grace:   grace,
		entries: make(map[attribution.Key]*entry),
		audit:   op.auditLogger,
	}
}

// Reconcile applies one successful cycle's attribution result.
//
// Every key in the result is published with its values first. Only then
// are the tracked keys missing from the result zeroed or removed, so a key
// is never both zeroed and given a fresh value in the same cycle.
func (t *Tracker) Reconcile(now time.Time, res attribution.Result, s sink.Sink) Report {
	rep := Report{}

	current := sets.New[attribution.Key]()
	for _, k := range res.Keys() {
		current.Insert(k)
		u, _ := res.Get(k)

		e, ok := t.entries[k]
		if !ok {
			e = &entry{}
			t.entries[k] = e
			rep.Created++
			t.audit.Log(log.WithStage(StageCreated), log.WithSeries(k.DeviceIndex, k.User))
		}
		e.state = StateActive
		e.lastSeen = now
		rep.Active++

		if !t.publish(s, k, float64(u.MemoryUsedMiB), u.UtilizationSharePercent) {
			rep.Failed++
		}
	}

	for _, k := range t.sortedKeys() {
		if current.Has(k) {
			continue
		}
		e := t.entries[k]

		if now.Sub(e.lastSeen) < t.grace {
			e.state = StateGrace
			rep.Grace++
			if !t.publish(s, k, 0, 0) {
				rep.Failed++
			}
			continue
		}

		e.state = StateExpired
		if !t.remove(s, k) {
			// stays tracked as expired so the removal is retried next cycle
			rep.Failed++
			continue
		}
		delete(t.entries, k)
		rep.Expired++
		t.audit.Log(log.WithStage(StageExpired), log.WithSeries(k.DeviceIndex, k.User), log.WithLastSeen(e.lastSeen))
	}

	return rep
}

// EvictDevice removes every series of the device index, regardless of
// state. Used when the index now refers to a different physical device.
// Returns the number of removed series.
func (t *Tracker) EvictDevice(deviceIndex int, s sink.Sink) int {
	evicted := 0
	for _, k := range t.sortedKeys() {
		if k.DeviceIndex != deviceIndex {
			continue
		}
		if !t.remove(s, k) {
			continue
		}
		e := t.entries[k]
		delete(t.entries, k)
		evicted++
		t.audit.Log(log.WithStage(StageEvicted), log.WithSeries(k.DeviceIndex, k.User), log.WithLastSeen(e.lastSeen))
	}
	return evicted
}

// State returns the state of the key.
func (t *Tracker) State(k attribution.Key) State {
	e, ok := t.entries[k]
	if !ok {
		return StateAbsent
	}
	return e.state
}

// States returns a snapshot of all tracked series, sorted by key.
func (t *Tracker) States() []Series {
	keys := t.sortedKeys()
	ss := make([]Series, 0, len(keys))
	for _, k := range keys {
		e := t.entries[k]
		ss = append(ss, Series{Key: k, State: e.state, LastSeen: e.lastSeen})
	}
	return ss
}

// Count returns the number of tracked series in the state.
func (t *Tracker) Count(state State) int {
	n := 0
	for _, e := range t.entries {
		if e.state == state {
			n++
		}
	}
	return n
}

func (t *Tracker) publish(s sink.Sink, k attribution.Key, memory float64, share float64) bool {
	labels := sink.UserLabels(k.DeviceIndex, k.User)
	ok := true
	if err := s.SetGauge(sink.SeriesUserMemory, labels, memory); err != nil {
		log.Logger.Warnw("failed to set gauge", "series", sink.SeriesUserMemory, "labels", labels, "error", err)
		ok = false
	}
	if err := s.SetGauge(sink.SeriesUserUtilization, labels, share); err != nil {
		log.Logger.Warnw("failed to set gauge", "series", sink.SeriesUserUtilization, "labels", labels, "error", err)
		ok = false
	}
	return ok
}

func (t *Tracker) remove(s sink.Sink, k attribution.Key) bool {
	labels := sink.UserLabels(k.DeviceIndex, k.User)
	ok := true
	if err := s.RemoveGauge(sink.SeriesUserMemory, labels); err != nil {
		log.Logger.Warnw("failed to remove gauge", "series", sink.SeriesUserMemory, "labels", labels, "error", err)
		ok = false
	}
	if err := s.RemoveGauge(sink.SeriesUserUtilization, labels); err != nil {
		log.Logger.Warnw("failed to remove gauge", "series", sink.SeriesUserUtilization, "labels", labels, "error", err)
		ok = false
	}
	return ok
}

func (t *Tracker) sortedKeys() []attribution.Key {
	keys := make([]attribution.Key, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].DeviceIndex != keys[j].DeviceIndex {
			return keys[i].DeviceIndex < keys[j].DeviceIndex
		}
		return keys[i].User < keys[j].User
	})
	return keys
}
