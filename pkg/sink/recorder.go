package sink

import (
	"sort"
	"strings"
	"sync"
)

var _ Sink = &Recorder{}

// Call is one recorded sink operation.
type Call struct {
	Op     string
	Name   string
	Labels Labels
	Value  float64
}

const (
	OpSet    = "set"
	OpRemove = "remove"
)

// Recorder is an in-memory Sink that keeps the current series values
// and the history of calls.
type Recorder struct {
	mu     sync.Mutex
	series map[string]float64
	calls  []Call
}

func NewRecorder() *Recorder {
	return &Recorder{series: make(map[string]float64)}
}

func (r *Recorder) SetGauge(name string, labels Labels, value float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.series[SeriesKey(name, labels)] = value
	r.calls = append(r.calls, Call{Op: OpSet, Name: name, Labels: labels, Value: value})
	return nil
}

func (r *Recorder) RemoveGauge(name string, labels Labels) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.series, SeriesKey(name, labels))
	r.calls = append(r.calls, Call{Op: OpRemove, Name: name, Labels: labels})
	return nil
}

// Value returns the current value of the series.
func (r *Recorder) Value(name string, labels Labels) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.series[SeriesKey(name, labels)]
	return v, ok
}

// Series returns the keys of all current series, sorted.
func (r *Recorder) Series() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.series))
	for k := range r.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Calls returns the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Call(nil), r.calls...)
}

// Count returns how many times op was called for the series.
func (r *Recorder) Count(op string, name string, labels Labels) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := SeriesKey(name, labels)
	n := 0
	for _, c := range r.calls {
		if c.Op == op && SeriesKey(c.Name, c.Labels) == key {
			n++
		}
	}
	return n
}

// Reset clears the recorded calls, keeping the series.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = nil
}

// SeriesKey formats the series in the exposition style,
// e.g., gpu_user_memory_usage{gpu_index="0",user="alice"}.
func SeriesKey(name string, labels Labels) string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	sb := strings.Builder{}
	sb.WriteString(name)
	sb.WriteString("{")
	for i, k := range names {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(k)
		sb.WriteString(`="`)
		sb.WriteString(labels[k])
		sb.WriteString(`"`)
	}
	sb.WriteString("}")
	return sb.String()
}
