package sampler

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jszwec/csvutil"

	"github.com/leptonai/gpu-user-exporter/pkg/process"
)

var (
	queryGPUArgs = []string{
		"--query-gpu=gpu_uuid,index,memory.used,memory.total,utilization.gpu",
		"--format=csv,noheader,nounits",
	}
	queryComputeAppsArgs = []string{
		"--query-compute-apps=gpu_uuid,pid,used_memory",
		"--format=csv,noheader,nounits",
	}
)

// nvidia-smi prints the queried columns in the order requested,
// so the header is fixed rather than read from the output
var (
	gpuColumns         = []string{"gpu_uuid", "index", "memory.used", "memory.total", "utilization.gpu"}
	computeAppsColumns = []string{"gpu_uuid", "pid", "used_memory"}
)

// all columns decode as text, since nvidia-smi may print "[N/A]" or
// "[Not Supported]" in any numeric column
type gpuRecord struct {
	UUID        string `csv:"gpu_uuid"`
	Index       string `csv:"index"`
	MemoryUsed  string `csv:"memory.used"`
	MemoryTotal string `csv:"memory.total"`
	Utilization string `csv:"utilization.gpu"`
}

type computeAppRecord struct {
	UUID       string `csv:"gpu_uuid"`
	PID        string `csv:"pid"`
	UsedMemory string `csv:"used_memory"`
}

var _ Sampler = &nvidiaSMISampler{}

type nvidiaSMISampler struct {
	command string
	runner  process.CommandRunner
	timeNow func() time.Time
	deduper *deduper
}

func newNvidiaSMISampler(op *Op) *nvidiaSMISampler {
	return &nvidiaSMISampler{
		command: op.nvidiaSMICommand,
		runner:  op.runner,
		timeNow: op.timeNow,
		deduper: newDeduper(op.dedupTTL, op.dedupTTL+5*time.Minute),
	}
}

func (s *nvidiaSMISampler) Name() string { return "nvidia-smi" }

func (s *nvidiaSMISampler) Close() error { return nil }

func (s *nvidiaSMISampler) Sample(ctx context.Context) (*Sample, error) {
	gpuOut, err := s.runner(ctx, s.command, queryGPUArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to query gpus: %w", err)
	}
	appsOut, err := s.runner(ctx, s.command, queryComputeAppsArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to query compute apps: %w", err)
	}

	b := newBuilder(s.timeNow(), s.deduper)

	if err := decodeRecords(gpuOut, gpuColumns, func(rec gpuRecord) {
		dev, err := rec.toDevice()
		if err != nil {
			b.drop(DropReasonParse, "failed to parse gpu record", "record", rec.UUID, "error", err)
			return
		}
		b.addDevice(dev)
	}, func(err error) {
		b.drop(DropReasonParse, "malformed gpu record", "error", err)
	}); err != nil {
		return nil, err
	}

	if err := decodeRecords(appsOut, computeAppsColumns, func(rec computeAppRecord) {
		p, err := rec.toProcessSample()
		if err != nil {
			b.drop(DropReasonParse, "failed to parse compute app record", "record", rec.UUID+"/"+rec.PID, "error", err)
			return
		}
		b.addProcess(p)
	}, func(err error) {
		b.drop(DropReasonParse, "malformed compute app record", "error", err)
	}); err != nil {
		return nil, err
	}

	return b.build(), nil
}

// decodeRecords decodes every csv line of out into T.
// A line that fails to decode is reported to onBad and skipped.
func decodeRecords[T any](out []byte, columns []string, onRecord func(T), onBad func(error)) error {
	r := csv.NewReader(bytes.NewReader(out))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	dec, err := csvutil.NewDecoder(r, columns...)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("failed to create csv decoder: %w", err)
	}

	// every Decode consumes at least one line, bound the loop by the line count
	maxRecords := bytes.Count(out, []byte("\n")) + 1
	for i := 0; i < maxRecords; i++ {
		var rec T
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			onBad(err)
			continue
		}
		onRecord(rec)
	}
	return nil
}

func (rec gpuRecord) toDevice() (Device, error) {
	uuid := strings.TrimSpace(rec.UUID)
	if uuid == "" {
		return Device{}, errors.New("empty gpu uuid")
	}
	idx, err := parseUint("index", rec.Index)
	if err != nil {
		return Device{}, err
	}
	used, err := parseUint("memory.used", rec.MemoryUsed)
	if err != nil {
		return Device{}, err
	}
	total, err := parseUint("memory.total", rec.MemoryTotal)
	if err != nil {
		return Device{}, err
	}
	util, err := parsePercent("utilization.gpu", rec.Utilization)
	if err != nil {
		return Device{}, err
	}
	return Device{
		Index:              int(idx),
		UUID:               uuid,
		MemoryUsedMiB:      used,
		MemoryTotalMiB:     total,
		UtilizationPercent: util,
	}, nil
}

func (rec computeAppRecord) toProcessSample() (ProcessSample, error) {
	uuid := strings.TrimSpace(rec.UUID)
	if uuid == "" {
		return ProcessSample{}, errors.New("empty gpu uuid")
	}
	pid, err := parseUint("pid", rec.PID)
	if err != nil {
		return ProcessSample{}, err
	}
	if pid == 0 {
		return ProcessSample{}, errors.New("pid must be positive")
	}
	used, err := parseUint("used_memory", rec.UsedMemory)
	if err != nil {
		return ProcessSample{}, err
	}
	return ProcessSample{
		DeviceUUID:    uuid,
		PID:           int(pid),
		MemoryUsedMiB: used,
	}, nil
}

func parseUint(field string, s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	return v, nil
}

func parsePercent(field string, s string) (uint32, error) {
	v, err := parseUint(field, s)
	if err != nil {
		return 0, err
	}
	if v > 100 {
		return 0, fmt.Errorf("invalid %s %d: out of range [0, 100]", field, v)
	}
	return uint32(v), nil
}
