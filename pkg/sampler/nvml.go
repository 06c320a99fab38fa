package sampler

import (
	"context"
	"fmt"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// nvmlLib is the subset of the NVML library the sampler calls.
type nvmlLib interface {
	Init() nvml.Return
	Shutdown() nvml.Return
	DeviceGetCount() (int, nvml.Return)
	DeviceGetHandleByIndex(index int) (nvmlDevice, nvml.Return)
	ErrorString(ret nvml.Return) string
}

// nvmlDevice is the subset of nvml.Device the sampler calls.
type nvmlDevice interface {
	GetUUID() (string, nvml.Return)
	GetIndex() (int, nvml.Return)
	GetMemoryInfo() (nvml.Memory, nvml.Return)
	GetUtilizationRates() (nvml.Utilization, nvml.Return)
	GetComputeRunningProcesses() ([]nvml.ProcessInfo, nvml.Return)
}

type realNvmlLib struct{}

func newRealNvmlLib() nvmlLib {
	return &realNvmlLib{}
}

func (r *realNvmlLib) Init() nvml.Return { return nvml.Init() }

func (r *realNvmlLib) Shutdown() nvml.Return { return nvml.Shutdown() }

func (r *realNvmlLib) DeviceGetCount() (int, nvml.Return) { return nvml.DeviceGetCount() }

func (r *realNvmlLib) DeviceGetHandleByIndex(index int) (nvmlDevice, nvml.Return) {
	handle, ret := nvml.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS {
		return nil, ret
	}
	return handle, ret
}

func (r *realNvmlLib) ErrorString(ret nvml.Return) string { return nvml.ErrorString(ret) }

const bytesPerMiB = 1024 * 1024

// reported as used memory when the driver cannot account the process,
// e.g. inside a container without the host pid namespace
const memoryNotAvailable = ^uint64(0)

var _ Sampler = &nvmlSampler{}

type nvmlSampler struct {
	lib     nvmlLib
	timeNow func() time.Time
	deduper *deduper
}

func newNVMLSampler(op *Op) (*nvmlSampler, error) {
	if ret := op.nvmlLib.Init(); ret != nvml.SUCCESS {
		return nil, fmt.Errorf("failed to initialize nvml: %s", op.nvmlLib.ErrorString(ret))
	}
	return &nvmlSampler{
		lib:     op.nvmlLib,
		timeNow: op.timeNow,
		deduper: newDeduper(op.dedupTTL, op.dedupTTL+5*time.Minute),
	}, nil
}

func (s *nvmlSampler) Name() string { return "nvml" }

func (s *nvmlSampler) Close() error {
	if ret := s.lib.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("failed to shutdown nvml: %s", s.lib.ErrorString(ret))
	}
	return nil
}

func (s *nvmlSampler) Sample(ctx context.Context) (*Sample, error) {
	count, ret := s.lib.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("failed to get device count: %s", s.lib.ErrorString(ret))
	}

	b := newBuilder(s.timeNow(), s.deduper)

	handles := make(map[string]nvmlDevice, count)
	uuids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		h, ret := s.lib.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			b.drop(DropReasonUnsupported, "failed to get device handle", "index", i, "error", s.lib.ErrorString(ret))
			continue
		}
		dev, err := s.queryDevice(i, h)
		if err != nil {
			b.drop(DropReasonUnsupported, "failed to query device", "index", i, "error", err)
			continue
		}

		before := len(b.sample.Devices)
		b.addDevice(dev)
		if len(b.sample.Devices) > before {
			handles[dev.UUID] = h
			uuids = append(uuids, dev.UUID)
		}
	}

	for _, uuid := range uuids {
		procs, ret := handles[uuid].GetComputeRunningProcesses()
		if ret != nvml.SUCCESS {
			b.drop(DropReasonUnsupported, "failed to get compute running processes", "uuid", uuid, "error", s.lib.ErrorString(ret))
			continue
		}
		for _, p := range procs {
			if p.Pid == 0 || p.UsedGpuMemory == memoryNotAvailable {
				b.drop(DropReasonParse, "process memory not available", "uuid", uuid, "pid", p.Pid)
				continue
			}
			b.addProcess(ProcessSample{
				DeviceUUID:    uuid,
				PID:           int(p.Pid),
				MemoryUsedMiB: p.UsedGpuMemory / bytesPerMiB,
			})
		}
	}

	return b.build(), nil
}

func (s *nvmlSampler) queryDevice(i int, h nvmlDevice) (Device, error) {
	uuid, ret := h.GetUUID()
	if ret != nvml.SUCCESS {
		return Device{}, fmt.Errorf("failed to get uuid: %s", s.lib.ErrorString(ret))
	}

	// the handle index matches the enumeration index unless
	// CUDA_VISIBLE_DEVICES style remapping is in effect
	idx, ret := h.GetIndex()
	if ret != nvml.SUCCESS {
		idx = i
	}

	mem, ret := h.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return Device{}, fmt.Errorf("failed to get memory info: %s", s.lib.ErrorString(ret))
	}

	util, ret := h.GetUtilizationRates()
	if ret != nvml.SUCCESS {
		return Device{}, fmt.Errorf("failed to get utilization rates: %s", s.lib.ErrorString(ret))
	}
	if util.Gpu > 100 {
		return Device{}, fmt.Errorf("utilization %d out of range [0, 100]", util.Gpu)
	}

	return Device{
		Index:              idx,
		UUID:               uuid,
		MemoryUsedMiB:      mem.Used / bytesPerMiB,
		MemoryTotalMiB:     mem.Total / bytesPerMiB,
		UtilizationPercent: util.Gpu,
	}, nil
}
