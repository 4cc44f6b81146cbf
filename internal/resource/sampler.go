package resource

import (
	"context"
	"errors"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Sampler reads host-level CPU and memory utilization.
type Sampler interface {
	// Sample returns CPU and memory usage as percentages in [0, 100].
	Sample(ctx context.Context) (cpuPercent, memPercent float64, err error)
}

// hostSampler reads utilization from the operating system via gopsutil.
type hostSampler struct{}

// NewHostSampler returns the OS-backed sampler used in production.
func NewHostSampler() Sampler {
	return hostSampler{}
}

func (hostSampler) Sample(ctx context.Context) (float64, float64, error) {
	// interval 0 measures utilization since the previous call, which is the
	// sampling loop's cadence.
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, err
	}
	if len(percents) == 0 {
		return 0, 0, errors.New("cpu sampling returned no data")
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}

	return percents[0], vm.UsedPercent, nil
}
