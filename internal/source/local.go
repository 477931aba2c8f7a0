package source

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/fleetwatch/internal/view"
)

const bytesPerMB = 1024 * 1024

// LocalMetrics reports metrics for processes on this host whose executable
// name matches a requested container name. Several processes with the same
// name are summed. It serves single-host deployments without an agent.
type LocalMetrics struct {
	logger *slog.Logger
}

func NewLocalMetrics(logger *slog.Logger) *LocalMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalMetrics{logger: logger}
}

func (l *LocalMetrics) Fetch(ctx context.Context, req Request) (view.MetricsSet, error) {
	out := view.MetricsSet{}
	if len(req.Containers) == 0 {
		return out, nil
	}
	wanted := make(map[string]struct{}, len(req.Containers))
	for _, c := range req.Containers {
		wanted[c] = struct{}{}
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("virtual memory: %w", err)
	}
	totalMB := float64(vm.Total) / bytesPerMB

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if _, ok := wanted[name]; !ok {
			continue
		}
		m, err := l.sample(ctx, p, name)
		if err != nil {
			l.logger.Debug("Failed to collect metrics for process", "name", name, "pid", p.Pid, "error", err)
			continue
		}
		acc := out[name]
		acc.ContainerName = name
		acc.CPUPercent += m.CPUPercent
		acc.MemoryUsageMB += m.MemoryUsageMB
		acc.MemoryPercent += m.MemoryPercent
		acc.BlockReadMB += m.BlockReadMB
		acc.BlockWriteMB += m.BlockWriteMB
		acc.MemoryLimitMB = totalMB
		out[name] = acc
	}
	return out, nil
}

func (l *LocalMetrics) sample(ctx context.Context, p *process.Process, name string) (view.ContainerMetrics, error) {
	memInfo, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return view.ContainerMetrics{}, fmt.Errorf("memory info: %w", err)
	}
	m := view.ContainerMetrics{
		ContainerName: name,
		MemoryUsageMB: float64(memInfo.RSS) / bytesPerMB,
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		m.CPUPercent = cpu
	}
	if pct, err := p.MemoryPercentWithContext(ctx); err == nil {
		m.MemoryPercent = float64(pct)
	}
	// IO counters need elevated privileges on some platforms.
	if io, err := p.IOCountersWithContext(ctx); err == nil {
		m.BlockReadMB = float64(io.ReadBytes) / bytesPerMB
		m.BlockWriteMB = float64(io.WriteBytes) / bytesPerMB
	}
	return m, nil
}
