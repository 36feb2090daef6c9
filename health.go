package querypilot

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// HealthDetails is one probe observation for an endpoint.
type HealthDetails struct {
	CPUUsage          float64       `json:"cpu_usage"`    // percent
	MemoryUsage       float64       `json:"memory_usage"` // percent
	DiskUsage         float64       `json:"disk_usage"`   // percent
	NetworkLatency    time.Duration `json:"network_latency"`
	ActiveConnections int           `json:"active_connections"`
	QueueLength       int           `json:"queue_length"`
	LastError         string        `json:"last_error,omitempty"`
}

// HealthProbe checks the health of an execution endpoint. Implementations
// are external collaborators; the router treats probe errors as an
// unhealthy observation, never as a fatal condition.
type HealthProbe interface {
	CheckHealth(ctx context.Context, endpointID string) (HealthDetails, error)
}

// HealthProbeFunc adapts a function to the HealthProbe interface.
type HealthProbeFunc func(ctx context.Context, endpointID string) (HealthDetails, error)

// CheckHealth implements HealthProbe.
func (f HealthProbeFunc) CheckHealth(ctx context.Context, endpointID string) (HealthDetails, error) {
	return f(ctx, endpointID)
}

// SystemHealthProbe probes the local host. It serves embedded deployments
// where the execution backend runs in-process with the engine.
type SystemHealthProbe struct {
	// DiskPath is the mount point sampled for disk usage.
	DiskPath string
}

// NewSystemHealthProbe creates a local host probe.
func NewSystemHealthProbe() *SystemHealthProbe {
	return &SystemHealthProbe{DiskPath: "/"}
}

// CheckHealth samples local CPU, memory, and disk utilization. The endpoint
// id is ignored; every endpoint maps to the local host.
func (p *SystemHealthProbe) CheckHealth(ctx context.Context, endpointID string) (HealthDetails, error) {
	details := HealthDetails{}

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return details, err
	}
	if len(percents) > 0 {
		details.CPUUsage = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return details, err
	}
	details.MemoryUsage = vm.UsedPercent

	du, err := disk.UsageWithContext(ctx, p.DiskPath)
	if err != nil {
		return details, err
	}
	details.DiskUsage = du.UsedPercent

	return details, nil
}

// SampleSystemLoad builds a SystemLoad snapshot from the local host, for
// callers that do not supply their own load figures in QueryContext.
func SampleSystemLoad(ctx context.Context) SystemLoad {
	probe := NewSystemHealthProbe()
	details, err := probe.CheckHealth(ctx, "local")
	if err != nil {
		return SystemLoad{}
	}
	return SystemLoad{
		CPU:    details.CPUUsage,
		Memory: details.MemoryUsage,
		Disk:   details.DiskUsage,
	}
}
