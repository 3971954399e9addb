// Package psutil provides the host usage stat graphs can expose next to their filters' stats
package psutil

import (
	"fmt"
	"os"
	"time"

	"github.com/Alcaro/krkrwine/pkg/filtergraph"
	"github.com/asticode/go-astikit"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
	"github.com/shirou/gopsutil/process"
)

type processStater interface {
	MemoryInfo() (*process.MemoryInfoStat, error)
	Times() (*cpu.TimesStat, error)
}

var (
	cpuPercent    = cpu.Percent
	newProcess    = func(pid int32) (processStater, error) { return process.NewProcess(pid) }
	virtualMemory = mem.VirtualMemory
)

// NewHostUsage returns a stat whose value is a filtergraph.DeltaStatHostUsageValue. The
// process CPU usage is only available from the second value onwards.
func NewHostUsage() (astikit.DeltaStat, error) {
	// Create process
	p, err := newProcess(int32(os.Getpid()))
	if err != nil {
		return astikit.DeltaStat{}, fmt.Errorf("psutil: creating process failed: %w", err)
	}

	// Create delta stat
	return astikit.DeltaStat{
		Metadata: astikit.DeltaStatMetadata{
			Description: "Host and process CPU and memory usage",
			Label:       "Host usage",
			Name:        filtergraph.DeltaStatNameHostUsage,
		},
		Valuer: &hostUsage{p: p},
	}, nil
}

var _ astikit.DeltaStatValuer = (*hostUsage)(nil)

type hostUsage struct {
	lastBusy *float64
	p        processStater
}

func (h *hostUsage) Value(delta time.Duration) interface{} {
	var v filtergraph.DeltaStatHostUsageValue

	// Process CPU is the time spent by the process since the previous value
	if t, err := h.p.Times(); err == nil {
		busy := t.User + t.System
		if h.lastBusy != nil && delta > 0 {
			v.CPU.Process = astikit.Float64Ptr((busy - *h.lastBusy) / delta.Seconds() * 100)
		}
		h.lastBusy = astikit.Float64Ptr(busy)
	}

	// Host CPU
	if ps, err := cpuPercent(0, true); err == nil {
		v.CPU.Individual = ps
	}
	if ps, err := cpuPercent(0, false); err == nil && len(ps) > 0 {
		v.CPU.Total = ps[0]
	}

	// Memory
	if i, err := h.p.MemoryInfo(); err == nil {
		v.Memory.Resident = i.RSS
		v.Memory.Virtual = i.VMS
	}
	if s, err := virtualMemory(); err == nil {
		v.Memory.Total = s.Total
		v.Memory.Used = s.Used
	}
	return v
}
