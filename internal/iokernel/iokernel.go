// Package iokernel models the host-scheduler contract: the read-only
// congestion feed the host dataplane publishes and the runtime-writable
// pressure-acknowledgment region, each normally backed by real host stats
// (via shirou/gopsutil) and swappable for a mock feed in tests exercising
// migration under CPU pressure.
package iokernel

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Status is the runtime's acknowledgment of a pressure request.
type Status int

const (
	StatusIdle Status = iota
	StatusInProgress
	StatusHandled
)

// CongestionInfo is the congestion feed published by the host scheduler:
// read-only to the runtime.
type CongestionInfo struct {
	Load         float64
	DelayUs      uint32
	FreeMemMBs   uint32
	IdleNumCores uint32
}

// ResourcePressureInfo is writable by the runtime to acknowledge (Status)
// and, in tests, to inject pressure directly (Mock).
type ResourcePressureInfo struct {
	ToReleaseMemMBs uint32
	CPUPressure     bool
	Status          Status
	Mock            bool
}

// Feed is the shared-memory-region stand-in: a poller that refreshes
// CongestionInfo from the host and lets the runtime read/write
// ResourcePressureInfo.
type Feed struct {
	mu         sync.Mutex
	congestion CongestionInfo
	pressure   ResourcePressureInfo

	cpuPressureThreshold float64
	lowMemThresholdMBs   uint32
}

// New creates a Feed with the given CPU-load and free-memory thresholds
// above/below which cpu_pressure / to_release_mem_mbs are asserted.
func New(cpuPressureThreshold float64, lowMemThresholdMBs uint32) *Feed {
	return &Feed{cpuPressureThreshold: cpuPressureThreshold, lowMemThresholdMBs: lowMemThresholdMBs}
}

// Poll refreshes CongestionInfo from the real host via gopsutil and derives
// ResourcePressureInfo from it, unless the feed is in mock mode, in which
// case Poll is a no-op: the test-injected values stand until MockSet
// replaces them or ClearMock ends mock mode.
func (f *Feed) Poll(ctx context.Context) error {
	f.mu.Lock()
	mocked := f.pressure.Mock
	f.mu.Unlock()
	if mocked {
		return nil
	}

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return err
	}
	load := 0.0
	if len(percents) > 0 {
		load = percents[0] / 100
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return err
	}
	freeMB := uint32(vm.Available / (1 << 20))

	f.mu.Lock()
	defer f.mu.Unlock()
	f.congestion = CongestionInfo{
		Load:         load,
		FreeMemMBs:   freeMB,
		IdleNumCores: 0,
	}
	f.pressure.CPUPressure = load >= f.cpuPressureThreshold
	if freeMB < f.lowMemThresholdMBs {
		f.pressure.ToReleaseMemMBs = f.lowMemThresholdMBs - freeMB
	} else {
		f.pressure.ToReleaseMemMBs = 0
	}
	return nil
}

// Congestion returns the last-polled congestion_info snapshot.
func (f *Feed) Congestion() CongestionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.congestion
}

// Pressure returns the current resource_pressure_info snapshot.
func (f *Feed) Pressure() ResourcePressureInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pressure
}

// Acknowledge sets the pressure region's status field, the runtime's
// write-side of the contract once PressureHandler finishes (or gives up on)
// a batch.
func (f *Feed) Acknowledge(status Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pressure.Status = status
}

// MockSet force-installs a pressure reading and switches the feed into mock
// mode, so Poll stops overwriting it with real host stats. Used by tests
// that exercise CPU-pressure-triggered migration.
func (f *Feed) MockSet(toReleaseMemMBs uint32, cpuPressure bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pressure.Mock = true
	f.pressure.ToReleaseMemMBs = toReleaseMemMBs
	f.pressure.CPUPressure = cpuPressure
}

// ClearMock returns the feed to polling real host stats.
func (f *Feed) ClearMock() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pressure.Mock = false
}

// PollLoop runs Poll on a fixed cadence until ctx is done, the same
// auxiliary-ranking-thread shape the pressure handler uses, applied here to
// the congestion feed itself.
func (f *Feed) PollLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = f.Poll(ctx)
		}
	}
}
