// Package sysload samples host utilization for tuning decisions and coarse
// admission checks. CPU and memory come from procfs; GPU memory comes from
// NVML when built without the nonvml tag.
package sysload

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Sample is a point-in-time utilization snapshot. Taken fresh per tuning
// decision; nothing here is cached across calls.
type Sample struct {
	CPUPercent float64
	MemPercent float64
}

// Probe supplies current system utilization and coarse memory headroom.
type Probe interface {
	Sample() (Sample, error)
	// TotalRAMGB returns total physical memory, 0 if unknown.
	TotalRAMGB() float64
	// VRAMFreeGB returns free GPU memory across devices and whether GPU
	// information is available at all.
	VRAMFreeGB() (float64, bool)
}

// HostProbe reads /proc/stat and /proc/meminfo. CPU utilization is computed
// from the delta against the previous call, so the first Sample after
// construction reports the interval since NewHostProbe.
type HostProbe struct {
	mu       sync.Mutex
	prevBusy uint64
	prevTot  uint64
	lastCPU  float64

	procStat    string
	procMeminfo string

	nvmlOnce sync.Once
	nvmlOK   bool
}

func NewHostProbe() *HostProbe {
	p := &HostProbe{procStat: "/proc/stat", procMeminfo: "/proc/meminfo"}
	// Prime the counters so the first real Sample has a baseline.
	if busy, tot, err := p.readCPU(); err == nil {
		p.prevBusy, p.prevTot = busy, tot
	}
	return p
}

func (p *HostProbe) Sample() (Sample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s Sample
	busy, tot, err := p.readCPU()
	if err != nil {
		return s, err
	}
	if tot > p.prevTot {
		s.CPUPercent = 100 * float64(busy-p.prevBusy) / float64(tot-p.prevTot)
		p.lastCPU = s.CPUPercent
	} else {
		s.CPUPercent = p.lastCPU
	}
	p.prevBusy, p.prevTot = busy, tot

	totalKB, availKB, err := p.readMem()
	if err != nil {
		return s, err
	}
	if totalKB > 0 {
		s.MemPercent = 100 * float64(totalKB-availKB) / float64(totalKB)
	}
	return s, nil
}

func (p *HostProbe) TotalRAMGB() float64 {
	totalKB, _, err := p.readMem()
	if err != nil {
		return 0
	}
	return float64(totalKB) / (1024 * 1024)
}

// readCPU parses the aggregate cpu line of /proc/stat and returns busy and
// total jiffies. Idle and iowait count as not busy.
func (p *HostProbe) readCPU() (busy, total uint64, err error) {
	b, err := os.ReadFile(p.procStat)
	if err != nil {
		return 0, 0, err
	}
	line, _, _ := strings.Cut(string(b), "\n")
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0, fmt.Errorf("unexpected /proc/stat format")
	}
	for i, f := range fields[1:] {
		v, perr := strconv.ParseUint(f, 10, 64)
		if perr != nil {
			return 0, 0, fmt.Errorf("parse /proc/stat field %d: %w", i+1, perr)
		}
		total += v
		// fields: user nice system idle iowait irq softirq steal ...
		if i != 3 && i != 4 {
			busy += v
		}
	}
	return busy, total, nil
}

func (p *HostProbe) readMem() (totalKB, availKB uint64, err error) {
	b, err := os.ReadFile(p.procMeminfo)
	if err != nil {
		return 0, 0, err
	}
	for _, line := range strings.Split(string(b), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB, _ = strconv.ParseUint(fields[1], 10, 64)
		case "MemAvailable:":
			availKB, _ = strconv.ParseUint(fields[1], 10, 64)
		}
	}
	if totalKB == 0 {
		return 0, 0, fmt.Errorf("MemTotal missing from %s", p.procMeminfo)
	}
	return totalKB, availKB, nil
}
