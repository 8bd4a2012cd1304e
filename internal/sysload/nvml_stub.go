//go:build nonvml

package sysload

// VRAMFreeGB reports no GPU information when built without NVML.
func (p *HostProbe) VRAMFreeGB() (float64, bool) { return 0, false }
