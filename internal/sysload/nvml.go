//go:build !nonvml

package sysload

import "github.com/NVIDIA/go-nvml/pkg/nvml"

// VRAMFreeGB sums free memory across NVML devices. NVML init runs once; if
// no NVIDIA driver is present the probe reports "no GPU information" and
// admission falls back to the configured default model.
func (p *HostProbe) VRAMFreeGB() (float64, bool) {
	p.nvmlOnce.Do(func() {
		p.nvmlOK = nvml.Init() == nvml.SUCCESS
	})
	if !p.nvmlOK {
		return 0, false
	}
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return 0, false
	}
	var freeBytes uint64
	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue
		}
		memInfo, ret := device.GetMemoryInfo()
		if ret != nvml.SUCCESS {
			continue
		}
		freeBytes += memInfo.Free
	}
	return float64(freeBytes) / (1024 * 1024 * 1024), true
}
