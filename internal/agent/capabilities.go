package agent

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Capabilities probes the host and returns the capability map reported at
// registration. Probe failures fall back to what the Go runtime knows.
func Capabilities() map[string]any {
	caps := map[string]any{
		"cpu_count": runtime.NumCPU(),
		"os":        runtime.GOOS,
		"arch":      runtime.GOARCH,
	}

	if count, err := cpu.Counts(true); err == nil {
		caps["cpu_count"] = count
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		caps["memory_gb"] = float64(vm.Total) / (1 << 30)
	}
	return caps
}
