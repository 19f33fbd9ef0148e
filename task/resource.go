package task

import (
	"fmt"
	"log/slog"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceThresholds gate admission of additional transfers on host
// headroom. A zero field disables that check.
type ResourceThresholds struct {
	MinIdleCPU  float64 // percent
	MinFreeMem  int64   // bytes
	MinFreeDisk int64   // bytes, checked against DiskPath
	DiskPath    string
}

// ResourceGate returns a probe suitable for Admission. The probe must stay
// cheap: it runs under the admission mutex, so the CPU sample is the
// non-blocking since-last-call variant. Probe failures are logged and
// treated as headroom, matching the advisory nature of the throttle.
func ResourceGate(th ResourceThresholds, logger *slog.Logger) func() error {
	return func() error {
		if th.MinIdleCPU > 0 {
			p, err := cpu.Percent(0, false)
			if err != nil {
				logger.Warn("could not get CPU usage", "error", err)
			} else if len(p) > 0 && 100.0-p[0] < th.MinIdleCPU {
				return fmt.Errorf("not enough idle CPU: usage %.2f%%, need %.2f%% idle", p[0], th.MinIdleCPU)
			}
		}

		if th.MinFreeMem > 0 {
			vm, err := mem.VirtualMemory()
			if err != nil {
				logger.Warn("could not get memory usage", "error", err)
			} else if vm.Available < uint64(th.MinFreeMem) {
				return fmt.Errorf("not enough free memory: available %d, need %d", vm.Available, th.MinFreeMem)
			}
		}

		if th.MinFreeDisk > 0 && th.DiskPath != "" {
			d, err := disk.Usage(th.DiskPath)
			if err != nil {
				logger.Warn("could not get disk usage", "path", th.DiskPath, "error", err)
			} else if d.Free < uint64(th.MinFreeDisk) {
				return fmt.Errorf("not enough free disk: available %d, need %d", d.Free, th.MinFreeDisk)
			}
		}
		return nil
	}
}
