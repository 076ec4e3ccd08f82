package staging

import (
	"runtime"

	"github.com/shirou/gopsutil/v4/mem"
)

// Worker sizing: roughly 300 MiB of headroom per worker, never fewer than
// 3 nor more than 8.
const (
	minWorkers     = 3
	maxWorkers     = 8
	defaultWorkers = 4
	bytesPerWorker = 300 * 1024 * 1024
)

// AutoWorkers picks a worker count from available memory and CPU count.
func AutoWorkers() int {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return defaultWorkers
	}

	n := int(vm.Available / bytesPerWorker)
	if cpus := runtime.NumCPU(); cpus < n {
		n = cpus
	}
	if n > maxWorkers {
		n = maxWorkers
	}
	if n < minWorkers {
		n = minWorkers
	}
	return n
}
