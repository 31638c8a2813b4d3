package metrics

import "github.com/shirou/gopsutil/v3/mem"

const bytesPerGB = 1 << 30

// UsedMemoryGB returns the system memory in use, in GiB.
func UsedMemoryGB() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return float64(vm.Used) / bytesPerGB, nil
}
