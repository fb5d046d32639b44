package resource

import "github.com/shirou/gopsutil/mem"

// HostMemory is a point-in-time sample of local memory.
type HostMemory struct {
	TotalMB     int
	AvailableMB int
	UsedPercent float64
}

// SampleHostMemory reads host memory utilisation from the OS.
func SampleHostMemory() (HostMemory, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return HostMemory{}, err
	}
	return HostMemory{
		TotalMB:     int(v.Total / (1024 * 1024)),
		AvailableMB: int(v.Available / (1024 * 1024)),
		UsedPercent: v.UsedPercent,
	}, nil
}
