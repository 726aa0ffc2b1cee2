package accel

import (
	"fmt"
	"sync"

	"github.com/klauspost/cpuid"
	"github.com/pbnjay/memory"

	"emfit/internal/models"
)

// DefaultMemoryFraction is the share of physical memory all devices together
// may hold in buffers when no explicit budget is configured
const DefaultMemoryFraction = 0.5

// Device is an explicit handle to one compute device. Every accelerator is
// bound to exactly one device; concurrent fits use one device each.
type Device struct {
	// ID is the device index
	ID int

	// Name describes the hardware behind the device
	Name string

	// Cores is the number of worker threads the device may use
	Cores int

	// Budget is the number of bytes buffers on this device may hold
	Budget int64

	mu   sync.Mutex
	used int64
}

// NewDevice creates a device with the given buffer budget in bytes. A
// non-positive budget takes DefaultMemoryFraction of physical memory.
func NewDevice(id int, budget int64) *Device {
	if budget <= 0 {
		budget = int64(float64(memory.TotalMemory()) * DefaultMemoryFraction)
	}
	cores := cpuid.CPU.LogicalCores
	if cores < 1 {
		cores = 1
	}
	name := cpuid.CPU.BrandName
	if name == "" {
		name = "cpu"
	}
	return &Device{
		ID:     id,
		Name:   name,
		Cores:  cores,
		Budget: budget,
	}
}

// DetectDevices returns n devices that share physical memory equally.
// budget, if positive, is the total across all devices.
func DetectDevices(n int, budget int64) []*Device {
	if n < 1 {
		n = 1
	}
	if budget <= 0 {
		budget = int64(float64(memory.TotalMemory()) * DefaultMemoryFraction)
	}
	devices := make([]*Device, n)
	for i := range devices {
		devices[i] = NewDevice(i, budget/int64(n))
		devices[i].Cores = max(1, devices[i].Cores/n)
	}
	return devices
}

func (d *Device) String() string {
	return fmt.Sprintf("device %d (%s, %d cores, %d MiB budget)", d.ID, d.Name, d.Cores, d.Budget>>20)
}

// Used returns the number of bytes currently held by buffers on the device
func (d *Device) Used() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

func (d *Device) allocate(bytes int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.used+bytes > d.Budget {
		return fmt.Errorf("allocating %d bytes on device %d with %d of %d in use: %w",
			bytes, d.ID, d.used, d.Budget, models.ErrOutOfDeviceMemory)
	}
	d.used += bytes
	return nil
}

func (d *Device) free(bytes int64) {
	d.mu.Lock()
	d.used -= bytes
	d.mu.Unlock()
}
