package accel

import (
	"fmt"
	"sync"

	"emfit/internal/models"
)

// Access says whether a view only reads a buffer or also modifies it
type Access int

const (
	ReadOnly Access = iota
	ReadWrite
)

// Buffer is an array mirrored between host and device memory.
//
// Device memory is allocated on first device access. Each side carries a
// dirty flag; opening a view on one side copies from the other side only if
// that side holds changes the viewed side has not seen. A buffer must be
// released explicitly, which returns its device memory to the budget.
type Buffer struct {
	mu     sync.Mutex
	device *Device

	host []float64
	dev  []float64

	hostDirty   bool
	deviceDirty bool
	released    bool

	toDevice int
	toHost   int
}

// NewBuffer creates a zeroed buffer of n values bound to a device
func NewBuffer(device *Device, n int) *Buffer {
	return &Buffer{device: device, host: make([]float64, n)}
}

// NewBufferFrom creates a buffer holding a copy of data
func NewBufferFrom(device *Device, data []float64) *Buffer {
	b := NewBuffer(device, len(data))
	copy(b.host, data)
	b.hostDirty = true
	return b
}

// Len returns the number of values in the buffer
func (b *Buffer) Len() int {
	return len(b.host)
}

func (b *Buffer) bytes() int64 {
	return int64(len(b.host)) * 8
}

// WithHostView calls fn with the host copy of the data. Writes through a
// ReadWrite view mark the host side dirty.
func (b *Buffer) WithHostView(access Access, fn func(data []float64)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return models.ErrBufferReleased
	}
	if b.deviceDirty {
		copy(b.host, b.dev)
		b.deviceDirty = false
		b.toHost++
	}
	fn(b.host)
	if access == ReadWrite {
		b.hostDirty = true
	}
	return nil
}

// WithDeviceView calls fn with the device copy of the data, allocating it
// on first use. Writes through a ReadWrite view mark the device side dirty.
func (b *Buffer) WithDeviceView(access Access, fn func(data []float64)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return models.ErrBufferReleased
	}
	if b.dev == nil {
		if err := b.device.allocate(b.bytes()); err != nil {
			return fmt.Errorf("buffer of %d values: %w", len(b.host), err)
		}
		// A host side that was never written is still all zeros
		b.dev = make([]float64, len(b.host))
	}
	if b.hostDirty {
		copy(b.dev, b.host)
		b.hostDirty = false
		b.toDevice++
	}
	fn(b.dev)
	if access == ReadWrite {
		b.deviceDirty = true
	}
	return nil
}

// Host returns a copy of the data as seen from the host
func (b *Buffer) Host() ([]float64, error) {
	var out []float64
	err := b.WithHostView(ReadOnly, func(data []float64) {
		out = make([]float64, len(data))
		copy(out, data)
	})
	return out, err
}

// Copies returns how many host-to-device and device-to-host transfers the
// buffer has performed
func (b *Buffer) Copies() (toDevice, toHost int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.toDevice, b.toHost
}

// Release frees the device memory. Releasing twice is a no-op.
func (b *Buffer) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return
	}
	if b.dev != nil {
		b.device.free(b.bytes())
		b.dev = nil
	}
	b.host = nil
	b.released = true
}
