package tensor

import (
	"fmt"
	"sync"
)

// DeviceKind distinguishes the host CPU from accelerator devices.
type DeviceKind int

const (
	CPU DeviceKind = iota
	Accelerator
)

func (k DeviceKind) String() string {
	switch k {
	case CPU:
		return "CPU"
	case Accelerator:
		return "Accelerator"
	default:
		return "Unknown"
	}
}

// Device identifies a compute device. Index is meaningful only for
// accelerators; the CPU device has Index -1.
type Device struct {
	Kind  DeviceKind
	Index int
}

// CPUDevice is the canonical host device.
var CPUDevice = Device{Kind: CPU, Index: -1}

// AcceleratorDevice returns the device handle for the given index.
func AcceleratorDevice(index int) Device {
	return Device{Kind: Accelerator, Index: index}
}

func (d Device) String() string {
	if d.Kind == CPU {
		return "cpu"
	}
	return fmt.Sprintf("accel:%d", d.Index)
}

var (
	deviceMu         sync.RWMutex
	acceleratorCount int
)

// SetAcceleratorCount registers the number of accelerator devices the
// engine may replicate across. Zero means CPU only.
func SetAcceleratorCount(n int) {
	deviceMu.Lock()
	defer deviceMu.Unlock()
	if n < 0 {
		n = 0
	}
	acceleratorCount = n
}

// AcceleratorCount reports the number of registered accelerator devices.
func AcceleratorCount() int {
	deviceMu.RLock()
	defer deviceMu.RUnlock()
	return acceleratorCount
}

// DeviceAvailable reports whether the device can be used for compute.
func DeviceAvailable(d Device) bool {
	if d.Kind == CPU {
		return true
	}
	return d.Index >= 0 && d.Index < AcceleratorCount()
}
