// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memmgr

import (
	"fmt"
)

// Allocation describes a piece of GPU memory handed out by a Manager.
// It is a value: copies refer to the same memory, and freeing any one
// of them frees the memory. The zero Allocation refers to no memory.
type Allocation struct {
	pool      *Pool
	serial    uint64
	offset    uint64
	size      uint64
	alignment uint64
	devices   DeviceMask
	gpuVA     [MaxDevices]uint64
	cpuAddr   [MaxDevices]uintptr
}

func (m *Manager) newAllocation(p *Pool, offset, serial uint64, info *CreateInfo) Allocation {
	a := Allocation{
		pool:      p,
		serial:    serial,
		offset:    offset,
		size:      info.Size,
		alignment: info.alignment(),
		devices:   p.memory.devices,
	}
	a.devices.Foreach(func(id DeviceID) bool {
		a.gpuVA[id] = p.memory.gpuVA[id] + offset
		if p.memory.persistent {
			a.cpuAddr[id] = p.memory.cpuAddr[id] + uintptr(offset)
		}
		return true
	})
	return a
}

// IsValid returns true if the allocation refers to memory. It does not
// tell if the memory has been freed since.
func (a Allocation) IsValid() bool {
	return a.pool != nil
}

// Offset returns the offset of the allocation within its base allocation.
func (a Allocation) Offset() uint64 {
	return a.offset
}

// Size returns the requested size of the allocation.
func (a Allocation) Size() uint64 {
	return a.size
}

// Alignment returns the alignment of the allocation.
func (a Allocation) Alignment() uint64 {
	return a.alignment
}

// Devices returns the devices the allocation is present on.
func (a Allocation) Devices() DeviceMask {
	return a.devices
}

// Pool returns the pool of the allocation.
func (a Allocation) Pool() *Pool {
	return a.pool
}

// GpuVirtAddr returns the GPU virtual address of the allocation on the
// given device, or 0 if the allocation is not present on the device.
func (a Allocation) GpuVirtAddr(id DeviceID) uint64 {
	if !a.devices.Contains(id) {
		return 0
	}
	return a.gpuVA[id]
}

// GpuVirtAddrs returns the GPU virtual addresses of the allocation on
// all of its devices, in device order.
func (a Allocation) GpuVirtAddrs() []uint64 {
	vas := make([]uint64, 0, a.devices.Size())
	a.devices.Foreach(func(id DeviceID) bool {
		vas = append(vas, a.gpuVA[id])
		return true
	})
	return vas
}

// CpuAddr returns the CPU address of a persistently mapped allocation on
// the given device. It returns 0 for allocations which are not
// persistently mapped.
func (a Allocation) CpuAddr(id DeviceID) uintptr {
	if !a.devices.Contains(id) {
		return 0
	}
	return a.cpuAddr[id]
}

// Memory returns the backend memory object backing the allocation on the
// given device.
func (a Allocation) Memory(id DeviceID) (Memory, error) {
	if a.pool == nil {
		return nil, ErrInvalidAllocation
	}

	m := a.pool.mgr
	m.lock.Lock()
	defer m.lock.Unlock()

	if !a.pool.isLive(a.offset, a.serial) {
		return nil, fmt.Errorf("%w: %s has been freed", ErrInvalidAllocation, a)
	}
	mem := a.pool.memory.memory(id)
	if mem == nil {
		return nil, fmt.Errorf("%w: #%d not in %s", ErrInvalidDevice, id, a.devices)
	}

	return mem, nil
}

// Map returns the CPU address of the allocation on the given device,
// mapping the underlying memory unless it is persistently mapped. Each
// Map of memory which is not persistently mapped needs to be paired with
// an Unmap.
func (a Allocation) Map(id DeviceID) (uintptr, error) {
	if a.pool == nil {
		return 0, ErrInvalidAllocation
	}

	m := a.pool.mgr
	m.lock.Lock()
	defer m.lock.Unlock()

	if !a.pool.isLive(a.offset, a.serial) {
		return 0, fmt.Errorf("%w: %s has been freed", ErrInvalidAllocation, a)
	}

	addr, err := a.pool.memory.mapDevice(m.backend, id)
	if err != nil {
		return 0, err
	}

	return addr + uintptr(a.offset), nil
}

// Unmap drops a mapping of the allocation on the given device. It is a
// no-op for persistently mapped allocations.
func (a Allocation) Unmap(id DeviceID) error {
	if a.pool == nil {
		return ErrInvalidAllocation
	}

	m := a.pool.mgr
	m.lock.Lock()
	defer m.lock.Unlock()

	if !a.pool.isLive(a.offset, a.serial) {
		return fmt.Errorf("%w: %s has been freed", ErrInvalidAllocation, a)
	}

	return a.pool.memory.unmapDevice(m.backend, id)
}

// String returns a string representation of the allocation.
func (a Allocation) String() string {
	if a.pool == nil {
		return "<no allocation>"
	}
	return fmt.Sprintf("<allocation #%d: %s at offset 0x%x of pool #%d, VA %#x>",
		a.serial, prettySize(a.size), a.offset, a.pool.id, a.GpuVirtAddrs())
}
