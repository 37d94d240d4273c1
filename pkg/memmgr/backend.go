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

// Backend is the device memory interface the manager allocates through.
// It is only called with the manager lock held.
type Backend interface {
	// Properties returns the properties of the devices.
	Properties() Properties
	// CreateMemory creates a memory object on the given device. Failures
	// should wrap ErrOutOfDeviceMemory or ErrOutOfHostMemory.
	CreateMemory(device DeviceID, info *MemoryCreateInfo) (Memory, error)
	// DestroyMemory destroys a memory object.
	DestroyMemory(mem Memory) error
	// Map maps a memory object for CPU access, returning its address.
	Map(mem Memory) (uintptr, error)
	// Unmap removes the CPU mapping of a memory object.
	Unmap(mem Memory) error
	// VirtualAddress returns the GPU virtual address of a memory object.
	VirtualAddress(mem Memory) uint64
	// Bind binds a resource to a memory object at the given offset.
	Bind(res Bindable, mem Memory, offset uint64) error
}

// Properties describes the devices behind a Backend.
type Properties struct {
	// Devices is the number of devices.
	Devices int
	// Heaps describes the heaps available on each device.
	Heaps []HeapProperties
	// ShadowDescriptorTable is true if the shadow descriptor table VA
	// range is supported.
	ShadowDescriptorTable bool
}

// Heap returns the properties of the given heap, if the heap is present.
func (p *Properties) Heap(h Heap) (HeapProperties, bool) {
	for _, hp := range p.Heaps {
		if hp.Heap == h && hp.Size > 0 {
			return hp, true
		}
	}
	return HeapProperties{}, false
}

// Memory is a backend memory object on a single device.
type Memory interface {
	// Device returns the device the memory object lives on.
	Device() DeviceID
	// Size returns the size of the memory object.
	Size() uint64
	// Heap returns the heap the memory object was placed in.
	Heap() Heap
}

// MemoryCreateInfo describes a backend memory object.
type MemoryCreateInfo struct {
	Size      uint64
	Alignment uint64
	VaRange   VaRange
	Heaps     []Heap
	ReadOnly  bool
}

// Bindable is a resource which can be bound to memory.
type Bindable interface {
	// MemoryRequirements returns the memory requirements of the resource.
	MemoryRequirements() (MemoryRequirements, error)
}

// SubAllocator carves offsets out of a base allocation.
type SubAllocator interface {
	// Allocate reserves a range and returns its offset.
	Allocate(size, alignment uint64) (uint64, error)
	// Free releases the range at the given offset.
	Free(offset, size uint64) error
}

// SubAllocatorFunc creates a SubAllocator for a base allocation of the
// given size.
type SubAllocatorFunc func(extent uint64) (SubAllocator, error)
