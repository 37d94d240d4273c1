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

package sim

import (
	"fmt"

	"github.com/containers/gpu-memmgr/pkg/memmgr"
)

// Memory is a simulated memory object.
type Memory struct {
	id       uint64
	device   memmgr.DeviceID
	size     uint64
	heap     memmgr.Heap
	vaRange  memmgr.VaRange
	va       uint64
	readOnly bool
	host     []byte
	mapCount int
}

var _ memmgr.Memory = &Memory{}

// Device returns the device of the memory object.
func (m *Memory) Device() memmgr.DeviceID {
	return m.device
}

// Size returns the size of the memory object.
func (m *Memory) Size() uint64 {
	return m.size
}

// Heap returns the heap the memory object was placed in.
func (m *Memory) Heap() memmgr.Heap {
	return m.heap
}

// VaRange returns the VA range of the memory object.
func (m *Memory) VaRange() memmgr.VaRange {
	return m.vaRange
}

// ReadOnly returns true if the memory object is GPU read-only.
func (m *Memory) ReadOnly() bool {
	return m.readOnly
}

// String returns a string representation of the memory object.
func (m *Memory) String() string {
	return fmt.Sprintf("memory #%d (%s on device #%d in %s, VA %#x)", m.id,
		memmgr.HumanReadableSize(m.size), m.device, m.heap, m.va)
}

// Resource is a simulated bindable resource.
type Resource struct {
	Size      uint64
	Alignment uint64
	Heaps     []memmgr.Heap
	// Err, if set, is returned when memory requirements are queried.
	Err      error
	bindings map[memmgr.DeviceID]Binding
}

// Binding is the memory bound to a resource on a device.
type Binding struct {
	Memory *Memory
	Offset uint64
}

var _ memmgr.Bindable = &Resource{}

// MemoryRequirements implements memmgr.Bindable.
func (r *Resource) MemoryRequirements() (memmgr.MemoryRequirements, error) {
	if r.Err != nil {
		return memmgr.MemoryRequirements{}, r.Err
	}
	return memmgr.MemoryRequirements{
		Size:      r.Size,
		Alignment: r.Alignment,
		Heaps:     append([]memmgr.Heap(nil), r.Heaps...),
	}, nil
}

// Binding returns the binding of the resource on the given device.
func (r *Resource) Binding(dev memmgr.DeviceID) (Binding, bool) {
	b, ok := r.bindings[dev]
	return b, ok
}
