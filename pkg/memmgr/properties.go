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

// PoolProperties is the key which routes requests to pool lists. Requests
// with equal properties share pools. It is comparable and used directly
// as a map key.
type PoolProperties struct {
	Flags   CreateFlags
	VaRange VaRange
	Heaps   HeapList
}

// NewPoolProperties returns validated pool properties.
func NewPoolProperties(flags CreateFlags, vaRange VaRange, heaps ...Heap) (PoolProperties, error) {
	list, err := NewHeapList(heaps...)
	if err != nil {
		return PoolProperties{}, err
	}
	props := PoolProperties{
		Flags:   flags,
		VaRange: vaRange,
		Heaps:   list,
	}
	if err := props.Validate(); err != nil {
		return PoolProperties{}, err
	}
	return props, nil
}

// MustPoolProperties returns pool properties, panicking on failure.
func MustPoolProperties(flags CreateFlags, vaRange VaRange, heaps ...Heap) PoolProperties {
	props, err := NewPoolProperties(flags, vaRange, heaps...)
	if err != nil {
		panic(err)
	}
	return props
}

// Validate checks the properties.
func (p PoolProperties) Validate() error {
	if err := p.Flags.Validate(); err != nil {
		return err
	}
	if !p.VaRange.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidVaRange, p.VaRange)
	}
	if p.Heaps.Len() == 0 {
		return fmt.Errorf("%w: empty heap preference", ErrInvalidHeap)
	}
	return nil
}

// String returns a string representation of the properties.
func (p PoolProperties) String() string {
	return fmt.Sprintf("<flags %s, VA range %s, heaps %s>", p.Flags, p.VaRange, p.Heaps)
}

// CreateInfo describes an allocation request.
type CreateInfo struct {
	// Size is the size of the allocation in bytes.
	Size uint64
	// Alignment is the required alignment, zero or a power of two.
	Alignment uint64
	// VaRange is the VA range class of the allocation.
	VaRange VaRange
	// Heaps lists the acceptable heaps in order of preference.
	Heaps []Heap
	// Flags are the create flags of the allocation.
	Flags CreateFlags
	// Pool is an optional pool reference bypassing the property lookup.
	Pool PoolRef
}

// Properties returns the pool properties of the request.
func (ci *CreateInfo) Properties() (PoolProperties, error) {
	return NewPoolProperties(ci.Flags, ci.VaRange, ci.Heaps...)
}

// Validate checks the request.
func (ci *CreateInfo) Validate() (PoolProperties, error) {
	if ci.Size == 0 {
		return PoolProperties{}, fmt.Errorf("%w: zero size", ErrInvalidRequest)
	}
	if ci.Alignment != 0 && !isPow2(ci.Alignment) {
		return PoolProperties{}, fmt.Errorf("%w: alignment %d is not a power of two",
			ErrInvalidRequest, ci.Alignment)
	}
	props, err := ci.Properties()
	if err != nil {
		return PoolProperties{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return props, nil
}

// alignment returns the effective alignment of the request.
func (ci *CreateInfo) alignment() uint64 {
	return max(ci.Alignment, 1)
}

// String returns a string representation of the request.
func (ci *CreateInfo) String() string {
	return fmt.Sprintf("<%s (alignment %d), flags %s, VA range %s, heaps %v, pool %s>",
		prettySize(ci.Size), ci.Alignment, ci.Flags, ci.VaRange, ci.Heaps, ci.Pool)
}

// MemoryRequirements describes the memory needs of a bindable resource.
type MemoryRequirements struct {
	Size      uint64
	Alignment uint64
	Heaps     []Heap
}
