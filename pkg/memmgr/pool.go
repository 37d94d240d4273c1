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

// Pool is a base allocation with an optional sub-allocator. Pools
// without a sub-allocator are dedicated to a single allocation.
type Pool struct {
	mgr       *Manager
	id        int
	props     PoolProperties
	memory    *deviceGroupMemory
	sub       SubAllocator
	live      map[uint64]allocRecord
	used      uint64
	destroyed bool
}

// allocRecord tracks a live sub-allocation of a pool.
type allocRecord struct {
	serial uint64
	size   uint64
}

// ID returns the ID of the pool.
func (p *Pool) ID() int {
	return p.id
}

// Properties returns the properties of the pool.
func (p *Pool) Properties() PoolProperties {
	return p.props
}

// Size returns the size of the base allocation of the pool.
func (p *Pool) Size() uint64 {
	return p.memory.size
}

// Used returns the number of bytes allocated from the pool.
func (p *Pool) Used() uint64 {
	return p.used
}

// Allocations returns the number of live allocations in the pool.
func (p *Pool) Allocations() int {
	return len(p.live)
}

// IsDedicated returns true if the pool backs a single allocation.
func (p *Pool) IsDedicated() bool {
	return p.sub == nil
}

// String returns a string representation of the pool.
func (p *Pool) String() string {
	kind := "pool"
	if p.IsDedicated() {
		kind = "dedicated pool"
	}
	return fmt.Sprintf("%s #%d (%s, %s used by %d allocations, %s)", kind, p.id,
		prettySize(p.Size()), prettySize(p.used), len(p.live), p.memory.devices)
}

// suballocate carves an allocation out of the pool.
func (p *Pool) suballocate(size, alignment, serial uint64) (uint64, error) {
	offset := uint64(0)
	if p.sub != nil {
		o, err := p.sub.Allocate(size, alignment)
		if err != nil {
			return 0, err
		}
		offset = o
	} else if len(p.live) > 0 {
		return 0, fmt.Errorf("%w: dedicated pool #%d already in use", ErrInvalidAllocation, p.id)
	}

	p.live[offset] = allocRecord{serial: serial, size: size}
	p.used += size

	return offset, nil
}

// isLive checks if the allocation at offset with serial is live.
func (p *Pool) isLive(offset, serial uint64) bool {
	if p.destroyed {
		return false
	}
	rec, ok := p.live[offset]
	return ok && rec.serial == serial
}

// release returns an allocation to the pool. It returns false if the
// allocation is not live.
func (p *Pool) release(offset, serial uint64) bool {
	if !p.isLive(offset, serial) {
		return false
	}

	rec := p.live[offset]
	delete(p.live, offset)
	p.used -= rec.size

	if p.sub != nil {
		if err := p.sub.Free(offset, rec.size); err != nil {
			log.Error("%s: failed to free %s at offset 0x%x: %v", p,
				prettySize(rec.size), offset, err)
		}
	}

	return true
}

// destroy releases the base allocation of the pool.
func (p *Pool) destroy(b Backend) error {
	if p.destroyed {
		return nil
	}
	p.destroyed = true
	p.sub = nil
	p.live = map[uint64]allocRecord{}
	p.used = 0

	return p.memory.destroy(b)
}
