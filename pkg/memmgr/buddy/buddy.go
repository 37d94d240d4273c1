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

// Package buddy implements a binary buddy allocator over an abstract
// range of offsets [0, extent). It manages no memory itself: callers map
// the returned offsets onto whatever they are sub-allocating.
//
// Blocks are powers of two in size, between the minimum block size and
// the full extent. Allocation takes the lowest free offset of the smallest
// sufficient block size, splitting larger blocks as necessary. Freeing a
// block merges it with its buddy as long as the buddy is also free.
package buddy

import (
	"fmt"
	"math/bits"
	"slices"
)

var (
	ErrInvalidExtent = fmt.Errorf("buddy: invalid extent")
	ErrInvalidSize   = fmt.Errorf("buddy: invalid size")
	ErrOutOfSpace    = fmt.Errorf("buddy: out of space")
	ErrUnknownBlock  = fmt.Errorf("buddy: unknown block")
)

const (
	// DefaultMinBlockSize is the default smallest block size.
	DefaultMinBlockSize = 256
)

// Allocator is a buddy allocator. It is not safe for concurrent use.
type Allocator struct {
	extent   uint64
	minBlock uint64
	maxOrder int
	free     [][]uint64     // sorted free block offsets per order
	allocs   map[uint64]int // allocated block offset to order
	used     uint64
}

// New creates an allocator for the given extent and minimum block size.
// Both must be powers of two, with the extent at least the block size.
func New(extent, minBlock uint64) (*Allocator, error) {
	if minBlock == 0 {
		minBlock = DefaultMinBlockSize
	}
	if !isPow2(minBlock) {
		return nil, fmt.Errorf("%w: minimum block size %d is not a power of two",
			ErrInvalidSize, minBlock)
	}
	if !isPow2(extent) || extent < minBlock {
		return nil, fmt.Errorf("%w: %d (minimum block size %d)", ErrInvalidExtent,
			extent, minBlock)
	}

	a := &Allocator{
		extent:   extent,
		minBlock: minBlock,
		maxOrder: log2(extent / minBlock),
		allocs:   make(map[uint64]int),
	}
	a.free = make([][]uint64, a.maxOrder+1)
	a.free[a.maxOrder] = []uint64{0}

	return a, nil
}

// Extent returns the size of the managed range.
func (a *Allocator) Extent() uint64 {
	return a.extent
}

// MinBlockSize returns the smallest block size.
func (a *Allocator) MinBlockSize() uint64 {
	return a.minBlock
}

// Used returns the total size of allocated blocks.
func (a *Allocator) Used() uint64 {
	return a.used
}

// Available returns the total size of free blocks.
func (a *Allocator) Available() uint64 {
	return a.extent - a.used
}

// Allocations returns the number of allocated blocks.
func (a *Allocator) Allocations() int {
	return len(a.allocs)
}

// LargestFree returns the size of the largest free block.
func (a *Allocator) LargestFree() uint64 {
	for o := a.maxOrder; o >= 0; o-- {
		if len(a.free[o]) > 0 {
			return a.blockSize(o)
		}
	}
	return 0
}

// BlockSize returns the size of the block an allocation of the given
// size and alignment would occupy.
func (a *Allocator) BlockSize(size, alignment uint64) uint64 {
	return nextPow2(max(size, alignment, a.minBlock))
}

// Allocate reserves a block for the given size and alignment, returning
// its offset. The alignment must be zero or a power of two. Blocks are
// naturally aligned to their size, so the offset is always aligned.
func (a *Allocator) Allocate(size, alignment uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: zero size", ErrInvalidSize)
	}
	if alignment != 0 && !isPow2(alignment) {
		return 0, fmt.Errorf("%w: alignment %d is not a power of two", ErrInvalidSize, alignment)
	}
	if size > a.extent || alignment > a.extent {
		return 0, fmt.Errorf("%w: %d bytes (alignment %d) exceed extent %d",
			ErrOutOfSpace, size, alignment, a.extent)
	}

	order := a.order(a.BlockSize(size, alignment))

	o := order
	for o <= a.maxOrder && len(a.free[o]) == 0 {
		o++
	}
	if o > a.maxOrder {
		return 0, fmt.Errorf("%w: no free block of %d bytes", ErrOutOfSpace, a.blockSize(order))
	}

	offset := a.free[o][0]
	a.free[o] = a.free[o][1:]

	for o > order {
		o--
		a.insert(o, offset+a.blockSize(o))
	}

	a.allocs[offset] = order
	a.used += a.blockSize(order)

	return offset, nil
}

// Free releases the block at the given offset. The size, if non-zero,
// is checked against the size of the block.
func (a *Allocator) Free(offset, size uint64) error {
	order, ok := a.allocs[offset]
	if !ok {
		return fmt.Errorf("%w: no block at offset %d", ErrUnknownBlock, offset)
	}
	if size > a.blockSize(order) {
		return fmt.Errorf("%w: %d bytes freed from block of %d bytes at offset %d",
			ErrInvalidSize, size, a.blockSize(order), offset)
	}

	delete(a.allocs, offset)
	a.used -= a.blockSize(order)

	for order < a.maxOrder {
		buddy := offset ^ a.blockSize(order)
		idx, found := slices.BinarySearch(a.free[order], buddy)
		if !found {
			break
		}
		a.free[order] = slices.Delete(a.free[order], idx, idx+1)
		offset = min(offset, buddy)
		order++
	}
	a.insert(order, offset)

	return nil
}

// Reset releases all blocks.
func (a *Allocator) Reset() {
	for o := range a.free {
		a.free[o] = nil
	}
	a.free[a.maxOrder] = []uint64{0}
	a.allocs = make(map[uint64]int)
	a.used = 0
}

// String returns a short summary of the allocator state.
func (a *Allocator) String() string {
	return fmt.Sprintf("buddy{extent %d, used %d, blocks %d, largest free %d}",
		a.extent, a.used, len(a.allocs), a.LargestFree())
}

func (a *Allocator) insert(order int, offset uint64) {
	idx, _ := slices.BinarySearch(a.free[order], offset)
	a.free[order] = slices.Insert(a.free[order], idx, offset)
}

func (a *Allocator) order(blockSize uint64) int {
	return log2(blockSize / a.minBlock)
}

func (a *Allocator) blockSize(order int) uint64 {
	return a.minBlock << order
}

func isPow2(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

func log2(v uint64) int {
	return bits.Len64(v) - 1
}

func nextPow2(v uint64) uint64 {
	if v <= 1 {
		return 1
	}
	return 1 << bits.Len64(v-1)
}
