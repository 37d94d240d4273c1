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
	"encoding/json"
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"strings"

	idset "github.com/intel/goresctrl/pkg/utils"
)

// Heap is a GPU memory heap class.
type Heap int

const (
	HeapLocal         Heap = iota // device-local, CPU-visible
	HeapInvisible                 // device-local, not CPU-visible
	HeapGartUswc                  // system memory, uncached write-combined
	HeapGartCacheable             // system memory, cacheable
	HeapCount         = 4
)

var (
	heapToString = map[Heap]string{
		HeapLocal:         "Local",
		HeapInvisible:     "Invisible",
		HeapGartUswc:      "GartUswc",
		HeapGartCacheable: "GartCacheable",
	}
	stringToHeap = map[string]Heap{
		"local":         HeapLocal,
		"invisible":     HeapInvisible,
		"gartuswc":      HeapGartUswc,
		"gartcacheable": HeapGartCacheable,
	}
)

// ParseHeap parses the given string into a heap.
func ParseHeap(str string) (Heap, error) {
	if h, ok := stringToHeap[strings.ToLower(str)]; ok {
		return h, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidHeap, str)
}

// IsValid returns true if the heap is known.
func (h Heap) IsValid() bool {
	_, ok := heapToString[h]
	return ok
}

// String returns a string representation of the heap.
func (h Heap) String() string {
	if str, ok := heapToString[h]; ok {
		return str
	}
	return fmt.Sprintf("%%!(memmgr:Bad-Heap %d)", h)
}

// MarshalJSON is the json.Marshaller for Heap.
func (h Heap) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON is the json.Unmarshaller for Heap.
func (h *Heap) UnmarshalJSON(data []byte) error {
	i := 0
	if err := json.Unmarshal(data, &i); err == nil {
		if !Heap(i).IsValid() {
			return fmt.Errorf("%w: %d", ErrInvalidHeap, i)
		}
		*h = Heap(i)
		return nil
	}

	str := ""
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidHeap, err)
	}

	heap, err := ParseHeap(str)
	if err != nil {
		return err
	}
	*h = heap

	return nil
}

// HeapList is an ordered heap preference list. It is comparable, which
// makes it usable as part of a map key.
type HeapList struct {
	count int
	heaps [HeapCount]Heap
}

// NewHeapList returns a heap list with the given heaps in order of preference.
func NewHeapList(heaps ...Heap) (HeapList, error) {
	l := HeapList{}
	if len(heaps) > HeapCount {
		return l, fmt.Errorf("%w: too many heaps (%d > %d)", ErrInvalidHeap, len(heaps), HeapCount)
	}
	for _, h := range heaps {
		if !h.IsValid() {
			return HeapList{}, fmt.Errorf("%w: %d", ErrInvalidHeap, h)
		}
		if l.Contains(h) {
			return HeapList{}, fmt.Errorf("%w: duplicate heap %s", ErrInvalidHeap, h)
		}
		l.heaps[l.count] = h
		l.count++
	}
	return l, nil
}

// MustHeapList returns a heap list with the given heaps. It panics on failure.
func MustHeapList(heaps ...Heap) HeapList {
	l, err := NewHeapList(heaps...)
	if err != nil {
		panic(err)
	}
	return l
}

// ParseHeapList parses the given heap names into a heap list.
func ParseHeapList(names ...string) (HeapList, error) {
	heaps := make([]Heap, 0, len(names))
	for _, name := range names {
		h, err := ParseHeap(strings.TrimSpace(name))
		if err != nil {
			return HeapList{}, err
		}
		heaps = append(heaps, h)
	}
	return NewHeapList(heaps...)
}

// Len returns the number of heaps in the list.
func (l HeapList) Len() int {
	return l.count
}

// Heaps returns the heaps in the list as a slice.
func (l HeapList) Heaps() []Heap {
	return append([]Heap(nil), l.heaps[:l.count]...)
}

// Contains returns true if the heap is present in the list.
func (l HeapList) Contains(h Heap) bool {
	for _, heap := range l.heaps[:l.count] {
		if heap == h {
			return true
		}
	}
	return false
}

// Without returns a copy of the list with the given heap removed.
func (l HeapList) Without(h Heap) HeapList {
	o := HeapList{}
	for _, heap := range l.heaps[:l.count] {
		if heap != h {
			o.heaps[o.count] = heap
			o.count++
		}
	}
	return o
}

// Filter returns a copy of the list with only the heaps accepted by fn.
func (l HeapList) Filter(fn func(Heap) bool) HeapList {
	o := HeapList{}
	for _, heap := range l.heaps[:l.count] {
		if fn(heap) {
			o.heaps[o.count] = heap
			o.count++
		}
	}
	return o
}

// String returns a string representation of the heap list.
func (l HeapList) String() string {
	names := make([]string, 0, l.count)
	for _, h := range l.heaps[:l.count] {
		names = append(names, h.String())
	}
	return "[" + strings.Join(names, ",") + "]"
}

// MarshalJSON is the json.Marshaller for HeapList.
func (l HeapList) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Heaps())
}

// UnmarshalJSON is the json.Unmarshaller for HeapList.
func (l *HeapList) UnmarshalJSON(data []byte) error {
	var heaps []Heap
	if err := json.Unmarshal(data, &heaps); err != nil {
		return err
	}
	list, err := NewHeapList(heaps...)
	if err != nil {
		return err
	}
	*l = list
	return nil
}

// HeapProperties describes a heap as reported by the backend.
type HeapProperties struct {
	Heap       Heap
	Size       uint64
	CPUVisible bool
}

// VaRange is a GPU virtual address range class.
type VaRange int

const (
	VaRangeDefault VaRange = iota
	VaRangeDescriptorTable
	VaRangeShadowDescriptorTable
)

var (
	vaRangeToString = map[VaRange]string{
		VaRangeDefault:               "Default",
		VaRangeDescriptorTable:       "DescriptorTable",
		VaRangeShadowDescriptorTable: "ShadowDescriptorTable",
	}
)

// ParseVaRange parses the given string into a VA range.
func ParseVaRange(str string) (VaRange, error) {
	for r, name := range vaRangeToString {
		if strings.EqualFold(name, str) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidVaRange, str)
}

// IsValid returns true if the VA range is known.
func (r VaRange) IsValid() bool {
	_, ok := vaRangeToString[r]
	return ok
}

// String returns a string representation of the VA range.
func (r VaRange) String() string {
	if str, ok := vaRangeToString[r]; ok {
		return str
	}
	return fmt.Sprintf("%%!(memmgr:Bad-VaRange %d)", r)
}

// CreateFlags are the flags of an allocation request which affect pool
// selection.
type CreateFlags uint32

const (
	// FlagReadOnly marks memory read-only for the GPU.
	FlagReadOnly CreateFlags = 1 << iota
	// FlagPersistentMapped keeps memory CPU-mapped for its lifetime.
	FlagPersistentMapped
	// FlagNoSuballocation gives the request a dedicated base allocation.
	FlagNoSuballocation

	flagsAll = FlagReadOnly | FlagPersistentMapped | FlagNoSuballocation
)

var (
	flagNames = []struct {
		flag CreateFlags
		name string
	}{
		{FlagReadOnly, "read-only"},
		{FlagPersistentMapped, "persistent-mapped"},
		{FlagNoSuballocation, "no-suballocation"},
	}
)

// Validate checks that only known flags are set.
func (f CreateFlags) Validate() error {
	if unknown := f &^ flagsAll; unknown != 0 {
		return fmt.Errorf("%w: unknown flags 0x%x", ErrInvalidFlags, uint32(unknown))
	}
	return nil
}

// ReadOnly returns true if FlagReadOnly is set.
func (f CreateFlags) ReadOnly() bool {
	return f&FlagReadOnly != 0
}

// PersistentMapped returns true if FlagPersistentMapped is set.
func (f CreateFlags) PersistentMapped() bool {
	return f&FlagPersistentMapped != 0
}

// NoSuballocation returns true if FlagNoSuballocation is set.
func (f CreateFlags) NoSuballocation() bool {
	return f&FlagNoSuballocation != 0
}

// Set returns the flags with the given flags set.
func (f CreateFlags) Set(flags CreateFlags) CreateFlags {
	return f | flags
}

// Clear returns the flags with the given flags cleared.
func (f CreateFlags) Clear(flags CreateFlags) CreateFlags {
	return f &^ flags
}

// String returns a string representation of the flags.
func (f CreateFlags) String() string {
	if f == 0 {
		return "none"
	}
	names := []string{}
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	if unknown := f &^ flagsAll; unknown != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint32(unknown)))
	}
	return strings.Join(names, "|")
}

type (
	// DeviceID identifies a device of the device group.
	DeviceID = idset.ID

	// DeviceMask represents a set of device IDs as a bit mask.
	DeviceMask uint32
)

const (
	// MaxDevices is the maximum number of devices in a device group.
	MaxDevices = 4
)

// NewDeviceMask returns a DeviceMask with the given ids.
func NewDeviceMask(ids ...DeviceID) DeviceMask {
	return DeviceMask(0).Set(ids...)
}

// AllDevices returns a DeviceMask with the first count devices.
func AllDevices(count int) DeviceMask {
	count = min(count, MaxDevices)
	if count <= 0 {
		return 0
	}
	return DeviceMask(1<<count - 1)
}

// Set returns a DeviceMask with both the original and the given IDs added.
func (m DeviceMask) Set(ids ...DeviceID) DeviceMask {
	for _, id := range ids {
		m |= 1 << id
	}
	return m
}

// Contains returns true if all the given IDs are present in the mask.
func (m DeviceMask) Contains(ids ...DeviceID) bool {
	for _, id := range ids {
		if id < 0 || id >= MaxDevices || m&(1<<id) == 0 {
			return false
		}
	}
	return true
}

// Size returns the number of IDs present in the mask.
func (m DeviceMask) Size() int {
	return bits.OnesCount32(uint32(m))
}

// IsValid returns true if the mask is non-empty and only has devices
// below MaxDevices.
func (m DeviceMask) IsValid() bool {
	return m != 0 && m&^AllDevices(MaxDevices) == 0
}

// Slice returns the IDs in the mask in increasing order.
func (m DeviceMask) Slice() []DeviceID {
	var ids []DeviceID
	m.Foreach(func(id DeviceID) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// Foreach calls fn for each ID in the mask, in increasing order, until
// fn returns false.
func (m DeviceMask) Foreach(fn func(DeviceID) bool) {
	for b := uint32(m); b != 0; b &= b - 1 {
		if !fn(DeviceID(bits.TrailingZeros32(b))) {
			return
		}
	}
}

// String returns a string representation of the mask.
func (m DeviceMask) String() string {
	return "devices{" + idset.NewIDSet(m.Slice()...).String() + "}"
}

// HumanReadableSize returns the size in bytes formatted with binary units.
func HumanReadableSize(size uint64) string {
	if size >= 1024 {
		units := []string{"k", "M", "G", "T"}

		for i, d := 0, uint64(1024); i < len(units); i, d = i+1, d<<10 {
			if val := size / d; 1 <= val && val < 1024 {
				if fval := float64(size) / float64(d); math.Floor(fval) != fval {
					return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.3f", fval), "0"), ".") + units[i]
				}
				return fmt.Sprintf("%d%s", val, units[i])
			}
		}
	}

	return strconv.FormatUint(size, 10)
}

func prettySize(v uint64) string {
	return HumanReadableSize(v)
}

func isPow2(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// maxPoolSize is the largest power of two base allocation size.
const maxPoolSize = uint64(1) << 63

func nextPow2(v uint64) uint64 {
	if v <= 1 {
		return 1
	}
	return 1 << bits.Len64(v-1)
}
