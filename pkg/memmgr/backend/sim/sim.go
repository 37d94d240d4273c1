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

// Package sim implements a simulated multi-device backend for the GPU
// memory manager. Heaps have a fixed capacity per device, every device
// has its own GPU virtual address space, and CPU-visible memory is backed
// by anonymous host mappings.
package sim

import (
	"fmt"
	"sync"

	simcfg "github.com/containers/gpu-memmgr/pkg/apis/config/v1alpha1/sim"
	logger "github.com/containers/gpu-memmgr/pkg/log"
	"github.com/containers/gpu-memmgr/pkg/memmgr"
)

var (
	ErrNotMappable  = fmt.Errorf("sim: memory not CPU-visible")
	ErrInvalidVa    = fmt.Errorf("sim: unsupported VA range")
	ErrUnknown      = fmt.Errorf("sim: unknown object")
	ErrInjected     = fmt.Errorf("sim: injected failure")
	ErrBindTooSmall = fmt.Errorf("sim: memory too small for resource")

	log = logger.Get("memmgr-sim")
)

const (
	// PageSize is the granularity of GPU virtual address assignment.
	PageSize = 64 << 10

	vaDeviceShift = 40
	vaRangeShift  = 36
)

// Backend is a simulated memmgr.Backend.
type Backend struct {
	lock      sync.Mutex
	devices   int
	heaps     [memmgr.HeapCount]heapConfig
	shadowVa  bool
	used      [][memmgr.HeapCount]uint64
	nextVA    []map[memmgr.VaRange]uint64
	objects   map[*Memory]struct{}
	nextID    uint64
	created   int
	destroyed int
	mapped    int
	inject    struct {
		create int
		mmap   int
		bind   int
	}
}

type heapConfig struct {
	size       uint64
	cpuVisible bool
}

// Option is an option for a simulated Backend.
type Option func(*Backend) error

// WithDevices sets the number of simulated devices.
func WithDevices(count int) Option {
	return func(b *Backend) error {
		if count <= 0 || count > memmgr.MaxDevices {
			return fmt.Errorf("invalid number of devices %d", count)
		}
		b.devices = count
		return nil
	}
}

// WithHeap sets the per-device capacity of a heap. Heaps other than the
// invisible one are CPU-visible.
func WithHeap(heap memmgr.Heap, size uint64) Option {
	return func(b *Backend) error {
		if !heap.IsValid() {
			return fmt.Errorf("%w: %d", memmgr.ErrInvalidHeap, heap)
		}
		b.heaps[heap] = heapConfig{
			size:       size,
			cpuVisible: heap != memmgr.HeapInvisible,
		}
		return nil
	}
}

// WithHeapVisibility overrides the CPU visibility of a heap.
func WithHeapVisibility(heap memmgr.Heap, cpuVisible bool) Option {
	return func(b *Backend) error {
		if !heap.IsValid() {
			return fmt.Errorf("%w: %d", memmgr.ErrInvalidHeap, heap)
		}
		b.heaps[heap].cpuVisible = cpuVisible
		return nil
	}
}

// WithShadowDescriptorTable enables the shadow descriptor table VA range.
func WithShadowDescriptorTable(enabled bool) Option {
	return func(b *Backend) error {
		b.shadowVa = enabled
		return nil
	}
}

// WithConfig applies the given simulator configuration.
func WithConfig(cfg *simcfg.Config) Option {
	return func(b *Backend) error {
		if cfg == nil {
			return nil
		}
		opts := []Option{WithShadowDescriptorTable(cfg.ShadowDescriptorTable)}
		if cfg.Devices > 0 {
			opts = append(opts, WithDevices(cfg.Devices))
		}
		for _, hc := range cfg.Heaps {
			heap, err := memmgr.ParseHeap(hc.Heap)
			if err != nil {
				return err
			}
			opts = append(opts, WithHeap(heap, uint64(hc.Size.Value())))
			if hc.CPUVisible != nil {
				opts = append(opts, WithHeapVisibility(heap, *hc.CPUVisible))
			}
		}
		for _, o := range opts {
			if err := o(b); err != nil {
				return err
			}
		}
		return nil
	}
}

// New creates a simulated backend. Without options it has a single
// device with 256 MiB in each heap.
func New(options ...Option) (*Backend, error) {
	b := &Backend{
		devices: 1,
		objects: make(map[*Memory]struct{}),
	}
	for h := memmgr.Heap(0); h < memmgr.HeapCount; h++ {
		b.heaps[h] = heapConfig{
			size:       256 << 20,
			cpuVisible: h != memmgr.HeapInvisible,
		}
	}

	for _, o := range options {
		if err := o(b); err != nil {
			return nil, fmt.Errorf("failed to create simulated backend: %w", err)
		}
	}

	b.used = make([][memmgr.HeapCount]uint64, b.devices)
	b.nextVA = make([]map[memmgr.VaRange]uint64, b.devices)
	for dev := range b.nextVA {
		b.nextVA[dev] = make(map[memmgr.VaRange]uint64)
	}

	return b, nil
}

// Properties implements memmgr.Backend.
func (b *Backend) Properties() memmgr.Properties {
	b.lock.Lock()
	defer b.lock.Unlock()

	props := memmgr.Properties{
		Devices:               b.devices,
		ShadowDescriptorTable: b.shadowVa,
	}
	for h := memmgr.Heap(0); h < memmgr.HeapCount; h++ {
		if b.heaps[h].size == 0 {
			continue
		}
		props.Heaps = append(props.Heaps, memmgr.HeapProperties{
			Heap:       h,
			Size:       b.heaps[h].size,
			CPUVisible: b.heaps[h].cpuVisible,
		})
	}
	return props
}

// CreateMemory implements memmgr.Backend. The memory is placed in the
// first heap of the preference list with enough free capacity.
func (b *Backend) CreateMemory(dev memmgr.DeviceID, info *memmgr.MemoryCreateInfo) (memmgr.Memory, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if dev < 0 || dev >= b.devices {
		return nil, fmt.Errorf("%w: device #%d", memmgr.ErrInvalidDevice, dev)
	}
	if b.inject.create > 0 {
		b.inject.create--
		return nil, fmt.Errorf("%w: %w: create memory", memmgr.ErrOutOfDeviceMemory, ErrInjected)
	}
	if info.VaRange == memmgr.VaRangeShadowDescriptorTable && !b.shadowVa {
		return nil, fmt.Errorf("%w: %s", ErrInvalidVa, info.VaRange)
	}
	if info.Size == 0 {
		return nil, fmt.Errorf("%w: zero size", memmgr.ErrInvalidRequest)
	}

	for _, heap := range info.Heaps {
		if !heap.IsValid() {
			continue
		}
		if free := b.heaps[heap].size - b.used[dev][heap]; free < info.Size {
			continue
		}

		b.used[dev][heap] += info.Size
		b.nextID++
		b.created++

		mem := &Memory{
			id:       b.nextID,
			device:   dev,
			size:     info.Size,
			heap:     heap,
			vaRange:  info.VaRange,
			va:       b.assignVA(dev, info),
			readOnly: info.ReadOnly,
		}
		b.objects[mem] = struct{}{}

		log.Debug("created %s", mem)

		return mem, nil
	}

	return nil, fmt.Errorf("%w: no room for %d bytes in heaps %v of device #%d",
		memmgr.ErrOutOfDeviceMemory, info.Size, info.Heaps, dev)
}

// assignVA hands out the next GPU virtual address of the VA range.
func (b *Backend) assignVA(dev memmgr.DeviceID, info *memmgr.MemoryCreateInfo) uint64 {
	base := uint64(dev+1)<<vaDeviceShift | uint64(info.VaRange)<<vaRangeShift
	next, ok := b.nextVA[dev][info.VaRange]
	if !ok {
		next = base
	}

	alignment := max(info.Alignment, PageSize)
	va := (next + alignment - 1) &^ (alignment - 1)
	b.nextVA[dev][info.VaRange] = va + (info.Size+PageSize-1)&^(PageSize-1)

	return va
}

// DestroyMemory implements memmgr.Backend.
func (b *Backend) DestroyMemory(m memmgr.Memory) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	mem, err := b.lookup(m)
	if err != nil {
		return err
	}

	if mem.host != nil {
		if err := munmap(mem.host); err != nil {
			log.Error("failed to unmap host memory of %s: %v", mem, err)
		}
		mem.host = nil
		mem.mapCount = 0
		b.mapped--
	}

	b.used[mem.device][mem.heap] -= mem.size
	delete(b.objects, mem)
	b.destroyed++

	log.Debug("destroyed %s", mem)

	return nil
}

// Map implements memmgr.Backend. Only memory in CPU-visible heaps can be
// mapped.
func (b *Backend) Map(m memmgr.Memory) (uintptr, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	mem, err := b.lookup(m)
	if err != nil {
		return 0, err
	}
	if !b.heaps[mem.heap].cpuVisible {
		return 0, fmt.Errorf("%w: %s", ErrNotMappable, mem)
	}

	if mem.host == nil {
		if b.inject.mmap > 0 {
			b.inject.mmap--
			return 0, fmt.Errorf("%w: %w: map memory", memmgr.ErrOutOfHostMemory, ErrInjected)
		}
		host, err := mmap(mem.size)
		if err != nil {
			return 0, fmt.Errorf("%w: failed to map %s: %w", memmgr.ErrOutOfHostMemory, mem, err)
		}
		mem.host = host
		b.mapped++
	}
	mem.mapCount++

	return hostAddr(mem.host), nil
}

// Unmap implements memmgr.Backend.
func (b *Backend) Unmap(m memmgr.Memory) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	mem, err := b.lookup(m)
	if err != nil {
		return err
	}
	if mem.mapCount == 0 {
		return fmt.Errorf("%w: %s", memmgr.ErrNotMapped, mem)
	}

	mem.mapCount--
	if mem.mapCount > 0 {
		return nil
	}

	err = munmap(mem.host)
	mem.host = nil
	b.mapped--

	return err
}

// VirtualAddress implements memmgr.Backend.
func (b *Backend) VirtualAddress(m memmgr.Memory) uint64 {
	if mem, ok := m.(*Memory); ok {
		return mem.va
	}
	return 0
}

// Bind implements memmgr.Backend for *Resource.
func (b *Backend) Bind(res memmgr.Bindable, m memmgr.Memory, offset uint64) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	r, ok := res.(*Resource)
	if !ok {
		return fmt.Errorf("%w: resource %T", ErrUnknown, res)
	}
	mem, err := b.lookup(m)
	if err != nil {
		return err
	}
	if b.inject.bind > 0 {
		b.inject.bind--
		return fmt.Errorf("%w: bind", ErrInjected)
	}
	if offset+r.Size > mem.size {
		return fmt.Errorf("%w: %d bytes at offset %d of %s", ErrBindTooSmall, r.Size, offset, mem)
	}

	if r.bindings == nil {
		r.bindings = make(map[memmgr.DeviceID]Binding)
	}
	r.bindings[mem.device] = Binding{Memory: mem, Offset: offset}

	return nil
}

func (b *Backend) lookup(m memmgr.Memory) (*Memory, error) {
	mem, ok := m.(*Memory)
	if !ok {
		return nil, fmt.Errorf("%w: memory %T", ErrUnknown, m)
	}
	if _, ok := b.objects[mem]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, mem)
	}
	return mem, nil
}

// FailCreate makes the next count memory creations fail.
func (b *Backend) FailCreate(count int) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.inject.create = count
}

// FailMap makes the next count host mappings fail.
func (b *Backend) FailMap(count int) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.inject.mmap = count
}

// FailBind makes the next count binds fail.
func (b *Backend) FailBind(count int) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.inject.bind = count
}

// Live returns the number of live memory objects.
func (b *Backend) Live() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.objects)
}

// Created returns the number of memory objects created so far.
func (b *Backend) Created() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.created
}

// Destroyed returns the number of memory objects destroyed so far.
func (b *Backend) Destroyed() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.destroyed
}

// Mapped returns the number of memory objects with a host mapping.
func (b *Backend) Mapped() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.mapped
}

// Used returns the bytes in use in a heap of a device.
func (b *Backend) Used(dev memmgr.DeviceID, heap memmgr.Heap) uint64 {
	b.lock.Lock()
	defer b.lock.Unlock()
	if dev < 0 || dev >= b.devices || !heap.IsValid() {
		return 0
	}
	return b.used[dev][heap]
}

// HostBytes returns the host mapping of a memory object, or nil if it is
// not mapped.
func (b *Backend) HostBytes(m memmgr.Memory) []byte {
	b.lock.Lock()
	defer b.lock.Unlock()
	mem, err := b.lookup(m)
	if err != nil {
		return nil
	}
	return mem.host
}
