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
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	cfgapi "github.com/containers/gpu-memmgr/pkg/apis/config/v1alpha1/memmgr"
	"github.com/containers/gpu-memmgr/pkg/instrumentation/tracing"
	"github.com/containers/gpu-memmgr/pkg/memmgr/buddy"
)

const (
	// DefaultPoolChunkSize is the default minimum base allocation size.
	DefaultPoolChunkSize = 64 << 20
	// DefaultMinBlockSize is the default smallest sub-allocation block.
	DefaultMinBlockSize = buddy.DefaultMinBlockSize
)

// Manager sub-allocates GPU memory for a device group.
type Manager struct {
	lock      sync.Mutex
	backend   Backend
	devices   DeviceMask
	chunkSize uint64
	minBlock  uint64
	maxLists  int
	newSub    SubAllocatorFunc
	poolHeaps map[CommonPoolID]HeapList

	props     Properties
	reg       *registry
	dedicated map[*Pool]struct{}
	common    [CommonPoolCount]commonPool
	nextPool  int
	serial    uint64
	counters  Counters
}

// Counters are cumulative event counts of a Manager.
type Counters struct {
	Allocations    uint64
	Frees          uint64
	Failures       uint64
	PoolsCreated   uint64
	PoolFailures   uint64
	PoolsDestroyed uint64
}

// ManagerOption is an option for a Manager.
type ManagerOption func(*Manager) error

// WithDevices sets the devices participating in the device group.
func WithDevices(ids ...DeviceID) ManagerOption {
	return func(m *Manager) error {
		mask := DeviceMask(0)
		for _, id := range ids {
			if id < 0 || id >= MaxDevices {
				return fmt.Errorf("%w: #%d (max %d devices)", ErrInvalidDevice, id, MaxDevices)
			}
			mask = mask.Set(id)
		}
		m.devices = mask
		return nil
	}
}

// WithPoolChunkSize sets the minimum size of base allocations of
// sub-allocated pools. It must be a power of two.
func WithPoolChunkSize(size uint64) ManagerOption {
	return func(m *Manager) error {
		if !isPow2(size) {
			return fmt.Errorf("pool chunk size %d is not a power of two", size)
		}
		m.chunkSize = size
		return nil
	}
}

// WithMinBlockSize sets the smallest block of the default sub-allocator.
// It must be a power of two.
func WithMinBlockSize(size uint64) ManagerOption {
	return func(m *Manager) error {
		if !isPow2(size) {
			return fmt.Errorf("minimum block size %d is not a power of two", size)
		}
		m.minBlock = size
		return nil
	}
}

// WithSubAllocator sets the function used to create pool sub-allocators.
func WithSubAllocator(fn SubAllocatorFunc) ManagerOption {
	return func(m *Manager) error {
		if fn == nil {
			return fmt.Errorf("nil sub-allocator function")
		}
		m.newSub = fn
		return nil
	}
}

// WithMaxPoolLists limits the number of distinct pool property keys.
// Requests needing more fail with ErrOutOfHostMemory.
func WithMaxPoolLists(limit int) ManagerOption {
	return func(m *Manager) error {
		if limit < 0 {
			return fmt.Errorf("invalid pool list limit %d", limit)
		}
		m.maxLists = limit
		return nil
	}
}

// WithCommonPoolHeaps overrides the heap preference of a common pool.
func WithCommonPoolHeaps(id CommonPoolID, heaps ...Heap) ManagerOption {
	return func(m *Manager) error {
		if !id.IsValid() {
			return fmt.Errorf("%w: %s", ErrPoolUnavailable, id)
		}
		list, err := NewHeapList(heaps...)
		if err != nil {
			return err
		}
		m.poolHeaps[id] = list
		return nil
	}
}

// WithConfig applies the given configuration.
func WithConfig(cfg *cfgapi.Config) ManagerOption {
	return func(m *Manager) error {
		if cfg == nil {
			return nil
		}

		opts := []ManagerOption{}
		if len(cfg.Devices) > 0 {
			ids := make([]DeviceID, 0, len(cfg.Devices))
			for _, id := range cfg.Devices {
				ids = append(ids, DeviceID(id))
			}
			opts = append(opts, WithDevices(ids...))
		}
		if q := cfg.PoolChunkSize; q != nil {
			opts = append(opts, WithPoolChunkSize(uint64(q.Value())))
		}
		if q := cfg.MinBlockSize; q != nil {
			opts = append(opts, WithMinBlockSize(uint64(q.Value())))
		}
		opts = append(opts, WithMaxPoolLists(cfg.MaxPoolLists))
		for name, heapNames := range cfg.CommonPools {
			id, err := ParseCommonPoolID(name)
			if err != nil {
				return err
			}
			heaps, err := ParseHeapList(heapNames...)
			if err != nil {
				return fmt.Errorf("common pool %s: %w", name, err)
			}
			opts = append(opts, WithCommonPoolHeaps(id, heaps.Heaps()...))
		}

		for _, o := range opts {
			if err := o(m); err != nil {
				return err
			}
		}
		return nil
	}
}

// NewManager creates a manager allocating through the given backend.
// The manager needs to be initialized with Init before use.
func NewManager(backend Backend, options ...ManagerOption) (*Manager, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrFailedOption)
	}

	m := &Manager{
		backend:   backend,
		chunkSize: DefaultPoolChunkSize,
		minBlock:  DefaultMinBlockSize,
		poolHeaps: make(map[CommonPoolID]HeapList),
	}
	m.newSub = m.newBuddyAllocator

	for _, o := range options {
		if err := o(m); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedOption, err)
		}
	}

	if m.minBlock > m.chunkSize {
		return nil, fmt.Errorf("%w: minimum block size %s exceeds pool chunk size %s",
			ErrFailedOption, prettySize(m.minBlock), prettySize(m.chunkSize))
	}

	return m, nil
}

func (m *Manager) newBuddyAllocator(extent uint64) (SubAllocator, error) {
	return buddy.New(extent, m.minBlock)
}

// Init caches backend properties, sets up the pool registry and resolves
// the common pools. A manager can be re-initialized after Destroy.
func (m *Manager) Init() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.reg != nil {
		return fmt.Errorf("%w: already initialized", ErrInitializationFailed)
	}

	props := m.backend.Properties()
	if props.Devices <= 0 {
		return fmt.Errorf("%w: backend has no devices", ErrInitializationFailed)
	}

	devices := m.devices
	if devices == 0 {
		devices = AllDevices(props.Devices)
	}
	if !devices.IsValid() || devices&^AllDevices(props.Devices) != 0 {
		return fmt.Errorf("%w: %w: %s not available (backend has %d devices)",
			ErrInitializationFailed, ErrInvalidDevice, devices, props.Devices)
	}

	heaps := 0
	for _, hp := range props.Heaps {
		if hp.Heap.IsValid() && hp.Size > 0 {
			heaps++
		}
	}
	if heaps == 0 {
		return fmt.Errorf("%w: backend has no usable heaps", ErrInitializationFailed)
	}

	m.props = props
	m.devices = devices
	m.reg = newRegistry(m.maxLists)
	m.dedicated = make(map[*Pool]struct{})

	if err := m.setupCommonPools(); err != nil {
		m.reg = nil
		m.dedicated = nil
		return fmt.Errorf("%w: %w", ErrInitializationFailed, err)
	}

	m.dumpConfig()

	return nil
}

// Destroy releases all pools. Allocations made before Destroy become
// invalid and freeing them is a no-op.
func (m *Manager) Destroy() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.reg == nil {
		return nil
	}

	m.dumpState("destroying ")

	var errs *multierror.Error
	destroy := func(p *Pool) {
		if len(p.live) > 0 {
			log.Warn("destroying %s with live allocations", p)
		}
		if err := p.destroy(m.backend); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("pool #%d: %w", p.id, err))
		}
		m.counters.PoolsDestroyed++
	}

	m.reg.foreach(func(l *PoolList) bool {
		l.ForeachPool(func(p *Pool) bool {
			destroy(p)
			return true
		})
		return true
	})
	for p := range m.dedicated {
		destroy(p)
	}

	m.reg = nil
	m.dedicated = nil
	m.common = [CommonPoolCount]commonPool{}

	if err := errs.ErrorOrNil(); err != nil {
		log.Error("failed to destroy pools: %v", err)
		return err
	}

	return nil
}

// Devices returns the devices of the device group.
func (m *Manager) Devices() DeviceMask {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.devices
}

// IsInitialized returns true if the manager is initialized.
func (m *Manager) IsInitialized() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.reg != nil
}

// Allocate allocates GPU memory for the given request. The context is
// only used for tracing.
func (m *Manager) Allocate(ctx context.Context, info *CreateInfo) (a Allocation, retErr error) {
	if info == nil {
		return Allocation{}, fmt.Errorf("%w: missing create info", ErrInvalidRequest)
	}

	_, span := tracing.StartSpan(ctx, "memmgr.Allocate",
		tracing.WithAttributes(
			tracing.Attribute("size", int64(info.Size)),
			tracing.Attribute("alignment", int64(info.Alignment)),
			tracing.Attribute("flags", info.Flags),
			tracing.Attribute("vaRange", info.VaRange),
		),
	)
	defer func() {
		span.End(tracing.WithStatus(retErr))
	}()

	m.lock.Lock()
	defer m.lock.Unlock()

	return m.allocate(info)
}

// AllocateAndBind allocates memory for the resource according to its
// memory requirements and binds it on every device of the device group.
// The invisible heap is dropped from the requirements if requested.
func (m *Manager) AllocateAndBind(ctx context.Context, res Bindable, readOnly, removeInvisibleHeap bool) (a Allocation, retErr error) {
	_, span := tracing.StartSpan(ctx, "memmgr.AllocateAndBind",
		tracing.WithAttributes(
			tracing.Attribute("readOnly", readOnly),
			tracing.Attribute("removeInvisibleHeap", removeInvisibleHeap),
		),
	)
	defer func() {
		span.End(tracing.WithStatus(retErr))
	}()

	req, err := res.MemoryRequirements()
	if err != nil {
		return Allocation{}, fmt.Errorf("%w: failed to query memory requirements: %w",
			ErrInvalidRequest, err)
	}

	heaps := req.Heaps
	if removeInvisibleHeap {
		heaps = make([]Heap, 0, len(req.Heaps))
		for _, h := range req.Heaps {
			if h != HeapInvisible {
				heaps = append(heaps, h)
			}
		}
		if len(heaps) == 0 {
			return Allocation{}, fmt.Errorf("%w: no heaps left after removing %s from %v",
				ErrInvalidHeap, HeapInvisible, req.Heaps)
		}
	}

	info := &CreateInfo{
		Size:      req.Size,
		Alignment: req.Alignment,
		Heaps:     heaps,
	}
	if readOnly {
		info.Flags = info.Flags.Set(FlagReadOnly)
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	a, err = m.allocate(info)
	if err != nil {
		return Allocation{}, err
	}

	a.devices.Foreach(func(id DeviceID) bool {
		if e := m.backend.Bind(res, a.pool.memory.memory(id), a.offset); e != nil {
			err = fmt.Errorf("%w: device #%d: %w", ErrBindFailed, id, e)
			return false
		}
		return true
	})
	if err != nil {
		m.free(a)
		return Allocation{}, err
	}

	return a, nil
}

// Free releases an allocation. Freeing the zero Allocation, an already
// freed allocation, or one made before the manager was destroyed is a
// no-op.
func (m *Manager) Free(a Allocation) {
	if a.pool == nil {
		return
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if a.pool.mgr != m {
		log.Warn("ignoring free of %s owned by another manager", a)
		return
	}

	m.free(a)
}

// CalcSubAllocationPool returns a reference to the pool list for the
// given properties, creating the list if necessary.
func (m *Manager) CalcSubAllocationPool(props PoolProperties) (PoolRef, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.reg == nil {
		return PoolRef{}, ErrNotInitialized
	}
	if err := props.Validate(); err != nil {
		return PoolRef{}, err
	}

	l, err := m.reg.resolve(props)
	if err != nil {
		return PoolRef{}, err
	}

	return m.reg.ref(l), nil
}

func (m *Manager) allocate(info *CreateInfo) (Allocation, error) {
	a, err := m.tryAllocate(info)
	if err != nil {
		m.counters.Failures++
		log.Debug("failed to allocate %s: %v", info, err)
		m.dumpState("after failed allocation: ")
		return Allocation{}, err
	}

	m.counters.Allocations++
	log.Debug("allocated %s for %s", a, info)

	return a, nil
}

func (m *Manager) tryAllocate(info *CreateInfo) (Allocation, error) {
	if m.reg == nil {
		return Allocation{}, ErrNotInitialized
	}

	props, err := info.Validate()
	if err != nil {
		return Allocation{}, err
	}

	if props.Flags.NoSuballocation() {
		return m.allocateDedicated(info, props)
	}

	l, err := m.poolList(info, props)
	if err != nil {
		return Allocation{}, err
	}

	var (
		size      = info.Size
		alignment = info.alignment()
		serial    = m.nextSerial()
		a         Allocation
		found     bool
	)

	l.ForeachPool(func(p *Pool) bool {
		offset, err := p.suballocate(size, alignment, serial)
		if err != nil {
			return true
		}
		a, found = m.newAllocation(p, offset, serial, info), true
		return false
	})
	if found {
		return a, nil
	}

	p, err := m.createPool(props, size, alignment, false)
	if err != nil {
		return Allocation{}, err
	}

	offset, err := p.suballocate(size, alignment, serial)
	if err != nil {
		m.destroyPool(p)
		return Allocation{}, fmt.Errorf("%w: %s: new %s has no room: %w",
			ErrOutOfDeviceMemory, info, p, err)
	}
	l.append(p)

	return m.newAllocation(p, offset, serial, info), nil
}

func (m *Manager) allocateDedicated(info *CreateInfo, props PoolProperties) (Allocation, error) {
	p, err := m.createPool(props, info.Size, info.alignment(), true)
	if err != nil {
		return Allocation{}, err
	}

	serial := m.nextSerial()
	offset, err := p.suballocate(info.Size, info.alignment(), serial)
	if err != nil {
		m.destroyPool(p)
		return Allocation{}, err
	}
	m.dedicated[p] = struct{}{}

	return m.newAllocation(p, offset, serial, info), nil
}

// poolList returns the pool list for the request, honoring a valid pool
// reference. Stale references are ignored.
func (m *Manager) poolList(info *CreateInfo, props PoolProperties) (*PoolList, error) {
	if info.Pool.IsValid() {
		l, err := m.reg.lookup(info.Pool)
		switch {
		case err == nil:
			if l.props != props {
				return nil, fmt.Errorf("%w: %s is for %s, request has %s",
					ErrPoolMismatch, info.Pool, l.props, props)
			}
			return l, nil
		case errors.Is(err, ErrStalePoolRef):
			log.Warn("ignoring pool reference: %v", err)
		default:
			return nil, err
		}
	}

	return m.reg.resolve(props)
}

// createPool creates a pool with a base allocation fitting the request.
// Sub-allocated pools get a power of two base allocation of at least the
// pool chunk size, aligned to its size.
func (m *Manager) createPool(props PoolProperties, size, alignment uint64, dedicated bool) (*Pool, error) {
	info := &MemoryCreateInfo{
		Size:      size,
		Alignment: alignment,
		VaRange:   props.VaRange,
		Heaps:     props.Heaps.Heaps(),
		ReadOnly:  props.Flags.ReadOnly(),
	}
	if !dedicated {
		block := max(size, alignment, m.minBlock)
		if block > maxPoolSize {
			m.counters.PoolFailures++
			return nil, fmt.Errorf("%w: no pool can hold %s",
				ErrOutOfDeviceMemory, prettySize(size))
		}
		info.Size = max(m.chunkSize, nextPow2(block))
		info.Alignment = info.Size
	}

	mem, err := newDeviceGroupMemory(m.backend, m.devices, info, props.Flags.PersistentMapped())
	if err != nil {
		m.counters.PoolFailures++
		return nil, err
	}

	p := &Pool{
		mgr:    m,
		id:     m.nextPool,
		props:  props,
		memory: mem,
		live:   make(map[uint64]allocRecord),
	}

	if !dedicated {
		sub, err := m.newSub(info.Size)
		if err != nil {
			m.counters.PoolFailures++
			if e := mem.destroy(m.backend); e != nil {
				log.Error("failed to destroy memory of failed pool: %v", e)
			}
			return nil, fmt.Errorf("%w: failed to create sub-allocator for %s: %w",
				ErrOutOfHostMemory, prettySize(info.Size), err)
		}
		p.sub = sub
	}

	m.nextPool++
	m.counters.PoolsCreated++
	log.Debug("created %s for %s", p, props)

	return p, nil
}

func (m *Manager) destroyPool(p *Pool) {
	if err := p.destroy(m.backend); err != nil {
		log.Error("failed to destroy %s: %v", p, err)
	}
	m.counters.PoolsDestroyed++
}

func (m *Manager) free(a Allocation) {
	p := a.pool
	if !p.release(a.offset, a.serial) {
		log.Debug("ignoring free of stale %s", a)
		return
	}

	m.counters.Frees++
	log.Debug("freed %s", a)

	if p.IsDedicated() {
		delete(m.dedicated, p)
		m.destroyPool(p)
	}
}

func (m *Manager) nextSerial() uint64 {
	m.serial++
	return m.serial
}
