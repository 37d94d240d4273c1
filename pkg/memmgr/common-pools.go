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
	"strings"
)

// CommonPoolID identifies a frequently used pool whose properties are
// resolved once at initialization.
type CommonPoolID int

const (
	// PoolGpuReadOnlyRemote is GPU read-only memory in cacheable system memory.
	PoolGpuReadOnlyRemote CommonPoolID = iota
	// PoolGpuReadOnlyCpuVisible is GPU read-only, CPU-visible memory.
	PoolGpuReadOnlyCpuVisible
	// PoolCpuVisible is CPU-visible memory.
	PoolCpuVisible
	// PoolDescriptorTable is memory in the descriptor table VA range.
	PoolDescriptorTable
	// PoolShadowDescriptorTable is memory in the shadow descriptor table VA range.
	PoolShadowDescriptorTable
	// CommonPoolCount is the number of common pools.
	CommonPoolCount = 5
)

var (
	commonPoolToString = map[CommonPoolID]string{
		PoolGpuReadOnlyRemote:     "GpuReadOnlyRemote",
		PoolGpuReadOnlyCpuVisible: "GpuReadOnlyCpuVisible",
		PoolCpuVisible:            "CpuVisible",
		PoolDescriptorTable:       "DescriptorTable",
		PoolShadowDescriptorTable: "ShadowDescriptorTable",
	}

	// commonPoolTemplates are the default properties of common pools.
	// Heaps missing from the backend are dropped at initialization.
	commonPoolTemplates = [CommonPoolCount]struct {
		flags   CreateFlags
		vaRange VaRange
		heaps   []Heap
	}{
		PoolGpuReadOnlyRemote: {
			flags: FlagReadOnly | FlagPersistentMapped,
			heaps: []Heap{HeapGartCacheable},
		},
		PoolGpuReadOnlyCpuVisible: {
			flags: FlagReadOnly | FlagPersistentMapped,
			heaps: []Heap{HeapLocal, HeapGartCacheable},
		},
		PoolCpuVisible: {
			flags: FlagPersistentMapped,
			heaps: []Heap{HeapLocal, HeapGartUswc, HeapGartCacheable},
		},
		PoolDescriptorTable: {
			flags:   FlagPersistentMapped,
			vaRange: VaRangeDescriptorTable,
			heaps:   []Heap{HeapLocal, HeapGartCacheable},
		},
		PoolShadowDescriptorTable: {
			flags:   FlagPersistentMapped,
			vaRange: VaRangeShadowDescriptorTable,
			heaps:   []Heap{HeapGartCacheable},
		},
	}
)

// ParseCommonPoolID parses the given common pool name.
func ParseCommonPoolID(str string) (CommonPoolID, error) {
	for id, name := range commonPoolToString {
		if strings.EqualFold(name, str) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown common pool %q", ErrPoolUnavailable, str)
}

// IsValid returns true if the common pool ID is known.
func (id CommonPoolID) IsValid() bool {
	return 0 <= id && id < CommonPoolCount
}

// String returns the name of the common pool.
func (id CommonPoolID) String() string {
	if str, ok := commonPoolToString[id]; ok {
		return str
	}
	return fmt.Sprintf("%%!(memmgr:Bad-CommonPool %d)", int(id))
}

// commonPool is a cached common pool.
type commonPool struct {
	props     PoolProperties
	ref       PoolRef
	available bool
}

// commonPoolProperties returns the properties of a common pool given the
// backend capabilities, or false if the pool is not available.
func (m *Manager) commonPoolProperties(id CommonPoolID) (PoolProperties, bool) {
	if id == PoolShadowDescriptorTable && !m.props.ShadowDescriptorTable {
		return PoolProperties{}, false
	}

	tmpl := commonPoolTemplates[id]
	heaps, ok := m.poolHeaps[id]
	if !ok {
		heaps = MustHeapList(tmpl.heaps...)
	}
	heaps = heaps.Filter(func(h Heap) bool {
		_, present := m.props.Heap(h)
		return present
	})
	if heaps.Len() == 0 {
		return PoolProperties{}, false
	}

	return PoolProperties{
		Flags:   tmpl.flags,
		VaRange: tmpl.vaRange,
		Heaps:   heaps,
	}, true
}

// setupCommonPools resolves the pool lists of all available common pools.
func (m *Manager) setupCommonPools() error {
	for id := CommonPoolID(0); id < CommonPoolCount; id++ {
		props, ok := m.commonPoolProperties(id)
		if !ok {
			m.common[id] = commonPool{}
			log.Info("common pool %s is not available", id)
			continue
		}

		l, err := m.reg.resolve(props)
		if err != nil {
			return fmt.Errorf("failed to set up common pool %s: %w", id, err)
		}

		m.common[id] = commonPool{
			props:     props,
			ref:       m.reg.ref(l),
			available: true,
		}
	}

	return nil
}

// CommonPool returns the create info template of a common pool. The
// caller fills in size and alignment. The template carries a pool
// reference which spares allocations the property lookup.
func (m *Manager) CommonPool(id CommonPoolID) (CreateInfo, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.reg == nil {
		return CreateInfo{}, ErrNotInitialized
	}
	if !id.IsValid() {
		return CreateInfo{}, fmt.Errorf("%w: %s", ErrPoolUnavailable, id)
	}

	c := &m.common[id]
	if !c.available {
		return CreateInfo{}, fmt.Errorf("%w: common pool %s", ErrPoolUnavailable, id)
	}

	return CreateInfo{
		VaRange: c.props.VaRange,
		Heaps:   c.props.Heaps.Heaps(),
		Flags:   c.props.Flags,
		Pool:    c.ref,
	}, nil
}
