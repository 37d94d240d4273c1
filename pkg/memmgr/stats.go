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

// Stats is a snapshot of the state of a Manager.
type Stats struct {
	// PoolLists is the number of pool lists.
	PoolLists int
	// Pools is the number of sub-allocated pools.
	Pools int
	// DedicatedPools is the number of dedicated pools.
	DedicatedPools int
	// Allocations is the number of live allocations.
	Allocations int
	// BaseBytes is the total size of all base allocations, per device.
	BaseBytes uint64
	// UsedBytes is the total size of live allocations.
	UsedBytes uint64
	// Lists has the details of each pool list, in creation order.
	Lists []PoolListStats
	// Counters are the cumulative event counts.
	Counters Counters
}

// PoolListStats describes a pool list.
type PoolListStats struct {
	Properties PoolProperties
	Pools      []PoolStats
}

// PoolStats describes a pool.
type PoolStats struct {
	ID          int
	Size        uint64
	Used        uint64
	Allocations int
}

// Stats returns a snapshot of the state of the manager.
func (m *Manager) Stats() Stats {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.stats()
}

func (m *Manager) stats() Stats {
	s := Stats{
		Counters: m.counters,
	}
	if m.reg == nil {
		return s
	}

	poolStats := func(p *Pool) PoolStats {
		s.BaseBytes += p.Size()
		s.UsedBytes += p.Used()
		s.Allocations += p.Allocations()
		return PoolStats{
			ID:          p.id,
			Size:        p.Size(),
			Used:        p.Used(),
			Allocations: p.Allocations(),
		}
	}

	m.reg.foreach(func(l *PoolList) bool {
		ls := PoolListStats{Properties: l.props}
		l.ForeachPool(func(p *Pool) bool {
			ls.Pools = append(ls.Pools, poolStats(p))
			return true
		})
		s.Pools += len(ls.Pools)
		s.Lists = append(s.Lists, ls)
		return true
	})
	for p := range m.dedicated {
		poolStats(p)
	}

	s.PoolLists = len(s.Lists)
	s.DedicatedPools = len(m.dedicated)

	return s
}
