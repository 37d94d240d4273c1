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
	"sync/atomic"
)

// PoolRef is an opaque reference to a pool list. The zero PoolRef refers
// to no pool list.
type PoolRef struct {
	index      int
	generation uint64
}

// IsValid returns true if the reference refers to a pool list.
func (r PoolRef) IsValid() bool {
	return r.generation != 0
}

// String returns a string representation of the reference.
func (r PoolRef) String() string {
	if !r.IsValid() {
		return "<no pool>"
	}
	return fmt.Sprintf("<pool list #%d/%d>", r.index, r.generation)
}

var (
	// generations are never reused, not even across managers.
	nextGeneration atomic.Uint64
)

// registry maps pool properties to pool lists.
type registry struct {
	generation uint64
	lists      []*PoolList
	byKey      map[PoolProperties]*PoolList
	limit      int
}

func newRegistry(limit int) *registry {
	return &registry{
		generation: nextGeneration.Add(1),
		byKey:      make(map[PoolProperties]*PoolList),
		limit:      limit,
	}
}

// resolve returns the pool list for the properties, creating it if needed.
func (r *registry) resolve(props PoolProperties) (*PoolList, error) {
	if l, ok := r.byKey[props]; ok {
		return l, nil
	}

	if r.limit > 0 && len(r.lists) >= r.limit {
		return nil, fmt.Errorf("%w: pool list limit (%d) reached for %s",
			ErrOutOfHostMemory, r.limit, props)
	}

	l := &PoolList{
		index: len(r.lists),
		props: props,
	}
	r.lists = append(r.lists, l)
	r.byKey[props] = l

	log.Debug("created pool list #%d for %s", l.index, props)

	return l, nil
}

// lookup returns the pool list for the reference.
func (r *registry) lookup(ref PoolRef) (*PoolList, error) {
	if ref.generation != r.generation {
		return nil, fmt.Errorf("%w: %s (current generation %d)", ErrStalePoolRef, ref, r.generation)
	}
	if ref.index < 0 || ref.index >= len(r.lists) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPoolRef, ref)
	}
	return r.lists[ref.index], nil
}

// ref returns a reference to the pool list.
func (r *registry) ref(l *PoolList) PoolRef {
	return PoolRef{index: l.index, generation: r.generation}
}

// foreach calls fn for each pool list in creation order until fn returns false.
func (r *registry) foreach(fn func(*PoolList) bool) {
	for _, l := range r.lists {
		if !fn(l) {
			return
		}
	}
}
