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

// PoolList is an append-only list of pools sharing the same properties.
type PoolList struct {
	index int
	props PoolProperties
	pools []*Pool
}

// Properties returns the properties of the pools in the list.
func (l *PoolList) Properties() PoolProperties {
	return l.props
}

// Len returns the number of pools in the list.
func (l *PoolList) Len() int {
	return len(l.pools)
}

// ForeachPool calls fn for each pool in creation order until fn returns false.
func (l *PoolList) ForeachPool(fn func(*Pool) bool) {
	for _, p := range l.pools {
		if !fn(p) {
			return
		}
	}
}

func (l *PoolList) append(p *Pool) {
	l.pools = append(l.pools, p)
}
