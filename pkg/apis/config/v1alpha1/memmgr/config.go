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
	"k8s.io/apimachinery/pkg/api/resource"
)

// Config provides runtime configuration for the GPU memory manager.
// +k8s:deepcopy-gen=true
type Config struct {
	// Devices lists the IDs of the devices participating in the device
	// group. All devices reported by the backend are used if omitted.
	// +optional
	// +kubebuilder:example={0,1}
	Devices []int `json:"devices,omitempty"`
	// PoolChunkSize is the minimum size of a base allocation backing a
	// sub-allocated pool. Larger requests get larger base allocations.
	// +optional
	// +kubebuilder:default="64Mi"
	PoolChunkSize *resource.Quantity `json:"poolChunkSize,omitempty"`
	// MinBlockSize is the smallest block handed out by the sub-allocator.
	// +optional
	// +kubebuilder:default="256"
	MinBlockSize *resource.Quantity `json:"minBlockSize,omitempty"`
	// MaxPoolLists limits the number of distinct pool property keys.
	// Zero means no limit.
	// +optional
	MaxPoolLists int `json:"maxPoolLists,omitempty"`
	// CommonPools overrides the heap preference order of common pools.
	// Keys are common pool names (for instance CpuVisible), values are
	// heap names in order of preference.
	// +optional
	// +kubebuilder:example={"CpuVisible": {"GartCacheable","GartUswc"}}
	CommonPools map[string][]string `json:"commonPools,omitempty"`
}
