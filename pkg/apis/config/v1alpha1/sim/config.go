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

package sim

import (
	"k8s.io/apimachinery/pkg/api/resource"
)

// Config describes the simulated devices of the simulator backend.
// +k8s:deepcopy-gen=true
type Config struct {
	// Devices is the number of simulated devices.
	// +optional
	// +kubebuilder:default=1
	Devices int `json:"devices,omitempty"`
	// Heaps describes the heaps present on every simulated device.
	// +optional
	Heaps []HeapConfig `json:"heaps,omitempty"`
	// ShadowDescriptorTable enables the shadow descriptor table VA range.
	// +optional
	ShadowDescriptorTable bool `json:"shadowDescriptorTable,omitempty"`
}

// HeapConfig describes a single simulated heap.
type HeapConfig struct {
	// Heap is the name of the heap (Local, Invisible, GartUswc, GartCacheable).
	Heap string `json:"heap"`
	// Size is the capacity of the heap on each device.
	Size resource.Quantity `json:"size"`
	// CPUVisible overrides the default CPU visibility of the heap.
	// +optional
	CPUVisible *bool `json:"cpuVisible,omitempty"`
}
