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

package workload

import (
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Config describes a synthetic allocate/free workload.
// +k8s:deepcopy-gen=true
type Config struct {
	// Operations is the number of operations to run. Zero runs until
	// Duration expires or the simulator is interrupted.
	// +optional
	Operations int `json:"operations,omitempty"`
	// Duration limits the run time of the workload.
	// +optional
	// +kubebuilder:validation:Format="duration"
	Duration metav1.Duration `json:"duration,omitempty"`
	// Rate is the number of operations per second.
	// +optional
	// +kubebuilder:default=100
	Rate float64 `json:"rate,omitempty"`
	// Burst is the number of operations allowed to run back to back.
	// +optional
	// +kubebuilder:default=1
	Burst int `json:"burst,omitempty"`
	// Sizes are the request sizes to pick from.
	// +optional
	// +kubebuilder:default={"4Ki","64Ki","1Mi"}
	Sizes []resource.Quantity `json:"sizes,omitempty"`
	// MaxLive is the number of live allocations above which the workload
	// only frees.
	// +optional
	// +kubebuilder:default=256
	MaxLive int `json:"maxLive,omitempty"`
	// CommonPools are the common pools requests are directed to.
	// +optional
	// +kubebuilder:default={"CpuVisible"}
	CommonPools []string `json:"commonPools,omitempty"`
	// DedicatedPercent is the percentage of requests that bypass
	// sub-allocation.
	// +optional
	DedicatedPercent int `json:"dedicatedPercent,omitempty"`
	// Seed seeds the pseudo-random workload generator.
	// +optional
	Seed uint64 `json:"seed,omitempty"`
}
