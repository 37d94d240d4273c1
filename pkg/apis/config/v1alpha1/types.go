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

package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/containers/gpu-memmgr/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/gpu-memmgr/pkg/apis/config/v1alpha1/log"
	"github.com/containers/gpu-memmgr/pkg/apis/config/v1alpha1/memmgr"
	"github.com/containers/gpu-memmgr/pkg/apis/config/v1alpha1/sim"
	"github.com/containers/gpu-memmgr/pkg/apis/config/v1alpha1/workload"
)

// GpuMemConfig represents the configuration of the GPU memory simulator.
// +kubebuilder:object:root=true
type GpuMemConfig struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec GpuMemConfigSpec `json:"spec"`
}

// GpuMemConfigSpec describes the memory manager, the simulated devices,
// and the workload driving them.
type GpuMemConfigSpec struct {
	memmgr.Config `json:",inline"`
	// +optional
	Simulator sim.Config `json:"simulator,omitempty"`
	// +optional
	Workload workload.Config `json:"workload,omitempty"`
	// +optional
	Log log.Config `json:"log,omitempty"`
	// +optional
	Instrumentation instrumentation.Config `json:"instrumentation,omitempty"`
}
