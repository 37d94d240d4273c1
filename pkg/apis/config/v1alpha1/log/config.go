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

package log

import (
	"github.com/containers/gpu-memmgr/pkg/apis/config/v1alpha1/log/klogcontrol"
)

// Config provides runtime configuration for logging.
// +k8s:deepcopy-gen=true
type Config struct {
	// Level is the lowest severity of messages emitted: debug, info,
	// warn or error. Debug messages of sources enabled in Debug are
	// emitted regardless of the level.
	// +optional
	// +kubebuilder:validation:Enum=debug;info;warn;error
	// +kubebuilder:default="info"
	Level string `json:"level,omitempty"`
	// Debug turns on debug messages matching listed logger sources,
	// for instance "memmgr,buddy" or "on:memmgr,off:memmgr-details".
	// +optional
	// +kubebuilder:example={"memmgr"}
	Debug []string `json:"debug,omitempty"`
	// Source controls whether messages are prefixed with their logger source.
	// +optional
	LogSource bool `json:"source,omitempty"`
	// Klog configures the klog backend.
	// +optional
	Klog klogcontrol.Config `json:"klog,omitempty"`
}
