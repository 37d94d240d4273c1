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
	"fmt"
	"os"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/containers/gpu-memmgr/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/gpu-memmgr/pkg/apis/config/v1alpha1/memmgr"
	"github.com/containers/gpu-memmgr/pkg/apis/config/v1alpha1/sim"
	"github.com/containers/gpu-memmgr/pkg/apis/config/v1alpha1/workload"
)

const (
	// Kind is the kind of GpuMemConfig objects.
	Kind = "GpuMemConfig"
	// APIVersion is the API version of GpuMemConfig objects.
	APIVersion = "config.gpumem.io/v1alpha1"
)

// DefaultConfig returns the default simulator configuration.
func DefaultConfig() *GpuMemConfig {
	chunk := resource.MustParse("64Mi")
	block := resource.MustParse("256")
	return &GpuMemConfig{
		TypeMeta: metav1.TypeMeta{
			Kind:       Kind,
			APIVersion: APIVersion,
		},
		ObjectMeta: metav1.ObjectMeta{
			Name: "default",
		},
		Spec: GpuMemConfigSpec{
			Config: memmgr.Config{
				PoolChunkSize: &chunk,
				MinBlockSize:  &block,
			},
			Simulator: sim.Config{
				Devices: 1,
				Heaps: []sim.HeapConfig{
					{Heap: "Local", Size: resource.MustParse("256Mi")},
					{Heap: "Invisible", Size: resource.MustParse("1Gi")},
					{Heap: "GartUswc", Size: resource.MustParse("512Mi")},
					{Heap: "GartCacheable", Size: resource.MustParse("512Mi")},
				},
			},
			Workload: workload.Config{
				Operations: 1000,
				Rate:       100,
				Burst:      1,
				Sizes: []resource.Quantity{
					resource.MustParse("4Ki"),
					resource.MustParse("64Ki"),
					resource.MustParse("1Mi"),
				},
				MaxLive:     256,
				CommonPools: []string{"CpuVisible"},
			},
			Instrumentation: instrumentation.Config{
				ReportPeriod: metav1.Duration{Duration: 30 * time.Second},
				Metrics: &instrumentation.MetricsConfig{
					Enabled: []string{"memmgr"},
				},
			},
		},
	}
}

// ParseConfig parses YAML or JSON configuration data on top of the defaults.
func ParseConfig(data []byte) (*GpuMemConfig, error) {
	cfg := DefaultConfig()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads and parses the configuration file at the given path.
func LoadConfig(path string) (*GpuMemConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration %q: %w", path, err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate performs basic sanity checks on the configuration.
func (c *GpuMemConfig) Validate() error {
	if c.Kind != "" && c.Kind != Kind {
		return fmt.Errorf("invalid configuration kind %q, expected %q", c.Kind, Kind)
	}

	spec := &c.Spec
	if spec.Simulator.Devices < 0 {
		return fmt.Errorf("invalid number of simulated devices %d", spec.Simulator.Devices)
	}
	for _, h := range spec.Simulator.Heaps {
		if h.Size.Sign() < 0 {
			return fmt.Errorf("invalid negative size %s for heap %s", h.Size.String(), h.Heap)
		}
	}
	for _, q := range []*resource.Quantity{spec.PoolChunkSize, spec.MinBlockSize} {
		if q != nil && q.Sign() <= 0 {
			return fmt.Errorf("invalid non-positive size %s", q.String())
		}
	}
	if spec.MaxPoolLists < 0 {
		return fmt.Errorf("invalid pool list limit %d", spec.MaxPoolLists)
	}
	if spec.Workload.Rate < 0 {
		return fmt.Errorf("invalid workload rate %f", spec.Workload.Rate)
	}
	if p := spec.Workload.DedicatedPercent; p < 0 || p > 100 {
		return fmt.Errorf("invalid dedicated percentage %d", p)
	}
	if r := spec.Instrumentation.SamplingRatePerMillion; r < 0 || r > 1000000 {
		return fmt.Errorf("invalid sampling rate %d", r)
	}

	return nil
}

// YAML returns the configuration in YAML format.
func (c *GpuMemConfig) YAML() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal configuration: %w", err)
	}
	return string(data), nil
}
