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

package v1alpha1_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/resource"

	cfgapi "github.com/containers/gpu-memmgr/pkg/apis/config/v1alpha1"
)

func TestParseConfig(t *testing.T) {
	for _, tc := range []*struct {
		name    string
		data    string
		invalid bool
		check   func(*testing.T, *cfgapi.GpuMemConfig)
	}{
		{
			name: "empty data gives defaults",
			data: "",
			check: func(t *testing.T, c *cfgapi.GpuMemConfig) {
				require.Equal(t, cfgapi.DefaultConfig(), c)
			},
		},
		{
			name: "manager settings",
			data: `
kind: GpuMemConfig
spec:
  devices: [0, 1]
  poolChunkSize: 32Mi
  minBlockSize: 4Ki
  commonPools:
    CpuVisible: [GartCacheable]
  simulator:
    devices: 2
    shadowDescriptorTable: true
    heaps:
      - heap: Local
        size: 128Mi
      - heap: GartCacheable
        size: 1Gi
`,
			check: func(t *testing.T, c *cfgapi.GpuMemConfig) {
				require.Equal(t, []int{0, 1}, c.Spec.Devices)
				require.Equal(t, int64(32<<20), c.Spec.PoolChunkSize.Value())
				require.Equal(t, int64(4<<10), c.Spec.MinBlockSize.Value())
				require.Equal(t, []string{"GartCacheable"}, c.Spec.CommonPools["CpuVisible"])
				require.Equal(t, 2, c.Spec.Simulator.Devices)
				require.True(t, c.Spec.Simulator.ShadowDescriptorTable)
				require.Len(t, c.Spec.Simulator.Heaps, 2)
				require.Equal(t, resource.MustParse("1Gi"), c.Spec.Simulator.Heaps[1].Size)
			},
		},
		{
			name: "workload and instrumentation",
			data: `
spec:
  workload:
    operations: 10
    rate: 5
    duration: 1m
  instrumentation:
    httpEndpoint: ":8891"
    samplingRatePerMillion: 500000
`,
			check: func(t *testing.T, c *cfgapi.GpuMemConfig) {
				require.Equal(t, 10, c.Spec.Workload.Operations)
				require.Equal(t, 5.0, c.Spec.Workload.Rate)
				require.Equal(t, "1m0s", c.Spec.Workload.Duration.Duration.String())
				require.Equal(t, ":8891", c.Spec.Instrumentation.HTTPEndpoint)
				require.Equal(t, 0.5, c.Spec.Instrumentation.SamplingRatio())
			},
		},
		{
			name:    "unknown field",
			data:    "spec:\n  bogus: 1\n",
			invalid: true,
		},
		{
			name:    "wrong kind",
			data:    "kind: Pod\n",
			invalid: true,
		},
		{
			name:    "zero chunk size",
			data:    "spec:\n  poolChunkSize: \"0\"\n",
			invalid: true,
		},
		{
			name:    "bad dedicated percentage",
			data:    "spec:\n  workload:\n    dedicatedPercent: 150\n",
			invalid: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := cfgapi.ParseConfig([]byte(tc.data))
			if tc.invalid {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tc.check(t, cfg)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("spec:\n  maxPoolLists: 8\n"), 0o644))

	cfg, err := cfgapi.LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Spec.MaxPoolLists)

	_, err = cfgapi.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestConfigYAMLRoundTrip(t *testing.T) {
	data, err := cfgapi.DefaultConfig().YAML()
	require.NoError(t, err)

	cfg, err := cfgapi.ParseConfig([]byte(data))
	require.NoError(t, err)
	require.Equal(t, cfgapi.DefaultConfig().Spec.Workload.Operations, cfg.Spec.Workload.Operations)
	require.Len(t, cfg.Spec.Simulator.Heaps, 4)
}
