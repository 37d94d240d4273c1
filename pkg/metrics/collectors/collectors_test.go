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

package collectors_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/gpu-memmgr/pkg/metrics"
	"github.com/containers/gpu-memmgr/pkg/metrics/collectors"
)

func TestRegister(t *testing.T) {
	r := metrics.NewRegistry()
	require.NoError(t, collectors.Register(r))
	require.Error(t, collectors.Register(r), "duplicate registration")

	g, err := r.NewGatherer(metrics.WithMetrics([]string{"standard/versioninfo"}, nil))
	require.NoError(t, err)
	defer g.Stop()

	mfs, err := g.Gather()
	require.NoError(t, err)
	require.Len(t, mfs, 1)
	require.Equal(t, "version_info", mfs[0].GetName())
	require.Equal(t, 1.0, mfs[0].GetMetric()[0].GetGauge().GetValue())
}
