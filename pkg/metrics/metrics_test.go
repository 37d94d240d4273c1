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

package metrics_test

import (
	"bufio"
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"

	logger "github.com/containers/gpu-memmgr/pkg/log"
	"github.com/containers/gpu-memmgr/pkg/metrics"
)

func TestPrefixing(t *testing.T) {
	for _, tc := range []*struct {
		name      string
		namespace string
		options   []metrics.RegisterOption
		expected  string
	}{
		{
			name:     "default group",
			expected: "default_gauge",
		},
		{
			name:     "named group",
			options:  []metrics.RegisterOption{metrics.WithGroup("memmgr")},
			expected: "memmgr_gauge",
		},
		{
			name: "no subsystem",
			options: []metrics.RegisterOption{
				metrics.WithGroup("memmgr"),
				metrics.WithCollectorOptions(metrics.WithoutSubsystem()),
			},
			expected: "gauge",
		},
		{
			name:      "namespace and subsystem",
			namespace: "gpu",
			options:   []metrics.RegisterOption{metrics.WithGroup("memmgr")},
			expected:  "gpu_memmgr_gauge",
		},
		{
			name:      "no namespace",
			namespace: "gpu",
			options: []metrics.RegisterOption{
				metrics.WithGroup("memmgr"),
				metrics.WithCollectorOptions(metrics.WithoutNamespace()),
			},
			expected: "memmgr_gauge",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := metrics.NewRegistry()
			newTestGauge(t, r, "gauge", tc.options...)

			srv := newTestServer(t, r,
				metrics.WithMetrics([]string{"*"}, nil),
				metrics.WithNamespace(tc.namespace),
			)

			described, collected := srv.collect(t)
			require.True(t, described.HasEntry(tc.expected, "gauge"), "%s described", tc.expected)
			require.Equal(t, "0", collected.GetValue(tc.expected))
		})
	}
}

func TestUpdatedMetricsCollection(t *testing.T) {
	r := metrics.NewRegistry()

	g1 := newTestGauge(t, r, "test1", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	g2 := newTestGauge(t, r, "test2", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))

	srv := newTestServer(t, r, metrics.WithMetrics([]string{"*"}, nil))

	_, collected := srv.collect(t)
	require.Equal(t, "0", collected.GetValue("test1"))
	require.Equal(t, "0", collected.GetValue("test2"))

	g1.Inc()
	g2.Set(5)

	_, collected = srv.collect(t)
	require.Equal(t, "1", collected.GetValue("test1"))
	require.Equal(t, "5", collected.GetValue("test2"))
}

func TestMetricsConfiguration(t *testing.T) {
	r := metrics.NewRegistry()

	newTestGauge(t, r, "test1", metrics.WithGroup("group1"))
	newTestGauge(t, r, "test2", metrics.WithGroup("group1"),
		metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	newTestGauge(t, r, "test3", metrics.WithGroup("group2"),
		metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	newTestGauge(t, r, "test4", metrics.WithGroup("group2"))

	srv := newTestServer(t, r, metrics.WithMetrics([]string{"test1", "group2"}, nil))

	described, collected := srv.collect(t)
	require.True(t, described.HasEntry("group1_test1", "gauge"))
	require.True(t, described.HasEntry("test3", "gauge"))
	require.True(t, described.HasEntry("group2_test4", "gauge"))

	require.True(t, collected.HasEntry("group1_test1"), "group1_test1 collected")
	require.False(t, collected.HasEntry("test2"), "test2 not collected")
	require.True(t, collected.HasEntry("test3"), "test3 collected")
	require.True(t, collected.HasEntry("group2_test4"), "group2_test4 collected")

	_, err := r.NewGatherer(metrics.WithMetrics([]string{"group3"}, nil))
	require.Error(t, err, "unmatched glob")

	state, err := r.Configure([]string{"group1/*"}, nil)
	require.NoError(t, err)
	require.True(t, state.IsEnabled())
	require.False(t, state.IsPolled())
}

func TestDuplicateRegistration(t *testing.T) {
	r := metrics.NewRegistry()
	newTestGauge(t, r, "test", metrics.WithGroup("group"))

	err := r.Register("test", prometheus.NewGauge(prometheus.GaugeOpts{Name: "other"}),
		metrics.WithGroup("group"))
	require.Error(t, err)

	require.NoError(t, r.Register("test", prometheus.NewGauge(prometheus.GaugeOpts{Name: "other"}),
		metrics.WithGroup("another")))
}

func TestMetricsPolling(t *testing.T) {
	r := metrics.NewRegistry()

	p1 := newTestPolled(t, r, "test1", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	p2 := newTestPolled(t, r, "test2", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	g3 := newTestGauge(t, r, "test3", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))

	srv := newTestServer(t, r,
		metrics.WithMetrics([]string{"test3"}, []string{"test1", "test2"}),
		metrics.WithoutPolling(),
	)
	require.True(t, r.State().IsPolled())

	_, collected := srv.collect(t)
	require.Equal(t, "0", collected.GetValue("test1"))
	require.Equal(t, "0", collected.GetValue("test2"))

	p1.Set(2)
	p2.Set(3)
	g3.Set(4)

	_, collected = srv.collect(t)
	require.Equal(t, "0", collected.GetValue("test1"), "polled value is cached")
	require.Equal(t, "0", collected.GetValue("test2"), "polled value is cached")
	require.Equal(t, "4", collected.GetValue("test3"), "non-polled value is live")

	srv.g.Poll()

	_, collected = srv.collect(t)
	require.Equal(t, "2", collected.GetValue("test1"))
	require.Equal(t, "3", collected.GetValue("test2"))
}

func TestPeriodicPolling(t *testing.T) {
	r := metrics.NewRegistry()
	p := newTestPolled(t, r, "test", metrics.WithCollectorOptions(metrics.WithPolled()))

	srv := newTestServer(t, r,
		metrics.WithMetrics([]string{"*"}, nil),
		metrics.WithPollInterval(time.Millisecond),
	)

	p.Set(7)
	require.Eventually(t, func() bool {
		_, collected := srv.collect(t)
		return collected.GetValue("default_test") == "7"
	}, 5*time.Second, 100*time.Millisecond)
}

func TestWriteText(t *testing.T) {
	r := metrics.NewRegistry()
	g := newTestGauge(t, r, "test", metrics.WithGroup("group"))
	g.Set(42)

	gatherer, err := r.NewGatherer(metrics.WithMetrics([]string{"*"}, nil))
	require.NoError(t, err)
	defer gatherer.Stop()

	buf := &bytes.Buffer{}
	require.NoError(t, gatherer.WriteText(buf))
	require.Contains(t, buf.String(), "# TYPE group_test gauge")
	require.Contains(t, buf.String(), "group_test 42")
}

func TestStateString(t *testing.T) {
	require.Equal(t, "disabled", metrics.State(0).String())
	require.Equal(t, "enabled,polled", (metrics.Enabled | metrics.Polled).String())
	require.Equal(t, "enabled,namespace-prefixed,subsystem-prefixed",
		(metrics.Enabled | metrics.NamespacePrefix | metrics.SubsystemPrefix).String())
}

type testGauge struct {
	prometheus.Gauge
}

func newTestGauge(t *testing.T, r *metrics.Registry, name string, options ...metrics.RegisterOption) *testGauge {
	g := &testGauge{
		Gauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: name,
				Help: "Test gauge " + name,
			},
		),
	}
	require.NoError(t, r.Register(name, g.Gauge, options...))
	return g
}

type testPolled struct {
	desc  *prometheus.Desc
	value chan int
}

func newTestPolled(t *testing.T, r *metrics.Registry, name string, options ...metrics.RegisterOption) *testPolled {
	p := &testPolled{
		desc:  prometheus.NewDesc(name, "Test polled metric "+name, nil, nil),
		value: make(chan int, 1),
	}
	p.value <- 0
	require.NoError(t, r.Register(name, p, options...))
	return p
}

func (p *testPolled) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.desc
}

func (p *testPolled) Collect(ch chan<- prometheus.Metric) {
	v := <-p.value
	p.value <- v
	ch <- prometheus.MustNewConstMetric(p.desc, prometheus.GaugeValue, float64(v))
}

func (p *testPolled) Set(v int) {
	<-p.value
	p.value <- v
}

type described []string

func (d described) HasEntry(name, kind string) bool {
	for _, e := range d {
		if fields := strings.Fields(e); len(fields) >= 2 && fields[0] == name && fields[1] == kind {
			return true
		}
	}
	return false
}

type collected []string

func (c collected) HasEntry(name string) bool {
	for _, e := range c {
		if fields := strings.Fields(e); len(fields) > 0 && fields[0] == name {
			return true
		}
	}
	return false
}

func (c collected) GetValue(name string) string {
	for _, e := range c {
		if fields := strings.Fields(e); len(fields) == 2 && fields[0] == name {
			return fields[1]
		}
	}
	return ""
}

type testServer struct {
	srv *httptest.Server
	g   *metrics.Gatherer
}

func newTestServer(t *testing.T, r *metrics.Registry, options ...metrics.GathererOption) *testServer {
	g, err := r.NewGatherer(options...)
	require.NoError(t, err)
	require.NotNil(t, g)

	handlerOpts := promhttp.HandlerOpts{
		ErrorLog:      logger.Get("metrics-test"),
		ErrorHandling: promhttp.PanicOnError,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, handlerOpts))

	srv := &testServer{
		srv: httptest.NewServer(mux),
		g:   g,
	}
	t.Cleanup(srv.stop)

	return srv
}

func (srv *testServer) stop() {
	srv.srv.Close()
	srv.g.Stop()
}

func (srv *testServer) collect(t *testing.T) (described, collected) {
	resp, err := http.Get(srv.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	var (
		types   []string
		metrics []string
		scanner = bufio.NewScanner(resp.Body)
	)

	for scanner.Scan() {
		e := scanner.Text()
		switch {
		case strings.HasPrefix(e, "# HELP"):
		case strings.HasPrefix(e, "# TYPE "):
			types = append(types, strings.TrimPrefix(e, "# TYPE "))
		case e != "":
			metrics = append(metrics, e)
		}
	}

	return described(types), collected(metrics)
}
