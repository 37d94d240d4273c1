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
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

type collector struct {
	m     *Manager
	descs struct {
		poolLists   *prometheus.Desc
		pools       *prometheus.Desc
		baseBytes   *prometheus.Desc
		usedBytes   *prometheus.Desc
		allocations *prometheus.Desc
		listPools   *prometheus.Desc
		listBytes   *prometheus.Desc
		events      *prometheus.Desc
	}
}

// Collector returns a prometheus collector for the manager.
func (m *Manager) Collector() prometheus.Collector {
	c := &collector{m: m}

	c.descs.poolLists = prometheus.NewDesc("pool_lists",
		"Number of pool lists.", nil, nil)
	c.descs.pools = prometheus.NewDesc("pools",
		"Number of pools.", []string{"kind"}, nil)
	c.descs.baseBytes = prometheus.NewDesc("base_bytes",
		"Size of base allocations per device.", nil, nil)
	c.descs.usedBytes = prometheus.NewDesc("used_bytes",
		"Size of live allocations.", nil, nil)
	c.descs.allocations = prometheus.NewDesc("live_allocations",
		"Number of live allocations.", nil, nil)
	c.descs.listPools = prometheus.NewDesc("list_pools",
		"Number of pools in a pool list.",
		[]string{"list", "flags", "va_range", "heaps"}, nil)
	c.descs.listBytes = prometheus.NewDesc("list_used_bytes",
		"Size of live allocations in a pool list.",
		[]string{"list", "flags", "va_range", "heaps"}, nil)
	c.descs.events = prometheus.NewDesc("events_total",
		"Number of manager events.", []string{"event"}, nil)

	return c
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.descs.poolLists
	ch <- c.descs.pools
	ch <- c.descs.baseBytes
	ch <- c.descs.usedBytes
	ch <- c.descs.allocations
	ch <- c.descs.listPools
	ch <- c.descs.listBytes
	ch <- c.descs.events
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.Stats()

	gauge := func(desc *prometheus.Desc, value float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, value, labels...)
	}
	counter := func(event string, value uint64) {
		ch <- prometheus.MustNewConstMetric(c.descs.events, prometheus.CounterValue,
			float64(value), event)
	}

	gauge(c.descs.poolLists, float64(s.PoolLists))
	gauge(c.descs.pools, float64(s.Pools), "suballocated")
	gauge(c.descs.pools, float64(s.DedicatedPools), "dedicated")
	gauge(c.descs.baseBytes, float64(s.BaseBytes))
	gauge(c.descs.usedBytes, float64(s.UsedBytes))
	gauge(c.descs.allocations, float64(s.Allocations))

	for idx, l := range s.Lists {
		var (
			list    = strconv.Itoa(idx)
			flags   = l.Properties.Flags.String()
			vaRange = l.Properties.VaRange.String()
			heaps   = l.Properties.Heaps.String()
			used    uint64
		)
		for _, p := range l.Pools {
			used += p.Used
		}
		gauge(c.descs.listPools, float64(len(l.Pools)), list, flags, vaRange, heaps)
		gauge(c.descs.listBytes, float64(used), list, flags, vaRange, heaps)
	}

	counter("allocation", s.Counters.Allocations)
	counter("free", s.Counters.Frees)
	counter("allocation_failure", s.Counters.Failures)
	counter("pool_created", s.Counters.PoolsCreated)
	counter("pool_failure", s.Counters.PoolFailures)
	counter("pool_destroyed", s.Counters.PoolsDestroyed)
}
