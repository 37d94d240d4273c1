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

// Package metrics provides a thin framework for collecting and exporting
// metrics on top of prometheus types. Collectors are registered in named
// groups, which prefix the names of their metrics. Collectors can be
// enabled or disabled at runtime using globs matching group or collector
// names, and expensive collectors can be polled periodically instead of
// being collected on each scrape.
//
// Usage
//
//	mgr, _ := memmgr.NewManager(backend)
//	_ = mgr.Init()
//
//	metrics.MustRegister("pools", mgr.Collector(), metrics.WithGroup("memmgr"))
//
//	g, err := metrics.NewGatherer(
//	    metrics.WithNamespace("gpumem"),
//	    metrics.WithMetrics([]string{"memmgr"}, nil),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	http.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
//	log.Fatal(http.ListenAndServe(":8891", nil))
package metrics
