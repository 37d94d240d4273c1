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

package instrumentation

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	cfgapi "github.com/containers/gpu-memmgr/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/gpu-memmgr/pkg/healthz"
	"github.com/containers/gpu-memmgr/pkg/http"
	"github.com/containers/gpu-memmgr/pkg/instrumentation/tracing"
	logger "github.com/containers/gpu-memmgr/pkg/log"
	"github.com/containers/gpu-memmgr/pkg/metrics"
)

const (
	// ServiceName is our service name in external tracing and metrics services.
	ServiceName = "gpumem-sim"
	// Namespace is the common prefix of our metrics.
	Namespace = "gpumem"
)

// KeyValue aliases tracing.KeyValue, for SetIdentity().
type KeyValue = tracing.KeyValue

var (
	// Our runtime configuration.
	cfg = &cfgapi.Config{}
	// Lock to protect against reconfiguration.
	lock sync.RWMutex
	// Our HTTP server instance.
	srv = http.NewServer()
	// Our metrics registry.
	registry = metrics.Default()
	// Our metrics gatherer, while running.
	gatherer *metrics.Gatherer
	// Our logger instance.
	log = logger.NewLogger("instrumentation")

	// Our identity for instrumentation.
	identity []KeyValue

	// Attribute aliases tracing.Attribute(), for SetIdentity().
	Attribute = tracing.Attribute
)

func init() {
	mux := srv.GetMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gathererFunc(gather),
		promhttp.HandlerOpts{
			ErrorLog:      log,
			ErrorHandling: promhttp.ContinueOnError,
		}))
	healthz.Setup(mux)
}

// HTTPServer returns our HTTP server.
func HTTPServer() *http.Server {
	return srv
}

// SetIdentity sets (extra) process identity attributes for tracing.
func SetIdentity(attrs ...KeyValue) {
	identity = attrs
}

// SetRegistry sets the metrics registry to gather. It takes effect on
// the next (re)start.
func SetRegistry(r *metrics.Registry) {
	lock.Lock()
	defer lock.Unlock()
	registry = r
}

// Gatherer returns our metrics gatherer, or nil if we are not running.
func Gatherer() *metrics.Gatherer {
	lock.RLock()
	defer lock.RUnlock()
	return gatherer
}

// Start our instrumentation services with the given configuration.
func Start(newCfg *cfgapi.Config) error {
	log.Info("starting instrumentation services...")

	lock.Lock()
	defer lock.Unlock()

	if newCfg != nil {
		cfg = newCfg
	}

	return start()
}

// Stop our instrumentation services.
func Stop() {
	lock.Lock()
	defer lock.Unlock()

	stop()
}

// Restart our instrumentation services.
func Restart() error {
	lock.Lock()
	defer lock.Unlock()

	stop()

	err := start()
	if err != nil {
		log.Error("failed to start instrumentation: %v", err)
	}

	return err
}

// Reconfigure our instrumentation services.
func Reconfigure(newCfg *cfgapi.Config) error {
	lock.Lock()
	cfg = newCfg
	lock.Unlock()
	return Restart()
}

func start() error {
	if err := tracing.Start(
		tracing.WithServiceName(ServiceName),
		tracing.WithIdentity(identity...),
		tracing.WithCollectorEndpoint(cfg.TracingCollector),
		tracing.WithSamplingRatio(cfg.SamplingRatio()),
	); err != nil {
		return fmt.Errorf("failed to start tracing: %w", err)
	}

	var enabled, polled []string
	if cfg.Metrics != nil {
		enabled, polled = cfg.Metrics.Enabled, cfg.Metrics.Polled
	}

	g, err := registry.NewGatherer(
		metrics.WithNamespace(Namespace),
		metrics.WithPollInterval(cfg.ReportPeriod.Duration),
		metrics.WithMetrics(enabled, polled),
	)
	if err != nil {
		return fmt.Errorf("failed to start metrics: %w", err)
	}
	gatherer = g

	if err := srv.Reconfigure(cfg.HTTPEndpoint); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

func stop() {
	if gatherer != nil {
		gatherer.Stop()
		gatherer = nil
	}
	tracing.Stop()
}

// Shutdown stops our instrumentation services and our HTTP server.
func Shutdown() {
	lock.Lock()
	defer lock.Unlock()

	stop()
	srv.Stop()
}
