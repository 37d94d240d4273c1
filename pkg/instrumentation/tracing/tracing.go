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

package tracing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	logger "github.com/containers/gpu-memmgr/pkg/log"
	"github.com/containers/gpu-memmgr/pkg/version"
)

// Option represents an option which can be applied to tracing.
type Option func(*tracing) error

// tracing keeps a single tracer provider once started. Endpoint and
// sampling changes swap the exporter and sampler behind it.
type tracing struct {
	sync.Mutex
	service  string
	identity []attribute.KeyValue
	endpoint string
	ratio    float64
	custom   sdktrace.SpanExporter
	exporter *spanExporter
	sampler  *sampler
	provider *sdktrace.TracerProvider
}

var (
	log = logger.Get("tracing")
	trc = &tracing{
		service:  filepath.Base(os.Args[0]),
		exporter: &spanExporter{},
		sampler:  &sampler{},
	}
)

const (
	// timeout for flushing and shutting down exporters and providers
	shutdownTimeout = 5 * time.Second
)

// WithCollectorEndpoint sets the given collector endpoint.
func WithCollectorEndpoint(endpoint string) Option {
	return func(t *tracing) error {
		t.endpoint = endpoint
		return nil
	}
}

// WithSamplingRatio sets the given sampling ratio.
func WithSamplingRatio(ratio float64) Option {
	return func(t *tracing) error {
		if ratio < 0.0 || ratio > 1.0 {
			return fmt.Errorf("invalid sampling ratio %f", ratio)
		}
		t.ratio = ratio
		return nil
	}
}

// WithServiceName sets the service name reported for tracing.
func WithServiceName(name string) Option {
	return func(t *tracing) error {
		t.service = name
		return nil
	}
}

// WithIdentity sets extra tracing resource/identity attributes.
func WithIdentity(attributes ...KeyValue) Option {
	return func(t *tracing) error {
		t.identity = attributes
		return nil
	}
}

// WithSpanExporter exports spans to the given exporter instead of a
// collector endpoint.
func WithSpanExporter(exporter sdktrace.SpanExporter) Option {
	return func(t *tracing) error {
		t.custom = exporter
		return nil
	}
}

// Start tracing, or reconfigure it if it is already running.
func Start(options ...Option) error {
	return trc.start(options...)
}

// Flush exports any spans pending in the tracer provider.
func Flush(ctx context.Context) error {
	return trc.flush(ctx)
}

// Stop tracing.
func Stop() {
	trc.stop()
}

// Enabled returns true if spans are being recorded.
func Enabled() bool {
	trc.Lock()
	defer trc.Unlock()
	return trc.provider != nil && trc.exporter.isActive()
}

func (t *tracing) start(options ...Option) error {
	t.Lock()
	defer t.Unlock()

	t.custom = nil
	for _, opt := range options {
		if err := opt(t); err != nil {
			return fmt.Errorf("failed to set tracing option: %w", err)
		}
	}

	switch {
	case t.custom != nil:
		t.exporter.setExporter(t.custom)
	case t.endpoint == "":
		log.Info("tracing disabled, no endpoint set")
		t.exporter.setExporter(nil)
	case t.ratio == 0.0:
		log.Info("tracing disabled, sampling ratio is 0.0")
		t.exporter.setExporter(nil)
	default:
		if err := t.exporter.setEndpoint(t.endpoint); err != nil {
			return fmt.Errorf("failed to start tracing exporter: %w", err)
		}
		log.Info("exporting traces to %s with sampling ratio %.6f", t.endpoint, t.ratio)
	}

	t.sampler.configure(t.ratio, t.custom != nil && t.ratio == 0.0)

	if t.provider == nil {
		t.provider = t.newProvider()
		otel.SetTracerProvider(t.provider)
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(
				propagation.TraceContext{},
				propagation.Baggage{},
			),
		)
	}

	return nil
}

func (t *tracing) newProvider() *sdktrace.TracerProvider {
	hostname, _ := os.Hostname()
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		append(
			[]attribute.KeyValue{
				semconv.ServiceName(t.service),
				semconv.HostNameKey.String(hostname),
				semconv.ProcessPIDKey.Int64(int64(os.Getpid())),
				attribute.String("Version", version.Version),
				attribute.String("Build", version.Build),
			},
			t.identity...,
		)...,
	)

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(t.exporter)),
		sdktrace.WithSampler(sdktrace.ParentBased(t.sampler)),
	)
}

func (t *tracing) tracer() trace.Tracer {
	t.Lock()
	defer t.Unlock()

	if t.provider == nil {
		return nil
	}
	return t.provider.Tracer(t.service, trace.WithSchemaURL(semconv.SchemaURL))
}

func (t *tracing) flush(ctx context.Context) error {
	t.Lock()
	p := t.provider
	t.Unlock()

	if p == nil {
		return nil
	}
	return p.ForceFlush(ctx)
}

func (t *tracing) stop() {
	t.Lock()
	defer t.Unlock()

	if t.provider == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := t.provider.ForceFlush(ctx); err != nil {
		log.Error("failed to flush tracer provider: %v", err)
	}
	if err := t.provider.Shutdown(ctx); err != nil {
		log.Error("failed to shut down tracer provider: %v", err)
	}

	t.provider = nil
	t.exporter = &spanExporter{}
	t.sampler = &sampler{}
}
