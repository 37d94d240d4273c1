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
	"fmt"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

var (
	_ sdktrace.Sampler = (*sampler)(nil)
)

// sampler is the root sampler of our provider. It is reconfigured in
// place when the sampling ratio or the exporter changes. Spans are
// dropped until it is configured with a non-zero ratio.
type sampler struct {
	sync.RWMutex
	ratio  float64
	always bool
	next   sdktrace.Sampler
}

// configure sets the sampling ratio. If always is set, every span is
// sampled regardless of the ratio.
func (s *sampler) configure(ratio float64, always bool) {
	var next sdktrace.Sampler

	switch {
	case always:
		next = sdktrace.AlwaysSample()
	case ratio > 0:
		next = sdktrace.TraceIDRatioBased(ratio)
	}

	s.Lock()
	defer s.Unlock()

	s.ratio, s.always, s.next = ratio, always, next
	log.Debug("sampler set to %s", s.description())
}

func (s *sampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	s.RLock()
	next := s.next
	s.RUnlock()

	if next == nil {
		return sdktrace.SamplingResult{
			Decision:   sdktrace.Drop,
			Tracestate: trace.SpanContextFromContext(p.ParentContext).TraceState(),
		}
	}

	return next.ShouldSample(p)
}

func (s *sampler) Description() string {
	s.RLock()
	defer s.RUnlock()
	return s.description()
}

func (s *sampler) description() string {
	switch {
	case s.next == nil:
		return "Swappable{Drop}"
	case s.always:
		return "Swappable{" + s.next.Description() + "}"
	}
	return fmt.Sprintf("Swappable{%s, ratio %g}", s.next.Description(), s.ratio)
}
