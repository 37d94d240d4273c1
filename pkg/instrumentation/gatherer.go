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
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"
)

// gathererFunc turns a function into a prometheus.Gatherer.
type gathererFunc func() ([]*model.MetricFamily, error)

func (fn gathererFunc) Gather() ([]*model.MetricFamily, error) {
	return fn()
}

var _ prometheus.Gatherer = gathererFunc(nil)

var (
	errNoMetrics = errors.New("metrics collection is not running")
)

// gather gathers metrics from the currently running gatherer.
func gather() ([]*model.MetricFamily, error) {
	lock.RLock()
	defer lock.RUnlock()

	if gatherer == nil {
		return nil, errNoMetrics
	}

	return gatherer.Gather()
}
