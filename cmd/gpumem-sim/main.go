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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-multierror"
	"k8s.io/apimachinery/pkg/api/resource"

	cfgapi "github.com/containers/gpu-memmgr/pkg/apis/config/v1alpha1"
	"github.com/containers/gpu-memmgr/pkg/healthz"
	"github.com/containers/gpu-memmgr/pkg/instrumentation"
	"github.com/containers/gpu-memmgr/pkg/instrumentation/tracing"
	"github.com/containers/gpu-memmgr/pkg/memmgr"
	"github.com/containers/gpu-memmgr/pkg/memmgr/backend/sim"
	"github.com/containers/gpu-memmgr/pkg/metrics"
	"github.com/containers/gpu-memmgr/pkg/metrics/collectors"
	"github.com/containers/gpu-memmgr/pkg/watch"
	"github.com/containers/gpu-memmgr/pkg/workload"

	logger "github.com/containers/gpu-memmgr/pkg/log"
	version "github.com/containers/gpu-memmgr/pkg/version"
)

var (
	log = logger.Default()
)

type Main struct {
	cfgPath     string
	dumpMetrics bool
	cfg         *cfgapi.GpuMemConfig
	backend     *sim.Backend
	mgr         *memmgr.Manager
	cfgWatch    watch.Interface[*cfgapi.GpuMemConfig]
}

func main() {
	m := &Main{}

	m.setupLoggers()
	m.parseCmdline()

	if err := m.Run(); err != nil {
		log.Error("%v", err)
		logger.Flush()
		os.Exit(1)
	}

	logger.Flush()
}

func (m *Main) setupLoggers() {
	logger.SetStdLogger("stdlog")
	logger.SetupDebugToggleSignal(syscall.SIGUSR1)
}

func (m *Main) parseCmdline() {
	flag.StringVar(&m.cfgPath, "config", "", "Configuration file to use. Defaults are used if omitted.")
	flag.BoolVar(&m.dumpMetrics, "dump-metrics", true, "Print gathered metrics when the workload is done.")
	printCfg := flag.Bool("print-config", false, "Print default configuration and exit.")
	flag.Parse()
	logger.Flush()

	if *printCfg {
		cfg, err := cfgapi.DefaultConfig().YAML()
		if err != nil {
			log.Error("%v", err)
			os.Exit(1)
		}
		fmt.Print(cfg)
		os.Exit(0)
	}

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			fmt.Printf("version: %s\n", version.Version)
			fmt.Printf("build: %s\n", version.Build)
			os.Exit(0)
		default:
			log.Error("unknown command line arguments: %s", strings.Join(args, " "))
			flag.Usage()
			os.Exit(1)
		}
	}
}

// Run sets up the simulated devices and the memory manager, then runs
// the configured workload against them until it finishes or we get
// interrupted.
func (m *Main) Run() (retErr error) {
	if err := m.loadConfig(); err != nil {
		return err
	}

	log.Info("gpumem-sim (version %s, build %s) starting...", version.Version, version.Build)

	if err := m.setupManager(); err != nil {
		return err
	}
	defer func() {
		if err := m.mgr.Destroy(); err != nil {
			retErr = multierror.Append(retErr, fmt.Errorf("failed to destroy memory manager: %w", err))
		}
	}()

	if err := m.startInstrumentation(); err != nil {
		return err
	}
	defer instrumentation.Shutdown()

	if err := m.startConfigWatch(); err != nil {
		return err
	}
	defer m.stopConfigWatch()

	d, err := workload.New(m.mgr, &m.cfg.Spec.Workload)
	if err != nil {
		return fmt.Errorf("failed to create workload: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := d.Run(ctx)
	if err != nil {
		retErr = multierror.Append(retErr, fmt.Errorf("workload failed: %w", err))
	}

	log.Info("workload done: %s", res)
	log.Info("%d base allocations live on simulated devices", m.backend.Live())
	m.mgr.DumpState("after workload: ")

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.Flush(flushCtx); err != nil {
		log.Warn("failed to flush traces: %v", err)
	}

	if m.dumpMetrics {
		if g := instrumentation.Gatherer(); g != nil {
			if err := g.WriteText(os.Stdout); err != nil {
				retErr = multierror.Append(retErr, err)
			}
		}
	}

	return retErr
}

func (m *Main) loadConfig() error {
	if m.cfgPath == "" {
		m.cfg = cfgapi.DefaultConfig()
	} else {
		cfg, err := cfgapi.LoadConfig(m.cfgPath)
		if err != nil {
			return err
		}
		m.cfg = cfg
	}

	if err := logger.Configure(&m.cfg.Spec.Log); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}

	return nil
}

func (m *Main) setupManager() error {
	b, err := sim.New(sim.WithConfig(&m.cfg.Spec.Simulator))
	if err != nil {
		return err
	}

	mgr, err := memmgr.NewManager(b, memmgr.WithConfig(&m.cfg.Spec.Config))
	if err != nil {
		return fmt.Errorf("failed to create memory manager: %w", err)
	}

	if err := mgr.Init(); err != nil {
		return fmt.Errorf("failed to initialize memory manager: %w", err)
	}

	m.backend = b
	m.mgr = mgr
	m.mgr.DumpConfig()

	return nil
}

func (m *Main) startInstrumentation() error {
	if err := metrics.Register("pools", m.mgr.Collector(), metrics.WithGroup("memmgr")); err != nil {
		return fmt.Errorf("failed to register memory manager metrics: %w", err)
	}
	if err := collectors.Register(metrics.Default()); err != nil {
		return fmt.Errorf("failed to register standard metrics: %w", err)
	}

	healthz.RegisterHealthChecker("memmgr", m.checkHealth)

	instrumentation.SetIdentity(
		instrumentation.Attribute("memmgr.devices", m.mgr.Devices()),
	)

	if err := instrumentation.Start(&m.cfg.Spec.Instrumentation); err != nil {
		return fmt.Errorf("failed to set up instrumentation: %w", err)
	}

	return nil
}

func (m *Main) checkHealth() (healthz.Status, error) {
	if !m.mgr.IsInitialized() {
		return healthz.NonFunctional, memmgr.ErrNotInitialized
	}

	if failures := m.mgr.Stats().Counters.PoolFailures; failures > 0 {
		return healthz.Degraded, fmt.Errorf("%d pool creation failures", failures)
	}

	return healthz.Healthy, nil
}

func (m *Main) startConfigWatch() error {
	if m.cfgPath == "" {
		return nil
	}

	w, err := watch.File(func(data []byte, _ string) (*cfgapi.GpuMemConfig, error) {
		return cfgapi.ParseConfig(data)
	}, m.cfgPath)
	if err != nil {
		return fmt.Errorf("failed to watch configuration %s: %w", m.cfgPath, err)
	}

	m.cfgWatch = w
	go m.watchConfig(w)

	return nil
}

func (m *Main) stopConfigWatch() {
	if m.cfgWatch != nil {
		m.cfgWatch.Stop()
		m.cfgWatch = nil
	}
}

// watchConfig applies updated logging and instrumentation configuration.
// Other changes only take effect on restart.
func (m *Main) watchConfig(w watch.Interface[*cfgapi.GpuMemConfig]) {
	cfg := m.cfg

	for e := range w.ResultChan() {
		switch e.Type {
		case watch.Added:
			if e.Object == nil || cmp.Equal(cfg.Spec, e.Object.Spec, quantityComparer) {
				continue
			}
			m.reconfigure(cfg, e.Object)
			cfg = e.Object
		case watch.Deleted:
			log.Warn("configuration file %s removed, keeping current configuration", m.cfgPath)
		case watch.Error:
			log.Error("failed to reload configuration: %v", e.Err)
		}
	}
}

var (
	quantityComparer = cmp.Comparer(func(a, b resource.Quantity) bool {
		return a.Cmp(b) == 0
	})
)

func (m *Main) reconfigure(old, cfg *cfgapi.GpuMemConfig) {
	log.Info("configuration %s updated", m.cfgPath)

	var errs error
	if err := logger.Configure(&cfg.Spec.Log); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("logging: %w", err))
	}
	if err := instrumentation.Reconfigure(&cfg.Spec.Instrumentation); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("instrumentation: %w", err))
	}
	if errs != nil {
		log.Error("failed to apply updated configuration: %v", errs)
	}

	for _, unchanged := range []struct {
		what     string
		old, new interface{}
	}{
		{"memory manager", old.Spec.Config, cfg.Spec.Config},
		{"simulator", old.Spec.Simulator, cfg.Spec.Simulator},
		{"workload", old.Spec.Workload, cfg.Spec.Workload},
	} {
		if diff := cmp.Diff(unchanged.old, unchanged.new, quantityComparer); diff != "" {
			log.Warn("%s configuration changes take effect on restart: %s", unchanged.what, diff)
		}
	}
}
