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

package klogcontrol

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	cfgapi "github.com/containers/gpu-memmgr/pkg/apis/config/v1alpha1/log/klogcontrol"
	"k8s.io/klog/v2"
)

const (
	// envPrefix prefixes environment variables which seed klog flags.
	envPrefix = "LOGGER_"
)

// Control implements runtime control for klog.
type Control struct {
	*flag.FlagSet
}

var ctl = newControl()

// Get returns the singleton klog Control instance.
func Get() *Control {
	return ctl
}

func newControl() *Control {
	c := &Control{FlagSet: flag.NewFlagSet("klog flags", flag.ContinueOnError)}
	c.SetOutput(io.Discard)
	klog.InitFlags(c.FlagSet)
	return c
}

// Configure klog according to the given configuration. Flags which are
// not set in the configuration are left untouched.
func (c *Control) Configure(cfg *cfgapi.Config) error {
	var errs []error
	c.VisitAll(func(f *flag.Flag) {
		value, ok := cfg.GetByFlag(f.Name)
		if !ok {
			return
		}
		if err := c.Set(f.Name, value); err != nil {
			errs = append(errs, klogError("failed to set klog flag %s to %s: %w",
				f.Name, value, err))
		}
	})
	return errors.Join(errs...)
}

// Value returns the current value of the named klog flag.
func (c *Control) Value(name string) (string, bool) {
	f := c.Lookup(name)
	if f == nil {
		return "", false
	}
	return f.Value.String(), true
}

// seedFromEnv sets klog flags from LOGGER_<FLAG> environment variables.
func (c *Control) seedFromEnv() {
	c.VisitAll(func(f *flag.Flag) {
		name := EnvForFlag(f.Name)
		value, ok := os.LookupEnv(name)
		if !ok {
			// Headers are redundant when logging to journald.
			if f.Name == "skip_headers" && os.Getenv("JOURNAL_STREAM") != "" {
				klog.Infof("logging to journald, forcing headers off...")
				_ = c.Set(f.Name, "true")
			}
			return
		}
		if err := c.Set(f.Name, value); err != nil {
			klog.Errorf("klog flag %q: invalid environment default %s=%q: %v",
				f.Name, name, value, err)
		}
	})
}

// EnvForFlag returns the name of the environment variable for a klog flag.
func EnvForFlag(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func klogError(format string, args ...interface{}) error {
	return fmt.Errorf("klogcontrol: "+format, args...)
}

func init() {
	ctl.seedFromEnv()
}
