package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/guacscanner/guacscanner/pkg/coordinator"
	"github.com/guacscanner/guacscanner/pkg/inventory"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v2"
)

const (
	exitConfig = 1
	exitAuth   = 2
	exitCycle  = 3
)

// ConfigurationError is a startup problem: a bad flag, a missing secret or
// an unreachable store. The process exits without running a cycle.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Err)
}

// Unwrap returns the underlying error.
func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErrorf(format string, args ...interface{}) error {
	return &ConfigurationError{Err: errors.Errorf(format, args...)}
}

func configError(err error, message string) error {
	return &ConfigurationError{Err: errors.Wrap(err, message)}
}

// cycleError is returned by a single-cycle run that failed.
type cycleError struct {
	report coordinator.Report
}

func (e *cycleError) Error() string {
	return fmt.Sprintf("cycle %s failed: %s", e.report.CycleID, e.report.Err)
}

func (e *cycleError) Unwrap() error { return e.report.Err }

func oneshotResult(report coordinator.Report) error {
	if report.Outcome == coordinator.Failed {
		return &cycleError{report: report}
	}
	return nil
}

func exitCode(err error) int {
	var cfg *ConfigurationError
	var cycle *cycleError
	switch {
	case inventory.IsAuth(err):
		return exitAuth
	case errors.As(err, &cfg):
		return exitConfig
	case errors.As(err, &cycle):
		return exitCycle
	}
	return exitConfig
}

// fileConfig holds defaults read from the YAML configuration file. Keys are
// flag names.
type fileConfig map[string]interface{}

func defaultConfigPath() string {
	return filepath.Join(os.Getenv("HOME"), ".guacscanner", "config.yml")
}

// readConfig loads path. A missing file is only an error when the path was
// given explicitly.
func readConfig(path string, explicit bool, flagSets ...*pflag.FlagSet) (fileConfig, error) {
	cfg := fileConfig{}
	cfgBytes, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return nil, configError(err, fmt.Sprintf("failed to read %q", path))
	}
	if err := yaml.Unmarshal(cfgBytes, &cfg); err != nil {
		return nil, configError(err, fmt.Sprintf("failed to parse %q", path))
	}

	var unknown []string
	for key := range cfg {
		if key == "config" || !known(key, flagSets) {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, configErrorf("unknown settings in %q: %s", path, strings.Join(unknown, ", "))
	}
	return cfg, nil
}

func known(name string, flagSets []*pflag.FlagSet) bool {
	for _, flags := range flagSets {
		if flags.Lookup(name) != nil {
			return true
		}
	}
	return false
}

func (c fileConfig) value(name string) (string, bool) {
	v, ok := c[name]
	if !ok || v == nil {
		return "", false
	}
	if _, isList := v.([]interface{}); isList {
		return "", false
	}
	return fmt.Sprint(v), true
}

func (c fileConfig) list(name string) ([]string, bool) {
	v, ok := c[name]
	if !ok || v == nil {
		return nil, false
	}
	items, isList := v.([]interface{})
	if !isList {
		return []string{fmt.Sprint(v)}, true
	}
	res := make([]string, 0, len(items))
	for _, item := range items {
		res = append(res, fmt.Sprint(item))
	}
	return res, true
}
