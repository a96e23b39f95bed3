package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

const envPrefix = "GUACSCANNER_"

// envVar names the environment variable backing a flag,
// e.g. vpc-id is GUACSCANNER_VPC_ID.
func envVar(flag string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// resolver looks a setting up by flag name. A flag set on the command line
// wins, then the environment, then the configuration file, then the flag's
// default.
type resolver struct {
	flags *pflag.FlagSet
	file  fileConfig
}

func (r resolver) raw(name string) string {
	f := r.flags.Lookup(name)
	if f == nil {
		return ""
	}
	if f.Changed {
		return f.Value.String()
	}
	// If defined, take the env variable
	if v, ok := os.LookupEnv(envVar(name)); ok && v != "" {
		return v
	}
	if v, ok := r.file.value(name); ok {
		return v
	}
	return f.DefValue
}

func (r resolver) getStringValue(name string) string {
	return r.raw(name)
}

func (r resolver) getIntValue(name string) (int, error) {
	s := r.raw(name)
	res, err := strconv.Atoi(s)
	if err != nil {
		return 0, configErrorf("invalid value %q for %s: not a number", s, name)
	}
	return res, nil
}

func (r resolver) getBoolValue(name string) bool {
	switch r.raw(name) {
	case "", "0", "false", "FALSE", "False":
		return false
	default:
		// catches "true", "TRUE" or anything else
		return true
	}
}

func (r resolver) getDurationValue(name string) (time.Duration, error) {
	s := r.raw(name)
	d, err := time.ParseDuration(s)
	if err != nil {
		// Plain numbers are seconds.
		secs, serr := strconv.Atoi(s)
		if serr != nil {
			return 0, configErrorf("invalid duration %q for %s", s, name)
		}
		d = time.Duration(secs) * time.Second
	}
	return d, nil
}

// getStringsValue resolves a repeatable flag. The environment variable holds
// a comma separated list.
func (r resolver) getStringsValue(name string) []string {
	f := r.flags.Lookup(name)
	if f == nil {
		return nil
	}
	if f.Changed {
		res, _ := r.flags.GetStringArray(name)
		return res
	}
	if v, ok := os.LookupEnv(envVar(name)); ok && v != "" {
		return splitList(v)
	}
	if v, ok := r.file.list(name); ok {
		return v
	}
	res, _ := r.flags.GetStringArray(name)
	return res
}

// getSecret returns the value of a secret flag, or the content of the file
// named by its -file companion.
func (r resolver) getSecret(name string) (string, error) {
	if v := r.getStringValue(name); v != "" {
		return v, nil
	}
	path := r.getStringValue(name + "-file")
	if path == "" {
		return "", configErrorf("no value for %s: set --%s or --%s-file", name, name, name)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", configError(err, "unable to read "+name)
	}
	v := strings.TrimRight(string(b), "\r\n")
	if v == "" {
		return "", configError(errors.Errorf("%s is empty", path), "unable to read "+name)
	}
	return v, nil
}

func splitList(s string) []string {
	res := []string{}
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			res = append(res, item)
		}
	}
	return res
}
