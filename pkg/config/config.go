// Package config loads the head-node and daemon bootstrap settings the
// teacher would have read from a yaml.v3-backed settings file, generalized
// to the DVM's timing tunables (§4.4's hb_period/hb_timeout, §4.7's
// launch/execution timeouts) instead of Warren's cluster-join settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of tunables a prte/prted process reads at
// startup.
type Config struct {
	BindAddress string `yaml:"bind_address"`
	DataDir     string `yaml:"data_dir"`

	// Failure detector tunables (§4.4).
	HeartbeatPeriod  time.Duration `yaml:"heartbeat_period"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`

	// Job lifecycle tunables (§4.7).
	LaunchTimeout    time.Duration `yaml:"launch_timeout"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
	StackTraceTimeout time.Duration `yaml:"stack_trace_timeout"`

	// SlotsPolicy decides slot capacity for unmanaged allocations whose
	// nodes did not report one: cores, sockets, numas, hwthreads, or a
	// literal integer.
	SlotsPolicy string `yaml:"slots_policy"`

	LogLevel  string `yaml:"log_level"`
	LogJSON   bool   `yaml:"log_json"`
}

// Default returns the out-of-the-box tunables, matching the magnitudes
// spec.md's Design Notes call out (hb_period on the order of seconds,
// hb_timeout a small multiple of hb_period).
func Default() Config {
	return Config{
		BindAddress:       "0.0.0.0:7070",
		DataDir:           "/var/run/prte",
		HeartbeatPeriod:   2 * time.Second,
		HeartbeatTimeout:  6 * time.Second,
		LaunchTimeout:     60 * time.Second,
		ExecutionTimeout:  0, // 0 = no limit
		StackTraceTimeout: 30 * time.Second,
		SlotsPolicy:       "cores",
		LogLevel:          "info",
		LogJSON:           false,
	}
}

// UnmarshalYAML accepts Go duration strings ("2s", "1m30s") for the timing
// tunables, which yaml.v3 does not do for time.Duration on its own.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		BindAddress       string `yaml:"bind_address"`
		DataDir           string `yaml:"data_dir"`
		HeartbeatPeriod   string `yaml:"heartbeat_period"`
		HeartbeatTimeout  string `yaml:"heartbeat_timeout"`
		LaunchTimeout     string `yaml:"launch_timeout"`
		ExecutionTimeout  string `yaml:"execution_timeout"`
		StackTraceTimeout string `yaml:"stack_trace_timeout"`
		SlotsPolicy       string `yaml:"slots_policy"`
		LogLevel          string `yaml:"log_level"`
		LogJSON           *bool  `yaml:"log_json"`
	}

	var r raw
	if err := value.Decode(&r); err != nil {
		return err
	}

	if r.BindAddress != "" {
		c.BindAddress = r.BindAddress
	}
	if r.DataDir != "" {
		c.DataDir = r.DataDir
	}
	if r.SlotsPolicy != "" {
		c.SlotsPolicy = r.SlotsPolicy
	}
	if r.LogLevel != "" {
		c.LogLevel = r.LogLevel
	}
	if r.LogJSON != nil {
		c.LogJSON = *r.LogJSON
	}

	for _, d := range []struct {
		in  string
		out *time.Duration
	}{
		{r.HeartbeatPeriod, &c.HeartbeatPeriod},
		{r.HeartbeatTimeout, &c.HeartbeatTimeout},
		{r.LaunchTimeout, &c.LaunchTimeout},
		{r.ExecutionTimeout, &c.ExecutionTimeout},
		{r.StackTraceTimeout, &c.StackTraceTimeout},
	} {
		if d.in == "" {
			continue
		}
		v, err := time.ParseDuration(d.in)
		if err != nil {
			return fmt.Errorf("config: parse duration %q: %w", d.in, err)
		}
		*d.out = v
	}
	return nil
}

// Load reads and merges a YAML config file over Default(). A missing file
// is not an error; callers that require an explicit file should stat it
// themselves first.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
