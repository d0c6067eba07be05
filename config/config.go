// Package config handles trafficd configuration.
//
// Configuration is loaded with overlay semantics:
//
//  1. Start with built-in defaults (embedded from default.toml)
//  2. Overlay with config file values (if the file exists)
//  3. CLI flags and environment variables override at runtime
//
// The TOML decoder only sets fields present in the file, so
// unspecified fields keep their defaults. An existing but invalid
// file is an error rather than a silent fallback.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/frobware/go-trafficctl/logging"
)

//go:embed default.toml
var defaultConfigTOML string

// DefaultConfigPath is where trafficd looks for its config file.
const DefaultConfigPath = "/etc/trafficd/trafficd.toml"

// Config is the top-level trafficd configuration.
type Config struct {
	BPF        BPFConfig        `toml:"bpf"`
	Maps       MapsConfig       `toml:"maps"`
	Logging    LoggingConfig    `toml:"logging"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Reconciler ReconcilerConfig `toml:"reconciler"`
}

// BPFConfig locates the pinned objects, the cgroup and the
// classification program object.
type BPFConfig struct {
	Root       string `toml:"root"`
	CgroupRoot string `toml:"cgroup_root"`
	// Object is loaded only for programs not already pinned under Root.
	Object         string `toml:"object"`
	IngressProgram string `toml:"ingress_program"`
	EgressProgram  string `toml:"egress_program"`
	MountInfo      string `toml:"mountinfo"`
	// CheckMounts verifies bpffs at Root and cgroup2 at CgroupRoot
	// before anything is loaded.
	CheckMounts bool `toml:"check_mounts"`
	// LockFile serialises pin creation between trafficd processes.
	// Empty disables locking.
	LockFile string `toml:"lock_file"`
}

// MapsConfig holds the fixed capacity of each map.
type MapsConfig struct {
	CookieTag     uint32 `toml:"cookie_tag"`
	UidCounterSet uint32 `toml:"uid_counter_set"`
	UidStats      uint32 `toml:"uid_stats"`
	TagStats      uint32 `toml:"tag_stats"`
}

// LoggingConfig controls logging behaviour.
type LoggingConfig struct {
	// Level is a log spec such as "info" or "info,tagging=debug".
	Level string `toml:"level"`
	// Format is "text" or "json".
	Format string `toml:"format"`
	// Components is an alternative to per-component entries in Level.
	Components map[string]string `toml:"components"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// ReconcilerConfig controls the socket-destroy listener.
type ReconcilerConfig struct {
	Enabled bool `toml:"enabled"`
	// ReceiveTimeout bounds each netlink read so shutdown is noticed.
	ReceiveTimeout Duration `toml:"receive_timeout"`
}

// Duration is a time.Duration that decodes from TOML strings like "1s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ToSpec converts the LoggingConfig to a log spec string. Level wins
// if set; otherwise Components are applied over info.
func (c *LoggingConfig) ToSpec() string {
	if c.Level != "" {
		return c.Level
	}
	if len(c.Components) == 0 {
		return ""
	}

	parts := []string{"info"}
	for component, level := range c.Components {
		parts = append(parts, component+"="+level)
	}
	// Map order is random; keep the spec stable for logging it.
	slices.Sort(parts[1:])
	return strings.Join(parts, ",")
}

// DefaultConfig returns the configuration embedded from default.toml.
func DefaultConfig() Config {
	var cfg Config
	if _, err := toml.Decode(defaultConfigTOML, &cfg); err != nil {
		panic(fmt.Sprintf("config: embedded default.toml is invalid: %v", err))
	}
	return cfg
}

// Load reads configuration from path with overlay semantics.
//
//   - File missing: default configuration, no error
//   - File valid: file values overlaid onto defaults
//   - File invalid: error
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("unknown keys in config file: %s", strings.Join(keys, ", "))
	}

	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error

	for name, p := range map[string]string{
		"bpf.root":        c.BPF.Root,
		"bpf.cgroup_root": c.BPF.CgroupRoot,
		"bpf.mountinfo":   c.BPF.MountInfo,
	} {
		if !filepath.IsAbs(p) {
			errs = append(errs, fmt.Errorf("%s must be an absolute path, got %q", name, p))
		}
	}
	if c.BPF.LockFile != "" && !filepath.IsAbs(c.BPF.LockFile) {
		errs = append(errs, fmt.Errorf("bpf.lock_file must be an absolute path, got %q", c.BPF.LockFile))
	}
	if c.BPF.IngressProgram == "" || c.BPF.EgressProgram == "" {
		errs = append(errs, errors.New("bpf.ingress_program and bpf.egress_program must be set"))
	}

	for name, n := range map[string]uint32{
		"maps.cookie_tag":      c.Maps.CookieTag,
		"maps.uid_counter_set": c.Maps.UidCounterSet,
		"maps.uid_stats":       c.Maps.UidStats,
		"maps.tag_stats":       c.Maps.TagStats,
	} {
		if n == 0 {
			errs = append(errs, fmt.Errorf("%s must be greater than zero", name))
		}
	}

	if _, err := logging.ParseSpec(c.Logging.ToSpec()); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, errors.New("metrics.listen must be set when metrics are enabled"))
	}

	if c.Reconciler.ReceiveTimeout.Duration < 0 {
		errs = append(errs, errors.New("reconciler.receive_timeout must not be negative"))
	}

	return errors.Join(errs...)
}

// Paths derives the pin layout from the [bpf] section.
func (c *Config) Paths() (Paths, error) {
	return NewPaths(c.BPF.Root, c.BPF.CgroupRoot)
}
