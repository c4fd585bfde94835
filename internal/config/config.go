package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is read from YAML. Load seeds a missing file with defaults; Read
// never writes.

// Rail names the panel requires. Every one must be present in Config.Rails.
var RailNames = []string{"vddio", "avdd", "vsp", "vsn"}

// EndpointConfig describes one DSI link endpoint.
type EndpointConfig struct {
	// ID is the endpoint name used in logs and peer references (e.g. "dsi0").
	ID string `yaml:"id" json:"id"`
	// Device is the host device node for the link (e.g. "/dev/spidev0.0").
	// The endpoint counts as discovered once this path exists.
	Device string `yaml:"device" json:"device"`
	// Link2 is the ID of the peer endpoint. Only the endpoint that carries
	// the peer reference registers the panel.
	Link2 string `yaml:"link2,omitempty" json:"link2,omitempty"`
	// VirtualChannel is the DSI virtual channel used on this link.
	VirtualChannel uint8 `yaml:"virtual_channel,omitempty" json:"virtual_channel,omitempty"`
}

// RailConfig describes how a supply rail is switched.
type RailConfig struct {
	// GPIO is the periph pin name of the enable line (e.g. "GPIO17").
	// Empty means a dummy rail.
	GPIO      string `yaml:"gpio" json:"gpio"`
	ActiveLow bool   `yaml:"active_low,omitempty" json:"active_low,omitempty"`

	// Optional I2C voltage programming (bias supplies).
	I2CBus     string `yaml:"i2c_bus,omitempty" json:"i2c_bus,omitempty"`
	I2CAddr    uint16 `yaml:"i2c_addr,omitempty" json:"i2c_addr,omitempty"`
	Register   *uint8 `yaml:"register,omitempty" json:"register,omitempty"`
	Microvolts int    `yaml:"microvolts,omitempty" json:"microvolts,omitempty"`
}

// ResetConfig describes the optional panel reset line.
type ResetConfig struct {
	GPIO      string `yaml:"gpio" json:"gpio"`
	ActiveLow bool   `yaml:"active_low" json:"active_low"`
}

// RetryConfig bounds the deferred-probe backoff.
type RetryConfig struct {
	Initial time.Duration `yaml:"initial" json:"initial"`
	Max     time.Duration `yaml:"max" json:"max"`
}

// Config is the top-level application configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Compatible selects the registration descriptor (device tree
	// compatible string).
	Compatible string `yaml:"compatible" json:"compatible"`

	// DeviceTree, if set, is a flattened device tree blob; endpoints and
	// their link2 references are read from it and merged with Endpoints.
	DeviceTree string `yaml:"device_tree,omitempty" json:"device_tree,omitempty"`

	Endpoints []EndpointConfig      `yaml:"endpoints" json:"endpoints"`
	Rails     map[string]RailConfig `yaml:"rails" json:"rails"`
	Reset     *ResetConfig          `yaml:"reset,omitempty" json:"reset,omitempty"`

	// SPIHz is the link SPI clock. 0 selects the driver default.
	SPIHz int64 `yaml:"spi_hz" json:"spi_hz"`

	// BypassEnableSequence makes Enable a no-op that reports success,
	// matching panels brought up by firmware. Off by default.
	BypassEnableSequence bool `yaml:"bypass_enable_sequence" json:"bypass_enable_sequence"`

	ProbeRetry RetryConfig `yaml:"probe_retry" json:"probe_retry"`

	// Watch enables fsnotify-based endpoint hot-plug detection.
	Watch bool `yaml:"watch" json:"watch"`
}

const (
	defaultCompatible   = "sharp,lq079l1sx01"
	defaultRetryInitial = 100 * time.Millisecond
	defaultRetryMax     = 5 * time.Second
)

// DefaultConfig returns an in-memory default configuration for a
// Raspberry Pi style wiring with two SPI-attached link bridges.
func DefaultConfig() *Config {
	vpos, vneg := uint8(0x00), uint8(0x01)
	return &Config{
		LogLevel:   "info",
		Compatible: defaultCompatible,
		Endpoints: []EndpointConfig{
			{ID: "dsi0", Device: "/dev/spidev0.0", Link2: "dsi1"},
			{ID: "dsi1", Device: "/dev/spidev0.1"},
		},
		Rails: map[string]RailConfig{
			"vddio": {GPIO: "GPIO17"},
			"avdd":  {GPIO: "GPIO27"},
			"vsp":   {GPIO: "GPIO22", I2CAddr: 0x3e, Register: &vpos, Microvolts: 5_500_000},
			"vsn":   {GPIO: "GPIO23", I2CAddr: 0x3e, Register: &vneg, Microvolts: 5_500_000},
		},
		Reset:      &ResetConfig{GPIO: "GPIO24", ActiveLow: true},
		ProbeRetry: RetryConfig{Initial: defaultRetryInitial, Max: defaultRetryMax},
		Watch:      true,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
		// ok
	default:
		c.LogLevel = "info"
	}
	if c.Compatible == "" {
		c.Compatible = defaultCompatible
	}
	if c.Rails == nil {
		c.Rails = map[string]RailConfig{}
	}
	if c.Endpoints == nil {
		c.Endpoints = []EndpointConfig{}
	}
	if c.SPIHz < 0 {
		c.SPIHz = 0
	}
	if c.ProbeRetry.Initial <= 0 {
		c.ProbeRetry.Initial = defaultRetryInitial
	}
	if c.ProbeRetry.Max < c.ProbeRetry.Initial {
		c.ProbeRetry.Max = defaultRetryMax
		if c.ProbeRetry.Max < c.ProbeRetry.Initial {
			c.ProbeRetry.Max = c.ProbeRetry.Initial
		}
	}
}

// Validate reports configuration errors Normalize cannot repair.
func (c *Config) Validate() error {
	var errs []error
	seen := map[string]bool{}
	for i, ep := range c.Endpoints {
		if ep.ID == "" {
			errs = append(errs, fmt.Errorf("endpoints[%d]: id is empty", i))
			continue
		}
		if seen[ep.ID] {
			errs = append(errs, fmt.Errorf("endpoints[%d]: duplicate id %q", i, ep.ID))
		}
		seen[ep.ID] = true
		if ep.VirtualChannel > 3 {
			errs = append(errs, fmt.Errorf("endpoint %s: virtual channel %d out of range", ep.ID, ep.VirtualChannel))
		}
	}
	for _, ep := range c.Endpoints {
		if ep.Link2 == "" {
			continue
		}
		if ep.Link2 == ep.ID {
			errs = append(errs, fmt.Errorf("endpoint %s: link2 references itself", ep.ID))
		} else if !seen[ep.Link2] && c.DeviceTree == "" {
			errs = append(errs, fmt.Errorf("endpoint %s: link2 %q is not a configured endpoint", ep.ID, ep.Link2))
		}
	}
	for _, name := range RailNames {
		if _, ok := c.Rails[name]; !ok {
			errs = append(errs, fmt.Errorf("rails: %s is not configured", name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Endpoint returns the endpoint with the given id.
func (c *Config) Endpoint(id string) (EndpointConfig, bool) {
	for _, ep := range c.Endpoints {
		if ep.ID == id {
			return ep, true
		}
	}
	return EndpointConfig{}, false
}

// DefaultPath is the per-user config file,
// $XDG_CONFIG_HOME/dsipanel/config.yaml (~/.config/dsipanel/config.yaml).
// It falls back to SystemPath when no user config directory is known.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return SystemPath
	}
	return filepath.Join(dir, "dsipanel", "config.yaml")
}

// SystemPath is the config file for a system-wide service install.
const SystemPath = "/etc/dsipanel/config.yaml"

// Read parses the YAML file at path without side effects. A missing file
// yields DefaultConfig.
func Read(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config: path is empty")
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Load is Read, except that on first run it writes the defaults to path so
// the operator has a file to edit. If that write fails the defaults are
// returned along with the error.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config: path is empty")
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		cfg := DefaultConfig()
		if err := Save(path, cfg); err != nil {
			return cfg, fmt.Errorf("config: write defaults: %w", err)
		}
		return cfg, nil
	}
	return Read(path)
}

// Save writes cfg to path as YAML with 0600 permissions, creating the
// parent directory (0700). The file is replaced atomically through a
// temp file in the same directory.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config: path is empty")
	}
	if cfg == nil {
		return errors.New("config: nil config")
	}
	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".dsipanel-config-*.tmp")
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeSynced(tmp, data); err != nil {
		return fmt.Errorf("config: write %s: %w", tmp.Name(), err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func writeSynced(f *os.File, data []byte) error {
	_, err := f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Save writes c to path; see the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
