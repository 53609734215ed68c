// Package config loads and saves the services.yaml watch list.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/modoterra/unitwatch/pkg/core"
	"github.com/modoterra/unitwatch/pkg/engine"
)

// FileName is the default config file name inside the config directory.
const FileName = "services.yaml"

// Config is a services.yaml file.
type Config struct {
	Services []Service `yaml:"services" json:"services"`
	Engine   Engine    `yaml:"engine,omitempty" json:"engine"`

	// FilePath is where the config was loaded from.
	FilePath string `yaml:"-" json:"-"`
}

// Service is one watched unit.
type Service struct {
	Name string      `yaml:"name,omitempty" json:"name,omitempty"`
	Unit string      `yaml:"unit" json:"unit"`
	Logs Logs        `yaml:"logs,omitempty" json:"logs"`
	Open OpenActions `yaml:"open,omitempty" json:"open,omitempty"`
}

// Logs controls the log tail of a service. Unset fields use the defaults:
// enabled, following, DefaultLogLines lines.
type Logs struct {
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Follow  *bool `yaml:"follow,omitempty" json:"follow,omitempty"`
	Lines   int   `yaml:"lines,omitempty" json:"lines,omitempty"`
}

// Engine holds engine tuning. Zero values keep the engine defaults.
type Engine struct {
	PollInterval   Duration   `yaml:"poll_interval,omitempty" json:"poll_interval,omitempty"`
	ProbeTimeout   Duration   `yaml:"probe_timeout,omitempty" json:"probe_timeout,omitempty"`
	Parallelism    int        `yaml:"parallelism,omitempty" json:"parallelism,omitempty"`
	StartTimeout   Duration   `yaml:"start_timeout,omitempty" json:"start_timeout,omitempty"`
	StopTimeout    Duration   `yaml:"stop_timeout,omitempty" json:"stop_timeout,omitempty"`
	RestartTimeout Duration   `yaml:"restart_timeout,omitempty" json:"restart_timeout,omitempty"`
	TailRetries    *int       `yaml:"tail_retries,omitempty" json:"tail_retries,omitempty"`
	TailBackoff    []Duration `yaml:"tail_backoff,omitempty" json:"tail_backoff,omitempty"`
	LogBacklog     int        `yaml:"log_backlog,omitempty" json:"log_backlog,omitempty"`
}

// Duration is a time.Duration written as "2s" in YAML.
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) String() string { return time.Duration(d).String() }

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// Watched converts the service into the engine's watch entry.
func (s Service) Watched() core.WatchedUnit {
	return core.WatchedUnit{
		DisplayName:  s.Name,
		UnitID:       core.NormalizeUnitID(s.Unit),
		LogEnabled:   boolOr(s.Logs.Enabled, true),
		LogLineLimit: s.Logs.Lines,
		LogFollow:    boolOr(s.Logs.Follow, true),
	}
}

// ServiceFromUnit is the inverse of Service.Watched. Default values are omitted.
func ServiceFromUnit(u core.WatchedUnit) Service {
	s := Service{Name: u.DisplayName, Unit: u.UnitID, Logs: Logs{Lines: u.LogLineLimit}}
	if !u.LogEnabled {
		s.Logs.Enabled = &u.LogEnabled
	}
	if !u.LogFollow {
		s.Logs.Follow = &u.LogFollow
	}
	return s
}

// Units returns the watch list in file order.
func (c *Config) Units() []core.WatchedUnit {
	out := make([]core.WatchedUnit, 0, len(c.Services))
	for _, s := range c.Services {
		out = append(out, s.Watched())
	}
	return out
}

// Find returns the index of the service watching unitID, or -1.
func (c *Config) Find(unitID string) int {
	unitID = core.NormalizeUnitID(unitID)
	for i, s := range c.Services {
		if core.NormalizeUnitID(s.Unit) == unitID {
			return i
		}
	}
	return -1
}

// AddService appends a service. It fails if the unit is already listed.
func (c *Config) AddService(s Service) error {
	if c.Find(s.Unit) >= 0 {
		return &core.RegistryError{Kind: core.RegistryDuplicateUnit, UnitID: core.NormalizeUnitID(s.Unit)}
	}
	c.Services = append(c.Services, s)
	return nil
}

// RemoveService drops the service watching unitID and reports whether it
// was listed.
func (c *Config) RemoveService(unitID string) bool {
	i := c.Find(unitID)
	if i < 0 {
		return false
	}
	c.Services = append(c.Services[:i:i], c.Services[i+1:]...)
	return true
}

// EngineOptions merges the engine section over the engine defaults.
func (c *Config) EngineOptions() engine.Options {
	o := engine.DefaultOptions()
	e := c.Engine
	if e.PollInterval != 0 {
		o.PollInterval = time.Duration(e.PollInterval)
	}
	if e.ProbeTimeout != 0 {
		o.ProbeTimeout = time.Duration(e.ProbeTimeout)
	}
	if e.Parallelism != 0 {
		o.Parallelism = e.Parallelism
	}
	if e.StartTimeout != 0 {
		o.StartTimeout = time.Duration(e.StartTimeout)
	}
	if e.StopTimeout != 0 {
		o.StopTimeout = time.Duration(e.StopTimeout)
	}
	if e.RestartTimeout != 0 {
		o.RestartTimeout = time.Duration(e.RestartTimeout)
	}
	if e.TailRetries != nil {
		o.TailRetries = *e.TailRetries
	}
	if len(e.TailBackoff) > 0 {
		o.TailBackoff = make([]time.Duration, len(e.TailBackoff))
		for i, d := range e.TailBackoff {
			o.TailBackoff[i] = time.Duration(d)
		}
	}
	if e.LogBacklog > 0 {
		o.LogBacklog = e.LogBacklog
	}
	return o
}

// DefaultPath returns $XDG_CONFIG_HOME/unitwatch/services.yaml.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(dir, "unitwatch", FileName), nil
}

// Parse decodes a config. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &c, nil
}

// Load reads and parses the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.FilePath = path
	return c, nil
}
