// Package config loads and validates the configuration document describing
// the pipeline: named units and targets with a type discriminator each,
// plus process-wide settings.
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/sumkincpp/rtrtr/pipeline"
	"github.com/sumkincpp/rtrtr/targets"
	"github.com/sumkincpp/rtrtr/units"
	"github.com/sumkincpp/rtrtr/utils/sliceutils"
)

// Unit is the configuration of a data-producing or transforming component.
type Unit interface {
	// SourceNames returns the names of the units this unit consumes, in
	// configuration order.
	SourceNames() []string
	Run(ctx context.Context, comp *pipeline.Component, gate *pipeline.Gate, sources []*pipeline.Link) error
}

// Target is the configuration of a data-publishing component.
type Target interface {
	SourceName() string
	Run(ctx context.Context, comp *pipeline.Component, source *pipeline.Link) error
}

// DefaultShutdownTimeout bounds graceful shutdown, in seconds.
const DefaultShutdownTimeout = 5

// Config is a fully validated configuration document.
type Config struct {
	LogLevel        string
	HTTPListen      string
	ShutdownTimeout int
	// BaseDir is the directory of the config file; relative paths in the
	// document resolve against it.
	BaseDir string

	Units   map[string]Unit
	Targets map[string]Target
}

// Load reads, decodes, and validates the configuration file at the given
// path. The file format follows its extension (TOML, YAML, or JSON).
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(absPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}
	return FromViper(v, filepath.Dir(absPath))
}

// FromViper builds a Config from an already loaded viper instance.
func FromViper(v *viper.Viper, baseDir string) (*Config, error) {
	cfg := &Config{
		LogLevel:        v.GetString("log-level"),
		HTTPListen:      v.GetString("http-listen"),
		ShutdownTimeout: v.GetInt("shutdown-timeout"),
		BaseDir:         baseDir,
		Units:           make(map[string]Unit),
		Targets:         make(map[string]Target),
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	for name, raw := range v.GetStringMap("units") {
		options, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("unit %q must be a table of options", name)
		}
		unit, err := decodeUnit(name, options)
		if err != nil {
			return nil, err
		}
		cfg.Units[name] = unit
	}

	for name, raw := range v.GetStringMap("targets") {
		options, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("target %q must be a table of options", name)
		}
		target, err := decodeTarget(name, options)
		if err != nil {
			return nil, err
		}
		cfg.Targets[name] = target
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeUnit(name string, options map[string]any) (Unit, error) {
	typeName, err := typeOf(name, options)
	if err != nil {
		return nil, err
	}

	var unit Unit
	switch typeName {
	case "json":
		unit = &units.Json{}
	case "json-file":
		unit = &units.JsonFile{}
	case "rtr":
		unit = &units.RtrClient{}
	case "slurm":
		unit = &units.Slurm{}
	case "any":
		unit = &units.Any{}
	case "merge":
		unit = &units.Merge{}
	default:
		return nil, fmt.Errorf("unit %q has unknown type %q", name, typeName)
	}

	if err := decodeOptions(name, options, unit); err != nil {
		return nil, err
	}
	return unit, nil
}

func decodeTarget(name string, options map[string]any) (Target, error) {
	typeName, err := typeOf(name, options)
	if err != nil {
		return nil, err
	}

	var target Target
	switch typeName {
	case "rtr":
		target = &targets.RtrTcp{}
	case "rtr-tls":
		target = &targets.RtrTls{}
	case "http":
		target = &targets.HttpJson{}
	default:
		return nil, fmt.Errorf("target %q has unknown type %q", name, typeName)
	}

	if err := decodeOptions(name, options, target); err != nil {
		return nil, err
	}
	return target, nil
}

func typeOf(name string, options map[string]any) (string, error) {
	raw, ok := options["type"]
	if !ok {
		return "", fmt.Errorf("component %q is missing the type option", name)
	}
	typeName, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("component %q has a non-string type option", name)
	}
	return typeName, nil
}

// decodeOptions decodes the option table into the typed component config.
// Unknown options are configuration errors.
func decodeOptions(name string, options map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(options); err != nil {
		return fmt.Errorf("component %q: %w", name, err)
	}
	return nil
}

func (c *Config) validate() error {
	// every referenced source must exist
	for name, unit := range c.Units {
		for _, source := range unit.SourceNames() {
			if _, ok := c.Units[source]; !ok {
				return fmt.Errorf("unit %q references unknown unit %q", name, source)
			}
		}
	}
	for name, target := range c.Targets {
		source := target.SourceName()
		if source == "" {
			return fmt.Errorf("target %q is missing the source option", name)
		}
		if _, ok := c.Units[source]; !ok {
			return fmt.Errorf("target %q references unknown unit %q", name, source)
		}
	}

	// rtr listen addresses must be unique per target
	for name, target := range c.Targets {
		var listen []string
		switch t := target.(type) {
		case *targets.RtrTcp:
			listen = t.Listen
		case *targets.RtrTls:
			listen = t.Listen
		}
		if addr, dup := sliceutils.FirstDuplicate(listen); dup {
			return fmt.Errorf("target %q lists address %q twice", name, addr)
		}
	}

	return c.checkCycles()
}

// checkCycles rejects a unit whose source chain leads back to itself. The
// unit graph must be acyclic for versions to flow.
func (c *Config) checkCycles() error {
	const (
		white = iota // unvisited
		grey         // on the current path
		black        // done
	)
	colors := make(map[string]int, len(c.Units))

	var visit func(name string) error
	visit = func(name string) error {
		switch colors[name] {
		case grey:
			return fmt.Errorf("unit %q is part of a source cycle", name)
		case black:
			return nil
		}
		colors[name] = grey
		for _, source := range c.Units[name].SourceNames() {
			if err := visit(source); err != nil {
				return err
			}
		}
		colors[name] = black
		return nil
	}

	// iterate in sorted order so the reported cycle is deterministic
	names := make([]string, 0, len(c.Units))
	for name := range c.Units {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}
