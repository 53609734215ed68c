package config

import (
	"fmt"
	"strings"

	"github.com/modoterra/unitwatch/pkg/core"
)

// MaxLogLines caps logs.lines.
const MaxLogLines = 10000

// Validate checks the config for structural correctness.
func Validate(c *Config) []error {
	var errs []error

	seen := make(map[string]int)
	for i, s := range c.Services {
		label := s.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		}

		if err := CheckService(s); err != nil {
			errs = append(errs, fmt.Errorf("service %q: %w", label, err))
			continue
		}
		unit := core.NormalizeUnitID(s.Unit)
		if prev, dup := seen[unit]; dup {
			errs = append(errs, fmt.Errorf("service %q: unit %s already listed by service #%d", label, unit, prev+1))
		}
		seen[unit] = i
	}

	for _, err := range c.EngineOptions().Validate() {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	return errs
}

// CheckService validates a single service entry. Unit name problems wrap
// core.ErrInvalidUnit.
func CheckService(s Service) error {
	unit := core.NormalizeUnitID(s.Unit)
	invalid := &core.RegistryError{Kind: core.RegistryInvalidUnit, UnitID: s.Unit}
	switch {
	case unit == "":
		return fmt.Errorf("unit is required: %w", invalid)
	case strings.ContainsAny(unit, " \t/"):
		return fmt.Errorf("invalid unit name %q: %w", s.Unit, invalid)
	case strings.HasSuffix(unit, "@.service"):
		return fmt.Errorf("%s is a template, name an instance instead: %w", unit, invalid)
	}
	if s.Logs.Lines < 0 || s.Logs.Lines > MaxLogLines {
		return fmt.Errorf("logs.lines must be between 0 and %d, got %d", MaxLogLines, s.Logs.Lines)
	}
	return nil
}
