package engine

import (
	"fmt"
	"time"

	"github.com/modoterra/unitwatch/pkg/core"
)

// Options tunes the engine. Zero values are replaced by defaults.
type Options struct {
	PollInterval   time.Duration
	ProbeTimeout   time.Duration
	Parallelism    int
	StartTimeout   time.Duration
	StopTimeout    time.Duration
	RestartTimeout time.Duration
	TailRetries    int
	TailBackoff    []time.Duration
	LogBacklog     int

	// Now is the clock; tests replace it.
	Now func() time.Time
}

// DefaultOptions returns the stock engine tuning.
func DefaultOptions() Options {
	return Options{
		PollInterval:   2 * time.Second,
		ProbeTimeout:   3 * time.Second,
		Parallelism:    8,
		StartTimeout:   10 * time.Second,
		StopTimeout:    10 * time.Second,
		RestartTimeout: 15 * time.Second,
		TailRetries:    3,
		TailBackoff:    []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second},
		LogBacklog:     DefaultLogBacklog,
		Now:            time.Now,
	}
}

// withDefaults fills unset fields.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = d.ProbeTimeout
	}
	if o.Parallelism <= 0 {
		o.Parallelism = d.Parallelism
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = d.StartTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = d.StopTimeout
	}
	if o.RestartTimeout <= 0 {
		o.RestartTimeout = d.RestartTimeout
	}
	if o.TailRetries < 0 {
		o.TailRetries = 0
	} else if o.TailRetries == 0 && o.TailBackoff == nil {
		o.TailRetries = d.TailRetries
	}
	if len(o.TailBackoff) == 0 {
		o.TailBackoff = d.TailBackoff
	}
	if o.LogBacklog <= 0 {
		o.LogBacklog = d.LogBacklog
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// ActionTimeout returns the deadline for one action kind.
func (o Options) ActionTimeout(kind core.ActionKind) time.Duration {
	switch kind {
	case core.ActionRestart:
		return o.RestartTimeout
	case core.ActionStop:
		return o.StopTimeout
	default:
		return o.StartTimeout
	}
}

// Validate reports inconsistent settings.
func (o Options) Validate() []error {
	var errs []error
	if o.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("poll_interval must not be negative, got %s", o.PollInterval))
	}
	if o.PollInterval > 0 && o.PollInterval < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("poll_interval must be at least 100ms, got %s", o.PollInterval))
	}
	if o.ProbeTimeout < 0 {
		errs = append(errs, fmt.Errorf("probe_timeout must not be negative, got %s", o.ProbeTimeout))
	}
	for name, d := range map[string]time.Duration{
		"start_timeout":   o.StartTimeout,
		"stop_timeout":    o.StopTimeout,
		"restart_timeout": o.RestartTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}
	if o.Parallelism < 0 {
		errs = append(errs, fmt.Errorf("parallelism must not be negative, got %d", o.Parallelism))
	}
	if o.TailRetries < 0 {
		errs = append(errs, fmt.Errorf("tail_retries must not be negative, got %d", o.TailRetries))
	}
	for i, d := range o.TailBackoff {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("tail_backoff[%d] must be positive, got %s", i, d))
		}
	}
	return errs
}

// backoffDelay returns the wait before retry attempt n (1-based); the last
// configured step repeats.
func backoffDelay(steps []time.Duration, attempt int) time.Duration {
	if len(steps) == 0 || attempt < 1 {
		return 0
	}
	if attempt > len(steps) {
		return steps[len(steps)-1]
	}
	return steps[attempt-1]
}
