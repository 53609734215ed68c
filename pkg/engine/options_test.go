package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/modoterra/unitwatch/pkg/core"
)

func TestOptions_Defaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, DefaultOptions().PollInterval, o.PollInterval)
	assert.Equal(t, 3, o.TailRetries)
	assert.Equal(t, o.RestartTimeout, o.ActionTimeout(core.ActionRestart))
	assert.Equal(t, o.StopTimeout, o.ActionTimeout(core.ActionStop))

	neg := Options{TailRetries: -1}.withDefaults()
	assert.Equal(t, 0, neg.TailRetries)

	assert.Len(t, Options{PollInterval: 10 * time.Millisecond, TailBackoff: []time.Duration{0}}.Validate(), 2)
}

func TestBackoffDelay(t *testing.T) {
	steps := DefaultOptions().TailBackoff
	assert.Equal(t, steps[0], backoffDelay(steps, 1))
	assert.Equal(t, steps[2], backoffDelay(steps, 3))
	assert.Equal(t, steps[2], backoffDelay(steps, 9))
	assert.Zero(t, backoffDelay(nil, 1))
	assert.Zero(t, backoffDelay(steps, 0))
}
