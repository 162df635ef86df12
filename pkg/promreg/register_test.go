package promreg

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCounter(help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Name: "tickwire_test_total", Help: help})
}

func TestRegisterReusesExisting(t *testing.T) {
	reg := prometheus.NewRegistry()

	first := Register(reg, newCounter("test"))
	second := Register(reg, newCounter("test"))
	require.NotPanics(t, func() { Register(reg, newCounter("test")) })

	second.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(first))
	assert.Equal(t, 1, testutil.CollectAndCount(reg, "tickwire_test_total"))
}

func TestRegisterNilRegisterer(t *testing.T) {
	c := newCounter("test")
	assert.Equal(t, c, Register(nil, c))
}

func TestRegisterConflictPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg, newCounter("test"))
	assert.Panics(t, func() { Register(reg, newCounter("different help")) })
}
