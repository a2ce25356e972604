package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg.Puller)
	require.NotNil(t, cfg.Instrumentation)
	require.NotNil(t, cfg.Simulation)

	// check the root dir stuff...
	cfg.SetRoot("/foo")
	cfg.DBPath = "/opt/data"

	assert.Equal(t, "/opt/data", cfg.DBDir())
	cfg.DBPath = "data"
	assert.Equal(t, "/foo/data", cfg.DBDir())

	require.NoError(t, cfg.ValidateBasic())
	require.NoError(t, TestConfig().ValidateBasic())
}

func TestConfigValidateBasic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Puller.MaxLookahead = 1
	assert.Error(t, cfg.ValidateBasic())

	cfg = DefaultConfig()
	cfg.LogFormat = "xml"
	assert.Error(t, cfg.ValidateBasic())
}

func TestPullerConfigValidateBasic(t *testing.T) {
	testCases := map[string]func(*PullerConfig){
		"Strategy":             func(c *PullerConfig) { c.Strategy = "greedy" },
		"MaxBufferedBytes":     func(c *PullerConfig) { c.MaxBufferedBytes = 0 },
		"MinLookahead":         func(c *PullerConfig) { c.MinLookahead = 0 },
		"MaxLookahead":         func(c *PullerConfig) { c.MaxLookahead = 2 },
		"LookaheadGrowth":      func(c *PullerConfig) { c.LookaheadGrowth = 1 },
		"LookaheadTolerance":   func(c *PullerConfig) { c.LookaheadTolerance = 1 },
		"BatchHistorySize":     func(c *PullerConfig) { c.BatchHistorySize = 0 },
		"BatchSize":            func(c *PullerConfig) { c.BatchSize = 0 },
		"HighWorkThreshold":    func(c *PullerConfig) { c.HighWorkThreshold = -1 },
		"MinScore":             func(c *PullerConfig) { c.MinScore = 0 },
		"MaxScore":             func(c *PullerConfig) { c.MaxScore = 1 },
		"PenaltyDiscardFactor": func(c *PullerConfig) { c.PenaltyDiscardFactor = -1 },
		"EmptyHistoryReward":   func(c *PullerConfig) { c.EmptyHistoryReward = -0.1 },
		"TimeoutPenalty":       func(c *PullerConfig) { c.TimeoutPenalty = 1 },
		"QualityHistorySize":   func(c *PullerConfig) { c.QualityHistorySize = 0 },
		"StallTimeout":         func(c *PullerConfig) { c.StallTimeout = 0 },
		"ScheduleInterval":     func(c *PullerConfig) { c.ScheduleInterval = -time.Second },
		"PollBackoffEmpty":     func(c *PullerConfig) { c.PollBackoff = nil },
		"PollBackoffNegative":  func(c *PullerConfig) { c.PollBackoff = []time.Duration{time.Millisecond, 0} },
		"InboundQueueSize":     func(c *PullerConfig) { c.InboundQueueSize = 0 },
	}

	for name, mutate := range testCases {
		mutate := mutate
		t.Run(name, func(t *testing.T) {
			cfg := DefaultPullerConfig()
			require.NoError(t, cfg.ValidateBasic())
			mutate(cfg)
			assert.Error(t, cfg.ValidateBasic())
		})
	}
}

func TestSimulationConfigValidateBasic(t *testing.T) {
	cfg := DefaultSimulationConfig()
	require.NoError(t, cfg.ValidateBasic())

	cfg.ReorgHeight = cfg.ChainHeight + 1
	assert.Error(t, cfg.ValidateBasic())

	cfg = DefaultSimulationConfig()
	cfg.DropRate = 1
	assert.Error(t, cfg.ValidateBasic())
}

func TestInstrumentationConfigValidateBasic(t *testing.T) {
	cfg := TestInstrumentationConfig()
	assert.NoError(t, cfg.ValidateBasic())

	cfg.Prometheus = true
	cfg.PrometheusListenAddr = ""
	assert.Error(t, cfg.ValidateBasic())
}
