package puller

import (
	"fmt"

	"github.com/tendermint/blockpuller/config"
)

// windowStrategy decides how far ahead of the consumer requests are issued.
// Implementations are only accessed under the puller's mutex.
type windowStrategy interface {
	// Name returns the configuration name of the strategy.
	Name() string

	// Observe records how many consecutive blocks were already downloaded
	// when the consumer took the next one.
	Observe(available int)

	// Extend returns how many heights to request past the end of the
	// window given gap, the distance between the window end and the
	// consumer. Zero means the window is wide enough.
	Extend(gap int64) int

	// Size returns the current window size in blocks.
	Size() int
}

func newWindowStrategy(cfg *config.PullerConfig) (windowStrategy, error) {
	switch cfg.Strategy {
	case config.StrategyLookahead:
		return newLookaheadStrategy(cfg), nil
	case config.StrategyBatch:
		return newBatchStrategy(cfg.BatchSize), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", cfg.Strategy)
	}
}
