package puller

import (
	"sort"

	"github.com/tendermint/blockpuller/config"
)

// lookaheadStrategy keeps an adaptive window ahead of the consumer. The
// window is retuned from the median number of blocks that were ready per
// consumption: few ready blocks mean the peers cannot keep up and the window
// grows, many ready blocks mean memory is spent for nothing and it shrinks.
type lookaheadStrategy struct {
	min       int
	max       int
	growth    float64
	tolerance float64

	actual int

	history []int
	next    int
	size    int
	dirty   bool
}

var _ windowStrategy = (*lookaheadStrategy)(nil)

func newLookaheadStrategy(cfg *config.PullerConfig) *lookaheadStrategy {
	return &lookaheadStrategy{
		min:       cfg.MinLookahead,
		max:       cfg.MaxLookahead,
		growth:    cfg.LookaheadGrowth,
		tolerance: cfg.LookaheadTolerance,
		actual:    cfg.MinLookahead,
		history:   make([]int, cfg.BatchHistorySize),
	}
}

func (s *lookaheadStrategy) Name() string { return config.StrategyLookahead }

func (s *lookaheadStrategy) Size() int { return s.actual }

func (s *lookaheadStrategy) Observe(available int) {
	s.history[s.next] = available
	s.next = (s.next + 1) % len(s.history)
	if s.size < len(s.history) {
		s.size++
	}
	s.dirty = true
}

func (s *lookaheadStrategy) Extend(gap int64) int {
	if gap > int64(s.actual) {
		return 0
	}
	if s.dirty {
		s.recompute()
		s.dirty = false
	}
	return s.actual
}

// recompute retunes the window against the observed history.
func (s *lookaheadStrategy) recompute() {
	if s.size == 0 {
		return
	}

	median := float64(medianInt(s.history[:s.size]))
	expected := float64(s.actual) * s.growth
	low, high := expected*(1-s.tolerance), expected*(1+s.tolerance)

	switch {
	case median < low:
		grown := int(float64(s.actual) * s.growth)
		if grown < s.actual+1 {
			grown = s.actual + 1
		}
		s.actual = grown
	case median > high:
		shrunk := int(float64(s.actual) / s.growth)
		if shrunk > s.actual-1 {
			shrunk = s.actual - 1
		}
		s.actual = shrunk
	}

	if s.actual < s.min {
		s.actual = s.min
	}
	if s.actual > s.max {
		s.actual = s.max
	}
}

// medianInt returns the median of values without modifying them. For an
// even count the lower middle value is used.
func medianInt(values []int) int {
	sorted := make([]int, len(values))
	copy(sorted, values)
	sort.Ints(sorted)
	return sorted[(len(sorted)-1)/2]
}
