package puller

import "github.com/tendermint/blockpuller/config"

// batchStrategy requests a fixed number of blocks and only requests the next
// batch once the previous one is fully consumed.
type batchStrategy struct {
	size int
}

var _ windowStrategy = (*batchStrategy)(nil)

func newBatchStrategy(size int) *batchStrategy {
	return &batchStrategy{size: size}
}

func (s *batchStrategy) Name() string { return config.StrategyBatch }

func (s *batchStrategy) Size() int { return s.size }

func (s *batchStrategy) Observe(int) {}

func (s *batchStrategy) Extend(gap int64) int {
	if gap > 0 {
		return 0
	}
	return s.size
}
