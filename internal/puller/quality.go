package puller

import (
	"sync"
	"time"

	"github.com/tendermint/blockpuller/config"
	"github.com/tendermint/blockpuller/types"
)

const (
	// minTimePerKB floors a sample so instant deliveries stay comparable.
	minTimePerKB = 1e-6

	// rewardThreshold is the multiple of the average time per KB below which
	// a delivery is rewarded.
	rewardThreshold = 2.0
)

type qualitySample struct {
	peer      types.NodeID
	timePerKB float64
}

// QualityTracker keeps a rolling history of delivery throughput across all
// peers and derives score adjustments from it. It is safe for concurrent
// use.
type QualityTracker struct {
	discardFactor      float64
	emptyHistoryReward float64
	timeoutPenalty     float64

	mtx     sync.Mutex
	samples []qualitySample
	next    int
	size    int
	average float64
}

// NewQualityTracker returns a tracker keeping the last QualityHistorySize
// samples. Penalties are discarded while the sum of peer scores is below
// PenaltyDiscardFactor times the number of peers.
func NewQualityTracker(cfg *config.PullerConfig) *QualityTracker {
	historySize := cfg.QualityHistorySize
	if historySize < 1 {
		historySize = 1
	}
	return &QualityTracker{
		discardFactor:      cfg.PenaltyDiscardFactor,
		emptyHistoryReward: cfg.EmptyHistoryReward,
		timeoutPenalty:     cfg.TimeoutPenalty,
		samples:            make([]qualitySample, historySize),
	}
}

// timePerKB returns the milliseconds spent per KiB of payload.
func timePerKB(elapsed time.Duration, size int) float64 {
	if size <= 0 {
		size = 1
	}
	ms := float64(elapsed) / float64(time.Millisecond)
	tpk := 1024 * ms / float64(size)
	if tpk < minTimePerKB {
		return minTimePerKB
	}
	return tpk
}

// RecordSample adds a delivery of size bytes from peer that took elapsed to
// the history, evicting the oldest sample once the history is full.
func (q *QualityTracker) RecordSample(peer types.NodeID, elapsed time.Duration, size int) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	q.samples[q.next] = qualitySample{peer: peer, timePerKB: timePerKB(elapsed, size)}
	q.next = (q.next + 1) % len(q.samples)
	if q.size < len(q.samples) {
		q.size++
	}

	var sum float64
	for i := 0; i < q.size; i++ {
		sum += q.samples[i].timePerKB
	}
	q.average = sum / float64(q.size)
}

// QualityAdjustment returns the score delta for a delivery of size bytes that
// took elapsed, relative to the current history. It must be computed before
// the sample is recorded.
func (q *QualityTracker) QualityAdjustment(elapsed time.Duration, size int) float64 {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if q.size == 0 {
		return q.emptyHistoryReward
	}

	sample := timePerKB(elapsed, size)
	if sample < rewardThreshold*q.average {
		return q.average / sample
	}
	return -sample / (rewardThreshold * q.average)
}

// TimeoutPenalty returns the score delta for a stalled request given the sum
// of all peer scores and the number of peers.
func (q *QualityTracker) TimeoutPenalty(totalScore float64, numPeers int) float64 {
	if q.IsPenaltyDiscarded(totalScore, numPeers) {
		return 0
	}
	return q.timeoutPenalty
}

// IsPenaltyDiscarded reports whether penalties are currently suppressed. They
// are while the peer set as a whole scores so low that punishing it further
// would leave nobody to download from.
func (q *QualityTracker) IsPenaltyDiscarded(totalScore float64, numPeers int) bool {
	return totalScore < q.discardFactor*float64(numPeers)
}

// AverageTimePerKB returns the moving average of milliseconds per KiB, or 0
// while the history is empty.
func (q *QualityTracker) AverageTimePerKB() float64 {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.average
}

// Len returns the number of retained samples.
func (q *QualityTracker) Len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.size
}

// Contributions returns how many retained samples each peer contributed.
func (q *QualityTracker) Contributions() map[types.NodeID]int {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	out := make(map[types.NodeID]int)
	for i := 0; i < q.size; i++ {
		out[q.samples[i].peer]++
	}
	return out
}
