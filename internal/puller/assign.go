package puller

import (
	"math/rand"
	"sort"

	"github.com/mroth/weightedrand"

	"github.com/tendermint/blockpuller/types"
)

// scoreScale turns float scores into the integer weights of the chooser.
const scoreScale = 1000

// PeerInfo is the snapshot of a peer AssignTasks works on.
type PeerInfo struct {
	ID          types.NodeID
	Score       float64
	ChainHeight int64
	Outstanding int
}

// AssignOptions tunes AssignTasks.
type AssignOptions struct {
	// Peers with more outstanding tasks than this get a reduced weight.
	HighWorkThreshold int

	// When set, the lower half of the requested heights only goes to peers
	// scoring at or above the median.
	ProtectLowerHalf bool
}

// AssignTasks distributes heights over peers. Every height goes to at most
// one peer, chosen at random with a probability proportional to its
// (workload adjusted) score among the peers that advertised the height.
// Heights no peer can serve are left out of the result.
//
// AssignTasks does not touch the peers; Outstanding counts only grow in its
// own bookkeeping while the round hands out tasks.
func AssignTasks(heights []int64, peers []PeerInfo, opts AssignOptions, rng *rand.Rand) map[types.NodeID][]int64 {
	out := make(map[types.NodeID][]int64)
	if len(heights) == 0 || len(peers) == 0 {
		return out
	}

	outstanding := make([]int, len(peers))
	total := 0
	for i, peer := range peers {
		outstanding[i] = peer.Outstanding
		total += peer.Outstanding
	}

	half := len(heights) / 2
	candidates := make([]int, 0, len(peers))
	for idx, height := range heights {
		candidates = candidates[:0]
		for i, peer := range peers {
			if peer.ChainHeight >= height {
				candidates = append(candidates, i)
			}
		}
		if len(candidates) == 0 {
			continue
		}

		if opts.ProtectLowerHalf && idx < half {
			candidates = filterAtOrAboveMedian(candidates, peers)
		}

		choices := make([]weightedrand.Choice, 0, len(candidates))
		for _, i := range candidates {
			score := peers[i].Score
			if outstanding[i] > opts.HighWorkThreshold && total > 0 {
				count, sum := float64(outstanding[i]), float64(total)
				score /= 1 + (count*count)/(sum*sum)
			}
			weight := uint(score * scoreScale)
			if weight < 1 {
				weight = 1
			}
			choices = append(choices, weightedrand.NewChoice(i, weight))
		}

		chooser, err := weightedrand.NewChooser(choices...)
		if err != nil {
			continue
		}
		i := chooser.PickSource(rng).(int)

		out[peers[i].ID] = append(out[peers[i].ID], height)
		outstanding[i]++
		total++
	}

	return out
}

func filterAtOrAboveMedian(candidates []int, peers []PeerInfo) []int {
	scores := make([]float64, len(candidates))
	for j, i := range candidates {
		scores[j] = peers[i].Score
	}
	median := medianFloat(scores)

	kept := candidates[:0]
	for _, i := range candidates {
		if peers[i].Score >= median {
			kept = append(kept, i)
		}
	}
	return kept
}

// medianFloat returns the median of values, sorting them in place.
func medianFloat(values []float64) float64 {
	sort.Float64s(values)
	n := len(values)
	if n%2 == 1 {
		return values[n/2]
	}
	return (values[n/2-1] + values[n/2]) / 2
}
