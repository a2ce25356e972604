package puller

import (
	"sort"
	"sync"
	"time"

	"github.com/tendermint/blockpuller/types"
)

// PendingRequest is a block requested from a peer and not answered yet.
type PendingRequest struct {
	Height int64
	SentAt time.Time
}

// PeerHandle is the scheduler's record of one connected peer: its quality
// score and the blocks it was asked for. All fields are guarded by the
// handle's own mutex.
type PeerHandle struct {
	id        types.NodeID
	transport PeerTransport

	minScore float64
	maxScore float64

	mtx     sync.Mutex
	score   float64
	pending map[types.BlockID]PendingRequest
}

// NewPeerHandle returns a handle for peer id whose score starts in the
// middle of [minScore, maxScore].
func NewPeerHandle(id types.NodeID, transport PeerTransport, minScore, maxScore float64) *PeerHandle {
	return &PeerHandle{
		id:        id,
		transport: transport,
		minScore:  minScore,
		maxScore:  maxScore,
		score:     (minScore + maxScore) / 2,
		pending:   make(map[types.BlockID]PendingRequest),
	}
}

// ID returns the peer's node id.
func (p *PeerHandle) ID() types.NodeID { return p.id }

// Transport returns the transport requests for the peer go through.
func (p *PeerHandle) Transport() PeerTransport { return p.transport }

// ChainHeight returns the height advertised by the peer, or -1 if it did not
// advertise any.
func (p *PeerHandle) ChainHeight() int64 {
	if h, ok := p.transport.AdvertisedHeight(); ok {
		return h
	}
	return -1
}

// Score returns the current quality score.
func (p *PeerHandle) Score() float64 {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.score
}

// AdjustScore adds delta to the score, clamps it to the configured bounds
// and returns the new value.
func (p *PeerHandle) AdjustScore(delta float64) float64 {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.score += delta
	switch {
	case p.score < p.minScore:
		p.score = p.minScore
	case p.score > p.maxScore:
		p.score = p.maxScore
	}
	return p.score
}

// AddPending records that id at height was requested at sentAt. It returns
// false if id is already pending at this peer.
func (p *PeerHandle) AddPending(id types.BlockID, height int64, sentAt time.Time) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if _, ok := p.pending[id]; ok {
		return false
	}
	p.pending[id] = PendingRequest{Height: height, SentAt: sentAt}
	return true
}

// RemovePending removes id from the pending set. Only the first remover of
// an id succeeds, which decides who gets credit for a delivered block.
func (p *PeerHandle) RemovePending(id types.BlockID) (PendingRequest, bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	req, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	return req, ok
}

// Pending returns the request for id, if id is pending at this peer.
func (p *PeerHandle) Pending(id types.BlockID) (PendingRequest, bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	req, ok := p.pending[id]
	return req, ok
}

// NumPending returns the number of outstanding requests.
func (p *PeerHandle) NumPending() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.pending)
}

// PendingHeights returns the heights of all outstanding requests in
// ascending order.
func (p *PeerHandle) PendingHeights() []int64 {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	heights := make([]int64, 0, len(p.pending))
	for _, req := range p.pending {
		heights = append(heights, req.Height)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	return heights
}

// ReleasePending clears the pending set and returns the heights it held in
// ascending order.
func (p *PeerHandle) ReleasePending() []int64 {
	p.mtx.Lock()
	heights := make([]int64, 0, len(p.pending))
	for _, req := range p.pending {
		heights = append(heights, req.Height)
	}
	p.pending = make(map[types.BlockID]PendingRequest)
	p.mtx.Unlock()

	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	return heights
}

// info returns a snapshot for AssignTasks.
func (p *PeerHandle) info() PeerInfo {
	chainHeight := p.ChainHeight()

	p.mtx.Lock()
	defer p.mtx.Unlock()
	return PeerInfo{
		ID:          p.id,
		Score:       p.score,
		ChainHeight: chainHeight,
		Outstanding: len(p.pending),
	}
}
