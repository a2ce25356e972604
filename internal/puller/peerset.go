package puller

import (
	"sort"
	"sync"
	"time"

	"github.com/tendermint/blockpuller/types"
)

// PeerSet is the registry of connected peers.
type PeerSet struct {
	mtx   sync.RWMutex
	peers map[types.NodeID]*PeerHandle
}

// NewPeerSet returns an empty peer set.
func NewPeerSet() *PeerSet {
	return &PeerSet{peers: make(map[types.NodeID]*PeerHandle)}
}

// Add registers a peer. It returns ErrPeerExists if a peer with the same id
// is registered.
func (ps *PeerSet) Add(peer *PeerHandle) error {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	if _, ok := ps.peers[peer.ID()]; ok {
		return ErrPeerExists
	}
	ps.peers[peer.ID()] = peer
	return nil
}

// Remove unregisters a peer and returns its handle.
func (ps *PeerSet) Remove(id types.NodeID) (*PeerHandle, bool) {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	peer, ok := ps.peers[id]
	if ok {
		delete(ps.peers, id)
	}
	return peer, ok
}

// Get returns the handle of a registered peer.
func (ps *PeerSet) Get(id types.NodeID) (*PeerHandle, bool) {
	ps.mtx.RLock()
	defer ps.mtx.RUnlock()

	peer, ok := ps.peers[id]
	return peer, ok
}

// Len returns the number of registered peers.
func (ps *PeerSet) Len() int {
	ps.mtx.RLock()
	defer ps.mtx.RUnlock()
	return len(ps.peers)
}

// List returns all registered peers ordered by id.
func (ps *PeerSet) List() []*PeerHandle {
	ps.mtx.RLock()
	defer ps.mtx.RUnlock()

	peers := make([]*PeerHandle, 0, len(ps.peers))
	for _, peer := range ps.peers {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID() < peers[j].ID() })
	return peers
}

// TotalScore returns the sum of all peer scores.
func (ps *PeerSet) TotalScore() float64 {
	var total float64
	for _, peer := range ps.List() {
		total += peer.Score()
	}
	return total
}

// NumPending returns the number of outstanding requests over all peers.
func (ps *PeerSet) NumPending() int {
	n := 0
	for _, peer := range ps.List() {
		n += peer.NumPending()
	}
	return n
}

// FindPending returns the peer id is pending at and when it was requested.
func (ps *PeerSet) FindPending(id types.BlockID) (*PeerHandle, time.Time, bool) {
	for _, peer := range ps.List() {
		if req, ok := peer.Pending(id); ok {
			return peer, req.SentAt, true
		}
	}
	return nil, time.Time{}, false
}

// Infos returns an assignment snapshot of every peer, ordered by id.
func (ps *PeerSet) Infos() []PeerInfo {
	peers := ps.List()
	infos := make([]PeerInfo, 0, len(peers))
	for _, peer := range peers {
		infos = append(infos, peer.info())
	}
	return infos
}
