package p2p

import (
	"context"
	"fmt"
	"sync"

	"github.com/tendermint/blockpuller/libs/log"
	"github.com/tendermint/blockpuller/types"
)

// Network is an in-memory set of simulated peers. It publishes peer status
// changes to a single subscriber and collects the subscriber's verdicts on
// peers.
type Network struct {
	logger log.Logger

	updatesCh   chan PeerUpdate
	peerUpdates *PeerUpdates

	mtx     sync.Mutex
	peers   map[types.NodeID]*SimPeer
	cancels map[types.NodeID]context.CancelFunc
	reports map[types.NodeID][]PeerStatus
}

// NewNetwork returns an empty network whose subscription buffers buf
// updates in each direction.
func NewNetwork(logger log.Logger, buf int) *Network {
	updatesCh := make(chan PeerUpdate, buf)
	return &Network{
		logger:      logger,
		updatesCh:   updatesCh,
		peerUpdates: NewPeerUpdates(updatesCh, buf),
		peers:       make(map[types.NodeID]*SimPeer),
		cancels:     make(map[types.NodeID]context.CancelFunc),
		reports:     make(map[types.NodeID][]PeerStatus),
	}
}

// Subscribe returns the peer update subscription of the network.
func (n *Network) Subscribe() *PeerUpdates { return n.peerUpdates }

// Run consumes the reports subscribers send about peers until ctx is
// canceled.
func (n *Network) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pu := <-n.peerUpdates.routerUpdatesCh:
			n.mtx.Lock()
			n.reports[pu.NodeID] = append(n.reports[pu.NodeID], pu.Status)
			n.mtx.Unlock()
			n.logger.Info("peer reported", "peer", pu.NodeID, "status", pu.Status)
		}
	}
}

// AddPeer starts serving peer and announces it as up.
func (n *Network) AddPeer(ctx context.Context, peer *SimPeer) error {
	if err := peer.ID().Validate(); err != nil {
		return err
	}

	n.mtx.Lock()
	if _, ok := n.peers[peer.ID()]; ok {
		n.mtx.Unlock()
		return fmt.Errorf("peer %v already exists", peer.ID())
	}
	pctx, cancel := context.WithCancel(ctx)
	n.peers[peer.ID()] = peer
	n.cancels[peer.ID()] = cancel
	n.mtx.Unlock()

	go peer.Run(pctx)
	return n.publish(ctx, PeerUpdate{NodeID: peer.ID(), Status: PeerStatusUp})
}

// RemovePeer stops a peer and announces it as down.
func (n *Network) RemovePeer(ctx context.Context, id types.NodeID) error {
	n.mtx.Lock()
	peer, ok := n.peers[id]
	cancel := n.cancels[id]
	delete(n.peers, id)
	delete(n.cancels, id)
	n.mtx.Unlock()

	if !ok {
		return fmt.Errorf("unknown peer %v", id)
	}
	peer.Close()
	cancel()
	return n.publish(ctx, PeerUpdate{NodeID: id, Status: PeerStatusDown})
}

func (n *Network) publish(ctx context.Context, pu PeerUpdate) error {
	select {
	case n.updatesCh <- pu:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Peer returns a connected peer.
func (n *Network) Peer(id types.NodeID) (*SimPeer, bool) {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	peer, ok := n.peers[id]
	return peer, ok
}

// Peers returns all connected peers.
func (n *Network) Peers() []*SimPeer {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	peers := make([]*SimPeer, 0, len(n.peers))
	for _, peer := range n.peers {
		peers = append(peers, peer)
	}
	return peers
}

// Reports returns the statuses subscribers reported for a peer.
func (n *Network) Reports(id types.NodeID) []PeerStatus {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return append([]PeerStatus(nil), n.reports[id]...)
}
