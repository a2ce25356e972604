package p2p

import (
	"context"
	"time"

	"github.com/tendermint/blockpuller/types"
)

// PeerStatus is a peer status.
//
// Reported by the network when peers come and go (up, down) and by
// subscribers judging a peer's behaviour (good, bad).
type PeerStatus string

const (
	PeerStatusUp   PeerStatus = "up"   // connected and ready
	PeerStatusDown PeerStatus = "down" // disconnected
	PeerStatusGood PeerStatus = "good" // peer observed as good
	PeerStatusBad  PeerStatus = "bad"  // peer observed as bad
)

// PeerUpdate is a peer update event sent via PeerUpdates.
type PeerUpdate struct {
	NodeID types.NodeID
	Status PeerStatus
}

// PeerUpdates is a peer update subscription with notifications about peer
// events (currently just status changes).
type PeerUpdates struct {
	routerUpdatesCh  chan PeerUpdate
	reactorUpdatesCh chan PeerUpdate
}

// NewPeerUpdates creates a new PeerUpdates subscription. It is primarily for
// internal use, callers should typically use Network.Subscribe().
func NewPeerUpdates(updatesCh chan PeerUpdate, buf int) *PeerUpdates {
	return &PeerUpdates{
		reactorUpdatesCh: updatesCh,
		routerUpdatesCh:  make(chan PeerUpdate, buf),
	}
}

// Updates returns a channel for consuming peer updates.
func (pu *PeerUpdates) Updates() <-chan PeerUpdate {
	return pu.reactorUpdatesCh
}

// SendUpdate pushes information about a peer into the network layer,
// presumably from a subscriber.
func (pu *PeerUpdates) SendUpdate(ctx context.Context, update PeerUpdate) {
	select {
	case <-ctx.Done():
	case pu.routerUpdatesCh <- update:
	}
}

// GetData asks a peer for blocks.
type GetData struct {
	IDs []types.BlockID
}

// Envelope contains a message with sender/receiver routing info.
type Envelope struct {
	From    types.NodeID // sender (empty if outbound)
	To      types.NodeID // receiver (empty if inbound)
	Message GetData      // message payload
	SentAt  time.Time    // when the sender handed the message over
}
