package puller

import (
	"context"

	"github.com/tendermint/blockpuller/types"
)

//go:generate ../../scripts/mockery_generate.sh HeaderChain|PeerTransport

// HeaderChain is the read-only view of the best header chain the puller
// downloads blocks for.
type HeaderChain interface {
	// TipHeight returns the height of the best header.
	TipHeight() int64

	// BlockAtHeight returns the best chain header at height, if any.
	BlockAtHeight(height int64) (*types.Header, bool)

	// Contains reports whether hash is part of the best chain.
	Contains(hash types.BlockID) bool

	// FindFork returns the highest header of the best chain found in the
	// locator, or the genesis header if none is found.
	FindFork(locator []types.BlockID) *types.Header
}

// PeerTransport is the outbound side of a connected peer.
type PeerTransport interface {
	// AdvertisedHeight returns the best height the peer announced, if it
	// announced any.
	AdvertisedHeight() (int64, bool)

	// SendGetData asks the peer for the given blocks. The peer answers
	// asynchronously through Puller.Deliver.
	SendGetData(ctx context.Context, ids []types.BlockID) error
}

// PeerResolver maps peers announced through peer updates to their
// transports.
type PeerResolver interface {
	Transport(id types.NodeID) (PeerTransport, bool)
}

// PeerResolverFunc is an adapter to use a plain function as a PeerResolver.
type PeerResolverFunc func(id types.NodeID) (PeerTransport, bool)

// Transport implements PeerResolver.
func (f PeerResolverFunc) Transport(id types.NodeID) (PeerTransport, bool) { return f(id) }

// BlockPuller is the consumer facing side of the scheduler.
type BlockPuller interface {
	// SetLocation sets the last block the consumer has processed. It may
	// only be called while no NextBlock call is in progress.
	SetLocation(pos types.ChainPosition)

	// NextBlock blocks until the block following the location is
	// downloaded, advances the location and returns the block.
	NextBlock(ctx context.Context) ([]byte, error)

	// RequestOptions reports the current request window settings.
	RequestOptions() RequestOptions
}

var _ BlockPuller = (*Puller)(nil)
