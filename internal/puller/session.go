package puller

import (
	"context"
	"errors"
	"time"

	"github.com/tendermint/blockpuller/internal/p2p"
	"github.com/tendermint/blockpuller/libs/log"
	"github.com/tendermint/blockpuller/types"
)

// BlockResponse is a block payload received from a peer.
type BlockResponse struct {
	PeerID  types.NodeID
	BlockID types.BlockID
	Bytes   []byte
	// Time between sending the request and receiving the answer.
	Elapsed time.Duration
}

// peerSession drains the inbound queue of one peer.
type peerSession struct {
	puller *Puller
	peer   *PeerHandle
	logger log.Logger

	inbound chan BlockResponse
	cancel  context.CancelFunc
	done    chan struct{}
}

func newPeerSession(p *Puller, peer *PeerHandle, queueSize int, cancel context.CancelFunc) *peerSession {
	return &peerSession{
		puller:  p,
		peer:    peer,
		logger:  p.logger.With("peer", peer.ID()),
		inbound: make(chan BlockResponse, queueSize),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (s *peerSession) stop() { s.cancel() }

// deliver enqueues resp, blocking while the queue is full.
func (s *peerSession) deliver(ctx context.Context, resp BlockResponse) error {
	select {
	case s.inbound <- resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrUnknownPeer
	}
}

func (s *peerSession) inboundRoutine(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case resp := <-s.inbound:
			s.handleBlockResponse(ctx, resp)
		}
	}
}

// handleBlockResponse credits the peer for a requested block, passes the
// block to the buffer and gives the peer more work.
func (s *peerSession) handleBlockResponse(ctx context.Context, resp BlockResponse) {
	p := s.puller

	req, ok := s.peer.RemovePending(resp.BlockID)
	if !ok {
		s.logger.Debug("dropping unsolicited block", "hash", resp.BlockID)
		p.metrics.UnsolicitedBlocks.Add(1)
		return
	}

	size := len(resp.Bytes)
	delta := p.quality.QualityAdjustment(resp.Elapsed, size)
	p.quality.RecordSample(s.peer.ID(), resp.Elapsed, size)
	score := s.peer.AdjustScore(delta)

	p.metrics.PeerScore.With("peer_id", string(s.peer.ID())).Set(score)
	p.metrics.BlockLatency.Observe(resp.Elapsed.Seconds())

	switch err := p.PushBlock(ctx, s.peer.ID(), resp.BlockID, req.Height, resp.Bytes); {
	case errors.Is(err, ErrBufferFull):
		s.logger.Debug("dropping block, buffer is full", "height", req.Height)
		p.requeue(req.Height)
	case err != nil:
		// the session is going away
		s.logger.Debug("block not admitted", "height", req.Height, "err", err)
		return
	}

	p.requestMore(ctx, s.peer)
}

// DeliverFunc adapts Deliver to the callback simulated peers answer through.
func (p *Puller) DeliverFunc() p2p.DeliverFunc {
	return func(ctx context.Context, from types.NodeID, id types.BlockID, bz []byte, elapsed time.Duration) error {
		return p.Deliver(ctx, BlockResponse{PeerID: from, BlockID: id, Bytes: bz, Elapsed: elapsed})
	}
}
