package puller

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tendermint/blockpuller/config"
	"github.com/tendermint/blockpuller/internal/p2p"
	"github.com/tendermint/blockpuller/libs/log"
	tmrand "github.com/tendermint/blockpuller/libs/rand"
	"github.com/tendermint/blockpuller/libs/service"
	"github.com/tendermint/blockpuller/types"
)

var _ service.Service = (*Puller)(nil)

// State is the scheduler state reported by Puller.State.
type State int32

const (
	// StateIdle means no location was set yet.
	StateIdle State = iota
	// StateWindowing is normal operation.
	StateWindowing
	// StateStalled means the next needed block is overdue.
	StateStalled
	// StateReorgDetected means the last NextBlock call reported a reorg and
	// the consumer has to call SetLocation.
	StateReorgDetected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWindowing:
		return "windowing"
	case StateStalled:
		return "stalled"
	case StateReorgDetected:
		return "reorg-detected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// RequestOptions reports the request window settings of a puller.
type RequestOptions struct {
	Strategy          string
	Lookahead         int
	MinLookahead      int
	MaxLookahead      int
	MaxBufferedBytes  int64
	HighWorkThreshold int
}

// Option sets an optional parameter on the Puller.
type Option func(*Puller)

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(p *Puller) { p.metrics = metrics }
}

// WithRand sets the randomness source of peer selection. The puller
// serializes its use.
func WithRand(rng *rand.Rand) Option {
	return func(p *Puller) { p.rng = rng }
}

// WithPeerUpdates makes the puller add and remove peers as they go up and
// down on the subscription. Transports of new peers are looked up with the
// resolver.
func WithPeerUpdates(peerUpdates *p2p.PeerUpdates, resolver PeerResolver) Option {
	return func(p *Puller) {
		p.peerUpdates = peerUpdates
		p.resolver = resolver
	}
}

// request is a batch of block ids to send to one peer.
type request struct {
	peer    *PeerHandle
	ids     []types.BlockID
	heights []int64
}

// Puller schedules block downloads over a set of peers and hands the blocks
// to a single consumer in chain order.
type Puller struct {
	service.BaseService
	logger log.Logger

	cfg     *config.PullerConfig
	chain   HeaderChain
	metrics *Metrics
	quality *QualityTracker
	peers   *PeerSet
	buffer  *DownloadBuffer

	peerUpdates *p2p.PeerUpdates
	resolver    PeerResolver

	// nextHeight is location+1. The buffer's admission gate reads it
	// without taking mtx.
	nextHeight int64
	consuming  int32

	now func() time.Time

	mtx         sync.Mutex
	rng         *rand.Rand
	strategy    windowStrategy
	location    *types.ChainPosition
	lookahead   types.ChainPosition
	unassigned  map[int64]struct{}
	state       State
	stallHeight int64

	sessionsMtx sync.Mutex
	sessions    map[types.NodeID]*peerSession
}

// NewPuller returns a puller downloading the blocks of chain.
func NewPuller(
	logger log.Logger,
	cfg *config.PullerConfig,
	chain HeaderChain,
	options ...Option,
) (*Puller, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid puller config: %w", err)
	}
	strategy, err := newWindowStrategy(cfg)
	if err != nil {
		return nil, err
	}

	p := &Puller{
		logger:     logger,
		cfg:        cfg,
		chain:      chain,
		metrics:    NopMetrics(),
		quality:    NewQualityTracker(cfg),
		peers:      NewPeerSet(),
		buffer:     NewDownloadBuffer(cfg.MaxBufferedBytes),
		now:        time.Now,
		strategy:   strategy,
		unassigned: make(map[int64]struct{}),
		sessions:   make(map[types.NodeID]*peerSession),
	}
	for _, opt := range options {
		opt(p)
	}
	if p.rng == nil {
		p.rng = tmrand.NewRand()
	}
	if p.peerUpdates != nil && p.resolver == nil {
		return nil, fmt.Errorf("peer updates require a peer resolver")
	}

	p.BaseService = *service.NewBaseService(logger, "Puller", p)
	return p, nil
}

// OnStart starts the scheduling routine and, when configured, the peer
// update routine. Both run until ctx is canceled.
func (p *Puller) OnStart(ctx context.Context) error {
	go p.schedulingRoutine(ctx)
	if p.peerUpdates != nil {
		go p.processPeerUpdates(ctx)
	}
	return nil
}

// OnStop stops all peer sessions.
func (p *Puller) OnStop() {
	p.sessionsMtx.Lock()
	defer p.sessionsMtx.Unlock()

	for _, s := range p.sessions {
		s.stop()
	}
}

// SetLocation sets the last block the consumer has processed. Outstanding
// requests are abandoned, answers to them are dropped, and buffered blocks
// that are not above pos on the best chain are discarded.
func (p *Puller) SetLocation(pos types.ChainPosition) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.location = &pos
	p.lookahead = pos
	atomic.StoreInt64(&p.nextHeight, pos.Height+1)
	p.unassigned = make(map[int64]struct{})
	p.state = StateWindowing
	p.stallHeight = 0

	released := 0
	for _, peer := range p.peers.List() {
		released += len(peer.ReleasePending())
	}
	pruned := p.buffer.Prune(func(id types.BlockID, block DownloadedBlock) bool {
		return p.onChainAbove(pos.Height, id, block.Height)
	})

	p.logger.Info("location set",
		"height", pos.Height,
		"hash", pos.Hash,
		"released", released,
		"pruned", pruned,
	)
	p.metrics.LocationHeight.Set(float64(pos.Height))
	p.metrics.PendingRequests.Set(0)
	p.updateBufferMetrics()
}

// onChainAbove reports whether id is the best chain block at height and lies
// above floor. It only consults the header chain.
func (p *Puller) onChainAbove(floor int64, id types.BlockID, height int64) bool {
	if height <= floor {
		return false
	}
	header, ok := p.chain.BlockAtHeight(height)
	return ok && header.Hash == id
}

// Location returns the consumer's position, if set.
func (p *Puller) Location() (types.ChainPosition, bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.location == nil {
		return types.ChainPosition{}, false
	}
	return *p.location, true
}

// State returns the scheduler state.
func (p *Puller) State() State {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.state
}

// RequestOptions implements BlockPuller.
func (p *Puller) RequestOptions() RequestOptions {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	return RequestOptions{
		Strategy:          p.strategy.Name(),
		Lookahead:         p.strategy.Size(),
		MinLookahead:      p.cfg.MinLookahead,
		MaxLookahead:      p.cfg.MaxLookahead,
		MaxBufferedBytes:  p.cfg.MaxBufferedBytes,
		HighWorkThreshold: p.cfg.HighWorkThreshold,
	}
}

// Peers returns a snapshot of all connected peers.
func (p *Puller) Peers() []PeerInfo {
	return p.peers.Infos()
}

// NextBlock blocks until the block following the location is downloaded,
// advances the location to it and returns its bytes. It returns an error
// wrapping ErrReorg when the header chain no longer extends the location;
// in that case nothing is consumed. Only one NextBlock call may be in
// progress at a time.
func (p *Puller) NextBlock(ctx context.Context) ([]byte, error) {
	if !atomic.CompareAndSwapInt32(&p.consuming, 0, 1) {
		return nil, ErrConcurrentNextBlock
	}
	defer atomic.StoreInt32(&p.consuming, 0)

	backoff := newPollBackoff(p.cfg.PollBackoff)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// taken before polling so an admission in between is not missed
		notify := p.buffer.Notify()

		bz, ok, err := p.poll(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			return bz, nil
		}

		timer := time.NewTimer(backoff.Next())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
			timer.Stop()
			backoff.Reset()
		case <-timer.C:
		}
	}
}

// poll runs one step of NextBlock. It returns the block and true once the
// next block was consumed.
func (p *Puller) poll(ctx context.Context) ([]byte, bool, error) {
	p.mtx.Lock()

	if p.location == nil {
		p.mtx.Unlock()
		return nil, false, ErrNoLocation
	}
	loc := *p.location

	if !p.chain.Contains(loc.Hash) {
		err := p.reorgLocked(loc, "location is not on the best chain")
		p.mtx.Unlock()
		return nil, false, err
	}
	next, ok := p.chain.BlockAtHeight(loc.Height + 1)
	if !ok {
		// caught up with the tip
		p.mtx.Unlock()
		return nil, false, nil
	}
	if next.PrevHash != loc.Hash {
		err := p.reorgLocked(loc, fmt.Sprintf("header %v does not extend the location", next))
		p.mtx.Unlock()
		return nil, false, err
	}

	if bz, ok := p.buffer.TryGet(next.Hash); ok {
		p.strategy.Observe(1 + p.bufferedAheadLocked(next.Height))
		p.advanceLocked(next.Position())
		reqs := p.maybeExtendWindowLocked()
		p.mtx.Unlock()

		p.metrics.BlocksDelivered.Add(1)
		p.metrics.LocationHeight.Set(float64(next.Height))
		p.updateBufferMetrics()
		p.sendRequests(ctx, reqs)
		return bz, true, nil
	}

	var (
		reqs      []request
		exhausted bool
	)
	peer, sentAt, pending := p.peers.FindPending(next.Hash)
	switch {
	case !pending:
		if p.lookahead.Height < next.Height {
			p.lookahead = next.Position()
		}
		reqs = p.assignLocked([]int64{next.Height}, p.peers.List(), false)

	case p.now().Sub(sentAt) >= p.cfg.StallTimeout:
		exhausted = p.handleStallLocked(peer, next)
	}
	p.mtx.Unlock()

	if exhausted && p.peerUpdates != nil {
		p.peerUpdates.SendUpdate(ctx, p2p.PeerUpdate{NodeID: peer.ID(), Status: p2p.PeerStatusBad})
	}
	p.sendRequests(ctx, reqs)
	return nil, false, nil
}

func (p *Puller) reorgLocked(loc types.ChainPosition, reason string) error {
	if p.state != StateReorgDetected {
		p.metrics.Reorgs.Add(1)
		p.logger.Info("reorg detected", "location", loc, "reason", reason)
	}
	p.state = StateReorgDetected
	return &ReorgError{Location: loc, Reason: reason}
}

// bufferedAheadLocked counts the consecutive heights above height whose
// blocks are buffered.
func (p *Puller) bufferedAheadLocked(height int64) int {
	n := 0
	for h := height + 1; h <= p.lookahead.Height; h++ {
		header, ok := p.chain.BlockAtHeight(h)
		if !ok || !p.buffer.Has(header.Hash) {
			break
		}
		n++
	}
	return n
}

func (p *Puller) advanceLocked(pos types.ChainPosition) {
	p.location = &pos
	atomic.StoreInt64(&p.nextHeight, pos.Height+1)
	if p.lookahead.Height < pos.Height {
		p.lookahead = pos
	}
	delete(p.unassigned, pos.Height)
	p.state = StateWindowing
	p.stallHeight = 0

	// a re-request of the block may still be out
	for _, peer := range p.peers.List() {
		peer.RemovePending(pos.Hash)
	}
}

// handleStallLocked penalizes the peer the next block is pending at and
// makes the block reassignable. It reports whether the penalty drove the
// peer's score to the minimum.
func (p *Puller) handleStallLocked(peer *PeerHandle, next *types.Header) bool {
	delta := p.quality.TimeoutPenalty(p.peers.TotalScore(), p.peers.Len())
	score := peer.AdjustScore(delta)
	if _, ok := peer.RemovePending(next.Hash); ok {
		p.unassigned[next.Height] = struct{}{}
	}

	p.metrics.Stalls.Add(1)
	p.metrics.PeerScore.With("peer_id", string(peer.ID())).Set(score)

	if p.stallHeight != next.Height {
		p.logger.Error("next block stalled",
			"height", next.Height,
			"peer", peer.ID(),
			"penalty", delta,
			"score", score,
		)
		p.stallHeight = next.Height
	} else {
		p.logger.Debug("next block still stalled", "height", next.Height, "peer", peer.ID(), "score", score)
	}
	p.state = StateStalled

	return delta < 0 && score <= p.cfg.MinScore
}

// maybeExtendWindowLocked grows the window when the strategy asks for it and
// assigns every height that still needs a request.
func (p *Puller) maybeExtendWindowLocked() []request {
	if p.location == nil {
		return nil
	}
	loc := *p.location
	if p.lookahead.Height < loc.Height {
		p.lookahead = loc
	}

	if n := p.strategy.Extend(p.lookahead.Height - loc.Height); n > 0 {
		end := p.lookahead.Height + int64(n)
		if tip := p.chain.TipHeight(); end > tip {
			end = tip
		}
		if end > p.lookahead.Height {
			if header, ok := p.chain.BlockAtHeight(end); ok {
				for h := p.lookahead.Height + 1; h <= end; h++ {
					p.unassigned[h] = struct{}{}
				}
				p.logger.Debug("extending window",
					"from", p.lookahead.Height+1,
					"to", end,
					"lookahead", p.strategy.Size(),
				)
				p.lookahead = header.Position()
			}
		}
		p.metrics.Lookahead.Set(float64(p.strategy.Size()))
	}

	if len(p.unassigned) == 0 {
		return nil
	}
	return p.assignLocked(p.unassignedHeightsLocked(), p.peers.List(), true)
}

func (p *Puller) unassignedHeightsLocked() []int64 {
	heights := make([]int64, 0, len(p.unassigned))
	for h := range p.unassigned {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	return heights
}

// assignLocked distributes heights over peers and records the assignments
// as pending. Heights outside the window, already buffered or already
// pending are dropped; heights no peer takes stay unassigned. The returned
// requests still have to be sent.
func (p *Puller) assignLocked(heights []int64, peers []*PeerHandle, protectLowerHalf bool) []request {
	if p.location == nil {
		return nil
	}
	loc := *p.location

	needed := make([]int64, 0, len(heights))
	ids := make(map[int64]types.BlockID, len(heights))
	for _, h := range heights {
		if h <= loc.Height || h > p.lookahead.Height {
			delete(p.unassigned, h)
			continue
		}
		header, ok := p.chain.BlockAtHeight(h)
		if !ok {
			delete(p.unassigned, h)
			continue
		}
		if p.buffer.Has(header.Hash) {
			delete(p.unassigned, h)
			continue
		}
		if _, _, pending := p.peers.FindPending(header.Hash); pending {
			delete(p.unassigned, h)
			continue
		}
		needed = append(needed, h)
		ids[h] = header.Hash
		p.unassigned[h] = struct{}{}
	}
	if len(needed) == 0 || len(peers) == 0 {
		return nil
	}

	infos := make([]PeerInfo, 0, len(peers))
	for _, peer := range peers {
		infos = append(infos, peer.info())
	}
	assignment := AssignTasks(needed, infos, AssignOptions{
		HighWorkThreshold: p.cfg.HighWorkThreshold,
		ProtectLowerHalf:  protectLowerHalf,
	}, p.rng)

	now := p.now()
	reqs := make([]request, 0, len(assignment))
	for _, peer := range peers {
		assigned := assignment[peer.ID()]
		if len(assigned) == 0 {
			continue
		}
		req := request{peer: peer}
		for _, h := range assigned {
			if !peer.AddPending(ids[h], h, now) {
				continue
			}
			delete(p.unassigned, h)
			req.ids = append(req.ids, ids[h])
			req.heights = append(req.heights, h)
		}
		if len(req.ids) > 0 {
			reqs = append(reqs, req)
		}
	}
	return reqs
}

// sendRequests sends assigned requests outside of the puller's mutex. Ids a
// peer could not be asked for become unassigned again.
func (p *Puller) sendRequests(ctx context.Context, reqs []request) {
	for _, req := range reqs {
		err := req.peer.Transport().SendGetData(ctx, req.ids)
		if err == nil {
			continue
		}

		p.logger.Error("failed to request blocks",
			"peer", req.peer.ID(),
			"count", len(req.ids),
			"err", err,
		)

		p.mtx.Lock()
		for i, id := range req.ids {
			if _, ok := req.peer.RemovePending(id); ok {
				p.unassigned[req.heights[i]] = struct{}{}
			}
		}
		p.mtx.Unlock()
	}
	if len(reqs) > 0 {
		p.metrics.PendingRequests.Set(float64(p.peers.NumPending()))
	}
}

// PushBlock admits a downloaded block into the buffer, blocking while the
// buffer is full unless the block is the next needed one. Blocks that are
// not on the best chain at height, or that the consumer already passed, are
// dropped. When no room frees up within the stall timeout ErrBufferFull is
// returned, so a blocked far block cannot hold up the next needed one
// queued behind it.
func (p *Puller) PushBlock(ctx context.Context, peerID types.NodeID, id types.BlockID, height int64, bz []byte) error {
	if height < atomic.LoadInt64(&p.nextHeight) {
		p.logger.Debug("dropping stale block", "peer", peerID, "height", height, "hash", id)
		return nil
	}
	if header, ok := p.chain.BlockAtHeight(height); !ok || header.Hash != id {
		p.logger.Debug("dropping block not on the best chain", "peer", peerID, "height", height, "hash", id)
		return nil
	}

	actx, cancel := context.WithTimeout(ctx, p.cfg.StallTimeout)
	defer cancel()

	if err := p.buffer.Admit(actx, id, height, bz, p.isNextHeight); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrBufferFull
	}
	p.updateBufferMetrics()
	return nil
}

// requeue makes height assignable again after its block was dropped.
func (p *Puller) requeue(height int64) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.location == nil || height <= p.location.Height || height > p.lookahead.Height {
		return
	}
	p.unassigned[height] = struct{}{}
}

func (p *Puller) isNextHeight(height int64) bool {
	return height == atomic.LoadInt64(&p.nextHeight)
}

// requestMore hands the lowest unassigned height peer can serve to peer.
func (p *Puller) requestMore(ctx context.Context, peer *PeerHandle) {
	p.mtx.Lock()
	if p.location == nil || len(p.unassigned) == 0 {
		p.mtx.Unlock()
		return
	}
	if _, ok := p.peers.Get(peer.ID()); !ok {
		p.mtx.Unlock()
		return
	}

	var reqs []request
	chainHeight := peer.ChainHeight()
	for _, h := range p.unassignedHeightsLocked() {
		if h > chainHeight {
			break
		}
		if reqs = p.assignLocked([]int64{h}, []*PeerHandle{peer}, false); len(reqs) > 0 {
			break
		}
	}
	p.mtx.Unlock()

	p.sendRequests(ctx, reqs)
}

// AddPeer registers a connected peer and starts its session. The session
// runs until ctx is canceled, the peer is removed or the puller stops.
func (p *Puller) AddPeer(ctx context.Context, id types.NodeID, transport PeerTransport) error {
	peer := NewPeerHandle(id, transport, p.cfg.MinScore, p.cfg.MaxScore)
	if err := p.peers.Add(peer); err != nil {
		return err
	}

	sctx, cancel := context.WithCancel(ctx)
	s := newPeerSession(p, peer, p.cfg.InboundQueueSize, cancel)

	p.sessionsMtx.Lock()
	p.sessions[id] = s
	p.sessionsMtx.Unlock()

	go s.inboundRoutine(sctx)

	p.logger.Info("added peer", "peer", id, "height", peer.ChainHeight())
	p.metrics.Peers.Set(float64(p.peers.Len()))
	p.metrics.PeerScore.With("peer_id", string(id)).Set(peer.Score())

	p.mtx.Lock()
	reqs := p.maybeExtendWindowLocked()
	p.mtx.Unlock()

	p.sendRequests(ctx, reqs)
	return nil
}

// RemovePeer stops a peer's session and returns its pending requests to the
// pool, from where they are reassigned right away.
func (p *Puller) RemovePeer(ctx context.Context, id types.NodeID) error {
	p.sessionsMtx.Lock()
	s, ok := p.sessions[id]
	delete(p.sessions, id)
	p.sessionsMtx.Unlock()

	if ok {
		s.stop()
	}

	p.mtx.Lock()
	peer, ok := p.peers.Remove(id)
	if !ok {
		p.mtx.Unlock()
		return ErrUnknownPeer
	}
	released := peer.ReleasePending()
	for _, h := range released {
		p.unassigned[h] = struct{}{}
	}
	reqs := p.maybeExtendWindowLocked()
	p.mtx.Unlock()

	p.logger.Info("removed peer", "peer", id, "released", len(released))
	p.metrics.Peers.Set(float64(p.peers.Len()))

	p.sendRequests(ctx, reqs)
	if s != nil {
		<-s.done
	}
	return nil
}

// Deliver hands a block received from a peer to the peer's session. It
// blocks while the session's queue is full.
func (p *Puller) Deliver(ctx context.Context, resp BlockResponse) error {
	p.sessionsMtx.Lock()
	s, ok := p.sessions[resp.PeerID]
	p.sessionsMtx.Unlock()

	if !ok {
		return ErrUnknownPeer
	}
	return s.deliver(ctx, resp)
}

// schedule runs one round of the scheduling routine: it drops stale buffered
// blocks, extends the window and retries unassigned heights.
func (p *Puller) schedule(ctx context.Context) {
	p.mtx.Lock()
	if p.location == nil {
		p.mtx.Unlock()
		return
	}
	loc := *p.location

	if pruned := p.buffer.Prune(func(id types.BlockID, block DownloadedBlock) bool {
		return p.onChainAbove(loc.Height, id, block.Height)
	}); pruned > 0 {
		p.logger.Debug("pruned stale blocks", "count", pruned, "location", loc.Height)
	}
	reqs := p.maybeExtendWindowLocked()
	p.mtx.Unlock()

	p.sendRequests(ctx, reqs)
	p.updateBufferMetrics()
}

func (p *Puller) schedulingRoutine(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ScheduleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.schedule(ctx)
		}
	}
}

// processPeerUpdates adds and removes peers as their status changes, until
// ctx is done. Other statuses are ignored.
func (p *Puller) processPeerUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case peerUpdate := <-p.peerUpdates.Updates():
			p.processPeerUpdate(ctx, peerUpdate)
		}
	}
}

func (p *Puller) processPeerUpdate(ctx context.Context, peerUpdate p2p.PeerUpdate) {
	p.logger.Debug("received peer update", "peer", peerUpdate.NodeID, "status", peerUpdate.Status)

	switch peerUpdate.Status {
	case p2p.PeerStatusUp:
		transport, ok := p.resolver.Transport(peerUpdate.NodeID)
		if !ok {
			p.logger.Error("no transport for peer", "peer", peerUpdate.NodeID)
			return
		}
		if err := p.AddPeer(ctx, peerUpdate.NodeID, transport); err != nil {
			p.logger.Error("failed to add peer", "peer", peerUpdate.NodeID, "err", err)
		}

	case p2p.PeerStatusDown:
		if err := p.RemovePeer(ctx, peerUpdate.NodeID); err != nil {
			p.logger.Debug("failed to remove peer", "peer", peerUpdate.NodeID, "err", err)
		}
	}
}

func (p *Puller) updateBufferMetrics() {
	p.metrics.BufferedBytes.Set(float64(p.buffer.Bytes()))
	p.metrics.BufferedBlocks.Set(float64(p.buffer.Len()))
}
