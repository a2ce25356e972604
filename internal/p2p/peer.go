package p2p

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tendermint/blockpuller/libs/log"
	tmrand "github.com/tendermint/blockpuller/libs/rand"
	"github.com/tendermint/blockpuller/types"
)

// ErrPeerClosed is returned when sending to a peer that has shut down.
var ErrPeerClosed = errors.New("peer closed")

const defaultQueueSize = 4096

// BlockSource is the chain a simulated peer serves blocks from.
type BlockSource interface {
	TipHeight() int64
	HeaderByHash(id types.BlockID) (*types.Header, bool)
}

// DeliverFunc receives the blocks a simulated peer sends back.
type DeliverFunc func(ctx context.Context, from types.NodeID, id types.BlockID, bz []byte, elapsed time.Duration) error

// SimPeerOptions describes the link to a simulated peer.
type SimPeerOptions struct {
	// Time to answer each requested block.
	Latency time.Duration
	// Bytes per second, 0 is unlimited.
	Bandwidth int
	// Probability that a requested block is never sent.
	DropRate float64
	// Payload size of every block.
	BlockSize int
	// Capacity of the request queue. It should cover the puller's maximum
	// window, as requests for a peer block while its queue is full.
	QueueSize int
	// Seed of the drop decisions, 0 picks a random seed.
	Seed int64
}

// SimPeer is an in-memory remote peer serving blocks from a BlockSource. It
// answers requests in order, one block at a time, over a shaped link.
type SimPeer struct {
	id      types.NodeID
	logger  log.Logger
	source  BlockSource
	opts    SimPeerOptions
	deliver DeliverFunc
	queue   queue
	limiter *rate.Limiter
	rng     *rand.Rand

	mtx        sync.Mutex
	height     int64
	advertised bool
	served     int
	dropped    int
}

// NewSimPeer returns a peer advertising the current tip of source.
func NewSimPeer(logger log.Logger, id types.NodeID, source BlockSource, opts SimPeerOptions, deliver DeliverFunc) *SimPeer {
	if opts.QueueSize < 1 {
		opts.QueueSize = defaultQueueSize
	}
	seed := opts.Seed
	if seed == 0 {
		seed = tmrand.Seed()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.Bandwidth > 0 {
		burst := opts.Bandwidth
		if burst < opts.BlockSize {
			burst = opts.BlockSize
		}
		limiter = rate.NewLimiter(rate.Limit(opts.Bandwidth), burst)
	}

	return &SimPeer{
		id:         id,
		logger:     logger.With("peer", id),
		source:     source,
		opts:       opts,
		deliver:    deliver,
		queue:      newFIFOQueue(opts.QueueSize),
		limiter:    limiter,
		rng:        rand.New(rand.NewSource(seed)),
		height:     source.TipHeight(),
		advertised: true,
	}
}

// ID returns the peer's node id.
func (p *SimPeer) ID() types.NodeID { return p.id }

// AdvertisedHeight returns the height the peer announced.
func (p *SimPeer) AdvertisedHeight() (int64, bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.height, p.advertised
}

// Advertise announces a new best height.
func (p *SimPeer) Advertise(height int64) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.height = height
	p.advertised = true
}

// SendGetData queues a request for ids.
func (p *SimPeer) SendGetData(ctx context.Context, ids []types.BlockID) error {
	select {
	case <-p.queue.closed():
		return ErrPeerClosed
	default:
	}

	env := Envelope{To: p.id, Message: GetData{IDs: ids}, SentAt: time.Now()}
	select {
	case p.queue.enqueue() <- env:
		return nil
	case <-p.queue.closed():
		return ErrPeerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns how many blocks the peer served and dropped.
func (p *SimPeer) Stats() (served, dropped int) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.served, p.dropped
}

// Close stops the peer. Queued requests are discarded.
func (p *SimPeer) Close() { p.queue.close() }

// Run serves queued requests until ctx is canceled or the peer is closed.
func (p *SimPeer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.queue.closed():
			return
		case env := <-p.queue.dequeue():
			for _, id := range env.Message.IDs {
				if err := p.serve(ctx, id, env.SentAt); err != nil {
					return
				}
			}
		}
	}
}

func (p *SimPeer) serve(ctx context.Context, id types.BlockID, sentAt time.Time) error {
	header, ok := p.source.HeaderByHash(id)
	if !ok {
		p.logger.Debug("unknown block requested", "hash", id)
		return nil
	}

	p.mtx.Lock()
	drop := p.opts.DropRate > 0 && p.rng.Float64() < p.opts.DropRate
	if drop {
		p.dropped++
	}
	p.mtx.Unlock()
	if drop {
		p.logger.Debug("dropping block request", "height", header.Height)
		return nil
	}

	if p.opts.Latency > 0 {
		timer := time.NewTimer(p.opts.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	bz := EncodeBlock(header, p.opts.BlockSize)
	if err := p.limiter.WaitN(ctx, len(bz)); err != nil {
		return err
	}

	if err := p.deliver(ctx, p.id, id, bz, time.Since(sentAt)); err != nil {
		p.logger.Debug("failed to deliver block", "height", header.Height, "err", err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}

	p.mtx.Lock()
	p.served++
	p.mtx.Unlock()
	return nil
}
