package puller

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/blockpuller/config"
	"github.com/tendermint/blockpuller/internal/p2p"
	"github.com/tendermint/blockpuller/internal/puller/mocks"
	"github.com/tendermint/blockpuller/internal/store"
	"github.com/tendermint/blockpuller/libs/log"
	"github.com/tendermint/blockpuller/types"
)

const testBlockSize = 256

// newTestChain returns a header store holding genesis and headers
// 1..height, and the headers indexed by height.
func newTestChain(t *testing.T, height int64) (*store.HeaderStore, []*types.Header) {
	t.Helper()

	hs := store.NewHeaderStore(dbm.NewMemDB())
	headers := []*types.Header{types.NewHeader(0, types.ZeroBlockID, []byte("genesis"))}
	require.NoError(t, hs.SaveHeader(headers[0]))
	for h := int64(1); h <= height; h++ {
		header := types.NewHeader(h, headers[h-1].Hash, nil)
		require.NoError(t, hs.SaveHeader(header))
		headers = append(headers, header)
	}
	return hs, headers
}

// forkChain replaces the best chain above parent with salted headers up to
// height.
func forkChain(t *testing.T, hs *store.HeaderStore, parent *types.Header, height int64, salt string) []*types.Header {
	t.Helper()

	var headers []*types.Header
	for h := parent.Height + 1; h <= height; h++ {
		header := types.NewHeader(h, parent.Hash, []byte(salt))
		require.NoError(t, hs.SaveHeader(header))
		headers = append(headers, header)
		parent = header
	}
	return headers
}

func newTestPuller(t *testing.T, chain HeaderChain, configure func(*config.PullerConfig), opts ...Option) *Puller {
	t.Helper()

	cfg := config.TestPullerConfig()
	if configure != nil {
		configure(cfg)
	}
	opts = append([]Option{WithRand(rand.New(rand.NewSource(1)))}, opts...)
	p, err := NewPuller(log.TestingLogger(), cfg, chain, opts...)
	require.NoError(t, err)
	return p
}

func newMockTransport(t *testing.T, height int64) *mocks.PeerTransport {
	transport := mocks.NewPeerTransport(t)
	transport.On("AdvertisedHeight").Return(height, true).Maybe()
	transport.On("SendGetData", mock.Anything, mock.Anything).Return(nil).Maybe()
	return transport
}

// addIdlePeer registers a peer without a session; nothing answers its
// requests.
func addIdlePeer(t *testing.T, p *Puller, id types.NodeID, height int64) *PeerHandle {
	t.Helper()

	peer := NewPeerHandle(id, newMockTransport(t, height), p.cfg.MinScore, p.cfg.MaxScore)
	require.NoError(t, p.peers.Add(peer))
	return peer
}

// assertPendingInvariants checks that no block is pending at two peers and
// that every pending height lies in the request window.
func assertPendingInvariants(t *testing.T, p *Puller) {
	t.Helper()

	p.mtx.Lock()
	defer p.mtx.Unlock()

	owners := make(map[types.BlockID]types.NodeID)
	for _, peer := range p.peers.List() {
		peer.mtx.Lock()
		for id, req := range peer.pending {
			if other, ok := owners[id]; ok {
				t.Errorf("block %v pending at %v and %v", id, other, peer.ID())
			}
			owners[id] = peer.ID()
			if req.Height <= p.location.Height || req.Height > p.lookahead.Height {
				t.Errorf("pending height %d outside window (%d, %d]",
					req.Height, p.location.Height, p.lookahead.Height)
			}
		}
		peer.mtx.Unlock()
	}
}

func TestNewPullerValidation(t *testing.T) {
	hs, _ := newTestChain(t, 1)

	cfg := config.TestPullerConfig()
	cfg.MinLookahead = 0
	_, err := NewPuller(log.NewNopLogger(), cfg, hs)
	assert.Error(t, err)

	network := p2p.NewNetwork(log.NewNopLogger(), 1)
	_, err = NewPuller(log.NewNopLogger(), config.TestPullerConfig(), hs, WithPeerUpdates(network.Subscribe(), nil))
	assert.Error(t, err)
}

func TestPullerRequestOptions(t *testing.T) {
	hs, _ := newTestChain(t, 1)
	p := newTestPuller(t, hs, nil)

	assert.Equal(t, RequestOptions{
		Strategy:          config.StrategyLookahead,
		Lookahead:         4,
		MinLookahead:      4,
		MaxLookahead:      2000,
		MaxBufferedBytes:  20000000,
		HighWorkThreshold: 50,
	}, p.RequestOptions())
	assert.Equal(t, StateIdle, p.State())
	_, ok := p.Location()
	assert.False(t, ok)
}

func TestNextBlockWithoutLocation(t *testing.T) {
	hs, _ := newTestChain(t, 10)
	p := newTestPuller(t, hs, nil)

	_, err := p.NextBlock(context.Background())
	assert.ErrorIs(t, err, ErrNoLocation)
}

func TestNextBlockConcurrentCalls(t *testing.T) {
	defer leaktest.Check(t)()

	hs, headers := newTestChain(t, 10)
	p := newTestPuller(t, hs, nil)
	// at the tip, so NextBlock waits
	p.SetLocation(headers[10].Position())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.NextBlock(ctx)
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&p.consuming) == 1
	}, time.Second, time.Millisecond)

	_, err := p.NextBlock(context.Background())
	assert.ErrorIs(t, err, ErrConcurrentNextBlock)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	loc, ok := p.Location()
	require.True(t, ok)
	assert.Equal(t, headers[10].Position(), loc)
}

func TestPullerDeliversInOrder(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	const height = 300
	hs, headers := newTestChain(t, height)
	p := newTestPuller(t, hs, func(cfg *config.PullerConfig) {
		cfg.MaxBufferedBytes = 20 * testBlockSize
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))

	for i := 0; i < 4; i++ {
		peer := p2p.NewSimPeer(log.TestingLogger(), types.NodeID(fmt.Sprintf("peer-%d", i)), hs, p2p.SimPeerOptions{
			Latency:   time.Duration(i) * time.Millisecond,
			BlockSize: testBlockSize,
			Seed:      int64(i + 1),
		}, p.DeliverFunc())
		go peer.Run(ctx)
		require.NoError(t, p.AddPeer(ctx, peer.ID(), peer))
	}
	require.Len(t, p.Peers(), 4)

	p.SetLocation(headers[0].Position())

	nctx, ncancel := context.WithTimeout(ctx, 30*time.Second)
	defer ncancel()
	for h := int64(1); h <= height; h++ {
		bz, err := p.NextBlock(nctx)
		require.NoError(t, err, "height %d", h)

		gotHeight, gotID, err := p2p.DecodeBlock(bz)
		require.NoError(t, err)
		require.Equal(t, h, gotHeight)
		require.Equal(t, headers[h].Hash, gotID)

		assertPendingInvariants(t, p)
	}

	loc, ok := p.Location()
	require.True(t, ok)
	assert.Equal(t, headers[height].Position(), loc)
}

func TestPullerReorgDetected(t *testing.T) {
	ctx := context.Background()
	hs, headers := newTestChain(t, 100)
	p := newTestPuller(t, hs, nil)

	p.SetLocation(headers[90].Position())
	locator := hs.LocatorFrom(90)

	// 91 was downloaded before the chain moved
	require.NoError(t, p.PushBlock(ctx, "peer", headers[91].Hash, 91, p2p.EncodeBlock(headers[91], testBlockSize)))
	require.True(t, p.buffer.Has(headers[91].Hash))

	fork := forkChain(t, hs, headers[85], 100, "fork")

	_, err := p.NextBlock(ctx)
	require.ErrorIs(t, err, ErrReorg)
	var reorgErr *ReorgError
	require.ErrorAs(t, err, &reorgErr)
	assert.Equal(t, headers[90].Position(), reorgErr.Location)
	assert.Equal(t, StateReorgDetected, p.State())

	// nothing was consumed or dropped
	loc, _ := p.Location()
	assert.Equal(t, headers[90].Position(), loc)
	assert.True(t, p.buffer.Has(headers[91].Hash))

	// asking again reports the same reorg
	_, err = p.NextBlock(ctx)
	require.ErrorIs(t, err, ErrReorg)

	// rewind to the fork point and continue on the new chain
	forkPoint := hs.FindFork(locator)
	require.NotNil(t, forkPoint)
	require.Equal(t, headers[85].Position(), forkPoint.Position())

	p.SetLocation(forkPoint.Position())
	assert.False(t, p.buffer.Has(headers[91].Hash))
	assert.Zero(t, p.buffer.Bytes())

	require.NoError(t, p.PushBlock(ctx, "peer", fork[0].Hash, 86, p2p.EncodeBlock(fork[0], testBlockSize)))
	bz, err := p.NextBlock(ctx)
	require.NoError(t, err)
	gotHeight, gotID, err := p2p.DecodeBlock(bz)
	require.NoError(t, err)
	assert.EqualValues(t, 86, gotHeight)
	assert.Equal(t, fork[0].Hash, gotID)
	assert.Equal(t, StateWindowing, p.State())
}

func TestPullerReorgNextHeaderMismatch(t *testing.T) {
	h90 := types.NewHeader(90, types.BlockID{9}, nil)
	// a header at 91 that does not build on the location
	bad91 := types.NewHeader(91, types.BlockID{1}, nil)

	chain := mocks.NewHeaderChain(t)
	chain.On("Contains", h90.Hash).Return(true)
	chain.On("BlockAtHeight", int64(91)).Return(bad91, true)

	p := newTestPuller(t, chain, nil)
	p.SetLocation(h90.Position())

	_, err := p.NextBlock(context.Background())
	require.ErrorIs(t, err, ErrReorg)

	loc, _ := p.Location()
	assert.Equal(t, h90.Position(), loc)
	assert.Zero(t, p.buffer.Len())
	assert.Equal(t, StateReorgDetected, p.State())
}

func TestPullerPushBlockDropsStaleAndForeignBlocks(t *testing.T) {
	ctx := context.Background()
	hs, headers := newTestChain(t, 20)
	p := newTestPuller(t, hs, nil)
	p.SetLocation(headers[10].Position())

	// already consumed
	require.NoError(t, p.PushBlock(ctx, "peer", headers[5].Hash, 5, make([]byte, 10)))
	// not the best chain block at that height
	other := types.NewHeader(12, headers[11].Hash, []byte("other"))
	require.NoError(t, p.PushBlock(ctx, "peer", other.Hash, 12, make([]byte, 10)))

	assert.Zero(t, p.buffer.Len())
}

func TestPullerPushBlockBufferFull(t *testing.T) {
	ctx := context.Background()
	hs, headers := newTestChain(t, 20)
	p := newTestPuller(t, hs, func(cfg *config.PullerConfig) {
		cfg.MaxBufferedBytes = 100
		cfg.StallTimeout = 20 * time.Millisecond
	})
	p.SetLocation(headers[0].Position())

	require.NoError(t, p.PushBlock(ctx, "peer", headers[2].Hash, 2, make([]byte, 90)))
	err := p.PushBlock(ctx, "peer", headers[3].Hash, 3, make([]byte, 90))
	require.ErrorIs(t, err, ErrBufferFull)
	assert.False(t, p.buffer.Has(headers[3].Hash))

	// the next needed block always gets in
	require.NoError(t, p.PushBlock(ctx, "peer", headers[1].Hash, 1, make([]byte, 90)))
	assert.True(t, p.buffer.Has(headers[1].Hash))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	err = p.PushBlock(cctx, "peer", headers[4].Hash, 4, make([]byte, 90))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPullerStallRecovery(t *testing.T) {
	ctx := context.Background()
	hs, headers := newTestChain(t, 100)
	p := newTestPuller(t, hs, nil)

	clock := time.Now()
	p.now = func() time.Time { return clock }

	transport := mocks.NewPeerTransport(t)
	transport.On("AdvertisedHeight").Return(int64(100), true)
	transport.On("SendGetData", mock.Anything, []types.BlockID{headers[1].Hash}).Return(nil).Times(5)

	peer := NewPeerHandle("slow", transport, p.cfg.MinScore, p.cfg.MaxScore)
	require.NoError(t, p.peers.Add(peer))
	require.Equal(t, 75.0, peer.AdjustScore(-0.5))

	p.SetLocation(headers[0].Position())

	for cycle := 1; cycle <= 5; cycle++ {
		// the missing block is requested right away
		_, ok, err := p.poll(ctx)
		require.NoError(t, err)
		require.False(t, ok)
		_, pending := peer.Pending(headers[1].Hash)
		require.True(t, pending, "cycle %d", cycle)

		// not overdue yet
		clock = clock.Add(p.cfg.StallTimeout / 2)
		_, _, err = p.poll(ctx)
		require.NoError(t, err)
		require.Equal(t, 75.0-float64(cycle-1), peer.Score())

		clock = clock.Add(p.cfg.StallTimeout / 2)
		_, ok, err = p.poll(ctx)
		require.NoError(t, err)
		require.False(t, ok)

		assert.Equal(t, 75.0-float64(cycle), peer.Score(), "cycle %d", cycle)
		_, pending = peer.Pending(headers[1].Hash)
		assert.False(t, pending, "overdue block still pending")
		p.mtx.Lock()
		_, reassignable := p.unassigned[1]
		p.mtx.Unlock()
		assert.True(t, reassignable, "overdue block not returned to the pool")
		assert.Equal(t, StateStalled, p.State())
	}
}

func TestPullerStallPenaltySuppressed(t *testing.T) {
	ctx := context.Background()
	hs, headers := newTestChain(t, 100)
	p := newTestPuller(t, hs, nil)

	clock := time.Now()
	p.now = func() time.Time { return clock }

	a := addIdlePeer(t, p, "a", 100)
	b := addIdlePeer(t, p, "b", 100)
	for _, peer := range []*PeerHandle{a, b} {
		peer.AdjustScore(-1000)
		peer.AdjustScore(0.5)
	}
	// 3 < 2 * 2 peers
	require.True(t, p.quality.IsPenaltyDiscarded(p.peers.TotalScore(), p.peers.Len()))

	p.SetLocation(headers[0].Position())
	_, _, err := p.poll(ctx)
	require.NoError(t, err)
	owner, _, ok := p.peers.FindPending(headers[1].Hash)
	require.True(t, ok)

	clock = clock.Add(p.cfg.StallTimeout)
	_, _, err = p.poll(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1.5, a.Score())
	assert.Equal(t, 1.5, b.Score())
	_, pending := owner.Pending(headers[1].Hash)
	assert.False(t, pending)
	assert.Equal(t, StateStalled, p.State())
}

func TestPullerReportsExhaustedPeer(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hs, headers := newTestChain(t, 100)
	network := p2p.NewNetwork(log.TestingLogger(), 4)
	go network.Run(ctx)

	resolver := PeerResolverFunc(func(types.NodeID) (PeerTransport, bool) { return nil, false })
	p := newTestPuller(t, hs, nil, WithPeerUpdates(network.Subscribe(), resolver))

	clock := time.Now()
	p.now = func() time.Time { return clock }

	weak := addIdlePeer(t, p, "weak", 100)
	weak.AdjustScore(-74)
	// behind, so it never gets the block
	addIdlePeer(t, p, "behind", 0)

	p.SetLocation(headers[0].Position())
	_, _, err := p.poll(ctx)
	require.NoError(t, err)
	_, pending := weak.Pending(headers[1].Hash)
	require.True(t, pending)

	clock = clock.Add(p.cfg.StallTimeout)
	_, _, err = p.poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, p.cfg.MinScore, weak.Score())

	require.Eventually(t, func() bool {
		reports := network.Reports("weak")
		return len(reports) == 1 && reports[0] == p2p.PeerStatusBad
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, network.Reports("behind"))
}

func TestPullerWindowExtension(t *testing.T) {
	testCases := []struct {
		name     string
		tip      int64
		strategy string
		expReqs  [][]int64
	}{
		{
			name:     "lookahead",
			tip:      100,
			strategy: config.StrategyLookahead,
			expReqs:  [][]int64{makeHeights(1, 4), makeHeights(5, 8), nil},
		},
		{
			name:     "lookahead at tip",
			tip:      6,
			strategy: config.StrategyLookahead,
			expReqs:  [][]int64{makeHeights(1, 4), makeHeights(5, 6), nil},
		},
		{
			name:     "batch",
			tip:      100,
			strategy: config.StrategyBatch,
			expReqs:  [][]int64{makeHeights(1, 8), nil, nil},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			hs, headers := newTestChain(t, tc.tip)
			p := newTestPuller(t, hs, func(cfg *config.PullerConfig) {
				cfg.Strategy = tc.strategy
				cfg.BatchSize = 8
			})
			addIdlePeer(t, p, "peer", tc.tip)
			p.SetLocation(headers[0].Position())

			for i, exp := range tc.expReqs {
				p.mtx.Lock()
				reqs := p.maybeExtendWindowLocked()
				p.mtx.Unlock()

				var got []int64
				for _, req := range reqs {
					got = append(got, req.heights...)
				}
				assert.Equal(t, exp, got, "round %d", i)
			}
			assertPendingInvariants(t, p)
		})
	}
}

func TestPullerBatchRefillsAfterConsumption(t *testing.T) {
	ctx := context.Background()
	hs, headers := newTestChain(t, 100)
	p := newTestPuller(t, hs, func(cfg *config.PullerConfig) {
		cfg.Strategy = config.StrategyBatch
		cfg.BatchSize = 8
	})
	peer := addIdlePeer(t, p, "peer", 100)
	p.SetLocation(headers[0].Position())

	p.schedule(ctx)
	require.Equal(t, makeHeights(1, 8), peer.PendingHeights())

	for h := int64(1); h <= 8; h++ {
		_, ok := peer.RemovePending(headers[h].Hash)
		require.True(t, ok)
		require.NoError(t, p.PushBlock(ctx, peer.ID(), headers[h].Hash, h, make([]byte, 10)))

		bz, err := p.NextBlock(ctx)
		require.NoError(t, err)
		require.Len(t, bz, 10)
		if h < 8 {
			assert.Equal(t, makeHeights(h+1, 8), peer.PendingHeights(), "refilled before the batch was consumed")
		}
	}
	assert.Equal(t, makeHeights(9, 16), peer.PendingHeights())
}

func TestPullerRemovePeerReleasesPending(t *testing.T) {
	ctx := context.Background()
	hs, headers := newTestChain(t, 100)
	p := newTestPuller(t, hs, nil)
	a := addIdlePeer(t, p, "a", 100)
	b := addIdlePeer(t, p, "b", 100)

	p.SetLocation(headers[0].Position())
	p.schedule(ctx)
	require.Equal(t, 4, a.NumPending()+b.NumPending())

	require.NoError(t, p.RemovePeer(ctx, "a"))
	assert.ErrorIs(t, p.RemovePeer(ctx, "a"), ErrUnknownPeer)

	p.mtx.Lock()
	lookahead := p.lookahead.Height
	p.mtx.Unlock()
	assert.Equal(t, makeHeights(1, lookahead), b.PendingHeights())
	assert.Equal(t, 1, p.peers.Len())
	assertPendingInvariants(t, p)
}

func TestPullerSetLocationResets(t *testing.T) {
	ctx := context.Background()
	hs, headers := newTestChain(t, 100)
	p := newTestPuller(t, hs, nil)
	peer := addIdlePeer(t, p, "peer", 100)

	p.SetLocation(headers[0].Position())
	p.schedule(ctx)
	require.NotZero(t, peer.NumPending())

	for h := int64(1); h <= 3; h++ {
		_, ok := peer.RemovePending(headers[h].Hash)
		require.True(t, ok)
		require.NoError(t, p.PushBlock(ctx, peer.ID(), headers[h].Hash, h, make([]byte, 10)))
	}

	p.SetLocation(headers[2].Position())
	assert.Zero(t, peer.NumPending())
	assert.False(t, p.buffer.Has(headers[1].Hash))
	assert.False(t, p.buffer.Has(headers[2].Hash))
	assert.True(t, p.buffer.Has(headers[3].Hash))
	assert.Equal(t, StateWindowing, p.State())

	bz, err := p.NextBlock(ctx)
	require.NoError(t, err)
	assert.Len(t, bz, 10)
	loc, _ := p.Location()
	assert.Equal(t, headers[3].Position(), loc)
}

func TestPullerAddPeer(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hs, headers := newTestChain(t, 100)
	p := newTestPuller(t, hs, nil)
	p.SetLocation(headers[0].Position())

	transport := newMockTransport(t, 100)
	require.NoError(t, p.AddPeer(ctx, "peer", transport))
	assert.ErrorIs(t, p.AddPeer(ctx, "peer", transport), ErrPeerExists)

	// a new peer starts working on the window right away
	peer, ok := p.peers.Get("peer")
	require.True(t, ok)
	assert.Equal(t, makeHeights(1, 4), peer.PendingHeights())
	transport.AssertCalled(t, "SendGetData", mock.Anything, mock.Anything)

	require.NoError(t, p.RemovePeer(ctx, "peer"))
	assert.Empty(t, p.Peers())
}

func TestPullerDropsUnsolicitedBlocks(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hs, headers := newTestChain(t, 10)
	p := newTestPuller(t, hs, nil)
	require.NoError(t, p.AddPeer(ctx, "peer", newMockTransport(t, 1)))
	peer, _ := p.peers.Get("peer")

	p.SetLocation(headers[0].Position())
	_, _, err := p.poll(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, peer.PendingHeights())

	deliver := func(h int64) {
		require.NoError(t, p.Deliver(ctx, BlockResponse{
			PeerID:  "peer",
			BlockID: headers[h].Hash,
			Bytes:   p2p.EncodeBlock(headers[h], testBlockSize),
			Elapsed: 10 * time.Millisecond,
		}))
	}
	deliver(5) // never requested
	deliver(1)
	deliver(1) // duplicate

	require.Eventually(t, func() bool {
		return p.buffer.Has(headers[1].Hash)
	}, time.Second, time.Millisecond)

	assert.Equal(t, 1, p.buffer.Len())
	assert.False(t, p.buffer.Has(headers[5].Hash))
	assert.Equal(t, 1, p.quality.Len())
	assert.InDelta(t, 75.5+config.DefaultPullerConfig().EmptyHistoryReward, peer.Score(), 1e-9)

	err = p.Deliver(ctx, BlockResponse{PeerID: "stranger", BlockID: headers[2].Hash})
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestPullerWithNetwork(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	const height = 200
	hs, headers := newTestChain(t, height)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := p2p.NewNetwork(log.TestingLogger(), 16)
	go network.Run(ctx)

	resolver := PeerResolverFunc(func(id types.NodeID) (PeerTransport, bool) {
		peer, ok := network.Peer(id)
		if !ok {
			return nil, false
		}
		return peer, true
	})
	p := newTestPuller(t, hs, func(cfg *config.PullerConfig) {
		cfg.StallTimeout = 100 * time.Millisecond
	}, WithPeerUpdates(network.Subscribe(), resolver))
	require.NoError(t, p.Start(ctx))

	for i := 0; i < 3; i++ {
		opts := p2p.SimPeerOptions{
			Latency:   time.Duration(i+1) * time.Millisecond,
			BlockSize: testBlockSize,
			Seed:      int64(i + 1),
		}
		if i == 2 {
			opts.DropRate = 0.1
		}
		peer := p2p.NewSimPeer(log.TestingLogger(), types.NodeID(fmt.Sprintf("peer-%d", i)), hs, opts, p.DeliverFunc())
		require.NoError(t, network.AddPeer(ctx, peer))
	}
	require.Eventually(t, func() bool { return len(p.Peers()) == 3 }, time.Second, time.Millisecond)

	p.SetLocation(headers[0].Position())

	nctx, ncancel := context.WithTimeout(ctx, 30*time.Second)
	defer ncancel()
	consume := func(from, to int64) {
		for h := from; h <= to; h++ {
			bz, err := p.NextBlock(nctx)
			require.NoError(t, err, "height %d", h)
			gotHeight, _, err := p2p.DecodeBlock(bz)
			require.NoError(t, err)
			require.Equal(t, h, gotHeight)
		}
	}

	consume(1, height/2)

	require.NoError(t, network.RemovePeer(ctx, "peer-0"))
	require.Eventually(t, func() bool { return len(p.Peers()) == 2 }, time.Second, time.Millisecond)

	consume(height/2+1, height)
	assertPendingInvariants(t, p)

	p.Stop()
	p.Wait()
	assert.False(t, p.IsRunning())
}
