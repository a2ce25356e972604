// Package sim pulls a synthetic chain from in-memory peers of varying
// quality. It drives the puller the way a syncing node would: it consumes
// blocks in order, keeps its own chain of consumed headers and recovers
// from reorgs by locating the fork point on the best chain.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	dbm "github.com/tendermint/tm-db"
	"golang.org/x/sync/errgroup"

	"github.com/tendermint/blockpuller/config"
	"github.com/tendermint/blockpuller/internal/p2p"
	"github.com/tendermint/blockpuller/internal/puller"
	"github.com/tendermint/blockpuller/internal/store"
	"github.com/tendermint/blockpuller/libs/log"
	tmrand "github.com/tendermint/blockpuller/libs/rand"
	"github.com/tendermint/blockpuller/types"
)

var (
	genesisSalt = []byte("genesis")
	reorgSalt   = []byte("reorg")
)

// PeerReport is the final state of one simulated peer.
type PeerReport struct {
	ID      types.NodeID `json:"id"`
	Score   float64      `json:"score"`
	Served  int          `json:"served"`
	Dropped int          `json:"dropped"`
}

// Report summarizes a finished simulation.
type Report struct {
	Tip     types.ChainPosition `json:"tip"`
	Reorgs  int                 `json:"reorgs"`
	Elapsed time.Duration       `json:"elapsed"`
	Peers   []PeerReport        `json:"peers"`
}

// Simulation is a single run of the puller against simulated peers.
type Simulation struct {
	logger  log.Logger
	cfg     *config.SimulationConfig
	pcfg    *config.PullerConfig
	chain   *store.HeaderStore
	metrics *puller.Metrics
	seed    int64
}

// New returns a simulation keeping the reference chain in db. A nil metrics
// disables instrumentation.
func New(logger log.Logger, cfg *config.Config, db dbm.DB, metrics *puller.Metrics) *Simulation {
	if metrics == nil {
		metrics = puller.NopMetrics()
	}
	seed := cfg.Simulation.Seed
	if seed == 0 {
		seed = tmrand.Seed()
	}
	return &Simulation{
		logger:  logger,
		cfg:     cfg.Simulation,
		pcfg:    cfg.Puller,
		chain:   store.NewHeaderStore(db),
		metrics: metrics,
		seed:    seed,
	}
}

// Chain returns the reference chain the peers serve.
func (s *Simulation) Chain() *store.HeaderStore { return s.chain }

// Run builds the chain, connects the peers and pulls every block up to the
// configured height.
func (s *Simulation) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	genesis, err := s.buildChain()
	if err != nil {
		return nil, fmt.Errorf("building chain: %w", err)
	}
	s.logger.Info("built chain", "height", s.cfg.ChainHeight, "seed", s.seed)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	network := p2p.NewNetwork(s.logger.With("module", "network"), s.cfg.Peers)
	resolver := puller.PeerResolverFunc(func(id types.NodeID) (puller.PeerTransport, bool) {
		peer, ok := network.Peer(id)
		if !ok {
			return nil, false
		}
		return peer, true
	})

	p, err := puller.NewPuller(
		s.logger.With("module", "puller"),
		s.pcfg,
		s.chain,
		puller.WithMetrics(s.metrics),
		puller.WithRand(tmrand.NewLockedRand(s.seed)),
		puller.WithPeerUpdates(network.Subscribe(), resolver),
	)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		network.Run(gctx)
		return nil
	})

	if err := p.Start(gctx); err != nil {
		cancel()
		_ = g.Wait()
		return nil, err
	}
	p.SetLocation(genesis.Position())

	peerLogger := s.logger.With("module", "p2p")
	for i := 0; i < s.cfg.Peers; i++ {
		id := types.NodeID(fmt.Sprintf("peer-%d", i))
		peer := p2p.NewSimPeer(peerLogger, id, s.chain, s.peerOptions(i), p.DeliverFunc())
		if err := network.AddPeer(gctx, peer); err != nil {
			cancel()
			_ = g.Wait()
			return nil, err
		}
	}

	report := &Report{}
	g.Go(func() error {
		defer cancel()
		return s.consume(gctx, p, network, genesis, report)
	})
	err = g.Wait()

	report.Peers = collectPeers(p, network)
	report.Elapsed = time.Since(start)

	p.Stop()
	p.Wait()

	return report, err
}

// buildChain replaces the stored chain with a fresh one of the configured
// height and returns its genesis header.
func (s *Simulation) buildChain() (*types.Header, error) {
	genesis := types.NewHeader(0, types.ZeroBlockID, genesisSalt)
	if err := s.chain.SaveHeader(genesis); err != nil {
		return nil, err
	}
	if err := s.extend(genesis, nil); err != nil {
		return nil, err
	}
	return genesis, nil
}

// extend saves salted headers on top of parent up to the chain height.
func (s *Simulation) extend(parent *types.Header, salt []byte) error {
	for h := parent.Height + 1; h <= s.cfg.ChainHeight; h++ {
		header := types.NewHeader(h, parent.Hash, salt)
		if err := s.chain.SaveHeader(header); err != nil {
			return err
		}
		parent = header
	}
	return nil
}

// reorganize replaces the chain from the reorg height on with a competing
// branch of the same height and has every peer announce it.
func (s *Simulation) reorganize(network *p2p.Network) error {
	parent, ok := s.chain.BlockAtHeight(s.cfg.ReorgHeight - 1)
	if !ok {
		return fmt.Errorf("no header at height %d", s.cfg.ReorgHeight-1)
	}
	if err := s.extend(parent, reorgSalt); err != nil {
		return err
	}
	for _, peer := range network.Peers() {
		peer.Advertise(s.chain.TipHeight())
	}
	s.logger.Info("reorganized chain", "from", s.cfg.ReorgHeight, "tip", s.chain.TipHeight())
	return nil
}

func (s *Simulation) peerOptions(i int) p2p.SimPeerOptions {
	opts := p2p.SimPeerOptions{
		Latency:   s.cfg.BaseLatency * time.Duration(i+1),
		DropRate:  s.cfg.DropRate,
		BlockSize: s.cfg.BlockSize,
		QueueSize: 2 * s.pcfg.MaxLookahead,
		Seed:      s.seed + int64(i) + 1,
	}
	if s.cfg.BaseBandwidth > 0 {
		opts.Bandwidth = s.cfg.BaseBandwidth / (i + 1)
	}
	return opts
}

// consume pulls blocks until the consumed chain reaches the tip of the
// best chain.
func (s *Simulation) consume(
	ctx context.Context,
	p *puller.Puller,
	network *p2p.Network,
	genesis *types.Header,
	report *Report,
) error {
	consumed := store.NewHeaderStore(dbm.NewMemDB())
	if err := consumed.SaveHeader(genesis); err != nil {
		return err
	}

	progress := s.cfg.ChainHeight / 10
	if progress < 1 {
		progress = 1
	}

	loc := genesis
	reorged := s.cfg.ReorgHeight == 0
	for {
		if !reorged && loc.Height >= s.cfg.ReorgHeight {
			if err := s.reorganize(network); err != nil {
				return err
			}
			reorged = true
		}
		// a tip orphaned by the reorg is only left through NextBlock
		if loc.Height >= s.cfg.ChainHeight && s.chain.Contains(loc.Hash) {
			report.Tip = loc.Position()
			s.logger.Info("pulled chain", "tip", loc.Position(), "reorgs", report.Reorgs)
			return nil
		}

		bz, err := p.NextBlock(ctx)
		if errors.Is(err, puller.ErrReorg) {
			fork := s.chain.FindFork(consumed.Locator())
			s.logger.Info("rewinding to fork point", "location", loc.Position(), "fork", fork.Position())
			p.SetLocation(fork.Position())
			loc = fork
			report.Reorgs++
			continue
		}
		if err != nil {
			return err
		}

		header, err := s.verify(bz, loc)
		if err != nil {
			return err
		}
		if err := consumed.SaveHeader(header); err != nil {
			return fmt.Errorf("consumed block %v does not extend %v: %w", header, loc, err)
		}
		loc = header

		if loc.Height%progress == 0 {
			opts := p.RequestOptions()
			s.logger.Info("pulled blocks",
				"height", loc.Height,
				"target", s.cfg.ChainHeight,
				"lookahead", opts.Lookahead,
				"peers", len(p.Peers()),
			)
		}
	}
}

// verify decodes a consumed block and checks it extends loc.
func (s *Simulation) verify(bz []byte, loc *types.Header) (*types.Header, error) {
	height, id, err := p2p.DecodeBlock(bz)
	if err != nil {
		return nil, err
	}
	if height != loc.Height+1 {
		return nil, fmt.Errorf("got block at height %d, expected %d", height, loc.Height+1)
	}

	header, ok := s.chain.HeaderByHash(id)
	if !ok {
		// orphaned by a reorg after it was consumed
		return &types.Header{Height: height, Hash: id, PrevHash: loc.Hash}, nil
	}
	if header.PrevHash != loc.Hash {
		return nil, fmt.Errorf("block %v does not extend %v", header, loc)
	}
	return header, nil
}

func collectPeers(p *puller.Puller, network *p2p.Network) []PeerReport {
	scores := make(map[types.NodeID]float64)
	for _, info := range p.Peers() {
		scores[info.ID] = info.Score
	}

	peers := make([]PeerReport, 0, len(scores))
	for _, peer := range network.Peers() {
		served, dropped := peer.Stats()
		peers = append(peers, PeerReport{
			ID:      peer.ID(),
			Score:   scores[peer.ID()],
			Served:  served,
			Dropped: dropped,
		})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}
