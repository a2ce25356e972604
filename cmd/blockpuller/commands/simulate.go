package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	dbm "github.com/tendermint/tm-db"
	"golang.org/x/sync/errgroup"

	"github.com/tendermint/blockpuller/config"
	"github.com/tendermint/blockpuller/internal/puller"
	"github.com/tendermint/blockpuller/internal/sim"
	"github.com/tendermint/blockpuller/libs/log"
)

const ctxTimeout = 4 * time.Second

func addPullerFlags(cmd *cobra.Command, conf *config.Config) {
	cmd.Flags().String("puller.strategy", conf.Puller.Strategy,
		"request window strategy: lookahead or batch")
	cmd.Flags().Int64("puller.max-buffered-bytes", conf.Puller.MaxBufferedBytes,
		"upper bound of downloaded but unconsumed block bytes")
	cmd.Flags().Int("puller.max-lookahead", conf.Puller.MaxLookahead,
		"maximum size of the adaptive request window")
	cmd.Flags().Int("puller.batch-size", conf.Puller.BatchSize,
		"blocks requested per batch by the batch strategy")
	cmd.Flags().Duration("puller.stall-timeout", conf.Puller.StallTimeout,
		"how long the next needed block may stay pending at one peer")
}

func addSimulationFlags(cmd *cobra.Command, conf *config.Config) {
	cmd.Flags().Int64("simulation.chain-height", conf.Simulation.ChainHeight, "height of the synthetic chain")
	cmd.Flags().Int("simulation.block-size", conf.Simulation.BlockSize, "size of every block payload")
	cmd.Flags().Int("simulation.peers", conf.Simulation.Peers, "number of simulated peers")
	cmd.Flags().Duration("simulation.base-latency", conf.Simulation.BaseLatency,
		"per block latency of the fastest peer")
	cmd.Flags().Int("simulation.base-bandwidth", conf.Simulation.BaseBandwidth,
		"bandwidth of the fastest peer in bytes per second (0 is unlimited)")
	cmd.Flags().Float64("simulation.drop-rate", conf.Simulation.DropRate,
		"probability that a peer drops a request")
	cmd.Flags().Int64("simulation.reorg-height", conf.Simulation.ReorgHeight,
		"reorganize the chain from this height once the consumer passes it (0 disables)")
	cmd.Flags().Int64("simulation.seed", conf.Simulation.Seed, "random seed (0 picks one)")
}

// MakeSimulateCommand constructs the command that pulls a synthetic chain
// from simulated peers and reports how the peers were scored.
func MakeSimulateCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Pull a synthetic chain from simulated peers",
		Long: `Pull a synthetic chain from simulated peers.

Every further peer is slower and has less bandwidth than the one before it,
so the final scores show how the scheduler ranks them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(cmd.Context(), conf, logger)
		},
	}

	addPullerFlags(cmd, conf)
	addSimulationFlags(cmd, conf)
	cmd.Flags().String("db-backend", conf.DBBackend, "database backend of the reference chain: memdb or goleveldb")
	cmd.Flags().String("db-dir", conf.DBPath, "database directory")
	cmd.Flags().Bool("instrumentation.prometheus", conf.Instrumentation.Prometheus, "serve prometheus metrics")
	cmd.Flags().String("instrumentation.prometheus-listen-addr", conf.Instrumentation.PrometheusListenAddr,
		"address of the prometheus metrics endpoint")

	return cmd
}

func runSimulation(ctx context.Context, conf *config.Config, logger log.Logger) error {
	db, err := dbm.NewDB("headers", dbm.BackendType(conf.DBBackend), conf.DBDir())
	if err != nil {
		return fmt.Errorf("opening header db: %w", err)
	}
	defer db.Close()

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(sctx)

	var metrics *puller.Metrics
	if conf.Instrumentation.Prometheus {
		metrics = puller.PrometheusMetrics(conf.Instrumentation.Namespace)
		startPrometheusServer(gctx, g, conf.Instrumentation.PrometheusListenAddr, logger)
	}

	var report *sim.Report
	g.Go(func() error {
		defer cancel()

		var err error
		report, err = sim.New(logger, conf, db, metrics).Run(gctx)
		return err
	})

	err = g.Wait()
	if report != nil {
		logReport(logger, report)
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		logger.Info("simulation interrupted")
		return nil
	}
	return err
}

// startPrometheusServer serves the default registry until ctx is done.
func startPrometheusServer(ctx context.Context, g *errgroup.Group, addr string, logger log.Logger) {
	srv := &http.Server{
		Addr: addr,
		Handler: promhttp.InstrumentMetricHandler(
			prometheus.DefaultRegisterer, promhttp.HandlerFor(
				prometheus.DefaultGatherer,
				promhttp.HandlerOpts{},
			),
		),
		ReadHeaderTimeout: ctxTimeout,
	}

	g.Go(func() error {
		logger.Info("serving prometheus metrics", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("prometheus server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}

func logReport(logger log.Logger, report *sim.Report) {
	logger.Info("simulation finished",
		"tip", report.Tip,
		"reorgs", report.Reorgs,
		"elapsed", report.Elapsed,
	)
	for _, peer := range report.Peers {
		logger.Info("peer summary",
			"peer", peer.ID,
			"score", peer.Score,
			"served", peer.Served,
			"dropped", peer.Dropped,
		)
	}
}
