package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/tendermint/blockpuller/libs/log"
)

const (
	// StrategyLookahead keeps an adaptive window of requests ahead of the
	// consumer.
	StrategyLookahead = "lookahead"
	// StrategyBatch requests fixed batches and only refills once the
	// previous batch has been consumed.
	StrategyBatch = "batch"
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go
var (
	DefaultBlockPullerDir = ".blockpuller"
	defaultConfigDir      = "config"
	defaultDataDir        = "data"

	defaultConfigFileName = "config.toml"

	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
)

// Config defines the top level configuration for the block puller.
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	Puller          *PullerConfig          `mapstructure:"puller"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
	Simulation      *SimulationConfig      `mapstructure:"simulation"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		Puller:          DefaultPullerConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
		Simulation:      DefaultSimulationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		Puller:          TestPullerConfig(),
		Instrumentation: TestInstrumentationConfig(),
		Simulation:      TestSimulationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Puller.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [puller] section: %w", err)
	}
	if err := cfg.Instrumentation.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [instrumentation] section: %w", err)
	}
	if err := cfg.Simulation.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [simulation] section: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration.
type BaseConfig struct { //nolint: maligned
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// Output level for logging
	LogLevel string `mapstructure:"log-level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log-format"`

	// Database backend for the reference header store: goleveldb | memdb
	DBBackend string `mapstructure:"db-backend"`

	// Database directory
	DBPath string `mapstructure:"db-dir"`
}

// DefaultBaseConfig returns a default base configuration.
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		LogLevel:  DefaultLogLevel,
		LogFormat: log.LogFormatPlain,
		DBBackend: "memdb",
		DBPath:    defaultDataDir,
	}
}

// TestBaseConfig returns a base configuration for testing.
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.DBBackend = "memdb"
	return cfg
}

// ConfigFile returns the full path to the config file
func (cfg BaseConfig) ConfigFile() string {
	return rootify(defaultConfigFilePath, cfg.RootDir)
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case log.LogFormatJSON, log.LogFormatText, log.LogFormatPlain:
	default:
		return errors.New("unknown log format (must be 'plain', 'text' or 'json')")
	}

	switch cfg.DBBackend {
	case "memdb", "goleveldb":
	default:
		return fmt.Errorf("unsupported db backend %q (must be 'memdb' or 'goleveldb')", cfg.DBBackend)
	}

	return nil
}

// DefaultLogLevel is the default log level.
const DefaultLogLevel = log.LogLevelInfo

//-----------------------------------------------------------------------------
// PullerConfig

// PullerConfig defines the configuration of the block download scheduler.
//
// The scoring and window constants were tuned empirically. They are exposed
// here so operators can experiment with them, but the defaults reproduce the
// reference behaviour.
type PullerConfig struct {
	// Window strategy: "lookahead" (adaptive) or "batch" (synchronous
	// catch-up).
	Strategy string `mapstructure:"strategy"`

	// Upper bound of downloaded-but-unconsumed block bytes.
	MaxBufferedBytes int64 `mapstructure:"max-buffered-bytes"`

	// Bounds of the adaptive lookahead window, in blocks.
	MinLookahead int `mapstructure:"min-lookahead"`
	MaxLookahead int `mapstructure:"max-lookahead"`

	// Growth factor and tolerance band used when retuning the window.
	LookaheadGrowth    float64 `mapstructure:"lookahead-growth"`
	LookaheadTolerance float64 `mapstructure:"lookahead-tolerance"`

	// Number of recent consumption cycles the window retuning looks at.
	BatchHistorySize int `mapstructure:"batch-history-size"`

	// Number of blocks requested per batch by the batch strategy.
	BatchSize int `mapstructure:"batch-size"`

	// Outstanding task count above which a peer's effective score is
	// reduced during assignment.
	HighWorkThreshold int `mapstructure:"high-work-threshold"`

	// Peer quality score bounds.
	MinScore float64 `mapstructure:"min-score"`
	MaxScore float64 `mapstructure:"max-score"`

	// Penalties are suppressed while the sum of all peer scores is below
	// penalty-discard-factor times the peer count.
	PenaltyDiscardFactor float64 `mapstructure:"penalty-discard-factor"`

	// Score reward of a delivery while no throughput sample is known.
	EmptyHistoryReward float64 `mapstructure:"empty-history-reward"`

	// Score delta of a peer that let the next needed block stall.
	TimeoutPenalty float64 `mapstructure:"timeout-penalty"`

	// Number of throughput samples kept for the moving average.
	QualityHistorySize int `mapstructure:"quality-history-size"`

	// How long the next needed block may stay pending at one peer before
	// the peer is penalized and the request reassigned.
	StallTimeout time.Duration `mapstructure:"stall-timeout"`

	// Interval of the background routine retrying unassigned heights.
	ScheduleInterval time.Duration `mapstructure:"schedule-interval"`

	// Polling schedule of NextBlock while waiting for the next block.
	PollBackoff []time.Duration `mapstructure:"poll-backoff"`

	// Capacity of each peer session's inbound block queue.
	InboundQueueSize int `mapstructure:"inbound-queue-size"`
}

// DefaultPullerConfig returns a default configuration for the block
// puller.
func DefaultPullerConfig() *PullerConfig {
	return &PullerConfig{
		Strategy:             StrategyLookahead,
		MaxBufferedBytes:     20000000, // 10 blocks of 2MB
		MinLookahead:         4,
		MaxLookahead:         2000,
		LookaheadGrowth:      1.1,
		LookaheadTolerance:   0.05,
		BatchHistorySize:     10,
		BatchSize:            128,
		HighWorkThreshold:    50,
		MinScore:             1,
		MaxScore:             150,
		PenaltyDiscardFactor: 2,
		EmptyHistoryReward:   0.1,
		TimeoutPenalty:       -1,
		QualityHistorySize:   100,
		StallTimeout:         time.Second,
		ScheduleInterval:     100 * time.Millisecond,
		PollBackoff: []time.Duration{
			1 * time.Millisecond,
			10 * time.Millisecond,
			20 * time.Millisecond,
			40 * time.Millisecond,
			100 * time.Millisecond,
			1000 * time.Millisecond,
		},
		InboundQueueSize: 64,
	}
}

// TestPullerConfig returns a configuration for testing the block puller.
func TestPullerConfig() *PullerConfig {
	cfg := DefaultPullerConfig()
	cfg.StallTimeout = 200 * time.Millisecond
	cfg.ScheduleInterval = 10 * time.Millisecond
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *PullerConfig) ValidateBasic() error {
	switch cfg.Strategy {
	case StrategyLookahead, StrategyBatch:
	default:
		return fmt.Errorf("unknown strategy %q (must be %q or %q)", cfg.Strategy, StrategyLookahead, StrategyBatch)
	}
	if cfg.MaxBufferedBytes <= 0 {
		return errors.New("max-buffered-bytes must be positive")
	}
	if cfg.MinLookahead < 1 {
		return errors.New("min-lookahead must be at least 1")
	}
	if cfg.MaxLookahead < cfg.MinLookahead {
		return fmt.Errorf("max-lookahead (%d) can't be less than min-lookahead (%d)",
			cfg.MaxLookahead, cfg.MinLookahead)
	}
	if cfg.LookaheadGrowth <= 1 {
		return errors.New("lookahead-growth must be greater than 1")
	}
	if cfg.LookaheadTolerance < 0 || cfg.LookaheadTolerance >= 1 {
		return errors.New("lookahead-tolerance must be in [0, 1)")
	}
	if cfg.BatchHistorySize < 1 {
		return errors.New("batch-history-size must be at least 1")
	}
	if cfg.BatchSize < 1 {
		return errors.New("batch-size must be at least 1")
	}
	if cfg.HighWorkThreshold < 0 {
		return errors.New("high-work-threshold can't be negative")
	}
	if cfg.MinScore <= 0 {
		return errors.New("min-score must be positive")
	}
	if cfg.MaxScore <= cfg.MinScore {
		return fmt.Errorf("max-score (%v) must be greater than min-score (%v)", cfg.MaxScore, cfg.MinScore)
	}
	if cfg.PenaltyDiscardFactor < 0 {
		return errors.New("penalty-discard-factor can't be negative")
	}
	if cfg.EmptyHistoryReward < 0 {
		return errors.New("empty-history-reward can't be negative")
	}
	if cfg.TimeoutPenalty > 0 {
		return errors.New("timeout-penalty can't be positive")
	}
	if cfg.QualityHistorySize < 1 {
		return errors.New("quality-history-size must be at least 1")
	}
	if cfg.StallTimeout <= 0 {
		return errors.New("stall-timeout must be positive")
	}
	if cfg.ScheduleInterval <= 0 {
		return errors.New("schedule-interval must be positive")
	}
	if len(cfg.PollBackoff) == 0 {
		return errors.New("poll-backoff can't be empty")
	}
	for i, d := range cfg.PollBackoff {
		if d <= 0 {
			return fmt.Errorf("poll-backoff[%d] must be positive", i)
		}
	}
	if cfg.InboundQueueSize < 1 {
		return errors.New("inbound-queue-size must be at least 1")
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	// Check out the documentation for the list of available metrics.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus-listen-addr"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		Namespace:            "blockpuller",
	}
}

// TestInstrumentationConfig returns a default configuration for metrics
// reporting.
func TestInstrumentationConfig() *InstrumentationConfig {
	return DefaultInstrumentationConfig()
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.Prometheus && cfg.PrometheusListenAddr == "" {
		return errors.New("prometheus-listen-addr can't be empty when prometheus is enabled")
	}
	if cfg.Namespace == "" {
		return errors.New("namespace can't be empty")
	}
	return nil
}

//-----------------------------------------------------------------------------
// SimulationConfig

// SimulationConfig drives the `simulate` command: a synthetic chain served by
// in-memory peers of varying quality.
type SimulationConfig struct {
	// Height of the synthetic chain.
	ChainHeight int64 `mapstructure:"chain-height"`

	// Size of every synthetic block payload.
	BlockSize int `mapstructure:"block-size"`

	// Number of simulated peers.
	Peers int `mapstructure:"peers"`

	// Base latency of the fastest peer; each further peer is slower.
	BaseLatency time.Duration `mapstructure:"base-latency"`

	// Bandwidth of the fastest peer in bytes per second; 0 means unlimited.
	BaseBandwidth int `mapstructure:"base-bandwidth"`

	// Probability that a peer silently drops a request.
	DropRate float64 `mapstructure:"drop-rate"`

	// When non-zero, the chain is reorganized from this height once the
	// consumer passes it.
	ReorgHeight int64 `mapstructure:"reorg-height"`

	// Seed for all simulation randomness; 0 picks a random seed.
	Seed int64 `mapstructure:"seed"`
}

// DefaultSimulationConfig returns a default simulation configuration.
func DefaultSimulationConfig() *SimulationConfig {
	return &SimulationConfig{
		ChainHeight:   2000,
		BlockSize:     64 * 1024,
		Peers:         8,
		BaseLatency:   5 * time.Millisecond,
		BaseBandwidth: 8 * 1024 * 1024,
		DropRate:      0.01,
		ReorgHeight:   0,
		Seed:          0,
	}
}

// TestSimulationConfig returns a small simulation configuration.
func TestSimulationConfig() *SimulationConfig {
	cfg := DefaultSimulationConfig()
	cfg.ChainHeight = 200
	cfg.BlockSize = 1024
	cfg.Peers = 4
	cfg.BaseLatency = time.Millisecond
	cfg.BaseBandwidth = 0
	cfg.DropRate = 0
	cfg.Seed = 1
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *SimulationConfig) ValidateBasic() error {
	if cfg.ChainHeight < 1 {
		return errors.New("chain-height must be at least 1")
	}
	if cfg.BlockSize < 1 {
		return errors.New("block-size must be at least 1")
	}
	if cfg.Peers < 1 {
		return errors.New("peers must be at least 1")
	}
	if cfg.BaseLatency < 0 {
		return errors.New("base-latency can't be negative")
	}
	if cfg.BaseBandwidth < 0 {
		return errors.New("base-bandwidth can't be negative")
	}
	if cfg.DropRate < 0 || cfg.DropRate >= 1 {
		return errors.New("drop-rate must be in [0, 1)")
	}
	if cfg.ReorgHeight < 0 || cfg.ReorgHeight > cfg.ChainHeight {
		return fmt.Errorf("reorg-height must be in [0, %d]", cfg.ChainHeight)
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
