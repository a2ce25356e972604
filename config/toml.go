package config

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	tmos "github.com/tendermint/blockpuller/libs/os"
)

// defaultDirPerm is the default permissions used when creating directories.
const defaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate").Funcs(template.FuncMap{
		"StringsJoin":   strings.Join,
		"DurationsList": durationsList,
	})
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

func durationsList(ds []time.Duration) string {
	items := make([]string, 0, len(ds))
	for _, d := range ds {
		items = append(items, fmt.Sprintf("%q", d.String()))
	}
	return "[" + strings.Join(items, ", ") + "]"
}

/****** these are for production settings ***********/

// EnsureRoot creates the root, config, and data directories if they don't
// exist, and writes the default config file if none is present.
func EnsureRoot(rootDir string) error {
	if err := tmos.EnsureDir(rootDir, defaultDirPerm); err != nil {
		return err
	}
	if err := tmos.EnsureDir(filepath.Join(rootDir, defaultConfigDir), defaultDirPerm); err != nil {
		return err
	}
	if err := tmos.EnsureDir(filepath.Join(rootDir, defaultDataDir), defaultDirPerm); err != nil {
		return err
	}
	return writeDefaultConfigFileIfNone(rootDir)
}

// WriteConfigFile renders config using the template and writes it to
// the config file under rootDir.
func WriteConfigFile(rootDir string, config *Config) error {
	return config.WriteToTemplate(filepath.Join(rootDir, defaultConfigFilePath))
}

// WriteToTemplate writes the config to the exact file specified by
// the path, in the default toml template and does not mangle the path
// or filename at all.
func (cfg *Config) WriteToTemplate(path string) error {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, cfg); err != nil {
		return err
	}

	return tmos.WriteFileAtomic(path, buffer.Bytes(), 0644)
}

func writeDefaultConfigFileIfNone(rootDir string) error {
	configFilePath := filepath.Join(rootDir, defaultConfigFilePath)
	if !tmos.FileExists(configFilePath) {
		return WriteConfigFile(rootDir, DefaultConfig())
	}
	return nil
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# NOTE: Any path below can be absolute (e.g. "/var/blockpuller/data") or
# relative to the home directory (e.g. "data"). The home directory is
# "$HOME/.blockpuller" by default, but could be changed via $BPHOME env variable
# or --home cmd flag.

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# Output level for logging
log-level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (colored text) or 'json'
log-format = "{{ .BaseConfig.LogFormat }}"

# Database backend of the reference header store: goleveldb | memdb
db-backend = "{{ .BaseConfig.DBBackend }}"

# Database directory
db-dir = "{{ js .BaseConfig.DBPath }}"

#######################################################################
###                 Block Puller Configuration Options              ###
#######################################################################
[puller]

# Window strategy:
#   1) "lookahead" - keep an adaptive window of requests ahead of the consumer
#   2) "batch" - request fixed batches, refill once a batch is consumed
strategy = "{{ .Puller.Strategy }}"

# Upper bound of downloaded but not yet consumed block bytes. A single block
# that is needed next is admitted even when it does not fit.
max-buffered-bytes = {{ .Puller.MaxBufferedBytes }}

# Bounds of the adaptive lookahead window, in blocks.
min-lookahead = {{ .Puller.MinLookahead }}
max-lookahead = {{ .Puller.MaxLookahead }}

# The window is retuned against lookahead * lookahead-growth, with a
# +/- lookahead-tolerance band.
lookahead-growth = {{ .Puller.LookaheadGrowth }}
lookahead-tolerance = {{ .Puller.LookaheadTolerance }}

# Number of recent consumption cycles used for retuning.
batch-history-size = {{ .Puller.BatchHistorySize }}

# Blocks per batch for the "batch" strategy.
batch-size = {{ .Puller.BatchSize }}

# Outstanding requests above which a peer's effective score is reduced.
high-work-threshold = {{ .Puller.HighWorkThreshold }}

# Peer quality score bounds.
min-score = {{ .Puller.MinScore }}
max-score = {{ .Puller.MaxScore }}

# Penalties are ignored while the sum of peer scores is below
# penalty-discard-factor * number of peers.
penalty-discard-factor = {{ .Puller.PenaltyDiscardFactor }}

# Score reward of a delivery while no throughput sample is known yet.
empty-history-reward = {{ .Puller.EmptyHistoryReward }}

# Score delta of a peer that let the next needed block stall.
timeout-penalty = {{ .Puller.TimeoutPenalty }}

# Throughput samples kept for the moving average.
quality-history-size = {{ .Puller.QualityHistorySize }}

# How long the next needed block may stay pending before the peer is
# penalized and the request reassigned.
stall-timeout = "{{ .Puller.StallTimeout }}"

# Interval of the background scheduling routine.
schedule-interval = "{{ .Puller.ScheduleInterval }}"

# Polling schedule used while waiting for the next block.
poll-backoff = {{ DurationsList .Puller.PollBackoff }}

# Capacity of each peer's inbound block queue.
inbound-queue-size = {{ .Puller.InboundQueueSize }}

#######################################################################
###       Instrumentation Configuration Options                     ###
#######################################################################
[instrumentation]

# When true, Prometheus metrics are served under /metrics on
# PrometheusListenAddr.
# Check out the documentation for the list of available metrics.
prometheus = {{ .Instrumentation.Prometheus }}

# Address to listen for Prometheus collector(s) connections
prometheus-listen-addr = "{{ .Instrumentation.PrometheusListenAddr }}"

# Instrumentation namespace
namespace = "{{ .Instrumentation.Namespace }}"

#######################################################################
###            Simulation Configuration Options                     ###
#######################################################################
[simulation]

# Height of the synthetic chain
chain-height = {{ .Simulation.ChainHeight }}

# Size in bytes of every synthetic block
block-size = {{ .Simulation.BlockSize }}

# Number of simulated peers
peers = {{ .Simulation.Peers }}

# Latency of the fastest peer; each further peer is slower
base-latency = "{{ .Simulation.BaseLatency }}"

# Bandwidth of the fastest peer in bytes per second, 0 is unlimited
base-bandwidth = {{ .Simulation.BaseBandwidth }}

# Probability that a peer silently drops a request
drop-rate = {{ .Simulation.DropRate }}

# Reorganize the chain from this height once the consumer passes it, 0 disables
reorg-height = {{ .Simulation.ReorgHeight }}

# Seed for the simulation randomness, 0 picks a random seed
seed = {{ .Simulation.Seed }}
`
