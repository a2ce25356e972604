package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/tendermint/blockpuller/cmd/blockpuller/commands"
	"github.com/tendermint/blockpuller/config"
	"github.com/tendermint/blockpuller/libs/cli"
	"github.com/tendermint/blockpuller/libs/log"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conf := config.DefaultConfig()

	logger, err := log.NewDefaultLogger(conf.LogFormat, conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	rcmd := commands.RootCommand(conf, logger)
	rcmd.AddCommand(
		commands.MakeInitCommand(conf, logger),
		commands.MakeSimulateCommand(conf, logger),
		commands.VersionCmd,
		commands.NewCompletionCmd(rcmd, true),
	)

	cmd := cli.PrepareBaseCmd(rcmd, "BP", os.ExpandEnv(filepath.Join("$HOME", config.DefaultBlockPullerDir)))
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
