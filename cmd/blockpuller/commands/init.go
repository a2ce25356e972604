package commands

import (
	"github.com/spf13/cobra"

	"github.com/tendermint/blockpuller/config"
	"github.com/tendermint/blockpuller/libs/log"
	tmos "github.com/tendermint/blockpuller/libs/os"
)

// MakeInitCommand returns the command that writes the config file for the
// current settings.
func MakeInitCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the home directory with a config file",
		Long: `Initialize the home directory with a config file.

The file reflects the settings of the environment and the flags. An existing
file is only replaced with --force.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := conf.ConfigFile()
			exists := tmos.FileExists(path)
			if err := config.EnsureRoot(conf.RootDir); err != nil {
				return err
			}
			if exists && !force {
				logger.Info("found config file", "path", path)
				return nil
			}
			if err := config.WriteConfigFile(conf.RootDir, conf); err != nil {
				return err
			}
			logger.Info("generated config file", "path", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing config file")
	addPullerFlags(cmd, conf)
	addSimulationFlags(cmd, conf)
	return cmd
}
