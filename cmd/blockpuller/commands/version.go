package commands

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/tendermint/blockpuller/version"
)

var verbose bool

// VersionCmd prints the version of the binary.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version info",
	Run: func(cmd *cobra.Command, args []string) {
		if verbose {
			values, _ := json.MarshalIndent(struct {
				BlockPuller string `json:"blockpuller"`
				GitCommit   string `json:"git_commit,omitempty"`
				Go          string `json:"go"`
			}{
				BlockPuller: version.BPSemVer,
				GitCommit:   version.GitCommit,
				Go:          runtime.Version(),
			}, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(values))
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
		}
	},
}

func init() {
	VersionCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show git commit and go version")
}
