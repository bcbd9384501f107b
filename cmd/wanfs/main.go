// Command wanfs runs a wide-area filesystem gateway.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.version=..."
var (
	version = "dev"
	commit  = "none"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "wanfs",
	Short: "wanfs gateway",
	Long: `wanfs serves one volume of a wide-area filesystem. Files are cached and
written locally, then replicated to remote replica hosts; each file is
coordinated by a single gateway at a time.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "wanfs %s (commit %s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $XDG_CONFIG_HOME/wanfs/config.yaml)")
	rootCmd.AddCommand(versionCmd, initCmd, startCmd, schemaCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
