package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/wanfs/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "write a default configuration file",
	Long: `Writes the default configuration to the path given with --config, or to
$XDG_CONFIG_HOME/wanfs/config.yaml. An existing file is kept unless --force
is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = config.GetDefaultConfigPath()
		}
		if err := config.InitConfigToPath(path, initForce); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite an existing file")
}
