// Command corectl is the operator-facing CLI: an interactive tool-using
// chat loop (`corectl chat`) plus management of remote execution daemons —
// bootstrapping a corectl-remoted binary onto a configured SSH host, then
// exec'ing commands and reading/writing files against it through the
// connection pool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nexus-agent/corectl/internal/profile"
)

func main() {
	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "corectl",
		Short: "Tool-using terminal assistant and remote execution manager",
	}
	root.AddCommand(buildChatCmd())
	root.AddCommand(buildRemoteCmd())
	root.AddCommand(buildDaemonCmd())
	root.AddCommand(buildConfigCmd())
	return root
}

var configPathFlag string

func addConfigFlag(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&configPathFlag, "config", "c", profile.DefaultConfigPath(),
		"Path to YAML configuration file")
}
