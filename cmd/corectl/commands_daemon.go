package main

import (
	"github.com/spf13/cobra"
)

func buildDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run corectl as a background service",
	}
	cmd.AddCommand(buildDaemonInstallCmd())
	cmd.AddCommand(buildDaemonUninstallCmd())
	cmd.AddCommand(buildDaemonStatusCmd())
	return cmd
}

func buildDaemonInstallCmd() *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install the corectl agent as a per-user service",
		Long: "Install registers this corectl binary with the platform service " +
			"manager (launchd, systemd --user, or Task Scheduler) so the agent " +
			"keeps running across logins.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemonInstall(cmd, session)
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "Session key the service's chat loop should use")
	return cmd
}

func buildDaemonUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the corectl agent service",
		Args:  cobra.NoArgs,
		RunE:  runDaemonUninstall,
	}
}

func buildDaemonStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the corectl agent service is installed and running",
		Args:  cobra.NoArgs,
		RunE:  runDaemonStatus,
	}
}
