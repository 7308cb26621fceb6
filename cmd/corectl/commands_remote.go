package main

import (
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Remote Commands
// =============================================================================

// buildRemoteCmd creates the "remote" command group: connect, exec, read,
// write, disconnect, list, and status against the connection pool.
func buildRemoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Bootstrap and drive remote execution daemons over SSH",
	}
	addConfigFlag(cmd)
	cmd.AddCommand(
		buildRemoteConnectCmd(),
		buildRemoteExecCmd(),
		buildRemoteReadCmd(),
		buildRemoteWriteCmd(),
		buildRemoteDisconnectCmd(),
		buildRemoteListCmd(),
		buildRemoteStatusCmd(),
	)
	return cmd
}

func buildRemoteConnectCmd() *cobra.Command {
	var idleTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "connect <host-id>",
		Short: "Bootstrap the remote daemon on a configured host and wait until ready",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemoteConnect(cmd, args[0], idleTimeout)
		},
	}
	cmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 0, "Override the daemon's idle shutdown timeout")
	return cmd
}

func buildRemoteExecCmd() *cobra.Command {
	var cwd string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "exec <host-id> -- <command> [args...]",
		Short: "Run a command on a connected host's daemon",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemoteExec(cmd, args[0], args[1], args[2:], cwd, timeout)
		},
	}
	cmd.Flags().StringVar(&cwd, "cwd", "", "Working directory for the command")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Command timeout")
	return cmd
}

func buildRemoteReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <host-id> <path>",
		Short: "Read a file from a connected host",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemoteRead(cmd, args[0], args[1])
		},
	}
}

func buildRemoteWriteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "write <host-id> <path> <content>",
		Short: "Write a file to a connected host",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemoteWrite(cmd, args[0], args[1], args[2])
		},
	}
}

func buildRemoteDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <host-id>",
		Short: "Shut down a connected host's daemon and forget its pool entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemoteDisconnect(cmd, args[0])
		},
	}
}

func buildRemoteListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every pooled connection and its status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemoteList(cmd)
		},
	}
}

func buildRemoteStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <host-id>",
		Short: "Print the status of one pooled connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemoteStatus(cmd, args[0])
		},
	}
}
