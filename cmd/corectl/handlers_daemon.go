package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nexus-agent/corectl/internal/daemon"
)

func runDaemonInstall(cmd *cobra.Command, session string) error {
	mgr, err := daemon.NewManager()
	if err != nil {
		return err
	}
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable: %w", err)
	}
	args := []string{"chat"}
	if session != "" {
		args = append(args, "--session", session)
	}
	cwd, _ := os.Getwd()

	unitPath, err := mgr.Install(daemon.InstallSpec{
		Program:          self,
		Args:             args,
		WorkingDirectory: cwd,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "installed %s service: %s\n", mgr.Platform(), unitPath)
	return nil
}

func runDaemonUninstall(cmd *cobra.Command, _ []string) error {
	mgr, err := daemon.NewManager()
	if err != nil {
		return err
	}
	if err := mgr.Uninstall(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %s service\n", mgr.Platform())
	return nil
}

func runDaemonStatus(cmd *cobra.Command, _ []string) error {
	mgr, err := daemon.NewManager()
	if err != nil {
		return err
	}
	st, err := mgr.Status()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "platform:  %s\n", mgr.Platform())
	fmt.Fprintf(out, "installed: %v\n", st.Installed)
	fmt.Fprintf(out, "running:   %v\n", st.Running)
	if st.UnitPath != "" {
		fmt.Fprintf(out, "unit:      %s\n", st.UnitPath)
	}
	if st.Detail != "" {
		fmt.Fprintf(out, "detail:    %s\n", st.Detail)
	}
	return nil
}
