package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nexus-agent/corectl/internal/config"
	"github.com/nexus-agent/corectl/internal/remote"
)

// =============================================================================
// Remote Command Handlers
// =============================================================================

// pool is constructed lazily on first use and reused across subcommands
// within one process invocation; corectl is a short-lived CLI, so there is
// no need for it to survive past os.Exit.
var pool *remote.Pool

func remotePool() *remote.Pool {
	if pool == nil {
		pool = remote.NewPool(daemonBinaryFor)
	}
	return pool
}

// daemonBinaryFor resolves the corectl-remoted executable to upload for a
// bootstrap attempt. Operators cross-compile corectl-remoted for their
// fleet's GOOS/GOARCH out of band; corectl never builds anything itself.
// CORECTL_REMOTED_BINARY overrides the default sibling-of-self lookup.
func daemonBinaryFor(host remote.RemoteHost) ([]byte, error) {
	path := os.Getenv("CORECTL_REMOTED_BINARY")
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate corectl-remoted binary: %w", err)
		}
		path = filepath.Join(filepath.Dir(self), "corectl-remoted")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read daemon binary at %s (set CORECTL_REMOTED_BINARY to override): %w", path, err)
	}
	return data, nil
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPathFlag)
}

// resolveHost finds hostID in the loaded config's remote_hosts and converts
// it to a remote.RemoteHost, prompting for a password on the terminal when
// auth_method is "password" and password_env is unset or empty.
func resolveHost(cfg *config.Config, hostID string) (remote.RemoteHost, error) {
	for _, h := range cfg.RemoteHosts {
		id := h.ID
		if id == "" {
			id = h.Username + "@" + h.Hostname
		}
		if id != hostID && h.ID != hostID {
			continue
		}
		out := remote.RemoteHost{
			ID:         h.ID,
			Hostname:   h.Hostname,
			Port:       h.Port,
			Username:   h.Username,
			AuthMethod: remote.AuthMethod(h.AuthMethod),
			KeyPath:    h.KeyPath,
		}
		if out.AuthMethod == remote.AuthMethodPassword {
			password := ""
			if h.PasswordEnv != "" {
				password = os.Getenv(h.PasswordEnv)
			}
			if password == "" {
				prompted, err := promptPassword(h.Hostname)
				if err != nil {
					return remote.RemoteHost{}, fmt.Errorf("read password: %w", err)
				}
				password = prompted
			}
			out.Password = password
		}
		return out, nil
	}
	return remote.RemoteHost{}, fmt.Errorf("no remote_hosts entry with id %q", hostID)
}

func promptPassword(hostname string) (string, error) {
	fmt.Fprintf(os.Stderr, "Password for %s: ", hostname)
	data, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func bootstrapOptionsFor(host remote.RemoteHost, idleOverride time.Duration) remote.BootstrapOptions {
	opts := remote.BootstrapOptions{}
	if idleOverride > 0 {
		opts.IdleTimeout = idleOverride
	}
	return opts
}

func runRemoteConnect(cmd *cobra.Command, hostID string, idleOverride time.Duration) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	host, err := resolveHost(cfg, hostID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
	defer cancel()
	info, err := remotePool().Connect(ctx, host, bootstrapOptionsFor(host, idleOverride))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "connected: %s (daemon pid %d, port %d)\n", info.ID, info.DaemonPID, info.DaemonPort)
	return nil
}

// joinShellCommand builds the single shell string the daemon's /exec
// endpoint expects (the daemon invokes "sh -c <command>"), quoting
// each trailing argument so it survives that shell re-parse unchanged.
func joinShellCommand(command string, args []string) string {
	if len(args) == 0 {
		return command
	}
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, command)
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

// shellQuote wraps s in single quotes for POSIX sh, escaping any embedded
// single quote as '\''.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func runRemoteExec(cmd *cobra.Command, hostID, command string, args []string, cwd string, timeout time.Duration) error {
	ctx := cmd.Context()
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req := remote.ExecRequest{Command: joinShellCommand(command, args), Cwd: cwd}
	if timeout > 0 {
		req.Timeout = int(timeout.Seconds())
	}
	resp, err := remotePool().Execute(ctx, hostID, req)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprint(out, resp.Stdout)
	if resp.Stderr != "" {
		fmt.Fprint(cmd.ErrOrStderr(), resp.Stderr)
	}
	if resp.ExitCode != 0 {
		return fmt.Errorf("remote command exited with status %d", resp.ExitCode)
	}
	return nil
}

func runRemoteRead(cmd *cobra.Command, hostID, path string) error {
	content, err := remotePool().ReadFile(cmd.Context(), hostID, path)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), content)
	return nil
}

func runRemoteWrite(cmd *cobra.Command, hostID, path, content string) error {
	if err := remotePool().WriteFile(cmd.Context(), hostID, path, content); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s to %s\n", path, hostID)
	return nil
}

func runRemoteDisconnect(cmd *cobra.Command, hostID string) error {
	if err := remotePool().Disconnect(cmd.Context(), hostID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "disconnected: %s\n", hostID)
	return nil
}

func runRemoteList(cmd *cobra.Command) error {
	conns := remotePool().ListConnections()
	out := cmd.OutOrStdout()
	if len(conns) == 0 {
		fmt.Fprintln(out, "No active connections.")
		return nil
	}
	for _, c := range conns {
		fmt.Fprintf(out, "  - %s [%s] %s:%d\n", c.ID, c.Status, c.Host.Hostname, c.Host.Port)
	}
	return nil
}

func runRemoteStatus(cmd *cobra.Command, hostID string) error {
	info, err := remotePool().GetStatus(hostID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "id: %s\n", info.ID)
	fmt.Fprintf(out, "status: %s\n", info.Status)
	fmt.Fprintf(out, "host: %s@%s:%d\n", info.Host.Username, info.Host.Hostname, info.Host.Port)
	if info.Status == remote.StatusReady {
		fmt.Fprintf(out, "daemon pid: %d, port: %d\n", info.DaemonPID, info.DaemonPort)
		fmt.Fprintf(out, "last activity: %s\n", info.LastActivity.Format(time.RFC3339))
	}
	if info.Error != nil {
		fmt.Fprintf(out, "error: %v\n", info.Error)
	}
	return nil
}
