// Package daemon installs the corectl agent as a per-user background
// service: a launchd agent on macOS, a systemd user unit on Linux, and a
// scheduled task on Windows. The remote execution daemon is a different
// process entirely; see internal/daemon/remoted.
package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// Service names per platform. CORECTL_SERVICE_NAME overrides all three.
const (
	launchdLabel    = "com.nexus-agent.corectl.agent"
	systemdUnit     = "corectl-agent"
	windowsTaskName = "CorectlAgent"

	serviceNameEnv = "CORECTL_SERVICE_NAME"
)

// InstallSpec describes the service to install: the command line to run
// and the directory it runs in.
type InstallSpec struct {
	Program          string
	Args             []string
	WorkingDirectory string
	Environment      map[string]string
}

// Status is the installed/running state of the service.
type Status struct {
	Installed bool
	Running   bool
	UnitPath  string
	Detail    string
}

// Manager installs, removes, and inspects the corectl agent service on
// one platform.
type Manager interface {
	Platform() string
	Install(spec InstallSpec) (unitPath string, err error)
	Uninstall() error
	Status() (*Status, error)
}

// NewManager returns the Manager for the current GOOS, or an error on
// unsupported platforms.
func NewManager() (Manager, error) {
	switch runtime.GOOS {
	case "darwin":
		return &launchdManager{}, nil
	case "linux":
		return &systemdManager{}, nil
	case "windows":
		return &schtasksManager{}, nil
	default:
		return nil, fmt.Errorf("daemon: no service manager for %s", runtime.GOOS)
	}
}

// runCommand is a seam so tests can observe the external commands the
// managers would run without touching the real service layer.
var runCommand = func(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	return string(out), err
}

func serviceName(fallback string) string {
	if v := strings.TrimSpace(os.Getenv(serviceNameEnv)); v != "" {
		return v
	}
	return fallback
}

func homeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "", fmt.Errorf("daemon: cannot resolve home directory: %w", err)
	}
	return home, nil
}

// launchdManager manages a macOS LaunchAgent plist under
// ~/Library/LaunchAgents, loaded and unloaded with launchctl.
type launchdManager struct{}

func (m *launchdManager) Platform() string { return "launchd" }

func (m *launchdManager) plistPath() (string, error) {
	home, err := homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Library", "LaunchAgents", serviceName(launchdLabel)+".plist"), nil
}

func (m *launchdManager) Install(spec InstallSpec) (string, error) {
	path, err := m.plistPath()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(renderPlist(serviceName(launchdLabel), spec)), 0o644); err != nil {
		return "", err
	}
	if out, err := runCommand("launchctl", "load", "-w", path); err != nil {
		return path, fmt.Errorf("launchctl load: %v: %s", err, strings.TrimSpace(out))
	}
	return path, nil
}

func (m *launchdManager) Uninstall() error {
	path, err := m.plistPath()
	if err != nil {
		return err
	}
	_, _ = runCommand("launchctl", "unload", "-w", path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (m *launchdManager) Status() (*Status, error) {
	path, err := m.plistPath()
	if err != nil {
		return nil, err
	}
	st := &Status{UnitPath: path}
	if _, err := os.Stat(path); err != nil {
		return st, nil
	}
	st.Installed = true
	out, err := runCommand("launchctl", "list", serviceName(launchdLabel))
	st.Running = err == nil
	st.Detail = strings.TrimSpace(out)
	return st, nil
}

func renderPlist(label string, spec InstallSpec) string {
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n")
	b.WriteString("<!DOCTYPE plist PUBLIC \"-//Apple//DTD PLIST 1.0//EN\" \"http://www.apple.com/DTDs/PropertyList-1.0.dtd\">\n")
	b.WriteString("<plist version=\"1.0\">\n<dict>\n")
	fmt.Fprintf(&b, "\t<key>Label</key>\n\t<string>%s</string>\n", xmlEscape(label))
	b.WriteString("\t<key>ProgramArguments</key>\n\t<array>\n")
	fmt.Fprintf(&b, "\t\t<string>%s</string>\n", xmlEscape(spec.Program))
	for _, a := range spec.Args {
		fmt.Fprintf(&b, "\t\t<string>%s</string>\n", xmlEscape(a))
	}
	b.WriteString("\t</array>\n")
	if spec.WorkingDirectory != "" {
		fmt.Fprintf(&b, "\t<key>WorkingDirectory</key>\n\t<string>%s</string>\n", xmlEscape(spec.WorkingDirectory))
	}
	if len(spec.Environment) > 0 {
		b.WriteString("\t<key>EnvironmentVariables</key>\n\t<dict>\n")
		for _, k := range sortedKeys(spec.Environment) {
			fmt.Fprintf(&b, "\t\t<key>%s</key>\n\t\t<string>%s</string>\n", xmlEscape(k), xmlEscape(spec.Environment[k]))
		}
		b.WriteString("\t</dict>\n")
	}
	b.WriteString("\t<key>RunAtLoad</key>\n\t<true/>\n")
	b.WriteString("\t<key>KeepAlive</key>\n\t<true/>\n")
	b.WriteString("</dict>\n</plist>\n")
	return b.String()
}

func xmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;")
	return r.Replace(s)
}

// systemdManager manages a systemd user unit under
// ~/.config/systemd/user, controlled with systemctl --user.
type systemdManager struct{}

func (m *systemdManager) Platform() string { return "systemd" }

func (m *systemdManager) unitName() string { return serviceName(systemdUnit) + ".service" }

func (m *systemdManager) unitPath() (string, error) {
	home, err := homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "systemd", "user", m.unitName()), nil
}

func (m *systemdManager) Install(spec InstallSpec) (string, error) {
	path, err := m.unitPath()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(renderSystemdUnit(spec)), 0o644); err != nil {
		return "", err
	}
	if out, err := runCommand("systemctl", "--user", "daemon-reload"); err != nil {
		return path, fmt.Errorf("systemctl daemon-reload: %v: %s", err, strings.TrimSpace(out))
	}
	if out, err := runCommand("systemctl", "--user", "enable", "--now", m.unitName()); err != nil {
		return path, fmt.Errorf("systemctl enable: %v: %s", err, strings.TrimSpace(out))
	}
	return path, nil
}

func (m *systemdManager) Uninstall() error {
	path, err := m.unitPath()
	if err != nil {
		return err
	}
	_, _ = runCommand("systemctl", "--user", "disable", "--now", m.unitName())
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	_, _ = runCommand("systemctl", "--user", "daemon-reload")
	return nil
}

func (m *systemdManager) Status() (*Status, error) {
	path, err := m.unitPath()
	if err != nil {
		return nil, err
	}
	st := &Status{UnitPath: path}
	if _, err := os.Stat(path); err != nil {
		return st, nil
	}
	st.Installed = true
	out, err := runCommand("systemctl", "--user", "is-active", m.unitName())
	st.Detail = strings.TrimSpace(out)
	st.Running = err == nil && st.Detail == "active"
	return st, nil
}

func renderSystemdUnit(spec InstallSpec) string {
	var b strings.Builder
	b.WriteString("[Unit]\nDescription=corectl agent\n\n[Service]\n")
	fmt.Fprintf(&b, "ExecStart=%s\n", shellJoin(spec.Program, spec.Args))
	if spec.WorkingDirectory != "" {
		fmt.Fprintf(&b, "WorkingDirectory=%s\n", spec.WorkingDirectory)
	}
	for _, k := range sortedKeys(spec.Environment) {
		fmt.Fprintf(&b, "Environment=%s=%s\n", k, spec.Environment[k])
	}
	b.WriteString("Restart=on-failure\n\n[Install]\nWantedBy=default.target\n")
	return b.String()
}

// schtasksManager manages a Windows scheduled task that starts the agent
// at logon.
type schtasksManager struct{}

func (m *schtasksManager) Platform() string { return "schtasks" }

func (m *schtasksManager) taskName() string { return serviceName(windowsTaskName) }

func (m *schtasksManager) Install(spec InstallSpec) (string, error) {
	cmd := shellJoin(spec.Program, spec.Args)
	out, err := runCommand("schtasks", "/Create", "/F", "/SC", "ONLOGON",
		"/TN", m.taskName(), "/TR", cmd)
	if err != nil {
		return "", fmt.Errorf("schtasks create: %v: %s", err, strings.TrimSpace(out))
	}
	if out, err := runCommand("schtasks", "/Run", "/TN", m.taskName()); err != nil {
		return m.taskName(), fmt.Errorf("schtasks run: %v: %s", err, strings.TrimSpace(out))
	}
	return m.taskName(), nil
}

func (m *schtasksManager) Uninstall() error {
	_, _ = runCommand("schtasks", "/End", "/TN", m.taskName())
	out, err := runCommand("schtasks", "/Delete", "/F", "/TN", m.taskName())
	if err != nil && !strings.Contains(out, "ERROR: The system cannot find") {
		return fmt.Errorf("schtasks delete: %v: %s", err, strings.TrimSpace(out))
	}
	return nil
}

func (m *schtasksManager) Status() (*Status, error) {
	st := &Status{UnitPath: m.taskName()}
	out, err := runCommand("schtasks", "/Query", "/TN", m.taskName())
	if err != nil {
		return st, nil
	}
	st.Installed = true
	st.Running = strings.Contains(out, "Running")
	st.Detail = strings.TrimSpace(out)
	return st, nil
}

func shellJoin(program string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, p := range append([]string{program}, args...) {
		if strings.ContainsAny(p, " \t\"") {
			parts = append(parts, `"`+strings.ReplaceAll(p, `"`, `\"`)+`"`)
		} else {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
