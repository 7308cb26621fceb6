// Package remote implements SSH bootstrap of the remote execution daemon
// and a process-wide connection pool of pooled, keep-alive daemon clients
// and the connection pool built on top of it.
package remote

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// AuthMethod selects how the SSH bootstrap authenticates to a remote host.
type AuthMethod string

const (
	AuthMethodKey      AuthMethod = "key"
	AuthMethodPassword AuthMethod = "password"
	AuthMethodAgent    AuthMethod = "agent"
)

// RemoteHost describes one remote execution target, typically loaded from
// the "remote_hosts" section of the YAML config (see internal/config).
type RemoteHost struct {
	// ID, when set, is used verbatim as the connectionId; otherwise the
	// pool derives one as "user@host:port".
	ID string `yaml:"id,omitempty" json:"id,omitempty"`

	Hostname string     `yaml:"hostname" json:"hostname"`
	Port     int        `yaml:"port" json:"port"`
	Username string     `yaml:"username" json:"username"`
	AuthMethod AuthMethod `yaml:"auth_method" json:"auth_method"`

	// KeyPath is the private key path, used when AuthMethod is
	// AuthMethodKey.
	KeyPath string `yaml:"key_path,omitempty" json:"key_path,omitempty"`

	// Password is used when AuthMethod is AuthMethodPassword. Callers
	// should prefer environment-variable indirection in the config loader
	// rather than storing plaintext passwords on disk.
	Password string `yaml:"password,omitempty" json:"-"`
}

// ConnectionID returns the entry key this host resolves to: Host.ID if
// set, else "username@hostname:port".
func (h RemoteHost) ConnectionID() string {
	if h.ID != "" {
		return h.ID
	}
	return h.Username + "@" + h.Hostname + ":" + strconv.Itoa(h.Port)
}

// BootstrapOptions configures one bootstrap run.
type BootstrapOptions struct {
	// RemotePath is where the daemon binary is uploaded on the remote
	// host. Defaults to "~/.corectl/bin/corectl-remoted".
	RemotePath string

	// IdleTimeout is passed to the spawned daemon; it shuts itself down
	// after this long without a request. Defaults to 30 minutes.
	IdleTimeout time.Duration

	// PreferredPort requests a specific listen port; 0 lets the daemon
	// pick an ephemeral port, which it reports back in DaemonInfo.
	PreferredPort int

	// ConnectTimeout bounds the SSH dial. Defaults to 15 seconds.
	ConnectTimeout time.Duration

	// DaemonBinary, when non-nil, is the daemon executable bytes to
	// upload. Callers typically embed or build this ahead of time for
	// the target's GOOS/GOARCH; Bootstrap does not compile anything.
	DaemonBinary []byte
}

// DaemonInfo is the parsed payload of a daemon's "DAEMON_STARTED:{...}"
// startup line.
type DaemonInfo struct {
	Port  int    `json:"port"`
	Token string `json:"token"`
	PID   int    `json:"pid"`
}

// BootstrapResult is the outcome of one Bootstrap call.
type BootstrapResult struct {
	Success    bool
	DaemonInfo *DaemonInfo
	Error      error
}

// ConnectionStatus is the lifecycle state of a pooled connection entry.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusBootstrapping ConnectionStatus = "bootstrapping"
	StatusReady        ConnectionStatus = "ready"
	StatusError        ConnectionStatus = "error"
)

// ConnectionEntry is the per-host record inside the pool.
// Lifetime spans from first connect through explicit disconnect or
// process shutdown. All mutation must go through Pool's methods, which
// hold connEntryMu while touching fields.
type ConnectionEntry struct {
	Host   RemoteHost
	Status ConnectionStatus

	DaemonPort int
	DaemonPID  int
	Token      string

	Client *DaemonClient

	ConnectedAt  time.Time
	LastActivity time.Time

	Error error

	mu sync.Mutex
}

// snapshot returns a value copy of the entry safe to hand to a caller
// without exposing the live struct (and its mutex) for mutation.
func (e *ConnectionEntry) snapshot(id string) ConnectionInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ConnectionInfo{
		ID:           id,
		Host:         e.Host,
		Status:       e.Status,
		DaemonPort:   e.DaemonPort,
		DaemonPID:    e.DaemonPID,
		ConnectedAt:  e.ConnectedAt,
		LastActivity: e.LastActivity,
		Error:        e.Error,
	}
}

// ConnectionInfo is the read-only view of a ConnectionEntry returned by
// pool queries.
type ConnectionInfo struct {
	ID           string
	Host         RemoteHost
	Status       ConnectionStatus
	DaemonPort   int
	DaemonPID    int
	ConnectedAt  time.Time
	LastActivity time.Time
	Error        error
}

// httpDoer is the subset of *http.Client the daemon client depends on;
// tests substitute a fake transport.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}
