package remote

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

const (
	defaultRemotePath     = ".corectl/bin/corectl-remoted"
	defaultIdleTimeout    = 30 * time.Minute
	defaultConnectTimeout = 15 * time.Second
	startupMarkerPrefix   = "DAEMON_STARTED:"
)

// sshClient is the subset of *ssh.Client Bootstrap depends on.
type sshClient interface {
	NewSession() (sshSession, error)
	Close() error
}

// sshSession is the subset of *ssh.Session Bootstrap depends on.
type sshSession interface {
	Run(cmd string) error
	StdinPipe() (writeCloser, error)
	StdoutPipe() (readCloser, error)
	Start(cmd string) error
	Wait() error
	Close() error
}

type writeCloser interface {
	Write(p []byte) (int, error)
	Close() error
}

type readCloser interface {
	Read(p []byte) (int, error)
}

// Bootstrapper uploads and spawns the remote execution daemon onto a
// host over SSH. The zero value dials real SSH connections; tests construct
// one with a fake dial function.
type Bootstrapper struct {
	dial func(host RemoteHost, timeout time.Duration) (sshClient, error)
}

// NewBootstrapper returns a Bootstrapper that dials real SSH connections
// using golang.org/x/crypto/ssh.
func NewBootstrapper() *Bootstrapper {
	return &Bootstrapper{dial: dialSSH}
}

// Bootstrap probes for an existing daemon binary on host, uploads one if
// absent or of a different size, spawns it detached, and parses its
// startup marker. It does not retry; callers needing retry-on-network
// wrap this in their own loop, matching the connection pool's policy of
// no transparent retry inside a single connect attempt.
func (b *Bootstrapper) Bootstrap(host RemoteHost, opts BootstrapOptions) *BootstrapResult {
	connID := host.ConnectionID()

	if opts.RemotePath == "" {
		opts.RemotePath = defaultRemotePath
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}

	client, err := b.dial(host, opts.ConnectTimeout)
	if err != nil {
		return &BootstrapResult{Error: NewError("bootstrap.dial", connID, ErrorNetwork, err)}
	}
	defer client.Close()

	if err := b.ensureBinary(client, opts); err != nil {
		return &BootstrapResult{Error: err}
	}

	info, err := b.spawn(client, opts)
	if err != nil {
		return &BootstrapResult{Error: err}
	}

	return &BootstrapResult{Success: true, DaemonInfo: info}
}

// ensureBinary uploads the daemon binary unless a file of the same size
// already exists at RemotePath.
func (b *Bootstrapper) ensureBinary(client sshClient, opts BootstrapOptions) error {
	if len(opts.DaemonBinary) == 0 {
		return NewError("bootstrap.ensure_binary", "", ErrorInstall, fmt.Errorf("no daemon binary provided"))
	}

	remoteSize, _ := b.statRemoteSize(client, opts.RemotePath)
	if remoteSize == int64(len(opts.DaemonBinary)) {
		return nil
	}

	return b.upload(client, opts.RemotePath, opts.DaemonBinary)
}

// statRemoteSize runs `wc -c` against the remote path, returning (-1, nil)
// if the file does not exist.
func (b *Bootstrapper) statRemoteSize(client sshClient, path string) (int64, error) {
	sess, err := client.NewSession()
	if err != nil {
		return -1, err
	}
	defer sess.Close()

	out, err := sess.StdoutPipe()
	if err != nil {
		return -1, err
	}
	cmd := fmt.Sprintf(`wc -c < %s 2>/dev/null || echo -1`, shellQuote(path))
	if err := sess.Start(cmd); err != nil {
		return -1, err
	}
	data := readAll(out)
	if err := sess.Wait(); err != nil {
		return -1, err
	}
	n, parseErr := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if parseErr != nil {
		return -1, nil
	}
	return n, nil
}

// upload writes data to path on the remote host via a "mkdir -p && cat >
// path" pipeline fed over the session's stdin, mirroring the common
// scp-less SSH file-transfer idiom.
func (b *Bootstrapper) upload(client sshClient, path string, data []byte) error {
	sess, err := client.NewSession()
	if err != nil {
		return NewError("bootstrap.upload", "", ErrorNetwork, err)
	}
	defer sess.Close()

	dir := path[:strings.LastIndex(path, "/")]
	cmd := fmt.Sprintf(`mkdir -p %s && cat > %s && chmod +x %s`, shellQuote(dir), shellQuote(path), shellQuote(path))

	stdin, err := sess.StdinPipe()
	if err != nil {
		return NewError("bootstrap.upload", "", ErrorNetwork, err)
	}
	if err := sess.Start(cmd); err != nil {
		return NewError("bootstrap.upload", "", ErrorNetwork, err)
	}
	if _, err := stdin.Write(data); err != nil {
		return NewError("bootstrap.upload", "", ErrorNetwork, err)
	}
	if err := stdin.Close(); err != nil {
		return NewError("bootstrap.upload", "", ErrorNetwork, err)
	}
	if err := sess.Wait(); err != nil {
		return NewError("bootstrap.upload", "", ErrorInstall, err)
	}
	return nil
}

// spawn starts the daemon detached (nohup ... & disown) so it survives the
// SSH session closing, then reads its startup marker line from stdout
// before the session is torn down.
func (b *Bootstrapper) spawn(client sshClient, opts BootstrapOptions) (*DaemonInfo, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, NewError("bootstrap.spawn", "", ErrorNetwork, err)
	}
	defer sess.Close()

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return nil, NewError("bootstrap.spawn", "", ErrorNetwork, err)
	}

	port := opts.PreferredPort
	idleSecs := int(opts.IdleTimeout.Seconds())
	cmd := fmt.Sprintf("nohup %s %d %d >/tmp/corectl-remoted.out 2>&1 & disown; sleep 0.2; cat /tmp/corectl-remoted.out",
		shellQuote(opts.RemotePath), port, idleSecs)

	if err := sess.Start(cmd); err != nil {
		return nil, NewError("bootstrap.spawn", "", ErrorSpawn, err)
	}

	info, err := parseStartupMarker(stdout)
	waitErr := sess.Wait()
	if err != nil {
		if waitErr != nil {
			return nil, NewError("bootstrap.spawn", "", ErrorSpawn, fmt.Errorf("%w (session: %v)", err, waitErr))
		}
		return nil, NewError("bootstrap.spawn", "", ErrorSpawn, err)
	}
	return info, nil
}

// parseStartupMarker scans r for a line beginning with
// "DAEMON_STARTED:{json}" and decodes the JSON payload.
func parseStartupMarker(r readCloser) (*DaemonInfo, error) {
	scanner := bufio.NewScanner(asReader(r))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, startupMarkerPrefix) {
			continue
		}
		payload := strings.TrimPrefix(line, startupMarkerPrefix)
		var info DaemonInfo
		if err := json.Unmarshal([]byte(payload), &info); err != nil {
			return nil, NewError("bootstrap.parse_marker", "", ErrorSpawn, err).WithMessage("malformed startup marker: " + payload)
		}
		return &info, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, NewError("bootstrap.parse_marker", "", ErrorSpawn, err)
	}
	return nil, NewError("bootstrap.parse_marker", "", ErrorSpawn, fmt.Errorf("no startup marker observed")).
		WithMessage("daemon produced no DAEMON_STARTED line before closing stdout")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func readAll(r readCloser) []byte {
	buf := make([]byte, 0, 256)
	chunk := make([]byte, 256)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf
}

// dialSSH is the production sshDialer, building an ssh.ClientConfig from
// host's auth method and wrapping the resulting *ssh.Client to satisfy the
// sshClient/sshSession seams above.
func dialSSH(host RemoteHost, timeout time.Duration) (sshClient, error) {
	auth, err := authMethodFor(host)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            host.Username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // host key pinning is a config-driven TODO; see DESIGN.md
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(host.Hostname, strconv.Itoa(host.Port))
	conn, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, err
	}
	return &realSSHClient{client: conn}, nil
}

func authMethodFor(host RemoteHost) (ssh.AuthMethod, error) {
	switch host.AuthMethod {
	case AuthMethodPassword:
		return ssh.Password(host.Password), nil
	case AuthMethodKey:
		key, err := os.ReadFile(host.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	case AuthMethodAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, fmt.Errorf("SSH_AUTH_SOCK not set, cannot use ssh-agent auth")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, fmt.Errorf("dial ssh-agent: %w", err)
		}
		agentClient := agent.NewClient(conn)
		return ssh.PublicKeysCallback(agentClient.Signers), nil
	default:
		return nil, fmt.Errorf("unsupported auth method %q", host.AuthMethod)
	}
}

// realSSHClient adapts *ssh.Client to the sshClient seam.
type realSSHClient struct {
	client *ssh.Client
}

func (c *realSSHClient) NewSession() (sshSession, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	return &realSSHSession{session: sess}, nil
}

func (c *realSSHClient) Close() error { return c.client.Close() }

type realSSHSession struct {
	session *ssh.Session
}

func (s *realSSHSession) Run(cmd string) error               { return s.session.Run(cmd) }
func (s *realSSHSession) Start(cmd string) error              { return s.session.Start(cmd) }
func (s *realSSHSession) Wait() error                         { return s.session.Wait() }
func (s *realSSHSession) Close() error                        { return s.session.Close() }
func (s *realSSHSession) StdinPipe() (writeCloser, error)     { return s.session.StdinPipe() }
func (s *realSSHSession) StdoutPipe() (readCloser, error) {
	p, err := s.session.StdoutPipe()
	if err != nil {
		return nil, err
	}
	return p, nil
}

// asReader adapts a readCloser (io.Reader-shaped) to io.Reader for bufio.
func asReader(r readCloser) *readCloserAdapter { return &readCloserAdapter{r: r} }

type readCloserAdapter struct{ r readCloser }

func (a *readCloserAdapter) Read(p []byte) (int, error) { return a.r.Read(p) }
