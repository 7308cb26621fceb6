package remote

import (
	"context"
	"sync"
	"time"
)

// Pool is the process-wide registry of remote connections.
// Connect is idempotent per connectionId: calling it again against an
// entry already in StatusReady returns that entry's client without
// re-bootstrapping. There is no transparent reconnect-on-failure; callers
// observing ErrNotReady must call Reconnect explicitly.
type Pool struct {
	bootstrapper *Bootstrapper

	mu      sync.Mutex
	entries map[string]*ConnectionEntry

	// binaryFor resolves the daemon binary to upload for a given host,
	// letting callers supply a per-GOOS/GOARCH build without the pool
	// knowing anything about compilation.
	binaryFor func(host RemoteHost) ([]byte, error)
}

// NewPool constructs an empty connection pool. binaryFor supplies the
// daemon executable bytes to upload for a given host (e.g. selected by the
// host's architecture); it is called once per bootstrap attempt.
func NewPool(binaryFor func(host RemoteHost) ([]byte, error)) *Pool {
	return &Pool{
		bootstrapper: NewBootstrapper(),
		entries:      make(map[string]*ConnectionEntry),
		binaryFor:    binaryFor,
	}
}

// Connect bootstraps (or reuses) the connection for host and returns once
// it is ready or bootstrap has failed. Concurrent Connect calls for the
// same host serialize on that host's entry lock; a second caller arriving
// while bootstrap is in flight waits for it rather than starting a second
// SSH session.
func (p *Pool) Connect(ctx context.Context, host RemoteHost, opts BootstrapOptions) (*ConnectionInfo, error) {
	connID := host.ConnectionID()

	entry := p.getOrCreateEntry(connID, host)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.Status == StatusReady && entry.Client != nil {
		if _, err := entry.Client.Health(ctx); err == nil {
			info := entry.snapshot(connID)
			return &info, nil
		}
		// The cached entry claims readiness but failed a live /health probe;
		// clear it and fall through to a fresh bootstrap. A ready entry is
		// only reused while its daemon still answers GET /health.
		entry.Client = nil
		entry.DaemonPort = 0
		entry.DaemonPID = 0
		entry.Token = ""
	}

	entry.Status = StatusBootstrapping
	entry.Error = nil

	binary, err := p.binaryFor(host)
	if err != nil {
		entry.Status = StatusError
		entry.Error = NewError("pool.connect", connID, ErrorInstall, err)
		info := entry.snapshot(connID)
		return &info, entry.Error
	}
	opts.DaemonBinary = binary

	result := p.bootstrapper.Bootstrap(host, opts)
	if !result.Success {
		entry.Status = StatusError
		entry.Error = result.Error
		info := entry.snapshot(connID)
		return &info, result.Error
	}

	now := time.Now()
	entry.DaemonPort = result.DaemonInfo.Port
	entry.DaemonPID = result.DaemonInfo.PID
	entry.Token = result.DaemonInfo.Token
	entry.Client = NewDaemonClient(host.Hostname, result.DaemonInfo.Port, result.DaemonInfo.Token)
	entry.ConnectedAt = now
	entry.LastActivity = now
	entry.Status = StatusReady
	entry.Error = nil

	info := entry.snapshot(connID)
	return &info, nil
}

func (p *Pool) getOrCreateEntry(connID string, host RemoteHost) *ConnectionEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[connID]
	if !ok {
		entry = &ConnectionEntry{Host: host, Status: StatusConnecting}
		p.entries[connID] = entry
	}
	return entry
}

// Execute runs a command against connID's daemon. Returns ErrNotReady if
// the connection isn't in StatusReady; there is no implicit reconnect.
func (p *Pool) Execute(ctx context.Context, connID string, req ExecRequest) (*ExecResponse, error) {
	entry, client, err := p.readyClient(connID)
	if err != nil {
		return nil, err
	}
	resp, err := client.Exec(ctx, req)
	p.touch(entry)
	if err != nil {
		return nil, NewError("pool.execute", connID, ErrorUnknown, err)
	}
	return resp, nil
}

// ReadFile reads path from connID's remote filesystem via its daemon.
func (p *Pool) ReadFile(ctx context.Context, connID, path string) (string, error) {
	entry, client, err := p.readyClient(connID)
	if err != nil {
		return "", err
	}
	content, err := client.ReadFile(ctx, path)
	p.touch(entry)
	return content, err
}

// WriteFile writes content to path on connID's remote filesystem via its
// daemon.
func (p *Pool) WriteFile(ctx context.Context, connID, path, content string) error {
	entry, client, err := p.readyClient(connID)
	if err != nil {
		return err
	}
	err = client.WriteFile(ctx, path, content)
	p.touch(entry)
	return err
}

func (p *Pool) readyClient(connID string) (*ConnectionEntry, *DaemonClient, error) {
	p.mu.Lock()
	entry, ok := p.entries[connID]
	p.mu.Unlock()
	if !ok {
		return nil, nil, ErrConnectionNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.Status != StatusReady || entry.Client == nil {
		return nil, nil, ErrNotReady
	}
	return entry, entry.Client, nil
}

func (p *Pool) touch(entry *ConnectionEntry) {
	entry.mu.Lock()
	entry.LastActivity = time.Now()
	entry.mu.Unlock()
}

// Reconnect discards connID's current session (calling Disconnect first,
// best-effort) and bootstraps a new one. It is the only supported recovery
// path after ErrNotReady; the pool never reconnects on its own.
func (p *Pool) Reconnect(ctx context.Context, connID string, opts BootstrapOptions) (*ConnectionInfo, error) {
	p.mu.Lock()
	entry, ok := p.entries[connID]
	p.mu.Unlock()
	if !ok {
		return nil, ErrConnectionNotFound
	}
	host := entry.Host
	_ = p.Disconnect(ctx, connID)
	return p.Connect(ctx, host, opts)
}

// Disconnect best-effort shuts down connID's daemon and removes its pool
// entry. A failed /shutdown call is not reported as an error: the entry is
// removed regardless; shutdown of the remote daemon is best effort.
func (p *Pool) Disconnect(ctx context.Context, connID string) error {
	p.mu.Lock()
	entry, ok := p.entries[connID]
	if ok {
		delete(p.entries, connID)
	}
	p.mu.Unlock()
	if !ok {
		return ErrConnectionNotFound
	}

	entry.mu.Lock()
	client := entry.Client
	entry.mu.Unlock()
	if client != nil {
		_ = client.Shutdown(ctx)
	}
	return nil
}

// DisconnectAll tears down every pooled connection in parallel, e.g. on
// process exit. Errors from individual shutdowns are ignored, consistent
// with Disconnect's best-effort contract; it never returns an error.
func (p *Pool) DisconnectAll(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = p.Disconnect(ctx, id)
		}(id)
	}
	wg.Wait()
}

// IsReady reports whether connID currently has a ready connection. It
// checks the cached status only; it does not probe the daemon's /health
// endpoint (liveness is checked on demand by the caller, not by
// the pool proactively).
func (p *Pool) IsReady(connID string) bool {
	p.mu.Lock()
	entry, ok := p.entries[connID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.Status == StatusReady
}

// GetStatus returns the current ConnectionInfo for connID.
func (p *Pool) GetStatus(connID string) (*ConnectionInfo, error) {
	p.mu.Lock()
	entry, ok := p.entries[connID]
	p.mu.Unlock()
	if !ok {
		return nil, ErrConnectionNotFound
	}
	info := entry.snapshot(connID)
	return &info, nil
}

// ListConnections returns a snapshot of every pooled entry.
func (p *Pool) ListConnections() []ConnectionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectionInfo, 0, len(p.entries))
	for id, entry := range p.entries {
		out = append(out, entry.snapshot(id))
	}
	return out
}
