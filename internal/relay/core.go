package relay

import (
	"crypto/tls"
	"fmt"
	"log"
	"sync"
	"time"
)

// Core owns every listener and the shared connection-id counter, and runs
// the one-second housekeeping tick (§5 "Timer/orchestrator"). It is the
// single context object §9 calls for threading what the original
// implementation keeps as shared mutable globals.
type Core struct {
	mu             sync.Mutex
	listeners      map[int]*Listener
	nextConnID     uint64
	nextListenerID int

	PurgeDelay time.Duration // -1 disables purge, 0 purges immediately

	Logger *log.Logger

	stopCh chan struct{}
}

// NewCore builds an empty Core. Listeners are added with AddListener.
func NewCore(logger *log.Logger) *Core {
	if logger == nil {
		logger = log.Default()
	}
	return &Core{
		listeners: make(map[int]*Listener),
		Logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// AddListener binds and starts a new listener from cfg, bound at
// resolvedAddr (a port or a filesystem path, already path-expanded).
func (core *Core) AddListener(resolvedAddr string, cfg ListenerConfig) (*Listener, error) {
	core.mu.Lock()
	for _, existing := range core.listeners {
		if existing.ResolvedAddr() != resolvedAddr {
			continue
		}
		core.mu.Unlock()
		if cfg.Spec.Unix {
			return nil, fmt.Errorf("relay: duplicate_path: %s already bound by listener %d", resolvedAddr, existing.ID)
		}
		return nil, fmt.Errorf("relay: duplicate_port: %s already bound by listener %d", resolvedAddr, existing.ID)
	}
	id := core.nextListenerID
	core.nextListenerID++
	cfg.NextConnID = &core.nextConnID
	core.mu.Unlock()

	l := NewListener(id, cfg)
	if err := l.Listen(resolvedAddr); err != nil {
		return nil, err
	}

	core.mu.Lock()
	core.listeners[id] = l
	core.mu.Unlock()

	go l.AcceptLoop()
	return l, nil
}

// RemoveListener closes and forgets a listener (reconfiguration / shutdown).
func (core *Core) RemoveListener(id int) error {
	core.mu.Lock()
	l, ok := core.listeners[id]
	delete(core.listeners, id)
	core.mu.Unlock()
	if !ok {
		return fmt.Errorf("relay: no such listener %d", id)
	}
	return l.Close()
}

// Listeners returns a snapshot of all active listeners.
func (core *Core) Listeners() []*Listener {
	core.mu.Lock()
	defer core.mu.Unlock()
	out := make([]*Listener, 0, len(core.listeners))
	for _, l := range core.listeners {
		out = append(out, l)
	}
	return out
}

// Run starts the one-second housekeeping tick: purging terminal-state
// connections past PurgeDelay (§5 "Cancellation and timeouts"). It blocks
// until Shutdown is called.
func (core *Core) Run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			core.tick()
		case <-core.stopCh:
			return
		}
	}
}

func (core *Core) tick() {
	if core.PurgeDelay < 0 {
		return
	}
	now := time.Now()
	for _, l := range core.Listeners() {
		for _, c := range l.Connections() {
			terminalAt := c.TerminalAt()
			if terminalAt.IsZero() {
				continue
			}
			if core.PurgeDelay == 0 || now.Sub(terminalAt) >= core.PurgeDelay {
				l.RemoveConnection(c.ID)
			}
		}
	}
}

// RestoreStateDump applies a previously loaded StateDump (§4.12) to this
// core's listeners, matching each ServerRecord to a live Listener by its
// endpoint-spec string and restoring lastClientDisconnect so
// backlog-since-disconnect (§4.10) stays correct across a restart. Called
// after AddListener has bound every configured endpoint; AddListener has
// already started each accept loop by then, so nothing stops a connection
// from being accepted before the restore. Client records are not replayed:
// live sockets cannot be restored across a process restart (§4.12), so the
// client list exists only for operator inspection of the dump file.
func (core *Core) RestoreStateDump(dump StateDump) {
	core.mu.Lock()
	listeners := make([]*Listener, 0, len(core.listeners))
	for _, l := range core.listeners {
		listeners = append(listeners, l)
	}
	core.mu.Unlock()

	for _, rec := range dump.Servers {
		for _, l := range listeners {
			if l.Spec.String() == rec.EndpointSpec {
				l.RestoreLastClientDisconnect(rec.LastClientDisconnect)
				break
			}
		}
	}
}

// Shutdown stops the housekeeping tick and closes every listener. Existing
// connections are left to close on their own (graceful).
func (core *Core) Shutdown() {
	close(core.stopCh)
	for _, l := range core.Listeners() {
		l.Close()
	}
}

// TLSConfigFor builds a *tls.Config for a listener from a cert/key pair
// path, mirroring the teacher's startup.go TLS setup but parameterized per
// endpoint rather than global.
func TLSConfigFor(certKeyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certKeyPath, certKeyPath)
	if err != nil {
		return nil, fmt.Errorf("relay: bind_error: loading tls cert/key: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
