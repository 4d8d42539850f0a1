package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map"
	"golang.org/x/time/rate"

	"github.com/weechat-relay/relayd/internal/dnsbl"
	"github.com/weechat-relay/relayd/pkg/relaymetrics"
)

// AdmissionPolicy holds the per-endpoint settings checked, in order, on
// every accept (§4.1 "Admission policy").
type AdmissionPolicy struct {
	PasswordConfigured bool
	AllowEmptyPassword bool
	TOTPConfigured     bool

	MaxClients int
	AllowedIPs *regexp.Regexp

	// AcceptLimiter optionally throttles the accept rate per listener,
	// rejecting bursts of connection attempts before they ever reach the
	// password/TOTP checks. Nil disables throttling.
	AcceptLimiter *rate.Limiter
}

// AdmissionError names which admission check rejected a peer.
type AdmissionError struct{ Reason string }

func (e *AdmissionError) Error() string { return "relay: admission rejected: " + e.Reason }

// checkAdmission evaluates the ordered, fail-closed policy of §4.1. peerIP
// is nil for UNIX-domain peers (the abstract path is used instead and
// AllowedIPs is skipped, matching "for UNIX sockets, use the abstract
// path" — a regex over IPs has nothing to match there).
func checkAdmission(policy AdmissionPolicy, currentClients int, peerIP net.IP, peerPath string) error {
	if policy.AcceptLimiter != nil && !policy.AcceptLimiter.Allow() {
		return &AdmissionError{Reason: "accept_rate_limited"}
	}
	if !policy.PasswordConfigured && !policy.AllowEmptyPassword {
		return &AdmissionError{Reason: "empty_password_disallowed"}
	}
	if policy.TOTPConfigured && !policy.PasswordConfigured {
		return &AdmissionError{Reason: "totp_requires_password"}
	}
	if policy.MaxClients > 0 && currentClients >= policy.MaxClients {
		return &AdmissionError{Reason: "max_clients"}
	}
	if peerPath == "" && policy.AllowedIPs != nil && !policy.AllowedIPs.MatchString(normalizePeerIP(peerIP)) {
		return &AdmissionError{Reason: "ip_not_allowed"}
	}
	return nil
}

// normalizePeerIP strips the v4-in-v6 mapped prefix per §4.1 step 4.
func normalizePeerIP(ip net.IP) string {
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

// ListenerConfig is the fixed, per-endpoint configuration a Listener is
// built from.
type ListenerConfig struct {
	Spec          EndpointSpec
	TLS           *tls.Config
	Policy        AdmissionPolicy
	WSAllowOrigin *regexp.Regexp

	HandshakeTimeout time.Duration
	Tracer           *RawTracer

	NewHandler func(conn *Connection) ProtocolHandler
	NextConnID *uint64

	// DNSBLZones, if non-empty, adds an asynchronous DNS-blacklist check
	// (§4.2) run just after accept, rejecting the peer before any protocol
	// bytes are processed. Checked separately from checkAdmission's
	// synchronous policy since DNS lookups block on network I/O.
	DNSBLZones []string

	// Metrics, if set, records accept/admission outcomes for the
	// `/webirc/_status`-style debug view. Nil disables recording.
	Metrics *relaymetrics.Counters
}

// Listener is a bound socket accepting connections for one endpoint spec
// (§3 "Listener", §4.1).
type Listener struct {
	ID        int
	Spec      EndpointSpec
	StartTime time.Time

	cfg ListenerConfig

	mu                   sync.Mutex
	lastClientDisconnect time.Time

	netListener  net.Listener
	unixPath     string
	resolvedAddr string

	clients cmap.ConcurrentMap

	closed int32
}

// NewListener builds a Listener from cfg. Binding happens in Listen.
func NewListener(id int, cfg ListenerConfig) *Listener {
	return &Listener{
		ID:        id,
		Spec:      cfg.Spec,
		StartTime: time.Now(),
		cfg:       cfg,
		clients:   cmap.New(),
	}
}

// Listen binds and starts listening, per §4.1 create(endpoint_spec). Errors
// are bind_error, unix_path_exists_not_socket, or the error from removing a
// stale UNIX socket; duplicate_port/duplicate_path are reported by
// Core.AddListener before Listen is called.
func (l *Listener) Listen(resolvedAddr string) error {
	l.resolvedAddr = resolvedAddr
	var network string
	switch {
	case l.Spec.Unix:
		network = "unix"
		if err := checkUnixPath(resolvedAddr); err != nil {
			return err
		}
		l.unixPath = resolvedAddr
	case l.Spec.IPv6 && !l.Spec.IPv4:
		network = "tcp6"
	default:
		network = "tcp"
	}

	addr := resolvedAddr
	if network != "unix" {
		if _, _, err := net.SplitHostPort(resolvedAddr); err != nil {
			addr = net.JoinHostPort("", resolvedAddr)
		}
	}

	ln, err := net.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("relay: bind_error: %w", err)
	}
	l.netListener = ln
	return nil
}

// ResolvedAddr returns the bound address (port or UNIX path) this listener
// was given to Listen, used by Core.AddListener's duplicate_port/
// duplicate_path check (§3 "at most one listener per (port) or (unix
// path)").
func (l *Listener) ResolvedAddr() string { return l.resolvedAddr }

func checkUnixPath(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // doesn't exist: fine, we'll create it
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("relay: unix_path_exists_not_socket: %s", path)
	}
	// stale socket from a previous run; remove it so bind can succeed.
	return os.Remove(path)
}

// Close closes the listening socket and unlinks the UNIX path if this
// listener created it (§4.1 close()). Outstanding connections are
// unaffected.
func (l *Listener) Close() error {
	if !atomic.CompareAndSwapInt32(&l.closed, 0, 1) {
		return nil
	}
	err := l.netListener.Close()
	if l.unixPath != "" {
		os.Remove(l.unixPath)
	}
	return err
}

// AcceptLoop runs the accept loop until the listener is closed.
func (l *Listener) AcceptLoop() {
	for {
		conn, err := l.netListener.Accept()
		if err != nil {
			if atomic.LoadInt32(&l.closed) == 1 {
				return
			}
			continue
		}
		l.handleAccept(conn)
	}
}

func (l *Listener) handleAccept(raw net.Conn) {
	peerIP, peerPath := peerIdentity(raw)

	if err := checkAdmission(l.cfg.Policy, l.clients.Count(), peerIP, peerPath); err != nil {
		if l.cfg.Metrics != nil {
			if ae, ok := err.(*AdmissionError); ok {
				l.cfg.Metrics.IncRejected(ae.Reason)
			} else {
				l.cfg.Metrics.IncRejected("unknown")
			}
		}
		raw.Close()
		return
	}
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.IncAccepted()
	}

	id := atomic.AddUint64(l.cfg.NextConnID, 1)
	descriptor := fmt.Sprintf("%s:%d", l.Spec.String(), id)

	conn := NewConnection(raw, ConnectionConfig{
		ID:            id,
		Descriptor:    descriptor,
		RemoteAddr:    peerIP,
		ProtoKind:     protoKindFor(l.Spec.Protocol),
		ProtoArgs:     l.Spec.Name,
		DataType:      DataTextLine,
		WSAllowOrigin: l.cfg.WSAllowOrigin,
		Tracer:        l.cfg.Tracer,
	})
	conn.handler = l.cfg.NewHandler(conn)

	l.clients.Set(strconv.FormatUint(id, 10), conn)

	go func() {
		if len(l.cfg.DNSBLZones) > 0 && peerIP != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			blocked := dnsbl.IsBlocked(ctx, l.cfg.DNSBLZones, peerIP)
			cancel()
			if blocked {
				if l.cfg.Metrics != nil {
					l.cfg.Metrics.IncDNSBLBlocked()
				}
				conn.Close(fmt.Errorf("relay: dnsbl_blocked"))
				l.clients.Remove(strconv.FormatUint(id, 10))
				raw.Close()
				return
			}
		}
		conn.Start(l.cfg.TLS, l.cfg.HandshakeTimeout)
		<-conn.Done()
		l.mu.Lock()
		l.lastClientDisconnect = time.Now()
		l.mu.Unlock()
		// left registered in l.clients, terminal, until the core's purge
		// timer removes it (§5 "Purge of terminal-state clients") — this
		// is what lets a terminal connection stay around "for inspection".
	}()
}

func protoKindFor(protocol string) ProtocolKind {
	switch protocol {
	case "weechat":
		return ProtocolWeechatRich
	case "api":
		return ProtocolAPIHTTP
	default:
		return ProtocolIRC
	}
}

func peerIdentity(conn net.Conn) (net.IP, string) {
	addr := conn.RemoteAddr()
	if addr == nil {
		return nil, ""
	}
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP, ""
	case *net.UnixAddr:
		return nil, a.Name
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return nil, addr.String()
		}
		return net.ParseIP(host), ""
	}
}

// LastClientDisconnect returns the timestamp of the most recent client
// disconnect, used as a lower bound for backlog replay (§3).
func (l *Listener) LastClientDisconnect() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastClientDisconnect
}

// RestoreLastClientDisconnect seeds lastClientDisconnect from a crash-safe
// state dump (§4.12). Core.RestoreStateDump calls it after the accept loop
// has started, so a connection accepted before then sees the earlier value.
func (l *Listener) RestoreLastClientDisconnect(t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastClientDisconnect = t
}

// ClientCount returns the number of currently tracked connections.
func (l *Listener) ClientCount() int { return l.clients.Count() }

// RemoveConnection drops a connection from the registry, freeing it for
// garbage collection (§5 "Purge of terminal-state clients").
func (l *Listener) RemoveConnection(id uint64) {
	l.clients.Remove(strconv.FormatUint(id, 10))
}

// Connections returns a snapshot of currently tracked connections.
func (l *Listener) Connections() []*Connection {
	out := make([]*Connection, 0, l.clients.Count())
	for item := range l.clients.IterBuffered() {
		if c, ok := item.Val.(*Connection); ok {
			out = append(out, c)
		}
	}
	return out
}
