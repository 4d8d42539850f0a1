package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/weechat-relay/relayd/internal/authhash"
	"github.com/weechat-relay/relayd/internal/httpreq"
	"github.com/weechat-relay/relayd/internal/wsframe"
)

// ProtocolKind is the upper-level protocol a Connection speaks (§3). Only
// irc-proxy is fully specified; the others are recognized so the data
// model and listener endpoint parsing stay complete.
type ProtocolKind int

const (
	ProtocolIRC ProtocolKind = iota
	ProtocolWeechatRich
	ProtocolAPIHTTP
)

// ProtocolHandler is the upper protocol state machine a Connection
// dispatches framed units to (§4.3/§4.4). ircproxy.Session implements this.
type ProtocolHandler interface {
	// OnReady fires once the transport is usable (TLS handshake done, or
	// immediately for plain connections), so the handler can set the
	// initial post-connecting state (§4.2: connected or authenticating).
	OnReady(conn *Connection)
	OnLine(conn *Connection, line string)
	OnMultiline(conn *Connection, payload []byte, binary bool)
	OnHTTPRequest(conn *Connection, req *httpreq.Request)
	// OnStateChange fires after conn's state has already transitioned.
	OnStateChange(conn *Connection, from, to State)
}

// Stats mirrors the §3 "Stats" fields.
type Stats struct {
	ConnectedAt  time.Time
	LastActivity time.Time
	BytesIn      uint64
	BytesOut     uint64
}

// Connection is a single accepted peer with its protocol state (§3, §4.2).
type Connection struct {
	ID         uint64
	Descriptor string
	RemoteAddr net.IP
	RealIP     net.IP // optional reverse-proxy override, nil if unset
	ProtoKind  ProtocolKind
	ProtoArgs  string

	Nonce      string
	HashAlgo   authhash.HashAlgo
	PasswordOK bool

	mu    sync.Mutex
	state State
	stats Stats

	conn  net.Conn
	tlsOK bool

	dataType DataType
	framer   *Framer
	outbound *OutboundQueue
	tracer   *RawTracer

	wsEncoder     *wsframe.Encoder
	wsActive      bool
	wsAllowOrigin *regexp.Regexp

	handler ProtocolHandler

	closeOnce  sync.Once
	done       chan struct{}
	closeErr   error
	terminalAt time.Time
}

// ConnectionConfig groups the per-connection settings a Listener supplies when
// accepting a new peer.
type ConnectionConfig struct {
	ID         uint64
	Descriptor string
	RemoteAddr net.IP
	ProtoKind  ProtocolKind
	ProtoArgs  string
	DataType   DataType

	TLSConfig            *tls.Config // non-nil if this endpoint requires TLS
	TLSHandshakeDeadline time.Duration
	WSAllowOrigin        *regexp.Regexp

	Tracer  *RawTracer
	Handler ProtocolHandler
}

// NewConnection wraps an accepted net.Conn as a relay Connection, wiring
// the framing and outbound-queue collaborators (§4.3/§4.7).
func NewConnection(raw net.Conn, cfg ConnectionConfig) *Connection {
	c := &Connection{
		ID:            cfg.ID,
		Descriptor:    cfg.Descriptor,
		RemoteAddr:    cfg.RemoteAddr,
		ProtoKind:     cfg.ProtoKind,
		ProtoArgs:     cfg.ProtoArgs,
		state:         StateConnecting,
		conn:          raw,
		dataType:      cfg.DataType,
		tracer:        cfg.Tracer,
		wsAllowOrigin: cfg.WSAllowOrigin,
		handler:       cfg.Handler,
		done:          make(chan struct{}),
		stats:         Stats{ConnectedAt: time.Now(), LastActivity: time.Now()},
	}

	c.framer = NewFramer(cfg.DataType, c, func(req *httpreq.Request, leftover []byte) {
		c.handleUpgradeRequest(req, leftover)
	})

	c.outbound = NewOutboundQueue(raw, c.tracer, c.encodeOutbound, func(err error) {
		c.Close(fmt.Errorf("io: %w", err))
	})

	return c
}

// Start performs the optional TLS handshake (§4.2), then begins the read
// loop. It returns once the connection has entered a terminal state.
func (c *Connection) Start(tlsConfig *tls.Config, handshakeTimeout time.Duration) {
	if tlsConfig != nil {
		if !c.doTLSHandshake(tlsConfig, handshakeTimeout) {
			return
		}
	}

	c.handler.OnReady(c)
	c.readLoop()
}

func (c *Connection) doTLSHandshake(tlsConfig *tls.Config, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tlsConn := tls.Server(c.conn, tlsConfig)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- tlsConn.HandshakeContext(ctx) }()

	select {
	case err := <-errCh:
		if err != nil {
			c.Close(fmt.Errorf("tls_handshake: %w", err))
			return false
		}
	case <-ctx.Done():
		c.Close(fmt.Errorf("tls_handshake: %w", ctx.Err()))
		return false
	}

	c.mu.Lock()
	c.conn = tlsConn
	c.tlsOK = true
	c.mu.Unlock()
	return true
}

// State returns the connection's current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transition moves the connection to a new state, enforcing §4.2's
// transition diagram. It is a no-op (false) if the transition is invalid
// or the connection is already in a terminal state.
func (c *Connection) Transition(to State) bool {
	c.mu.Lock()
	from := c.state
	if !validTransition(from, to) {
		c.mu.Unlock()
		return false
	}
	c.state = to
	c.mu.Unlock()

	c.handler.OnStateChange(c, from, to)

	if to.Terminal() {
		c.enterTerminal()
	}
	return true
}

func (c *Connection) enterTerminal() {
	c.outbound.Close()
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.terminalAt = time.Now()
		c.mu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

// TerminalAt returns when the connection entered a terminal state, or the
// zero time if it is still live. Used by the purge timer (§5).
func (c *Connection) TerminalAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminalAt
}

// Close transitions the connection to disconnected, recording err as the
// reason (nil for a clean shutdown).
func (c *Connection) Close(err error) {
	c.mu.Lock()
	already := c.closeErr != nil
	if !already {
		c.closeErr = err
		if err == nil {
			c.closeErr = errors.New("closed")
		}
	}
	c.mu.Unlock()
	if !already {
		c.Transition(StateDisconnected)
	}
}

// Done returns a channel closed once the connection has reached a terminal
// state.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) readLoop() {
	buf := make([]byte, 16*1024)
	for {
		select {
		case <-c.done:
			return
		default:
		}

		n, err := c.conn.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.stats.BytesIn += uint64(n)
			c.stats.LastActivity = time.Now()
			c.mu.Unlock()

			if c.tracer != nil {
				c.tracer.Record(RawMessage{Time: time.Now(), Out: false, Type: MsgStandard, Payload: append([]byte(nil), buf[:n]...)})
			}

			if ferr := c.framer.Feed(buf[:n]); ferr != nil {
				c.Close(fmt.Errorf("framing: %w", ferr))
				return
			}
		}
		if err != nil {
			c.Close(fmt.Errorf("io: %w", err))
			return
		}
	}
}

// --- FramerHandler ---

func (c *Connection) OnLine(line string) { c.handler.OnLine(c, line) }

func (c *Connection) OnMultiline(payload []byte, binary bool) {
	c.handler.OnMultiline(c, payload, binary)
}

func (c *Connection) OnHTTPRequest(req *httpreq.Request) { c.handler.OnHTTPRequest(c, req) }

func (c *Connection) OnWebSocketControl(opcode wsframe.Opcode, payload []byte) {
	switch opcode {
	case wsframe.OpPing:
		c.outbound.Send(MsgPong, payload)
	case wsframe.OpClose:
		c.outbound.Send(MsgClose, payload)
		c.Close(nil)
	}
	// an unsolicited, empty PONG is already dropped by the decoder.
}

func (c *Connection) handleUpgradeRequest(req *httpreq.Request, leftover []byte) {
	upgrade, err := wsframe.Negotiate(req, c.wsAllowOrigin)
	if err != nil {
		c.writeRaw([]byte("HTTP/1.1 403 Forbidden\r\n\r\n"))
		c.Close(fmt.Errorf("framing: %w", err))
		return
	}

	for _, line := range upgrade.ResponseLines {
		if line != "" {
			c.writeRaw([]byte(line + "\r\n"))
		}
	}
	c.writeRaw([]byte("\r\n"))

	decoder := wsframe.NewDecoder(upgrade.Deflate)
	c.mu.Lock()
	c.wsEncoder = wsframe.NewEncoder(upgrade.Deflate)
	c.wsActive = true
	c.mu.Unlock()

	c.framer.EnableWebSocket(decoder)

	if len(leftover) > 0 {
		if err := c.framer.Feed(leftover); err != nil {
			c.Close(fmt.Errorf("framing: %w", err))
		}
	}
}

func (c *Connection) writeRaw(b []byte) {
	c.conn.Write(b)
}

func (c *Connection) encodeOutbound(msgType MsgType, payload []byte) []byte {
	c.mu.Lock()
	active := c.wsActive
	enc := c.wsEncoder
	dataType := c.dataType
	c.mu.Unlock()

	if !active {
		return payload
	}

	opcode := wsframe.OpText
	if dataType == DataBinary {
		opcode = wsframe.OpBinary
	}
	switch msgType {
	case MsgPing:
		opcode = wsframe.OpPing
	case MsgPong:
		opcode = wsframe.OpPong
	case MsgClose:
		opcode = wsframe.OpClose
	}
	return enc.Encode(opcode, payload)
}

// SendLine queues a single protocol line for transmission, appending the
// wire terminator only for non-WebSocket transports (§4.6: a WebSocket
// TEXT frame already carries exactly one logical message).
func (c *Connection) SendLine(line string) {
	c.mu.Lock()
	active := c.wsActive
	c.mu.Unlock()

	payload := []byte(line)
	if !active {
		payload = append(payload, '\r', '\n')
	}
	c.mu.Lock()
	c.stats.BytesOut += uint64(len(payload))
	c.mu.Unlock()
	c.outbound.Send(MsgStandard, payload)
}

// SendBinary queues a raw binary payload (used by the binary data type).
func (c *Connection) SendBinary(payload []byte) {
	c.outbound.Send(MsgStandard, payload)
}

// Stats returns a copy of the connection's current statistics.
func (c *Connection) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// TLSOK reports whether a TLS handshake completed successfully.
func (c *Connection) TLSOK() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tlsOK
}
