package ircproxy

import (
	"fmt"
	"sync"
	"time"

	"github.com/weechat-relay/relayd/internal/httpreq"
	"github.com/weechat-relay/relayd/internal/ircmsg"
	"github.com/weechat-relay/relayd/internal/relay"
	"github.com/weechat-relay/relayd/internal/upstream"
)

// Session is the per-connection IRC-proxy state machine (§3 "IRC-proxy
// substate", §4.4, §4.8–§4.11). One Session is created per accepted
// connection by a relay.Listener configured with NewHandlerFactory.
type Session struct {
	cfg  Config
	conn *relay.Connection

	mu sync.Mutex

	server     upstream.Server
	serverName string

	nick     string
	user     string
	realname string

	passSupplied string

	userReceived   bool
	capLSReceived  bool
	capEndReceived bool
	registered     bool

	caps               map[string]bool
	echoMessageEnabled bool

	authTimer *time.Timer
	subs      []upstream.Subscription

	recentInbound *dedupRing
}

// NewSession builds an unregistered Session bound to cfg.
func NewSession(cfg Config) *Session {
	return &Session{cfg: cfg, caps: make(map[string]bool), recentInbound: newDedupRing(32)}
}

// NewHandlerFactory returns a relay.Listener NewHandler callback that builds
// a fresh Session per accepted connection, sharing cfg across the
// listener's lifetime.
func NewHandlerFactory(cfg Config) func(conn *relay.Connection) relay.ProtocolHandler {
	return func(conn *relay.Connection) relay.ProtocolHandler {
		return NewSession(cfg)
	}
}

// --- relay.ProtocolHandler ---

func (s *Session) OnReady(conn *relay.Connection) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if s.cfg.Resolver != nil {
		if srv, err := s.cfg.Resolver(conn.ProtoArgs); err == nil {
			s.setServer(srv, conn.ProtoArgs)
		}
	}

	initial := relay.StateAuthenticating
	if s.cfg.Password == "" {
		initial = relay.StateConnected
	}
	conn.Transition(initial)

	if s.cfg.AuthTimeout > 0 {
		s.mu.Lock()
		s.authTimer = time.AfterFunc(s.cfg.AuthTimeout, s.onAuthTimeout)
		s.mu.Unlock()
	}
}

func (s *Session) OnLine(conn *relay.Connection, line string) {
	if line == "" {
		return
	}
	msg, err := ircmsg.Parse(line)
	if err != nil {
		return // protocol: malformed client lines are tolerated, not fatal (§7)
	}
	s.dispatch(msg)
}

func (s *Session) OnMultiline(conn *relay.Connection, payload []byte, binary bool) {
	// The IRC-proxy protocol only ever uses text-line framing; multi-line
	// units belong to the weechat-rich/api-http protocol kinds, which are
	// out of this spec's detailed scope (§1).
}

func (s *Session) OnHTTPRequest(conn *relay.Connection, req *httpreq.Request) {
	// Same rationale as OnMultiline: the api-http protocol kind is not
	// specified beyond its endpoint-spec grammar.
}

func (s *Session) OnStateChange(conn *relay.Connection, from, to relay.State) {
	if to == relay.StateConnected || to.Terminal() {
		s.mu.Lock()
		if s.authTimer != nil {
			s.authTimer.Stop()
		}
		s.mu.Unlock()
	}
	if to.Terminal() {
		s.unsubscribeUpstream()
	}
}

func (s *Session) onAuthTimeout() {
	if s.conn.State() == relay.StateConnected {
		return
	}
	s.failAuth("connection timeout")
}

// --- shared helpers ---

func (s *Session) isRegistered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

func (s *Session) nickOrStar() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nick == "" {
		return "*"
	}
	return s.nick
}

func (s *Session) setEchoMessage(v bool) {
	s.mu.Lock()
	s.echoMessageEnabled = v
	s.mu.Unlock()
}

// setServer installs srv as the session's upstream server, switching the
// active subscription set if one was already resolved (PASS overriding the
// listener-level arg, §4.4).
func (s *Session) setServer(srv upstream.Server, name string) {
	s.mu.Lock()
	hadServer := s.server != nil
	s.server = srv
	s.serverName = name
	s.mu.Unlock()

	if hadServer {
		s.unsubscribeUpstream()
	}
	s.subscribeUpstream()
}

func (s *Session) sendNumeric(numeric string, params ...string) {
	msg := &ircmsg.Message{Prefix: ircmsg.Prefix{Name: s.cfg.AdvertisedHost}, Command: numeric, Params: params}
	s.conn.SendLine(msg.String())
}

func (s *Session) failAuth(reason string) {
	s.conn.SendLine(fmt.Sprintf(":%s ERROR :WeeChat: %s", s.cfg.AdvertisedHost, reason))
	s.conn.Transition(relay.StateAuthFailed)
}
