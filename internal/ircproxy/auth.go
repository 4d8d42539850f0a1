package ircproxy

import (
	"strings"

	"github.com/weechat-relay/relayd/internal/ircmsg"
	"github.com/weechat-relay/relayd/internal/relay"
)

// handlePass implements the PASS half of §4.4: both "PASS password" and
// "PASS server:password" are accepted (§9 open question 2); a server name
// overrides the listener-level upstream arg.
func (s *Session) handlePass(msg *ircmsg.Message) {
	raw := msg.Trailing()

	serverName := ""
	password := raw
	if idx := strings.IndexByte(raw, ':'); idx >= 0 {
		serverName = raw[:idx]
		password = raw[idx+1:]
	}

	s.mu.Lock()
	s.passSupplied = password
	s.mu.Unlock()

	if serverName == "" || s.cfg.Resolver == nil {
		return
	}
	if srv, err := s.cfg.Resolver(serverName); err == nil {
		s.setServer(srv, serverName)
	}
}

// handleNick only updates the locally recorded nick (§4.8: "also forwarded
// passively by updating internal state only" — the upstream session's
// actual nick is shared across every client of the bouncer and is never
// renamed on a client's behalf).
func (s *Session) handleNick(msg *ircmsg.Message) {
	nick := msg.Param(0)
	if nick == "" {
		return
	}
	s.mu.Lock()
	s.nick = nick
	s.mu.Unlock()
}

func (s *Session) handleUser(msg *ircmsg.Message) {
	s.mu.Lock()
	s.user = msg.Param(0)
	s.realname = msg.Trailing()
	s.userReceived = true
	s.mu.Unlock()
}

func (s *Session) handlePing(msg *ircmsg.Message) {
	token := msg.Trailing()
	if token == "" {
		token = msg.Param(0)
	}
	s.conn.SendLine(":" + s.cfg.AdvertisedHost + " PONG " + s.cfg.AdvertisedHost + " :" + token)
}

// maybeCompleteRegistration implements the registration gate of §4.4: nick
// set, USER received, and (when CAP LS was requested) CAP END received.
func (s *Session) maybeCompleteRegistration() {
	s.mu.Lock()
	if s.registered {
		s.mu.Unlock()
		return
	}
	if s.nick == "" || !s.userReceived {
		s.mu.Unlock()
		return
	}
	if s.capLSReceived && !s.capEndReceived {
		s.mu.Unlock()
		return
	}
	server := s.server
	passSupplied := s.passSupplied
	s.mu.Unlock()

	if server == nil {
		s.failAuth("no upstream server configured")
		return
	}
	if !s.checkPassword(passSupplied) {
		s.failAuth("password error")
		return
	}

	s.mu.Lock()
	s.registered = true
	s.mu.Unlock()

	if s.conn.State() != relay.StateConnected {
		s.conn.Transition(relay.StateConnected)
	}
	s.sendWelcome()
}

// checkPassword compares the supplied password to the configured one after
// evaluating both sides (§4.4: "shell-style expression evaluation of both
// sides"). An unconfigured password (already gated by the admission policy's
// allow_empty_password check) always passes.
func (s *Session) checkPassword(supplied string) bool {
	if s.cfg.Password == "" {
		return true
	}
	want := s.cfg.Password
	have := supplied
	if s.cfg.Eval != nil {
		if v, err := s.cfg.Eval(want); err == nil {
			want = v
		}
		if v, err := s.cfg.Eval(have); err == nil {
			have = v
		}
	}
	return have == want
}
