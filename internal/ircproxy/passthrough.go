package ircproxy

import (
	"fmt"
	"strings"

	"github.com/weechat-relay/relayd/internal/ircmsg"
	"github.com/weechat-relay/relayd/internal/upstream"
)

// relayWorthyCommands are the commands the outbound reflector (§4.9) will
// synthesize a self-echo for when the upstream lacks echo-message.
var relayWorthyCommands = map[string]bool{"PRIVMSG": true, "NOTICE": true}

func (s *Session) subscribeUpstream() {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()
	if server == nil {
		return
	}

	subs := []upstream.Subscription{
		server.SubscribeInbound(s.onUpstreamInbound),
		server.SubscribeOutboundTagged(s.onUpstreamOutboundTagged),
		server.SubscribeDisconnected(s.onUpstreamDisconnected),
		server.SubscribeRedirection(s.conn.ID, s.onRedirectionResult),
	}

	s.mu.Lock()
	s.subs = subs
	s.mu.Unlock()
}

// unsubscribeUpstream cancels every active subscription exactly once (§9:
// "Subscriptions must be cancelable exactly once on disconnect").
func (s *Session) unsubscribeUpstream() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		if sub != nil {
			sub.Cancel()
		}
	}
}

// onUpstreamInbound mirrors irc_in2_* traffic to the client (§4.9). The
// nick/echo-message tracking runs regardless of registration status so that
// CAP LS (sent before registration completes) already reflects the current
// upstream echo-message state; only the client-visible mirroring is gated
// on registration.
func (s *Session) onUpstreamInbound(ev upstream.Event) {
	if s.recentInbound.seen(ev.Line) {
		return
	}

	msg, err := ircmsg.Parse(ev.Line)
	if err != nil {
		return
	}

	if msg.Command == "NICK" && strings.EqualFold(msg.Prefix.Name, s.nickOrStar()) {
		if newNick := msg.Param(0); newNick != "" {
			s.mu.Lock()
			s.nick = newNick
			s.mu.Unlock()
		}
	}

	if msg.Command == "CAP" && len(msg.Params) >= 2 {
		switch strings.ToUpper(msg.Params[1]) {
		case "ACK", "NAK":
			for _, c := range strings.Fields(msg.Trailing()) {
				switch c {
				case "echo-message":
					s.setEchoMessage(true)
				case "-echo-message":
					s.setEchoMessage(false)
				}
			}
		}
	}

	if !s.isRegistered() {
		return
	}
	if msg.Command == "PING" || msg.Command == "PONG" {
		return
	}

	if msg.Prefix.Empty() {
		msg.Prefix = ircmsg.Prefix{Name: s.cfg.AdvertisedHost}
	}
	s.conn.SendLine(msg.String())
}

// onUpstreamOutboundTagged implements the loop-suppression and self-echo
// synthesis of §4.9 (§8 "loopback" invariant).
func (s *Session) onUpstreamOutboundTagged(ev upstream.Event) {
	if !s.isRegistered() {
		return
	}

	selfTag := fmt.Sprintf("relay_client_%d", s.conn.ID)
	if _, tagged := ev.Tags[selfTag]; tagged {
		return
	}

	msg, err := ircmsg.Parse(ev.Line)
	if err != nil || !relayWorthyCommands[msg.Command] {
		return
	}

	s.mu.Lock()
	echo := s.echoMessageEnabled
	myNick := s.nick
	s.mu.Unlock()
	if echo {
		return
	}

	out := &ircmsg.Message{
		Prefix:  ircmsg.Prefix{Name: myNick, User: "weechat", Host: "proxy"},
		Command: msg.Command,
		Params:  msg.Params,
	}
	s.conn.SendLine(out.String())
}

func (s *Session) onUpstreamDisconnected() {
	s.conn.Close(fmt.Errorf("ircproxy: upstream disconnected"))
}

// onRedirectionResult implements the redirection-completion half of §4.9:
// the accumulated output is split on "\n" and sent verbatim.
func (s *Session) onRedirectionResult(res upstream.RedirectionResult) {
	for _, line := range strings.Split(res.Output, "\n") {
		if line == "" {
			continue
		}
		s.conn.SendLine(line)
	}
}
