package ircproxy

import (
	"context"
	"fmt"
	"strings"

	"github.com/weechat-relay/relayd/internal/ircmsg"
	"github.com/weechat-relay/relayd/internal/upstream"
)

// dispatch routes one parsed client line per §4.8.
func (s *Session) dispatch(msg *ircmsg.Message) {
	switch msg.Command {
	case "PASS":
		s.handlePass(msg)
	case "NICK":
		s.handleNick(msg)
	case "USER":
		s.handleUser(msg)
	case "CAP":
		if !s.isRegistered() {
			s.handleCap(msg)
		}
	case "PING":
		s.handlePing(msg)
	case "PONG", "QUIT":
		// explicitly ignored (§4.8): the client may disconnect freely.
	default:
		if !s.isRegistered() {
			return
		}
		switch msg.Command {
		case "JOIN":
			s.forwardJoinPart(msg, true)
		case "PART":
			s.forwardJoinPart(msg, false)
		case "NOTICE":
			s.forwardNotice(msg)
		case "PRIVMSG":
			s.forwardPrivmsg(msg)
		default:
			s.forwardRaw(msg)
		}
	}

	s.maybeCompleteRegistration()
}

func (s *Session) forwardJoinPart(msg *ircmsg.Message, join bool) {
	target := msg.Param(0)
	if target == "" {
		return
	}
	verb := "part"
	if join {
		verb = "join"
	}
	payload := "/" + verb + " " + target
	if !join {
		if reason := msg.Param(1); reason != "" {
			payload += " " + reason
		}
	}
	s.server.SendInput(context.Background(), target, nil, payload)
}

func (s *Session) forwardNotice(msg *ircmsg.Message) {
	target := msg.Param(0)
	if target == "" {
		return
	}
	payload := fmt.Sprintf("/notice %s %s", target, msg.Trailing())
	s.server.SendInput(context.Background(), target, nil, payload)
}

// forwardPrivmsg implements §4.8's target-dependent PRIVMSG routing: a
// channel target is sent as a plain channel-buffer input, a non-channel
// (nick) target is translated to a "/query <nick> <text>" input, matching
// relay-irc.c's irc_is_channel branch for PRIVMSG.
func (s *Session) forwardPrivmsg(msg *ircmsg.Message) {
	target := msg.Param(0)
	if target == "" {
		return
	}
	opts := []upstream.SendOption{upstream.OptPriorityHigh, upstream.OptUserMessage}
	if s.server.IsChannel(target) {
		s.server.SendInput(context.Background(), target, opts, msg.Trailing())
		return
	}
	payload := fmt.Sprintf("/query %s %s", target, msg.Trailing())
	s.server.SendInput(context.Background(), target, opts, payload)
}

// forwardRaw sends an unrecognized command verbatim to the upstream (§7:
// "no heuristic guesses: if the command cannot be mapped, it is forwarded
// verbatim"), registering a redirection when the command is one of the
// synchronous-reply commands of §4.8.
func (s *Session) forwardRaw(msg *ircmsg.Message) {
	ctx := context.Background()
	raw := "/quote " + msg.String()

	if pattern, target, ok := redirectionFor(msg, s.server.IsChannel); ok {
		s.server.RegisterRedirection(ctx, s.conn.ID, pattern, target, raw)
		return
	}
	s.server.SendInput(ctx, "", nil, raw)
}

// redirectionFor implements the pattern table of §4.8.
func redirectionFor(msg *ircmsg.Message, isChannel func(string) bool) (pattern, target string, ok bool) {
	switch msg.Command {
	case "MODE":
		target = msg.Param(0)
		if target == "" {
			return "", "", false
		}
		if !isChannel(target) {
			return "mode_user", target, true
		}
		if len(msg.Params) < 2 {
			return "mode_channel", target, true
		}
		switch strings.TrimLeft(msg.Params[1], "+-") {
		case "b":
			return "mode_channel_ban", target, true
		case "e":
			return "mode_channel_ban_exception", target, true
		case "I":
			return "mode_channel_invite", target, true
		default:
			return "mode_channel", target, true
		}

	case "ISON", "LIST", "TIME", "USERHOST":
		return strings.ToLower(msg.Command), "", true

	case "NAMES", "TOPIC", "WHO", "WHOIS", "WHOWAS":
		return strings.ToLower(msg.Command), msg.Param(0), true

	default:
		return "", "", false
	}
}
