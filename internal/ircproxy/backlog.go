package ircproxy

import (
	"math"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"

	"github.com/weechat-relay/relayd/internal/ircmsg"
	"github.com/weechat-relay/relayd/internal/upstream"
)

// replayBacklog implements §4.10: backward-bounded cutoff, then forward
// replay filtered by configured backlog tags.
func (s *Session) replayBacklog(ch upstream.ChannelInfo) {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()
	if server == nil {
		return
	}

	store := server.Lines(ch.Name)
	if store == nil {
		return
	}

	cutoff := s.backlogCutoff(store)
	store.Forward(cutoff, func(line upstream.StoredLine) {
		if !s.backlogTagAllowed(line.Tags) {
			return
		}
		s.emitBacklogLine(ch.Name, line)
	})
}

// backlogCutoff walks the store backward applying the §4.10 bounds (count,
// age, since-last-disconnect, since-own-last-message) and returns the
// UnixNano of the oldest line still within bounds, or math.MaxInt64 when no
// line is within bounds, so that the forward replay emits nothing.
func (s *Session) backlogCutoff(store upstream.LineStore) int64 {
	cfg := s.cfg.Backlog

	var since int64
	if cfg.SinceLastDisconnect && s.cfg.LastDisconnect != nil {
		if t := s.cfg.LastDisconnect(); !t.IsZero() {
			since = t.UnixNano()
		}
	}
	if cfg.SinceLastMessage {
		if ownSince := s.lastOwnMessageUnixNano(store); ownSince > since {
			since = ownSince
		}
	}

	var maxAge int64
	if cfg.MaxMinutes > 0 {
		maxAge = time.Now().Add(-time.Duration(cfg.MaxMinutes) * time.Minute).UnixNano()
	}

	var cutoff int64
	count := 0
	store.Backward(func(line upstream.StoredLine) bool {
		if line.UnixNano < since {
			return false
		}
		if maxAge > 0 && line.UnixNano < maxAge {
			return false
		}
		if cfg.MaxNumber > 0 && count >= cfg.MaxNumber {
			return false
		}
		cutoff = line.UnixNano
		count++
		return true
	})
	if count == 0 {
		return math.MaxInt64
	}
	return cutoff
}

func (s *Session) lastOwnMessageUnixNano(store upstream.LineStore) int64 {
	myNick := s.nickOrStar()
	var found int64
	store.Backward(func(line upstream.StoredLine) bool {
		if strings.EqualFold(line.Nick, myNick) {
			found = line.UnixNano
			return false
		}
		return true
	})
	return found
}

func (s *Session) backlogTagAllowed(tags []string) bool {
	patterns := s.cfg.Backlog.Tags
	if len(patterns) == 0 {
		return false
	}
	for _, t := range tags {
		for _, g := range patterns {
			if g.Match(t) {
				return true
			}
		}
	}
	return false
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

// reconstructBacklogLine rebuilds the synthesized IRC line for one stored
// line per its tags (§4.10): JOIN/PART/QUIT/NICK from nick/host, PRIVMSG
// from nick/text (wrapped as a CTCP ACTION when tagged irc_action).
func reconstructBacklogLine(channel string, line upstream.StoredLine) *ircmsg.Message {
	prefix := ircmsg.Prefix{Name: line.Nick, Host: line.Host}

	switch {
	case hasTag(line.Tags, "irc_join"):
		return &ircmsg.Message{Prefix: prefix, Command: "JOIN", Params: []string{channel}}

	case hasTag(line.Tags, "irc_part"):
		params := []string{channel}
		if line.Text != "" {
			params = append(params, line.Text)
		}
		return &ircmsg.Message{Prefix: prefix, Command: "PART", Params: params}

	case hasTag(line.Tags, "irc_quit"):
		return &ircmsg.Message{Prefix: prefix, Command: "QUIT", Params: []string{line.Text}}

	case hasTag(line.Tags, "irc_nick"):
		return &ircmsg.Message{Prefix: prefix, Command: "NICK", Params: []string{line.Text}}

	case hasTag(line.Tags, "irc_privmsg"):
		text := line.Text
		if hasTag(line.Tags, "irc_action") {
			text = "\x01ACTION " + text + "\x01"
		}
		return &ircmsg.Message{Prefix: prefix, Command: "PRIVMSG", Params: []string{channel, text}}

	default:
		return nil
	}
}

// emitBacklogLine sends one reconstructed backlog line, tagging it with
// server-time when the client has that cap, else optionally prefixing the
// message body with a user-formatted timestamp (§4.10).
func (s *Session) emitBacklogLine(channel string, line upstream.StoredLine) {
	msg := reconstructBacklogLine(channel, line)
	if msg == nil {
		return
	}

	switch {
	case s.hasCap("server-time"):
		msg.Tags = ircmsg.Tags{"time": time.Unix(0, line.UnixNano).UTC().Format("2006-01-02T15:04:05.000Z")}
	case s.cfg.Backlog.TimeFormat != "" && msg.Command == "PRIVMSG" && len(msg.Params) > 0:
		ts := strftime.Format(s.cfg.Backlog.TimeFormat, time.Unix(0, line.UnixNano))
		last := len(msg.Params) - 1
		msg.Params[last] = ts + " " + msg.Params[last]
	}

	s.conn.SendLine(msg.String())
}
