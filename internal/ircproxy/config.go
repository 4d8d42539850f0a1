// Package ircproxy implements the IRC-proxy protocol state machine (§4.4,
// §4.8–§4.11): password/NICK/USER/CAP registration, welcome-block synthesis,
// transparent IRC pass-through between a relay client and the host's
// upstream IRC session, per-channel backlog replay, loop-back suppression
// via client-id tags, and redirection of synchronous queries (WHOIS, NAMES,
// …). It implements relay.ProtocolHandler and consumes the collaborator
// interfaces in internal/upstream.
package ircproxy

import (
	"time"

	"github.com/gobwas/glob"

	"github.com/weechat-relay/relayd/internal/upstream"
)

// ServerResolver looks up the upstream.Server a session should attach to,
// given the server name carried by the listener's endpoint spec or an
// explicit "PASS server:password" prefix (§4.4/§6).
type ServerResolver func(name string) (upstream.Server, error)

// BacklogConfig mirrors the irc.backlog_* configuration keys (§6, §4.10).
type BacklogConfig struct {
	MaxNumber           int
	MaxMinutes          int
	SinceLastDisconnect bool
	SinceLastMessage    bool
	Tags                []glob.Glob
	TimeFormat          string // strftime format string (e.g. "%H:%M:%S"), translated by ncruces/go-strftime; "" disables
}

// Config is the fixed, per-listener configuration a Session is built from.
type Config struct {
	AdvertisedHost string // e.g. "weechat.relay.irc"
	Version        string

	Password string // configured network.password, before per-comparison eval
	Eval     upstream.StringEval

	AuthTimeout time.Duration
	Resolver    ServerResolver
	Backlog     BacklogConfig

	// ClientCounter answers the live connection count backing the 251/255
	// welcome numerics (SPEC_FULL §6 "Per-listener client counters").
	ClientCounter func() int
	// LastDisconnect answers the listener's last-client-disconnect
	// timestamp, used as a backlog lower bound (§3, §4.10).
	LastDisconnect func() time.Time
	ListenerStart  time.Time
}

// CompileBacklogTags compiles the comma-split irc.backlog_tags configuration
// value (or the bare "*" wildcard) into glob matchers.
func CompileBacklogTags(raw []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(raw))
	for _, pattern := range raw {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}
