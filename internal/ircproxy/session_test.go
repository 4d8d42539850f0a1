package ircproxy

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weechat-relay/relayd/internal/relay"
	"github.com/weechat-relay/relayd/internal/upstream"
)

// TestHappyLogin mirrors §8 scenario 1: PASS/NICK/USER registers and
// the full welcome block (001-005, 251, 255, 422) plus a channel JOIN is sent.
func TestHappyLogin(t *testing.T) {
	srv := upstream.NewMemoryServer("freenode")
	srv.SetInfo(upstream.ServerInfo{
		Nick:     "relaynick",
		ISupport: map[string]string{"NETWORK": "freenode"},
		Channels: []upstream.ChannelInfo{
			{Name: "#weechat", Type: "channel", Nicks: []string{"relaynick", "bob"}, Topic: "welcome"},
		},
	})

	cfg := baseTestConfig(srv)
	cfg.Password = "secret"
	_, _, clientSide := newTestSession(t, cfg)

	sendClientLine(t, clientSide, "PASS secret")
	sendClientLine(t, clientSide, "NICK relaynick")
	sendClientLine(t, clientSide, "USER relay 0 * :Relay User")

	lines := readLines(t, clientSide, 12)
	joined := strings.Join(lines, "\n")

	require.Contains(t, lines[0], "001", "001 should be the first welcome line")
	require.Contains(t, joined, "JOIN :#weechat")
	require.Contains(t, joined, "332")
	require.Contains(t, joined, "welcome")
	require.Contains(t, joined, "353")
	require.Contains(t, joined, "bob")
}

// TestBadPassword mirrors §8 scenario 2: a wrong password fails auth instead
// of completing registration.
func TestBadPassword(t *testing.T) {
	srv := upstream.NewMemoryServer("freenode")
	srv.SetInfo(upstream.ServerInfo{Nick: "relaynick"})

	cfg := baseTestConfig(srv)
	cfg.Password = "secret"
	_, conn, clientSide := newTestSession(t, cfg)

	sendClientLine(t, clientSide, "PASS wrong")
	sendClientLine(t, clientSide, "NICK relaynick")
	sendClientLine(t, clientSide, "USER relay 0 * :Relay User")

	lines := readLines(t, clientSide, 1)
	require.Contains(t, lines[0], "ERROR")

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, relay.StateAuthFailed, conn.State())
}

// TestCapEchoMessageReflectsUpstream mirrors §8's cap-subset scenario: CAP LS
// only advertises echo-message once the upstream's own CAP ACK has been
// observed on the inbound mirror stream.
func TestCapEchoMessageReflectsUpstream(t *testing.T) {
	srv := upstream.NewMemoryServer("freenode")
	srv.SetInfo(upstream.ServerInfo{Nick: "relaynick"})

	cfg := baseTestConfig(srv)
	_, _, clientSide := newTestSession(t, cfg)

	sendClientLine(t, clientSide, "CAP LS")
	lines := readLines(t, clientSide, 1)
	require.NotContains(t, lines[0], "echo-message", "no echo-message before upstream ack")

	srv.PushInbound(":irc.example.net CAP * ACK :echo-message")
	time.Sleep(10 * time.Millisecond)

	sendClientLine(t, clientSide, "CAP LS")
	lines = readLines(t, clientSide, 1)
	require.Contains(t, lines[0], "echo-message", "echo-message after upstream ack")

	sendClientLine(t, clientSide, "CAP REQ :echo-message server-time")
	lines = readLines(t, clientSide, 1)
	require.Contains(t, lines[0], "ACK", "ACK for supported caps")

	sendClientLine(t, clientSide, "CAP REQ :echo-message bogus-cap")
	lines = readLines(t, clientSide, 1)
	require.Contains(t, lines[0], "NAK", "NAK (all-or-nothing) for unsupported cap")
}

// TestPingPassthrough mirrors §8: the client's own PING is answered directly
// without touching the upstream.
func TestPingPassthrough(t *testing.T) {
	srv := upstream.NewMemoryServer("freenode")
	cfg := baseTestConfig(srv)
	_, _, clientSide := newTestSession(t, cfg)

	sendClientLine(t, clientSide, "PING :12345")
	lines := readLines(t, clientSide, 1)
	require.Contains(t, lines[0], "PONG")
	require.Contains(t, lines[0], "12345")
}

// TestLoopbackSuppression mirrors §8 "loopback": a client's own PRIVMSG,
// tagged relay_client_<id> by the host, is not echoed back to it, but a
// self-echo is synthesized when echo-message is not enabled.
func TestLoopbackSuppression(t *testing.T) {
	srv := upstream.NewMemoryServer("freenode")
	srv.SetInfo(upstream.ServerInfo{Nick: "relaynick"})
	cfg := baseTestConfig(srv)
	cfg.Password = ""
	_, _, clientSide := newTestSession(t, cfg)

	sendClientLine(t, clientSide, "NICK relaynick")
	sendClientLine(t, clientSide, "USER relay 0 * :Relay User")
	readLines(t, clientSide, 8) // drain welcome block

	sendClientLine(t, clientSide, "PRIVMSG #weechat :hello there")
	time.Sleep(10 * time.Millisecond)

	sent := srv.SentLog()
	require.Len(t, sent, 1)
	require.Equal(t, "hello there", sent[0].Payload)

	// The host tags its own reflection with this client's relay tag -
	// that copy must never reach the client.
	selfTag := map[string]string{"relay_client_1": ""}
	srv.PushOutboundTagged(":relaynick!weechat@proxy PRIVMSG #weechat :hello there", selfTag)

	// A different client's message (no matching tag) must be mirrored.
	srv.PushOutboundTagged(":relaynick!weechat@proxy PRIVMSG #weechat :from elsewhere", map[string]string{"relay_client_2": ""})

	lines := readLines(t, clientSide, 1)
	require.Contains(t, lines[0], "from elsewhere")
}

// TestPrivmsgRoutesQueryForNonChannelTarget mirrors §4.8's PRIVMSG routing:
// a channel target is sent verbatim, a nick target is translated to a
// "/query" input.
func TestPrivmsgRoutesQueryForNonChannelTarget(t *testing.T) {
	srv := upstream.NewMemoryServer("freenode")
	srv.SetInfo(upstream.ServerInfo{Nick: "relaynick"})
	cfg := baseTestConfig(srv)
	cfg.Password = ""
	_, _, clientSide := newTestSession(t, cfg)

	sendClientLine(t, clientSide, "NICK relaynick")
	sendClientLine(t, clientSide, "USER relay 0 * :Relay User")
	readLines(t, clientSide, 8) // drain welcome block

	sendClientLine(t, clientSide, "PRIVMSG #weechat :hello channel")
	sendClientLine(t, clientSide, "PRIVMSG bob :hello bob")
	time.Sleep(10 * time.Millisecond)

	sent := srv.SentLog()
	require.Len(t, sent, 2)
	require.Equal(t, "#weechat", sent[0].Channel)
	require.Equal(t, "hello channel", sent[0].Payload)
	require.Equal(t, "bob", sent[1].Channel)
	require.Equal(t, "/query bob hello bob", sent[1].Payload)
}

// TestWhoisRedirection mirrors §8 scenario 6: an unrecognized synchronous
// query command is redirected and its completion delivered verbatim.
func TestWhoisRedirection(t *testing.T) {
	srv := upstream.NewMemoryServer("freenode")
	srv.SetInfo(upstream.ServerInfo{Nick: "relaynick"})
	cfg := baseTestConfig(srv)
	_, conn, clientSide := newTestSession(t, cfg)

	sendClientLine(t, clientSide, "NICK relaynick")
	sendClientLine(t, clientSide, "USER relay 0 * :Relay User")
	readLines(t, clientSide, 8) // drain welcome block

	sendClientLine(t, clientSide, "WHOIS bob")
	time.Sleep(10 * time.Millisecond)

	srv.PushRedirection(conn.ID, "whois", ":irc.example.net 311 relaynick bob ~bob host * :Bob\n:irc.example.net 318 relaynick bob :End of /WHOIS")

	lines := readLines(t, clientSide, 2)
	require.Contains(t, lines[0], "311")
	require.Contains(t, lines[1], "318")
}
