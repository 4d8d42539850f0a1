package ircproxy

import (
	"strings"
	"testing"

	"github.com/weechat-relay/relayd/internal/ircmsg"
	"github.com/weechat-relay/relayd/internal/upstream"
)

func TestContainsCap(t *testing.T) {
	set := []string{"server-time", "echo-message"}
	if !containsCap(set, "echo-message") {
		t.Fatal("expected echo-message to be found")
	}
	if containsCap(set, "sasl") {
		t.Fatal("did not expect sasl to be found")
	}
}

func TestSupportedCapsLockedTracksEchoMirror(t *testing.T) {
	s := NewSession(Config{})

	caps := s.supportedCapsLocked()
	if containsCap(caps, "echo-message") {
		t.Fatalf("echo-message should not be advertised before upstream enables it: %v", caps)
	}

	s.setEchoMessage(true)
	caps = s.supportedCapsLocked()
	if !containsCap(caps, "echo-message") {
		t.Fatalf("echo-message should be advertised once upstream enables it: %v", caps)
	}
	if !containsCap(caps, "server-time") {
		t.Fatalf("server-time should always be advertised: %v", caps)
	}
}

// TestHandleCapEmptyReqNaksAndForcesCapEnd mirrors §4.11's "empty list is
// treated as end-of-negotiation" rule: a CAP REQ with no caps NAKs and forces
// capEndReceived, matching relay_irc_recv_command_capab's num_caps_received
// == 0 branch, so registration isn't stuck waiting on a CAP END that never
// comes.
func TestHandleCapEmptyReqNaksAndForcesCapEnd(t *testing.T) {
	srv := upstream.NewMemoryServer("freenode")
	srv.SetInfo(upstream.ServerInfo{Nick: "relaynick"})
	cfg := baseTestConfig(srv)
	_, _, clientSide := newTestSession(t, cfg)

	// CAP LS engages the §4.4 "capLSReceived && !capEndReceived blocks
	// registration" gate; without this, the empty CAP REQ below wouldn't
	// actually exercise the bug.
	sendClientLine(t, clientSide, "CAP LS")
	readLines(t, clientSide, 1)

	sendClientLine(t, clientSide, "CAP REQ :")
	lines := readLines(t, clientSide, 1)
	if !strings.Contains(lines[0], "CAP * NAK") {
		t.Fatalf("expected a bare NAK reply, got %q", lines[0])
	}

	sendClientLine(t, clientSide, "PASS secret")
	sendClientLine(t, clientSide, "NICK relaynick")
	sendClientLine(t, clientSide, "USER relay 0 * :Relay User")

	// No CAP END was ever sent; registration must still complete since the
	// empty CAP REQ already forced capEndReceived.
	lines = readLines(t, clientSide, 1)
	if !strings.Contains(lines[0], "001") {
		t.Fatalf("expected registration (001) without an explicit CAP END, got %q", lines[0])
	}
}

func TestHandleCapReqParamPresentButTrailingEmpty(t *testing.T) {
	msg, err := ircmsg.Parse("CAP REQ :")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(msg.Params) == 0 {
		t.Fatal("expected CAP REQ to still carry the REQ param")
	}
}
