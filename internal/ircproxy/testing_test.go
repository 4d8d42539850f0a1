package ircproxy

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/gobwas/glob"

	"github.com/weechat-relay/relayd/internal/relay"
	"github.com/weechat-relay/relayd/internal/upstream"
)

// newTestSession wires a Session to a relay.Connection over a net.Pipe, the
// same harness shape as Travis-Britz-irc/ircdebug's in-memory conn tests.
func newTestSession(t *testing.T, cfg Config) (*Session, *relay.Connection, net.Conn) {
	t.Helper()

	serverSide, clientSide := net.Pipe()
	sess := NewSession(cfg)
	conn := relay.NewConnection(serverSide, relay.ConnectionConfig{
		ID:         1,
		Descriptor: "test:1",
		DataType:   relay.DataTextLine,
		Handler:    sess,
	})

	go conn.Start(nil, 0)
	t.Cleanup(func() {
		conn.Close(nil)
		clientSide.Close()
	})

	return sess, conn, clientSide
}

func baseTestConfig(server upstream.Server) Config {
	return Config{
		AdvertisedHost: "weechat.relay.irc",
		Version:        "4.3.0",
		Resolver: func(name string) (upstream.Server, error) {
			return server, nil
		},
		ListenerStart: time.Unix(0, 0),
		Backlog: BacklogConfig{
			Tags: mustGlobs("*"),
		},
	}
}

func mustGlobs(patterns ...string) []glob.Glob {
	out, err := CompileBacklogTags(patterns)
	if err != nil {
		panic(err)
	}
	return out
}

func sendClientLine(t *testing.T, c net.Conn, line string) {
	t.Helper()
	if _, err := c.Write([]byte(line + "\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readLines reads exactly n lines (CRLF- or LF-terminated) with a timeout.
func readLines(t *testing.T, c net.Conn, n int) []string {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(c)
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("readLines: %v (got %d/%d: %v)", err, len(out), n, out)
		}
		out = append(out, trimCRLF(line))
	}
	return out
}

func trimCRLF(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
