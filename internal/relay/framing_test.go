package relay

import (
	"strings"
	"testing"

	"github.com/weechat-relay/relayd/internal/httpreq"
	"github.com/weechat-relay/relayd/internal/wsframe"
)

type recordingHandler struct {
	lines  []string
	multis [][]byte
	https  []*httpreq.Request
}

func (h *recordingHandler) OnLine(line string) { h.lines = append(h.lines, line) }
func (h *recordingHandler) OnMultiline(payload []byte, binary bool) {
	h.multis = append(h.multis, payload)
}
func (h *recordingHandler) OnHTTPRequest(req *httpreq.Request)                   { h.https = append(h.https, req) }
func (h *recordingHandler) OnWebSocketControl(op wsframe.Opcode, payload []byte) {}

// TestFramingTextLineConcatenationProperty is the §8 "framing" invariant:
// concatenating dispatched lines equals the inbound bytes with \n stripped
// and \r\n collapsed to \n, across arbitrary receive chunking.
func TestFramingTextLineConcatenationProperty(t *testing.T) {
	input := "PASS secret\r\nNICK alice\r\nUSER alice 0 * :Alice Name\r\n"
	h := &recordingHandler{}
	f := NewFramer(DataTextLine, h, nil)

	// feed byte-by-byte to stress partial-buffer handling
	for i := 0; i < len(input); i++ {
		if err := f.Feed([]byte{input[i]}); err != nil {
			t.Fatal(err)
		}
	}

	got := strings.Join(h.lines, "\n")
	want := strings.TrimSuffix(strings.ReplaceAll(input, "\r\n", "\n"), "\n")
	if got != want {
		t.Fatalf("concatenation mismatch:\ngot:  %q\nwant: %q", got, want)
	}
}

func TestFramingRetainsTrailingPartialLine(t *testing.T) {
	h := &recordingHandler{}
	f := NewFramer(DataTextLine, h, nil)

	if err := f.Feed([]byte("NICK alice\r\nUSER ali")); err != nil {
		t.Fatal(err)
	}
	if len(h.lines) != 1 || h.lines[0] != "NICK alice" {
		t.Fatalf("unexpected lines after partial feed: %v", h.lines)
	}

	if err := f.Feed([]byte("ce 0 * :Alice\r\n")); err != nil {
		t.Fatal(err)
	}
	if len(h.lines) != 2 || h.lines[1] != "USER alice 0 * :Alice" {
		t.Fatalf("unexpected lines after completion: %v", h.lines)
	}
}

func TestFramingSniffsHTTPRequest(t *testing.T) {
	h := &recordingHandler{}
	var upgradeReq *httpreq.Request
	f := NewFramer(DataTextLine, h, func(req *httpreq.Request, leftover []byte) {
		upgradeReq = req
	})

	req := "GET /weechat HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"

	if err := f.Feed([]byte(req)); err != nil {
		t.Fatal(err)
	}
	if upgradeReq == nil {
		t.Fatal("expected upgrade request to be recognized")
	}
	if upgradeReq.Path != "/weechat" {
		t.Fatalf("unexpected path: %s", upgradeReq.Path)
	}
}

func TestFramingFallsBackToDirectModeForNonHTTP(t *testing.T) {
	h := &recordingHandler{}
	f := NewFramer(DataTextLine, h, func(req *httpreq.Request, leftover []byte) {
		t.Fatal("should not be treated as an upgrade request")
	})

	if err := f.Feed([]byte("PASS secret\r\n")); err != nil {
		t.Fatal(err)
	}
	if len(h.lines) != 1 || h.lines[0] != "PASS secret" {
		t.Fatalf("unexpected lines: %v", h.lines)
	}
}
