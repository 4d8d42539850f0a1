package wsframe

import (
	"bytes"
	"testing"

	"github.com/gobwas/ws"
)

// maskedClientFrame builds a masked client->server frame the way a real
// browser/websocket client would, for decoder tests.
func maskedClientFrame(t *testing.T, opcode Opcode, payload []byte) []byte {
	t.Helper()
	mask := [4]byte{0x12, 0x34, 0x56, 0x78}
	masked := append([]byte(nil), payload...)
	ws.Cipher(masked, mask, 0)

	hdr := ws.Header{
		Fin:    true,
		OpCode: opcode,
		Masked: true,
		Mask:   mask,
		Length: int64(len(payload)),
	}
	var buf bytes.Buffer
	if err := ws.WriteHeader(&buf, hdr); err != nil {
		t.Fatal(err)
	}
	buf.Write(masked)
	return buf.Bytes()
}

func TestDecoderSingleTextFrame(t *testing.T) {
	dec := NewDecoder(nil)
	raw := maskedClientFrame(t, OpText, []byte("NICK alice\r\n"))

	frames, err := dec.Feed(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if string(frames[0].Payload) != "NICK alice\r\n" {
		t.Fatalf("unexpected payload %q", frames[0].Payload)
	}
}

func TestDecoderRejectsUnmaskedFrame(t *testing.T) {
	dec := NewDecoder(nil)
	hdr := ws.Header{Fin: true, OpCode: OpText, Masked: false, Length: 2}
	var buf bytes.Buffer
	ws.WriteHeader(&buf, hdr)
	buf.WriteString("hi")

	_, err := dec.Feed(buf.Bytes())
	if err != ErrUnmaskedFrame {
		t.Fatalf("expected ErrUnmaskedFrame, got %v", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	enc := NewEncoder(nil)
	wire := enc.Encode(OpText, []byte("hello"))

	// Re-mask it as if a client echoed it back, to exercise the decoder
	// with the encoder's own header layout.
	hdr, err := ws.ReadHeader(bytes.NewReader(wire))
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Masked {
		t.Fatal("server frames must not be masked")
	}

	payload := wire[headerByteLen(wire, hdr):]
	frames, err := NewDecoder(nil).Feed(maskedClientFrame(t, hdr.OpCode, payload))
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 || string(frames[0].Payload) != "hello" {
		t.Fatalf("round trip mismatch: %+v", frames)
	}
}
