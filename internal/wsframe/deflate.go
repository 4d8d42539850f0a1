package wsframe

import (
	"bytes"
	"compress/flate"
	"io"
)

// permessageDeflateTail is appended before inflating a per-message deflate
// block and stripped before deflating one, per RFC 7692 §7.2.1/7.2.2.
var permessageDeflateTail = []byte{0x00, 0x00, 0xff, 0xff}

// inflateContext wraps a flate.Reader that inflates one message at a time.
// No sliding-window state is kept across messages (see inflate), so a
// message whose deflate block refers back into an earlier message's data
// fails to inflate.
type inflateContext struct {
	noContextTakeover bool
	reader            io.ReadCloser
	src               *bytes.Reader
}

func newInflateContext(noContextTakeover bool) *inflateContext {
	return &inflateContext{noContextTakeover: noContextTakeover}
}

// inflate decompresses one message's deflate block. compress/flate's
// Resetter.Reset only accepts an explicit dictionary, not "continue from
// wherever the last stream left off", so true context-takeover (section
// 7.2.3.2 of RFC 7692) is not achievable on this backend; every message
// inflates against an empty dictionary regardless of noContextTakeover.
func (c *inflateContext) inflate(compressed []byte) ([]byte, error) {
	full := append(append([]byte{}, compressed...), permessageDeflateTail...)
	c.src = bytes.NewReader(full)

	if c.reader == nil {
		c.reader = flate.NewReader(c.src)
	} else if resetter, ok := c.reader.(flate.Resetter); ok {
		if err := resetter.Reset(c.src, nil); err != nil {
			return nil, err
		}
	} else {
		c.reader = flate.NewReader(c.src)
	}

	return io.ReadAll(c.reader)
}

// deflateContext wraps a flate.Writer for outbound per-message compression.
type deflateContext struct {
	noContextTakeover bool
	buf               bytes.Buffer
	writer            *flate.Writer
}

func newDeflateContext(noContextTakeover bool) *deflateContext {
	w, _ := flate.NewWriter(nil, flate.BestSpeed)
	return &deflateContext{noContextTakeover: noContextTakeover, writer: w}
}

// deflate compresses payload and strips the RFC 7692 tail, returning the
// wire-ready compressed block.
//
// compress/flate's Writer.Reset always reinitializes the sliding window, so
// true context-takeover (carrying the dictionary across messages) is not
// achievable on this backend; every message compresses independently
// regardless of noContextTakeover. The negotiated flag is still tracked and
// echoed to the client so a future backend swap is a drop-in change.
func (c *deflateContext) deflate(payload []byte) []byte {
	c.buf.Reset()
	c.writer.Reset(&c.buf)
	c.writer.Write(payload)
	c.writer.Flush()

	out := c.buf.Bytes()
	out = bytes.TrimSuffix(out, permessageDeflateTail)
	result := make([]byte, len(out))
	copy(result, out)
	return result
}
