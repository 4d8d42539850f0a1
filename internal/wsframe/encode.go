package wsframe

import (
	"bytes"

	"github.com/gobwas/ws"
)

// Encoder produces server→client frames: never masked, opcode chosen by the
// caller, with optional permessage-deflate applied per §4.6.
type Encoder struct {
	deflate *DeflateParams
	deflCtx *deflateContext
}

// NewEncoder builds a frame encoder. deflate may be nil.
func NewEncoder(deflate *DeflateParams) *Encoder {
	e := &Encoder{deflate: deflate}
	if deflate != nil {
		e.deflCtx = newDeflateContext(deflate.ServerNoContextTakeover)
	}
	return e
}

// Encode wraps payload in a single, final (FIN-set) frame of the given
// opcode. For TEXT/BINARY data frames, permessage-deflate is applied when
// negotiated and when it does not increase the payload size.
func (e *Encoder) Encode(opcode Opcode, payload []byte) []byte {
	rsv1 := false

	if e.deflCtx != nil && (opcode == OpText || opcode == OpBinary) {
		compressed := e.deflCtx.deflate(payload)
		if len(compressed) <= len(payload) {
			payload = compressed
			rsv1 = true
		}
	}

	rsv := byte(0)
	if rsv1 {
		rsv = ws.Rsv(true, false, false)
	}

	hdr := ws.Header{
		Fin:    true,
		Rsv:    rsv,
		OpCode: opcode,
		Masked: false,
		Length: int64(len(payload)),
	}

	var buf bytes.Buffer
	ws.WriteHeader(&buf, hdr)
	buf.Write(payload)
	return buf.Bytes()
}

// EncodeForSendType picks TEXT for text-line/text-multiline connections and
// BINARY for binary connections, per §4.6's encoder rule.
func EncodeForSendType(isBinary bool) Opcode {
	if isBinary {
		return OpBinary
	}
	return OpText
}
