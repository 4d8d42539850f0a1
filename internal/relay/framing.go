package relay

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/weechat-relay/relayd/internal/httpreq"
	"github.com/weechat-relay/relayd/internal/wsframe"
)

// DataType is a connection's per-direction data type (§3), determining how
// the framing layer slices inbound bytes.
type DataType int

const (
	DataTextLine DataType = iota
	DataTextMultiline
	DataBinary
	DataHTTP
)

// FramerHandler receives units dispatched by the framing layer (§4.3).
type FramerHandler interface {
	OnLine(line string)
	OnMultiline(payload []byte, binary bool)
	OnHTTPRequest(req *httpreq.Request)
	OnWebSocketControl(opcode wsframe.Opcode, payload []byte)
}

var httpRequestLineRe = regexp.MustCompile(`^[A-Z]+ \S+ HTTP/1\.[01]$`)

// Framer implements §4.3. New connections start in a sniffing sub-mode: the
// first line is inspected to decide whether the peer is speaking plain
// text/binary, or opening an HTTP request that may in turn request a
// WebSocket upgrade (§4.3 "websocket initializing" sub-mode).
type Framer struct {
	dataType DataType
	handler  FramerHandler

	sniffed  bool
	sniffBuf bytes.Buffer

	httpParser *httpreq.Parser

	// onUpgradeRequest is invoked once a full HTTP request arrives that
	// looks like a WebSocket upgrade; the caller (Connection) negotiates it
	// and, on success, calls EnableWebSocket.
	onUpgradeRequest func(req *httpreq.Request, leftover []byte)

	partial bytes.Buffer

	wsDecoder *wsframe.Decoder
	wsActive  bool
}

// NewFramer builds a framer for a connection whose configured data type is
// dataType, dispatching to handler. onUpgradeRequest is called when the
// sniffed first bytes are an HTTP WebSocket upgrade request.
func NewFramer(dataType DataType, handler FramerHandler, onUpgradeRequest func(req *httpreq.Request, leftover []byte)) *Framer {
	return &Framer{dataType: dataType, handler: handler, onUpgradeRequest: onUpgradeRequest}
}

// EnableWebSocket switches the framer into WebSocket frame decoding for all
// subsequent bytes, called once the upgrade handshake has been accepted.
func (f *Framer) EnableWebSocket(decoder *wsframe.Decoder) {
	f.wsActive = true
	f.wsDecoder = decoder
	f.sniffed = true
}

// Feed processes newly read bytes, dispatching complete units to handler.
func (f *Framer) Feed(data []byte) error {
	if f.wsActive {
		return f.feedWebSocket(data)
	}
	if !f.sniffed {
		return f.feedSniffing(data)
	}
	return f.feedDirect(data)
}

func (f *Framer) feedSniffing(data []byte) error {
	f.sniffBuf.Write(data)
	buf := f.sniffBuf.Bytes()
	idx := bytes.IndexByte(buf, '\n')
	if idx == -1 {
		if f.sniffBuf.Len() > 8192 {
			f.sniffed = true
			return f.feedDirect(f.drainSniffBuf())
		}
		return nil
	}

	firstLine := strings.TrimRight(string(buf[:idx]), "\r")
	f.sniffed = true

	if httpRequestLineRe.MatchString(firstLine) {
		f.httpParser = &httpreq.Parser{}
		return f.feedHTTPSniffed(f.drainSniffBuf())
	}
	return f.feedDirect(f.drainSniffBuf())
}

func (f *Framer) drainSniffBuf() []byte {
	b := append([]byte(nil), f.sniffBuf.Bytes()...)
	f.sniffBuf.Reset()
	return b
}

func (f *Framer) feedHTTPSniffed(data []byte) error {
	f.httpParser.Feed(data)
	req, ok, err := f.httpParser.Complete()
	if err != nil {
		return fmt.Errorf("relay: framing: %w", err)
	}
	if !ok {
		return nil
	}
	if wsframe.IsUpgradeRequest(req) {
		leftover := append([]byte(nil), f.httpParser.Leftover()...)
		f.httpParser = nil
		f.onUpgradeRequest(req, leftover)
		return nil
	}
	f.handler.OnHTTPRequest(req)
	return f.feedHTTPNoUpgrade(nil)
}

func (f *Framer) feedDirect(data []byte) error {
	switch f.dataType {
	case DataTextLine:
		return f.feedTextLine(data)
	case DataTextMultiline:
		f.handler.OnMultiline(data, false)
		return nil
	case DataBinary:
		f.handler.OnMultiline(data, true)
		return nil
	case DataHTTP:
		if f.httpParser == nil {
			f.httpParser = &httpreq.Parser{}
		}
		return f.feedHTTPNoUpgrade(data)
	}
	return nil
}

func (f *Framer) feedHTTPNoUpgrade(data []byte) error {
	if len(data) > 0 {
		f.httpParser.Feed(data)
	}
	for {
		req, ok, err := f.httpParser.Complete()
		if err != nil {
			return fmt.Errorf("relay: framing: %w", err)
		}
		if !ok {
			return nil
		}
		f.handler.OnHTTPRequest(req)
	}
}

// feedTextLine implements the §8 "framing" property: concatenating all
// dispatched lines equals the concatenation of inbound bytes with \n
// stripped and \r\n collapsed to \n.
func (f *Framer) feedTextLine(data []byte) error {
	f.partial.Write(data)
	buf := f.partial.Bytes()

	start := 0
	for {
		idx := bytes.IndexByte(buf[start:], '\n')
		if idx == -1 {
			break
		}
		end := start + idx
		line := bytes.TrimSuffix(buf[start:end], []byte("\r"))
		f.handler.OnLine(string(line))
		start = end + 1
	}

	remainder := append([]byte(nil), buf[start:]...)
	f.partial.Reset()
	f.partial.Write(remainder)
	return nil
}

func (f *Framer) feedWebSocket(data []byte) error {
	frames, err := f.wsDecoder.Feed(data)
	if err != nil {
		return fmt.Errorf("relay: framing: %w", err)
	}
	for _, fr := range frames {
		switch fr.Opcode {
		case wsframe.OpText:
			if f.dataType == DataTextLine {
				if err := f.feedTextLine(fr.Payload); err != nil {
					return err
				}
			} else {
				f.handler.OnMultiline(fr.Payload, false)
			}
		case wsframe.OpBinary:
			f.handler.OnMultiline(fr.Payload, true)
		case wsframe.OpPing, wsframe.OpPong, wsframe.OpClose:
			f.handler.OnWebSocketControl(fr.Opcode, fr.Payload)
		}
	}
	return nil
}
