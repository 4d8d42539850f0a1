// Package wsframe implements the WebSocket upgrade handshake and RFC 6455
// frame codec described in §4.6 of the relay spec, including permessage-
// deflate (RFC 7692) negotiation. Frame header encode/decode is built on
// gobwas/ws's low-level header primitives; the surrounding handshake,
// fragmentation/assembly, and PMCE policy are implemented here since §4.6
// calls for this to be an owned component rather than a delegated
// high-level websocket.Conn.
package wsframe

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/weechat-relay/relayd/internal/httpreq"
)

// acceptGUID is the fixed RFC 6455 magic string appended to the client's
// Sec-WebSocket-Key before hashing to produce Sec-WebSocket-Accept.
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Upgrade describes the negotiated result of a successful handshake.
type Upgrade struct {
	AcceptKey     string
	Deflate       *DeflateParams // nil if permessage-deflate was not negotiated
	ResponseLines []string       // 101 status line and headers in order, without CRLF, then two empty strings that end the header block when joined with CRLF
}

// ErrOriginNotAllowed is returned when an Origin header fails the configured
// allowlist (network.websocket_allowed_origins).
type ErrOriginNotAllowed struct{ Origin string }

func (e *ErrOriginNotAllowed) Error() string {
	return fmt.Sprintf("wsframe: origin %q not allowed", e.Origin)
}

// IsUpgradeRequest reports whether req looks like a WebSocket upgrade GET,
// used by the framing layer (§4.3) to decide whether to switch a brand-new
// connection into "websocket initializing" sub-mode.
func IsUpgradeRequest(req *httpreq.Request) bool {
	if req.Method != "GET" {
		return false
	}
	return headerHasToken(req.Header.Get("Connection"), "upgrade") &&
		strings.EqualFold(req.Header.Get("Upgrade"), "websocket")
}

func headerHasToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// Negotiate validates an upgrade request and computes the 101 response,
// including permessage-deflate parameters if the client offered a
// compatible extension. allowedOrigin is nil to disable the origin check.
func Negotiate(req *httpreq.Request, allowedOrigin *regexp.Regexp) (*Upgrade, error) {
	if !IsUpgradeRequest(req) {
		return nil, fmt.Errorf("wsframe: not a websocket upgrade request")
	}
	if req.Header.Get("Sec-WebSocket-Version") != "13" {
		return nil, fmt.Errorf("wsframe: unsupported websocket version %q", req.Header.Get("Sec-WebSocket-Version"))
	}
	key := req.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return nil, fmt.Errorf("wsframe: missing Sec-WebSocket-Key")
	}

	origin := req.Header.Get("Origin")
	if allowedOrigin != nil && origin != "" && !allowedOrigin.MatchString(origin) {
		return nil, &ErrOriginNotAllowed{Origin: origin}
	}

	accept := computeAccept(key)

	up := &Upgrade{AcceptKey: accept}

	lines := []string{
		"HTTP/1.1 101 Switching Protocols",
		"Upgrade: websocket",
		"Connection: Upgrade",
		"Sec-WebSocket-Accept: " + accept,
	}

	if ext := req.Header.Get("Sec-WebSocket-Extensions"); ext != "" {
		if params, ok := negotiateDeflate(ext); ok {
			up.Deflate = params
			lines = append(lines, "Sec-WebSocket-Extensions: "+params.responseHeader())
		}
	}

	lines = append(lines, "", "")
	up.ResponseLines = lines
	return up, nil
}

func computeAccept(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(acceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// DeflateParams is the negotiated permessage-deflate parameter set (RFC
// 7692 §7).
type DeflateParams struct {
	ServerMaxWindowBits     int
	ClientMaxWindowBits     int
	ServerNoContextTakeover bool
	ClientNoContextTakeover bool
}

func (p *DeflateParams) responseHeader() string {
	parts := []string{"permessage-deflate"}
	if p.ServerNoContextTakeover {
		parts = append(parts, "server_no_context_takeover")
	}
	if p.ClientNoContextTakeover {
		parts = append(parts, "client_no_context_takeover")
	}
	parts = append(parts, fmt.Sprintf("server_max_window_bits=%d", p.ServerMaxWindowBits))
	parts = append(parts, fmt.Sprintf("client_max_window_bits=%d", p.ClientMaxWindowBits))
	return strings.Join(parts, "; ")
}

// negotiateDeflate parses a Sec-WebSocket-Extensions header and, if one of
// the offered extensions is "permessage-deflate", returns the negotiated
// parameter set with server-chosen defaults for anything the client left
// unspecified.
func negotiateDeflate(header string) (*DeflateParams, bool) {
	for _, offer := range strings.Split(header, ",") {
		parts := strings.Split(offer, ";")
		name := strings.TrimSpace(parts[0])
		if name != "permessage-deflate" {
			continue
		}

		p := &DeflateParams{ServerMaxWindowBits: 15, ClientMaxWindowBits: 15}
		for _, raw := range parts[1:] {
			kv := strings.SplitN(strings.TrimSpace(raw), "=", 2)
			key := strings.TrimSpace(kv[0])
			val := ""
			if len(kv) == 2 {
				val = strings.Trim(strings.TrimSpace(kv[1]), `"`)
			}
			switch key {
			case "server_no_context_takeover":
				p.ServerNoContextTakeover = true
			case "client_no_context_takeover":
				p.ClientNoContextTakeover = true
			case "server_max_window_bits":
				if n, err := strconv.Atoi(val); err == nil {
					p.ServerMaxWindowBits = n
				}
			case "client_max_window_bits":
				if val != "" {
					if n, err := strconv.Atoi(val); err == nil {
						p.ClientMaxWindowBits = n
					}
				}
			}
		}
		return p, true
	}
	return nil, false
}
