package ircproxy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/weechat-relay/relayd/internal/ircmsg"
)

// staticSupportedCaps are always advertised; echo-message joins them only
// when the upstream mirror flag says the upstream currently has it enabled
// (§4.11 "cap subset" invariant).
var staticSupportedCaps = []string{"server-time"}

func (s *Session) supportedCapsLocked() []string {
	caps := append([]string{}, staticSupportedCaps...)
	if s.echoMessageEnabled {
		caps = append(caps, "echo-message")
	}
	sort.Strings(caps)
	return caps
}

// handleCap implements §4.11: LS/REQ/END/LIST. Post-registration CAP is
// ignored entirely (§4.8: "Ignored: CAP, …"), enforced by the caller.
func (s *Session) handleCap(msg *ircmsg.Message) {
	if len(msg.Params) == 0 {
		return
	}
	switch strings.ToUpper(msg.Params[0]) {
	case "LS":
		s.mu.Lock()
		s.capLSReceived = true
		caps := s.supportedCapsLocked()
		s.mu.Unlock()
		s.conn.SendLine(fmt.Sprintf(":%s CAP %s LS :%s", s.cfg.AdvertisedHost, s.nickOrStar(), strings.Join(caps, " ")))

	case "REQ":
		requested := strings.Fields(msg.Trailing())

		// An empty CAP REQ is end-of-negotiation: NAK it and force
		// capEndReceived so a client that sends this instead of a proper
		// CAP END doesn't stay unregistered forever.
		if len(requested) == 0 {
			s.mu.Lock()
			s.capEndReceived = true
			s.mu.Unlock()
			s.conn.SendLine(fmt.Sprintf(":%s CAP %s NAK :", s.cfg.AdvertisedHost, s.nickOrStar()))
			break
		}

		s.mu.Lock()
		supported := s.supportedCapsLocked()
		ok := true
		for _, r := range requested {
			if !containsCap(supported, r) {
				ok = false
				break
			}
		}
		if ok {
			// §9 open question 3: caps accumulate across multiple CAP REQ,
			// all-or-nothing within a single request (§8 "cap atomicity").
			for _, r := range requested {
				s.caps[r] = true
			}
		}
		s.mu.Unlock()

		reply := "NAK"
		if ok {
			reply = "ACK"
		}
		s.conn.SendLine(fmt.Sprintf(":%s CAP %s %s :%s", s.cfg.AdvertisedHost, s.nickOrStar(), reply, strings.Join(requested, " ")))

	case "END":
		s.mu.Lock()
		s.capEndReceived = true
		s.mu.Unlock()

	case "LIST":
		s.mu.Lock()
		enabled := make([]string, 0, len(s.caps))
		for c := range s.caps {
			enabled = append(enabled, c)
		}
		s.mu.Unlock()
		sort.Strings(enabled)
		s.conn.SendLine(fmt.Sprintf(":%s CAP %s LIST :%s", s.cfg.AdvertisedHost, s.nickOrStar(), strings.Join(enabled, " ")))
	}
}

func containsCap(set []string, c string) bool {
	for _, v := range set {
		if v == c {
			return true
		}
	}
	return false
}

func (s *Session) hasCap(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps[name]
}
