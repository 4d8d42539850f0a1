package ircproxy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/weechat-relay/relayd/internal/upstream"
)

// sendWelcome synthesizes the welcome sequence of §4.4: 001-005, 251, 255,
// 422, then a JOIN + backlog per upstream channel (§9 open question 1: the
// full numeric block first, then one JOIN+backlog per channel).
func (s *Session) sendWelcome() {
	s.mu.Lock()
	server := s.server
	myNick := s.nick
	s.mu.Unlock()

	info := server.GetServerInfo()
	upstreamNick := info.Nick
	if upstreamNick == "" {
		upstreamNick = myNick
	}

	if upstreamNick != myNick {
		s.conn.SendLine(fmt.Sprintf(":%s!weechat@proxy NICK :%s", myNick, upstreamNick))
		s.mu.Lock()
		s.nick = upstreamNick
		s.mu.Unlock()
		myNick = upstreamNick
	}

	host := s.cfg.AdvertisedHost

	s.sendNumeric("001", myNick, fmt.Sprintf("Welcome to the Internet Relay Chat Network %s!weechat@proxy", myNick))
	s.sendNumeric("002", myNick, fmt.Sprintf("Your host is %s, running version %s", host, s.cfg.Version))
	s.sendNumeric("003", myNick, "This server was created "+s.cfg.ListenerStart.UTC().Format(time.RFC1123))
	s.sendNumeric("004", myNick, host, s.cfg.Version, "oirw", "abiklmnopqstv")

	tokens := isupportTokens(info.ISupport)
	params := append([]string{myNick}, tokens...)
	params = append(params, "are supported by this server")
	s.sendNumeric("005", params...)

	clients := 0
	if s.cfg.ClientCounter != nil {
		clients = s.cfg.ClientCounter()
	}
	s.sendNumeric("251", myNick, fmt.Sprintf("There are %d users and 0 invisible on 1 server", clients))
	s.sendNumeric("255", myNick, fmt.Sprintf("I have %d clients and 1 servers", clients))
	s.sendNumeric("422", myNick, "MOTD File is missing")

	for _, ch := range info.Channels {
		s.sendChannelJoin(ch)
	}
}

func isupportTokens(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		if v == "" {
			out = append(out, k)
		} else {
			out = append(out, k+"="+v)
		}
	}
	sort.Strings(out)
	return out
}

// sendChannelJoin emits the synthesized JOIN (skipped for one-to-one
// private buffers, §4.10) plus TOPIC/NAMES, then replays backlog.
func (s *Session) sendChannelJoin(ch upstream.ChannelInfo) {
	if ch.Type == "private" {
		s.replayBacklog(ch)
		return
	}

	s.mu.Lock()
	myNick := s.nick
	s.mu.Unlock()

	s.conn.SendLine(fmt.Sprintf(":%s!weechat@proxy JOIN :%s", myNick, ch.Name))

	if ch.Topic != "" {
		s.sendNumeric("332", myNick, ch.Name, ch.Topic)
	}

	s.sendNumeric("353", myNick, "=", ch.Name, strings.Join(ch.Nicks, " "))
	s.sendNumeric("366", myNick, ch.Name, "End of /NAMES list.")

	s.replayBacklog(ch)
}
