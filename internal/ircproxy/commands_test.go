package ircproxy

import (
	"testing"

	"github.com/weechat-relay/relayd/internal/ircmsg"
)

func isChannelName(name string) bool {
	return len(name) > 0 && (name[0] == '#' || name[0] == '&')
}

func TestRedirectionForModeDistinguishesUserAndChannel(t *testing.T) {
	userMode, _ := ircmsg.Parse("MODE relaynick +i")
	pattern, target, ok := redirectionFor(userMode, isChannelName)
	if !ok || pattern != "mode_user" || target != "relaynick" {
		t.Fatalf("expected mode_user/relaynick, got %q/%q/%v", pattern, target, ok)
	}

	chanMode, _ := ircmsg.Parse("MODE #weechat +b *!*@banned.example")
	pattern, target, ok = redirectionFor(chanMode, isChannelName)
	if !ok || pattern != "mode_channel_ban" || target != "#weechat" {
		t.Fatalf("expected mode_channel_ban/#weechat, got %q/%q/%v", pattern, target, ok)
	}

	plainChanMode, _ := ircmsg.Parse("MODE #weechat +m")
	pattern, _, ok = redirectionFor(plainChanMode, isChannelName)
	if !ok || pattern != "mode_channel" {
		t.Fatalf("expected mode_channel, got %q/%v", pattern, ok)
	}
}

func TestRedirectionForSynchronousQueries(t *testing.T) {
	cases := []struct {
		line        string
		wantPattern string
		wantTarget  string
	}{
		{"WHOIS bob", "whois", "bob"},
		{"WHOWAS bob", "whowas", "bob"},
		{"NAMES #weechat", "names", "#weechat"},
		{"TOPIC #weechat", "topic", "#weechat"},
		{"WHO #weechat", "who", "#weechat"},
		{"LIST", "list", ""},
		{"ISON bob alice", "ison", ""},
		{"TIME", "time", ""},
		{"USERHOST bob", "userhost", ""},
	}
	for _, tc := range cases {
		msg, err := ircmsg.Parse(tc.line)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.line, err)
		}
		pattern, target, ok := redirectionFor(msg, isChannelName)
		if !ok || pattern != tc.wantPattern || target != tc.wantTarget {
			t.Fatalf("%q: got pattern=%q target=%q ok=%v, want %q/%q", tc.line, pattern, target, ok, tc.wantPattern, tc.wantTarget)
		}
	}
}

func TestRedirectionForUnrecognizedCommand(t *testing.T) {
	msg, _ := ircmsg.Parse("KICK #weechat bob :rule 3")
	if _, _, ok := redirectionFor(msg, isChannelName); ok {
		t.Fatal("KICK should not be redirected")
	}
}
