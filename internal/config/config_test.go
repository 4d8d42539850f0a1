package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "relayd.conf", "")

	l := NewLoader(path, nil)
	if err := l.Load(); err != nil {
		t.Fatal(err)
	}
	cfg := l.Current()
	if cfg.Network.MaxClients != 64 {
		t.Fatalf("unexpected default max_clients: %d", cfg.Network.MaxClients)
	}
	if cfg.IRC.BacklogMaxNumber != 30 {
		t.Fatalf("unexpected default backlog_max_number: %d", cfg.IRC.BacklogMaxNumber)
	}
}

func TestLoadNetworkSection(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "relayd.conf", `
[network]
bind_address = 127.0.0.1
max_clients = 10
password = hunter2
allow_empty_password = false
totp_window = 2

[listener.irc]
port = 7777

[irc]
backlog_max_number = 50
backlog_tags = irc_privmsg,irc_join
`)

	l := NewLoader(path, nil)
	if err := l.Load(); err != nil {
		t.Fatal(err)
	}
	cfg := l.Current()

	if cfg.Network.BindAddress != "127.0.0.1" {
		t.Fatalf("unexpected bind_address: %s", cfg.Network.BindAddress)
	}
	if cfg.Network.MaxClients != 10 {
		t.Fatalf("unexpected max_clients: %d", cfg.Network.MaxClients)
	}
	if cfg.Network.Password != "hunter2" {
		t.Fatalf("unexpected password: %s", cfg.Network.Password)
	}
	if cfg.Network.TOTPWindow != 2 {
		t.Fatalf("unexpected totp_window: %d", cfg.Network.TOTPWindow)
	}
	if cfg.IRC.BacklogMaxNumber != 50 {
		t.Fatalf("unexpected backlog_max_number: %d", cfg.IRC.BacklogMaxNumber)
	}
	if len(cfg.IRC.BacklogTags) != 2 || cfg.IRC.BacklogTags[0] != "irc_privmsg" {
		t.Fatalf("unexpected backlog_tags: %v", cfg.IRC.BacklogTags)
	}
	if len(cfg.Listeners) != 1 || cfg.Listeners[0].Spec != "irc" || cfg.Listeners[0].PortOrPath != "7777" {
		t.Fatalf("unexpected listeners: %+v", cfg.Listeners)
	}
}

func TestLoadEvaluatesPassword(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "relayd.conf", "[network]\npassword = ${sec.relay_password}\n")

	eval := func(expr string) (string, error) {
		if expr == "${sec.relay_password}" {
			return "resolved-secret", nil
		}
		return expr, nil
	}

	l := NewLoader(path, eval)
	if err := l.Load(); err != nil {
		t.Fatal(err)
	}
	if got := l.Current().Network.Password; got != "resolved-secret" {
		t.Fatalf("unexpected evaluated password: %s", got)
	}
}

func TestLoadListenersJSON5Sidecar(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "relayd.conf", "[network]\nbind_address = 0.0.0.0\n")
	writeTemp(t, dir, "listeners.json5", `{
		// extra endpoints, sourced independently of the ini file
		listeners: [
			{ spec: "tls.websocket", port: "9000" },
		],
	}`)

	l := NewLoader(path, nil)
	if err := l.Load(); err != nil {
		t.Fatal(err)
	}
	cfg := l.Current()
	if len(cfg.Listeners) != 1 || cfg.Listeners[0].Spec != "tls.websocket" {
		t.Fatalf("unexpected listeners from sidecar: %+v", cfg.Listeners)
	}
}
