// Package config loads the relay's configuration from an ini-format file
// (gopkg.in/ini.v1, as in the teacher's pkg/webircgateway/config.go) with an
// optional JSON5 side file for the endpoint-listener list (flynn/json5, as
// in kiwiirc_config.go's client-discovery document), and supports shell
// "string eval" expressions for evaluable fields (§6: network.password,
// network.tls_cert_key, network.totp_secret).
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/flynn/json5"
	"gopkg.in/ini.v1"

	"github.com/weechat-relay/relayd/internal/pathutil"
)

// Network holds the network.* keys of §6.
type Network struct {
	BindAddress        string
	IPv6               bool
	MaxClients         int
	AllowedIPs         *regexp.Regexp
	WebsocketOrigins   *regexp.Regexp
	Password           string
	AllowEmptyPassword bool
	AuthTimeout        int // seconds
	ClientsPurgeDelay  int // minutes, -1 disables
	TLSCertKey         string
	TLSPriorities      string
	TOTPSecret         string
	TOTPWindow         int
	NonceSize          int
	MaxOutboundQueue   int // bytes; parsed only, the relay's outbound queue is unbounded whatever the value
	DNSBLEnabled       bool
	DNSBLZones         []string
	AcceptRatePerSec   float64 // 0 disables accept-rate throttling
	AcceptBurst        int
	StatusAddr         string // empty disables the /webirc/_status-style debug endpoint
	StateFile          string // crash-safe state dump path; empty disables load/save
}

// IRC holds the irc.* backlog keys of §6.
type IRC struct {
	BacklogMaxNumber           int
	BacklogMaxMinutes          int
	BacklogSinceLastDisconnect bool
	BacklogSinceLastMessage    bool
	BacklogTags                []string // resolved against {irc_join, irc_part, irc_quit, irc_nick, irc_privmsg}; ["*"] means all
	BacklogTimeFormat          string
}

// Look holds the look.* keys of §6.
type Look struct {
	AutoOpenBuffer []string
	DisplayClients []string
}

// Listener is one parsed endpoint-spec entry (§4.1/§6), sourced from either
// the ini file's [listener.*] sections or the JSON5 side file.
type Listener struct {
	Spec       string // raw endpoint spec string, e.g. "tls.irc.freenode"
	PortOrPath string
}

// Config is the full loaded configuration.
type Config struct {
	Network   Network
	IRC       IRC
	Look      Look
	Listeners []Listener
	Plugins   []string // [main] plugins=, .so paths resolved against the config file's directory

	path string
}

// Evaluator evaluates WeeChat-style ${...} expressions, the "string eval"
// collaborator of §6. A nil Evaluator means evaluable fields are used
// verbatim (identity evaluation), which is sufficient for plain-text
// passwords and paths that contain no ${...} references.
type Evaluator func(expr string) (string, error)

// Loader loads and reloads configuration from a path, optionally re-parsed
// through a host-provided Evaluator.
type Loader struct {
	mu   sync.RWMutex
	cfg  *Config
	eval Evaluator
}

// NewLoader builds a Loader for the given config file path. eval may be nil.
func NewLoader(path string, eval Evaluator) *Loader {
	return &Loader{cfg: &Config{path: path}, eval: eval}
}

// ResolvePath resolves a possibly-relative path (TLS cert/key files, UNIX
// socket paths) against the directory holding the config file.
func (c *Config) ResolvePath(path string) string {
	return pathutil.ResolveRelativeTo(c.path, path)
}

// Current returns the most recently loaded Config.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Load (re)reads the config file, replacing Current() atomically on
// success. A config-file error (§7 "config" error kind) leaves the
// previous, already-validated config in place.
func (l *Loader) Load() error {
	cfg, err := load(l.cfg.path, l.eval)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if sidecar := sidecarPath(l.cfg.path); sidecar != "" {
		if extra, err := loadListenersJSON5(sidecar); err == nil {
			cfg.Listeners = append(cfg.Listeners, extra...)
		}
	}

	l.mu.Lock()
	cfg.path = l.cfg.path
	l.cfg = cfg
	l.mu.Unlock()
	return nil
}

func sidecarPath(configPath string) string {
	if configPath == "" || strings.HasPrefix(configPath, "$ ") {
		return ""
	}
	return filepath.Join(filepath.Dir(configPath), "listeners.json5")
}

func load(path string, eval Evaluator) (*Config, error) {
	var src interface{} = path
	if strings.HasPrefix(path, "$ ") {
		out, err := exec.Command("sh", "-c", path[2:]).Output()
		if err != nil {
			return nil, fmt.Errorf("evaluating config command: %w", err)
		}
		src = out
	}

	f, err := ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true}, src)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Network: Network{
			BindAddress:        "0.0.0.0",
			MaxClients:         64,
			AllowEmptyPassword: false,
			AuthTimeout:        60,
			ClientsPurgeDelay:  0,
			NonceSize:          16,
			TOTPWindow:         1,
		},
		IRC: IRC{
			BacklogMaxNumber:  30,
			BacklogMaxMinutes: 1440,
			BacklogTags:       []string{"irc_privmsg"},
		},
	}

	net := f.Section("network")
	cfg.Network.BindAddress = net.Key("bind_address").MustString(cfg.Network.BindAddress)
	cfg.Network.IPv6 = net.Key("ipv6").MustBool(false)
	cfg.Network.MaxClients = net.Key("max_clients").MustInt(cfg.Network.MaxClients)
	cfg.Network.AllowEmptyPassword = net.Key("allow_empty_password").MustBool(false)
	cfg.Network.AuthTimeout = net.Key("auth_timeout").MustInt(cfg.Network.AuthTimeout)
	cfg.Network.ClientsPurgeDelay = net.Key("clients_purge_delay").MustInt(cfg.Network.ClientsPurgeDelay)
	cfg.Network.TLSPriorities = net.Key("tls_priorities").MustString("")
	cfg.Network.TOTPWindow = net.Key("totp_window").MustInt(cfg.Network.TOTPWindow)
	cfg.Network.NonceSize = net.Key("nonce_size").MustInt(cfg.Network.NonceSize)
	cfg.Network.MaxOutboundQueue = net.Key("max_outbound_queue_bytes").MustInt(0)
	cfg.Network.DNSBLEnabled = net.Key("dnsbl_enabled").MustBool(false)
	if zones := net.Key("dnsbl_zones").String(); zones != "" {
		cfg.Network.DNSBLZones = splitComma(zones)
	}
	cfg.Network.AcceptRatePerSec = net.Key("accept_rate_per_sec").MustFloat64(0)
	cfg.Network.AcceptBurst = net.Key("accept_burst").MustInt(5)
	cfg.Network.StatusAddr = net.Key("status_addr").MustString("")
	cfg.Network.StateFile = net.Key("state_file").MustString("")

	cfg.Network.Password = evalOrIdentity(eval, net.Key("password").MustString(""))
	cfg.Network.TLSCertKey = evalOrIdentity(eval, net.Key("tls_cert_key").MustString(""))
	cfg.Network.TOTPSecret = evalOrIdentity(eval, net.Key("totp_secret").MustString(""))

	if v := net.Key("allowed_ips").MustString(""); v != "" {
		re, err := regexp.Compile(v)
		if err != nil {
			return nil, fmt.Errorf("network.allowed_ips: %w", err)
		}
		cfg.Network.AllowedIPs = re
	}
	if v := net.Key("websocket_allowed_origins").MustString(""); v != "" {
		re, err := regexp.Compile(v)
		if err != nil {
			return nil, fmt.Errorf("network.websocket_allowed_origins: %w", err)
		}
		cfg.Network.WebsocketOrigins = re
	}

	irc := f.Section("irc")
	cfg.IRC.BacklogMaxNumber = irc.Key("backlog_max_number").MustInt(cfg.IRC.BacklogMaxNumber)
	cfg.IRC.BacklogMaxMinutes = irc.Key("backlog_max_minutes").MustInt(cfg.IRC.BacklogMaxMinutes)
	cfg.IRC.BacklogSinceLastDisconnect = irc.Key("backlog_since_last_disconnect").MustBool(true)
	cfg.IRC.BacklogSinceLastMessage = irc.Key("backlog_since_last_message").MustBool(false)
	cfg.IRC.BacklogTimeFormat = irc.Key("backlog_time_format").MustString("")
	if v := irc.Key("backlog_tags").MustString("*"); v != "" {
		cfg.IRC.BacklogTags = splitComma(v)
	}

	cfg.Plugins = splitComma(f.Section("main").Key("plugins").MustString(""))

	look := f.Section("look")
	cfg.Look.AutoOpenBuffer = splitComma(look.Key("auto_open_buffer").MustString(""))
	cfg.Look.DisplayClients = splitComma(look.Key("display_clients").MustString(""))

	for _, section := range f.Sections() {
		if !strings.HasPrefix(section.Name(), "listener.") {
			continue
		}
		spec := strings.TrimPrefix(section.Name(), "listener.")
		cfg.Listeners = append(cfg.Listeners, Listener{
			Spec:       spec,
			PortOrPath: section.Key("port").MustString(section.Key("path").MustString("")),
		})
	}

	return cfg, nil
}

func evalOrIdentity(eval Evaluator, raw string) string {
	if eval == nil || raw == "" {
		return raw
	}
	v, err := eval(raw)
	if err != nil {
		return raw
	}
	return v
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// listenersJSON5 is the side-file shape: a flat array of endpoint specs,
// mirroring the teacher's JSON5-based kiwiirc client config pattern.
type listenersJSON5 struct {
	Listeners []struct {
		Spec string `json:"spec"`
		Port string `json:"port"`
	} `json:"listeners"`
}

func loadListenersJSON5(path string) ([]Listener, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc listenersJSON5
	if err := json5.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	out := make([]Listener, 0, len(doc.Listeners))
	for _, l := range doc.Listeners {
		out = append(out, Listener{Spec: l.Spec, PortOrPath: l.Port})
	}
	return out, nil
}
