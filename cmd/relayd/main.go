package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"plugin"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/weechat-relay/relayd/internal/config"
	"github.com/weechat-relay/relayd/internal/ircproxy"
	"github.com/weechat-relay/relayd/internal/relay"
	"github.com/weechat-relay/relayd/internal/relaylog"
	"github.com/weechat-relay/relayd/internal/upstream"
	"github.com/weechat-relay/relayd/pkg/relaymetrics"
)

const Version = "0.1.0"

func main() {
	printVersion := flag.Bool("version", false, "Print the version")
	configFile := flag.String("config", "config.conf", "Config file location")
	flag.Parse()

	if *printVersion {
		fmt.Println(Version)
		os.Exit(0)
	}

	runID := uuid.New().String()
	logger := relaylog.New(relaylog.Info)
	go printLogOutput(logger)
	logger.Log(relaylog.Info, "relayd %s starting, run id %s", Version, runID)

	loader := config.NewLoader(*configFile, nil)
	if err := loader.Load(); err != nil {
		log.Fatalf("config file error: %s", err)
	}
	logger.Log(relaylog.Info, "using config %s", *configFile)

	registry := upstream.NewRegistry()
	loadPlugins(loader.Current(), registry, logger)

	core := relay.NewCore(log.New(os.Stdout, "", log.LstdFlags))
	core.PurgeDelay = time.Duration(loader.Current().Network.ClientsPurgeDelay) * time.Minute

	metrics := relaymetrics.New()
	refs := startListeners(core, loader.Current(), registry, metrics, logger)

	statePath := statePathFor(loader.Current())
	if statePath != "" {
		dump, err := relay.LoadFromFile(statePath)
		if err != nil {
			logger.Log(relaylog.Warn, "state dump: %s (starting with fresh listener state)", err)
		} else {
			core.RestoreStateDump(dump)
			logger.Log(relaylog.Info, "restored state dump from %s (%d server records)", statePath, len(dump.Servers))
		}
	}

	if addr := loader.Current().Network.StatusAddr; addr != "" {
		go serveStatus(addr, refs, metrics, logger)
	}

	go watchForSignals(loader, logger)
	go watchConfigFile(*configFile, loader, logger)
	go watchForShutdownSignals(core, func() string { return statePathFor(loader.Current()) }, logger)

	core.Run()
}

// statePathFor resolves network.state_file against the config file's
// directory; an empty value disables the crash-safe state dump entirely.
func statePathFor(cfg *config.Config) string {
	if cfg.Network.StateFile == "" {
		return ""
	}
	return cfg.ResolvePath(cfg.Network.StateFile)
}

// watchForShutdownSignals implements the graceful-shutdown half of §4.12:
// on SIGINT/SIGTERM, snapshot every listener/connection, write it atomically
// to the state file (if configured), then close all listeners and exit.
func watchForShutdownSignals(core *relay.Core, statePath func() string, logger *relaylog.Logger) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	sig := <-c
	logger.Log(relaylog.Info, "received %s, shutting down", sig)

	if path := statePath(); path != "" {
		dump := core.Snapshot()
		if err := relay.DumpToFile(path, dump); err != nil {
			logger.Log(relaylog.Warn, "state dump: %s", err)
		} else {
			logger.Log(relaylog.Info, "wrote state dump to %s (%d clients)", path, len(dump.Clients))
		}
	}

	core.Shutdown()
	os.Exit(0)
}

// serveStatus mirrors the teacher's loopback-only
// HandleFunc("/webirc/_status", ...) in startup.go: one text/plain endpoint,
// only ever meant to be bound to a loopback or otherwise trusted address by
// operator configuration (network.status_addr).
func serveStatus(addr string, refs []*listenerRef, metrics *relaymetrics.Counters, logger *relaylog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/webirc/_status", func(w http.ResponseWriter, r *http.Request) {
		views := make([]relaymetrics.ListenerView, 0, len(refs))
		for _, ref := range refs {
			if ref.l == nil {
				continue
			}
			views = append(views, relaymetrics.ListenerView{
				Spec:           ref.l.Spec.String(),
				ClientCount:    ref.clientCount(),
				LastDisconnect: ref.lastDisconnect(),
			})
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		relaymetrics.WriteStatus(w, views, metrics.Snapshot())
	})

	logger.Log(relaylog.Info, "status endpoint listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Log(relaylog.Warn, "status endpoint: %s", err)
	}
}

// listenerRef is a late-bound handle to the relay.Listener a given
// ircproxy.Config closes over, since the Config must be built (to pass into
// NewHandlerFactory) before core.AddListener hands back the *relay.Listener
// it wraps.
type listenerRef struct {
	l *relay.Listener
}

func (r *listenerRef) clientCount() int {
	if r.l == nil {
		return 0
	}
	return r.l.ClientCount()
}

func (r *listenerRef) lastDisconnect() time.Time {
	if r.l == nil {
		return time.Time{}
	}
	return r.l.LastClientDisconnect()
}

// startListeners builds one relay.Listener per configured endpoint spec,
// wiring each to a fresh ircproxy.Session factory sharing the upstream
// registry (§4.1/§4.4).
func startListeners(core *relay.Core, cfg *config.Config, registry *upstream.Registry, metrics *relaymetrics.Counters, logger *relaylog.Logger) []*listenerRef {
	tags, err := ircproxy.CompileBacklogTags(cfg.IRC.BacklogTags)
	if err != nil {
		logger.Log(relaylog.Warn, "irc.backlog_tags: %s (backlog replay disabled)", err)
	}

	var refs []*listenerRef
	for _, ls := range cfg.Listeners {
		spec, err := relay.ParseEndpointSpec(ls.Spec, ls.PortOrPath, cfg.Network.IPv6)
		if err != nil {
			logger.Log(relaylog.Warn, "listener %q: %s", ls.Spec, err)
			continue
		}

		ref := &listenerRef{}

		ircCfg := ircproxy.Config{
			AdvertisedHost: advertisedHost(),
			Version:        Version,
			Password:       cfg.Network.Password,
			AuthTimeout:    time.Duration(cfg.Network.AuthTimeout) * time.Second,
			Resolver:       registry.Resolve,
			ListenerStart:  time.Now(),
			ClientCounter:  ref.clientCount,
			LastDisconnect: ref.lastDisconnect,
			Backlog: ircproxy.BacklogConfig{
				MaxNumber:           cfg.IRC.BacklogMaxNumber,
				MaxMinutes:          cfg.IRC.BacklogMaxMinutes,
				SinceLastDisconnect: cfg.IRC.BacklogSinceLastDisconnect,
				SinceLastMessage:    cfg.IRC.BacklogSinceLastMessage,
				Tags:                tags,
				TimeFormat:          cfg.IRC.BacklogTimeFormat,
			},
		}

		lcfg := relay.ListenerConfig{
			Spec:             spec,
			Policy:           admissionPolicy(cfg),
			WSAllowOrigin:    cfg.Network.WebsocketOrigins,
			HandshakeTimeout: 10 * time.Second,
			NewHandler:       ircproxy.NewHandlerFactory(ircCfg),
			Metrics:          metrics,
		}
		if cfg.Network.DNSBLEnabled {
			lcfg.DNSBLZones = cfg.Network.DNSBLZones
		}
		if spec.TLS {
			tlsCfg, err := relay.TLSConfigFor(cfg.ResolvePath(cfg.Network.TLSCertKey))
			if err != nil {
				logger.Log(relaylog.Warn, "listener %q: %s", ls.Spec, err)
				continue
			}
			lcfg.TLS = tlsCfg
		}

		resolvedAddr := ls.PortOrPath
		if spec.Unix {
			resolvedAddr = cfg.ResolvePath(ls.PortOrPath)
		}

		l, err := core.AddListener(resolvedAddr, lcfg)
		if err != nil {
			logger.Log(relaylog.Warn, "listener %q: %s", ls.Spec, err)
			continue
		}
		ref.l = l
		refs = append(refs, ref)
		logger.Log(relaylog.Info, "listening on %s (%s)", resolvedAddr, spec.String())
	}
	return refs
}

func admissionPolicy(cfg *config.Config) relay.AdmissionPolicy {
	policy := relay.AdmissionPolicy{
		PasswordConfigured: cfg.Network.Password != "",
		AllowEmptyPassword: cfg.Network.AllowEmptyPassword,
		TOTPConfigured:     cfg.Network.TOTPSecret != "",
		MaxClients:         cfg.Network.MaxClients,
		AllowedIPs:         cfg.Network.AllowedIPs,
	}
	if cfg.Network.AcceptRatePerSec > 0 {
		policy.AcceptLimiter = rate.NewLimiter(rate.Limit(cfg.Network.AcceptRatePerSec), cfg.Network.AcceptBurst)
	}
	return policy
}

func advertisedHost() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "weechat.relay.irc"
}

// loadPlugins mirrors the teacher's plugin-loading convention
// (webircgateway's main.go loadPlugins/plugin.Open/Lookup("Start")): each
// configured .so exports a Register(*upstream.Registry) function that
// installs the upstream.Server implementations the host chat client (out
// of this module's scope, §1) actually owns.
func loadPlugins(cfg *config.Config, registry *upstream.Registry, logger *relaylog.Logger) {
	for _, pluginPath := range cfg.Plugins {
		fullPath := cfg.ResolvePath(pluginPath)
		logger.Log(relaylog.Info, "loading plugin %s", fullPath)

		p, err := plugin.Open(fullPath)
		if err != nil {
			logger.Log(relaylog.Warn, "error loading plugin %s: %s", fullPath, err)
			continue
		}

		sym, err := p.Lookup("Register")
		if err != nil {
			logger.Log(relaylog.Warn, "plugin %s does not export Register(*upstream.Registry)", fullPath)
			continue
		}

		registerFunc, ok := sym.(func(*upstream.Registry))
		if !ok {
			logger.Log(relaylog.Warn, "plugin %s: Register has the wrong signature", fullPath)
			continue
		}
		registerFunc(registry)
	}
}

func watchForSignals(loader *config.Loader, logger *relaylog.Logger) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP)
	for range c {
		reload(loader, logger)
	}
}

// watchConfigFile is the fsnotify belt-and-suspenders watcher SPEC_FULL.md's
// ambient stack calls for: SIGHUP remains the primary reload trigger, this
// just catches editors/config-management tools that rewrite the file
// without signaling the process.
func watchConfigFile(path string, loader *config.Loader, logger *relaylog.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Log(relaylog.Warn, "fsnotify: %s (config hot-reload via file watch disabled)", err)
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		logger.Log(relaylog.Warn, "fsnotify: watching %s: %s", dir, err)
		return
	}

	base := filepath.Base(path)
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				reload(loader, logger)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Log(relaylog.Warn, "fsnotify: %s", err)
		}
	}
}

func reload(loader *config.Loader, logger *relaylog.Logger) {
	logger.Log(relaylog.Info, "reloading config file")
	if err := loader.Load(); err != nil {
		logger.Log(relaylog.Warn, "config reload failed, keeping previous config: %s", err)
	}
}

func printLogOutput(logger *relaylog.Logger) {
	for line := range logger.Output {
		log.Println(line)
	}
}
