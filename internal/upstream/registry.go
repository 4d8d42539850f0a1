package upstream

import (
	"fmt"
	"sync"
)

// Registry is the concrete realization of the ServerResolver collaborator
// (§6) for a running daemon: a thread-safe name -> Server map. The host
// chat client that actually owns live upstream IRC sessions (explicitly
// out of scope, §1) registers them here, typically from a loaded plugin
// (see cmd/relayd), and internal/ircproxy sees nothing but the Server
// interface.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]Server
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{servers: make(map[string]Server)}
}

// Register installs srv under name, replacing any previous registration.
func (r *Registry) Register(name string, srv Server) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[name] = srv
}

// Unregister removes name, if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, name)
}

// Resolve implements ircproxy.ServerResolver.
func (r *Registry) Resolve(name string) (Server, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	srv, ok := r.servers[name]
	if !ok {
		return nil, fmt.Errorf("upstream: no server registered for %q", name)
	}
	return srv, nil
}

// Names returns a snapshot of every currently registered server name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.servers))
	for name := range r.servers {
		out = append(out, name)
	}
	return out
}
