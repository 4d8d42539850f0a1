package upstream

import (
	"context"
	"sort"
	"sync"
)

// MemoryServer is an in-memory Server double used by the ircproxy tests,
// modeled on Travis-Britz-irc/irctest.Server: instead of piping bytes over
// io.Pipe to a real socket, it records sent input and lets tests push
// synthetic upstream events directly into the subscription callbacks.
type MemoryServer struct {
	mu sync.Mutex

	name     string
	info     ServerInfo
	maxLine  int
	sentLog  []SentInput
	channels map[string]*memoryLineStore

	inboundSubs    []func(Event)
	outboundSubs   []func(Event)
	disconnectSubs []func()
	redirectSubs   map[uint64][]func(RedirectionResult)
}

// SentInput records one SendInput call, for assertions in tests.
type SentInput struct {
	Channel string
	Options []SendOption
	Payload string
}

// NewMemoryServer builds an empty double for upstream server named name.
func NewMemoryServer(name string) *MemoryServer {
	return &MemoryServer{
		name:         name,
		maxLine:      512,
		channels:     make(map[string]*memoryLineStore),
		redirectSubs: make(map[uint64][]func(RedirectionResult)),
	}
}

func (m *MemoryServer) Name() string { return m.name }

// SetInfo installs the ServerInfo that GetServerInfo will return.
func (m *MemoryServer) SetInfo(info ServerInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info = info
}

func (m *MemoryServer) GetServerInfo() ServerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

func (m *MemoryServer) SendInput(ctx context.Context, channel string, options []SendOption, payload string) error {
	m.mu.Lock()
	m.sentLog = append(m.sentLog, SentInput{Channel: channel, Options: options, Payload: payload})
	m.mu.Unlock()
	return nil
}

// SentLog returns every SendInput call observed so far, in order.
func (m *MemoryServer) SentLog() []SentInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentInput(nil), m.sentLog...)
}

func (m *MemoryServer) IsChannel(name string) bool {
	return len(name) > 0 && (name[0] == '#' || name[0] == '&' || name[0] == '!' || name[0] == '+')
}

func (m *MemoryServer) SubscribeInbound(handler func(Event)) Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := len(m.inboundSubs)
	m.inboundSubs = append(m.inboundSubs, handler)
	return cancelFunc(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if idx < len(m.inboundSubs) {
			m.inboundSubs[idx] = nil
		}
	})
}

func (m *MemoryServer) SubscribeOutboundTagged(handler func(Event)) Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := len(m.outboundSubs)
	m.outboundSubs = append(m.outboundSubs, handler)
	return cancelFunc(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if idx < len(m.outboundSubs) {
			m.outboundSubs[idx] = nil
		}
	})
}

func (m *MemoryServer) SubscribeDisconnected(handler func()) Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := len(m.disconnectSubs)
	m.disconnectSubs = append(m.disconnectSubs, handler)
	return cancelFunc(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if idx < len(m.disconnectSubs) {
			m.disconnectSubs[idx] = nil
		}
	})
}

func (m *MemoryServer) SubscribeRedirection(clientID uint64, handler func(RedirectionResult)) Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := len(m.redirectSubs[clientID])
	m.redirectSubs[clientID] = append(m.redirectSubs[clientID], handler)
	return cancelFunc(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if subs := m.redirectSubs[clientID]; idx < len(subs) {
			subs[idx] = nil
		}
	})
}

func (m *MemoryServer) RegisterRedirection(ctx context.Context, clientID uint64, pattern, target, rawCommand string) error {
	return m.SendInput(ctx, "", nil, rawCommand)
}

func (m *MemoryServer) Lines(buffer string) LineStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	store, ok := m.channels[buffer]
	if !ok {
		store = &memoryLineStore{}
		m.channels[buffer] = store
	}
	return store
}

func (m *MemoryServer) MaxLineLength() int { return m.maxLine }

// PushInbound simulates an irc_in2_* signal firing.
func (m *MemoryServer) PushInbound(line string) {
	m.mu.Lock()
	subs := append([]func(Event){}, m.inboundSubs...)
	m.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(Event{Line: line})
		}
	}
}

// PushOutboundTagged simulates an irc_outtags_* signal firing.
func (m *MemoryServer) PushOutboundTagged(line string, tags map[string]string) {
	m.mu.Lock()
	subs := append([]func(Event){}, m.outboundSubs...)
	m.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(Event{Line: line, Tags: tags})
		}
	}
}

// PushDisconnected simulates irc_server_disconnected.
func (m *MemoryServer) PushDisconnected() {
	m.mu.Lock()
	subs := append([]func(){}, m.disconnectSubs...)
	m.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn()
		}
	}
}

// PushRedirection simulates irc_redirection_relay_<id>_<pattern> firing.
func (m *MemoryServer) PushRedirection(clientID uint64, pattern, output string) {
	m.mu.Lock()
	subs := append([]func(RedirectionResult){}, m.redirectSubs[clientID]...)
	m.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(RedirectionResult{ClientID: clientID, Pattern: pattern, Output: output})
		}
	}
}

// AddLine appends a stored line to buffer's history, for backlog tests.
func (m *MemoryServer) AddLine(buffer string, line StoredLine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	store, ok := m.channels[buffer]
	if !ok {
		store = &memoryLineStore{}
		m.channels[buffer] = store
	}
	store.lines = append(store.lines, line)
}

type memoryLineStore struct {
	mu    sync.Mutex
	lines []StoredLine
}

func (s *memoryLineStore) Backward(fn func(StoredLine) bool) {
	s.mu.Lock()
	lines := append([]StoredLine(nil), s.lines...)
	s.mu.Unlock()

	sort.Slice(lines, func(i, j int) bool { return lines[i].UnixNano > lines[j].UnixNano })
	for _, l := range lines {
		if !fn(l) {
			return
		}
	}
}

func (s *memoryLineStore) Forward(fromUnixNano int64, fn func(StoredLine)) {
	s.mu.Lock()
	lines := append([]StoredLine(nil), s.lines...)
	s.mu.Unlock()

	sort.Slice(lines, func(i, j int) bool { return lines[i].UnixNano < lines[j].UnixNano })
	for _, l := range lines {
		if l.UnixNano >= fromUnixNano {
			fn(l)
		}
	}
}

type cancelFunc func()

func (c cancelFunc) Cancel() { c() }

var _ Server = (*MemoryServer)(nil)
