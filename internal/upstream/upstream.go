// Package upstream defines the collaborator interfaces the relay core
// consumes from the host chat client (§6): the already-connected IRC
// session(s) this relay bounces traffic to, the event subscription streams
// it listens on, the channel-line store used for backlog replay (§4.10),
// and the redirection registration call. The host's own IRC client, buffer
// storage, and scripting engine are explicitly out of scope (§1); this
// package only states the shape the relay core needs from them.
package upstream

import "context"

// ChannelInfo mirrors the per-channel shape returned by
// get_server_info(name).channels (§6).
type ChannelInfo struct {
	Name  string
	Type  string // "channel" or "private"
	Nicks []string
	Topic string
}

// ServerInfo mirrors get_server_info(name) (§6).
type ServerInfo struct {
	IsConnected bool
	ISupport    map[string]string
	Channels    []ChannelInfo
	Nick        string
}

// SendOption is one of the comma-separated options accepted by
// send_input (§6).
type SendOption string

const (
	OptPriorityHigh SendOption = "priority_high"
	OptUserMessage  SendOption = "user_message"
)

// ParsedMessage mirrors parse_irc(line) (§6).
type ParsedMessage struct {
	Tags      map[string]string
	Prefix    string
	Nick      string
	User      string
	Host      string
	Command   string
	Params    []string
	NumParams int
	Channel   string
	Text      string
	Positions map[string]int
}

// Event is a single item observed on one of the two subscription streams
// described in §4.9: irc_in2_* (messages arriving from the upstream network)
// and irc_outtags_* (messages the host itself is about to send upstream,
// tagged with their origin).
type Event struct {
	Line string            // the raw IRC line
	Tags map[string]string // only populated for outbound ("outtags") events
}

// RedirectionResult is delivered when a previously-registered redirection
// (§4.8) completes.
type RedirectionResult struct {
	ClientID uint64
	Pattern  string
	Output   string // raw accumulated output, newline-separated
}

// Subscription is a cancelable handle to one event stream. Cancel must be
// safe to call exactly once (§9: "Subscriptions must be cancelable exactly
// once on disconnect").
type Subscription interface {
	Cancel()
}

// Server is the per-upstream-IRC-session collaborator the relay core
// forwards client traffic to and mirrors traffic from, implementing the
// "Upstream IRC query"/"Upstream IRC input" interfaces of §6.
type Server interface {
	Name() string

	// GetServerInfo answers get_server_info(name).
	GetServerInfo() ServerInfo

	// SendInput is send_input(server, channel, options, payload).
	SendInput(ctx context.Context, channel string, options []SendOption, payload string) error

	// IsChannel answers the "Channel-name check" collaborator query used to
	// route PRIVMSG target resolution in §4.8.
	IsChannel(name string) bool

	// SubscribeInbound delivers one Event per irc_in2_* signal observed for
	// this server (upstream -> everyone mirror, §4.9).
	SubscribeInbound(handler func(Event)) Subscription

	// SubscribeOutboundTagged delivers one Event per irc_outtags_* signal
	// (messages the host, or any relay client, sends upstream, §4.9).
	SubscribeOutboundTagged(handler func(Event)) Subscription

	// SubscribeDisconnected fires once when the upstream session drops
	// (irc_server_disconnected, §4.9).
	SubscribeDisconnected(handler func()) Subscription

	// SubscribeRedirection delivers completed redirections (§4.8/§4.9)
	// whose signal name was "relay_<clientID>".
	SubscribeRedirection(clientID uint64, handler func(RedirectionResult)) Subscription

	// RegisterRedirection is the hsignal "irc_redirect_command" call of the
	// WHOIS worked example in §8 scenario 6.
	RegisterRedirection(ctx context.Context, clientID uint64, pattern, target, rawCommand string) error

	// Lines returns the channel/private-buffer line store traversal
	// collaborator used for backlog replay (§4.10). Buffer may be a channel
	// name or a bare nick for a private-message buffer.
	Lines(buffer string) LineStore

	// MaxLineLength answers the server's advertised maximum outbound line
	// length, for the "Message splitter" collaborator (split_for_server).
	MaxLineLength() int
}

// StoredLine is one line from the host's buffer/line store (§4.10).
type StoredLine struct {
	UnixNano int64
	Nick     string
	Host     string
	Tags     []string // e.g. "irc_join", "irc_privmsg", "irc_action"
	Text     string
}

// LineStore is the "buffer-line store traversal" collaborator (§6),
// iterable backwards (most recent first, for finding the replay cutoff) and
// forwards (oldest-to-newest, for emitting the replay itself), per §4.10.
type LineStore interface {
	// Backward calls fn for each line from most-recent to oldest, stopping
	// when fn returns false.
	Backward(fn func(StoredLine) bool)
	// Forward calls fn, oldest to newest, for each line whose UnixNano is at
	// or after fromUnixNano (the cutoff timestamp found with Backward).
	Forward(fromUnixNano int64, fn func(StoredLine))
}

// StringEval is the "string eval" collaborator (§6): WeeChat-style
// ${...} expression evaluation, used by PASS/password comparison (§4.4).
type StringEval func(expr string) (string, error)
