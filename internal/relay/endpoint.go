package relay

import (
	"fmt"
	"strings"
)

// EndpointSpec is a parsed listener endpoint specification (§4.1/§6):
//
//	[ipv4.][ipv6.][tls.]<protocol>[.<name>]
//	unix.[tls.]<protocol>[.<name>]
type EndpointSpec struct {
	IPv4       bool
	IPv6       bool
	TLS        bool
	Unix       bool
	Protocol   string // "irc", "weechat", "api"
	Name       string // e.g. upstream IRC server name for "irc"
	PortOrPath string
}

// ErrInvalidSpec is returned by ParseEndpointSpec for a malformed spec.
type ErrInvalidSpec struct{ Spec string }

func (e *ErrInvalidSpec) Error() string {
	return fmt.Sprintf("relay: invalid endpoint spec %q", e.Spec)
}

var supportedProtocols = map[string]bool{"irc": true, "weechat": true, "api": true}

// ParseEndpointSpec parses raw (the dotted flag/protocol string) and
// portOrPath (the listener's configured value) into an EndpointSpec,
// applying the §4.1 defaults: if none of ipv4/ipv6/unix is present, IPv4 is
// always enabled and IPv6 follows globalIPv6.
func ParseEndpointSpec(raw, portOrPath string, globalIPv6 bool) (EndpointSpec, error) {
	parts := strings.Split(raw, ".")
	spec := EndpointSpec{PortOrPath: portOrPath}

	i := 0
	for i < len(parts) {
		switch parts[i] {
		case "ipv4":
			spec.IPv4 = true
			i++
		case "ipv6":
			spec.IPv6 = true
			i++
		case "tls":
			spec.TLS = true
			i++
		case "unix":
			spec.Unix = true
			i++
		default:
			goto protocol
		}
	}

protocol:
	if i >= len(parts) || !supportedProtocols[parts[i]] {
		return EndpointSpec{}, &ErrInvalidSpec{Spec: raw}
	}
	spec.Protocol = parts[i]
	i++
	if i < len(parts) {
		spec.Name = strings.Join(parts[i:], ".")
	}

	if !spec.Unix && !spec.IPv4 && !spec.IPv6 {
		spec.IPv4 = true
		spec.IPv6 = globalIPv6
	}

	return spec, nil
}

func (s EndpointSpec) String() string {
	var b strings.Builder
	if s.Unix {
		b.WriteString("unix.")
	} else {
		if s.IPv4 {
			b.WriteString("ipv4.")
		}
		if s.IPv6 {
			b.WriteString("ipv6.")
		}
	}
	if s.TLS {
		b.WriteString("tls.")
	}
	b.WriteString(s.Protocol)
	if s.Name != "" {
		b.WriteString(".")
		b.WriteString(s.Name)
	}
	return b.String()
}
