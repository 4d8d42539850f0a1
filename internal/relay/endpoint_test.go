package relay

import "testing"

func TestParseEndpointSpecDefaults(t *testing.T) {
	spec, err := ParseEndpointSpec("irc", "6667", true)
	if err != nil {
		t.Fatal(err)
	}
	if !spec.IPv4 || !spec.IPv6 || spec.TLS || spec.Unix {
		t.Fatalf("unexpected defaults: %+v", spec)
	}
	if spec.Protocol != "irc" {
		t.Fatalf("unexpected protocol: %s", spec.Protocol)
	}
}

func TestParseEndpointSpecFlags(t *testing.T) {
	spec, err := ParseEndpointSpec("tls.irc.freenode", "6697", false)
	if err != nil {
		t.Fatal(err)
	}
	if !spec.TLS || spec.Protocol != "irc" || spec.Name != "freenode" {
		t.Fatalf("unexpected spec: %+v", spec)
	}
	if spec.IPv6 {
		t.Fatal("expected ipv6 disabled by default when globalIPv6 is false")
	}
}

func TestParseEndpointSpecUnix(t *testing.T) {
	spec, err := ParseEndpointSpec("unix.tls.weechat", "/run/relay.sock", true)
	if err != nil {
		t.Fatal(err)
	}
	if !spec.Unix || !spec.TLS || spec.Protocol != "weechat" {
		t.Fatalf("unexpected spec: %+v", spec)
	}
	if spec.IPv4 || spec.IPv6 {
		t.Fatal("unix sockets should not also enable ipv4/ipv6")
	}
}

func TestParseEndpointSpecInvalid(t *testing.T) {
	if _, err := ParseEndpointSpec("tls.bogus", "1234", false); err == nil {
		t.Fatal("expected error for unsupported protocol")
	}
}

func TestEndpointSpecStringRoundTrip(t *testing.T) {
	spec, err := ParseEndpointSpec("ipv4.tls.irc.freenode", "6697", false)
	if err != nil {
		t.Fatal(err)
	}
	again, err := ParseEndpointSpec(spec.String(), "6697", false)
	if err != nil {
		t.Fatal(err)
	}
	if again != spec {
		t.Fatalf("round trip mismatch: %+v vs %+v", spec, again)
	}
}
