package relay

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// ClientRecord is the persisted shape of one connection (§6 "Persisted
// state layout"). Sockets and live subscriptions are never serialized —
// only the metadata needed to recreate bookkeeping after a restart; see
// SPEC_FULL.md §4.12 for the Open-Question decision that a restart never
// attempts live fd hand-off.
type ClientRecord struct {
	ID          uint64    `json:"id"`
	Descriptor  string    `json:"descriptor"`
	PeerAddr    string    `json:"peer_addr"`
	RealIP      string    `json:"real_ip,omitempty"`
	ProtoKind   int       `json:"proto_kind"`
	ProtoArgs   string    `json:"proto_args,omitempty"`
	Nick        string    `json:"nick,omitempty"`
	Status      string    `json:"status"`
	BytesIn     uint64    `json:"bytes_in"`
	BytesOut    uint64    `json:"bytes_out"`
	ConnectedAt time.Time `json:"connected_at"`
	Nonce       string    `json:"nonce,omitempty"`
	HashAlgo    int       `json:"hash_algo"`
}

// ServerRecord is the persisted shape of one listener.
type ServerRecord struct {
	EndpointSpec         string    `json:"endpoint_spec"`
	LastClientDisconnect time.Time `json:"last_client_disconnect"`
}

// StateDump is the full serialized snapshot: one record per listener and
// one per connection. No raw-message records are written.
type StateDump struct {
	Servers []ServerRecord `json:"servers"`
	Clients []ClientRecord `json:"clients"`
}

// Snapshot builds a StateDump from the core's current listeners and
// connections. Every live connection's status is forced to "disconnected"
// per §6 ("forced to disconnected on controlled shutdown").
func (core *Core) Snapshot() StateDump {
	var dump StateDump
	for _, l := range core.Listeners() {
		dump.Servers = append(dump.Servers, ServerRecord{
			EndpointSpec:         l.Spec.String(),
			LastClientDisconnect: l.LastClientDisconnect(),
		})
		for _, c := range l.Connections() {
			stats := c.Stats()
			dump.Clients = append(dump.Clients, ClientRecord{
				ID:          c.ID,
				Descriptor:  c.Descriptor,
				PeerAddr:    peerAddrString(c.RemoteAddr),
				RealIP:      peerAddrString(c.RealIP),
				ProtoKind:   int(c.ProtoKind),
				ProtoArgs:   c.ProtoArgs,
				Status:      "disconnected",
				BytesIn:     stats.BytesIn,
				BytesOut:    stats.BytesOut,
				ConnectedAt: stats.ConnectedAt,
				Nonce:       c.Nonce,
				HashAlgo:    int(c.HashAlgo),
			})
		}
	}
	return dump
}

func peerAddrString(ip net.IP) string {
	if len(ip) == 0 {
		return ""
	}
	return ip.String()
}

// DumpToFile atomically writes dump as JSON to path (write to a temp file
// in the same directory, then rename, so a crash mid-write never leaves a
// truncated state file behind).
func DumpToFile(path string, dump StateDump) error {
	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return fmt.Errorf("relay: marshaling state dump: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("relay: writing state dump: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("relay: committing state dump: %w", err)
	}
	return nil
}

// LoadFromFile reads a previously written StateDump. A missing file is not
// an error (first run / clean shutdown without a dump).
func LoadFromFile(path string) (StateDump, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return StateDump{}, nil
	}
	if err != nil {
		return StateDump{}, fmt.Errorf("relay: reading state dump: %w", err)
	}
	var dump StateDump
	if err := json.Unmarshal(data, &dump); err != nil {
		return StateDump{}, fmt.Errorf("relay: parsing state dump %s: %w", filepath.Base(path), err)
	}
	return dump, nil
}
