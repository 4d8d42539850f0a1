// Package relaymetrics tracks the accept/admission counters surfaced by the
// daemon's `/webirc/_status`-style debug endpoint (ported from the teacher's
// startup.go HandleFunc("/webirc/_status", ...)).
package relaymetrics

import "sync"

// Counters is a process-wide set of admission counters. The zero value is
// not usable; build one with New.
type Counters struct {
	mu sync.Mutex

	accepted     int64
	rejected     int64
	dnsblBlocked int64
	byReason     map[string]int64
}

// New returns an empty Counters ready to record.
func New() *Counters {
	return &Counters{byReason: make(map[string]int64)}
}

// IncAccepted records one successfully admitted connection.
func (c *Counters) IncAccepted() {
	c.mu.Lock()
	c.accepted++
	c.mu.Unlock()
}

// IncRejected records one connection turned away by checkAdmission, tallied
// by the AdmissionError.Reason string (§4.1).
func (c *Counters) IncRejected(reason string) {
	c.mu.Lock()
	c.rejected++
	c.byReason[reason]++
	c.mu.Unlock()
}

// IncDNSBLBlocked records one connection closed by the asynchronous DNSBL
// check (§4.2), counted separately from IncRejected since it happens after
// accept rather than during checkAdmission.
func (c *Counters) IncDNSBLBlocked() {
	c.mu.Lock()
	c.dnsblBlocked++
	c.mu.Unlock()
}

// Snapshot is a point-in-time, race-free copy of the counters.
type Snapshot struct {
	Accepted     int64
	Rejected     int64
	DNSBLBlocked int64
	ByReason     map[string]int64
}

// Snapshot copies the current counter values.
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	byReason := make(map[string]int64, len(c.byReason))
	for k, v := range c.byReason {
		byReason[k] = v
	}
	return Snapshot{
		Accepted:     c.accepted,
		Rejected:     c.rejected,
		DNSBLBlocked: c.dnsblBlocked,
		ByReason:     byReason,
	}
}
