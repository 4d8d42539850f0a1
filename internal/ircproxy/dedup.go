package ircproxy

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// dedupRing is a small fixed-size ring of recently seen raw-trace hashes.
// upstream.Server's inbound subscription has at-least-once delivery
// semantics (§9); this lets onUpstreamInbound drop an exact redelivery of
// the same line instead of mirroring it to the client twice.
type dedupRing struct {
	mu     sync.Mutex
	hashes []uint64
	next   int
	filled bool
}

func newDedupRing(size int) *dedupRing {
	return &dedupRing{hashes: make([]uint64, size)}
}

// seen reports whether line was already recorded, and records it.
func (d *dedupRing) seen(line string) bool {
	h := xxhash.Sum64String(line)

	d.mu.Lock()
	defer d.mu.Unlock()

	limit := d.next
	if d.filled {
		limit = len(d.hashes)
	}
	for i := 0; i < limit; i++ {
		if d.hashes[i] == h {
			return true
		}
	}

	d.hashes[d.next] = h
	d.next++
	if d.next == len(d.hashes) {
		d.next = 0
		d.filled = true
	}
	return false
}
