package relay

import (
	"io"
	"net"
	"sync"
	"time"
)

// outboundEntry is one queued byte run, plus the trace bookkeeping needed
// so the raw tracer records it exactly once even though Go's net.Conn.Write
// already writes the whole run atomically (no manual EAGAIN loop is needed
// the way the original nonblocking C implementation needs one — see
// OutboundQueue doc comment).
type outboundEntry struct {
	payload []byte
	msgType MsgType
	traced  bool
}

// OutboundQueue is the per-connection FIFO of §3/§4.7. The original design
// is built around a nonblocking socket drained by a retry timer on EAGAIN;
// Go's net.Conn.Write blocks until the whole buffer is written or an error
// occurs, so this is re-expressed as a single dedicated writer goroutine per
// connection consuming a mutex-guarded slice queue, which gives the same
// FIFO and "exactly once" trace guarantees without needing a separate retry
// timer — the writer goroutine *is* the retry loop.
type OutboundQueue struct {
	mu     sync.Mutex
	items  []outboundEntry
	wake   chan struct{}
	closed bool

	conn   net.Conn
	tracer *RawTracer

	// encode wraps a payload for the wire (e.g. WebSocket framing) before
	// it is written. May be nil (raw passthrough).
	encode func(MsgType, []byte) []byte

	onFatalErr func(error)
}

// NewOutboundQueue builds a queue writing to conn, tracing through tracer
// (may be nil to disable tracing), optionally encoding each payload via
// encode, and calling onFatalErr exactly once on the first write error.
func NewOutboundQueue(conn net.Conn, tracer *RawTracer, encode func(MsgType, []byte) []byte, onFatalErr func(error)) *OutboundQueue {
	q := &OutboundQueue{
		conn:       conn,
		tracer:     tracer,
		encode:     encode,
		onFatalErr: onFatalErr,
		wake:       make(chan struct{}, 1),
	}
	go q.writerLoop()
	return q
}

// Send enqueues payload for transmission, preserving FIFO order (§8
// "ordering" invariant).
func (q *OutboundQueue) Send(msgType MsgType, payload []byte) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, outboundEntry{payload: payload, msgType: msgType})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Close stops the writer goroutine and drops any queued entries (§4.2:
// "entering any terminal state ... drop the outbound queue").
func (q *OutboundQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pending reports whether the queue currently holds undelivered entries
// (§3 invariant: "a connection with a non-empty queue has a registered
// retry timer" — here that's just "the writer goroutine is still draining").
func (q *OutboundQueue) Pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) > 0
}

func (q *OutboundQueue) writerLoop() {
	for range q.wake {
		for {
			q.mu.Lock()
			if q.closed || len(q.items) == 0 {
				q.mu.Unlock()
				break
			}
			entry := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()

			wire := entry.payload
			if q.encode != nil {
				wire = q.encode(entry.msgType, entry.payload)
			}

			_, err := q.conn.Write(wire)

			// The raw-trace record is emitted exactly once, right here,
			// regardless of whether the underlying Write internally issued
			// multiple syscalls — Go's blocking Write already guarantees
			// the whole buffer is sent as one logical unit or an error is
			// returned, so there is no "split across writes" case to guard
			// against the way the nonblocking original has to.
			if q.tracer != nil {
				q.tracer.Record(RawMessage{
					Time:    time.Now(),
					Out:     true,
					Type:    entry.msgType,
					Payload: entry.payload,
				})
			}

			if err != nil {
				if err == io.EOF {
					q.onFatalErr(err)
					return
				}
				q.onFatalErr(err)
				return
			}
		}
		if q.closedNow() {
			return
		}
	}
}

func (q *OutboundQueue) closedNow() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
