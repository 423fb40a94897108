package arena

import (
	"go.uber.org/atomic"

	"github.com/cyclonedds-go/ddscore/cmn/debug"
	"github.com/cyclonedds-go/ddscore/cmn/nlog"
)

// Refcount biasing constants. An rmsg is born with UncommittedBias, and
// every rdata derived from it contributes RdataBias, so the synchronous
// receive path can hand an rdata to any number of indexes without one
// atomic op per index; a single net adjustment settles the count after.
const (
	UncommittedBias int64 = 1 << 31
	RdataBias       int64 = 1 << 20
)

// Rmsg is a chunk inside an rbuf holding one inbound datagram plus all
// admin derived from it. Its refcount is biased by UncommittedBias while
// uncommitted and by RdataBias per referenced rdata during synchronous
// processing, so indexing fan-out costs O(1) atomic ops regardless of how
// many indexes accept a given rdata.
type Rmsg struct {
	pool *Pool

	// primary and any overflow chunks this rmsg spans; released together.
	chunks []*Rbuf
	cur    *Rbuf // chunk admin allocations currently draw from

	payload []byte // the datagram payload itself, from chunks[0]
	size    int32

	refcount atomic.Int64
	freed    atomic.Bool
}

// newRmsg allocates an uncommitted rmsg from the pool's current rbuf,
// reserving room for up to maxPayload bytes of datagram payload.
func newRmsg(p *Pool, rb *Rbuf, maxPayload int) *Rmsg {
	m := &Rmsg{pool: p, chunks: []*Rbuf{rb}, cur: rb}
	m.payload = rb.alloc(maxPayload)
	m.refcount.Store(UncommittedBias)
	return m
}

// Payload returns the buffer the caller should fill with the datagram.
func (m *Rmsg) Payload() []byte { return m.payload }

// SetSize records the actual received size once known; must be <=
// len(m.Payload()).
func (m *Rmsg) SetSize(n int) {
	debug.Assert(n <= len(m.payload), "rmsg: size exceeds reserved payload")
	m.size = int32(n)
	m.payload = m.payload[:n]
}

func (m *Rmsg) Size() int { return int(m.size) }

// Alloc bump-allocates n admin bytes bound to this rmsg's lifetime,
// spilling into a fresh chunk (from a new rbuf) if the current one is
// full. Only the pool's owning thread may call this.
func (m *Rmsg) Alloc(n int) []byte {
	if !m.cur.fits(n) {
		rb := m.pool.freshChunk(n)
		m.chunks = append(m.chunks, rb)
		m.cur = rb
	}
	return m.cur.alloc(n)
}

// AddBias adds n to the refcount without any release check, used when a
// new rdata is created (n = RdataBias) or when a downstream index takes an
// extra synchronous reference beyond what the initial bias already covers.
func (m *Rmsg) AddBias(n int64) { m.refcount.Add(n) }

// Commit releases the UNCOMMITTED_BIAS contribution. Always safe to call,
// including on a message nothing else ever referenced.
func (m *Rmsg) Commit() { m.adjust(-UncommittedBias) }

// adjust applies delta to the refcount and frees the rmsg (releasing all
// of its chunks) once it reaches zero.
func (m *Rmsg) adjust(delta int64) {
	n := m.refcount.Add(delta)
	debug.Assert(n >= 0, "rmsg: refcount went negative")
	if n == 0 {
		m.free()
	}
}

func (m *Rmsg) free() {
	if !m.freed.CAS(false, true) {
		return // already released (defensive; should not happen under the protocol)
	}
	for _, rb := range m.chunks {
		rb.unref()
	}
	if nlog.Rom.FastV(5, "arena") {
		nlog.Infoln("arena: rmsg released", len(m.chunks), "chunk(s)")
	}
}

// Refcount is a diagnostic accessor (tests/metrics only).
func (m *Rmsg) Refcount() int64 { return m.refcount.Load() }
