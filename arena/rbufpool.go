package arena

import (
	"github.com/cyclonedds-go/ddscore/cmn/debug"
)

// OwnerToken identifies the single thread (goroutine) allowed to allocate
// from a Pool. Go has no portable goroutine-id API, so ownership is an
// explicit token the caller carries across calls and that debug builds
// assert against, rather than a reflected runtime thread id.
type OwnerToken struct{ _ int }

// NewOwnerToken mints a token for the thread that will own a Pool.
func NewOwnerToken() *OwnerToken { return &OwnerToken{} }

// Pool is a bump-allocation arena bound to one receive thread.
type Pool struct {
	owner       *OwnerToken
	rbufSize    int
	maxRmsgSize int
	cur         *Rbuf
}

// NewPool creates a pool bound to owner, with rbufs of rbufSize bytes and
// a worst-case single-message size of maxRmsgSize.
func NewPool(owner *OwnerToken, rbufSize, maxRmsgSize int) *Pool {
	debug.Assert(maxRmsgSize <= rbufSize, "arena: maxRmsgSize must fit within one rbuf")
	p := &Pool{owner: owner, rbufSize: rbufSize, maxRmsgSize: maxRmsgSize}
	p.cur = newRbuf(rbufSize)
	p.cur.ref() // the pool's own "current" reference
	return p
}

// NewRmsg returns an uncommitted rmsg with refcount UncommittedBias.
// Only the pool's owner thread may call this.
func (p *Pool) NewRmsg(owner *OwnerToken) *Rmsg {
	debug.Assert(owner == p.owner, "arena: rmsg_new called by non-owner thread")
	if !p.cur.fits(p.maxRmsgSize) {
		p.replaceCurrent()
	}
	p.cur.ref() // the rmsg about to be built holds a chunk reference
	return newRmsg(p, p.cur, p.maxRmsgSize)
}

// replaceCurrent swaps in a fresh rbuf when the current one cannot fit the
// next worst-case message. The old rbuf lingers, referenced only through
// the rmsgs already drawn from it, until its last chunk reference drops.
func (p *Pool) replaceCurrent() {
	p.cur.unref() // drop the pool's own "current" reference
	p.cur = newRbuf(p.rbufSize)
	p.cur.ref() // the pool's new "current" reference
}

// freshChunk allocates (from a brand new rbuf) an admin chunk of at least
// n bytes for an rmsg that has outgrown its original chunk. The new rbuf
// becomes the pool's current rbuf when it has the standard rbuf size (that
// is, when n <= rbufSize).
func (p *Pool) freshChunk(n int) *Rbuf {
	size := p.rbufSize
	if n > size {
		size = n
	}
	rb := newRbuf(size)
	rb.ref() // the rmsg's own chunk reference
	if size == p.rbufSize {
		p.cur.unref() // release the pool's reference to the outgoing current rbuf
		p.cur = rb
		rb.ref() // the pool's new "current" reference
	}
	return rb
}

// CurrentChunkRefCount is a diagnostic accessor (tests/metrics only).
func (p *Pool) CurrentChunkRefCount() int32 { return p.cur.refCount() }
