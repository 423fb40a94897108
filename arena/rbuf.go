// Package arena implements the bump-allocated receive-buffer pool: the
// rbufpool/rbuf/rmsg/rdata chain that backs the RTPS receive path. One
// pool owns same-sized chunks, handed out and reclaimed by refcount
// rather than by an individual free call.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package arena

import (
	"go.uber.org/atomic"
)

// Rbuf is one bump-allocation arena chunk of configurable size, owned by a
// single receive thread. freeptr advances when an rmsg is created (by the
// full worst-case payload size, which a later SetSize does not give back)
// and on each admin Alloc; Commit does not move it. A new rbuf is allocated
// when the current one cannot fit the next worst-case message.
type Rbuf struct {
	data    []byte
	freeptr int32 // only ever touched by the owning thread
	size    int32

	// live counts outstanding rmsgs with at least one chunk drawn from this
	// rbuf. Any thread may decrement it; the rbuf is reclaimable once it
	// reaches zero and the pool no longer considers it current.
	live atomic.Int32
}

func newRbuf(size int) *Rbuf {
	// live starts at zero: the caller (the pool) is responsible for ref()ing
	// once per holder: its own "current" pointer, and once per rmsg chunk
	// drawn from it.
	return &Rbuf{
		data: make([]byte, size),
		size: int32(size),
	}
}

// fits reports whether n more bytes can be bump-allocated from this chunk
// without a new rbuf.
func (b *Rbuf) fits(n int) bool {
	return int(b.freeptr)+n <= int(b.size)
}

// alloc bump-allocates n bytes from this chunk. Caller must have verified
// fits(n); only the owning thread may call this.
func (b *Rbuf) alloc(n int) []byte {
	off := b.freeptr
	b.freeptr += int32(n)
	return b.data[off:b.freeptr]
}

// ref/unref track outstanding rmsg chunks drawn from this rbuf.
func (b *Rbuf) ref()   { b.live.Inc() }
func (b *Rbuf) unref() { b.live.Dec() }

// refCount returns the current live-chunk count (diagnostic/test use).
func (b *Rbuf) refCount() int32 { return b.live.Load() }
