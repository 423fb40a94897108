package reorder

import (
	"sync"

	cuckoo "github.com/seiflotfy/cuckoofilter"
	"github.com/tidwall/btree"

	"github.com/cyclonedds-go/ddscore/cmn/debug"
)

// Mode selects how a Reorder decides a run is deliverable.
type Mode int

const (
	// Normal only delivers runs that extend the contiguous prefix starting
	// at NextSeq; everything else is held pending the missing predecessor.
	Normal Mode = iota
	// MonotonicallyIncreasing delivers any run at or past NextSeq
	// immediately, accepting permanent loss of anything skipped over.
	MonotonicallyIncreasing
	// AlwaysDeliver delivers every run immediately regardless of ordering,
	// including runs behind NextSeq; NextSeq only ever moves forward. Used
	// for best-effort readers with relaxed ordering.
	AlwaysDeliver
)

// Result is the outcome of Rsample/Gap. A positive value is the number of
// entries in the chain now deliverable; the three named values are
// sentinels.
type Result int

const (
	// Reject means the incoming run duplicates or is contained within
	// already-stored or already-delivered data, or that it could not be
	// stored (the index is at capacity, or the delivery queue is full in
	// late-ack mode); its fragchain has been released.
	Reject Result = -2
	// TooOld means the incoming run is entirely behind NextSeq; its
	// fragchain has been released.
	TooOld Result = -1
	// Accept means the run was stored for later delivery; nothing is
	// deliverable yet.
	Accept Result = 0
)

// Reorder holds, per proxy-writer/reader match, out-of-order completed
// samples until they can be delivered in sequence. It owns no fragchain it
// hasn't either stored or handed back to the caller as part of a
// deliverable run: on Reject/TooOld the fragchain is released inline, so
// callers never need a separate refcount-adjust step.
type Reorder struct {
	mu         sync.Mutex
	mode       Mode
	maxSamples int
	lateAck    bool

	nextSeq uint64
	tree    *btree.BTreeG[*Rsample] // keyed by Min; non-overlapping, non-adjacent runs
	seen    *cuckoo.Filter          // fast probabilistic reject of stale retransmissions
}

func lessByMin(a, b *Rsample) bool { return a.Min < b.Min }

// New creates an empty reorder index starting at sequence number 1.
func New(mode Mode, maxSamples int, lateAck bool) *Reorder {
	capacity := uint(maxSamples * 8)
	if capacity < 1024 {
		capacity = 1024
	}
	return &Reorder{
		mode:       mode,
		maxSamples: maxSamples,
		lateAck:    lateAck,
		nextSeq:    1,
		tree:       btree.NewBTreeG(lessByMin),
		seen:       cuckoo.NewFilter(capacity),
	}
}

// NStored returns the number of runs currently held back waiting for
// earlier sequence numbers.
func (r *Reorder) NStored() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.Len()
}

// NextSeq returns the lowest sequence number not yet delivered.
func (r *Reorder) NextSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextSeq
}

// WantSample reports whether seq is still of interest: not already
// delivered, and not already fully covered by a stored run.
func (r *Reorder) WantSample(seq uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seq < r.nextSeq {
		return false
	}
	if s, ok := r.predecessorOrEqual(seq); ok && s.Min <= seq && seq < s.MaxP1 {
		return false
	}
	return true
}

// Rsample inserts a single completed fragchain. deliveryFull signals the
// delivery queue has no room, which forces an at-capacity Reorder to reject
// new out-of-order data rather than evict something already waiting.
func (r *Reorder) Rsample(rs *Rsample, deliveryFull bool) (Result, *Rsample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insert(rs, deliveryFull)
}

// Gap records an acknowledged absence of [min, maxp1), which can itself
// unblock delivery of already-stored runs in Normal mode.
func (r *Reorder) Gap(min, maxp1 uint64) (Result, *Rsample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insert(NewGapRsample(min, maxp1), false)
}

func (r *Reorder) insert(rs *Rsample, deliveryFull bool) (Result, *Rsample) {
	if r.mode == AlwaysDeliver {
		if rs.MaxP1 > r.nextSeq {
			r.nextSeq = rs.MaxP1
		}
		r.markSeen(rs)
		return Result(len(rs.Entries)), rs
	}

	if rs.MaxP1 <= r.nextSeq {
		rs.unrefAll()
		return TooOld, nil
	}

	switch r.mode {
	case MonotonicallyIncreasing:
		if rs.Min < r.nextSeq {
			rs = rs.trimBefore(r.nextSeq)
			if rs == nil {
				return TooOld, nil
			}
		}
		r.nextSeq = rs.MaxP1
		r.markSeen(rs)
		return Result(len(rs.Entries)), rs
	}

	// Normal mode. In late-ack mode the writer has not yet been ack'd for
	// anything the delivery queue can't absorb, so a full queue rejects new
	// out-of-order data outright rather than letting the backlog stall the
	// pipeline.
	if deliveryFull && r.lateAck && rs.Min != r.nextSeq {
		rs.unrefAll()
		return Reject, nil
	}
	if rs.Min == r.nextSeq {
		out := rs
		r.nextSeq = rs.MaxP1
		for {
			nxt, ok := r.tree.Min()
			if !ok || nxt.Min != r.nextSeq {
				break
			}
			r.tree.Delete(nxt)
			out = out.append(nxt)
			r.nextSeq = out.MaxP1
		}
		r.markSeen(out)
		return Result(len(out.Entries)), out
	}

	if rs.Min < r.nextSeq {
		rs = rs.trimBefore(r.nextSeq)
		if rs == nil {
			return TooOld, nil
		}
		return r.insert(rs, deliveryFull)
	}

	// With the delivery queue full, loss is already sanctioned; a cheap
	// probabilistic hit on a previously seen head seqno short-circuits the
	// tree walk for likely retransmissions. Never consulted otherwise: a
	// false positive must not be able to reject fresh data on a reliable
	// stream.
	if deliveryFull && r.seen.Lookup(seqKey(rs.Min)) {
		rs.unrefAll()
		return Reject, nil
	}

	if pred, ok := r.predecessorOrEqual(rs.Min); ok {
		if pred.Min == rs.Min || pred.MaxP1 >= rs.MaxP1 {
			// exact duplicate key, or fully contained in an existing run.
			rs.unrefAll()
			return Reject, nil
		}
		if pred.MaxP1 >= rs.Min {
			r.tree.Delete(pred)
			if pred.MaxP1 > rs.Min {
				// overlap rather than a clean touch: trim the new run down
				// to what pred doesn't already cover.
				rs = rs.trimBefore(pred.MaxP1)
			}
			if rs == nil {
				pred.unrefAll()
				return Reject, nil
			}
			rs = rs.prepend(pred)
		}
	}
	if succ, ok := r.successor(rs.MaxP1 - 1); ok && rs.MaxP1 >= succ.Min {
		r.tree.Delete(succ)
		if rs.MaxP1 > succ.Min {
			// overlap: the stored successor starts inside rs; nothing of
			// succ survives (rs.MaxP1 >= succ.MaxP1 would already have
			// been caught as full containment had roles been reversed,
			// but guard defensively by trimming succ's own start forward).
			rs = rs.append(succ)
		} else {
			rs = rs.append(succ)
		}
	}

	if r.tree.Len() >= r.maxSamples {
		// maxSamples == 0 means there is never room to evict into, so
		// every out-of-order sample is rejected outright.
		if deliveryFull || r.maxSamples <= 0 {
			rs.unrefAll()
			return Reject, nil
		}
		if max, ok := r.tree.Max(); ok {
			max.unrefAll()
			r.tree.Delete(max)
		}
	}

	r.tree.Set(rs)
	r.markSeen(rs)
	return Accept, nil
}

// DropUpto discards any stored data below maxp1 and advances NextSeq to at
// least maxp1. Used when a writer's samples age out via QoS history
// depth/lifespan, or the proxy-writer itself is disposed.
func (r *Reorder) DropUpto(maxp1 uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var victims []*Rsample
	r.tree.Ascend(&Rsample{Min: 0}, func(s *Rsample) bool {
		if s.Min >= maxp1 {
			return false
		}
		victims = append(victims, s)
		return true
	})
	for _, v := range victims {
		r.tree.Delete(v)
		if trimmed := v.trimBefore(maxp1); trimmed != nil {
			r.tree.Set(trimmed)
		}
	}
	if maxp1 > r.nextSeq {
		r.nextSeq = maxp1
	}
}

// NackHeader is the base+numbits prefix of a sequence-number-set bitmap,
// shaped so an ACKNACK submessage can be built from it without reshaping.
type NackHeader struct {
	Base    uint64
	NumBits uint32
}

// NackMap writes a bitmap whose bit i is set iff sequence number
// header.Base+i is still missing, covering [base, maxSeq]. base is clamped
// up to the current low-water mark: nothing already delivered is ever
// nack'd. With noTail, sequence numbers past the highest stored sample are
// left out of the window (a heartbeat may advertise them, but requesting
// the tail before the holes is counterproductive). Returns the header and
// the number of missing sequence numbers recorded.
func (r *Reorder) NackMap(base, maxSeq uint64, bits []uint32, maxBits uint32, noTail bool) (NackHeader, uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if base < r.nextSeq {
		base = r.nextSeq
	}
	hi := maxSeq
	if noTail {
		if max, ok := r.tree.Max(); ok && max.MaxP1-1 < hi {
			hi = max.MaxP1 - 1
		}
	}
	if hi < base {
		return NackHeader{Base: base}, 0
	}
	n := hi - base + 1
	if n > uint64(maxBits) {
		n = uint64(maxBits)
	}

	missing := uint32(0)
	for i := uint32(0); uint64(i) < n; i++ {
		seq := base + uint64(i)
		if s, ok := r.predecessorOrEqual(seq); ok && s.Min <= seq && seq < s.MaxP1 {
			continue
		}
		setBit(bits, i)
		missing++
	}
	return NackHeader{Base: base, NumBits: uint32(n)}, missing
}

func (r *Reorder) predecessorOrEqual(seq uint64) (*Rsample, bool) {
	var found *Rsample
	r.tree.Descend(&Rsample{Min: seq}, func(s *Rsample) bool {
		found = s
		return false
	})
	if found == nil || found.Min > seq {
		return nil, false
	}
	return found, true
}

func (r *Reorder) successor(seq uint64) (*Rsample, bool) {
	var found *Rsample
	r.tree.Ascend(&Rsample{Min: seq}, func(s *Rsample) bool {
		found = s
		return false
	})
	if found == nil {
		return nil, false
	}
	return found, true
}

func (r *Reorder) markSeen(rs *Rsample) {
	debug.Assert(rs != nil, "reorder: markSeen on nil run")
	r.seen.InsertUnique(seqKey(rs.Min))
}

func seqKey(seq uint64) []byte {
	return []byte{
		byte(seq), byte(seq >> 8), byte(seq >> 16), byte(seq >> 24),
		byte(seq >> 32), byte(seq >> 40), byte(seq >> 48), byte(seq >> 56),
	}
}

func setBit(words []uint32, i uint32) {
	words[i/32] |= 1 << (i % 32)
}
