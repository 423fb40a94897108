package defrag

import (
	"sync"

	"github.com/tidwall/btree"

	"github.com/cyclonedds-go/ddscore/arena"
	"github.com/cyclonedds-go/ddscore/cmn/debug"
	"github.com/cyclonedds-go/ddscore/reorder"
)

// DropPolicy selects the eviction strategy used once n_samples == max_samples.
type DropPolicy int

const (
	// DropOldest evicts the smallest-seqno sample; used for reliable
	// proxy-writers, where an eventually-retransmitted old sample is
	// better than losing a recent one.
	DropOldest DropPolicy = iota
	// DropLatest evicts the largest-seqno sample; used for best-effort
	// proxy-writers, where recent samples are cheap to re-receive but an
	// old partial reassembly should not be starved forever.
	DropLatest
)

// NackResult is the outcome of a NackMap query.
type NackResult int

const (
	UnknownSample NackResult = iota
	AllKnown
	FragmentsMissing
)

// Defrag is a per-proxy-writer fragment reassembler, normally protected
// by its owning proxy-writer's lock; the embedded mutex is a cheap guard
// for callers that don't already serialize access externally.
type Defrag struct {
	mu         sync.Mutex
	dropPolicy DropPolicy
	maxSamples int
	samples    *btree.BTreeG[*dsample]
	maxSample  *dsample // sample with the largest seqno in the tree, or nil
}

func lessBySeq(a, b *dsample) bool { return a.seq < b.seq }

// New creates an empty reassembler holding at most maxSamples partially
// reassembled samples at once.
func New(drop DropPolicy, maxSamples int) *Defrag {
	return &Defrag{
		dropPolicy: drop,
		maxSamples: maxSamples,
		samples:    btree.NewBTreeG(lessBySeq),
	}
}

// Rsample inserts a fragment, returning a completed reorder-form sample if
// this fragment finished reassembly, else nil.
func (d *Defrag) Rsample(rd *arena.Rdata, info SampleInfo) *reorder.Rsample {
	d.mu.Lock()
	defer d.mu.Unlock()

	// non-fragmented data bypasses insertion entirely.
	if rd.Min == 0 && rd.MaxP1 == info.Size {
		return reorder.NewRsampleFromChain(info.Seq, rd, info.Size)
	}

	s, ok := d.samples.Get(&dsample{seq: info.Seq})
	if !ok {
		if !d.makeRoom(info.Seq) {
			rd.Unref()
			return nil
		}
		s = newDsample(info.Seq, info)
		d.samples.Set(s)
		d.updateMax()
	}
	if s.info.Size == 0 {
		s.info = info
	}
	s.insert(rd)

	if s.complete() {
		d.samples.Delete(s)
		d.updateMax()
		return reorder.NewRsampleFromChain(s.seq, s.chain(), s.info.Size)
	}
	return nil
}

// makeRoom ensures a new sample with the given seqno can be admitted,
// applying the configured drop policy if the tree is already at capacity.
// Returns false if the new sample must be rejected outright.
func (d *Defrag) makeRoom(seq uint64) bool {
	if d.samples.Len() < d.maxSamples {
		return true
	}
	min, _ := d.samples.Min()
	max, _ := d.samples.Max()
	switch d.dropPolicy {
	case DropOldest:
		if seq < min.seq {
			return false // older than everything we're keeping
		}
		min.dropAll()
		d.samples.Delete(min)
		return true
	case DropLatest:
		if seq > max.seq {
			return false // newer than the policy wants to keep room for
		}
		max.dropAll()
		d.samples.Delete(max)
		return true
	default:
		debug.Assert(false, "defrag: unknown drop policy")
		return false
	}
}

func (d *Defrag) updateMax() {
	m, ok := d.samples.Max()
	if !ok {
		d.maxSample = nil
		return
	}
	d.maxSample = m
}

// NoteGap discards any samples with seqno in [min, maxp1): the writer has
// told us they will never be (re)transmitted.
func (d *Defrag) NoteGap(min, maxp1 uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var victims []*dsample
	d.samples.Ascend(&dsample{seq: min}, func(s *dsample) bool {
		if s.seq >= maxp1 {
			return false
		}
		victims = append(victims, s)
		return true
	})
	for _, v := range victims {
		v.dropAll()
		d.samples.Delete(v)
	}
	d.updateMax()
}

// Prune drops samples destined for a specific reader below min, used when
// that reader is torn down. The core does not track per-reader fan-out
// within a defrag sample in this simplified model (ownership is per
// proxy-writer, not per reader), so Prune degrades to NoteGap(0, min),
// the conservative, safe behavior of discarding now-unwanted old samples.
func (d *Defrag) Prune(min uint64) {
	d.NoteGap(0, min)
}

// NSamples returns the number of in-flight (incomplete) samples.
func (d *Defrag) NSamples() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.samples.Len()
}

// NackHeader is the base+numbits prefix of a fragment-number-set bitmap,
// shaped so a NACKFRAG submessage can be built from it without reshaping.
type NackHeader struct {
	BitmapBase uint32
	NumBits    uint32
}

// NackMap writes a bitmap whose bit i is set iff fragment BitmapBase+i of
// the sample at seq is missing; BitmapBase is the first missing fragment.
// When the sample record is absent, a caller-advertised fragment count
// (maxFragNum > 0) yields an all-missing map; otherwise UnknownSample.
// The window saturates at maxBits bits.
func (d *Defrag) NackMap(seq uint64, maxFragNum, fragSize uint32, bits []uint32, maxBits uint32) (NackResult, NackHeader) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.samples.Get(&dsample{seq: seq})
	if !ok {
		if maxFragNum == 0 {
			return UnknownSample, NackHeader{}
		}
		n := maxFragNum
		if n > maxBits {
			n = maxBits
		}
		for i := uint32(0); i < n; i++ {
			setBit(bits, i)
		}
		return FragmentsMissing, NackHeader{NumBits: n}
	}

	numFrags := maxFragNum
	if s.info.Size > 0 && fragSize > 0 {
		numFrags = (s.info.Size + fragSize - 1) / fragSize
	}

	base := numFrags
	for f := uint32(0); f < numFrags; f++ {
		if !s.covers(f * fragSize) {
			base = f
			break
		}
	}
	if base == numFrags {
		return AllKnown, NackHeader{BitmapBase: base}
	}

	n := numFrags - base
	if n > maxBits {
		n = maxBits
	}
	for i := uint32(0); i < n; i++ {
		if !s.covers((base + i) * fragSize) {
			setBit(bits, i)
		}
	}
	return FragmentsMissing, NackHeader{BitmapBase: base, NumBits: n}
}

func setBit(words []uint32, i uint32) {
	words[i/32] |= 1 << (i % 32)
}

// covers reports whether byte offset off falls inside some received
// interval of the sample.
func (s *dsample) covers(off uint32) bool {
	for _, iv := range s.ivs {
		if off >= iv.min && off < iv.maxp1 {
			return true
		}
	}
	return false
}
