// Package reorder holds, per proxy-writer (or out-of-sync reader match),
// completed samples keyed by sequence number and decides when they become
// deliverable: accumulate out-of-order runs, drain in order.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package reorder

import "github.com/cyclonedds-go/ddscore/arena"

// Entry is one delivered-or-pending sample within a run. A gap entry
// (Gap == true) carries no fragchain and represents an acknowledged
// absence of that sequence number.
type Entry struct {
	Seq   uint64
	Chain *arena.Rdata
	Gap   bool
}

// Rsample is a run of consecutive sequence numbers [Min, MaxP1) with one
// Entry per covered seqno.
type Rsample struct {
	Min, MaxP1 uint64
	Entries    []Entry
}

// NewRsampleFromChain wraps a single completed fragchain (handed up by
// defrag, or passed through directly for unfragmented data) as a
// single-entry run.
func NewRsampleFromChain(seq uint64, chain *arena.Rdata, _ uint32) *Rsample {
	return &Rsample{Min: seq, MaxP1: seq + 1, Entries: []Entry{{Seq: seq, Chain: chain}}}
}

// NewGapRsample builds a run of gap placeholders covering [min, maxp1).
func NewGapRsample(min, maxp1 uint64) *Rsample {
	entries := make([]Entry, 0, maxp1-min)
	for s := min; s < maxp1; s++ {
		entries = append(entries, Entry{Seq: s, Gap: true})
	}
	return &Rsample{Min: min, MaxP1: maxp1, Entries: entries}
}

// append concatenates other (covering the seqnos immediately after r, i.e.
// other.Min == r.MaxP1) onto r, returning the combined run.
func (r *Rsample) append(other *Rsample) *Rsample {
	entries := make([]Entry, 0, len(r.Entries)+len(other.Entries))
	entries = append(entries, r.Entries...)
	entries = append(entries, other.Entries...)
	return &Rsample{Min: r.Min, MaxP1: other.MaxP1, Entries: entries}
}

// prepend is the mirror of append: other covers the seqnos immediately
// before r (other.MaxP1 == r.Min).
func (r *Rsample) prepend(other *Rsample) *Rsample {
	return other.append(r)
}

// DupFirst clones the head entry of a run for insertion into a secondary
// index (an out-of-sync reader catching up on the same writer stream).
// Each fragment's rmsg is charged a fresh bias so the clone's lifetime is
// accounted independently of the original's.
func (r *Rsample) DupFirst() *Rsample {
	e := r.Entries[0]
	if !e.Gap && e.Chain != nil {
		for rd := e.Chain; rd != nil; rd = rd.NextFrag {
			rd.AddBias()
		}
	}
	return &Rsample{Min: e.Seq, MaxP1: e.Seq + 1, Entries: []Entry{e}}
}

// unrefAll releases every non-gap entry's fragchain, used when a run is
// rejected, evicted, or noted-gapped-over without ever being delivered.
func (r *Rsample) unrefAll() {
	for _, e := range r.Entries {
		if !e.Gap && e.Chain != nil {
			arena.FragchainUnref(e.Chain)
		}
	}
}

// trimBefore drops entries with Seq < upto, narrowing Min upward. Used by
// DropUpto when upto falls inside a stored run.
func (r *Rsample) trimBefore(upto uint64) *Rsample {
	if upto <= r.Min {
		return r
	}
	if upto >= r.MaxP1 {
		r.unrefAllUpTo(r.MaxP1)
		return nil
	}
	cut := int(upto - r.Min)
	for _, e := range r.Entries[:cut] {
		if !e.Gap && e.Chain != nil {
			arena.FragchainUnref(e.Chain)
		}
	}
	r.Entries = r.Entries[cut:]
	r.Min = upto
	return r
}

func (r *Rsample) unrefAllUpTo(uint64) { r.unrefAll() }
