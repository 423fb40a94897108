// Package defrag assembles DATA/DATAFRAG submessages into complete
// samples using a per-proxy-writer index of received byte intervals,
// bounded by a sample budget with a per-reliability drop policy.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package defrag

import (
	"github.com/cyclonedds-go/ddscore/arena"
)

// SampleInfo carries the metadata cached from the first-received fragment
// of a sample: enough to know its total size and identify it across the
// reassembly/reorder boundary. The full RTPS sample-info record (writer
// GUID, timestamp, instance state, ...) belongs to the submessage layer
// above; this is deliberately the minimal shape reassembly needs.
type SampleInfo struct {
	Seq  uint64
	Size uint32 // total serialized sample size; 0 until known
}

// interval is one contiguous run of received bytes for one sample, with
// head/tail pointers into an rdata chain.
type interval struct {
	min, maxp1 uint32
	head, tail *arena.Rdata
}

// dsample is one partially-reassembled sample keyed by sequence number.
// Intervals are kept in a min-sorted slice: per-sample fragment counts are
// small in practice, and the interval invariant (non-overlapping,
// non-adjacent, immediately merged) keeps the slice short besides.
type dsample struct {
	seq  uint64
	info SampleInfo

	ivs    []*interval // sorted ascending by min, non-overlapping, non-adjacent
	maxIdx int         // index of the highest-min interval; insert itself scans ivs
}

func newDsample(seq uint64, info SampleInfo) *dsample {
	return &dsample{seq: seq, info: info, maxIdx: -1}
}

// complete reports whether the sample's single interval now spans
// [0, size).
func (s *dsample) complete() bool {
	return s.info.Size > 0 && len(s.ivs) == 1 && s.ivs[0].min == 0 && s.ivs[0].maxp1 >= s.info.Size
}

// insert adds rd's [min, maxp1) range (with rd as both head and tail of a
// brand-new single-fragment interval) to the sample, merging with
// predecessor/successor intervals and discarding pure duplicates.
func (s *dsample) insert(rd *arena.Rdata) {
	min, maxp1 := rd.Min, rd.MaxP1

	// find predecessor (largest min <= new min) and successor index.
	pred := -1
	for i, iv := range s.ivs {
		if iv.min <= min {
			pred = i
		} else {
			break
		}
	}

	// contained in predecessor: pure duplicate, discard.
	if pred >= 0 && maxp1 <= s.ivs[pred].maxp1 {
		rd.Unref()
		return
	}

	switch {
	case pred >= 0 && min <= s.ivs[pred].maxp1:
		// extends predecessor's tail.
		p := s.ivs[pred]
		p.maxp1 = maxp1
		p.tail.NextFrag = rd
		p.tail = rd
		s.mergeForward(pred)
	case pred+1 < len(s.ivs) && maxp1 >= s.ivs[pred+1].min:
		// extends successor's head.
		nxt := s.ivs[pred+1]
		rd.NextFrag = nxt.head
		nxt.head = rd
		nxt.min = min
		s.mergeForward(pred) // may now touch predecessor too
	default:
		iv := &interval{min: min, maxp1: maxp1, head: rd, tail: rd}
		s.ivs = append(s.ivs, nil)
		copy(s.ivs[pred+2:], s.ivs[pred+1:])
		s.ivs[pred+1] = iv
	}
	s.recomputeMaxIdx()
}

// mergeForward greedily merges ivs[i] with any immediately-following
// interval it now touches or overlaps.
func (s *dsample) mergeForward(i int) {
	for i >= 0 && i+1 < len(s.ivs) && s.ivs[i].maxp1 >= s.ivs[i+1].min {
		nxt := s.ivs[i+1]
		if nxt.maxp1 > s.ivs[i].maxp1 {
			s.ivs[i].tail.NextFrag = nxt.head
			s.ivs[i].tail = nxt.tail
			s.ivs[i].maxp1 = nxt.maxp1
		}
		s.ivs = append(s.ivs[:i+1], s.ivs[i+2:]...)
	}
}

func (s *dsample) recomputeMaxIdx() {
	best := -1
	for i, iv := range s.ivs {
		if best == -1 || iv.min > s.ivs[best].min {
			best = i
		}
		_ = iv
	}
	s.maxIdx = best
}

// chain returns the single, fully-assembled fragment chain once complete()
// is true.
func (s *dsample) chain() *arena.Rdata {
	if len(s.ivs) != 1 {
		return nil
	}
	return s.ivs[0].head
}

// dropAll releases every fragment still held by this sample (used when the
// sample is evicted by the drop policy or noted as gapped-over).
func (s *dsample) dropAll() {
	for _, iv := range s.ivs {
		arena.FragchainUnref(iv.head)
	}
	s.ivs = nil
}
