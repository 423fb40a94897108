// Package pipeline wires the arena pool, defrag, reorder, and delivery
// queue into the receive-path control flow: a receive thread fills an
// rmsg, parses it into rdata records, feeds fragments through a
// per-proxy-writer defrag, hands completed samples to a per-proxy-writer
// reorder (and any out-of-sync reader's secondary reorder), and enqueues
// deliverable chains onto a delivery queue that calls into a reader
// history cache.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package pipeline

import (
	"sync"

	"github.com/cyclonedds-go/ddscore/arena"
	"github.com/cyclonedds-go/ddscore/cmn/nlog"
	"github.com/cyclonedds-go/ddscore/defrag"
	"github.com/cyclonedds-go/ddscore/dqueue"
	"github.com/cyclonedds-go/ddscore/metrics"
	"github.com/cyclonedds-go/ddscore/reorder"
	"github.com/cyclonedds-go/ddscore/rhc"
)

// ProxyWriter is the per-remote-writer receive state: its own defrag, its
// primary reorder, and one secondary reorder per out-of-sync reader match.
// Defrag and reorder each guard themselves with an internal mutex; pw.mu
// additionally serializes a whole receive step (defrag, secondaries,
// primary) and guards the secondaries map.
type ProxyWriter struct {
	IID uint64

	mu      sync.Mutex
	defrag  *defrag.Defrag
	reorder *reorder.Reorder

	secondaries map[uint64]*reorder.Reorder // keyed by reader IID
}

// NewProxyWriter creates the receive-side state for one remote writer.
func NewProxyWriter(iid uint64, dropPolicy defrag.DropPolicy, maxDefragSamples int, mode reorder.Mode, maxReorderSamples int, lateAck bool) *ProxyWriter {
	return &ProxyWriter{
		IID:         iid,
		defrag:      defrag.New(dropPolicy, maxDefragSamples),
		reorder:     reorder.New(mode, maxReorderSamples, lateAck),
		secondaries: map[uint64]*reorder.Reorder{},
	}
}

// AddSecondary registers an out-of-sync reader match's own reorder index.
// The secondary starts at sequence number 1 and catches up to the primary
// stream at its own pace.
func (pw *ProxyWriter) AddSecondary(readerIID uint64, mode reorder.Mode, maxSamples int, lateAck bool) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	pw.secondaries[readerIID] = reorder.New(mode, maxSamples, lateAck)
}

// RemoveSecondary drops a reader match's secondary reorder, normally when
// the reader has caught up to the primary stream (or is torn down).
func (pw *ProxyWriter) RemoveSecondary(readerIID uint64) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	delete(pw.secondaries, readerIID)
}

// deliverable is one fully-ordered chain element ready for the delivery
// queue, shaped to match dqueue.Enqueue's element type.
type deliverable = struct {
	Seq   uint64
	Chain *arena.Rdata
	Gap   bool
}

// Pipe connects one ProxyWriter's receive processing to a delivery queue
// and the reader history cache its samples are ultimately destined for.
type Pipe struct {
	pw  *ProxyWriter
	dq  *dqueue.Dqueue
	rhc rhc.Cache

	m       *metrics.Registry
	pwLabel string
}

// NewPipe builds a pipe delivering pw's samples through dq into cache. dq
// may be nil if it is not yet constructed (see SetDqueue), since a
// dqueue.Handler itself needs a *Pipe to close over before the queue it
// will be attached to can be started.
func NewPipe(pw *ProxyWriter, dq *dqueue.Dqueue, cache rhc.Cache) *Pipe {
	return &Pipe{pw: pw, dq: dq, rhc: cache}
}

// SetDqueue binds the delivery queue this pipe feeds. Used when the queue
// must be constructed from this pipe's own Handler, which otherwise
// creates a construction cycle.
func (p *Pipe) SetDqueue(dq *dqueue.Dqueue) { p.dq = dq }

// SetMetrics binds a metrics registry; backlog gauges and NACK counters
// are updated from then on. pwLabel labels this pipe's proxy-writer in
// the per-writer gauge vectors.
func (p *Pipe) SetMetrics(m *metrics.Registry, pwLabel string) {
	p.m = m
	p.pwLabel = pwLabel
}

// Handler returns a dqueue.Handler that stores each delivered sample into
// the pipe's RHC, wired as the delivery worker's per-sample callback.
func (p *Pipe) Handler() dqueue.Handler {
	return func(_ uint64, seq uint64, chain *arena.Rdata) error {
		p.rhc.Store(rhc.WriterInfo{WriterIID: p.pw.IID, Seq: seq}, rhc.Sample{
			Writer: rhc.WriterInfo{WriterIID: p.pw.IID, Seq: seq},
			Chain:  chain,
		})
		return nil
	}
}

// secondaryOut is one out-of-sync reader's deliverable chain from a single
// insertion round, delivered with an RDGUID bubble naming that reader.
type secondaryOut struct {
	readerIID uint64
	chain     *reorder.Rsample
}

// OnData processes one received data/datafrag fragment: defrag, then (on
// completion) the primary reorder plus every secondary, then enqueue of
// whatever became deliverable.
func (p *Pipe) OnData(rd *arena.Rdata, info defrag.SampleInfo) {
	full := p.dq.IsFull()

	p.pw.mu.Lock()
	rs := p.pw.defrag.Rsample(rd, info)
	if rs == nil {
		p.pw.mu.Unlock()
		p.updateBacklog()
		return
	}

	// secondaries get their own accounted duplicate of the head sample
	// before the primary consumes the original.
	var secOuts []secondaryOut
	for readerIID, sec := range p.pw.secondaries {
		dup := rs.DupFirst()
		res, chain := sec.Rsample(dup, full)
		if res > 0 {
			secOuts = append(secOuts, secondaryOut{readerIID: readerIID, chain: chain})
		}
	}

	result, chain := p.pw.reorder.Rsample(rs, full)
	p.pw.mu.Unlock()

	p.deliverResult(result, chain)
	for _, so := range secOuts {
		p.dq.Enqueue1(so.readerIID, toDeliverable(so.chain))
	}
	p.updateBacklog()
}

// OnGap processes a GAP/HEARTBEAT-induced virtual sample over [min,
// maxp1), propagating it to defrag (discard of partial reassemblies), the
// primary reorder, and every secondary.
func (p *Pipe) OnGap(min, maxp1 uint64) {
	p.pw.mu.Lock()
	p.pw.defrag.NoteGap(min, maxp1)

	var secOuts []secondaryOut
	for readerIID, sec := range p.pw.secondaries {
		res, chain := sec.Gap(min, maxp1)
		if res > 0 {
			secOuts = append(secOuts, secondaryOut{readerIID: readerIID, chain: chain})
		}
	}

	result, chain := p.pw.reorder.Gap(min, maxp1)
	p.pw.mu.Unlock()

	p.deliverResult(result, chain)
	for _, so := range secOuts {
		p.dq.Enqueue1(so.readerIID, toDeliverable(so.chain))
	}
	p.updateBacklog()
}

// DefragNackMap answers a fragment-level retransmission query for one
// sample of this pipe's proxy-writer.
func (p *Pipe) DefragNackMap(seq uint64, maxFragNum, fragSize uint32, bits []uint32, maxBits uint32) (defrag.NackResult, defrag.NackHeader) {
	p.pw.mu.Lock()
	res, hdr := p.pw.defrag.NackMap(seq, maxFragNum, fragSize, bits, maxBits)
	p.pw.mu.Unlock()
	if p.m != nil {
		p.m.NackBitmapsServed.Inc()
	}
	return res, hdr
}

// ReorderNackMap answers a sample-level retransmission query against the
// primary reorder.
func (p *Pipe) ReorderNackMap(base, maxSeq uint64, bits []uint32, maxBits uint32, noTail bool) (reorder.NackHeader, uint32) {
	hdr, missing := p.pw.reorder.NackMap(base, maxSeq, bits, maxBits, noTail)
	if p.m != nil {
		p.m.NackBitmapsServed.Inc()
	}
	return hdr, missing
}

func (p *Pipe) deliverResult(result reorder.Result, chain *reorder.Rsample) {
	switch {
	case result > 0:
		p.dq.Enqueue(toDeliverable(chain))
	case result == reorder.Accept:
		// stored for later delivery; nothing to enqueue yet.
	case result == reorder.TooOld:
		if nlog.Rom.FastV(5, "pipeline") {
			nlog.Infoln("pipeline: sample too old, dropped")
		}
	case result == reorder.Reject:
		if nlog.Rom.FastV(5, "pipeline") {
			nlog.Infoln("pipeline: sample rejected (duplicate or at capacity)")
		}
	}
}

func (p *Pipe) updateBacklog() {
	if p.m == nil {
		return
	}
	p.m.DefragBacklog.WithLabelValues(p.pwLabel).Set(float64(p.pw.defrag.NSamples()))
	p.m.ReorderBacklog.WithLabelValues(p.pwLabel).Set(float64(p.pw.reorder.NStored()))
	p.m.DqueueDepth.WithLabelValues(p.dq.Name()).Set(float64(p.dq.NofSamples()))
}

func toDeliverable(rs *reorder.Rsample) []deliverable {
	out := make([]deliverable, len(rs.Entries))
	for i, e := range rs.Entries {
		out[i] = deliverable{Seq: e.Seq, Chain: e.Chain, Gap: e.Gap}
	}
	return out
}
