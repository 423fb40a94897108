// Package dqueue implements the bounded multi-producer/single-consumer
// delivery queue that hands completed sample chains to reader history
// caches: one long-lived worker goroutine draining a mutex+condvar-guarded
// queue, started and stopped explicitly, named for diagnostics at
// construction time.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package dqueue

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/cyclonedds-go/ddscore/arena"
	"github.com/cyclonedds-go/ddscore/cmn/debug"
	"github.com/cyclonedds-go/ddscore/cmn/nlog"
	"github.com/cyclonedds-go/ddscore/cmn/xid"
)

// Handler is invoked once per delivered sample chain. rdguid identifies
// the reader the chain was last addressed to (via an RDGUID bubble); it
// may be the zero value if no RDGUID bubble has been seen yet. Handler
// return values are presently ignored; the signature still returns an
// error so a future caller can start checking it without an API break.
type Handler func(rdguid uint64, seq uint64, chain *arena.Rdata) error

// bubbleKind distinguishes control elements (bubbles) from data/gap
// elements on the queue.
type bubbleKind int

const (
	kindData bubbleKind = iota
	kindGap
	kindStop
	kindCallback
	kindRdguid
)

type elem struct {
	kind bubbleKind
	next *elem

	// kindData / kindGap
	seq   uint64
	chain *arena.Rdata

	// kindCallback
	fn func()

	// kindRdguid
	rdguid uint64
	count  int
}

// Dqueue is a bounded FIFO of sample-chain elements, drained by exactly one
// worker goroutine.
type Dqueue struct {
	name string

	mu       sync.Mutex
	cond     *sync.Cond
	head     *elem
	tail     *elem
	draining bool // true once a STOP bubble has been enqueued

	nofSamples atomic.Int32
	maxSamples int32

	handler Handler
	started atomic.Bool
	wg      sync.WaitGroup

	// rdguid/count tracking, updated on the worker goroutine only.
	curRdguid uint64
	curCount  int
}

// New creates an empty delivery queue. Any per-queue handler context
// travels in the handler's closure.
func New(name string, maxSamples int, handler Handler) *Dqueue {
	if name == "" {
		name = xid.New("dq-")
	}
	dq := &Dqueue{name: name, maxSamples: int32(maxSamples), handler: handler}
	dq.cond = sync.NewCond(&dq.mu)
	return dq
}

// Name returns the queue's diagnostic name.
func (dq *Dqueue) Name() string { return dq.name }

// Start launches the worker goroutine.
func (dq *Dqueue) Start() {
	if !dq.started.CAS(false, true) {
		return
	}
	dq.wg.Add(1)
	go dq.run()
}

func (dq *Dqueue) run() {
	defer dq.wg.Done()
	for {
		dq.mu.Lock()
		for dq.head == nil {
			dq.cond.Wait()
		}
		chain := dq.head
		dq.head, dq.tail = nil, nil
		dq.mu.Unlock()

		if dq.drain(chain) {
			return
		}
	}
}

// drain walks one stolen chain of elements, applying the handler to data
// elements and interpreting bubbles. Returns true once a STOP bubble ends
// the worker loop.
func (dq *Dqueue) drain(chain *elem) bool {
	stop := false
	for e := chain; e != nil; {
		next := e.next
		switch e.kind {
		case kindData:
			if err := dq.handler(dq.curRdguid, e.seq, e.chain); err != nil {
				nlog.Errorln("dqueue", dq.name, "handler error (ignored):", err)
			}
			arena.FragchainUnref(e.chain)
			dq.consumeRdguid()
			dq.afterConsumed()
		case kindGap:
			arena.FragchainUnref(e.chain)
			dq.consumeRdguid()
			dq.afterConsumed()
		case kindRdguid:
			dq.curRdguid, dq.curCount = e.rdguid, e.count
			dq.afterConsumed()
		case kindCallback:
			e.fn()
			dq.afterConsumed()
		case kindStop:
			stop = true
			dq.afterConsumed()
		}
		e = next
	}
	return stop
}

// consumeRdguid charges one data/gap element against the current RDGUID
// target's element budget, clearing the target once it is spent.
func (dq *Dqueue) consumeRdguid() {
	if dq.curCount <= 0 {
		return
	}
	dq.curCount--
	if dq.curCount == 0 {
		dq.curRdguid = 0
	}
}

func (dq *Dqueue) afterConsumed() {
	n := dq.nofSamples.Dec()
	debug.Assert(n >= 0, "dqueue: nof_samples went negative")
	if n == 0 {
		dq.mu.Lock()
		dq.cond.Broadcast() // drained: wake WaitUntilEmptyIfFull waiters
		dq.mu.Unlock()
	}
}

// enqueue appends a freshly-built element chain (n elements) to the tail
// and signals the worker.
func (dq *Dqueue) enqueue(first, last *elem, n int32) {
	dq.mu.Lock()
	if dq.tail == nil {
		dq.head = first
	} else {
		dq.tail.next = first
	}
	dq.tail = last
	dq.mu.Unlock()
	dq.nofSamples.Add(n)
	dq.cond.Signal()
}

// Enqueue appends a batch of sample chains, each keyed by seq, to the
// queue.
func (dq *Dqueue) Enqueue(samples []struct {
	Seq   uint64
	Chain *arena.Rdata
	Gap   bool
}) {
	if len(samples) == 0 {
		return
	}
	var first, last *elem
	for _, s := range samples {
		k := kindData
		if s.Gap {
			k = kindGap
		}
		e := &elem{kind: k, seq: s.Seq, chain: s.Chain}
		if first == nil {
			first = e
		} else {
			last.next = e
		}
		last = e
	}
	dq.enqueue(first, last, int32(len(samples)))
}

// Enqueue1 is Enqueue plus an RDGUID bubble ahead of the data, setting the
// per-reader delivery target for exactly the elements that follow it.
func (dq *Dqueue) Enqueue1(readerGUID uint64, samples []struct {
	Seq   uint64
	Chain *arena.Rdata
	Gap   bool
}) {
	rd := &elem{kind: kindRdguid, rdguid: readerGUID, count: len(samples)}
	if len(samples) == 0 {
		dq.enqueue(rd, rd, 1)
		return
	}
	var last *elem = rd
	n := int32(1)
	for _, s := range samples {
		k := kindData
		if s.Gap {
			k = kindGap
		}
		e := &elem{kind: k, seq: s.Seq, chain: s.Chain}
		last.next = e
		last = e
		n++
	}
	dq.enqueue(rd, last, n)
}

// EnqueueCallback queues a CALLBACK bubble invoking fn on the worker
// goroutine.
func (dq *Dqueue) EnqueueCallback(fn func()) {
	e := &elem{kind: kindCallback, fn: fn}
	dq.enqueue(e, e, 1)
}

// EnqueueDeferredWakeup reports whether the caller must still wake the
// worker, letting producers that feed several queues batch their wakeups.
// It always returns false here: each Enqueue* call already signals inline.
func (dq *Dqueue) EnqueueDeferredWakeup() bool { return false }

// IsFull reports whether the queue is at or above its configured bound.
func (dq *Dqueue) IsFull() bool {
	return dq.maxSamples > 0 && dq.nofSamples.Load() >= dq.maxSamples
}

// WaitUntilEmptyIfFull blocks the calling (producer) goroutine until the
// queue has fully drained, but only if it was full when called.
func (dq *Dqueue) WaitUntilEmptyIfFull() {
	if !dq.IsFull() {
		return
	}
	dq.mu.Lock()
	for dq.nofSamples.Load() > 0 {
		dq.cond.Wait()
	}
	dq.mu.Unlock()
}

// NofSamples is a diagnostic/metrics accessor for the live element count.
func (dq *Dqueue) NofSamples() int32 { return dq.nofSamples.Load() }

// Free enqueues a STOP bubble and joins the worker. If the queue was never
// started, its contents are released directly on the calling goroutine.
func (dq *Dqueue) Free() {
	if !dq.started.Load() {
		dq.mu.Lock()
		chain := dq.head
		dq.head, dq.tail = nil, nil
		dq.mu.Unlock()
		dq.releaseUnstarted(chain)
		return
	}
	e := &elem{kind: kindStop}
	dq.enqueue(e, e, 1)
	dq.wg.Wait()
}

func (dq *Dqueue) releaseUnstarted(chain *elem) {
	for e := chain; e != nil; e = e.next {
		switch e.kind {
		case kindData, kindGap:
			arena.FragchainUnref(e.chain)
		}
	}
}
