// Package rhc names the reader-history-cache collaborator the core's
// receive path delivers into, and provides a minimal in-memory
// implementation of it. The full RHC (instance state machines, QoS
// history/depth enforcement, content-filtering) lives outside this core;
// this package is deliberately no more than the contract the delivery
// path calls plus a ring buffer good enough to exercise it end to end.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package rhc

import (
	"sync"

	"github.com/cyclonedds-go/ddscore/arena"
)

// WriterInfo identifies the proxy-writer a sample or unregistration came
// from: the minimal shape Store/UnregisterWr need, standing in for the
// full RTPS writer-proxy/GUID/timestamp metadata that is out of scope.
type WriterInfo struct {
	WriterIID uint64
	Seq       uint64
}

// Sample is the delivered shape: the writer it came from and the
// fragment chain holding its serialized payload. Deserialization
// (sertype) is out of scope; the RHC stores the chain opaquely.
type Sample struct {
	Writer WriterInfo
	Chain  *arena.Rdata
}

// Cache is the exact set of operations the receive path consumes from a
// reader's history cache.
type Cache interface {
	// Store reports true iff the sample was actually cached (a QoS/
	// instance-depth policy might drop it, in the full RHC).
	Store(w WriterInfo, s Sample) bool
	UnregisterWr(w WriterInfo)
	RelinquishOwnership(writerIID uint64)
	SetQoS(qos map[string]any)
	Free()
}

// Ring is a minimal bounded in-memory Cache: a per-reader FIFO of the
// most recent N samples across all matched writers, good enough to
// exercise the delivery queue's handler contract and for the ddsctl
// replay demo.
type Ring struct {
	mu      sync.Mutex
	qos     map[string]any
	cap     int
	samples []Sample
}

// NewRing creates an empty cache holding at most capacity samples.
func NewRing(capacity int) *Ring {
	return &Ring{cap: capacity, qos: map[string]any{}}
}

func (r *Ring) Store(w WriterInfo, s Sample) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cap > 0 && len(r.samples) >= r.cap {
		evicted := r.samples[0]
		arena.FragchainUnref(evicted.Chain)
		r.samples = r.samples[1:]
	}
	// the delivery path releases its own reference once the handler
	// returns; the cache holds the chain past that point.
	arena.FragchainRef(s.Chain)
	r.samples = append(r.samples, s)
	return true
}

func (r *Ring) UnregisterWr(w WriterInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.samples[:0]
	for _, s := range r.samples {
		if s.Writer.WriterIID == w.WriterIID {
			arena.FragchainUnref(s.Chain)
			continue
		}
		kept = append(kept, s)
	}
	r.samples = kept
}

// RelinquishOwnership is a no-op here: EXCLUSIVE-ownership QoS arbitration
// is part of the out-of-scope QoS engine; the minimal Ring has no notion
// of instance ownership to relinquish.
func (r *Ring) RelinquishOwnership(uint64) {}

func (r *Ring) SetQoS(qos map[string]any) {
	r.mu.Lock()
	r.qos = qos
	r.mu.Unlock()
}

// Free releases every still-held fragchain. Must be called once, when the
// owning reader is deleted.
func (r *Ring) Free() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.samples {
		arena.FragchainUnref(s.Chain)
	}
	r.samples = nil
}

// Len is a diagnostic/metrics accessor.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

// Snapshot returns a defensive copy of the currently cached samples, for
// the admin introspection surface.
func (r *Ring) Snapshot() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sample, len(r.samples))
	copy(out, r.samples)
	return out
}
