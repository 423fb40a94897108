package entity

import (
	"sync"
)

// ReadCondition is a handle-addressable condition whose trigger tracks a
// mask of its reader's status bits. Attached waitsets observe the
// condition entity itself, not the reader, so a reader can fan out to
// several conditions with different masks.
type ReadCondition struct {
	Ent    *Entity
	reader *Entity
	mask   uint32

	mu      sync.Mutex
	trigger bool
}

// NewReadCondition creates a read condition on reader triggering on any of
// the status bits in mask.
func NewReadCondition(reg *Registry, reader *Entity, mask uint32) (*ReadCondition, RC) {
	if reader == nil || reader.Kind != KindReader {
		return nil, BAD_PARAMETER
	}
	e := reg.Create(CreateParams{Kind: KindReadCondition, Parent: reader, UserAccess: true})
	rc := &ReadCondition{Ent: e, reader: reader, mask: mask}
	e.SetImpl(rc)
	reg.InitComplete(e)
	e.Enable()

	reader.EnableStatus(mask)
	reader.AttachObserver(rc)
	rc.recompute()
	return rc, OK
}

// notify implements Observer: a status change on the reader recomputes the
// condition's trigger and, on a rising edge, wakes waitsets attached to
// the condition entity.
func (rc *ReadCondition) notify(*Entity) { rc.recompute() }

func (rc *ReadCondition) recompute() {
	now := rc.reader.StatusBits()&rc.mask != 0
	rc.mu.Lock()
	rose := now && !rc.trigger
	rc.trigger = now
	rc.mu.Unlock()
	if rose {
		rc.Ent.notifyObservers()
	}
}

// Read returns the current trigger value.
func (rc *ReadCondition) Read() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.trigger
}

// Release detaches the condition from its reader and deletes its entity.
func (rc *ReadCondition) Release(reg *Registry) RC {
	rc.reader.DetachObserver(rc)
	return reg.Delete(rc.Ent, true, true)
}

// QueryCondition is a ReadCondition with an additional content filter the
// caller evaluates against candidate samples; the registry only stores and
// hands the predicate back, since sample decoding happens outside it.
type QueryCondition struct {
	ReadCondition
	Filter func(sample any) bool
}

// NewQueryCondition creates a query condition on reader with the given
// status mask and content predicate.
func NewQueryCondition(reg *Registry, reader *Entity, mask uint32, filter func(sample any) bool) (*QueryCondition, RC) {
	if reader == nil || reader.Kind != KindReader || filter == nil {
		return nil, BAD_PARAMETER
	}
	e := reg.Create(CreateParams{Kind: KindQueryCondition, Parent: reader, UserAccess: true})
	qc := &QueryCondition{
		ReadCondition: ReadCondition{Ent: e, reader: reader, mask: mask},
		Filter:        filter,
	}
	e.SetImpl(qc)
	reg.InitComplete(e)
	e.Enable()

	reader.EnableStatus(mask)
	reader.AttachObserver(qc)
	qc.recompute()
	return qc, OK
}
