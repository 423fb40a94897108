package entity

import (
	"sync"
	stdatomic "sync/atomic"

	"github.com/tidwall/btree"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/cyclonedds-go/ddscore/cmn/debug"
	"github.com/cyclonedds-go/ddscore/cmn/nlog"
)

// GUID is a 16-byte globally unique RTPS entity identifier.
type GUID [16]byte

// QoS is the minimal carrier for quality-of-service policies. The QoS
// matching engine lives outside the registry, which only needs to hold
// and hand back whatever the caller set.
type QoS struct {
	Policies map[string]any
}

func (q *QoS) clone() *QoS {
	if q == nil {
		return &QoS{Policies: map[string]any{}}
	}
	cp := make(map[string]any, len(q.Policies))
	for k, v := range q.Policies {
		cp[k] = v
	}
	return &QoS{Policies: cp}
}

// status/enable-mask packed word layout. Low 16 bits are the status bits
// raised so far; high 16 bits are the enable mask (which bits the current
// listener or an attached waitset cares about).
const (
	statusMask = uint32(0xFFFF)
	enableOff  = 16
)

// Well-known status bits. The full RTPS/DDS status set is larger; these
// are the ones this core's components actually raise.
const (
	StatusDataAvailable uint32 = 1 << iota
	StatusDataOnReaders
	StatusThreadStalled // raised by the thread-liveliness monitor
)

// Observer is notified when an entity's trigger state changes; waitsets
// and read conditions register themselves as observers.
type Observer interface {
	notify(e *Entity)
}

// Entity is the variant record for every DDS object kind: participant,
// publisher, subscriber, reader, writer, topic, conditions, waitset,
// domain, root.
type Entity struct {
	Link *HandleLink
	Kind Kind
	IID  uint64

	registry *Registry
	parent   *Entity // non-owning back-reference; the handle is the only strong cross-entity link

	// impl points back at the kind-specific wrapper (Waitset,
	// GuardCondition, ReadCondition, ...) so derivers and observers can
	// reach it from the generic record.
	impl any

	mu       sync.Mutex
	cond     *sync.Cond
	children *btree.BTreeG[*Entity] // keyed by IID, guarded by mu

	guid GUID
	qos  *QoS

	enabled  atomic.Bool
	implicit bool // mirrors Link's IMPLICIT flag for fast reads without a CAS

	statusWord atomic.Uint32 // packed (status, enable_mask)

	listener     stdatomic.Pointer[Listener]
	cbCount      int // in-flight listener invocations (serialized: at most 1)
	cbPending    int
	cbCond       *sync.Cond
	observersMu  sync.Mutex
	observers    []Observer

	// materializeDataOnReaders is nonzero while at least one waitset is
	// attached directly to this subscriber; while nonzero, child readers'
	// DATA_AVAILABLE is mirrored into this subscriber's DATA_ON_READERS.
	materializeDataOnReaders atomic.Int32
}

func lessByIID(a, b *Entity) bool { return a.IID < b.IID }

func newEntity(reg *Registry, kind Kind, link *HandleLink, parent *Entity, iid uint64) *Entity {
	e := &Entity{
		Link:     link,
		Kind:     kind,
		IID:      iid,
		registry: reg,
		parent:   parent,
		qos:      &QoS{Policies: map[string]any{}},
		children: btree.NewBTreeG(lessByIID),
		implicit: link.Implicit(),
	}
	e.cond = sync.NewCond(&e.mu)
	e.cbCond = sync.NewCond(&e.mu)
	return e
}

// Parent returns the owning parent entity, or nil for the root.
func (e *Entity) Parent() *Entity { return e.parent }

// QoS returns a defensive copy of the entity's current QoS.
func (e *Entity) QoS() *QoS {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.qos.clone()
}

// SetQoS replaces the entity's QoS wholesale; immutable-policy/
// inconsistent-policy validation is the QoS engine's job, this just
// stores whatever the caller already validated.
func (e *Entity) SetQoS(q *QoS) {
	e.mu.Lock()
	e.qos = q.clone()
	e.mu.Unlock()
}

// GUID returns the entity's RTPS GUID.
func (e *Entity) GUID() GUID { return e.guid }

// SetGUID assigns the entity's RTPS GUID (set once, at creation).
func (e *Entity) SetGUID(g GUID) { e.guid = g }

// SetImpl binds the kind-specific wrapper (Waitset, GuardCondition,
// ReadCondition, ...); called once, at creation, before InitComplete.
func (e *Entity) SetImpl(v any) { e.impl = v }

// Impl returns the kind-specific wrapper bound at creation, or nil.
func (e *Entity) Impl() any { return e.impl }

// triggerHolder is implemented by condition wrappers that carry their own
// trigger word instead of deriving it from the status word.
type triggerHolder interface{ Read() bool }

// triggered reports whether this entity would wake a waitset right now:
// conditions consult their trigger word, everything else its visible
// status bits.
func (e *Entity) triggered() bool {
	if t, ok := e.impl.(triggerHolder); ok {
		return t.Read()
	}
	return e.StatusBits() != 0
}

// Enabled reports whether dds_enable has been called on this entity.
func (e *Entity) Enabled() bool { return e.enabled.Load() }

// Enable flips the ENABLED flag; idempotent.
func (e *Entity) Enable() { e.enabled.Store(true) }

// registerChild indexes child under this entity's children-by-iid tree.
// Must be called after the child's handle exists and before InitComplete
// unpends it.
func (e *Entity) registerChild(child *Entity) {
	e.mu.Lock()
	e.children.Set(child)
	e.mu.Unlock()
}

func (e *Entity) unregisterChild(child *Entity) {
	e.mu.Lock()
	e.children.Delete(child)
	e.mu.Unlock()
}

func (e *Entity) hasChildren() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.children.Len() > 0
}

// Children returns a snapshot slice of current children.
func (e *Entity) Children() []*Entity {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Entity, 0, e.children.Len())
	e.children.Scan(func(c *Entity) bool {
		out = append(out, c)
		return true
	})
	return out
}

// ---- status bits & listeners ----

// Listener receives serialized per-entity status callbacks. A nil method
// on a concrete implementation is simply never invoked for that bit.
type Listener struct {
	OnStatus func(e *Entity, bit uint32)
}

// SetListener installs (or, with l == nil, clears) l, waiting for any
// in-flight callback to finish first so the old and new listener are
// never invoked concurrently for the same entity.
func (e *Entity) SetListener(l *Listener) {
	e.mu.Lock()
	for e.cbCount > 0 {
		e.cbCond.Wait()
	}
	e.mu.Unlock()
	e.listener.Store(l)
}

// EnableStatus ors bit into the enable mask (what the installed listener,
// or a waitset attachment, currently cares about).
func (e *Entity) EnableStatus(bit uint32) {
	for {
		old := e.statusWord.Load()
		next := old | (bit << enableOff)
		if e.statusWord.CAS(old, next) {
			return
		}
	}
}

// StatusSet ors a status bit in. It fires the listener (serialized via
// the callback counter) and notifies attached observers when the bit is
// newly visible under the enable mask.
func (e *Entity) StatusSet(bit uint32) {
	var needSignal bool
	for {
		old := e.statusWord.Load()
		next := old | bit
		if e.statusWord.CAS(old, next) {
			enabled := (old>>enableOff)&bit != 0
			wasSet := old&bit != 0
			needSignal = enabled && !wasSet
			break
		}
	}
	if bit == StatusDataAvailable {
		e.propagateDataOnReaders()
	}
	if !needSignal {
		return
	}
	e.invokeListener(bit)
	e.notifyObservers()
}

// StatusReset clears status bits (dds_read/dds_take's side effect of
// consuming DATA_AVAILABLE, for instance).
func (e *Entity) StatusReset(bits uint32) {
	for {
		old := e.statusWord.Load()
		next := old &^ bits
		if e.statusWord.CAS(old, next) {
			return
		}
	}
}

// StatusBits returns the currently-raised status bits masked by what is
// enabled: a bit is visible iff set in both halves of the packed word.
func (e *Entity) StatusBits() uint32 {
	w := e.statusWord.Load()
	return w & statusMask & (w >> enableOff)
}

func (e *Entity) invokeListener(bit uint32) {
	lp := e.listener.Load()
	if lp == nil || lp.OnStatus == nil {
		return
	}
	e.mu.Lock()
	for e.cbCount > 0 {
		e.cbCond.Wait()
	}
	e.cbCount++
	e.mu.Unlock()
	func() {
		defer func() {
			if r := recover(); r != nil {
				// listener callbacks never propagate errors back to the
				// emitter.
				nlog.Errorln("entity: listener panic (ignored):", r)
			}
		}()
		lp.OnStatus(e, bit)
	}()
	e.mu.Lock()
	e.cbCount--
	e.cbCond.Broadcast()
	e.mu.Unlock()
}

// AttachObserver registers obs to be notified on trigger-state changes
// (waitset attachment).
func (e *Entity) AttachObserver(obs Observer) {
	e.observersMu.Lock()
	e.observers = append(e.observers, obs)
	e.observersMu.Unlock()
}

// DetachObserver removes obs from the notification list.
func (e *Entity) DetachObserver(obs Observer) {
	e.observersMu.Lock()
	defer e.observersMu.Unlock()
	for i, o := range e.observers {
		if o == obs {
			e.observers = append(e.observers[:i], e.observers[i+1:]...)
			return
		}
	}
}

func (e *Entity) notifyObservers() {
	e.observersMu.Lock()
	obs := append([]Observer(nil), e.observers...)
	e.observersMu.Unlock()
	// Entity locks must never be held while signalling a waitset's own
	// wait lock; obs is a snapshot taken with no entity lock held here.
	for _, o := range obs {
		o.notify(e)
	}
}

// propagateDataOnReaders materializes DATA_ON_READERS on the parent
// subscriber when this (reader) entity's DATA_AVAILABLE is raised and the
// subscriber currently has materialization active.
func (e *Entity) propagateDataOnReaders() {
	if e.Kind != KindReader || e.parent == nil {
		return
	}
	sub := e.parent
	if sub.materializeDataOnReaders.Load() <= 0 {
		return
	}
	sub.StatusSet(StatusDataOnReaders)
}

// Materialize increments the subscriber's materialization counter,
// causing its readers' DATA_AVAILABLE to propagate into its own
// DATA_ON_READERS. Called on waitset attach to a subscriber.
func (e *Entity) Materialize() { e.materializeDataOnReaders.Inc() }

// Dematerialize decrements the counter; see Waitset.Detach for the
// required signal-before-readers ordering.
func (e *Entity) Dematerialize() { e.materializeDataOnReaders.Dec() }

// ---- deletion ----

// Delete runs the full teardown sequence: pin-for-delete, interrupt,
// close-wait, close, delete. explicit is true for a direct application
// call, false when triggered by a child entity's deletion cascading into
// an implicit or delete-deferred parent.
func (e *Entity) Delete(explicit, fromUser bool) RC {
	rc := e.Link.pinForDelete(explicit, fromUser, e.hasChildren)
	if rc != OK {
		return rc
	}

	d := deriverFor(e.Kind)
	d.Interrupt(e)
	e.Link.closeWait()

	var errs error
	if err := d.Close(e); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := d.Delete(e); err != nil {
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		nlog.Errorln("entity: close/delete reported errors (entity still removed):", errs)
	}

	e.Link.unpin() // release the deleter's own pin before removing the slot
	e.registry.finalize(e)

	if e.parent != nil {
		e.parent.unregisterChild(e)
		debug.Assert(e.parent.Link != nil, "entity: orphan child during delete")
		if !e.parent.hasChildren() &&
			(e.parent.Link.Implicit() || e.parent.Link.DeleteDeferred()) {
			// last child dropped: finish the parent's teardown, whether the
			// parent is implicit or an explicit delete was deferred on it.
			e.parent.Delete(false, false)
		}
	}
	return OK
}
