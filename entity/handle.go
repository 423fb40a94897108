package entity

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/atomic"

	"github.com/cyclonedds-go/ddscore/cmn/debug"
)

// Packed count/flag word layout. A single CAS can move both counters and
// the flags at once, which is what makes the delete transitions race-free.
const (
	pinBits = 12
	pinMask = (uint32(1) << pinBits) - 1 // bits 0-11

	refCountUnit = uint32(1) << pinBits // REFCOUNT_UNIT = 2^12
	refBits      = 14
	refMask      = ((uint32(1) << refBits) - 1) << pinBits // bits 12-25

	flagNoUserAccess  = uint32(1) << 26
	flagAllowChildren = uint32(1) << 27
	flagImplicit      = uint32(1) << 28
	flagPending       = uint32(1) << 29
	flagDeleteDeferr  = uint32(1) << 30
	flagClosing       = uint32(1) << 31
)

func pinCountOf(v uint32) int  { return int(v & pinMask) }
func refCountOf(v uint32) int  { return int((v & refMask) >> pinBits) }
func withPin(v uint32, d int) uint32 {
	return (v &^ pinMask) | uint32(pinCountOf(v)+d)&pinMask
}
func withRef(v uint32, d int) uint32 {
	return (v &^ refMask) | (uint32(refCountOf(v)+d)<<pinBits)&refMask
}

// MinPseudoHandle is the smallest reserved pseudo-handle value; real
// entity handles never fall in [MinPseudoHandle, 1<<31).
const MinPseudoHandle int32 = 0x7000_0000

// HandleLink is the per-entity handle record: the handle value plus the
// packed count/flag word. All transitions on flags are a CAS loop on the
// full packed word; the mu/cond pair exists solely to let closeWait block
// until the pin count drains, since a bare atomic can't broadcast.
type HandleLink struct {
	Handle int32
	flags  atomic.Uint32

	mu   sync.Mutex
	cond *sync.Cond
}

func newHandleLink(h int32, initial uint32) *HandleLink {
	l := &HandleLink{Handle: h}
	l.flags.Store(initial)
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Pending reports whether the slot is still between create and unpend.
func (l *HandleLink) Pending() bool { return l.flags.Load()&flagPending != 0 }

// Closing reports whether delete has begun.
func (l *HandleLink) Closing() bool { return l.flags.Load()&flagClosing != 0 }

// Implicit reports whether this entity was created as a side effect of
// creating a child.
func (l *HandleLink) Implicit() bool { return l.flags.Load()&flagImplicit != 0 }

// DeleteDeferred reports whether an explicit delete has already run and
// handed final teardown to the last child.
func (l *HandleLink) DeleteDeferred() bool { return l.flags.Load()&flagDeleteDeferr != 0 }

// RefCount is a diagnostic/test accessor.
func (l *HandleLink) RefCount() int { return refCountOf(l.flags.Load()) }

// PinCount is a diagnostic/test accessor.
func (l *HandleLink) PinCount() int { return pinCountOf(l.flags.Load()) }

// pin increments the pin count if the slot is neither CLOSING nor
// PENDING; if fromUser, a NO_USER_ACCESS slot is also rejected.
func (l *HandleLink) pin(fromUser bool) bool {
	for {
		old := l.flags.Load()
		if old&(flagClosing|flagPending) != 0 {
			return false
		}
		if fromUser && old&flagNoUserAccess != 0 {
			return false
		}
		next := withPin(old, 1)
		if l.flags.CAS(old, next) {
			return true
		}
	}
}

// unpin decrements the pin count; if CLOSING and the pin count lands on
// one (the delete caller's own pin), the close-wait waiters are woken.
func (l *HandleLink) unpin() {
	for {
		old := l.flags.Load()
		debug.Assert(pinCountOf(old) > 0, "entity: unpin with zero pin count")
		next := withPin(old, -1)
		if l.flags.CAS(old, next) {
			if next&flagClosing != 0 && pinCountOf(next) == 1 {
				l.mu.Lock()
				l.cond.Broadcast()
				l.mu.Unlock()
			}
			return
		}
	}
}

// unpend clears PENDING and drops the pin taken at creation.
func (l *HandleLink) unpend() {
	for {
		old := l.flags.Load()
		next := withPin(old&^flagPending, -1)
		if l.flags.CAS(old, next) {
			return
		}
	}
}

// pinForDelete implements the delete-transition decision table.
// hasChildren is evaluated by the caller (the entity tree, under its own
// lock) and passed in so this function stays a pure CAS loop over the
// packed word.
func (l *HandleLink) pinForDelete(explicit, fromUser bool, hasChildren func() bool) RC {
	for {
		old := l.flags.Load()
		if old&(flagClosing|flagPending) != 0 {
			return BAD_PARAMETER
		}

		implicit := old&flagImplicit != 0
		allowChildren := old&flagAllowChildren != 0

		if old&flagDeleteDeferr != 0 {
			if refCountOf(old) > 0 || (hasChildren != nil && hasChildren()) {
				// teardown already scheduled; the last owner/child finishes it.
				return ALREADY_DELETED
			}
			next := withPin(old, 1) | flagClosing
			next &^= flagDeleteDeferr
			if l.flags.CAS(old, next) {
				return OK
			}
			continue
		}

		if !explicit && !implicit {
			return ILLEGAL_OPERATION
		}

		if allowChildren && hasChildren != nil && hasChildren() {
			next := old
			if !implicit {
				// drop the caller's own ref and leave a marker so the last
				// child's deletion re-drives the delete.
				next = withRef(next, -1) | flagDeleteDeferr
			}
			if l.flags.CAS(old, next) {
				return TRY_AGAIN
			}
			continue
		}

		switch {
		case implicit:
			next := withPin(old, 1) | flagClosing
			if l.flags.CAS(old, next) {
				return OK
			}
		case refCountOf(old) <= 1:
			next := withPin(withRef(old, -refCountOf(old)), 1) | flagClosing
			if l.flags.CAS(old, next) {
				return OK
			}
		default:
			next := withRef(old, -1) | flagDeleteDeferr
			if l.flags.CAS(old, next) {
				return OK
			}
		}
	}
}

// closeWait blocks until the pin count has drained to exactly one: the
// delete caller's own pin taken by pinForDelete.
func (l *HandleLink) closeWait() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for pinCountOf(l.flags.Load()) > 1 {
		l.cond.Wait()
	}
}

// addRef bumps the ownership refcount (distinct from pin count); used
// when a create_* call hands back an additional owning reference.
func (l *HandleLink) addRef() {
	for {
		old := l.flags.Load()
		if l.flags.CAS(old, withRef(old, 1)) {
			return
		}
	}
}

// Table is the process-wide hash table mapping handle values to
// HandleLinks, sharded for lock granularity.
type Table struct {
	shards []tableShard
	mask   uint32
	rng    *rand.Rand
	rngMu  sync.Mutex
}

type tableShard struct {
	mu    sync.RWMutex
	links map[int32]*HandleLink
}

// NewTable creates an empty handle table with 2^shardBits shards.
func NewTable(shardBits uint) *Table {
	n := uint32(1) << shardBits
	t := &Table{
		shards: make([]tableShard, n),
		mask:   n - 1,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for i := range t.shards {
		t.shards[i].links = make(map[int32]*HandleLink)
	}
	return t
}

func (t *Table) shardFor(h int32) *tableShard {
	var b [4]byte
	b[0], b[1], b[2], b[3] = byte(h), byte(h>>8), byte(h>>16), byte(h>>24)
	idx := xxhash.Checksum32(b[:]) & t.mask
	return &t.shards[idx]
}

func (t *Table) randomHandle() int32 {
	t.rngMu.Lock()
	defer t.rngMu.Unlock()
	for {
		// positive 31-bit value, never zero, never in the pseudo-handle range.
		h := int32(t.rng.Int31())
		if h > 0 && h < MinPseudoHandle {
			return h
		}
	}
}

// Create registers a new handle slot: PENDING set, pin count 1; ref
// count 1 unless implicit, which starts at 0; an implicit entity's
// lifetime is driven entirely by its children.
func (t *Table) Create(implicit, allowChildren, userAccess bool) *HandleLink {
	initial := flagPending | 1 // pin count 1
	if !implicit {
		initial |= refCountUnit // ref count 1
	}
	if implicit {
		initial |= flagImplicit
	}
	if allowChildren {
		initial |= flagAllowChildren
	}
	if !userAccess {
		initial |= flagNoUserAccess
	}

	op := func() (*HandleLink, error) {
		h := t.randomHandle()
		sh := t.shardFor(h)
		sh.mu.Lock()
		defer sh.mu.Unlock()
		if _, exists := sh.links[h]; exists {
			return nil, errCollision
		}
		link := newHandleLink(h, initial)
		sh.links[h] = link
		return link, nil
	}
	// Collisions on a 31-bit space are astronomically rare; backoff just
	// bounds the retry loop rather than spinning unconditionally.
	link, err := backoff.Retry(context.Background(), op,
		backoff.WithBackOff(backoff.NewConstantBackOff(time.Microsecond)),
		backoff.WithMaxTries(64))
	debug.AssertNoErr(err)
	return link
}

var errCollision = &Error{Code: TRY_AGAIN, Op: "handle collision"}

// RegisterSpecial registers a caller-chosen handle value (pseudo-handles
// like the registry root).
func (t *Table) RegisterSpecial(h int32) *HandleLink {
	sh := t.shardFor(h)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	link := newHandleLink(h, flagPending|1|refCountUnit)
	sh.links[h] = link
	return link
}

// Pin looks up and pins a handle for the duration of an API call.
func (t *Table) Pin(h int32, fromUser bool) (*HandleLink, RC) {
	sh := t.shardFor(h)
	sh.mu.RLock()
	link, ok := sh.links[h]
	sh.mu.RUnlock()
	if !ok {
		return nil, BAD_PARAMETER
	}
	if !link.pin(fromUser) {
		return nil, BAD_PARAMETER
	}
	return link, OK
}

// Unpin releases a pin taken by Pin.
func (t *Table) Unpin(link *HandleLink) { link.unpin() }

// Unpend transitions a just-created handle to generally accessible.
func (t *Table) Unpend(link *HandleLink) { link.unpend() }

// Delete removes the hash entry for link's handle. Called only after the
// close/delete phases have run and pins have drained to zero (by the
// caller dropping its own pin-for-delete first).
func (t *Table) Delete(link *HandleLink) {
	sh := t.shardFor(link.Handle)
	sh.mu.Lock()
	delete(sh.links, link.Handle)
	sh.mu.Unlock()
}

// Len is a diagnostic/metrics accessor for the live handle count.
func (t *Table) Len() int {
	n := 0
	for i := range t.shards {
		t.shards[i].mu.RLock()
		n += len(t.shards[i].links)
		t.shards[i].mu.RUnlock()
	}
	return n
}
