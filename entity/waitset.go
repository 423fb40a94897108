package entity

import (
	"sync"
	"time"
)

// GuardCondition is a handle-addressable boolean that participates in
// waitset triggering like any other entity.
type GuardCondition struct {
	Ent     *Entity
	mu      sync.Mutex
	trigger bool
}

// NewGuardCondition creates and registers a guard condition under parent
// (normally a participant).
func NewGuardCondition(reg *Registry, parent *Entity) *GuardCondition {
	e := reg.Create(CreateParams{Kind: KindGuardCondition, Parent: parent, UserAccess: true})
	g := &GuardCondition{Ent: e}
	e.SetImpl(g)
	reg.InitComplete(e)
	e.Enable()
	return g
}

// Set records a trigger value; a 0->1 transition signals observers
// (attached waitsets).
func (g *GuardCondition) Set(v bool) {
	g.mu.Lock()
	was := g.trigger
	g.trigger = v
	g.mu.Unlock()
	if v && !was {
		g.Ent.notifyObservers()
	}
}

// Read returns the current trigger value without clearing it.
func (g *GuardCondition) Read() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.trigger
}

// Take returns the current trigger value and resets it to false.
func (g *GuardCondition) Take() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.trigger
	g.trigger = false
	return v
}

// attachment is one (entity, handle, user-arg) triple in a waitset's
// attachment array.
type attachment struct {
	entity   *Entity
	handle   int32
	userArg  any
	observer *waitsetObserver
}

// Waitset owns an array of attachments split by ntriggered: [0,
// ntriggered) is the triggered prefix, [ntriggered, len) is quiescent.
type Waitset struct {
	Ent *Entity

	waitMu sync.Mutex // the waitset's own lock, outside every entity lock
	cond   *sync.Cond
	attns  []attachment
	ntrig  int
	closed bool
}

// waitsetObserver adapts one attachment's Observer callback to move its
// entry across the triggered/quiescent boundary.
type waitsetObserver struct {
	ws *Waitset
	e  *Entity
}

func (o *waitsetObserver) notify(e *Entity) { o.ws.onTriggered(e) }

// NewWaitset creates an empty waitset under parent.
func NewWaitset(reg *Registry, parent *Entity) *Waitset {
	e := reg.Create(CreateParams{Kind: KindWaitset, Parent: parent, UserAccess: true})
	ws := &Waitset{Ent: e}
	ws.cond = sync.NewCond(&ws.waitMu)
	e.SetImpl(ws)
	reg.InitComplete(e)
	e.Enable()
	return ws
}

// Attach registers the waitset as an observer on target, storing arg for
// later retrieval from WaitUntil's results. If target is a subscriber,
// attaching materializes DATA_ON_READERS on it.
func (ws *Waitset) Attach(target *Entity, arg any) {
	obs := &waitsetObserver{ws: ws, e: target}
	target.AttachObserver(obs)

	ws.waitMu.Lock()
	ws.attns = append(ws.attns, attachment{entity: target, handle: target.Link.Handle, userArg: arg, observer: obs})
	ws.waitMu.Unlock()

	if target.Kind == KindSubscriber {
		target.Materialize()
	}
	// an already-triggered entity must show up immediately, not only on
	// the next edge transition.
	if target.triggered() {
		ws.onTriggered(target)
	}
}

// Detach removes target from the waitset. Ordering matters: if target is
// a subscriber, Dematerialize is signalled before any child reader's
// visible status changes as a result: detach must not transiently mask
// a legitimate DATA_ON_READERS on a sibling waitset still attached.
func (ws *Waitset) Detach(target *Entity) {
	if target.Kind == KindSubscriber {
		target.Dematerialize()
	}

	ws.waitMu.Lock()
	var obs *waitsetObserver
	for i, a := range ws.attns {
		if a.entity == target {
			obs = a.observer
			ws.removeAttachmentLocked(i)
			break
		}
	}
	ws.waitMu.Unlock()

	if obs != nil {
		target.DetachObserver(obs)
	}
}

// removeAttachmentLocked removes the attachment at index i, maintaining
// the triggered-prefix invariant. Caller holds waitMu.
func (ws *Waitset) removeAttachmentLocked(i int) {
	if i < ws.ntrig {
		ws.ntrig--
	}
	ws.attns = append(ws.attns[:i], ws.attns[i+1:]...)
}

// onTriggered moves e's attachment into the triggered prefix and wakes
// any waiter. Called from an entity's observer-notify path, which runs
// with no entity lock held.
func (ws *Waitset) onTriggered(e *Entity) {
	ws.waitMu.Lock()
	for i := ws.ntrig; i < len(ws.attns); i++ {
		if ws.attns[i].entity == e {
			ws.attns[i], ws.attns[ws.ntrig] = ws.attns[ws.ntrig], ws.attns[i]
			ws.ntrig++
			break
		}
	}
	ws.cond.Broadcast()
	ws.waitMu.Unlock()
}

// requiescent moves e's attachment back out of the triggered prefix, used
// after a read/take consumes the condition that triggered it.
func (ws *Waitset) requiescent(e *Entity) {
	ws.waitMu.Lock()
	for i := 0; i < ws.ntrig; i++ {
		if ws.attns[i].entity == e {
			ws.ntrig--
			ws.attns[i], ws.attns[ws.ntrig] = ws.attns[ws.ntrig], ws.attns[i]
			break
		}
	}
	ws.waitMu.Unlock()
}

// WaitResult is one triggered attachment handed back from WaitUntil.
type WaitResult struct {
	Handle  int32
	UserArg any
}

// WaitUntil blocks under the waitset's own lock (never an entity lock)
// until the triggered prefix is non-empty, the handle closes, or the
// deadline passes. A zero deadline waits indefinitely.
func (ws *Waitset) WaitUntil(maxResults int, deadline time.Time) ([]WaitResult, RC) {
	ws.waitMu.Lock()
	defer ws.waitMu.Unlock()

	for ws.ntrig == 0 && !ws.closed {
		if deadline.IsZero() {
			ws.cond.Wait()
			continue
		}
		if !ws.condWaitUntil(deadline) {
			return nil, TIMEOUT
		}
	}
	if ws.closed {
		return nil, BAD_PARAMETER
	}

	n := ws.ntrig
	if maxResults > 0 && n > maxResults {
		n = maxResults
	}
	out := make([]WaitResult, n)
	for i := 0; i < n; i++ {
		out[i] = WaitResult{Handle: ws.attns[i].handle, UserArg: ws.attns[i].userArg}
	}
	return out, OK
}

// condWaitUntil is cond.Wait with an absolute deadline; spurious wakeups
// are rechecked by the caller's loop. Go's sync.Cond has no
// deadline-aware wait, so a timer broadcasts once the deadline passes.
func (ws *Waitset) condWaitUntil(deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	timer := time.AfterFunc(remaining, func() {
		ws.waitMu.Lock()
		ws.cond.Broadcast()
		ws.waitMu.Unlock()
	})
	defer timer.Stop()
	ws.cond.Wait()
	return time.Now().Before(deadline) || ws.ntrig > 0
}

// Close marks the waitset closed, waking any blocked WaitUntil callers
// (the "handle closes" exit condition).
func (ws *Waitset) Close() {
	ws.waitMu.Lock()
	ws.closed = true
	ws.cond.Broadcast()
	ws.waitMu.Unlock()
}
