package entity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/cyclonedds-go/ddscore/cmn/nlog"
	"github.com/cyclonedds-go/ddscore/cmn/xid"
)

// rootHandle is the reserved pseudo-handle identifying the registry's own
// root entity.
const rootHandle int32 = MinPseudoHandle + 1

// Registry is the process-wide state: the handle table plus the root of
// the entity tree. It is initialized by the first API call (NewRegistry)
// and torn down when the root's last child is gone (Shutdown).
type Registry struct {
	table *Table
	root  *Entity

	liveCount atomic.Int64
	iidSeq    atomic.Uint64

	domains domainSet

	gcCh   chan *Entity
	gcDone chan struct{}

	liveliness *LivelinessMonitor
}

// NewRegistry creates a registry and its root entity, and starts the GC
// and thread-liveliness background goroutines.
func NewRegistry() *Registry {
	r := &Registry{
		table:  NewTable(6), // 64 shards
		gcCh:   make(chan *Entity, 256),
		gcDone: make(chan struct{}),
	}
	r.domains.init()
	link := r.table.RegisterSpecial(rootHandle)
	r.root = newEntity(r, KindRoot, link, nil, r.nextIID())
	r.table.Unpend(link)
	r.liveCount.Inc()

	r.liveliness = newLivelinessMonitor()
	go r.gcLoop()
	go r.liveliness.run(r)
	return r
}

func (r *Registry) nextIID() uint64 { return r.iidSeq.Inc() }

// Root returns the registry's root entity (a stand-in for the well-known
// CYCLONEDDS_HANDLE pseudo-handle).
func (r *Registry) Root() *Entity { return r.root }

// LiveCount is a diagnostic/metrics accessor for the process-wide live
// entity count.
func (r *Registry) LiveCount() int64 { return r.liveCount.Load() }

// TableLen is a diagnostic/metrics accessor for the number of handle
// slots currently registered.
func (r *Registry) TableLen() int { return r.table.Len() }

// Liveliness returns the registry's thread-liveliness monitor, for
// workers to register with and report heartbeats to.
func (r *Registry) Liveliness() *LivelinessMonitor { return r.liveliness }

// Pin resolves a handle to its entity for the duration of one API call.
func (r *Registry) Pin(h int32, fromUser bool) (*Entity, RC) {
	link, rc := r.table.Pin(h, fromUser)
	if rc != OK {
		return nil, rc
	}
	e, ok := r.entityFor(link)
	if !ok {
		link.unpin()
		return nil, BAD_PARAMETER
	}
	return e, OK
}

// Unpin releases a pin taken by Pin.
func (r *Registry) Unpin(e *Entity) { r.table.Unpin(e.Link) }

// entityLinks maps a HandleLink back to its owning Entity. HandleLink and
// Entity are kept as separate structs for layering (handle.go has no
// dependency on entity.go); this map recombines them.
var (
	entityLinksMu sync.RWMutex
	entityLinks   = map[*HandleLink]*Entity{}
)

func (r *Registry) entityFor(link *HandleLink) (*Entity, bool) {
	entityLinksMu.RLock()
	e, ok := entityLinks[link]
	entityLinksMu.RUnlock()
	return e, ok
}

func bindLink(link *HandleLink, e *Entity) {
	entityLinksMu.Lock()
	entityLinks[link] = e
	entityLinksMu.Unlock()
}

func unbindLink(link *HandleLink) {
	entityLinksMu.Lock()
	delete(entityLinks, link)
	entityLinksMu.Unlock()
}

// CreateParams bundles the parameters every kind's creation shares.
type CreateParams struct {
	Kind          Kind
	Parent        *Entity // nil only for participants' domain-level parent wiring handled by caller
	Implicit      bool
	AllowChildren bool
	UserAccess    bool
	QoS           *QoS
}

// Create registers a new entity: handle creation, record allocation, and
// parent-tree registration. The returned entity stays PENDING, reachable
// by nobody else, until InitComplete unpends it.
func (r *Registry) Create(p CreateParams) *Entity {
	link := r.table.Create(p.Implicit, p.AllowChildren, p.UserAccess)
	e := newEntity(r, p.Kind, link, p.Parent, r.nextIID())
	if p.QoS != nil {
		e.qos = p.QoS.clone()
	}
	bindLink(link, e)
	if p.Parent != nil {
		p.Parent.registerChild(e)
	}
	r.liveCount.Inc()
	return e
}

// InitComplete unpends e, making it generally reachable by handle.
func (r *Registry) InitComplete(e *Entity) {
	r.table.Unpend(e.Link)
}

// Delete runs e's full delete protocol. A delete that merely deferred
// teardown to the entity's last child still reports OK to the caller: the
// entity is as good as gone from the application's point of view.
func (r *Registry) Delete(e *Entity, explicit, fromUser bool) RC {
	rc := e.Delete(explicit, fromUser)
	if rc == TRY_AGAIN {
		return OK
	}
	return rc
}

// finalize removes a fully torn-down entity from the handle table and the
// link map, and notifies the GC loop. Runs for cascaded deletes of
// implicit/deferred parents too, not just for direct Delete calls.
func (r *Registry) finalize(e *Entity) {
	r.table.Delete(e.Link)
	unbindLink(e.Link)
	r.liveCount.Dec()
	select {
	case r.gcCh <- e:
	default:
		// backlog full: the entity is already fully torn down, this send
		// only exists for deferred-free bookkeeping.
		nlog.Warningln("entity: GC channel full, dropping finalize notice for", e.Link.Handle)
	}
}

// gcLoop drains finalize notifications. Entities are fully torn down
// synchronously by Delete (close-wait has already drained their pins);
// this goroutine only consumes the notification channel so a burst of
// deletes never blocks a deleter on bookkeeping.
func (r *Registry) gcLoop() {
	for e := range r.gcCh {
		if nlog.Rom.FastV(5, "entity") {
			nlog.Infoln("entity: gc finalized", e.Kind, e.Link.Handle)
		}
	}
	close(r.gcDone)
}

// Shutdown stops the background goroutines. Call once the root's last
// child has been deleted.
func (r *Registry) Shutdown() {
	r.liveliness.stop()
	close(r.gcCh)
	<-r.gcDone
}

// LivelinessMonitor watches the long-lived workers (receive loop,
// delivery workers, GC) for stalls. It scans registered heartbeat
// sources rather than OS thread handles: Go has no portable equivalent
// of a thread handle, so each worker reports its own progress instead.
type LivelinessMonitor struct {
	mu        sync.Mutex
	lastBeat  map[string]time.Time
	stallAfter time.Duration
	cancel    context.CancelFunc
	eg        *errgroup.Group
}

func newLivelinessMonitor() *LivelinessMonitor {
	return &LivelinessMonitor{
		lastBeat:   map[string]time.Time{},
		stallAfter: 5 * time.Second,
	}
}

// Heartbeat records that the named worker (receive thread, delivery
// worker, GC loop) made progress just now.
func (m *LivelinessMonitor) Heartbeat(name string) {
	m.mu.Lock()
	m.lastBeat[name] = time.Now()
	m.mu.Unlock()
}

// Register seeds a heartbeat source with a generated diagnostic name if
// none is supplied, returning the name to use in subsequent Heartbeat
// calls.
func (m *LivelinessMonitor) Register(name string) string {
	if name == "" {
		name = xid.New("thr-")
	}
	m.Heartbeat(name)
	return name
}

func (m *LivelinessMonitor) run(r *Registry) {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	eg, ctx := errgroup.WithContext(ctx)
	m.eg = eg
	eg.Go(func() error {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				m.scan(r)
			}
		}
	})
}

func (m *LivelinessMonitor) scan(r *Registry) {
	now := time.Now()
	m.mu.Lock()
	stalled := false
	for _, t := range m.lastBeat {
		if now.Sub(t) > m.stallAfter {
			stalled = true
			break
		}
	}
	m.mu.Unlock()
	if !stalled {
		return
	}
	// raise the stall on every live domain entity; the root stands in
	// before the first domain comes up.
	domains := r.domainEntities()
	if len(domains) == 0 {
		r.root.StatusSet(StatusThreadStalled)
		return
	}
	for _, d := range domains {
		d.StatusSet(StatusThreadStalled)
	}
}

func (m *LivelinessMonitor) stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.eg != nil {
		_ = m.eg.Wait()
	}
}
