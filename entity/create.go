package entity

import (
	"sync"
)

// Domain is the kind-specific state of a domain entity. Domains are never
// created directly: the first participant for a given id brings one up
// (implicit, children allowed, no user access), and the last participant's
// deletion cascades into it.
type Domain struct {
	ID uint32
}

// Topic carries the kind-specific state of a topic entity. Type support
// and QoS matching live outside this registry; the name is what the
// registry itself needs for lookup and introspection.
type Topic struct {
	Name string
}

func init() {
	RegisterDeriver(KindDomain, Deriver{
		Delete: func(e *Entity) error {
			if d, ok := e.impl.(*Domain); ok {
				e.registry.dropDomain(d.ID, e)
			}
			return nil
		},
	})
	RegisterDeriver(KindWaitset, Deriver{
		Interrupt: func(e *Entity) {
			if ws, ok := e.impl.(*Waitset); ok {
				ws.Close()
			}
		},
	})
}

type domainSet struct {
	mu sync.Mutex
	m  map[uint32]*Entity
}

func (ds *domainSet) init() { ds.m = map[uint32]*Entity{} }

// dropDomain removes the id→entity binding, but only if it still points
// at e: a racing CreateParticipant may already have replaced a dying
// domain with a fresh one.
func (r *Registry) dropDomain(id uint32, e *Entity) {
	r.domains.mu.Lock()
	if r.domains.m[id] == e {
		delete(r.domains.m, id)
	}
	r.domains.mu.Unlock()
}

// domainEntities returns a snapshot of the live domain entities, skipping
// any already mid teardown.
func (r *Registry) domainEntities() []*Entity {
	r.domains.mu.Lock()
	defer r.domains.mu.Unlock()
	out := make([]*Entity, 0, len(r.domains.m))
	for _, d := range r.domains.m {
		if !d.Link.Closing() {
			out = append(out, d)
		}
	}
	return out
}

// domainFor returns the domain entity for id, creating it (implicit,
// children allowed, no user access) on first use. A domain caught mid
// teardown counts as absent.
func (r *Registry) domainFor(id uint32) *Entity {
	r.domains.mu.Lock()
	defer r.domains.mu.Unlock()
	if d, ok := r.domains.m[id]; ok && !d.Link.Closing() {
		return d
	}
	d := r.Create(CreateParams{
		Kind:          KindDomain,
		Parent:        r.root,
		Implicit:      true,
		AllowChildren: true,
		UserAccess:    false,
	})
	d.SetImpl(&Domain{ID: id})
	r.InitComplete(d)
	d.Enable()
	r.domains.m[id] = d
	return d
}

// CreateParticipant creates a participant in the given domain, bringing
// the domain entity itself up first if this is its first participant.
func (r *Registry) CreateParticipant(domainID uint32, qos *QoS) (*Entity, RC) {
	dom := r.domainFor(domainID)
	p := r.Create(CreateParams{
		Kind:          KindParticipant,
		Parent:        dom,
		AllowChildren: true,
		UserAccess:    true,
		QoS:           qos,
	})
	r.InitComplete(p)
	p.Enable()
	return p, OK
}

// CreatePublisher creates an explicit publisher under participant.
func (r *Registry) CreatePublisher(participant *Entity, qos *QoS) (*Entity, RC) {
	if participant == nil || participant.Kind != KindParticipant {
		return nil, BAD_PARAMETER
	}
	return r.createGroup(KindPublisher, participant, false, qos), OK
}

// CreateSubscriber creates an explicit subscriber under participant.
func (r *Registry) CreateSubscriber(participant *Entity, qos *QoS) (*Entity, RC) {
	if participant == nil || participant.Kind != KindParticipant {
		return nil, BAD_PARAMETER
	}
	return r.createGroup(KindSubscriber, participant, false, qos), OK
}

func (r *Registry) createGroup(kind Kind, participant *Entity, implicit bool, qos *QoS) *Entity {
	g := r.Create(CreateParams{
		Kind:          kind,
		Parent:        participant,
		Implicit:      implicit,
		AllowChildren: true,
		UserAccess:    true, // implicit groups stay user-addressable, like any other entity
		QoS:           qos,
	})
	r.InitComplete(g)
	g.Enable()
	return g
}

// CreateTopic creates a named topic under participant.
func (r *Registry) CreateTopic(participant *Entity, name string, qos *QoS) (*Entity, RC) {
	if participant == nil || participant.Kind != KindParticipant || name == "" {
		return nil, BAD_PARAMETER
	}
	t := r.Create(CreateParams{
		Kind:       KindTopic,
		Parent:     participant,
		UserAccess: true,
		QoS:        qos,
	})
	t.SetImpl(&Topic{Name: name})
	r.InitComplete(t)
	t.Enable()
	return t, OK
}

// CreateWriter creates a writer under parent. parent may be a publisher,
// or a participant, in which case an implicit publisher is created as a
// side effect and deleted again when this writer (its last child) goes.
func (r *Registry) CreateWriter(parent *Entity, qos *QoS) (*Entity, RC) {
	return r.createEndpoint(KindWriter, KindPublisher, parent, qos)
}

// CreateReader is the subscriber-side mirror of CreateWriter.
func (r *Registry) CreateReader(parent *Entity, qos *QoS) (*Entity, RC) {
	return r.createEndpoint(KindReader, KindSubscriber, parent, qos)
}

func (r *Registry) createEndpoint(kind, groupKind Kind, parent *Entity, qos *QoS) (*Entity, RC) {
	if parent == nil {
		return nil, BAD_PARAMETER
	}
	group := parent
	switch parent.Kind {
	case groupKind:
		// direct create under an explicit publisher/subscriber.
	case KindParticipant:
		group = r.createGroup(groupKind, parent, true, nil)
	default:
		return nil, BAD_PARAMETER
	}

	e := r.Create(CreateParams{
		Kind:          kind,
		Parent:        group,
		AllowChildren: true, // read/query conditions attach beneath endpoints
		UserAccess:    true,
		QoS:           qos,
	})
	r.InitComplete(e)
	e.Enable()
	return e, OK
}
