package entity

// Kind discriminates the entity variant record.
type Kind int

const (
	KindRoot Kind = iota
	KindDomain
	KindParticipant
	KindPublisher
	KindSubscriber
	KindTopic
	KindReader
	KindWriter
	KindReadCondition
	KindQueryCondition
	KindGuardCondition
	KindWaitset
)

func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindDomain:
		return "domain"
	case KindParticipant:
		return "participant"
	case KindPublisher:
		return "publisher"
	case KindSubscriber:
		return "subscriber"
	case KindTopic:
		return "topic"
	case KindReader:
		return "reader"
	case KindWriter:
		return "writer"
	case KindReadCondition:
		return "readcondition"
	case KindQueryCondition:
		return "querycondition"
	case KindGuardCondition:
		return "guardcondition"
	case KindWaitset:
		return "waitset"
	default:
		return "unknown"
	}
}

// Deriver is the per-kind dispatch table for the teardown hooks: a
// struct of optional funcs with a no-op default, Go's usual
// vtable-as-struct idiom.
type Deriver struct {
	// Interrupt wakes any operation blocked on the entity so delete can
	// proceed without waiting out a long timeout.
	Interrupt func(e *Entity)
	// Close performs type-specific teardown (disconnect from defrag/
	// reorder/RHC, release transport resources) while the entity is still
	// reachable by handle (CLOSING) but before its memory is released.
	Close func(e *Entity) error
	// Delete performs the final type-specific free, after Close and after
	// all pins (besides the deleter's own) have drained.
	Delete func(e *Entity) error
}

var noopDeriver = Deriver{
	Interrupt: func(*Entity) {},
	// the default close releases whatever kind-specific resource was bound
	// via SetImpl, if it knows how to free itself: a reader's history
	// cache, most notably.
	Close: func(e *Entity) error {
		if f, ok := e.impl.(interface{ Free() }); ok {
			f.Free()
		}
		return nil
	},
	Delete: func(*Entity) error { return nil },
}

// deriverTable holds the registered deriver per kind; entries left unset
// fall back to noopDeriver. Populated by RegisterDeriver, normally called
// once per kind from package init in the package that implements that
// kind's close/delete semantics (e.g. a reader's RHC disconnect).
var deriverTable = map[Kind]Deriver{}

// RegisterDeriver installs d as the deriver for kind, overriding any
// previously registered one. Call from init() of the package owning that
// entity kind's teardown logic.
func RegisterDeriver(kind Kind, d Deriver) { deriverTable[kind] = d }

func deriverFor(kind Kind) Deriver {
	if d, ok := deriverTable[kind]; ok {
		return fillDefaults(d)
	}
	return noopDeriver
}

func fillDefaults(d Deriver) Deriver {
	if d.Interrupt == nil {
		d.Interrupt = noopDeriver.Interrupt
	}
	if d.Close == nil {
		d.Close = noopDeriver.Close
	}
	if d.Delete == nil {
		d.Delete = noopDeriver.Delete
	}
	return d
}
