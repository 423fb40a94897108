package entity

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDeleteRoundTripLeavesCountersUnchanged(t *testing.T) {
	reg := NewRegistry()
	defer reg.Shutdown()

	before := reg.LiveCount()
	p := reg.Create(CreateParams{Kind: KindParticipant, Parent: reg.Root(), UserAccess: true})
	reg.InitComplete(p)
	p.Enable()

	rc := reg.Delete(p, true, true)
	require.Equal(t, OK, rc)
	assert.Equal(t, before, reg.LiveCount())
}

// A pinned entity must hold off a racing delete until unpinned.
func TestPinDeleteRace(t *testing.T) {
	reg := NewRegistry()
	defer reg.Shutdown()

	p := reg.Create(CreateParams{Kind: KindParticipant, Parent: reg.Root(), UserAccess: true})
	reg.InitComplete(p)
	p.Enable()
	reader := reg.Create(CreateParams{Kind: KindReader, Parent: p, UserAccess: true})
	reg.InitComplete(reader)
	reader.Enable()

	// thread A pins the reader for a "read" and holds it.
	readerEnt, rc := reg.Pin(reader.Link.Handle, true)
	require.Equal(t, OK, rc)
	require.Same(t, reader, readerEnt)

	var wg sync.WaitGroup
	wg.Add(1)
	deleteDone := make(chan RC, 1)
	go func() {
		defer wg.Done()
		deleteDone <- reg.Delete(reader, true, true)
	}()

	// give the delete goroutine a moment to reach close_wait.
	time.Sleep(20 * time.Millisecond)

	// thread A's subsequent API call on the same handle must fail.
	_, rc2 := reg.Pin(reader.Link.Handle, true)
	assert.Equal(t, BAD_PARAMETER, rc2)

	// thread A unpins its original read pin, unblocking the deleter.
	reg.Unpin(readerEnt)
	wg.Wait()
	assert.Equal(t, OK, <-deleteDone)
}

// Deleting the last child of an implicit parent must cascade into it.
func TestImplicitPublisherCascade(t *testing.T) {
	reg := NewRegistry()
	defer reg.Shutdown()

	p := reg.Create(CreateParams{Kind: KindParticipant, Parent: reg.Root(), AllowChildren: true, UserAccess: true})
	reg.InitComplete(p)
	p.Enable()

	pub := reg.Create(CreateParams{Kind: KindPublisher, Parent: p, Implicit: true, AllowChildren: true, UserAccess: true})
	reg.InitComplete(pub)
	pub.Enable()
	assert.True(t, pub.Link.Implicit())
	assert.Equal(t, 0, pub.Link.RefCount())

	w := reg.Create(CreateParams{Kind: KindWriter, Parent: pub, UserAccess: true})
	reg.InitComplete(w)
	w.Enable()

	rc := reg.Delete(w, true, true)
	require.Equal(t, OK, rc)

	// Pub must be gone: its handle is no longer pinnable.
	_, rc2 := reg.Pin(pub.Link.Handle, true)
	assert.Equal(t, BAD_PARAMETER, rc2)

	// P must still be alive.
	_, rc3 := reg.Pin(p.Link.Handle, true)
	assert.Equal(t, OK, rc3)
}

func TestCreateWriterOnParticipantMakesImplicitPublisher(t *testing.T) {
	reg := NewRegistry()
	defer reg.Shutdown()

	p, rc := reg.CreateParticipant(0, nil)
	require.Equal(t, OK, rc)

	w, rc := reg.CreateWriter(p, nil)
	require.Equal(t, OK, rc)

	pub := w.Parent()
	require.NotNil(t, pub)
	assert.Equal(t, KindPublisher, pub.Kind)
	assert.True(t, pub.Link.Implicit())
	assert.Equal(t, 0, pub.Link.RefCount())
	assert.Same(t, p, pub.Parent())

	rc = reg.Delete(w, true, true)
	require.Equal(t, OK, rc)

	_, rc = reg.Pin(pub.Link.Handle, true)
	assert.Equal(t, BAD_PARAMETER, rc, "implicit publisher must go with its last child")
	_, rc = reg.Pin(p.Link.Handle, true)
	assert.Equal(t, OK, rc, "participant must survive")
}

func TestDomainCascadesWithLastParticipant(t *testing.T) {
	reg := NewRegistry()
	defer reg.Shutdown()

	p1, _ := reg.CreateParticipant(7, nil)
	p2, _ := reg.CreateParticipant(7, nil)
	dom := p1.Parent()
	require.Equal(t, KindDomain, dom.Kind)
	require.Same(t, dom, p2.Parent())

	require.Equal(t, OK, reg.Delete(p1, true, true))
	_, rc := reg.Pin(p2.Link.Handle, true)
	require.Equal(t, OK, rc, "domain must stay while a participant remains")
	reg.Unpin(p2)

	require.Equal(t, OK, reg.Delete(p2, true, true))

	// a fresh participant in the same domain id gets a fresh domain entity.
	p3, _ := reg.CreateParticipant(7, nil)
	assert.NotSame(t, dom, p3.Parent())
	require.Equal(t, OK, reg.Delete(p3, true, true))
}

func TestDeleteWithChildrenDefersUntilLastChild(t *testing.T) {
	reg := NewRegistry()
	defer reg.Shutdown()

	p, _ := reg.CreateParticipant(0, nil)
	sub, rc := reg.CreateSubscriber(p, nil)
	require.Equal(t, OK, rc)
	r, rc := reg.CreateReader(sub, nil)
	require.Equal(t, OK, rc)

	// deleting the subscriber while its reader lives reports OK but only
	// marks it; the handle stays resolvable for the child's teardown path.
	require.Equal(t, OK, reg.Delete(sub, true, true))
	assert.True(t, sub.Link.DeleteDeferred())

	// a second explicit delete is told the teardown is already scheduled.
	assert.Equal(t, ALREADY_DELETED, reg.Delete(sub, true, true))

	require.Equal(t, OK, reg.Delete(r, true, true))
	_, rc = reg.Pin(sub.Link.Handle, true)
	assert.Equal(t, BAD_PARAMETER, rc, "deferred subscriber must be gone with its last child")

	_, rc = reg.Pin(p.Link.Handle, true)
	assert.Equal(t, OK, rc)
}

type fakeCache struct{ freed bool }

func (f *fakeCache) Free() { f.freed = true }

func TestDeleteReleasesBoundResource(t *testing.T) {
	reg := NewRegistry()
	defer reg.Shutdown()

	p, _ := reg.CreateParticipant(0, nil)
	r, rc := reg.CreateReader(p, nil)
	require.Equal(t, OK, rc)

	cache := &fakeCache{}
	r.SetImpl(cache)

	require.Equal(t, OK, reg.Delete(r, true, true))
	assert.True(t, cache.freed, "close phase must release the reader's cache")
}

func TestReadConditionTriggersWaitset(t *testing.T) {
	reg := NewRegistry()
	defer reg.Shutdown()

	p, _ := reg.CreateParticipant(0, nil)
	r, rc := reg.CreateReader(p, nil)
	require.Equal(t, OK, rc)

	cond, rc := NewReadCondition(reg, r, StatusDataAvailable)
	require.Equal(t, OK, rc)
	assert.False(t, cond.Read())

	ws := NewWaitset(reg, p)
	ws.Attach(cond.Ent, "rd-cond")

	done := make(chan []WaitResult, 1)
	go func() {
		res, rc := ws.WaitUntil(0, time.Now().Add(2*time.Second))
		require.Equal(t, OK, rc)
		done <- res
	}()

	time.Sleep(10 * time.Millisecond)
	r.StatusSet(StatusDataAvailable)

	select {
	case res := <-done:
		require.Len(t, res, 1)
		assert.Equal(t, cond.Ent.Link.Handle, res[0].Handle)
		assert.True(t, cond.Read())
	case <-time.After(3 * time.Second):
		t.Fatal("read condition never triggered the waitset")
	}
}

func TestWaitsetTriggersOnStatusSet(t *testing.T) {
	reg := NewRegistry()
	defer reg.Shutdown()

	p := reg.Create(CreateParams{Kind: KindParticipant, Parent: reg.Root(), UserAccess: true})
	reg.InitComplete(p)
	p.Enable()
	reader := reg.Create(CreateParams{Kind: KindReader, Parent: p, UserAccess: true})
	reg.InitComplete(reader)
	reader.Enable()
	reader.EnableStatus(StatusDataAvailable)

	ws := NewWaitset(reg, p)
	ws.Attach(reader, "ctx")

	done := make(chan []WaitResult, 1)
	go func() {
		res, rc := ws.WaitUntil(0, time.Now().Add(2*time.Second))
		require.Equal(t, OK, rc)
		done <- res
	}()

	time.Sleep(10 * time.Millisecond)
	reader.StatusSet(StatusDataAvailable)

	select {
	case res := <-done:
		require.Len(t, res, 1)
		assert.Equal(t, reader.Link.Handle, res[0].Handle)
		assert.Equal(t, "ctx", res[0].UserArg)
	case <-time.After(3 * time.Second):
		t.Fatal("waitset never triggered")
	}
}

func TestGuardConditionTriggersWaitset(t *testing.T) {
	reg := NewRegistry()
	defer reg.Shutdown()

	p := reg.Create(CreateParams{Kind: KindParticipant, Parent: reg.Root(), UserAccess: true})
	reg.InitComplete(p)
	p.Enable()

	gc := NewGuardCondition(reg, p)
	ws := NewWaitset(reg, p)
	ws.Attach(gc.Ent, nil)

	done := make(chan RC, 1)
	go func() {
		_, rc := ws.WaitUntil(0, time.Now().Add(2*time.Second))
		done <- rc
	}()

	time.Sleep(10 * time.Millisecond)
	gc.Set(true)

	select {
	case rc := <-done:
		assert.Equal(t, OK, rc)
		assert.True(t, gc.Read())
	case <-time.After(3 * time.Second):
		t.Fatal("guard condition never triggered waitset")
	}
}

func TestWaitUntilTimesOut(t *testing.T) {
	reg := NewRegistry()
	defer reg.Shutdown()

	p := reg.Create(CreateParams{Kind: KindParticipant, Parent: reg.Root(), UserAccess: true})
	reg.InitComplete(p)
	p.Enable()
	ws := NewWaitset(reg, p)
	ws.Attach(p, nil)

	_, rc := ws.WaitUntil(0, time.Now().Add(30*time.Millisecond))
	assert.Equal(t, TIMEOUT, rc)
}

func TestMaterializeDataOnReaders(t *testing.T) {
	reg := NewRegistry()
	defer reg.Shutdown()

	p := reg.Create(CreateParams{Kind: KindParticipant, Parent: reg.Root(), UserAccess: true})
	reg.InitComplete(p)
	p.Enable()
	sub := reg.Create(CreateParams{Kind: KindSubscriber, Parent: p, UserAccess: true})
	reg.InitComplete(sub)
	sub.Enable()
	reader := reg.Create(CreateParams{Kind: KindReader, Parent: sub, UserAccess: true})
	reg.InitComplete(reader)
	reader.Enable()
	reader.EnableStatus(StatusDataAvailable)
	sub.EnableStatus(StatusDataOnReaders)

	ws := NewWaitset(reg, p)
	ws.Attach(sub, nil) // materializes DATA_ON_READERS

	reader.StatusSet(StatusDataAvailable)
	assert.NotZero(t, sub.StatusBits()&StatusDataOnReaders)

	ws.Detach(sub)
	sub.StatusReset(StatusDataOnReaders)
	reader.StatusSet(StatusDataAvailable)
	assert.Zero(t, sub.StatusBits()&StatusDataOnReaders)
}
