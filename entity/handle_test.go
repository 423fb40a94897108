package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleValuesStayOutOfReservedRanges(t *testing.T) {
	tbl := NewTable(4)
	for i := 0; i < 256; i++ {
		link := tbl.Create(false, false, true)
		assert.Greater(t, link.Handle, int32(0))
		assert.Less(t, link.Handle, MinPseudoHandle)
	}
	assert.Equal(t, 256, tbl.Len(), "every generated handle must be unique")
}

func TestPendingHandleIsNotPinnable(t *testing.T) {
	tbl := NewTable(2)
	link := tbl.Create(false, false, true)

	_, rc := tbl.Pin(link.Handle, true)
	assert.Equal(t, BAD_PARAMETER, rc)

	tbl.Unpend(link)
	got, rc := tbl.Pin(link.Handle, true)
	require.Equal(t, OK, rc)
	tbl.Unpin(got)
}

func TestNoUserAccessRejectsOnlyUserPins(t *testing.T) {
	tbl := NewTable(2)
	link := tbl.Create(false, true, false)
	tbl.Unpend(link)

	_, rc := tbl.Pin(link.Handle, true)
	assert.Equal(t, BAD_PARAMETER, rc)

	got, rc := tbl.Pin(link.Handle, false)
	require.Equal(t, OK, rc)
	tbl.Unpin(got)
}

func TestDomainEntityIsInternalOnly(t *testing.T) {
	reg := NewRegistry()
	defer reg.Shutdown()

	p, _ := reg.CreateParticipant(3, nil)
	dom := p.Parent()

	_, rc := reg.Pin(dom.Link.Handle, true)
	assert.Equal(t, BAD_PARAMETER, rc, "domains are not user-addressable")
	got, rc := reg.Pin(dom.Link.Handle, false)
	require.Equal(t, OK, rc)
	reg.Unpin(got)

	require.Equal(t, OK, reg.Delete(p, true, true))
}

func TestDoubleDeleteFailsWhileClosing(t *testing.T) {
	tbl := NewTable(2)
	link := tbl.Create(false, false, true)
	tbl.Unpend(link)

	require.Equal(t, OK, link.pinForDelete(true, true, nil))
	assert.Equal(t, BAD_PARAMETER, link.pinForDelete(true, true, nil))
}
