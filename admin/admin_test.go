package admin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyclonedds-go/ddscore/entity"
)

func TestBuildViewReflectsEntityTree(t *testing.T) {
	reg := entity.NewRegistry()
	defer reg.Shutdown()

	p, rc := reg.CreateParticipant(0, nil)
	require.Equal(t, entity.OK, rc)
	_, rc = reg.CreateWriter(p, nil)
	require.Equal(t, entity.OK, rc)

	view := buildView(reg.Root())
	assert.Equal(t, "root", view.Kind)
	require.Len(t, view.Children, 1) // the implicit domain
	dom := view.Children[0]
	assert.Equal(t, "domain", dom.Kind)
	require.Len(t, dom.Children, 1)
	part := dom.Children[0]
	assert.Equal(t, "participant", part.Kind)
	require.Len(t, part.Children, 1) // the implicit publisher
	assert.Equal(t, "publisher", part.Children[0].Kind)
	require.Len(t, part.Children[0].Children, 1)
	assert.Equal(t, "writer", part.Children[0].Children[0].Kind)

	body, err := json.Marshal(view)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"kind":"writer"`)
}
