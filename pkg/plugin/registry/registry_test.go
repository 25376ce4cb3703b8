package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relay-agent/pkg/errors"
	"github.com/relaymesh/relay-agent/pkg/plugin"
)

type stubSource struct {
	plugin.Source
	id string
}

func descriptor(id, name string) plugin.Descriptor {
	return plugin.Descriptor{
		Metadata: plugin.Metadata{ID: id, Name: name},
		New: func(sourceID string, _ plugin.Credentials) plugin.Source {
			return &stubSource{id: sourceID}
		},
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	r.Register(descriptor("csvfile", "CSV File"))

	desc, ok := r.Get("csvfile")
	require.True(t, ok)
	assert.Equal(t, "CSV File", desc.Metadata.Name)
	assert.True(t, r.Has("csvfile"))
	assert.False(t, r.Has("nope"))
}

func TestRegisterLastWins(t *testing.T) {
	r := New()
	r.Register(descriptor("dup", "First"))
	r.Register(descriptor("dup", "Second"))

	desc, ok := r.Get("dup")
	require.True(t, ok)
	assert.Equal(t, "Second", desc.Metadata.Name)
	assert.Len(t, r.List(), 1)
}

func TestCreate(t *testing.T) {
	r := New()
	r.Register(descriptor("csvfile", "CSV File"))

	src, err := r.Create("csvfile", "src-1", plugin.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, "src-1", src.(*stubSource).id)
}

func TestCreateUnknownType(t *testing.T) {
	r := New()

	_, err := r.Create("nope", "src-1", plugin.Credentials{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	assert.Contains(t, err.Error(), "unknown plugin type: nope")
}

func TestListIsSorted(t *testing.T) {
	r := New()
	r.Register(descriptor("zeta", "Z"))
	r.Register(descriptor("alpha", "A"))
	r.Register(descriptor("mid", "M"))

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.Types())

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].Metadata.ID)
}

func TestClear(t *testing.T) {
	r := New()
	r.Register(descriptor("one", "One"))
	r.Clear()

	assert.Empty(t, r.Types())
	assert.False(t, r.Has("one"))
}

// Descriptors registered through the package-level helper land in the
// default registry used by the agent binary.
func TestDefaultRegistry(t *testing.T) {
	before := len(Default().Types())
	Register(descriptor("registry-test-plugin", "Test"))
	assert.Len(t, Default().Types(), before+1)
	assert.True(t, Default().Has("registry-test-plugin"))

	src, err := Default().Create("registry-test-plugin", "s", plugin.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, "s", src.(*stubSource).id)
}
