package destination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mixvpn"
)

func TestListIsStableInsertionOrder(t *testing.T) {
	s := New()
	s.Replace([]mixvpn.Destination{
		{ID: "c"}, {ID: "a"}, {ID: "b"},
	})

	got := s.List()
	require.Len(t, got, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestReplace_ReportsAddedRemovedChanged(t *testing.T) {
	s := New()
	s.Replace([]mixvpn.Destination{
		{ID: "d1", Path: mixvpn.PathSpec{Hops: 1}},
		{ID: "d2", Path: mixvpn.PathSpec{Hops: 2}},
	})

	diff := s.Replace([]mixvpn.Destination{
		{ID: "d1", Path: mixvpn.PathSpec{Hops: 3}}, // changed
		{ID: "d3", Path: mixvpn.PathSpec{Hops: 1}}, // added
		// d2 removed
	})

	require.Len(t, diff.Changed, 1)
	assert.Equal(t, "d1", diff.Changed[0].ID)
	require.Len(t, diff.Added, 1)
	assert.Equal(t, "d3", diff.Added[0].ID)
	require.Len(t, diff.Removed, 1)
	assert.Equal(t, "d2", diff.Removed[0].ID)
}

func TestResolve_NotFound(t *testing.T) {
	s := New()
	_, err := s.Resolve("missing")
	require.ErrorIs(t, err, ErrNotFound)
}
