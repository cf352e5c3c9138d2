package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bpfman/bpfman-core/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bpfman.db")
	s, err := Open(path, RetryPolicy{MaxRetries: 3, MillisecDelay: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertAndGetProgram(t *testing.T) {
	s := newTestStore(t)

	p := &model.Program{ID: 42, Name: "xdp-pass", Kind: model.Xdp}
	maps := []model.Map{{ID: 7, ProgramID: 42, Name: "stats", Kind: model.MapHash}}

	require.NoError(t, s.UpsertProgram(p, maps))

	got, err := s.GetProgram(42)
	require.NoError(t, err)
	require.Equal(t, "xdp-pass", got.Name)

	gotMaps, err := s.ListMapsForProgram(42)
	require.NoError(t, err)
	require.Len(t, gotMaps, 1)
	require.Equal(t, "stats", gotMaps[0].Name)
}

func TestDeleteProgramRemovesMaps(t *testing.T) {
	s := newTestStore(t)

	p := &model.Program{ID: 1, Name: "p"}
	maps := []model.Map{{ID: 1, ProgramID: 1, Name: "m1"}, {ID: 2, ProgramID: 1, Name: "m2"}}
	require.NoError(t, s.UpsertProgram(p, maps))

	require.NoError(t, s.DeleteProgram(1))

	_, err := s.GetProgram(1)
	require.Error(t, err)

	gotMaps, err := s.ListMapsForProgram(1)
	require.NoError(t, err)
	require.Empty(t, gotMaps)
}

func TestGetProgramNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetProgram(999)
	require.Error(t, err)
}

func TestLinkRoundTrip(t *testing.T) {
	s := newTestStore(t)

	l := &model.Link{ID: "link-1", ProgramID: 1, Kind: model.Xdp, Priority: 50}
	require.NoError(t, s.UpsertLink(l))

	got, err := s.GetLink("link-1")
	require.NoError(t, err)
	require.Equal(t, int32(50), got.Priority)

	require.NoError(t, s.DeleteLink("link-1"))
	// Idempotent: deleting again does not error.
	require.NoError(t, s.DeleteLink("link-1"))

	_, err = s.GetLink("link-1")
	require.Error(t, err)
}

func TestListLinksForProgram(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertLink(&model.Link{ID: "a", ProgramID: 1}))
	require.NoError(t, s.UpsertLink(&model.Link{ID: "b", ProgramID: 1}))
	require.NoError(t, s.UpsertLink(&model.Link{ID: "c", ProgramID: 2}))

	links, err := s.ListLinksForProgram(1)
	require.NoError(t, err)
	require.Len(t, links, 2)
}

func TestDispatcherRoundTrip(t *testing.T) {
	s := newTestStore(t)

	tuple := model.DispatcherTuple{Iface: "eth0", Direction: model.Ingress}
	d := &model.Dispatcher{Tuple: tuple, Kind: model.Xdp, Revision: 1}
	require.NoError(t, s.UpsertDispatcher(d))

	got, err := s.GetDispatcher(tuple)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, uint64(1), got.Revision)

	require.NoError(t, s.DeleteDispatcher(tuple))
	got, err = s.GetDispatcher(tuple)
	require.NoError(t, err)
	require.Nil(t, got)
}
