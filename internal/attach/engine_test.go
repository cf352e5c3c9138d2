package attach

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/bpfman/bpfman-core/internal/bpferrors"
	"github.com/bpfman/bpfman-core/internal/model"
)

// Everything past kind validation issues real link-creation syscalls, so
// these exercise only the routing/bookkeeping that doesn't touch the
// kernel, matching the corpus's pattern of leaving syscall-heavy paths
// untested at the unit level.

func TestAttachRejectsDispatchedKinds(t *testing.T) {
	e := NewEngine(logr.Discard(), t.TempDir())

	_, err := e.Attach(1, nil, model.XdpAttachInfo{})
	require.Error(t, err)
	kind, ok := bpferrors.KindOf(err)
	require.True(t, ok)
	require.Equal(t, bpferrors.InvalidArgument, kind)

	_, err = e.Attach(1, nil, model.TcAttachInfo{})
	require.Error(t, err)
}

func TestDetachUnknownLinkReturnsNotFound(t *testing.T) {
	e := NewEngine(logr.Discard(), t.TempDir())

	err := e.Detach("does-not-exist")
	require.Error(t, err)
	kind, ok := bpferrors.KindOf(err)
	require.True(t, ok)
	require.Equal(t, bpferrors.NotFound, kind)
}
