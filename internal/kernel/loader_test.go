package kernel

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/bpfman/bpfman-core/internal/bpferrors"
	"github.com/bpfman/bpfman-core/internal/model"
)

// Load's kernel-submission path requires a running kernel and root
// privileges (ebpf.NewCollectionWithOptions issues real bpf() syscalls),
// so these cover only what fails before that point: ELF parsing and kind
// validation, matching the corpus's pattern of not exercising syscall-heavy
// code in unit tests.

func TestLoadRejectsMalformedELF(t *testing.T) {
	l := NewLoader(logr.Discard())
	_, err := l.Load("/tmp/rtdir", 1, []byte("not an elf file"), "prog", model.Xdp, nil, nil)
	require.Error(t, err)
	kind, ok := bpferrors.KindOf(err)
	require.True(t, ok)
	require.Equal(t, bpferrors.KernelLoadFailed, kind)
}

func TestUnloadOfUnknownIDIsNoop(t *testing.T) {
	l := NewLoader(logr.Discard())
	require.NoError(t, l.Unload(12345))
}

func TestProgramLookupMissReturnsFalse(t *testing.T) {
	l := NewLoader(logr.Discard())
	_, ok := l.Program(999)
	require.False(t, ok)
}
