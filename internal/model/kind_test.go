package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKernelProgTypeRecognisesAllKinds(t *testing.T) {
	for _, k := range []ProgramKind{Xdp, Tc, Tcx, Kprobe, Uprobe, Tracepoint, Fentry, Fexit, Syscall} {
		_, ok := KernelProgType(k)
		require.True(t, ok, "kind %q should be recognised", k)
	}

	_, ok := KernelProgType(ProgramKind("bogus"))
	require.False(t, ok)
}

func TestUprobeSharesKprobeProgType(t *testing.T) {
	kprobe, _ := KernelProgType(Kprobe)
	uprobe, _ := KernelProgType(Uprobe)
	require.Equal(t, kprobe, uprobe)
}

func TestIsDispatched(t *testing.T) {
	require.True(t, Xdp.IsDispatched())
	require.True(t, Tc.IsDispatched())
	require.False(t, Tcx.IsDispatched())
	require.False(t, Kprobe.IsDispatched())
}
