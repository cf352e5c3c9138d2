package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProceedOnMaskXdpNoShift(t *testing.T) {
	set := ProceedOnSet{XdpPass, DispatcherReturn}
	mask := set.Mask(Xdp)
	require.Equal(t, uint32(1<<2)|uint32(1<<31), mask)
}

func TestProceedOnMaskTcShiftsByOne(t *testing.T) {
	set := ProceedOnSet{TcOk, TcPipe, DispatcherReturn}
	mask := set.Mask(Tc)
	require.Equal(t, uint32(1<<1)|uint32(1<<4)|uint32(1<<31), mask)
}

func TestProceedOnMaskTcUnspecShiftsToZero(t *testing.T) {
	set := ProceedOnSet{TcUnspec}
	require.Equal(t, uint32(1<<0), set.Mask(Tc))
}

func TestDispatcherTupleOfDispatchedKinds(t *testing.T) {
	xdp := XdpAttachInfo{NetworkAttachInfo: NetworkAttachInfo{Iface: "eth0", Direction: Ingress}}
	tuple, ok := DispatcherTupleOf(xdp)
	require.True(t, ok)
	require.Equal(t, DispatcherTuple{Iface: "eth0", Direction: Ingress}, tuple)

	tc := TcAttachInfo{NetworkAttachInfo: NetworkAttachInfo{Iface: "eth1", Direction: Egress}}
	tuple, ok = DispatcherTupleOf(tc)
	require.True(t, ok)
	require.Equal(t, DispatcherTuple{Iface: "eth1", Direction: Egress}, tuple)
}

func TestDispatcherTupleOfNonDispatchedKind(t *testing.T) {
	_, ok := DispatcherTupleOf(KprobeAttachInfo{FnName: "do_sys_open"})
	require.False(t, ok)
}
