package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLinkJSONRoundTripPreservesConcreteAttachType(t *testing.T) {
	orig := Link{
		ID:        "link-1",
		ProgramID: 7,
		Kind:      Xdp,
		Attach: XdpAttachInfo{
			NetworkAttachInfo: NetworkAttachInfo{Iface: "eth0", Priority: 3, Direction: Ingress},
			Mode:              XdpModeDRV,
		},
		Priority: 3,
		Position: 0,
	}

	data, err := json.Marshal(orig)
	require.NoError(t, err)

	var got Link
	require.NoError(t, json.Unmarshal(data, &got))

	xdp, ok := got.Attach.(XdpAttachInfo)
	require.True(t, ok, "expected concrete XdpAttachInfo, got %T", got.Attach)
	require.Equal(t, "eth0", xdp.Iface)
	require.Equal(t, XdpModeDRV, xdp.Mode)

	tuple, ok := DispatcherTupleOf(got.Attach)
	require.True(t, ok)
	require.Equal(t, DispatcherTuple{Iface: "eth0", Direction: Ingress}, tuple)
}

func TestLinkJSONRoundTripNonDispatchedKind(t *testing.T) {
	orig := Link{
		ID:        "link-2",
		ProgramID: 9,
		Kind:      Kprobe,
		Attach:    KprobeAttachInfo{FnName: "do_sys_open", Retprobe: true},
	}

	data, err := json.Marshal(orig)
	require.NoError(t, err)

	var got Link
	require.NoError(t, json.Unmarshal(data, &got))

	kprobe, ok := got.Attach.(KprobeAttachInfo)
	require.True(t, ok, "expected concrete KprobeAttachInfo, got %T", got.Attach)
	require.Equal(t, "do_sys_open", kprobe.FnName)
	require.True(t, kprobe.Retprobe)
}
