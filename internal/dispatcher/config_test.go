package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bpfman/bpfman-core/internal/model"
)

func TestOrderLinksPriorityOrdering(t *testing.T) {
	// End-to-end scenario 1 from spec.md section 8: P pass program, L1
	// pri 100, L2 pri 50, L3 pri 200 -> positions {L2:0, L1:1, L3:2}.
	links := []model.Link{
		{ID: "L1", Priority: 100},
		{ID: "L2", Priority: 50},
		{ID: "L3", Priority: 200},
	}
	ordered, err := orderLinks(links)
	require.NoError(t, err)
	require.Equal(t, "L2", ordered[0].ID)
	require.Equal(t, 0, ordered[0].Position)
	require.Equal(t, "L1", ordered[1].ID)
	require.Equal(t, 1, ordered[1].Position)
	require.Equal(t, "L3", ordered[2].ID)
	require.Equal(t, 2, ordered[2].Position)
}

func TestOrderLinksDispatcherFull(t *testing.T) {
	var links []model.Link
	for i := 0; i < 11; i++ {
		links = append(links, model.Link{ID: string(rune('a' + i)), Priority: int32(i)})
	}
	_, err := orderLinks(links)
	require.Error(t, err)
}

func TestProceedOnExtensionBits(t *testing.T) {
	// End-to-end scenario 3: proceed_on = {pass, drop, dispatcher_return}
	// for XDP -> bits 2, 1, 31 set.
	set := model.ProceedOnSet{model.XdpPass, model.XdpDrop, model.DispatcherReturn}
	mask := set.Mask(model.Xdp)
	require.NotZero(t, mask&(1<<2))
	require.NotZero(t, mask&(1<<1))
	require.NotZero(t, mask&(1<<31))
}

func TestBuildConfigEncodeRoundTrip(t *testing.T) {
	links, err := orderLinks([]model.Link{
		{ID: "L1", Priority: 150, ProceedOn: model.ProceedOnSet{model.XdpPass, model.XdpDrop, model.DispatcherReturn}},
	})
	require.NoError(t, err)

	cfg, err := BuildConfig(model.Xdp, links)
	require.NoError(t, err)
	require.Equal(t, 1, cfg.NumProgsEnabled)
	require.Equal(t, uint32(150), cfg.RunPrios[0])

	blob, err := cfg.Encode()
	require.NoError(t, err)
	require.Len(t, blob, 4+4*MaxSlots*3)
	require.Equal(t, uint8(xdpDispatcherMagic), blob[0])
}

func TestProceedOnMaskTcShift(t *testing.T) {
	// TC uses (1 << (ret + 1)) per spec.md section 4.5/9.
	set := model.ProceedOnSet{model.TcOk}
	mask := set.Mask(model.Tc)
	require.Equal(t, uint32(1<<1), mask)

	setUnspec := model.ProceedOnSet{model.TcUnspec}
	require.Equal(t, uint32(1<<0), setUnspec.Mask(model.Tc))
}
