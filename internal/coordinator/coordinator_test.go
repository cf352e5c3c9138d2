package coordinator

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bpfman/bpfman-core/internal/config"
	"github.com/bpfman/bpfman-core/internal/model"
	"github.com/bpfman/bpfman-core/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bpfman.db")
	s, err := store.Open(path, store.RetryPolicy{MaxRetries: 3, MillisecDelay: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNetworkAttachInfoDispatchedKinds(t *testing.T) {
	xdp, ok := networkAttachInfo(model.XdpAttachInfo{
		NetworkAttachInfo: model.NetworkAttachInfo{Iface: "eth0", Priority: 5},
	})
	require.True(t, ok)
	require.Equal(t, "eth0", xdp.Iface)
	require.Equal(t, int32(5), xdp.Priority)

	tc, ok := networkAttachInfo(model.TcAttachInfo{
		NetworkAttachInfo: model.NetworkAttachInfo{Iface: "eth1"},
	})
	require.True(t, ok)
	require.Equal(t, "eth1", tc.Iface)
}

func TestNetworkAttachInfoNonDispatchedKind(t *testing.T) {
	_, ok := networkAttachInfo(model.KprobeAttachInfo{FnName: "do_sys_open"})
	require.False(t, ok)
}

func TestXdpModeForPerInterfaceOverrideAndDefault(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	cfg.Interfaces["eth0"] = config.InterfaceConfig{XdpMode: "hw"}

	c := &Coordinator{cfg: cfg}

	require.Equal(t, model.XdpModeHW, c.xdpModeFor(model.DispatcherTuple{Iface: "eth0"}))
	require.Equal(t, model.XdpModeDRV, c.xdpModeFor(model.DispatcherTuple{Iface: "eth1"}))
}

func TestHasDependentLoadsDetectsMapOwnerReference(t *testing.T) {
	s := newTestStore(t)
	c := &Coordinator{store: s}

	owner := &model.Program{ID: 1, Name: "owner", Kind: model.Xdp}
	require.NoError(t, s.UpsertProgram(owner, nil))

	ok, err := c.hasDependentLoads(1)
	require.NoError(t, err)
	require.False(t, ok)

	ownerID := uint32(1)
	dependent := &model.Program{ID: 2, Name: "dependent", Kind: model.Xdp, MapOwnerID: &ownerID}
	require.NoError(t, s.UpsertProgram(dependent, nil))

	ok, err = c.hasDependentLoads(1)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLinksForTupleFiltersByDispatcherTuple(t *testing.T) {
	s := newTestStore(t)
	c := &Coordinator{store: s}

	tuple := model.DispatcherTuple{Iface: "eth0", Direction: model.Ingress}

	matching := &model.Link{
		ID:     "link-a",
		Kind:   model.Xdp,
		Attach: model.XdpAttachInfo{NetworkAttachInfo: model.NetworkAttachInfo{Iface: "eth0", Direction: model.Ingress}},
	}
	other := &model.Link{
		ID:     "link-b",
		Kind:   model.Xdp,
		Attach: model.XdpAttachInfo{NetworkAttachInfo: model.NetworkAttachInfo{Iface: "eth1", Direction: model.Ingress}},
	}
	require.NoError(t, s.UpsertLink(matching))
	require.NoError(t, s.UpsertLink(other))

	got, err := c.linksForTuple(tuple)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "link-a", got[0].ID)
}
