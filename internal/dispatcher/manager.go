package dispatcher

import (
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/go-logr/logr"

	"github.com/bpfman/bpfman-core/internal/bpferrors"
	"github.com/bpfman/bpfman-core/internal/kernel"
	"github.com/bpfman/bpfman-core/internal/model"
	"github.com/bpfman/bpfman-core/internal/netnsutil"
)

// ObjectProvider supplies the pre-built dispatcher ELF bytecode for a kind.
// The dispatcher's C source is an opaque artifact with a known
// configuration-struct layout (spec.md section 1); bpfman-core never
// compiles it, only loads and configures it.
type ObjectProvider interface {
	DispatcherBytecode(kind model.ProgramKind) ([]byte, error)
}

// tupleState is the Empty/Installed state machine cell for one
// (iface, direction, netns) tuple, spec.md section 4.5.
type tupleState struct {
	kind       model.ProgramKind
	dispProgID uint32
	xdpLink    link.Link // nil for Tc tuples, which attach via netlink instead
	revision   uint64
}

// ResolveProgram maps a logical program id (as stored in model.Link) to
// the kernel id the Kernel Loader registered it under, so the Dispatcher
// Manager can freplace the live *ebpf.Program handle into a slot.
type ResolveProgram func(programID uint32) (kernelID uint32, ok bool)

// Manager is the Dispatcher Manager of spec.md section 4.5.
type Manager struct {
	log     logr.Logger
	loader  *kernel.Loader
	objects ObjectProvider

	mu     sync.Mutex
	tuples map[model.DispatcherTuple]*tupleState
}

func NewManager(log logr.Logger, loader *kernel.Loader, objects ObjectProvider) *Manager {
	return &Manager{
		log:     log,
		loader:  loader,
		objects: objects,
		tuples:  make(map[model.DispatcherTuple]*tupleState),
	}
}

// Rebuild implements the algorithm of spec.md section 4.5 steps 1-6 for a
// single tuple. It does not touch persistence (step 7 is the Lifecycle
// Coordinator's job, since the Dispatcher Manager itself has no store
// handle, per the layering in spec.md section 2's data-flow diagram): on
// success it returns the new dispatcher record and the position-assigned
// link list; on any failure all existing kernel state is left untouched.
func (m *Manager) Rebuild(rtdir string, tuple model.DispatcherTuple, kind model.ProgramKind,
	links []model.Link, resolve ResolveProgram, xdpMode model.XdpMode) (*model.Dispatcher, []model.Link, error) {

	ordered, err := orderLinks(links)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := BuildConfig(kind, ordered)
	if err != nil {
		return nil, nil, err
	}
	blob, err := cfg.Encode()
	if err != nil {
		return nil, nil, err
	}

	elf, err := m.objects.DispatcherBytecode(kind)
	if err != nil {
		return nil, nil, bpferrors.New(bpferrors.KernelLoadFailed, "loading dispatcher bytecode artifact", err)
	}

	globalData := map[string][]byte{"dispatcher_config": blob}
	res, err := m.loader.Load(rtdir, dispatcherPseudoID(tuple), elf, "dispatcher", kind, globalData, nil)
	if err != nil {
		return nil, nil, err
	}
	newProg, _ := m.loader.Program(res.KernelID)

	if err := m.freplaceSlots(newProg, ordered, resolve); err != nil {
		_ = m.loader.Unload(res.KernelID)
		return nil, nil, err
	}

	m.mu.Lock()
	prev, hadPrev := m.tuples[tuple]
	m.mu.Unlock()

	revision := uint64(1)
	if hadPrev {
		revision = prev.revision + 1
	}

	newState := &tupleState{kind: kind, dispProgID: res.KernelID, revision: revision}

	// Step 6: atomic swap. XDP uses the kernel's replace-capable link when
	// one is already attached; TC replaces the clsact filter by handle.
	switch kind {
	case model.Xdp:
		newLink, err := m.swapXdp(tuple, newProg, hadPrev, prev, xdpMode)
		if err != nil {
			_ = m.loader.Unload(res.KernelID)
			return nil, nil, err
		}
		newState.xdpLink = newLink
	case model.Tc:
		if err := attachTcFilter(tuple.Iface, tuple.Direction, tuple.Netns, newProg.FD(), "bpfman_dispatcher"); err != nil {
			_ = m.loader.Unload(res.KernelID)
			return nil, nil, bpferrors.New(bpferrors.KernelAttachFailed, "attaching tc dispatcher", err)
		}
	default:
		_ = m.loader.Unload(res.KernelID)
		return nil, nil, bpferrors.New(bpferrors.InvalidArgument, "dispatcher kind must be xdp or tc", nil)
	}

	m.mu.Lock()
	m.tuples[tuple] = newState
	m.mu.Unlock()

	// The old dispatcher is only torn down after the new one is fully
	// attached (step 6's "atomic swap"): a crash between these two lines
	// leaves both attached briefly, which the kernel itself prevents for
	// XDP and which startup reconciliation cleans up for TC.
	if hadPrev {
		_ = m.loader.Unload(prev.dispProgID)
	}

	d := &model.Dispatcher{
		Tuple:        tuple,
		Kind:         kind,
		Revision:     revision,
		KernelProgID: res.KernelID,
		ConfigBlob:   blob,
	}
	for _, l := range ordered {
		d.LinkIDs = append(d.LinkIDs, l.ID)
	}
	return d, ordered, nil
}

// freplaceSlots implements step 5: bind each enabled slot's stub to the
// real user program. All-or-nothing across the whole tuple.
func (m *Manager) freplaceSlots(dispatcherProg *ebpf.Program, ordered []model.Link, resolve ResolveProgram) error {
	for i, l := range ordered {
		kernelProgID, ok := resolve(l.ProgramID)
		if !ok {
			return bpferrors.New(bpferrors.KernelAttachFailed,
				fmt.Sprintf("program %d for link %s is not loaded", l.ProgramID, l.ID), nil).WithLink(l.ID)
		}
		userProg, ok := m.loader.Program(kernelProgID)
		if !ok {
			return bpferrors.New(bpferrors.KernelAttachFailed,
				fmt.Sprintf("no live handle for program %d", kernelProgID), nil).WithLink(l.ID)
		}

		stub := fmt.Sprintf("prog%d", i)
		freplaceLink, err := link.AttachFreplace(dispatcherProg, stub, userProg)
		if err != nil {
			return bpferrors.New(bpferrors.KernelAttachFailed,
				fmt.Sprintf("freplace slot %d (stub %s)", i, stub), err).WithLink(l.ID)
		}
		// The freplace relationship is recorded by the kernel in the
		// dispatcher's trampoline; this process's fd to the link object
		// isn't what keeps it alive, so it is safe to close immediately.
		_ = freplaceLink.Close()
	}
	return nil
}

// xdpModeFallbackSequence returns the attach flags to try, in order,
// starting at the configured mode and descending through the remaining
// weaker modes, per the hw -> drv -> skb fallback of spec.md section 6.
func xdpModeFallbackSequence(mode model.XdpMode) []link.XDPAttachFlags {
	all := []struct {
		mode  model.XdpMode
		flags link.XDPAttachFlags
	}{
		{model.XdpModeHW, link.XDPOffloadMode},
		{model.XdpModeDRV, link.XDPDriverMode},
		{model.XdpModeSKB, link.XDPGenericMode},
	}
	start := 0
	for i, m := range all {
		if m.mode == mode {
			start = i
			break
		}
	}
	seq := make([]link.XDPAttachFlags, 0, len(all)-start)
	for _, m := range all[start:] {
		seq = append(seq, m.flags)
	}
	return seq
}

// swapXdp attaches the new dispatcher to tuple's interface. If a previous
// dispatcher link exists it is updated in place (the kernel's atomic
// replace, which needs no fresh interface lookup so runs in the current
// namespace), otherwise a fresh link is attached, walking the mode
// fallback sequence until one of hw/drv/skb succeeds. A fresh attach
// resolves tuple.Iface and calls link.AttachXDP inside tuple.Netns
// (netnsutil.Run): neither net.InterfaceByName nor AttachXDP take a
// target namespace parameter, so without actually entering it both would
// silently operate against the host's default namespace instead, per
// spec.md section 9.
func (m *Manager) swapXdp(tuple model.DispatcherTuple, prog *ebpf.Program, hadPrev bool, prev *tupleState, mode model.XdpMode) (link.Link, error) {
	if hadPrev && prev.xdpLink != nil {
		if err := prev.xdpLink.Update(prog); err != nil {
			return nil, bpferrors.New(bpferrors.KernelAttachFailed, "atomically replacing xdp dispatcher", err)
		}
		return prev.xdpLink, nil
	}

	ns, err := netnsutil.Open(tuple.Netns)
	if err != nil {
		return nil, bpferrors.New(bpferrors.InvalidArgument, "opening target netns", err)
	}
	defer func() {
		if ns.IsOpen() {
			_ = ns.Close()
		}
	}()

	var newLink link.Link
	runErr := netnsutil.Run(ns, func() error {
		iface, err := interfaceByName(tuple.Iface)
		if err != nil {
			return bpferrors.New(bpferrors.InvalidArgument, "resolving interface", err)
		}

		var lastErr error
		for _, flags := range xdpModeFallbackSequence(mode) {
			l, err := link.AttachXDP(link.XDPOptions{
				Program:   prog,
				Interface: iface,
				Flags:     flags,
			})
			if err == nil {
				newLink = l
				return nil
			}
			lastErr = err
			m.log.Info("xdp attach mode rejected, falling back", "iface", tuple.Iface, "flags", flags, "error", err.Error())
		}
		return bpferrors.New(bpferrors.KernelAttachFailed, "attaching xdp dispatcher, all modes exhausted", lastErr)
	})
	if runErr != nil {
		return nil, runErr
	}
	return newLink, nil
}

// Teardown detaches and unloads the dispatcher for a tuple once its link
// set becomes empty, per spec.md section 3's Dispatcher lifecycle.
func (m *Manager) Teardown(tuple model.DispatcherTuple) error {
	m.mu.Lock()
	state, ok := m.tuples[tuple]
	delete(m.tuples, tuple)
	m.mu.Unlock()

	if !ok {
		return nil
	}

	switch state.kind {
	case model.Xdp:
		if state.xdpLink != nil {
			if err := state.xdpLink.Close(); err != nil {
				m.log.Error(err, "closing xdp dispatcher link", "iface", tuple.Iface)
			}
		}
	case model.Tc:
		if err := detachTcFilter(tuple.Iface, tuple.Direction, tuple.Netns); err != nil {
			m.log.Error(err, "detaching tc dispatcher filter", "iface", tuple.Iface)
		}
	}

	return m.loader.Unload(state.dispProgID)
}

// dispatcherPseudoID derives a stable Kernel Loader bookkeeping id for a
// tuple's dispatcher program. It only needs to be distinct per tuple
// because the dispatcher has no maps of its own to pin under it.
func dispatcherPseudoID(t model.DispatcherTuple) uint32 {
	data := []byte(t.Iface + "/" + string(t.Direction) + "/" + t.Netns)
	const prime = 16777619
	h := uint32(2166136261)
	for _, b := range data {
		h ^= uint32(b)
		h *= prime
	}
	return h
}
