// Package coordinator implements the Lifecycle Coordinator of spec.md
// section 4.6: the single writer fronting the Persistence Store, Image
// Manager, Kernel Loader, Attach Engine and Dispatcher Manager behind the
// public API load/unload/attach/detach/list/get/pull_bytecode. It keeps no
// in-memory cache of programs, links or dispatchers; every lookup reads the
// Persistence Store.
package coordinator

import (
	"context"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/bpfman/bpfman-core/internal/attach"
	"github.com/bpfman/bpfman-core/internal/bpferrors"
	"github.com/bpfman/bpfman-core/internal/bpffs"
	"github.com/bpfman/bpfman-core/internal/config"
	"github.com/bpfman/bpfman-core/internal/dispatcher"
	"github.com/bpfman/bpfman-core/internal/kernel"
	"github.com/bpfman/bpfman-core/internal/model"
	"github.com/bpfman/bpfman-core/internal/ociimage"
	"github.com/bpfman/bpfman-core/internal/store"
)

// maxConcurrentPulls bounds the worker pool that services image fetches
// and signature verification, per spec.md section 5: these suspend/block
// but never run on the coordinator thread.
const maxConcurrentPulls = 4

// Coordinator is the Lifecycle Coordinator.
type Coordinator struct {
	log   logr.Logger
	rtdir string
	cfg   *config.Config

	store       *store.Store
	images      *ociimage.Manager
	loader      *kernel.Loader
	attachEng   *attach.Engine
	dispatchers *dispatcher.Manager

	pullSem *semaphore.Weighted

	tasks   chan task
	stopped chan struct{}

	nextProgramID uint32
}

// New builds a Coordinator over already-constructed component handles and
// starts its single writer goroutine.
func New(log logr.Logger, rtdir string, cfg *config.Config, st *store.Store,
	images *ociimage.Manager, loader *kernel.Loader, attachEng *attach.Engine,
	dispatchers *dispatcher.Manager) *Coordinator {

	c := &Coordinator{
		log:         log,
		rtdir:       rtdir,
		cfg:         cfg,
		store:       st,
		images:      images,
		loader:      loader,
		attachEng:   attachEng,
		dispatchers: dispatchers,
		pullSem:     semaphore.NewWeighted(maxConcurrentPulls),
		tasks:       make(chan task),
		stopped:     make(chan struct{}),
	}
	go c.run()
	return c
}

// resolveProgram adapts the store to dispatcher.ResolveProgram: given a
// bpfman program id, return the kernel id the Kernel Loader registered it
// under.
func (c *Coordinator) resolveProgram(programID uint32) (uint32, bool) {
	p, err := c.store.GetProgram(programID)
	if err != nil {
		return 0, false
	}
	return p.KernelID, true
}

// xdpModeFor resolves the per-interface xdp_mode override (falling back to
// the global default) into the model.XdpMode the Dispatcher Manager walks
// its hw -> drv -> skb fallback sequence from.
func (c *Coordinator) xdpModeFor(tuple model.DispatcherTuple) model.XdpMode {
	switch c.cfg.XdpModeFor(tuple.Iface) {
	case "hw":
		return model.XdpModeHW
	case "skb":
		return model.XdpModeSKB
	default:
		return model.XdpModeDRV
	}
}

// Load implements load(spec) -> program_id. The bytecode fetch runs on
// the bounded pull pool ahead of the coordinator thread, per spec.md
// section 5: "kind-specific workers (image pulls...) run on a bounded
// parallel pool and deliver results by message" rather than on the
// single-writer coordinator goroutine. Only the kernel load and
// persistence, which must serialise against every other mutation, are
// submitted to the queue.
func (c *Coordinator) Load(ctx context.Context, spec model.ProgramSpec) (uint32, error) {
	elf, err := c.fetchBytecode(ctx, spec.Bytecode)
	if err != nil {
		return 0, err
	}

	val, err := c.submit(ctx, func(ctx context.Context) (interface{}, error) {
		return c.doLoad(spec, elf)
	})
	if err != nil {
		return 0, err
	}
	return val.(uint32), nil
}

// doLoad performs the kernel load and persistence for a program whose
// bytecode has already been fetched off-thread by Load. It never
// suspends on I/O, so it is safe to run on the coordinator goroutine.
func (c *Coordinator) doLoad(spec model.ProgramSpec, elf []byte) (uint32, error) {
	var owner *kernel.MapOwnerRef
	if spec.MapOwnerID != nil {
		ownerProg, err := c.store.GetProgram(*spec.MapOwnerID)
		if err != nil {
			return 0, bpferrors.New(bpferrors.MapOwnerMissing,
				fmt.Sprintf("map owner %d not loaded", *spec.MapOwnerID), err)
		}
		owner = &kernel.MapOwnerRef{ProgramID: ownerProg.ID, RTDir: c.rtdir}
	}

	c.nextProgramID++
	programID := c.nextProgramID

	res, err := c.loader.Load(c.rtdir, programID, elf, spec.FunctionName, spec.Kind, spec.GlobalData, owner)
	if err != nil {
		return 0, err
	}

	program := &model.Program{
		ID:           programID,
		KernelID:     res.KernelID,
		Name:         spec.Name,
		Kind:         spec.Kind,
		FunctionName: spec.FunctionName,
		Bytecode:     spec.Bytecode,
		MapOwnerID:   spec.MapOwnerID,
		GlobalData:   spec.GlobalData,
		Metadata:     spec.Metadata,
	}
	if owner != nil {
		program.MapPinPath = bpffs.MapsDir(c.rtdir, owner.ProgramID)
	} else {
		program.MapPinPath = bpffs.MapsDir(c.rtdir, programID)
	}
	for _, m := range res.Maps {
		program.MapIDs = append(program.MapIDs, m.ID)
	}

	if err := c.store.UpsertProgram(program, res.Maps); err != nil {
		_ = c.loader.Unload(res.KernelID)
		return 0, err
	}

	return programID, nil
}

// fetchBytecode resolves a ProgramSpec's bytecode source to ELF bytes,
// routing image sources through the bounded pull pool (spec.md section 5)
// rather than the coordinator thread.
func (c *Coordinator) fetchBytecode(ctx context.Context, src model.BytecodeSource) ([]byte, error) {
	if !src.IsImage() {
		data, err := os.ReadFile(src.FilePath)
		if err != nil {
			return nil, bpferrors.New(bpferrors.InvalidArgument, fmt.Sprintf("reading bytecode file %s", src.FilePath), err)
		}
		return data, nil
	}

	res, err := c.pull(ctx, src)
	if err != nil {
		return nil, err
	}
	return res.ELF, nil
}

// Unload implements unload(program_id): cascades detach of every link,
// rebuilds or tears down affected dispatchers, releases maps.
func (c *Coordinator) Unload(ctx context.Context, programID uint32) error {
	_, err := c.submit(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, c.doUnload(ctx, programID)
	})
	return err
}

func (c *Coordinator) doUnload(ctx context.Context, programID uint32) error {
	program, err := c.store.GetProgram(programID)
	if err != nil {
		return err
	}

	if busy, err := c.hasDependentLoads(programID); err != nil {
		return err
	} else if busy {
		return bpferrors.New(bpferrors.MapOwnerBusy,
			fmt.Sprintf("program %d owns maps shared by another program", programID), nil)
	}

	links, err := c.store.ListLinksForProgram(programID)
	if err != nil {
		return err
	}
	for _, l := range links {
		if err := c.detachOne(l.ID); err != nil {
			return err
		}
	}

	if err := c.loader.Unload(program.KernelID); err != nil {
		return bpferrors.New(bpferrors.KernelLoadFailed, "unloading program", err).WithProgram(programID)
	}

	// A program that shares a map owner's maps has no pin directory of its
	// own; MapsDir(programID) is only this program's when it owns its maps.
	if program.MapOwnerID == nil {
		if err := os.RemoveAll(bpffs.MapsDir(c.rtdir, programID)); err != nil {
			c.log.Error(err, "removing map pin directory", "program_id", programID)
		}
	}

	return c.store.DeleteProgram(programID)
}

// hasDependentLoads reports whether any other persisted program declares
// programID as its map owner.
func (c *Coordinator) hasDependentLoads(programID uint32) (bool, error) {
	all, err := c.store.ListPrograms()
	if err != nil {
		return false, err
	}
	for _, p := range all {
		if p.MapOwnerID != nil && *p.MapOwnerID == programID {
			return true, nil
		}
	}
	return false, nil
}

// Attach implements attach(program_id, attach_info) -> link_id.
func (c *Coordinator) Attach(ctx context.Context, programID uint32, info model.AttachInfo) (string, error) {
	val, err := c.submit(ctx, func(ctx context.Context) (interface{}, error) {
		return c.doAttach(programID, info)
	})
	if err != nil {
		return "", err
	}
	return val.(string), nil
}

func (c *Coordinator) doAttach(programID uint32, info model.AttachInfo) (string, error) {
	program, err := c.store.GetProgram(programID)
	if err != nil {
		return "", err
	}

	if tuple, ok := model.DispatcherTupleOf(info); ok {
		return c.attachDispatched(program, tuple, info)
	}

	prog, ok := c.loader.Program(program.KernelID)
	if !ok {
		return "", bpferrors.New(bpferrors.KernelAttachFailed,
			fmt.Sprintf("program %d has no live kernel handle in this process", programID), nil)
	}
	link, err := c.attachEng.Attach(programID, prog, info)
	if err != nil {
		return "", err
	}
	if err := c.store.UpsertLink(link); err != nil {
		_ = c.attachEng.Detach(link.ID)
		return "", err
	}
	return link.ID, nil
}

// attachDispatched handles Xdp/Tc attachment: it assembles the full link
// set for tuple (existing plus the new one) and asks the Dispatcher
// Manager to rebuild, persisting the result only on success.
func (c *Coordinator) attachDispatched(program *model.Program, tuple model.DispatcherTuple, info model.AttachInfo) (string, error) {
	net, ok := networkAttachInfo(info)
	if !ok {
		return "", bpferrors.New(bpferrors.InvalidArgument, "dispatched attach info missing network fields", nil)
	}

	newLink := model.Link{
		ID:        uuid.NewString(),
		ProgramID: program.ID,
		Kind:      info.Kind(),
		Attach:    info,
		Priority:  net.Priority,
		ProceedOn: net.ProceedOn,
		Netns:     net.Netns,
	}

	existing, err := c.linksForTuple(tuple)
	if err != nil {
		return "", err
	}
	all := append(existing, newLink)

	d, ordered, err := c.dispatchers.Rebuild(c.rtdir, tuple, info.Kind(), all, c.resolveProgram, c.xdpModeFor(tuple))
	if err != nil {
		return "", err
	}

	for i := range ordered {
		if err := c.store.UpsertLink(&ordered[i]); err != nil {
			return "", err
		}
	}
	if err := c.store.UpsertDispatcher(d); err != nil {
		return "", err
	}

	return newLink.ID, nil
}

// linksForTuple returns the persisted links already multiplexed at tuple.
func (c *Coordinator) linksForTuple(tuple model.DispatcherTuple) ([]model.Link, error) {
	all, err := c.store.ListLinks()
	if err != nil {
		return nil, err
	}
	var out []model.Link
	for _, l := range all {
		if t, ok := model.DispatcherTupleOf(l.Attach); ok && t == tuple {
			out = append(out, l)
		}
	}
	return out, nil
}

func networkAttachInfo(info model.AttachInfo) (model.NetworkAttachInfo, bool) {
	switch v := info.(type) {
	case model.XdpAttachInfo:
		return v.NetworkAttachInfo, true
	case model.TcAttachInfo:
		return v.NetworkAttachInfo, true
	default:
		return model.NetworkAttachInfo{}, false
	}
}

// Detach implements detach(link_id).
func (c *Coordinator) Detach(ctx context.Context, linkID string) error {
	_, err := c.submit(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, c.detachOne(linkID)
	})
	return err
}

func (c *Coordinator) detachOne(linkID string) error {
	l, err := c.store.GetLink(linkID)
	if err != nil {
		return err
	}

	if tuple, ok := model.DispatcherTupleOf(l.Attach); ok {
		return c.detachDispatched(linkID, tuple)
	}

	if err := c.attachEng.Detach(linkID); err != nil {
		return err
	}
	return c.store.DeleteLink(linkID)
}

func (c *Coordinator) detachDispatched(linkID string, tuple model.DispatcherTuple) error {
	existing, err := c.linksForTuple(tuple)
	if err != nil {
		return err
	}
	remaining := existing[:0]
	for _, l := range existing {
		if l.ID != linkID {
			remaining = append(remaining, l)
		}
	}

	if len(remaining) == 0 {
		if err := c.dispatchers.Teardown(tuple); err != nil {
			return err
		}
		if err := c.store.DeleteDispatcher(tuple); err != nil {
			return err
		}
		return c.store.DeleteLink(linkID)
	}

	kind := remaining[0].Kind
	d, ordered, err := c.dispatchers.Rebuild(c.rtdir, tuple, kind, remaining, c.resolveProgram, c.xdpModeFor(tuple))
	if err != nil {
		return err
	}
	for i := range ordered {
		if err := c.store.UpsertLink(&ordered[i]); err != nil {
			return err
		}
	}
	if err := c.store.UpsertDispatcher(d); err != nil {
		return err
	}
	return c.store.DeleteLink(linkID)
}

// List implements list(): a lock-free read against the persistence store,
// per spec.md section 5 ("queries may execute in parallel using immutable
// snapshots plus the persistence store").
func (c *Coordinator) List() ([]model.Program, error) {
	return c.store.ListPrograms()
}

// Get implements get(id): polymorphic lookup across programs and links.
func (c *Coordinator) Get(id string) (interface{}, error) {
	return c.store.GetByID(id)
}
