package coordinator

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cilium/ebpf/link"
	"golang.org/x/sync/errgroup"

	"github.com/bpfman/bpfman-core/internal/bpferrors"
	"github.com/bpfman/bpfman-core/internal/bpffs"
	"github.com/bpfman/bpfman-core/internal/kernel"
	"github.com/bpfman/bpfman-core/internal/model"
)

// Reconcile runs the startup reconciliation of spec.md section 4.6: it
// mounts bpffs, diffs the persisted store against what is actually pinned
// on disk, ejects untrusted kernel-only leftovers, and rebuilds any
// program/link the store remembers but the kernel has lost (this process
// starts with an empty in-memory Kernel Loader registry, so "kernel-absent"
// here means "not yet reloaded by this process", which on a cold boot is
// every persisted record). It is idempotent: a second run in the same
// process leaves every program alone (each is already live in the Kernel
// Loader) and rebuilds each dispatcher from the same link set, so the
// resulting programs, links and dispatchers are the same.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	_, err := c.submit(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, c.doReconcile()
	})
	return err
}

func (c *Coordinator) doReconcile() error {
	if err := bpffs.EnsureMounted(c.rtdir); err != nil {
		return err
	}
	if err := bpffs.EnsureLinksDir(c.rtdir); err != nil {
		return err
	}

	programs, err := c.store.ListPrograms()
	if err != nil {
		return err
	}
	links, err := c.store.ListLinks()
	if err != nil {
		return err
	}

	if err := c.ejectUntrackedLinks(links); err != nil {
		return err
	}

	for i := range programs {
		if programs[i].ID >= c.nextProgramID {
			c.nextProgramID = programs[i].ID
		}
	}

	// Rebuilds are independent per program (each is its own bytecode fetch
	// plus kernel load), so they run on the same bounded pool as ordinary
	// image pulls rather than one at a time.
	var eg errgroup.Group
	eg.SetLimit(maxConcurrentPulls)
	for i := range programs {
		program := &programs[i]
		eg.Go(func() error {
			if err := c.rebuildProgram(program); err != nil {
				c.log.Error(err, "reconciliation: rebuilding program failed, marking mismatch",
					"program_id", program.ID)
			}
			return nil
		})
	}
	_ = eg.Wait()

	return c.rebuildDispatchedLinks(links)
}

// ejectUntrackedLinks removes pinned link fds under <rtdir>/links that no
// persisted record claims (kernel-only, store-absent), unless a sibling
// ".discovered" marker file asks that they be left alone, per spec.md
// section 4.6's "discovered-retain" carve-out.
func (c *Coordinator) ejectUntrackedLinks(links []model.Link) error {
	known := make(map[string]bool, len(links))
	for _, l := range links {
		known[l.ID] = true
	}

	entries, err := os.ReadDir(bpffs.LinksDir(c.rtdir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) == ".discovered" || known[name] {
			continue
		}
		if _, err := os.Stat(bpffs.LinkPinPath(c.rtdir, name) + ".discovered"); err == nil {
			continue
		}

		pinPath := bpffs.LinkPinPath(c.rtdir, name)
		l, err := link.LoadPinnedLink(pinPath, nil)
		if err != nil {
			c.log.Error(err, "reconciliation: loading untracked pinned link", "path", pinPath)
			continue
		}
		if err := l.Unpin(); err != nil {
			c.log.Error(err, "reconciliation: unpinning untracked link", "path", pinPath)
		}
		_ = l.Close()
	}
	return nil
}

// rebuildProgram re-fetches bytecode (a no-op network-wise when the Image
// Manager's cache already has it) and reloads the program into this
// process's Kernel Loader registry. A program whose kernel id this process
// already holds a live handle for is left as it is.
func (c *Coordinator) rebuildProgram(program *model.Program) error {
	if _, live := c.loader.Program(program.KernelID); live {
		return nil
	}

	elf, err := c.fetchBytecode(context.Background(), program.Bytecode)
	if err != nil {
		return bpferrors.New(bpferrors.ReconciliationMismatch, "re-fetching bytecode during reconciliation", err).
			WithProgram(program.ID)
	}

	var owner *kernel.MapOwnerRef
	if program.MapOwnerID != nil {
		owner = &kernel.MapOwnerRef{ProgramID: *program.MapOwnerID, RTDir: c.rtdir}
	}
	res, err := c.loader.Load(c.rtdir, program.ID, elf, program.FunctionName, program.Kind,
		program.GlobalData, owner)
	if err != nil {
		return bpferrors.New(bpferrors.ReconciliationMismatch, "reloading program during reconciliation", err).
			WithProgram(program.ID)
	}

	program.KernelID = res.KernelID
	return c.store.UpsertProgram(program, res.Maps)
}

// rebuildDispatchedLinks re-attaches every non-dispatched link and rebuilds
// one dispatcher per distinct tuple among the dispatched links.
func (c *Coordinator) rebuildDispatchedLinks(links []model.Link) error {
	tuples := make(map[model.DispatcherTuple][]model.Link)

	for _, l := range links {
		if tuple, ok := model.DispatcherTupleOf(l.Attach); ok {
			tuples[tuple] = append(tuples[tuple], l)
			continue
		}
		if err := c.reattachLink(l); err != nil {
			c.log.Error(err, "reconciliation: re-attaching link failed", "link_id", l.ID)
		}
	}

	for tuple, tupleLinks := range tuples {
		d, ordered, err := c.dispatchers.Rebuild(c.rtdir, tuple, tupleLinks[0].Kind, tupleLinks, c.resolveProgram, c.xdpModeFor(tuple))
		if err != nil {
			c.log.Error(err, "reconciliation: rebuilding dispatcher failed", "iface", tuple.Iface)
			continue
		}
		for i := range ordered {
			if err := c.store.UpsertLink(&ordered[i]); err != nil {
				return err
			}
		}
		if err := c.store.UpsertDispatcher(d); err != nil {
			return err
		}
	}
	return nil
}

// reattachLink recovers the kernel link for l so list() continues to
// report the same link identity across a restart. The kernel link itself
// already survived the restart, pinned at its usual path: reconciliation
// must adopt that live object rather than attach a fresh one alongside
// it, or the daemon doubles up every non-dispatched link (two live
// kprobes firing for one persisted link) on each run and reconciliation
// stops being idempotent. Only when nothing is pinned there (the pin was
// lost, e.g. an operator manually removed it) does this fall back to a
// fresh AttachWithID.
func (c *Coordinator) reattachLink(l model.Link) error {
	pinPath := bpffs.LinkPinPath(c.rtdir, l.ID)
	if pinned, err := link.LoadPinnedLink(pinPath, nil); err == nil {
		if err := c.attachEng.Adopt(l.ID, pinned, l.Netns); err != nil {
			_ = pinned.Close()
			return err
		}
		return nil
	}

	kernelID, ok := c.resolveProgram(l.ProgramID)
	if !ok {
		return bpferrors.New(bpferrors.ReconciliationMismatch,
			"program for link is not registered", nil).WithLink(l.ID)
	}
	prog, ok := c.loader.Program(kernelID)
	if !ok {
		return bpferrors.New(bpferrors.ReconciliationMismatch,
			"program for link has no live kernel handle", nil).WithLink(l.ID)
	}
	newLink, err := c.attachEng.AttachWithID(l.ID, l.ProgramID, prog, l.Attach)
	if err != nil {
		return err
	}
	return c.store.UpsertLink(newLink)
}
