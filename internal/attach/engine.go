// Package attach implements the Attach Engine of spec.md section 4.4: for
// every non-multiplexed program kind, it creates the kernel link object and
// pins its file descriptor under the state directory so the attachment
// survives a daemon restart. Xdp and Tc are routed to the Dispatcher
// Manager instead (spec.md section 4.4's per-kind strategy table); this
// package intentionally has no knowledge of dispatcher internals.
package attach

import (
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/vishvananda/netns"

	"github.com/bpfman/bpfman-core/internal/bpferrors"
	"github.com/bpfman/bpfman-core/internal/bpffs"
	"github.com/bpfman/bpfman-core/internal/model"
	"github.com/bpfman/bpfman-core/internal/netnsutil"
)

// handle bundles everything the Attach Engine must keep alive, and release
// on detach, for one non-dispatcher link.
type handle struct {
	link  link.Link
	netns netns.NsHandle
}

// Engine is the Attach Engine.
type Engine struct {
	log   logr.Logger
	rtdir string

	mu      sync.Mutex
	handles map[string]*handle
}

func NewEngine(log logr.Logger, rtdir string) *Engine {
	return &Engine{log: log, rtdir: rtdir, handles: make(map[string]*handle)}
}

// Attach creates the appropriate kernel link for info and returns the
// persisted Link record. programID is the owning program's id (stored on
// the record, not used for the syscall itself).
func (e *Engine) Attach(programID uint32, prog *ebpf.Program, info model.AttachInfo) (*model.Link, error) {
	return e.AttachWithID(uuid.NewString(), programID, prog, info)
}

// AttachWithID is Attach with a caller-supplied link id, used by startup
// reconciliation to rebuild a kernel link under the id the store already
// has on record, so later Detach calls keep working unchanged.
func (e *Engine) AttachWithID(linkID string, programID uint32, prog *ebpf.Program, info model.AttachInfo) (*model.Link, error) {
	if info.Kind() == model.Xdp || info.Kind() == model.Tc {
		return nil, bpferrors.New(bpferrors.InvalidArgument,
			"xdp/tc attachments go through the Dispatcher Manager, not the Attach Engine", nil)
	}

	var (
		l   link.Link
		err error
		ns  = netns.None()
	)

	switch v := info.(type) {
	case model.KprobeAttachInfo:
		opts := &link.KprobeOptions{Offset: v.Offset}
		if v.Retprobe {
			l, err = link.Kretprobe(v.FnName, prog, opts)
		} else {
			l, err = link.Kprobe(v.FnName, prog, opts)
		}

	case model.UprobeAttachInfo:
		ex, oerr := link.OpenExecutable(v.Target)
		if oerr != nil {
			return nil, bpferrors.New(bpferrors.InvalidArgument, fmt.Sprintf("opening uprobe target %s", v.Target), oerr)
		}
		opts := &link.UprobeOptions{Offset: v.Offset}
		if v.Pid != nil {
			opts.PID = int(*v.Pid)
		}
		if v.Retprobe {
			l, err = ex.Uretprobe(v.FnName, prog, opts)
		} else {
			l, err = ex.Uprobe(v.FnName, prog, opts)
		}

	case model.TracepointAttachInfo:
		l, err = link.Tracepoint(v.Category, v.Name, prog, nil)

	case model.FentryAttachInfo:
		l, err = link.AttachTracing(link.TracingOptions{Program: prog, AttachType: ebpf.AttachTraceFEntry})

	case model.FexitAttachInfo:
		l, err = link.AttachTracing(link.TracingOptions{Program: prog, AttachType: ebpf.AttachTraceFExit})

	case model.TcxAttachInfo:
		ns, err = netnsutil.Open(v.Netns)
		if err != nil {
			return nil, bpferrors.New(bpferrors.InvalidArgument, "opening target netns", err)
		}
		// TCX's Interface field is a kernel ifindex, which is only
		// meaningful within the namespace it was resolved in: both the
		// lookup and the attach syscall itself must run inside ns, per
		// spec.md section 9's netns-retention requirement.
		runErr := netnsutil.Run(ns, func() error {
			ifidx, ierr := interfaceIndex(v.Iface)
			if ierr != nil {
				return ierr
			}
			attachType := ebpf.AttachTCXIngress
			if v.Direction == model.Egress {
				attachType = ebpf.AttachTCXEgress
			}
			l, err = link.AttachTCX(link.TCXOptions{Program: prog, Attach: attachType, Interface: ifidx})
			return err
		})
		if runErr != nil {
			if ns.IsOpen() {
				_ = ns.Close()
			}
			return nil, bpferrors.New(bpferrors.InvalidArgument, "attaching tcx in target netns", runErr)
		}

	default:
		return nil, bpferrors.New(bpferrors.InvalidArgument, fmt.Sprintf("unsupported attach kind %q", info.Kind()), nil)
	}

	if err != nil {
		if ns.IsOpen() {
			_ = ns.Close()
		}
		return nil, bpferrors.New(bpferrors.KernelAttachFailed, "creating kernel link", err)
	}

	if err := bpffs.EnsureLinksDir(e.rtdir); err != nil {
		_ = l.Close()
		return nil, bpferrors.New(bpferrors.KernelAttachFailed, "preparing link pin directory", err)
	}
	if err := l.Pin(bpffs.LinkPinPath(e.rtdir, linkID)); err != nil {
		e.log.Error(err, "pinning link, continuing without pin", "link_id", linkID)
	}

	e.mu.Lock()
	e.handles[linkID] = &handle{link: l, netns: ns}
	e.mu.Unlock()

	return &model.Link{
		ID:        linkID,
		ProgramID: programID,
		Kind:      info.Kind(),
		Attach:    info,
	}, nil
}

// Detach releases the link and unpins it. It is idempotent: detaching an
// id this process has no handle for returns NotFound without side
// effects, per spec.md section 4.4.
func (e *Engine) Detach(linkID string) error {
	e.mu.Lock()
	h, ok := e.handles[linkID]
	delete(e.handles, linkID)
	e.mu.Unlock()

	if !ok {
		return bpferrors.New(bpferrors.NotFound, fmt.Sprintf("link %s", linkID), nil)
	}

	_ = h.link.Unpin()
	err := h.link.Close()
	if h.netns.IsOpen() {
		_ = h.netns.Close()
	}
	if err != nil {
		return bpferrors.New(bpferrors.KernelAttachFailed, "closing kernel link", err).WithLink(linkID)
	}
	return nil
}

// Adopt registers a link handle recovered from a pinned fd during startup
// reconciliation, so later Detach calls against the same process find it
// without re-attaching (the kernel link already survived the restart
// pinned at its usual path; re-attaching would create a live duplicate
// alongside it). netnsName re-opens the retained netns fd for the link's
// lifetime, per the same rule AttachWithID applies on a fresh attach.
func (e *Engine) Adopt(linkID string, l link.Link, netnsName string) error {
	ns, err := netnsutil.Open(netnsName)
	if err != nil {
		return bpferrors.New(bpferrors.KernelAttachFailed, "reopening netns for adopted link", err).WithLink(linkID)
	}

	e.mu.Lock()
	e.handles[linkID] = &handle{link: l, netns: ns}
	e.mu.Unlock()
	return nil
}
