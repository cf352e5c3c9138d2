package dispatcher

import (
	"fmt"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/bpfman/bpfman-core/internal/model"
	"github.com/bpfman/bpfman-core/internal/netnsutil"
)

// tcHandle opens a netlink handle bound to the given namespace name (the
// host's default namespace if empty). netlink.Handle operations issued
// against it land in that namespace regardless of the calling thread's
// own namespace, which is the library's documented way of addressing a
// foreign namespace without a setns dance around every call — unlike
// cilium/ebpf's link.AttachXDP, vishvananda/netlink exposes exactly this.
// The caller must close both the handle and, if opened, the ns fd.
func tcHandle(netnsName string) (*netlink.Handle, netns.NsHandle, error) {
	if netnsName == "" {
		h, err := netlink.NewHandle()
		if err != nil {
			return nil, netns.None(), fmt.Errorf("opening netlink handle: %w", err)
		}
		return h, netns.None(), nil
	}

	ns, err := netnsutil.Open(netnsName)
	if err != nil {
		return nil, netns.None(), err
	}
	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		_ = ns.Close()
		return nil, netns.None(), fmt.Errorf("opening netlink handle in netns %s: %w", netnsName, err)
	}
	return h, ns, nil
}

// ensureClsact creates an ingress/egress clsact qdisc on link if one does
// not already exist. Per spec.md section 4.5, the Dispatcher Manager
// creates it lazily on first use and leaves it in place for the operator
// to tear down explicitly.
func ensureClsact(h *netlink.Handle, link netlink.Link) error {
	qdiscs, err := h.QdiscList(link)
	if err != nil {
		return fmt.Errorf("listing qdiscs on %s: %w", link.Attrs().Name, err)
	}
	for _, q := range qdiscs {
		if q.Type() == "clsact" {
			return nil
		}
	}

	qdisc := &netlink.GenericQdisc{
		QdiscAttrs: netlink.QdiscAttrs{
			LinkIndex: link.Attrs().Index,
			Parent:    netlink.HANDLE_CLSACT,
			Handle:    netlink.MakeHandle(0xffff, 0),
		},
		QdiscType: "clsact",
	}
	if err := h.QdiscAdd(qdisc); err != nil {
		return fmt.Errorf("adding clsact qdisc on %s: %w", link.Attrs().Name, err)
	}
	return nil
}

// tcParent returns the clsact parent handle for a direction.
func tcParent(dir model.Direction) uint32 {
	if dir == model.Egress {
		return netlink.HANDLE_MIN_EGRESS
	}
	return netlink.HANDLE_MIN_INGRESS
}

// attachTcFilter installs (or replaces, via netlink's implicit replace-by-
// handle semantics) the dispatcher program as a bpf classifier on iface's
// clsact qdisc, inside netnsName (the host's default namespace if empty).
func attachTcFilter(ifaceName string, dir model.Direction, netnsName string, progFD int, name string) error {
	h, ns, err := tcHandle(netnsName)
	if err != nil {
		return err
	}
	defer h.Close()
	defer func() {
		if ns.IsOpen() {
			_ = ns.Close()
		}
	}()

	nlLink, err := h.LinkByName(ifaceName)
	if err != nil {
		return fmt.Errorf("looking up interface %s: %w", ifaceName, err)
	}

	if err := ensureClsact(h, nlLink); err != nil {
		return err
	}

	filter := &netlink.BpfFilter{
		FilterAttrs: netlink.FilterAttrs{
			LinkIndex: nlLink.Attrs().Index,
			Parent:    tcParent(dir),
			Handle:    netlink.MakeHandle(0, 1),
			Protocol:  unix.ETH_P_ALL,
			Priority:  1,
		},
		Fd:           progFD,
		Name:         name,
		DirectAction: true,
	}

	if err := h.FilterReplace(filter); err != nil {
		return fmt.Errorf("attaching tc dispatcher on %s/%s: %w", ifaceName, dir, err)
	}
	return nil
}

// detachTcFilter removes the dispatcher classifier installed by
// attachTcFilter. The clsact qdisc itself is left in place.
func detachTcFilter(ifaceName string, dir model.Direction, netnsName string) error {
	h, ns, err := tcHandle(netnsName)
	if err != nil {
		return err
	}
	defer h.Close()
	defer func() {
		if ns.IsOpen() {
			_ = ns.Close()
		}
	}()

	nlLink, err := h.LinkByName(ifaceName)
	if err != nil {
		return fmt.Errorf("looking up interface %s: %w", ifaceName, err)
	}

	filter := &netlink.BpfFilter{
		FilterAttrs: netlink.FilterAttrs{
			LinkIndex: nlLink.Attrs().Index,
			Parent:    tcParent(dir),
			Handle:    netlink.MakeHandle(0, 1),
			Protocol:  unix.ETH_P_ALL,
			Priority:  1,
		},
	}
	if err := h.FilterDel(filter); err != nil {
		return fmt.Errorf("detaching tc dispatcher on %s/%s: %w", ifaceName, dir, err)
	}
	return nil
}
