// Package netnsutil is the single place that actually enters a target
// network namespace for the duration of a kernel call. cilium/ebpf's
// link.AttachXDP and net.InterfaceByName both resolve interfaces and issue
// syscalls against the calling thread's current network namespace; there
// is no "attach in namespace X" parameter on either API. spec.md section 9
// requires that a non-default-netns attach actually lands in that
// namespace rather than the host's default one, so every caller that
// resolves an interface or issues an attach syscall for a link carrying a
// non-empty Netns must route it through Run.
package netnsutil

import (
	"fmt"
	"runtime"

	"github.com/vishvananda/netns"
)

// Open resolves name to a handle on the target namespace. An empty name
// means the host's default namespace and is represented as netns.None(),
// which Run treats as "do not switch".
func Open(name string) (netns.NsHandle, error) {
	if name == "" {
		return netns.None(), nil
	}
	h, err := netns.GetFromName(name)
	if err != nil {
		return netns.None(), fmt.Errorf("opening netns %s: %w", name, err)
	}
	return h, nil
}

// Run locks the calling goroutine to its current OS thread, switches into
// target for the duration of fn, and restores the thread's original
// namespace before returning. A thread is never handed back to the Go
// scheduler while namespaced, so every syscall fn makes is guaranteed to
// land in target. target.IsOpen() == false (the zero value, or one
// returned by Open("")) runs fn in the current namespace with no
// switching at all.
func Run(target netns.NsHandle, fn func() error) error {
	if !target.IsOpen() {
		return fn()
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return fmt.Errorf("getting current netns: %w", err)
	}
	defer orig.Close()

	if err := netns.Set(target); err != nil {
		return fmt.Errorf("entering target netns: %w", err)
	}
	defer netns.Set(orig)

	return fn()
}
