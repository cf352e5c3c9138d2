// Package model defines the program/link/map/dispatcher data model of
// spec.md section 3. Kinds are modeled as a tagged variant (this file) and
// attach info as kind-specific structs (attach.go), per the "Polymorphism
// over program kinds" design note in spec.md section 9: the Attach Engine
// switches on the tag, there is no virtual hierarchy.
package model

// ProgramKind identifies the logical kind of an eBPF program. It maps onto
// a kernel bpf_prog_type via KernelProgType.
type ProgramKind string

const (
	Xdp        ProgramKind = "xdp"
	Tc         ProgramKind = "tc"
	Tcx        ProgramKind = "tcx"
	Kprobe     ProgramKind = "kprobe"
	Uprobe     ProgramKind = "uprobe"
	Tracepoint ProgramKind = "tracepoint"
	Fentry     ProgramKind = "fentry"
	Fexit      ProgramKind = "fexit"
	Syscall    ProgramKind = "syscall"
)

// kernelProgType mirrors the running kernel's bpf_prog_type enumeration
// (BPF_PROG_TYPE_*). bpfman accepts kinds up to and including "syscall" at
// the current baseline, per spec.md section 6. Uprobe intentionally shares
// Kprobe's program type, per spec.md section 4.3.
var kernelProgType = map[ProgramKind]uint32{
	Xdp:        6,  // BPF_PROG_TYPE_XDP
	Tc:         3,  // BPF_PROG_TYPE_SCHED_CLS (classic tc classifier)
	Tcx:        3,  // tcx reuses SCHED_CLS with a native link type
	Kprobe:     2,  // BPF_PROG_TYPE_KPROBE
	Uprobe:     2,  // shares Kprobe's program type
	Tracepoint: 5,  // BPF_PROG_TYPE_TRACEPOINT
	Fentry:     26, // BPF_PROG_TYPE_TRACING
	Fexit:      26, // BPF_PROG_TYPE_TRACING
	Syscall:    31, // BPF_PROG_TYPE_SYSCALL, highest accepted kind at the current baseline
}

// KernelProgType returns the kernel bpf_prog_type value for k, and whether
// k is a recognised kind at all.
func KernelProgType(k ProgramKind) (uint32, bool) {
	v, ok := kernelProgType[k]
	return v, ok
}

// IsDispatched reports whether links of this kind are multiplexed through a
// Dispatcher Manager tuple (spec.md section 4.5), as opposed to getting
// their own kernel link directly from the Attach Engine.
func (k ProgramKind) IsDispatched() bool {
	return k == Xdp || k == Tc
}

// Direction is the traffic direction for TC/TCX attachments.
type Direction string

const (
	Ingress Direction = "ingress"
	Egress  Direction = "egress"
)

// XdpMode is the libxdp attach mode, with fallback order hw -> drv -> skb
// as configured per-interface in spec.md section 6.
type XdpMode string

const (
	XdpModeHW  XdpMode = "hw"
	XdpModeDRV XdpMode = "drv"
	XdpModeSKB XdpMode = "skb"
)

// PullPolicy controls whether the Image Manager may skip a network fetch.
type PullPolicy string

const (
	PullAlways       PullPolicy = "Always"
	PullIfNotPresent PullPolicy = "IfNotPresent"
	PullNever        PullPolicy = "Never"
)
