package model

import "time"

// BytecodeSource is either an OCI image reference or a local file path, per
// spec.md section 3's "bytecode source (image URL + pull policy, or file
// path)".
type BytecodeSource struct {
	ImageURL   string
	PullPolicy PullPolicy
	Auth       *RegistryAuth
	FilePath   string
}

func (b BytecodeSource) IsImage() bool { return b.ImageURL != "" }

type RegistryAuth struct {
	Username string
	Password string
}

// ProgramSpec is the caller-supplied description of a program to load.
type ProgramSpec struct {
	Name         string
	Kind         ProgramKind
	FunctionName string
	Bytecode     BytecodeSource
	MapOwnerID   *uint32
	GlobalData   map[string][]byte
	Metadata     map[string]string
}

// Program is a unit of kernel-loaded bytecode, spec.md section 3.
type Program struct {
	ID             uint32
	KernelID       uint32
	Name           string
	Kind           ProgramKind
	FunctionName   string
	Bytecode       BytecodeSource
	MapOwnerID     *uint32
	MapPinPath     string
	GlobalData     map[string][]byte
	GlobalDataBlob []byte
	Metadata       map[string]string
	KernelLoadedAt time.Time
	CreatedAt      time.Time
	MapIDs         []uint32
}

// MapKind mirrors the kernel's bpf_map_type enumeration, narrowed to the
// kinds bpfman's callers declare in OCI image labels.
type MapKind string

const (
	MapHash       MapKind = "hash"
	MapArray      MapKind = "array"
	MapPerCPUHash MapKind = "percpu_hash"
	MapPerfEvent  MapKind = "perf_event_array"
	MapRingBuf    MapKind = "ringbuf"
	MapProgArray  MapKind = "prog_array"
)

// Map is a kernel BPF map owned by some program, spec.md section 3.
type Map struct {
	ID         uint32
	ProgramID  uint32
	Name       string
	Kind       MapKind
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
	PinPath    string
}

// Link is an attachment of a program to a hook, spec.md section 3. Position
// is derived at dispatcher-rebuild time for Xdp/Tc kinds and is not stored
// directly as a mutation target; it is persisted as the result of a
// rebuild, never written independently of one.
type Link struct {
	ID        string
	ProgramID uint32
	Kind      ProgramKind
	Attach    AttachInfo
	Priority  int32
	Position  int
	ProceedOn ProceedOnSet
	Netns     string
	CreatedAt time.Time
}

// DispatcherTuple identifies a Dispatcher Manager multiplex point: one
// dispatcher per (iface, direction, netns) with >=1 Xdp/Tc link, spec.md
// section 3/4.5.
type DispatcherTuple struct {
	Iface     string
	Direction Direction
	Netns     string
}

// Dispatcher is the persisted record of an installed dispatcher program.
type Dispatcher struct {
	Tuple        DispatcherTuple
	Kind         ProgramKind // Xdp or Tc
	Revision     uint64
	KernelProgID uint32
	ConfigBlob   []byte
	LinkIDs      []string // ordered by Position
}
