// Package kernel implements the Kernel Loader of spec.md section 4.3: ELF
// parsing, global-data rewrites, map creation/pinning or map-owner sharing,
// and submission to the kernel via cilium/ebpf, the corpus's Go eBPF
// library of choice (see examples/go-xdp-counter, octoreflex/internal/bpf).
package kernel

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/go-logr/logr"

	"github.com/bpfman/bpfman-core/internal/bpferrors"
	"github.com/bpfman/bpfman-core/internal/bpffs"
	"github.com/bpfman/bpfman-core/internal/model"
)

// MapOwnerRef identifies an existing program whose maps a new program
// should reuse instead of creating its own, per spec.md section 3/4.3.
type MapOwnerRef struct {
	ProgramID uint32
	RTDir     string
}

// Result is what the Kernel Loader hands back to the Lifecycle Coordinator
// after a successful load: the kernel-assigned program id and records for
// every map the program owns (empty if it shares a map owner's maps).
type Result struct {
	KernelID uint32
	Maps     []model.Map
}

// Loader owns every *ebpf.Program this daemon process has loaded, keyed by
// kernel program id, so later operations (freplace into a dispatcher slot,
// detach, unload) can reach the live handle without re-parsing the ELF.
type Loader struct {
	log logr.Logger

	mu       sync.Mutex
	programs map[uint32]*ebpf.Program
}

func NewLoader(log logr.Logger) *Loader {
	return &Loader{log: log, programs: make(map[uint32]*ebpf.Program)}
}

// Program returns the live *ebpf.Program for a kernel id, if this process
// loaded it.
func (l *Loader) Program(id uint32) (*ebpf.Program, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.programs[id]
	return p, ok
}

// Load parses elf, applies global-data rewrites, resolves map ownership,
// and submits the named program to the kernel, per spec.md section 4.3.
func (l *Loader) Load(rtdir string, programID uint32, elf []byte, functionName string,
	kind model.ProgramKind, globalData map[string][]byte, owner *MapOwnerRef) (*Result, error) {

	spec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(elf))
	if err != nil {
		return nil, bpferrors.New(bpferrors.KernelLoadFailed, "parsing ELF", err)
	}

	progSpec, ok := spec.Programs[functionName]
	if !ok {
		return nil, bpferrors.New(bpferrors.InvalidArgument,
			fmt.Sprintf("no function %q in bytecode", functionName), nil)
	}

	progType, ok := model.KernelProgType(kind)
	if !ok {
		return nil, bpferrors.New(bpferrors.InvalidArgument,
			fmt.Sprintf("unrecognised program kind %q", kind), nil)
	}
	progSpec.Type = ebpf.ProgramType(progType)

	if len(globalData) > 0 {
		rewrites := make(map[string]interface{}, len(globalData))
		for name, data := range globalData {
			rewrites[name] = data
		}
		if err := spec.RewriteConstants(rewrites); err != nil {
			return nil, bpferrors.New(bpferrors.KernelLoadFailed, "rewriting global data", err)
		}
	}

	opts := ebpf.CollectionOptions{}

	var replacements map[string]*ebpf.Map
	if owner != nil {
		var err error
		replacements, err = l.ownerMapReplacements(owner, spec)
		if err != nil {
			return nil, err
		}
		opts.MapReplacements = replacements
	} else {
		if err := bpffs.EnsureMapsDir(rtdir, programID); err != nil {
			return nil, bpferrors.New(bpferrors.KernelLoadFailed, "preparing map pin directory", err)
		}
		for _, m := range spec.Maps {
			if m.Name == "" || m.Name == ".rodata" || m.Name == ".bss" || m.Name == ".data" {
				// anonymous/global-data maps are not independently pinned
				continue
			}
			m.Pinning = ebpf.PinByName
		}
		opts.Maps.PinPath = bpffs.MapsDir(rtdir, programID)
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, opts)
	// The handles ownerMapReplacements opened to resolve the owner's pinned
	// maps are only needed to hand their fds to NewCollectionWithOptions;
	// it dups what it needs, so these are never used again either way.
	for _, m := range replacements {
		_ = m.Close()
	}
	if err != nil {
		var ve *ebpf.VerifierError
		if errors.As(err, &ve) {
			return nil, bpferrors.New(bpferrors.KernelLoadFailed, "kernel rejected program", err).
				WithVerifierLog(fmt.Sprintf("%+v", ve))
		}
		return nil, bpferrors.New(bpferrors.KernelLoadFailed, "loading collection", err)
	}

	prog, ok := coll.Programs[functionName]
	if !ok {
		coll.Close()
		return nil, bpferrors.New(bpferrors.KernelLoadFailed, "program missing from loaded collection", nil)
	}

	info, err := prog.Info()
	if err != nil {
		coll.Close()
		return nil, bpferrors.New(bpferrors.KernelLoadFailed, "reading program info", err)
	}
	kernelID, _ := info.ID()

	var mapRecords []model.Map
	if owner == nil {
		for name, m := range coll.Maps {
			mi, err := m.Info()
			if err != nil {
				continue
			}
			mapID, _ := mi.ID()
			mapRecords = append(mapRecords, model.Map{
				ID:         uint32(mapID),
				ProgramID:  programID,
				Name:       name,
				KeySize:    m.KeySize(),
				ValueSize:  m.ValueSize(),
				MaxEntries: m.MaxEntries(),
				PinPath:    bpffs.MapPinPath(rtdir, programID, name),
			})
		}
	}

	// Every map handle and every other program in the collection besides
	// the one just extracted has no further use in this process: maps are
	// already pinned above (PinByName/opts.Maps.PinPath) or were reused
	// from the owner's pins, so closing their in-process fds here does not
	// affect the kernel objects, which the retained prog handle (and, for
	// pinned maps, the pin itself) keeps alive. Only prog is kept open,
	// tracked in l.programs for later freplace/detach/unload.
	for _, m := range coll.Maps {
		_ = m.Close()
	}
	for name, p := range coll.Programs {
		if name == functionName {
			continue
		}
		_ = p.Close()
	}

	l.mu.Lock()
	l.programs[uint32(kernelID)] = prog
	l.mu.Unlock()

	return &Result{KernelID: uint32(kernelID), Maps: mapRecords}, nil
}

// ownerMapReplacements resolves every map referenced by spec against the
// owner program's pinned maps, per spec.md section 4.3: "obtain existing
// map file descriptors from the owner's pin paths and substitute them into
// the program's map relocations."
func (l *Loader) ownerMapReplacements(owner *MapOwnerRef, spec *ebpf.CollectionSpec) (map[string]*ebpf.Map, error) {
	replacements := make(map[string]*ebpf.Map, len(spec.Maps))
	for name := range spec.Maps {
		if name == ".rodata" || name == ".bss" || name == ".data" {
			continue
		}
		pinPath := bpffs.MapPinPath(owner.RTDir, owner.ProgramID, name)
		m, err := ebpf.LoadPinnedMap(pinPath, nil)
		if err != nil {
			return nil, bpferrors.New(bpferrors.MapOwnerMissing,
				fmt.Sprintf("owner %d has no pinned map %q", owner.ProgramID, name), err)
		}
		replacements[name] = m
	}
	return replacements, nil
}

// Unload closes the kernel program handle for id, if this process holds
// one. It does not touch maps or links; those are the Kernel Loader's
// caller's responsibility (map pin directory removal, link detach).
func (l *Loader) Unload(id uint32) error {
	l.mu.Lock()
	prog, ok := l.programs[id]
	delete(l.programs, id)
	l.mu.Unlock()

	if !ok {
		return nil
	}
	return prog.Close()
}
