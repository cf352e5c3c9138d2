// Package dispatcher implements the Dispatcher Manager of spec.md section
// 4.5: for every (iface, direction, netns) tuple with at least one Xdp or
// Tc link, it builds, loads and atomically swaps a dispatcher program that
// chains up to ten user programs in priority order.
package dispatcher

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/bpfman/bpfman-core/internal/model"
)

// MaxSlots is the number of dispatcher slots; slots beyond the enabled
// count remain unused stubs, per spec.md section 3.
const MaxSlots = 10

const (
	xdpDispatcherMagic = 0x58 // 'X'
	tcDispatcherMagic  = 0x54 // 'T'
	dispatcherVersion  = 3
)

// rawConfig is the read-only data section laid out exactly as described in
// spec.md section 6: little-endian, no padding. encoding/binary.Write
// serialises struct fields in declaration order without inserting the
// alignment padding the Go compiler would use for an in-memory struct, so
// this type doubles as the wire format.
type rawConfig struct {
	Magic             uint8
	DispatcherVersion uint8
	NumProgsEnabled   uint8
	IsXdpFrags        uint8
	ChainCallActions  [MaxSlots]uint32
	RunPrios          [MaxSlots]uint32
	ProgramFlags      [MaxSlots]uint32
}

// Config is the Go-side representation of a dispatcher's frozen rodata,
// built fresh by every rebuild.
type Config struct {
	Kind             model.ProgramKind
	NumProgsEnabled  int
	IsXdpFrags       bool
	ChainCallActions [MaxSlots]uint32
	RunPrios         [MaxSlots]uint32
	ProgramFlags     [MaxSlots]uint32
}

// BuildConfig implements spec.md section 4.5 step 3: given the ordered,
// position-assigned link list for a tuple, compute the dispatcher's
// per-slot arrays.
func BuildConfig(kind model.ProgramKind, links []model.Link) (*Config, error) {
	if len(links) > MaxSlots {
		return nil, fmt.Errorf("dispatcher_full: %d links exceeds %d slots", len(links), MaxSlots)
	}

	c := &Config{Kind: kind, NumProgsEnabled: len(links)}
	for i, l := range links {
		proceedOn := l.ProceedOn
		if len(proceedOn) == 0 {
			if kind == model.Xdp {
				proceedOn = model.DefaultXdpProceedOn()
			} else {
				proceedOn = model.DefaultTcProceedOn()
			}
		}
		c.ChainCallActions[i] = proceedOn.Mask(kind)
		c.RunPrios[i] = uint32(l.Priority)
		c.ProgramFlags[i] = 0
	}
	return c, nil
}

// Encode serialises Config into the packed little-endian byte layout of
// spec.md section 6, suitable for a global-data rewrite of the
// dispatcher's rodata map (see internal/kernel.Loader.Load).
func (c *Config) Encode() ([]byte, error) {
	magic := uint8(xdpDispatcherMagic)
	var isFrags uint8
	if c.Kind == model.Tc {
		magic = tcDispatcherMagic
	}
	if c.IsXdpFrags {
		isFrags = 1
	}

	raw := rawConfig{
		Magic:             magic,
		DispatcherVersion: dispatcherVersion,
		NumProgsEnabled:   uint8(c.NumProgsEnabled),
		IsXdpFrags:        isFrags,
		ChainCallActions:  c.ChainCallActions,
		RunPrios:          c.RunPrios,
		ProgramFlags:      c.ProgramFlags,
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, raw); err != nil {
		return nil, fmt.Errorf("encoding dispatcher config: %w", err)
	}
	return buf.Bytes(), nil
}
