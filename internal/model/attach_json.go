package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// linkJSON mirrors Link's fields but carries Attach as a raw message.
// Link.Attach is a tagged-union interface (AttachInfo), which
// encoding/json cannot decode on its own: Unmarshal into an interface
// field with no prior concrete value just produces a map[string]interface{},
// losing the type every caller switches on. linkJSON instead reuses Link's
// own Kind field as the discriminator to pick Attach's concrete type.
type linkJSON struct {
	ID        string
	ProgramID uint32
	Kind      ProgramKind
	Attach    json.RawMessage
	Priority  int32
	Position  int
	ProceedOn ProceedOnSet
	Netns     string
	CreatedAt time.Time
}

func (l Link) MarshalJSON() ([]byte, error) {
	attach, err := json.Marshal(l.Attach)
	if err != nil {
		return nil, fmt.Errorf("marshaling attach info: %w", err)
	}
	return json.Marshal(linkJSON{
		ID:        l.ID,
		ProgramID: l.ProgramID,
		Kind:      l.Kind,
		Attach:    attach,
		Priority:  l.Priority,
		Position:  l.Position,
		ProceedOn: l.ProceedOn,
		Netns:     l.Netns,
		CreatedAt: l.CreatedAt,
	})
}

func (l *Link) UnmarshalJSON(data []byte) error {
	var raw linkJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	attach, err := decodeAttachInfo(raw.Kind, raw.Attach)
	if err != nil {
		return fmt.Errorf("decoding attach info for link %s: %w", raw.ID, err)
	}

	l.ID = raw.ID
	l.ProgramID = raw.ProgramID
	l.Kind = raw.Kind
	l.Attach = attach
	l.Priority = raw.Priority
	l.Position = raw.Position
	l.ProceedOn = raw.ProceedOn
	l.Netns = raw.Netns
	l.CreatedAt = raw.CreatedAt
	return nil
}

// decodeAttachInfo reconstructs the concrete AttachInfo variant for kind
// from its JSON encoding. Syscall programs have no attach descriptor (they
// are invoked directly rather than linked), so it is not a case here.
func decodeAttachInfo(kind ProgramKind, raw json.RawMessage) (AttachInfo, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	switch kind {
	case Xdp:
		var v XdpAttachInfo
		err := json.Unmarshal(raw, &v)
		return v, err
	case Tc:
		var v TcAttachInfo
		err := json.Unmarshal(raw, &v)
		return v, err
	case Tcx:
		var v TcxAttachInfo
		err := json.Unmarshal(raw, &v)
		return v, err
	case Kprobe:
		var v KprobeAttachInfo
		err := json.Unmarshal(raw, &v)
		return v, err
	case Uprobe:
		var v UprobeAttachInfo
		err := json.Unmarshal(raw, &v)
		return v, err
	case Tracepoint:
		var v TracepointAttachInfo
		err := json.Unmarshal(raw, &v)
		return v, err
	case Fentry:
		var v FentryAttachInfo
		err := json.Unmarshal(raw, &v)
		return v, err
	case Fexit:
		var v FexitAttachInfo
		err := json.Unmarshal(raw, &v)
		return v, err
	default:
		return nil, fmt.Errorf("unrecognised attach kind %q", kind)
	}
}
