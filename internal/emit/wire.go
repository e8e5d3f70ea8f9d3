package emit

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Log-sink topics.
const (
	TopicEvents            = "events"
	TopicSessionRecordings = "session_recording_events"
)

// CanonicalEvent is the post-processing event representation. Log-sink
// timestamps use the high-precision ClickHouse layout; the row sink stores
// native timestamps instead of this struct.
type CanonicalEvent struct {
	UUID          string
	Event         string
	Properties    string // JSON
	Timestamp     string
	TeamID        int64
	DistinctID    string
	ElementsChain string
	CreatedAt     string
}

// Field numbers of the length-delimited wire encoding. Stable; downstream
// consumers decode by number.
const (
	fieldUUID          = 1
	fieldEvent         = 2
	fieldProperties    = 3
	fieldTimestamp     = 4
	fieldTeamID        = 5
	fieldDistinctID    = 6
	fieldElementsChain = 7
	fieldCreatedAt     = 8
)

// Marshal encodes the event into its length-delimited binary form.
func (e *CanonicalEvent) Marshal() []byte {
	var b []byte
	b = appendString(b, fieldUUID, e.UUID)
	b = appendString(b, fieldEvent, e.Event)
	b = appendString(b, fieldProperties, e.Properties)
	b = appendString(b, fieldTimestamp, e.Timestamp)
	b = protowire.AppendTag(b, fieldTeamID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.TeamID))
	b = appendString(b, fieldDistinctID, e.DistinctID)
	b = appendString(b, fieldElementsChain, e.ElementsChain)
	b = appendString(b, fieldCreatedAt, e.CreatedAt)
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// UnmarshalCanonicalEvent decodes the wire form. Unknown fields are skipped
// so the format can grow.
func UnmarshalCanonicalEvent(data []byte) (*CanonicalEvent, error) {
	e := &CanonicalEvent{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("decode canonical event: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch typ {
		case protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("decode canonical event: bad string field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldUUID:
				e.UUID = s
			case fieldEvent:
				e.Event = s
			case fieldProperties:
				e.Properties = s
			case fieldTimestamp:
				e.Timestamp = s
			case fieldDistinctID:
				e.DistinctID = s
			case fieldElementsChain:
				e.ElementsChain = s
			case fieldCreatedAt:
				e.CreatedAt = s
			}
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("decode canonical event: bad varint field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			if num == fieldTeamID {
				e.TeamID = int64(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("decode canonical event: bad field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return e, nil
}
