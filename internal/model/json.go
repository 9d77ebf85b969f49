package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// jsonParsedEvent mirrors the wire protocol's per-event JSON shape
// (spec.md §6): field values are emitted as plain JSON scalars, so a
// round trip must recover the original FieldKind from the decoded
// json.Number/bool/string value.
type jsonParsedEvent struct {
	Timestamp  string                 `json:"timestamp"`
	Source     string                 `json:"source"`
	Level      string                 `json:"level,omitempty"`
	Message    string                 `json:"message"`
	Fields     map[string]interface{} `json:"fields"`
	RawPayload string                 `json:"raw_payload"`
	ParserName string                 `json:"parser_name"`
}

// MarshalJSON encodes a ParsedEvent into the wire envelope's event shape.
func (e ParsedEvent) MarshalJSON() ([]byte, error) {
	fields := make(map[string]interface{}, len(e.Fields))
	for k, f := range e.Fields {
		switch f.Kind {
		case FieldInt:
			fields[k] = f.Int
		case FieldFloat:
			fields[k] = f.Flt
		case FieldBool:
			fields[k] = f.Bool
		case FieldString:
			fields[k] = f.Str
		default:
			return nil, fmt.Errorf("model: unknown field kind %d for %q", f.Kind, k)
		}
	}
	return json.Marshal(jsonParsedEvent{
		Timestamp:  e.Timestamp.UTC().Format(rfc3339Nano),
		Source:     e.Source,
		Level:      e.Level,
		Message:    e.Message,
		Fields:     fields,
		RawPayload: string(e.RawPayload),
		ParserName: e.ParserName,
	})
}

const rfc3339Nano = "2006-01-02T15:04:05.999999999Z07:00"

// UnmarshalJSON decodes a ParsedEvent from the wire envelope's event shape.
// Numeric fields decode as float64 unless they have no fractional part and
// fit exactly in an int64, in which case they round-trip as FieldInt.
func (e *ParsedEvent) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw jsonParsedEvent
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("model: decode parsed event: %w", err)
	}

	ts, err := time.Parse(rfc3339Nano, raw.Timestamp)
	if err != nil {
		return fmt.Errorf("model: decode timestamp: %w", err)
	}
	ts = ts.UTC()

	fields := make(map[string]Field, len(raw.Fields))
	for k, v := range raw.Fields {
		switch val := v.(type) {
		case json.Number:
			if i, err := val.Int64(); err == nil {
				fields[k] = NewIntField(i)
				continue
			}
			f, err := val.Float64()
			if err != nil {
				return fmt.Errorf("model: decode numeric field %q: %w", k, err)
			}
			fields[k] = NewFloatField(f)
		case bool:
			fields[k] = NewBoolField(val)
		case string:
			fields[k] = NewStringField(val)
		case nil:
			fields[k] = NewStringField("")
		default:
			return fmt.Errorf("model: unsupported field type for %q: %T", k, v)
		}
	}

	e.Timestamp = ts
	e.Source = raw.Source
	e.Level = raw.Level
	e.Message = raw.Message
	e.Fields = fields
	e.RawPayload = []byte(raw.RawPayload)
	e.ParserName = raw.ParserName
	return nil
}
