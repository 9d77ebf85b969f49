// Package model defines the event types that flow through the agent
// pipeline: raw bytes from a collector, a parsed structured event, and a
// buffered record carrying an assigned sequence number.
package model

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// RawEvent is produced by a collector. It is immutable after creation.
type RawEvent struct {
	IngestedAt time.Time         // monotonic ingest timestamp
	Source     string            // source tag
	Payload    []byte            // opaque payload bytes
	Metadata   map[string]string // small key/value map of collection metadata
}

// FieldKind identifies the dynamic type carried by a Field.
type FieldKind uint8

const (
	FieldInt FieldKind = iota
	FieldFloat
	FieldBool
	FieldString
)

// Field is a single typed value in a ParsedEvent's field map.
type Field struct {
	Kind FieldKind
	Int  int64
	Flt  float64
	Bool bool
	Str  string
}

func NewIntField(v int64) Field     { return Field{Kind: FieldInt, Int: v} }
func NewFloatField(v float64) Field { return Field{Kind: FieldFloat, Flt: v} }
func NewBoolField(v bool) Field     { return Field{Kind: FieldBool, Bool: v} }
func NewStringField(v string) Field { return Field{Kind: FieldString, Str: v} }

// ParsedEvent is the common structured form every collector's output is
// normalized into before it enters the buffer. Fields are unordered and
// duplicate keys are disallowed by construction (the map type enforces
// this). ParsedEvent never mutates after it is handed to the buffer.
type ParsedEvent struct {
	Timestamp  time.Time // UTC, nanosecond resolution
	Source     string
	Level      string // optional; empty string means "not set"
	Message    string
	Fields     map[string]Field
	RawPayload []byte
	ParserName string
}

// Clone returns a deep copy so callers cannot mutate a buffered event
// through a shared reference.
func (e ParsedEvent) Clone() ParsedEvent {
	fields := make(map[string]Field, len(e.Fields))
	for k, v := range e.Fields {
		fields[k] = v
	}
	raw := make([]byte, len(e.RawPayload))
	copy(raw, e.RawPayload)
	e.Fields = fields
	e.RawPayload = raw
	return e
}

// BufferedRecord is a ParsedEvent plus the monotonically increasing
// sequence number the buffer assigned it at enqueue time.
type BufferedRecord struct {
	Sequence uint64
	Event    ParsedEvent
}

// binary wire format (length-prefixed, matching the teacher's convention
// of 4-byte big-endian length prefixes in internal/integrity for hashing
// inputs — reused here for the event codec):
//
//	[8]  timestamp unix-nano
//	[4]  source len | source bytes
//	[4]  level len  | level bytes
//	[4]  message len | message bytes
//	[4]  parser name len | parser name bytes
//	[4]  raw payload len | raw payload bytes
//	[4]  field count
//	  per field: [4] key len | key | [1] kind | value (int64/float64 as 8 bytes,
//	             bool as 1 byte, string as [4]len|bytes)

func putString(buf []byte, s string) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, s...)
	return buf
}

func getString(buf []byte) (string, []byte, error) {
	if len(buf) < 4 {
		return "", nil, fmt.Errorf("model: truncated length prefix")
	}
	n := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint64(len(buf)) < uint64(n) {
		return "", nil, fmt.Errorf("model: truncated string payload")
	}
	return string(buf[:n]), buf[n:], nil
}

// EncodeBinary serializes a ParsedEvent to the agent's length-prefixed
// binary wire form.
func EncodeBinary(e ParsedEvent) []byte {
	buf := make([]byte, 0, 128+len(e.RawPayload))
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(e.Timestamp.UnixNano()))
	buf = append(buf, tsBuf[:]...)
	buf = putString(buf, e.Source)
	buf = putString(buf, e.Level)
	buf = putString(buf, e.Message)
	buf = putString(buf, e.ParserName)
	buf = putString(buf, string(e.RawPayload))

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(e.Fields)))
	buf = append(buf, countBuf[:]...)
	for k, f := range e.Fields {
		buf = putString(buf, k)
		buf = append(buf, byte(f.Kind))
		switch f.Kind {
		case FieldInt:
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], uint64(f.Int))
			buf = append(buf, b[:]...)
		case FieldFloat:
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], math.Float64bits(f.Flt))
			buf = append(buf, b[:]...)
		case FieldBool:
			if f.Bool {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case FieldString:
			buf = putString(buf, f.Str)
		}
	}
	return buf
}

// DecodeBinary parses the wire form produced by EncodeBinary.
func DecodeBinary(buf []byte) (ParsedEvent, error) {
	var e ParsedEvent
	if len(buf) < 8 {
		return e, fmt.Errorf("model: truncated event header")
	}
	ts := int64(binary.BigEndian.Uint64(buf[:8]))
	buf = buf[8:]
	e.Timestamp = time.Unix(0, ts).UTC()

	var raw string
	var err error
	if e.Source, buf, err = getString(buf); err != nil {
		return e, err
	}
	if e.Level, buf, err = getString(buf); err != nil {
		return e, err
	}
	if e.Message, buf, err = getString(buf); err != nil {
		return e, err
	}
	if e.ParserName, buf, err = getString(buf); err != nil {
		return e, err
	}
	if raw, buf, err = getString(buf); err != nil {
		return e, err
	}
	e.RawPayload = []byte(raw)

	if len(buf) < 4 {
		return e, fmt.Errorf("model: truncated field count")
	}
	count := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]

	e.Fields = make(map[string]Field, count)
	for i := uint32(0); i < count; i++ {
		var key string
		if key, buf, err = getString(buf); err != nil {
			return e, err
		}
		if len(buf) < 1 {
			return e, fmt.Errorf("model: truncated field kind")
		}
		kind := FieldKind(buf[0])
		buf = buf[1:]
		var f Field
		f.Kind = kind
		switch kind {
		case FieldInt:
			if len(buf) < 8 {
				return e, fmt.Errorf("model: truncated int field")
			}
			f.Int = int64(binary.BigEndian.Uint64(buf[:8]))
			buf = buf[8:]
		case FieldFloat:
			if len(buf) < 8 {
				return e, fmt.Errorf("model: truncated float field")
			}
			f.Flt = math.Float64frombits(binary.BigEndian.Uint64(buf[:8]))
			buf = buf[8:]
		case FieldBool:
			if len(buf) < 1 {
				return e, fmt.Errorf("model: truncated bool field")
			}
			f.Bool = buf[0] != 0
			buf = buf[1:]
		case FieldString:
			if f.Str, buf, err = getString(buf); err != nil {
				return e, err
			}
		default:
			return e, fmt.Errorf("model: unknown field kind %d", kind)
		}
		e.Fields[key] = f
	}
	return e, nil
}
