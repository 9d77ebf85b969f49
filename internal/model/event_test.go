package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sampleEvent() ParsedEvent {
	return ParsedEvent{
		Timestamp: time.Date(2026, 3, 1, 12, 30, 0, 123456789, time.UTC),
		Source:    "auth.log",
		Level:     "warning",
		Message:   "failed login",
		Fields: map[string]Field{
			"attempt": NewIntField(3),
			"ratio":   NewFloatField(0.75),
			"locked":  NewBoolField(true),
			"user":    NewStringField("alice"),
		},
		RawPayload: []byte("raw syslog line"),
		ParserName: "syslog-auth",
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	e := sampleEvent()
	decoded, err := DecodeBinary(EncodeBinary(e))
	require.NoError(t, err)
	require.Equal(t, e, decoded)
}

func TestJSONRoundTrip(t *testing.T) {
	e := sampleEvent()
	data, err := json.Marshal(e)
	require.NoError(t, err)

	var decoded ParsedEvent
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, e, decoded)
}

func TestCloneIsIndependent(t *testing.T) {
	e := sampleEvent()
	clone := e.Clone()
	clone.Fields["attempt"] = NewIntField(99)
	clone.RawPayload[0] = 'X'

	require.Equal(t, int64(3), e.Fields["attempt"].Int)
	require.Equal(t, byte('r'), e.RawPayload[0])
}
