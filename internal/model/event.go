// Package model defines the data types shared across the ProcTail core:
// the raw events delivered by the trace provider, the typed events produced
// by the processor, and the watch targets tracked by the watch-target
// manager.
package model

import (
	"time"

	"github.com/google/uuid"
)

// PayloadValue is a variant value carried in a RawEvent payload: an integer,
// a string, a byte slice, or a timestamp. Exactly one field is meaningful;
// Kind identifies which.
type PayloadValue struct {
	Kind PayloadKind
	Int  int64
	Str  string
	Blob []byte
	Time time.Time
}

// PayloadKind discriminates the active field of a PayloadValue.
type PayloadKind int

const (
	PayloadInt PayloadKind = iota
	PayloadString
	PayloadBytes
	PayloadTimestamp
)

// IntValue wraps an integer payload field.
func IntValue(v int64) PayloadValue { return PayloadValue{Kind: PayloadInt, Int: v} }

// StringValue wraps a string payload field.
func StringValue(v string) PayloadValue { return PayloadValue{Kind: PayloadString, Str: v} }

// BytesValue wraps a byte-slice payload field.
func BytesValue(v []byte) PayloadValue { return PayloadValue{Kind: PayloadBytes, Blob: v} }

// TimestampValue wraps a timestamp payload field.
func TimestampValue(v time.Time) PayloadValue { return PayloadValue{Kind: PayloadTimestamp, Time: v} }

// String renders the payload value for logging and for synthesizing sentinel
// file paths; it is not used for wire encoding (see MarshalJSON).
func (v PayloadValue) String() string {
	switch v.Kind {
	case PayloadInt:
		return int64ToString(v.Int)
	case PayloadString:
		return v.Str
	case PayloadBytes:
		return string(v.Blob)
	case PayloadTimestamp:
		return v.Time.UTC().Format(time.RFC3339Nano)
	default:
		return ""
	}
}

func int64ToString(n int64) string {
	// Avoids pulling in strconv twice at call sites; trivial base-10 format.
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Payload is a string-keyed map of variant values, mirroring the provider's
// untyped event properties (e.g. "FileName", "ProcessId", "ExitCode").
type Payload map[string]PayloadValue

// StringField returns the payload's string value for key, and whether it was
// present with kind PayloadString (or coercible via String()).
func (p Payload) StringField(key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	return v.String(), true
}

// IntField returns the payload's integer value for key. Non-integer kinds
// return (0, false).
func (p Payload) IntField(key string) (int64, bool) {
	v, ok := p[key]
	if !ok || v.Kind != PayloadInt {
		return 0, false
	}
	return v.Int, true
}

// RawEvent is the untyped record delivered by the trace provider (§3).
type RawEvent struct {
	Timestamp         time.Time
	ProviderName      string
	EventName         string
	ProcessID         int
	ThreadID          int
	ActivityID        string
	RelatedActivityID string
	Payload           Payload
}

// EnsureActivityID fills in a freshly generated UUID when the provider did
// not supply one, so every event downstream has a stable identity.
func (r *RawEvent) EnsureActivityID() {
	if r.ActivityID == "" {
		r.ActivityID = uuid.NewString()
	}
}

// EventKind discriminates the TypedEvent variant.
type EventKind string

const (
	KindFile         EventKind = "FileEvent"
	KindProcessStart EventKind = "ProcessStart"
	KindProcessEnd   EventKind = "ProcessEnd"
	KindGeneric      EventKind = "Generic"
)

// TypedEvent is the tagged union produced by the processor from a RawEvent.
// The common header fields are always populated; exactly the fields relevant
// to Kind are meaningful among the variant-specific ones.
type TypedEvent struct {
	Kind EventKind

	Timestamp         time.Time
	Tag               string
	ProcessID         int
	ThreadID          int
	ProviderName      string
	EventName         string
	ActivityID        string
	RelatedActivityID string
	Payload           Payload

	// FileEvent
	FilePath string

	// ProcessStartEvent
	ChildProcessID   int
	ChildProcessName string

	// ProcessEndEvent
	ExitCode int
}
