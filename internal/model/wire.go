package model

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// MarshalJSON renders a PayloadValue as the plain JSON scalar the wire format
// uses (§6): integers as numbers, strings as strings, byte payloads as
// base64 strings, and timestamps as RFC3339Nano strings.
func (v PayloadValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case PayloadInt:
		return json.Marshal(v.Int)
	case PayloadString:
		return json.Marshal(v.Str)
	case PayloadBytes:
		return json.Marshal(base64.StdEncoding.EncodeToString(v.Blob))
	case PayloadTimestamp:
		return json.Marshal(v.Time.UTC().Format(time.RFC3339Nano))
	default:
		return json.Marshal(nil)
	}
}

// UnmarshalJSON reconstructs a PayloadValue from a plain JSON scalar.
// Because the wire format carries no type tag for payload fields, a JSON
// number always decodes as PayloadInt and a JSON string as PayloadString;
// byte and timestamp payloads round-trip correctly only through the typed
// accessors that produced them within this process (consistent with the
// provider's own untyped property bag, §3).
func (v *PayloadValue) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case float64:
		*v = IntValue(int64(t))
	case string:
		*v = StringValue(t)
	case nil:
		*v = PayloadValue{}
	default:
		return fmt.Errorf("model: unsupported payload value %T", raw)
	}
	return nil
}

// wireHeader mirrors the common fields every typed-event JSON object carries.
type wireHeader struct {
	Type              string    `json:"$type"`
	Timestamp         time.Time `json:"Timestamp"`
	TagName           string    `json:"TagName"`
	ProcessID         int       `json:"ProcessId"`
	ThreadID          int       `json:"ThreadId"`
	ProviderName      string    `json:"ProviderName"`
	EventName         string    `json:"EventName"`
	ActivityID        string    `json:"ActivityId"`
	RelatedActivityID string    `json:"RelatedActivityId"`
	Payload           Payload   `json:"Payload"`
}

// MarshalJSON renders a TypedEvent using the stable "$type" discriminator and
// only the variant-specific fields relevant to its Kind.
func (e TypedEvent) MarshalJSON() ([]byte, error) {
	h := wireHeader{
		Type:              string(e.Kind),
		Timestamp:         e.Timestamp,
		TagName:           e.Tag,
		ProcessID:         e.ProcessID,
		ThreadID:          e.ThreadID,
		ProviderName:      e.ProviderName,
		EventName:         e.EventName,
		ActivityID:        e.ActivityID,
		RelatedActivityID: e.RelatedActivityID,
		Payload:           e.Payload,
	}

	switch e.Kind {
	case KindFile:
		return json.Marshal(struct {
			wireHeader
			FilePath string `json:"FilePath"`
		}{h, e.FilePath})
	case KindProcessStart:
		return json.Marshal(struct {
			wireHeader
			ChildProcessID   int    `json:"ChildProcessId"`
			ChildProcessName string `json:"ChildProcessName"`
		}{h, e.ChildProcessID, e.ChildProcessName})
	case KindProcessEnd:
		return json.Marshal(struct {
			wireHeader
			ExitCode int `json:"ExitCode"`
		}{h, e.ExitCode})
	default:
		return json.Marshal(h)
	}
}

// UnmarshalJSON reconstructs a TypedEvent from its wire representation,
// dispatching on the "$type" discriminator. Unknown additional fields are
// tolerated (forward compatibility, §4.4).
func (e *TypedEvent) UnmarshalJSON(data []byte) error {
	var h wireHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return fmt.Errorf("model: decode typed event header: %w", err)
	}

	*e = TypedEvent{
		Kind:              EventKind(h.Type),
		Timestamp:         h.Timestamp,
		Tag:               h.TagName,
		ProcessID:         h.ProcessID,
		ThreadID:          h.ThreadID,
		ProviderName:      h.ProviderName,
		EventName:         h.EventName,
		ActivityID:        h.ActivityID,
		RelatedActivityID: h.RelatedActivityID,
		Payload:           h.Payload,
	}

	switch e.Kind {
	case KindFile:
		var v struct {
			FilePath string `json:"FilePath"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("model: decode FileEvent: %w", err)
		}
		e.FilePath = v.FilePath
	case KindProcessStart:
		var v struct {
			ChildProcessID   int    `json:"ChildProcessId"`
			ChildProcessName string `json:"ChildProcessName"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("model: decode ProcessStartEvent: %w", err)
		}
		e.ChildProcessID = v.ChildProcessID
		e.ChildProcessName = v.ChildProcessName
	case KindProcessEnd:
		var v struct {
			ExitCode int `json:"ExitCode"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("model: decode ProcessEndEvent: %w", err)
		}
		e.ExitCode = v.ExitCode
	}

	return nil
}
