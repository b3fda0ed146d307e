// Package proto defines the wire protocol spoken between the orchestrator and
// the generated worker processes. Records travel as one JSON object per line
// over the worker's standard streams; every record carries a required "type"
// tag and type-specific fields at the top level.
package proto

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

type MsgType string

const (
	MsgTypeHandshake           MsgType = "handshake"
	MsgTypeReset               MsgType = "reset"
	MsgTypeResetCompleted      MsgType = "resetCompleted"
	MsgTypeStore               MsgType = "store"
	MsgTypeStored              MsgType = "stored"
	MsgTypeForget              MsgType = "forget"
	MsgTypeForgotten           MsgType = "forgotten"
	MsgTypeEvaluate            MsgType = "evaluate"
	MsgTypeEvaluationCompleted MsgType = "evaluationCompleted"
	MsgTypeEvaluateBatch       MsgType = "evaluateBatch"
	MsgTypeIteration           MsgType = "iteration"
	MsgTypeIterationCompleted  MsgType = "iterationCompleted"
	MsgTypePrepareBatch        MsgType = "prepareBatch"
	MsgTypeBatchPrepared       MsgType = "batchPrepared"
	MsgTypeSave                MsgType = "save"
	MsgTypeSaved               MsgType = "saved"
	MsgTypeLoad                MsgType = "load"
	MsgTypeLoaded              MsgType = "loaded"
	MsgTypeStats               MsgType = "stats"
	MsgTypeLog                 MsgType = "log"
)

// Common payload keys used on the wire.
const (
	// Correlation key echoed by workers on every reply.
	KeyRequestID = "requestId"

	KeyID            = "id"
	KeyIDs           = "ids"
	KeyInput         = "input"
	KeyOutput        = "output"
	KeySamples       = "samples"
	KeyObjects       = "objects"
	KeyBatchFilename = "batchFilename"
	KeyFileName      = "fileName"
	KeyStats         = "stats"
	KeyMessage       = "message"

	// Handshake reply fields reported by the generated program.
	KeyName    = "name"
	KeyVersion = "version"
)

// Msg is one immutable wire record. Payload holds every field other than the
// type tag and the request id; no partial records are observable above the
// channel layer.
type Msg struct {
	Type      MsgType
	RequestID string
	Payload   map[string]any
}

// NewMsg creates a request record with a fresh request id.
func NewMsg(msgType MsgType) *Msg {
	return &Msg{
		Type:      msgType,
		RequestID: uuid.New().String(),
		Payload:   make(map[string]any),
	}
}

// NewReply creates a reply record correlated to the given request.
func NewReply(msgType MsgType, requestID string) *Msg {
	return &Msg{
		Type:      msgType,
		RequestID: requestID,
		Payload:   make(map[string]any),
	}
}

func (m *Msg) SetPayload(key string, value any) *Msg {
	if m.Payload == nil {
		m.Payload = make(map[string]any)
	}
	m.Payload[key] = value
	return m
}

func (m *Msg) GetPayload(key string) (any, bool) {
	if m.Payload == nil {
		return nil, false
	}
	val, exists := m.Payload[key]
	return val, exists
}

// GetString extracts a string payload field.
func (m *Msg) GetString(key string) (string, bool) {
	if val, exists := m.GetPayload(key); exists {
		if s, ok := val.(string); ok {
			return s, true
		}
	}
	return "", false
}

// GetStringSlice extracts a list-of-strings payload field. JSON decoding
// produces []any, so both representations are accepted.
func (m *Msg) GetStringSlice(key string) ([]string, bool) {
	val, exists := m.GetPayload(key)
	if !exists {
		return nil, false
	}
	switch v := val.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// GetObjects extracts a list-of-objects payload field (e.g. evaluation
// results). Each element must be a JSON object.
func (m *Msg) GetObjects(key string) ([]map[string]any, bool) {
	val, exists := m.GetPayload(key)
	if !exists {
		return nil, false
	}
	switch v := val.(type) {
	case []map[string]any:
		return v, true
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, false
			}
			out = append(out, obj)
		}
		return out, true
	}
	return nil, false
}

// MarshalJSON flattens the payload so that every field sits at the top level
// of the record, next to "type" and "requestId". Workers read the record as a
// flat object.
func (m *Msg) MarshalJSON() ([]byte, error) {
	rec := make(map[string]any, len(m.Payload)+2)
	for k, v := range m.Payload {
		rec[k] = v
	}
	rec["type"] = string(m.Type)
	if m.RequestID != "" {
		rec[KeyRequestID] = m.RequestID
	}
	return json.Marshal(rec)
}

// UnmarshalJSON splits a flat wire record back into type tag, request id and
// payload.
func (m *Msg) UnmarshalJSON(data []byte) error {
	rec := make(map[string]any)
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}

	rawType, exists := rec["type"]
	if !exists {
		return fmt.Errorf("record has no type tag")
	}
	typeStr, ok := rawType.(string)
	if !ok {
		return fmt.Errorf("record type tag is not a string")
	}
	delete(rec, "type")

	m.Type = MsgType(typeStr)
	if id, ok := rec[KeyRequestID].(string); ok {
		m.RequestID = id
		delete(rec, KeyRequestID)
	}
	m.Payload = rec
	return nil
}

func (m *Msg) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON parses one wire line into a Msg.
func FromJSON(data []byte) (*Msg, error) {
	var msg Msg
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &msg, nil
}

func (m *Msg) Validate() error {
	if m.Type == "" {
		return fmt.Errorf("message type is required")
	}
	if _, valid := ValidateMsgType(string(m.Type)); !valid {
		return fmt.Errorf("invalid message type: %s", m.Type)
	}
	return nil
}

// Clone returns a shallow-payload copy of the record.
func (m *Msg) Clone() *Msg {
	clone := &Msg{
		Type:      m.Type,
		RequestID: m.RequestID,
	}
	if m.Payload != nil {
		clone.Payload = make(map[string]any, len(m.Payload))
		for k, v := range m.Payload {
			clone.Payload[k] = v
		}
	}
	return clone
}

func (mt MsgType) String() string {
	return string(mt)
}

// ValidateMsgType validates if a string is a known message type.
func ValidateMsgType(msgType string) (MsgType, bool) {
	switch MsgType(msgType) {
	case MsgTypeHandshake, MsgTypeReset, MsgTypeResetCompleted,
		MsgTypeStore, MsgTypeStored, MsgTypeForget, MsgTypeForgotten,
		MsgTypeEvaluate, MsgTypeEvaluationCompleted, MsgTypeEvaluateBatch,
		MsgTypeIteration, MsgTypeIterationCompleted,
		MsgTypePrepareBatch, MsgTypeBatchPrepared,
		MsgTypeSave, MsgTypeSaved, MsgTypeLoad, MsgTypeLoaded,
		MsgTypeStats, MsgTypeLog:
		return MsgType(msgType), true
	default:
		return "", false
	}
}

// ReplyTypeFor returns the reply type tag a request of the given type
// correlates with. The stats exchange reuses its request tag on the reply.
func ReplyTypeFor(reqType MsgType) (MsgType, bool) {
	switch reqType {
	case MsgTypeHandshake:
		return MsgTypeHandshake, true
	case MsgTypeReset:
		return MsgTypeResetCompleted, true
	case MsgTypeStore:
		return MsgTypeStored, true
	case MsgTypeForget:
		return MsgTypeForgotten, true
	case MsgTypeEvaluate, MsgTypeEvaluateBatch:
		return MsgTypeEvaluationCompleted, true
	case MsgTypeIteration:
		return MsgTypeIterationCompleted, true
	case MsgTypePrepareBatch:
		return MsgTypeBatchPrepared, true
	case MsgTypeSave:
		return MsgTypeSaved, true
	case MsgTypeLoad:
		return MsgTypeLoaded, true
	case MsgTypeStats:
		return MsgTypeStats, true
	default:
		return "", false
	}
}
