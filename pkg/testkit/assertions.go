package testkit

import (
	"testing"

	"trainer/pkg/proto"
)

// AssertMessageType verifies the record's type tag.
func AssertMessageType(t *testing.T, msg *proto.Msg, expectedType proto.MsgType) {
	t.Helper()
	if msg.Type != expectedType {
		t.Errorf("Expected message type %s, got %s", expectedType, msg.Type)
	}
}

// AssertPayloadExists verifies a payload field exists.
func AssertPayloadExists(t *testing.T, msg *proto.Msg, key string) {
	t.Helper()
	if _, exists := msg.GetPayload(key); !exists {
		t.Errorf("Expected payload key '%s' to exist", key)
	}
}

// AssertPayloadValue verifies a payload field has the expected value.
func AssertPayloadValue(t *testing.T, msg *proto.Msg, key string, expectedValue any) {
	t.Helper()
	value, exists := msg.GetPayload(key)
	if !exists {
		t.Errorf("Expected payload key '%s' to exist", key)
		return
	}
	if value != expectedValue {
		t.Errorf("Expected payload '%s' to be %v, got %v", key, expectedValue, value)
	}
}

// AssertCorrelated verifies the reply echoes the request's id.
func AssertCorrelated(t *testing.T, req, reply *proto.Msg) {
	t.Helper()
	if req.RequestID == "" {
		t.Error("request has no request id")
		return
	}
	if reply.RequestID != req.RequestID {
		t.Errorf("Expected reply to echo request id %s, got %s", req.RequestID, reply.RequestID)
	}
}

// AssertReceivedTypes verifies the sequence of request types a scripted
// worker has seen.
func AssertReceivedTypes(t *testing.T, w *ScriptedWorker, expected ...proto.MsgType) {
	t.Helper()
	received := w.Received()
	if len(received) != len(expected) {
		t.Errorf("Expected %d requests, got %d", len(expected), len(received))
		return
	}
	for i, msg := range received {
		if msg.Type != expected[i] {
			t.Errorf("Request %d: expected type %s, got %s", i, expected[i], msg.Type)
		}
	}
}
