package taskmesh

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(MessageDataRequest, "device-a", DataRequestPayload{DataType: DataTypeTodoItems})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if env.MessageID == "" {
		t.Error("expected a generated message id")
	}
	if env.Type != MessageDataRequest || env.SenderID != "device-a" {
		t.Errorf("expected dataRequest from device-a, got %s from %s", env.Type, env.SenderID)
	}
	if env.Timestamp.IsZero() {
		t.Error("expected a timestamp")
	}

	var req DataRequestPayload
	if err := env.DecodeData(&req); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if req.DataType != DataTypeTodoItems {
		t.Errorf("expected dataType todoItems, got %s", req.DataType)
	}

	// Every envelope gets its own id, replies included.
	other, err := NewEnvelope(MessageDataRequest, "device-a", nil)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if other.MessageID == env.MessageID {
		t.Error("expected distinct message ids")
	}
}

func TestEnvelopeEncodeDecode(t *testing.T) {
	env, err := NewEnvelope(MessagePing, "device-a", nil)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	for _, key := range []string{`"messageId"`, `"type"`, `"senderId"`, `"timestamp"`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("expected wire key %s in %s", key, data)
		}
	}

	decoded, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.MessageID != env.MessageID || decoded.Type != env.Type {
		t.Errorf("expected round trip, got %s/%s", decoded.MessageID, decoded.Type)
	}
}

func TestDecodeEnvelopeRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `ping`},
		{"missing messageId", `{"type":"ping","senderId":"device-a"}`},
		{"missing senderId", `{"messageId":"m1","type":"ping"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeEnvelope([]byte(tt.data)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestDecodeEnvelopeUnknownType(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"messageId":"m1","type":"teleport","senderId":"device-a"}`))
	if !errors.Is(err, ErrUnknownMessageType) {
		t.Errorf("expected ErrUnknownMessageType, got %v", err)
	}
}

func TestDecodeDataEmpty(t *testing.T) {
	env, err := NewEnvelope(MessagePong, "device-a", nil)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	var v map[string]any
	if err := env.DecodeData(&v); err == nil {
		t.Error("expected an error for empty data")
	}
}

func TestMessageTypeValid(t *testing.T) {
	known := []MessageType{
		MessageHandshake, MessagePing, MessagePong,
		MessageDataRequest, MessageDataResponse, MessageDataUpdate,
		MessageTimerStart, MessageTimerStop, MessageTimerUpdate, MessageTimerForceStop,
		MessageError,
	}
	for _, mt := range known {
		if !mt.Valid() {
			t.Errorf("expected %s to be valid", mt)
		}
	}
	if MessageType("teleport").Valid() {
		t.Error("expected unknown type to be invalid")
	}
	if MessageType("").Valid() {
		t.Error("expected empty type to be invalid")
	}
}

func TestDataPayloadWireKeys(t *testing.T) {
	p := DataPayload{DataType: DataTypeTimerOps, Data: json.RawMessage(`[]`)}
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want := `{"dataType":"timerOperations","data":[]}`; string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}
}
