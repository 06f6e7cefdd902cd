package taskmesh

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the purpose of a sync envelope.
type MessageType string

const (
	MessageHandshake      MessageType = "handshake"
	MessagePing           MessageType = "ping"
	MessagePong           MessageType = "pong"
	MessageDataRequest    MessageType = "dataRequest"
	MessageDataResponse   MessageType = "dataResponse"
	MessageDataUpdate     MessageType = "dataUpdate"
	MessageTimerStart     MessageType = "timerStart"
	MessageTimerStop      MessageType = "timerStop"
	MessageTimerUpdate    MessageType = "timerUpdate"
	MessageTimerForceStop MessageType = "timerForceStop"
	MessageError          MessageType = "error"
)

var knownMessageTypes = map[MessageType]struct{}{
	MessageHandshake:      {},
	MessagePing:           {},
	MessagePong:           {},
	MessageDataRequest:    {},
	MessageDataResponse:   {},
	MessageDataUpdate:     {},
	MessageTimerStart:     {},
	MessageTimerStop:      {},
	MessageTimerUpdate:    {},
	MessageTimerForceStop: {},
	MessageError:          {},
}

// Valid reports whether t is a message type this protocol version
// understands.
func (t MessageType) Valid() bool {
	_, ok := knownMessageTypes[t]
	return ok
}

// Envelope is the framing shared by every sync message. MessageID is
// unique per envelope, replies included; correlation of responses uses
// the message type and payload data type, never the id.
//
// Timer envelopes mirror the run-state effect of the operation they
// carry: start and resume records travel as timerStart, stop and pause
// records as timerStop. The record's own operationType is authoritative.
type Envelope struct {
	MessageID string          `json:"messageId"`
	Type      MessageType     `json:"type"`
	SenderID  string          `json:"senderId"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an envelope with a fresh message id. payload may be
// nil for types that carry no body.
func NewEnvelope(msgType MessageType, senderID string, payload any) (*Envelope, error) {
	env := &Envelope{
		MessageID: uuid.NewString(),
		Type:      msgType,
		SenderID:  senderID,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Data = data
	}
	return env, nil
}

// Encode serializes the envelope to wire JSON.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", e.Type, err)
	}
	return data, nil
}

// DecodeData unmarshals the envelope body into v.
func (e *Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s envelope has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", e.Type, err)
	}
	return nil
}

// DecodeEnvelope parses and validates one wire message. Unknown message
// types are rejected so a newer peer cannot silently feed frames this
// version misinterprets.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.MessageID == "" {
		return nil, fmt.Errorf("envelope missing messageId")
	}
	if env.SenderID == "" {
		return nil, fmt.Errorf("envelope missing senderId")
	}
	if !env.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
	return &env, nil
}

// DataRequestPayload asks a peer for its full record set of one data
// type.
type DataRequestPayload struct {
	DataType string `json:"dataType"`
}

// DataPayload carries a record set in dataResponse and dataUpdate
// envelopes. Data is a JSON array of records for DataType, or the raw
// reflog array when DataType is DataTypeTimerOps.
type DataPayload struct {
	DataType string          `json:"dataType"`
	Data     json.RawMessage `json:"data"`
}

// ErrorPayload reports a peer-side failure.
type ErrorPayload struct {
	Message string `json:"message"`
}

// TimerForceStopPayload instructs a peer to stop its running timer for
// an activity, typically after conflict detection decided the local
// timer wins.
type TimerForceStopPayload struct {
	ActivityID   string `json:"activityId"`
	ActivityName string `json:"activityName,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// TimerUpdatePayload is the live progress heartbeat for a running timer.
// CurrentDuration is elapsed milliseconds. Heartbeats are advisory and
// never mutate the reflog.
type TimerUpdatePayload struct {
	ActivityID      string    `json:"activityId"`
	ActivityName    string    `json:"activityName,omitempty"`
	DeviceID        string    `json:"deviceId"`
	CurrentDuration int64     `json:"currentDuration"`
	Timestamp       time.Time `json:"timestamp"`
}
