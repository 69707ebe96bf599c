package transport

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"iot-threat-guard/internal/model"

	"github.com/goccy/go-json"
)

// ErrMalformedMessage marks inbound data that cannot be turned into a Message.
var ErrMalformedMessage = errors.New("malformed message")

// MalformedError carries the reason a message was rejected.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed message (%s)", e.Reason)
}

func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformedMessage
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

// wireMessage is the inbound schema. timestamp is epoch milliseconds.
type wireMessage struct {
	SourceID  string          `json:"source_id"`
	Timestamp *float64        `json:"timestamp"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DecodeMessage parses one inbound frame. The source ID is trimmed; a blank
// one is malformed. A missing or non-positive timestamp is replaced by
// receivedAt.
func DecodeMessage(data []byte, receivedAt time.Time) (model.Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return model.Message{}, &MalformedError{Reason: "invalid_json", Err: err}
	}
	wire.SourceID = strings.TrimSpace(wire.SourceID)
	if wire.SourceID == "" {
		return model.Message{}, &MalformedError{Reason: "missing_source_id"}
	}

	ts := receivedAt
	if wire.Timestamp != nil {
		ms := *wire.Timestamp
		if math.IsNaN(ms) || math.IsInf(ms, 0) {
			return model.Message{}, &MalformedError{Reason: "invalid_timestamp"}
		}
		if ms > 0 {
			whole := math.Floor(ms)
			ts = time.UnixMilli(int64(whole)).Add(time.Duration((ms - whole) * float64(time.Millisecond)))
		}
	}

	return model.Message{
		SourceID:   wire.SourceID,
		Timestamp:  ts,
		Status:     model.ParseStatus(wire.Status),
		RawPayload: data,
	}, nil
}

// EncodeMessage produces the inbound wire form of msg; used by simulators and tests.
func EncodeMessage(msg model.Message) ([]byte, error) {
	sub := msg.Timestamp.Sub(time.UnixMilli(msg.Timestamp.UnixMilli()))
	ms := float64(msg.Timestamp.UnixMilli()) + float64(sub)/float64(time.Millisecond)
	return json.Marshal(wireMessage{
		SourceID:  msg.SourceID,
		Timestamp: &ms,
		Status:    msg.Status.String(),
	})
}

func EncodeAlert(alert model.Alert) ([]byte, error) {
	data, err := json.Marshal(alert)
	if err != nil {
		return nil, fmt.Errorf("encode alert: %w", err)
	}
	return data, nil
}

func DecodeAlert(data []byte) (model.Alert, error) {
	var alert model.Alert
	if err := json.Unmarshal(data, &alert); err != nil {
		return model.Alert{}, fmt.Errorf("decode alert: %w", err)
	}
	return alert, nil
}

func EncodeCommand(cmd model.Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return data, nil
}

func DecodeCommand(data []byte) (model.Command, error) {
	var cmd model.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return model.Command{}, fmt.Errorf("decode command: %w", err)
	}
	if cmd.TargetSourceID == "" {
		return model.Command{}, fmt.Errorf("decode command: missing target_source_id")
	}
	return cmd, nil
}
