package router

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Decode parses a raw frame into a typed Message. It returns a *DecodeError
// for malformed frames and an error wrapping ErrUnknownType for types outside
// the dispatch table.
func Decode(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, &DecodeError{Reason: "invalid json", Err: err}
	}
	if env.Type == "" {
		return Message{}, &DecodeError{Reason: "missing type"}
	}

	msg := Message{
		Type: MessageType(env.Type),
		Data: env.Data,
	}

	var err error
	switch msg.Type {
	case TypeTaskUpdated:
		msg.Payload, err = decodeTaskUpdated(env.Data)
	case TypeTaskCreated:
		var p TaskCreated
		err = decodeObject(env.Data, &p)
		msg.Payload = p
	case TypeNudgeSent:
		var p NudgeSent
		err = decodeObject(env.Data, &p)
		msg.Payload = p
	case TypeNotification:
		var p NotificationPayload
		err = decodeObject(env.Data, &p)
		msg.Payload = p
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		if de, ok := err.(*DecodeError); ok {
			de.Type = env.Type
			return Message{}, de
		}
		return Message{}, &DecodeError{Type: env.Type, Reason: "invalid payload", Err: err}
	}

	return msg, nil
}

// decodeTaskUpdated accepts any payload; only an object is decoded.
func decodeTaskUpdated(data json.RawMessage) (TaskUpdated, error) {
	if !isObject(data) {
		return TaskUpdated{}, nil
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return TaskUpdated{}, err
	}
	return TaskUpdated{Task: &task}, nil
}

// decodeObject requires data to be a JSON object.
func decodeObject(data json.RawMessage, v any) error {
	if !isObject(data) {
		return &DecodeError{Reason: "data must be an object"}
	}
	return json.Unmarshal(data, v)
}

func isObject(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
