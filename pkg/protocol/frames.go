package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is bumped when the frame layout changes incompatibly.
const ProtocolVersion = 1

// Frame type discriminators (the "type" field of every frame).
const (
	FrameTypeRequest  = "request"
	FrameTypeResponse = "response"
	FrameTypeEvent    = "event"
)

// RequestFrame is a client-to-server RPC call.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers a RequestFrame with the same ID.
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorShape `json:"error,omitempty"`
}

// ErrorShape carries a machine-readable code plus a human message.
type ErrorShape struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Error codes used in ResponseFrame.Error.
const (
	ErrUnauthorized   = "unauthorized"
	ErrInvalidRequest = "invalid_request"
	ErrUnknownMethod  = "unknown_method"
	ErrInternal       = "internal"
)

// EventFrame is a server-push notification; it is never acknowledged.
type EventFrame struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// NewEvent builds an EventFrame for the given event name.
func NewEvent(name string, payload interface{}) EventFrame {
	return EventFrame{Type: FrameTypeEvent, Event: name, Payload: payload}
}

// NewResponse builds a success ResponseFrame for the given request ID.
func NewResponse(id string, payload interface{}) ResponseFrame {
	return ResponseFrame{Type: FrameTypeResponse, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds a failure ResponseFrame for the given request ID.
func NewErrorResponse(id, code, message string) ResponseFrame {
	return ResponseFrame{Type: FrameTypeResponse, ID: id, OK: false, Error: &ErrorShape{Code: code, Message: message}}
}

// ParseFrameType peeks at the "type" field without decoding the full frame.
func ParseFrameType(raw []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", fmt.Errorf("parse frame: %w", err)
	}
	if head.Type == "" {
		return "", fmt.Errorf("parse frame: missing type field")
	}
	return head.Type, nil
}
