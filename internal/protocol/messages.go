// Package protocol implements the wire message schema (C9) and the
// transport-agnostic dispatcher state machine that classifies inbound
// frames and drives queries, mutations, subscriptions, unsubscribes,
// field-set changes, and reconnects.
package protocol

import (
	"encoding/json"

	"github.com/kestrel-rt/syncore/internal/encoding"
	"github.com/kestrel-rt/syncore/internal/jsonpatch"
	"github.com/kestrel-rt/syncore/internal/subscription"
)

// MessageType is the discriminant carried by every frame's "type"
// field (spec §4.9).
type MessageType string

const (
	TypeHandshake    MessageType = "handshake"
	TypeHandshakeAck MessageType = "handshake_ack"
	TypeQuery        MessageType = "query"
	TypeMutation     MessageType = "mutation"
	TypeData         MessageType = "data"
	TypeError        MessageType = "error"
	TypeSubscribe    MessageType = "subscribe"
	TypeSubAck       MessageType = "subscription_ack"
	TypeUnsubscribe  MessageType = "unsubscribe"
	TypeUpdateFields MessageType = "update_fields"
	TypeUpdate       MessageType = "update"
	TypeComplete     MessageType = "complete"
	TypeReconnect    MessageType = "reconnect"
	TypeReconnectAck MessageType = "reconnect_ack"
)

// ErrorCode is the wire-level error taxonomy (spec §7).
type ErrorCode string

const (
	ErrParse            ErrorCode = "parse_error"
	ErrValidation       ErrorCode = "validation_error"
	ErrNotFound         ErrorCode = "not_found"
	ErrUnauthorized     ErrorCode = "unauthorized"
	ErrExecution        ErrorCode = "execution_error"
	ErrPatchApplication ErrorCode = "patch_application_error"
	ErrInternal         ErrorCode = "internal_error"
)

// Envelope is the minimal shape every inbound frame must satisfy,
// enough to classify it before unmarshaling the type-specific fields.
type Envelope struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id"`
}

// HandshakeRequest/HandshakeAck open the session and advertise what
// the server supports.
type HandshakeRequest struct {
	Type            MessageType `json:"type"`
	ID              string      `json:"id"`
	ProtocolVersion int         `json:"protocolVersion"`
}

type HandshakeAck struct {
	Type          MessageType `json:"type"`
	ID            string      `json:"id"`
	Version       int         `json:"version"`
	Queries       []string    `json:"queries"`
	Mutations     []string    `json:"mutations"`
	Subscriptions []string    `json:"subscriptions"`
}

// QueryRequest/MutationRequest share the same shape (spec §6).
type QueryRequest struct {
	Type   MessageType     `json:"type"`
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
	Select map[string]any  `json:"select,omitempty"`
}

type DataResponse struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id"`
	Data any         `json:"data"`
}

type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

type ErrorResponse struct {
	Type  MessageType `json:"type"`
	ID    string      `json:"id"`
	Error ErrorDetail `json:"error"`
}

func NewErrorResponse(id string, code ErrorCode, message string) ErrorResponse {
	return ErrorResponse{Type: TypeError, ID: id, Error: ErrorDetail{Code: code, Message: message}}
}

// SubscribeRequest opens a standing subscription.
type SubscribeRequest struct {
	Type   MessageType                `json:"type"`
	ID     string                     `json:"id"`
	Name   string                     `json:"name"`
	Input  json.RawMessage            `json:"input,omitempty"`
	Fields subscription.FieldSelector `json:"fields,omitempty"`
}

type SubscriptionAck struct {
	Type     MessageType    `json:"type"`
	ID       string         `json:"id"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entityId"`
	Version  int64          `json:"version"`
	Data     map[string]any `json:"data"`
	DataHash string         `json:"dataHash"`
}

type UpdateFrame struct {
	Type     MessageType                `json:"type"`
	ID       string                     `json:"id"`
	Entity   string                     `json:"entity"`
	EntityID string                     `json:"entityId"`
	Updates  map[string]encoding.Update `json:"updates"`
}

type CompleteFrame struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id"`
}

type UnsubscribeRequest struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id"`
}

type UpdateFieldsRequest struct {
	Type   MessageType                `json:"type"`
	ID     string                     `json:"id"`
	Fields subscription.FieldSelector `json:"fields"`
}

// ReconnectRequestSub is one entry of a reconnect request's
// subscriptions array.
type ReconnectRequestSub struct {
	ID       string                     `json:"id"`
	Entity   string                     `json:"entity"`
	EntityID string                     `json:"entityId"`
	Fields   subscription.FieldSelector `json:"fields,omitempty"`
	Version  int64                      `json:"version"`
	DataHash string                     `json:"dataHash,omitempty"`
}

type ReconnectRequest struct {
	Type            MessageType           `json:"type"`
	ProtocolVersion int                   `json:"protocolVersion"`
	Subscriptions   []ReconnectRequestSub `json:"subscriptions"`
	ReconnectID     string                `json:"reconnectId"`
	ClientTime      int64                 `json:"clientTime"`
}

// ReconnectResultWire is the wire projection of
// subscription.ReconnectResult (omitting Go-internal fields that have
// no wire shape).
type ReconnectResultWire struct {
	ID       string                       `json:"id"`
	Status   subscription.ReconnectStatus `json:"status"`
	Version  int64                        `json:"version"`
	Patches  [][]jsonpatch.Operation      `json:"patches,omitempty"`
	Data     map[string]any               `json:"data,omitempty"`
	DataHash string                       `json:"dataHash,omitempty"`
	Error    string                       `json:"error,omitempty"`
}

type ReconnectAck struct {
	Type           MessageType           `json:"type"`
	Results        []ReconnectResultWire `json:"results"`
	ServerTime     int64                 `json:"serverTime"`
	ReconnectID    string                `json:"reconnectId"`
	ProcessingTime int64                 `json:"processingTime"`
}
