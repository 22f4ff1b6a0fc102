package contracts

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnvelopeType discriminates RPC requests from broadcasts on the wire.
type EnvelopeType string

const (
	// TypeRPC marks an envelope that expects a correlated Response.
	TypeRPC EnvelopeType = "rpc"
	// TypeBroadcast marks a fire-and-forget envelope.
	TypeBroadcast EnvelopeType = "broadcast"
)

// Kind identifies the control intent carried by an envelope.
type Kind string

const (
	KindPlay         Kind = "PLAY"
	KindPause        Kind = "PAUSE"
	KindKill         Kind = "KILL"
	KindStatus       Kind = "STATUS"
	KindStateChanged Kind = "STATE_CHANGED"

	// Task-plane kinds routed through launcher queues rather than process
	// routers.
	KindLaunch   Kind = "LAUNCH"
	KindContinue Kind = "CONTINUE"
)

// Valid reports whether k is a known control kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPlay, KindPause, KindKill, KindStatus, KindStateChanged,
		KindLaunch, KindContinue:
		return true
	default:
		return false
	}
}

// Envelope is the control message shape transmitted over the broker. It is
// transmitted only, never persisted.
type Envelope struct {
	Type          EnvelopeType           `json:"type"`
	Kind          Kind                   `json:"kind"`
	PID           string                 `json:"pid"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

// NewRPCEnvelope creates a command envelope with a fresh correlation id.
func NewRPCEnvelope(kind Kind, pid string, payload map[string]interface{}) *Envelope {
	return &Envelope{
		Type:          TypeRPC,
		Kind:          kind,
		PID:           pid,
		CorrelationID: uuid.New().String(),
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
	}
}

// NewBroadcastEnvelope creates a fire-and-forget envelope. Broadcasts carry
// no correlation id.
func NewBroadcastEnvelope(kind Kind, pid string, payload map[string]interface{}) *Envelope {
	return &Envelope{
		Type:      TypeBroadcast,
		Kind:      kind,
		PID:       pid,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Validate checks the structural invariants of an inbound envelope.
func (e *Envelope) Validate() error {
	if e == nil {
		return fmt.Errorf("envelope is nil")
	}
	switch e.Type {
	case TypeRPC:
		if e.CorrelationID == "" {
			return fmt.Errorf("rpc envelope missing correlation_id")
		}
	case TypeBroadcast:
	default:
		return fmt.Errorf("unknown envelope type %q", e.Type)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown control kind %q", e.Kind)
	}
	switch e.Kind {
	case KindPlay, KindPause, KindKill, KindStatus:
		if e.Type == TypeRPC && e.PID == "" {
			return fmt.Errorf("rpc envelope missing pid")
		}
	case KindLaunch, KindContinue:
		// Task envelopes address a queue; the pid, if any, rides in the
		// payload.
	}
	return nil
}

// ResponseStatus is the outcome marker of an RPC Response.
type ResponseStatus string

const (
	StatusOK    ResponseStatus = "ok"
	StatusError ResponseStatus = "error"
)

// Response is the RPC acknowledgement correlated back to its request.
type Response struct {
	CorrelationID string                 `json:"correlation_id"`
	Status        ResponseStatus         `json:"status"`
	Result        map[string]interface{} `json:"result,omitempty"`
	ErrorDetail   string                 `json:"error_detail,omitempty"`
}

// NewOKResponse creates a success acknowledgement for the given request.
func NewOKResponse(correlationID string, result map[string]interface{}) *Response {
	return &Response{
		CorrelationID: correlationID,
		Status:        StatusOK,
		Result:        result,
	}
}

// NewErrorResponse creates an error acknowledgement for the given request.
func NewErrorResponse(correlationID string, detail string) *Response {
	return &Response{
		CorrelationID: correlationID,
		Status:        StatusError,
		ErrorDetail:   detail,
	}
}

// IsError reports whether the response carries an error acknowledgement.
func (r *Response) IsError() bool {
	return r != nil && r.Status == StatusError
}
