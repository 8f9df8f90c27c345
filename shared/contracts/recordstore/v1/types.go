// Package v1 defines the Lectern Record Store Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSubscribe registers interest in one or more collections (client -> server).
	// The server answers with one snapshot per collection and keeps pushing
	// fresh snapshots after every mutation to a subscribed collection.
	TypeSubscribe = "subscribe"
	// TypeSnapshot carries the full current record set of one collection (server -> client).
	TypeSnapshot = "snapshot"

	// TypeGet reads a single record (client -> server).
	TypeGet = "get"
	// TypeGetResult answers a get (server -> client).
	TypeGetResult = "get_result"

	// TypePut creates or fully replaces a record (client -> server).
	TypePut = "put"
	// TypePatch shallow-merges fields into an existing record (client -> server).
	TypePatch = "patch"
	// TypeDelete removes a record (client -> server).
	TypeDelete = "delete"
	// TypeOpAck acknowledges a successful put/patch/delete (server -> client).
	TypeOpAck = "op_ack"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Error codes carried by ErrorPayload (wire-stable).
const (
	CodeBadJSON       = "bad_json"
	CodeBadEnvelope   = "bad_envelope"
	CodeBadRequest    = "bad_request"
	CodeHelloRequired = "hello_required"
	CodeNotFound      = "not_found"
	CodeRateLimited   = "rate_limited"
	CodeStoreFailed   = "store_failed"
	CodeUnsupported   = "unsupported"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeSubscribe,
		TypeSnapshot,
		TypeGet,
		TypeGetResult,
		TypePut,
		TypePatch,
		TypeDelete,
		TypeOpAck,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct{}

// HelloAckPayload carries the server-assigned session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// SubscribePayload names the collections the client wants snapshots for.
type SubscribePayload struct {
	Collections []string `json:"collections"`
}

// Record is one stored document: opaque JSON body addressed by id.
type Record struct {
	ID  string          `json:"id"`
	Doc json.RawMessage `json:"doc"`
}

// SnapshotPayload is the full current record set of a collection.
// Snapshots are self-contained: a later snapshot fully supersedes an
// earlier one, so dropped or reordered snapshots never corrupt state.
type SnapshotPayload struct {
	Collection string   `json:"collection"`
	Records    []Record `json:"records"`
}

// GetPayload requests a single record.
type GetPayload struct {
	OpID       string `json:"op_id"`
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// GetResultPayload answers a GetPayload. Found is false when the record
// does not exist (this is an answer, not an error).
type GetResultPayload struct {
	OpID   string  `json:"op_id"`
	Found  bool    `json:"found"`
	Record *Record `json:"record,omitempty"`
}

// PutPayload creates or fully replaces a record.
type PutPayload struct {
	OpID       string          `json:"op_id"`
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Doc        json.RawMessage `json:"doc"`
}

// PatchPayload shallow-merges top-level fields into an existing record.
// Patching a missing record fails with CodeNotFound.
type PatchPayload struct {
	OpID       string                     `json:"op_id"`
	Collection string                     `json:"collection"`
	ID         string                     `json:"id"`
	Fields     map[string]json.RawMessage `json:"fields"`
}

// DeletePayload removes a record. Deleting a missing record succeeds.
type DeletePayload struct {
	OpID       string `json:"op_id"`
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// OpAckPayload acknowledges a successful put/patch/delete.
type OpAckPayload struct {
	OpID string `json:"op_id"`
}

// ErrorPayload is a generic error response payload. OpID is set when the
// error answers a specific client operation.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	OpID    string `json:"op_id,omitempty"`
}
