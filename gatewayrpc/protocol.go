// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

// Package gatewayrpc implements the gateway wire protocol: the JSON frame
// format spoken on every WebSocket leg (browser↔broker and broker↔instance),
// and a short-lived administrative client the server process uses to issue
// configuration and usage calls against a claimed instance.
package gatewayrpc

import (
	"encoding/json"
	"fmt"
)

// Frame kinds on the wire
const (
	kindRequest  = "req"
	kindResponse = "res"
	kindEvent    = "event"
)

// Protocol constants. The connect handshake is the only frame exchange the
// broker ever interprets; everything after it is relayed verbatim.
const (
	// MinProtocolVersion and MaxProtocolVersion bound the protocol
	// revisions this client speaks
	MinProtocolVersion = 3
	MaxProtocolVersion = 3

	// MethodConnect is the bootstrap authentication request
	MethodConnect = "gateway.connect"

	// MethodConfigGet and MethodConfigPatch read and update instance
	// configuration (channel enablement, dmPolicy, allowFrom)
	MethodConfigGet   = "gateway.configGet"
	MethodConfigPatch = "gateway.configPatch"

	// MethodUsageReport queries cumulative usage totals
	MethodUsageReport = "usage.report"

	// EventChallenge is pushed by the instance unprompted on raw socket
	// open; no other frame is meaningful before it
	EventChallenge = "connect.challenge"

	// ConnectCorrelationID is the reserved correlation id used only for
	// the bootstrap connect call
	ConnectCorrelationID = "connect-1"
)

// Frame is the sum of the three wire frame shapes. Exactly one of the
// concrete types below implements it; boundary code switches exhaustively
// and internal logic never touches the stringly-typed envelope.
type Frame interface {
	frameKind() string
}

// Request is a correlated RPC request frame
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers the Request with the matching ID
type Response struct {
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Event is an uncorrelated notification frame
type Event struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
}

// RPCError carries a remote failure inside a response frame
type RPCError struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
	}
	return "gateway error: " + e.Message
}

func (Request) frameKind() string  { return kindRequest }
func (Response) frameKind() string { return kindResponse }
func (Event) frameKind() string    { return kindEvent }

// wireFrame is the untyped envelope used only at the encode/decode edge
type wireFrame struct {
	Type string `json:"type"`

	// req + res
	ID string `json:"id,omitempty"`

	// req
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// res
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`

	// event
	Event string `json:"event,omitempty"`
	Seq   int64  `json:"seq,omitempty"`
}

// ParseFrame decodes one wire frame into its concrete type
func ParseFrame(data []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch w.Type {
	case kindRequest:
		if w.ID == "" || w.Method == "" {
			return nil, fmt.Errorf("request frame missing id or method")
		}
		return Request{ID: w.ID, Method: w.Method, Params: w.Params}, nil

	case kindResponse:
		if w.ID == "" {
			return nil, fmt.Errorf("response frame missing id")
		}
		ok := w.OK != nil && *w.OK
		return Response{ID: w.ID, OK: ok, Payload: w.Payload, Error: w.Error}, nil

	case kindEvent:
		if w.Event == "" {
			return nil, fmt.Errorf("event frame missing event name")
		}
		return Event{Event: w.Event, Payload: w.Payload, Seq: w.Seq}, nil

	default:
		return nil, fmt.Errorf("unknown frame type %q", w.Type)
	}
}

// MarshalFrame encodes a concrete frame back into its wire envelope
func MarshalFrame(f Frame) ([]byte, error) {
	var w wireFrame

	switch fr := f.(type) {
	case Request:
		w = wireFrame{Type: kindRequest, ID: fr.ID, Method: fr.Method, Params: fr.Params}
	case Response:
		ok := fr.OK
		w = wireFrame{Type: kindResponse, ID: fr.ID, OK: &ok, Payload: fr.Payload, Error: fr.Error}
	case Event:
		w = wireFrame{Type: kindEvent, Event: fr.Event, Payload: fr.Payload, Seq: fr.Seq}
	default:
		return nil, fmt.Errorf("unknown frame type %T", f)
	}

	return json.Marshal(w)
}

// ConnectParams is the parameter payload of the bootstrap connect request
type ConnectParams struct {
	MinProtocolVersion int              `json:"minProtocolVersion"`
	MaxProtocolVersion int              `json:"maxProtocolVersion"`
	Client             ClientDescriptor `json:"client"`
	Auth               ConnectAuth      `json:"auth"`
	Role               string           `json:"role"`
	Scopes             []string         `json:"scopes"`
	Capabilities       []string         `json:"capabilities"`
}

// ClientDescriptor identifies what is connecting
type ClientDescriptor struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
}

// ConnectAuth carries the per-instance shared secret
type ConnectAuth struct {
	Token string `json:"token"`
}

// NewConnectRequest builds the bootstrap connect request the broker sends on
// behalf of the caller once the instance emits its challenge.
func NewConnectRequest(secret, role string, scopes []string) (Request, error) {
	params, err := json.Marshal(ConnectParams{
		MinProtocolVersion: MinProtocolVersion,
		MaxProtocolVersion: MaxProtocolVersion,
		Client: ClientDescriptor{
			Name:     "clawgate-broker",
			Version:  "1",
			Platform: "server",
		},
		Auth:         ConnectAuth{Token: secret},
		Role:         role,
		Scopes:       scopes,
		Capabilities: []string{},
	})
	if err != nil {
		return Request{}, fmt.Errorf("failed to marshal connect params: %w", err)
	}

	return Request{ID: ConnectCorrelationID, Method: MethodConnect, Params: params}, nil
}

// UsageReport is the payload of a usage.report response
type UsageReport struct {
	TotalCostUSD float64 `json:"totalCostUsd"`
	TotalTokens  int64   `json:"totalTokens"`
}

// UsageReportParams bounds the usage query to a lookback window
type UsageReportParams struct {
	LookbackHours int `json:"lookbackHours"`
}
