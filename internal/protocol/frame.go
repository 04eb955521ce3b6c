// ABOUTME: Wire frame model for the warren-gateway client protocol.
// ABOUTME: Defines the five frame kinds exchanged over a client connection.

package protocol

import "encoding/json"

// Supported protocol version range for this server build.
const (
	MinProtocol = 1
	MaxProtocol = 1
)

// Frame type discriminants.
const (
	TypeHello         = "hello"
	TypeHelloOK       = "hello-ok"
	TypeHelloRejected = "hello-rejected"
	TypeRequest       = "request"
	TypeResponse      = "response"
	TypeEvent         = "event"
)

// Frame is the wire unit: one JSON object per message, discriminated by Type.
// Only the fields relevant to a given Type are populated; the codec validates
// the required fields per kind.
type Frame struct {
	Type string `json:"type"`

	// hello
	MinProtocol int         `json:"minProtocol,omitempty"`
	MaxProtocol int         `json:"maxProtocol,omitempty"`
	Client      *ClientInfo `json:"client,omitempty"`

	// hello-ok
	Protocol   int         `json:"protocol,omitempty"`
	ServerInfo *ServerInfo `json:"serverInfo,omitempty"`

	// request / response
	ID         string          `json:"id,omitempty"`
	Method     string          `json:"method,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	SessionKey string          `json:"sessionKey,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`

	// response error, also carried by hello-rejected
	Error *WireError `json:"error,omitempty"`

	// event
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ClientInfo is the client identity advertised in a hello frame.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version,omitempty"`
	Platform    string `json:"platform,omitempty"`
	Mode        string `json:"mode,omitempty"`
}

// ServerInfo describes the server in a hello-ok frame.
type ServerInfo struct {
	ServerID    string `json:"serverId"`
	Version     string `json:"version"`
	ProtocolMin int    `json:"protocolMin"`
	ProtocolMax int    `json:"protocolMax"`
}

// WireError is the error object carried on response and hello-rejected frames.
type WireError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Event is a server-originated notification before it is framed for the wire.
// SessionKey scopes delivery; an empty SessionKey reaches only global
// subscribers.
type Event struct {
	Type       string
	SessionKey string
	Payload    json.RawMessage
}

// NewHelloOK builds a hello-ok frame for the negotiated protocol version.
func NewHelloOK(negotiated int, info *ServerInfo) *Frame {
	return &Frame{
		Type:       TypeHelloOK,
		Protocol:   negotiated,
		ServerInfo: info,
	}
}

// NewHelloRejected builds a handshake rejection frame.
func NewHelloRejected(code ErrorCode, message string) *Frame {
	return &Frame{
		Type:  TypeHelloRejected,
		Error: &WireError{Code: code, Message: message},
	}
}

// NewResult builds a success response frame for the given request id.
func NewResult(id string, result json.RawMessage) *Frame {
	return &Frame{Type: TypeResponse, ID: id, Result: result}
}

// NewErrorResponse builds an error response frame for the given request id.
func NewErrorResponse(id string, err *Error) *Frame {
	return &Frame{
		Type:  TypeResponse,
		ID:    id,
		Error: &WireError{Code: err.Code, Message: err.Message},
	}
}

// NewEventFrame converts an Event into its wire frame.
func NewEventFrame(ev *Event) *Frame {
	return &Frame{
		Type:       TypeEvent,
		Event:      ev.Type,
		SessionKey: ev.SessionKey,
		Payload:    ev.Payload,
	}
}

// Negotiate returns the highest protocol version supported by both the
// client-advertised range and this server. ok is false when the ranges do
// not intersect.
func Negotiate(clientMin, clientMax int) (version int, ok bool) {
	low := clientMin
	if MinProtocol > low {
		low = MinProtocol
	}
	high := clientMax
	if MaxProtocol < high {
		high = MaxProtocol
	}
	if low > high {
		return 0, false
	}
	return high, true
}
