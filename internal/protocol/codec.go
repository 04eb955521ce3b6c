// ABOUTME: Stateless codec between wire bytes and Frame values.
// ABOUTME: Validates frame shape on decode and classifies failures as recoverable or fatal.

package protocol

import (
	"encoding/json"
	"fmt"
)

// DecodeError reports a frame that failed structural validation. When ID is
// non-empty the failure is recoverable: the connection can answer it with an
// INVALID_REQUEST response correlated to that id. With an empty ID there is
// nothing to correlate against and the connection must close.
type DecodeError struct {
	ID     string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame: %s", e.Reason)
}

// Recoverable reports whether the malformed frame carried a usable request id.
func (e *DecodeError) Recoverable() bool {
	return e.ID != ""
}

// Encode serializes a frame to its wire form.
func Encode(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Type, err)
	}
	return data, nil
}

// Decode parses and validates a wire frame. Failures are returned as
// *DecodeError; any other error shape indicates a bug in the caller.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if err := validate(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

func validate(f *Frame) *DecodeError {
	switch f.Type {
	case TypeHello:
		if f.MinProtocol < 1 || f.MaxProtocol < f.MinProtocol {
			return &DecodeError{Reason: fmt.Sprintf("hello: invalid protocol range [%d,%d]", f.MinProtocol, f.MaxProtocol)}
		}
		if f.Client == nil || f.Client.ID == "" {
			return &DecodeError{Reason: "hello: missing client.id"}
		}
	case TypeHelloOK:
		if f.Protocol < 1 {
			return &DecodeError{Reason: "hello-ok: missing protocol"}
		}
	case TypeHelloRejected:
		if f.Error == nil {
			return &DecodeError{Reason: "hello-rejected: missing error"}
		}
	case TypeRequest:
		if f.ID == "" {
			return &DecodeError{Reason: "request: missing id"}
		}
		if f.Method == "" {
			return &DecodeError{ID: f.ID, Reason: "request: missing method"}
		}
	case TypeResponse:
		if f.ID == "" {
			return &DecodeError{Reason: "response: missing id"}
		}
		if (f.Result == nil) == (f.Error == nil) {
			return &DecodeError{ID: f.ID, Reason: "response: exactly one of result or error required"}
		}
	case TypeEvent:
		if f.Event == "" {
			return &DecodeError{Reason: "event: missing event type"}
		}
	case "":
		return &DecodeError{Reason: "missing frame type"}
	default:
		return &DecodeError{Reason: fmt.Sprintf("unknown frame type %q", f.Type)}
	}
	return nil
}
