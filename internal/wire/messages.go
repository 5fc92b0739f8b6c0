// Package wire defines the JSON envelopes exchanged with the remote peer:
// requests carrying an id, responses echoing it, and id-less events.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotObject is returned by ParseRequest when the payload is valid JSON but
// not a JSON object.
var ErrNotObject = errors.New("message is not a JSON object")

// Request is an inbound call. SessionID is empty for the root session.
type Request struct {
	ID        *RequestID      `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request. Exactly one of Result and Error is set, except
// for handlers that produce no result at all.
type Response struct {
	ID        *RequestID      `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

// Event is an unsolicited notification. It never has an id.
type Event struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Error is the error object of a failed Response. Data carries diagnostic
// detail such as validator output or a stack trace.
type Error struct {
	Message string `json:"message"`
	Data    string `json:"data"`
}

// NewResultResponse builds a successful response from an already encoded result.
func NewResultResponse(id *RequestID, sessionID string, result json.RawMessage) *Response {
	return &Response{ID: id, SessionID: sessionID, Result: result}
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id *RequestID, sessionID string, message, data string) *Response {
	return &Response{
		ID:        id,
		SessionID: sessionID,
		Error:     &Error{Message: message, Data: data},
	}
}

// ParseRequest decodes one inbound message. JSON "null" params are treated as
// absent.
func ParseRequest(data []byte) (*Request, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if !json.Valid(trimmed) {
			return nil, fmt.Errorf("invalid JSON")
		}
		return nil, ErrNotObject
	}

	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if string(req.Params) == "null" {
		req.Params = nil
	}
	return &req, nil
}

// RecoverID makes a best-effort attempt to extract the id and session id of a
// message that failed to parse as a Request, so that an error can still be
// correlated. It returns nil when nothing usable is found.
func RecoverID(data []byte) (*RequestID, string) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, ""
	}
	raw, ok := probe["id"]
	if !ok {
		return nil, ""
	}
	var id RequestID
	if err := json.Unmarshal(raw, &id); err != nil || id.IsZero() {
		return nil, ""
	}
	var sessionID string
	if rawSess, ok := probe["sessionId"]; ok {
		_ = json.Unmarshal(rawSess, &sessionID)
	}
	return &id, sessionID
}
