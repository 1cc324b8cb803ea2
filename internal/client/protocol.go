package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Method is the HTTP-like verb carried by every g3api request.
type Method string

const (
	MethodGet  Method = "GET"
	MethodPost Method = "POST"
)

const (
	// Subprotocol is the websocket subprotocol spoken by the glasses.
	Subprotocol = "g3api"

	websocketPath = "/websocket/"

	// Request ids wrap inside [1, maxRequestID).
	maxRequestID = 1024
)

// Request is a single g3api request frame.
type Request struct {
	Path   string          `json:"path"`
	ID     int             `json:"id"`
	Method Method          `json:"method"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Response is a frame received from the glasses. Frames with an ID answer a
// request; frames with a Signal are notifications for a subscription.
type Response struct {
	ID        *int            `json:"id,omitempty"`
	Signal    json.RawMessage `json:"signal,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
	Message   string          `json:"message,omitempty"`
	ErrorInfo json.RawMessage `json:"error_info,omitempty"`

	raw json.RawMessage
	// decodeErr is set when only the id of the frame could be decoded.
	decodeErr error
}

// PropertyPath returns the path addressing a property of an API object.
func PropertyPath(parent, name string) string { return parent + "." + name }

// ActionPath returns the path addressing an action of an API object.
func ActionPath(parent, name string) string { return parent + "!" + name }

// SignalPath returns the path addressing a signal of an API object.
func SignalPath(parent, name string) string { return parent + ":" + name }

// NewGetRequest builds a property read.
func NewGetRequest(parent, name string) Request {
	return Request{Path: PropertyPath(parent, name), Method: MethodGet}
}

// NewSetRequest builds a property write.
func NewSetRequest(parent, name string, value any) (Request, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return Request{}, fmt.Errorf("encode value for %s: %w", PropertyPath(parent, name), err)
	}
	return Request{Path: PropertyPath(parent, name), Method: MethodPost, Body: body}, nil
}

// NewActionRequest builds an action call. Arguments are sent as a JSON array,
// an empty one when args is empty.
func NewActionRequest(parent, name string, args ...any) (Request, error) {
	if args == nil {
		args = []any{}
	}
	body, err := json.Marshal(args)
	if err != nil {
		return Request{}, fmt.Errorf("encode arguments for %s: %w", ActionPath(parent, name), err)
	}
	return Request{Path: ActionPath(parent, name), Method: MethodPost, Body: body}, nil
}

// NewSignalRequest builds a signal subscription.
func NewSignalRequest(parent, name string) Request {
	return Request{Path: SignalPath(parent, name), Method: MethodPost, Body: json.RawMessage("[]")}
}

// Value returns the response body, or the whole frame when the device sent
// no body field.
func (r *Response) Value() json.RawMessage {
	if len(r.Body) > 0 {
		return r.Body
	}
	return r.raw
}

// Raw returns the frame exactly as received.
func (r *Response) Raw() json.RawMessage { return r.raw }

// Err converts an error payload into a *ResponseError, or returns nil.
func (r *Response) Err(path string) error {
	if len(r.ErrorInfo) > 0 && !isNull(r.ErrorInfo) {
		return &ResponseError{Path: path, Message: string(r.ErrorInfo)}
	}
	if len(r.Error) > 0 && !isNull(r.Error) {
		code, err := strconv.Atoi(string(bytes.TrimSpace(r.Error)))
		if err != nil {
			return &ResponseError{Path: path, Message: fmt.Sprintf("%s: %s", r.Error, r.Message)}
		}
		return &ResponseError{Path: path, Code: code, Message: r.Message}
	}
	return nil
}

func decodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	resp.raw = append(json.RawMessage(nil), data...)
	return &resp, nil
}

// undecodableResponse salvages the id of a frame that failed to decode so
// the waiting request fails fast instead of timing out.
func undecodableResponse(data []byte, err error) (*Response, bool) {
	var frame struct {
		ID *int `json:"id"`
	}
	if json.Unmarshal(data, &frame) != nil || frame.ID == nil {
		return nil, false
	}
	return &Response{
		ID:        frame.ID,
		raw:       append(json.RawMessage(nil), data...),
		decodeErr: err,
	}, true
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func isFalse(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("false"))
}

// signalKey normalises a signal id so that "7" and 7 sent by the device in
// different frames still match.
func signalKey(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
