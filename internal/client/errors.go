package client

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDevice means discovery ended without finding glasses.
	ErrNoDevice = errors.New("no glasses found")
	// ErrNotConnected is returned for requests issued without a session.
	ErrNotConnected = errors.New("no active websocket session")
	// ErrConnectionClosed means the session ended while a request was
	// outstanding, either locally or because the glasses went away.
	ErrConnectionClosed = errors.New("websocket session closed")
	// ErrTimeout marks a websocket handshake that did not finish in time.
	ErrTimeout = errors.New("timed out")
	// ErrInvalidFolderName is returned by SetFolderName before sending.
	ErrInvalidFolderName = errors.New("invalid folder name")
)

// DiscoveryError is returned when no device could be located.
type DiscoveryError struct {
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery failed: %v", e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// ConnectionError is returned when a device was found but the session could
// not be established.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RequestError is returned when a request could not complete over the session.
type RequestError struct {
	Path string
	Err  error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s: %v", e.Path, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// ProtocolError is returned when the device sends something that cannot be
// decoded into the expected shape.
type ProtocolError struct {
	Path string
	Msg  string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error on %s: %s: %v", e.Path, e.Msg, e.Err)
	}
	return fmt.Sprintf("protocol error on %s: %s", e.Path, e.Msg)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ResponseError is an error reported by the glasses themselves.
type ResponseError struct {
	Path    string
	Code    int
	Message string
}

func (e *ResponseError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: device error %d: %s", e.Path, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}
