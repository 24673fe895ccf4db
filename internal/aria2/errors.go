package aria2

import (
	"errors"
	"fmt"
)

// ErrInvalidURI is returned before any RPC when a download URL is rejected.
var ErrInvalidURI = errors.New("invalid download url")

// ErrInvalidName rejects output file names that are not a single segment.
var ErrInvalidName = errors.New("invalid file name")

// RPCError is an error the daemon reported in the response envelope: it
// understood the call and refused it.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("aria2 error (%d): %s", e.Code, e.Message)
}

// TransportError means the daemon could not be reached or answered with a
// non-2xx status and no JSON-RPC error.
type TransportError struct {
	Status     int
	StatusText string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return "aria2 unreachable: " + e.Err.Error()
	}
	return fmt.Sprintf("aria2 http %d: %s", e.Status, e.StatusText)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Message normalizes any error from this package into one readable line.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Error()
	}
	var tErr *TransportError
	if errors.As(err, &tErr) {
		if tErr.Err != nil {
			return "cannot connect to aria2, check that the daemon is running"
		}
		return tErr.Error()
	}
	return err.Error()
}
