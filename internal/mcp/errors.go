package mcp

import (
	"errors"
	"fmt"
)

// ErrorKind classifies tool-call failures. Kinds are stable: they are
// transcribed verbatim into the synthetic tool messages fed back to the model.
type ErrorKind string

const (
	// KindNoSuchTool means (server, tool) is not in the current catalog.
	// Rejected before dispatch; the request never reaches a subprocess.
	KindNoSuchTool ErrorKind = "NoSuchTool"

	// KindServerUnavailable means the server is not in the ready state.
	KindServerUnavailable ErrorKind = "ServerUnavailable"

	// KindCallTimeout means the per-call deadline elapsed.
	KindCallTimeout ErrorKind = "CallTimeout"

	// KindServerCrashed means the server process exited while the call was pending.
	KindServerCrashed ErrorKind = "ServerCrashed"

	// KindProtocolError means the server violated the wire protocol.
	KindProtocolError ErrorKind = "ProtocolError"

	// KindRemoteError is a business-level error object from the server,
	// passed through verbatim.
	KindRemoteError ErrorKind = "RemoteError"
)

// CallError is the structured outcome of a failed tool call.
type CallError struct {
	Kind    ErrorKind
	Server  string
	Tool    string
	Message string
	// Code carries the JSON-RPC error code for KindRemoteError.
	Code  int
	Cause error
}

func (e *CallError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("[%s] %s/%s: %s", e.Kind, e.Server, e.Tool, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Server, e.Message)
}

func (e *CallError) Unwrap() error {
	return e.Cause
}

// AsCallError extracts a CallError from an error chain.
func AsCallError(err error) (*CallError, bool) {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// KindOf returns the error kind for err, or KindProtocolError for anything
// that escaped classification.
func KindOf(err error) ErrorKind {
	if ce, ok := AsCallError(err); ok {
		return ce.Kind
	}
	return KindProtocolError
}

func newCallError(kind ErrorKind, server, tool, message string) *CallError {
	return &CallError{Kind: kind, Server: server, Tool: tool, Message: message}
}
