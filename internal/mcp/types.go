// Package mcp manages tool-server subprocesses speaking a line-delimited
// JSON-RPC 2.0 subset over stdio, and exposes their declared tools through a
// uniform call interface.
package mcp

import (
	"encoding/json"
	"time"
)

// ToolSpec is one declared tool capability, immutable after discovery.
type ToolSpec struct {
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ServerConfig holds configuration for one tool-server process.
type ServerConfig struct {
	// Name identifies the server in the catalog and in logs.
	Name string
	// Command is the full command line, run through `sh -c`.
	Command string
	// StartupTimeout bounds process start plus capability discovery.
	StartupTimeout time.Duration
	// CallTimeout is the default per-call deadline.
	CallTimeout time.Duration
	// MaxInflight caps concurrently outstanding requests on this server.
	MaxInflight int
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = 8
	}
	return c
}

// JSON-RPC wire types.

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// jsonrpcMessage is the decoded form of any inbound line. Responses carry an
// id; notifications carry a method and no id.
type jsonrpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Error   *RemoteError    `json:"error,omitempty"`
}

// RemoteError is a business-level failure reported by a tool server.
type RemoteError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RemoteError) Error() string {
	return e.Message
}

// listToolsResult is the expected reply to tools/list.
type listToolsResult struct {
	Tools []toolDecl `json:"tools"`
}

type toolDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}
