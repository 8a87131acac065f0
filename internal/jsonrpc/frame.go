// Package jsonrpc implements line-delimited JSON-RPC 2.0 framing and
// request/response correlation for a single peer.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
)

// Version is the protocol version carried by every envelope.
const Version = mcp.JSONRPC_VERSION

// Frame is one decoded JSON-RPC message. Raw holds the exact line it was
// decoded from so it can be forwarded verbatim.
type Frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`

	Raw []byte `json:"-"`
}

// HasID reports whether the frame carries a non-null id.
func (f Frame) HasID() bool {
	return len(f.ID) > 0 && !bytes.Equal(f.ID, []byte("null"))
}

// IsResponse reports whether the frame answers a request.
func (f Frame) IsResponse() bool {
	return f.HasID() && f.Method == "" && (f.Result != nil || f.Error != nil)
}

// IsNotification reports whether the frame is a method call without an id.
func (f Frame) IsNotification() bool {
	return f.Method != "" && !f.HasID()
}

// IntID returns the frame id as an integer. String and fractional ids
// are not produced by this package and report false.
func (f Frame) IntID() (int64, bool) {
	if !f.HasID() {
		return 0, false
	}
	id, err := strconv.ParseInt(string(f.ID), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Error is a JSON-RPC error object. Its Error string is the peer's message.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Request is an outgoing call envelope.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Notification is an outgoing envelope that expects no reply.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type errorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   *Error          `json:"error"`
}

// ErrorResponse encodes an error reply. A nil id is encoded as null.
func ErrorResponse(id json.RawMessage, code int, message string) []byte {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	b, _ := json.Marshal(errorResponse{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	})
	return b
}

// ParseErrorResponse is the reply sent for an inbound message that is not JSON.
func ParseErrorResponse() []byte {
	return ErrorResponse(nil, mcp.PARSE_ERROR, "Parse error")
}
