// ABOUTME: JSON-RPC 2.0 envelope types, error codes, and frame classification.
// ABOUTME: Preserves raw id bytes so correlation works for string and number ids alike.

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rookery-hq/rookery/internal/fault"
)

// Version is the json-rpc version tag on every frame.
const Version = "2.0"

// Reserved handshake and probe methods.
const (
	MethodAuthenticate = "session/authenticate"
	MethodInitialize   = "initialize"
	MethodPing         = "ping"
)

// Standard traffic methods.
const (
	MethodToolsCall     = "tools/call"
	MethodResourcesRead = "resources/read"
	MethodPromptsGet    = "prompts/get"
)

// Standard JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Hub-assigned error codes
const (
	CodeUnauthorized          = -32001
	CodeCapabilityUnsupported = -32002
)

// Request is a JSON-RPC 2.0 request. A nil/absent ID makes it a
// notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response. Exactly one of Result and Error
// is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC 2.0 error object. It implements error so agent
// failures can travel through normal error paths.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("agent error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request with a string id, marshalling params.
func NewRequest(id, method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params for %s: %w", method, err)
	}
	idRaw, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("encoding request id: %w", err)
	}
	return &Request{JSONRPC: Version, ID: idRaw, Method: method, Params: raw}, nil
}

// NewNotification builds an id-less request.
func NewNotification(method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params for %s: %w", method, err)
	}
	return &Request{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResponse builds a success response echoing the request id.
func NewResponse(id json.RawMessage, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response echoing the request id.
func NewErrorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message}}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}

// Kind discriminates decoded frames.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
)

// Envelope is a decoded frame before classification. Fields from both the
// request and response shapes are present; Kind reports which apply.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

var jsonNull = []byte("null")

// Decode parses a wire frame and validates the version tag.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing frame: %w", err)
	}
	if env.JSONRPC != Version {
		return nil, fmt.Errorf("unsupported jsonrpc version %q", env.JSONRPC)
	}
	if bytes.Equal(env.ID, jsonNull) {
		env.ID = nil
	}
	return &env, nil
}

// Kind classifies the envelope. Frames with neither a method nor a
// result/error are invalid.
func (e *Envelope) Kind() Kind {
	switch {
	case e.Method != "" && len(e.ID) == 0:
		return KindNotification
	case e.Method != "":
		return KindRequest
	case e.Result != nil || e.Error != nil:
		return KindResponse
	default:
		return KindInvalid
	}
}

// Response converts a KindResponse envelope back into a Response.
func (e *Envelope) Response() *Response {
	return &Response{JSONRPC: e.JSONRPC, ID: e.ID, Result: e.Result, Error: e.Error}
}

// Request converts a KindRequest or KindNotification envelope into a
// Request.
func (e *Envelope) Request() *Request {
	return &Request{JSONRPC: e.JSONRPC, ID: e.ID, Method: e.Method, Params: e.Params}
}

// IDKey normalizes a raw id into a correlation map key. String ids key by
// their unquoted value, numeric ids by their literal text. Absent ids key
// as the empty string, which callers treat as "no id".
func IDKey(raw json.RawMessage) string {
	if len(raw) == 0 || bytes.Equal(raw, jsonNull) {
		return ""
	}
	if raw[0] == '"' {
		if s, err := strconv.Unquote(string(raw)); err == nil {
			return s
		}
	}
	return string(raw)
}

// ClassForCode folds an agent-reported error code into the fault taxonomy.
func ClassForCode(code int) fault.Class {
	switch code {
	case CodeUnauthorized:
		return fault.Authentication
	case CodeCapabilityUnsupported, CodeInvalidRequest, CodeInvalidParams, CodeMethodNotFound:
		return fault.InvalidRequest
	default:
		return fault.AgentUnavailable
	}
}
