package model

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC error codes used by the gateway.
const (
	CodeParseError    = -32700
	CodeInvalidParams = -32602
	CodeInternalError = -32603
)

const jsonRPCVersion = "2.0"

// Request is an inbound JSON-RPC call.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is an outbound JSON-RPC reply. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("json-rpc error %d", e.Code)
	}
	return e.Message
}

// ErrorCode returns the JSON-RPC error code.
func (e *RPCError) ErrorCode() int { return e.Code }

// ErrorData returns the optional data payload.
func (e *RPCError) ErrorData() interface{} { return e.Data }

// NewResult wraps a result for the given request id.
func NewResult(id json.RawMessage, result interface{}) *Response {
	return &Response{JSONRPC: jsonRPCVersion, ID: normalizeID(id), Result: result}
}

// NewError builds an error reply for the given request id.
func NewError(id json.RawMessage, code int, message string, data interface{}) *Response {
	return &Response{
		JSONRPC: jsonRPCVersion,
		ID:      normalizeID(id),
		Error:   &RPCError{Code: code, Message: message, Data: data},
	}
}

// MarshalJSON keeps "result": null when a successful call has no value.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		type errorReply struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      json.RawMessage `json:"id"`
			Error   *RPCError       `json:"error"`
		}
		return json.Marshal(errorReply{JSONRPC: r.JSONRPC, ID: normalizeID(r.ID), Error: r.Error})
	}
	type resultReply struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  interface{}     `json:"result"`
	}
	return json.Marshal(resultReply{JSONRPC: r.JSONRPC, ID: normalizeID(r.ID), Result: r.Result})
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
