package model

import "encoding/json"

// Envelope is the union of the fields the relay inspects on websocket frames.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// AccountNotificationParams is the params object of an upstream accountNotification.
type AccountNotificationParams struct {
	Subscription uint64        `json:"subscription"`
	Result       AccountResult `json:"result"`
}

// ParsedAccountNotification is an accountNotification carrying an enriched account.
type ParsedAccountNotification struct {
	JSONRPC string                          `json:"jsonrpc"`
	Method  string                          `json:"method"`
	Params  ParsedAccountNotificationParams `json:"params"`
}

// ParsedAccountNotificationParams mirrors AccountNotificationParams.
type ParsedAccountNotificationParams struct {
	Result       ParsedAccountResult `json:"result"`
	Subscription uint64              `json:"subscription"`
}
