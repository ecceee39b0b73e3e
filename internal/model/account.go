package model

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// AccountInfo is an account as returned by the upstream node with base64 encoding.
type AccountInfo struct {
	Data       []string `json:"data"`
	Executable bool     `json:"executable"`
	Lamports   uint64   `json:"lamports"`
	Owner      string   `json:"owner"`
	RentEpoch  uint64   `json:"rentEpoch"`
	Space      uint64   `json:"space"`
}

// Bytes decodes the account payload.
func (a *AccountInfo) Bytes() ([]byte, error) {
	if len(a.Data) == 0 {
		return nil, fmt.Errorf("account data missing")
	}
	if len(a.Data) > 1 && a.Data[1] != "base64" {
		return nil, fmt.Errorf("unsupported account encoding %q", a.Data[1])
	}
	data, err := base64.StdEncoding.DecodeString(a.Data[0])
	if err != nil {
		return nil, fmt.Errorf("decode account data: %w", err)
	}
	return data, nil
}

// ParsedAccount is an account enriched with its decoded payload. When the
// payload could not be decoded Data holds the upstream encoding (or null when
// only parsed records were requested) and Parsed is false.
type ParsedAccount struct {
	Data       interface{} `json:"data"`
	Executable bool        `json:"executable"`
	Lamports   uint64      `json:"lamports"`
	Owner      string      `json:"owner"`
	RentEpoch  uint64      `json:"rentEpoch"`
	Space      uint64      `json:"space"`
	Name       string      `json:"name,omitempty"`
	Parsed     bool        `json:"parsed"`
	Key        string      `json:"key,omitempty"`
}

// NewParsedAccount copies an upstream account into an unparsed record.
func NewParsedAccount(key string, info *AccountInfo) *ParsedAccount {
	return &ParsedAccount{
		Data:       info.Data,
		Executable: info.Executable,
		Lamports:   info.Lamports,
		Owner:      info.Owner,
		RentEpoch:  info.RentEpoch,
		Space:      info.Space,
		Key:        key,
	}
}

// AccountResult is the getAccountInfo result.
type AccountResult struct {
	Context json.RawMessage `json:"context"`
	Value   *AccountInfo    `json:"value"`
}

// MultipleAccountsResult is the getMultipleAccounts result.
type MultipleAccountsResult struct {
	Context json.RawMessage `json:"context"`
	Value   []*AccountInfo  `json:"value"`
}

// ParsedAccountResult mirrors AccountResult with an enriched value.
type ParsedAccountResult struct {
	Context json.RawMessage `json:"context"`
	Value   *ParsedAccount  `json:"value"`
}

// ParsedAccountsResult mirrors MultipleAccountsResult with enriched values.
type ParsedAccountsResult struct {
	Context json.RawMessage  `json:"context"`
	Value   []*ParsedAccount `json:"value"`
}

// AccountRecord pairs an account with the key it was requested under.
type AccountRecord struct {
	Key     string       `json:"key"`
	Account *AccountInfo `json:"account"`
}
