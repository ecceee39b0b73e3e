package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"

	"idlgateway/internal/model"
)

// ErrMalformedResponse reports an upstream reply that does not have the
// expected shape.
var ErrMalformedResponse = errors.New("malformed upstream response")

// Client wraps a go-ethereum RPC client speaking to a Solana JSON-RPC node.
type Client struct {
	rpcClient *rpc.Client
}

// NewClient creates a new chain client from the RPC URL.
func NewClient(ctx context.Context, rpcURL string) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	return &Client{rpcClient: rpcClient}, nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// Call performs a raw JSON-RPC call and returns the undecoded result.
func (c *Client) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.rpcClient.CallContext(ctx, &raw, method, params...); err != nil {
		if errors.Is(err, rpc.ErrNoResult) {
			return nil, fmt.Errorf("%s: %w", method, ErrMalformedResponse)
		}
		return nil, err
	}
	return raw, nil
}

// GetAccountInfo returns a single account with base64 data. A nil Value means
// the account does not exist.
func (c *Client) GetAccountInfo(ctx context.Context, key string, commitment string) (*model.AccountResult, error) {
	raw, err := c.Call(ctx, "getAccountInfo", key, accountConfig(commitment))
	if err != nil {
		return nil, err
	}
	var result model.AccountResult
	if err := decodeResult(raw, &result); err != nil {
		return nil, fmt.Errorf("getAccountInfo: %w", err)
	}
	return &result, nil
}

// GetMultipleAccounts returns accounts in request order; missing ones are nil.
func (c *Client) GetMultipleAccounts(ctx context.Context, keys []string, commitment string) (*model.MultipleAccountsResult, error) {
	raw, err := c.Call(ctx, "getMultipleAccounts", keys, accountConfig(commitment))
	if err != nil {
		return nil, err
	}
	var result model.MultipleAccountsResult
	if err := decodeResult(raw, &result); err != nil {
		return nil, fmt.Errorf("getMultipleAccounts: %w", err)
	}
	if len(result.Value) != len(keys) {
		return nil, fmt.Errorf("getMultipleAccounts: %w: %d accounts for %d keys", ErrMalformedResponse, len(result.Value), len(keys))
	}
	return &result, nil
}

// GetTransaction returns the raw transaction object, or nil when the node
// does not know the signature.
func (c *Client) GetTransaction(ctx context.Context, signature string, commitment string) (json.RawMessage, error) {
	cfg := map[string]interface{}{
		"encoding":                       "json",
		"maxSupportedTransactionVersion": 0,
	}
	if commitment != "" {
		cfg["commitment"] = commitment
	}
	raw, err := c.Call(ctx, "getTransaction", signature, cfg)
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, nil
	}
	if !json.Valid(raw) || raw[0] != '{' {
		return nil, fmt.Errorf("getTransaction: %w", ErrMalformedResponse)
	}
	return raw, nil
}

func accountConfig(commitment string) map[string]string {
	cfg := map[string]string{"encoding": "base64"}
	if commitment != "" {
		cfg["commitment"] = commitment
	}
	return cfg
}

func decodeResult(raw json.RawMessage, out interface{}) error {
	if isNull(raw) {
		return ErrMalformedResponse
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
