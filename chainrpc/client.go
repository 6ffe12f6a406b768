// Package chainrpc is a minimal Ethereum JSON-RPC client covering the two
// read paths the engine needs in deployment: hot-wallet balance for the
// treasury sweep and the escrow contract nonce for release payloads. Release
// submission itself goes through the custody/safe route, never through this
// client.
package chainrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"
)

type Client struct {
	url    string
	http   *http.Client
	nextID atomic.Int64
}

func NewClient(url string) *Client {
	return &Client{
		url:  url,
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int64  `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Call performs one JSON-RPC request and returns the raw result.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return nil, fmt.Errorf("chainrpc: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("chainrpc: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chainrpc: %s: unexpected status %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("chainrpc: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("chainrpc: %s: %w", method, rpcResp.Error)
	}
	return rpcResp.Result, nil
}

// Balance returns the wei balance of address at the latest block.
func (c *Client) Balance(ctx context.Context, address string) (*big.Int, error) {
	result, err := c.Call(ctx, "eth_getBalance", address, "latest")
	if err != nil {
		return nil, err
	}
	return parseQuantity(result)
}

// parseQuantity decodes a JSON-encoded 0x-prefixed hex quantity.
func parseQuantity(raw json.RawMessage) (*big.Int, error) {
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return nil, fmt.Errorf("chainrpc: decode quantity: %w", err)
	}
	if len(hexStr) < 2 || hexStr[:2] != "0x" {
		return nil, fmt.Errorf("chainrpc: quantity %q is not 0x-prefixed", hexStr)
	}
	v, ok := new(big.Int).SetString(hexStr[2:], 16)
	if !ok {
		return nil, fmt.Errorf("chainrpc: malformed quantity %q", hexStr)
	}
	return v, nil
}
