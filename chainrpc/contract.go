package chainrpc

import (
	"context"
	"fmt"
	"math/big"
)

// nonceSelector is the 4-byte selector of nonce() on the escrow contract.
const nonceSelector = "0xaffed0e0"

// EscrowContract adapts a deployed escrow contract behind the JSON-RPC
// client. It covers the read side; Release must be routed through the
// custody/safe pipeline, which holds the submission keys.
type EscrowContract struct {
	client  *Client
	address string
	chainID int64
}

func NewEscrowContract(client *Client, address string, chainID int64) *EscrowContract {
	return &EscrowContract{client: client, address: address, chainID: chainID}
}

func (c *EscrowContract) Address() string { return c.address }

func (c *EscrowContract) ChainID() int64 { return c.chainID }

// GetNonce reads the contract's release nonce via eth_call.
func (c *EscrowContract) GetNonce(ctx context.Context) (*big.Int, error) {
	result, err := c.client.Call(ctx, "eth_call", map[string]any{
		"to":   c.address,
		"data": nonceSelector,
	}, "latest")
	if err != nil {
		return nil, fmt.Errorf("chainrpc: read nonce: %w", err)
	}
	return parseQuantity(result)
}

// Release is not supported over plain JSON-RPC: submission requires the
// custody keys. Deployments using this adapter set the safe route.
func (c *EscrowContract) Release(context.Context, []string, []*big.Int, []string) (string, error) {
	return "", fmt.Errorf("chainrpc: direct release submission requires the custody pipeline")
}
