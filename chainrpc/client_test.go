package chainrpc

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
)

func rpcServer(t *testing.T, handler func(method string, params []json.RawMessage) (any, *rpcError)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
			ID     int64             `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
			return
		}
		result, rpcErr := handler(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestBalanceParsesHexQuantity(t *testing.T) {
	srv := rpcServer(t, func(method string, _ []json.RawMessage) (any, *rpcError) {
		if method != "eth_getBalance" {
			t.Errorf("method = %q, want eth_getBalance", method)
		}
		return "0xde0b6b3a7640000", nil // 1 ether
	})
	defer srv.Close()

	balance, err := NewClient(srv.URL).Balance(context.Background(), "0x00000000000000000000000000000000000000aa")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	want, _ := new(big.Int).SetString("1000000000000000000", 10)
	if balance.Cmp(want) != 0 {
		t.Fatalf("balance = %s, want %s", balance, want)
	}
}

func TestContractNonceUsesEthCall(t *testing.T) {
	srv := rpcServer(t, func(method string, params []json.RawMessage) (any, *rpcError) {
		if method != "eth_call" {
			t.Errorf("method = %q, want eth_call", method)
		}
		var call struct {
			To   string `json:"to"`
			Data string `json:"data"`
		}
		if err := json.Unmarshal(params[0], &call); err != nil {
			t.Errorf("decode call params: %v", err)
		}
		if call.Data != nonceSelector {
			t.Errorf("call data = %q, want nonce selector", call.Data)
		}
		return "0x0000000000000000000000000000000000000000000000000000000000000007", nil
	})
	defer srv.Close()

	contract := NewEscrowContract(NewClient(srv.URL), "0x00000000000000000000000000000000000000aa", 1)
	nonce, err := contract.GetNonce(context.Background())
	if err != nil {
		t.Fatalf("get nonce: %v", err)
	}
	if nonce.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("nonce = %s, want 7", nonce)
	}
}

func TestCallSurfacesRPCError(t *testing.T) {
	srv := rpcServer(t, func(string, []json.RawMessage) (any, *rpcError) {
		return nil, &rpcError{Code: -32000, Message: "execution reverted"}
	})
	defer srv.Close()

	if _, err := NewClient(srv.URL).Balance(context.Background(), "0xaa"); err == nil {
		t.Fatal("expected rpc error")
	}
}

func TestDirectReleaseIsRejected(t *testing.T) {
	contract := NewEscrowContract(NewClient("http://unused"), "0xaa", 1)
	if _, err := contract.Release(context.Background(), nil, nil, nil); err == nil {
		t.Fatal("expected direct release to be rejected")
	}
}
