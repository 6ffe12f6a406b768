package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// anchorSubmitter posts Merkle roots to the custody service's anchoring
// endpoint, which holds the submission keys and returns the resulting tx
// hash.
type anchorSubmitter struct {
	url  string
	http *http.Client
}

func newAnchorSubmitter(url string) *anchorSubmitter {
	return &anchorSubmitter{
		url:  url,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *anchorSubmitter) Anchor(ctx context.Context, root, metadata string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"root":     root,
		"metadata": metadata,
	})
	if err != nil {
		return "", fmt.Errorf("anchor submit: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("anchor submit: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("anchor submit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("anchor submit: unexpected status %d", resp.StatusCode)
	}

	var result struct {
		TxHash string `json:"tx_hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("anchor submit: decode response: %w", err)
	}
	if result.TxHash == "" {
		return "", fmt.Errorf("anchor submit: custody returned no tx hash")
	}
	return result.TxHash, nil
}
