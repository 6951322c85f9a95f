package proof

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/agreement"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/common"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	logger "github.com/sirupsen/logrus"
)

const (
	NetworkMainnet = "matic"
	NetworkTestnet = "mumbai"

	defaultTimeout = 30 * time.Second
)

type Config struct {
	// URL is the proof api root, e.g. https://proof-generator.polygon.technology/
	URL string

	// Network is the path segment of the child network
	Network string

	Timeout time.Duration
}

// Client fetches exit payloads from a proof generation service, so the
// bridge does not have to rebuild receipt and block proofs itself.
type Client struct {
	base    string
	network string
	http    *http.Client
}

func NewClient(cfg *Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	network := cfg.Network
	if network == "" {
		network = NetworkMainnet
	}
	return &Client{
		base:    strings.TrimRight(cfg.URL, "/"),
		network: network,
		http:    &http.Client{Timeout: timeout},
	}
}

type apiResponse struct {
	Message string `json:"message"`
	Result  string `json:"result"`
	Error   bool   `json:"error"`
}

// ExitPayload returns the raw exit() argument for burnTxHash. A burn whose
// block is not covered by a checkpoint yet yields agreement.ErrNotCheckpointed.
func (c *Client) ExitPayload(ctx context.Context, burnTxHash, eventSig ethcommon.Hash) ([]byte, error) {
	url := fmt.Sprintf("%s/api/v1/%s/exit-payload/%s?eventSignature=%s", c.base, c.network, burnTxHash.Hex(), eventSig.Hex())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, agreement.NewRpcError("exitPayload", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, agreement.NewRpcError("exitPayload", err)
	}

	newLogger := logger.WithFields(logger.Fields{
		"burnTxHash": common.Shorten(burnTxHash.Hex(), 8),
		"status":     resp.StatusCode,
	})
	unavailable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests

	var out apiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		err = fmt.Errorf("proof api status %d: undecodable body: %w", resp.StatusCode, err)
		switch {
		case unavailable:
			newLogger.Warnf("proof api unavailable: %v", err)
			return nil, agreement.NewRpcError("exitPayload", err)
		case resp.StatusCode == http.StatusOK:
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return nil, err
	}

	switch {
	case unavailable:
		newLogger.Warnf("proof api unavailable: %s", out.Message)
		return nil, agreement.NewRpcError("exitPayload", fmt.Errorf("proof api status %d: %s", resp.StatusCode, out.Message))
	case resp.StatusCode != http.StatusOK || out.Error:
		if notCheckpointed(out.Message) || resp.StatusCode == http.StatusNotFound {
			newLogger.Debug("burn not checkpointed yet")
			return nil, fmt.Errorf("%w: %s", agreement.ErrNotCheckpointed, out.Message)
		}
		return nil, fmt.Errorf("proof api status %d: %s", resp.StatusCode, out.Message)
	}

	payload, err := hexutil.Decode(out.Result)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return payload, nil
}

func notCheckpointed(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "not been checkpointed") ||
		strings.Contains(msg, "not checkpointed") ||
		strings.Contains(msg, "no block found")
}
