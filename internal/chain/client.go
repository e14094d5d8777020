// Package chain reads balances and transaction receipts from an EVM JSON-RPC
// endpoint. It covers only what the wallet demo needs: native balance, ERC-20
// balance via eth_call, and receipt polling.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
)

// balanceOfSelector is the first four bytes of keccak256("balanceOf(address)").
const balanceOfSelector = "0x70a08231"

// ErrReceiptNotFound reports that the node has no receipt for a hash yet.
var ErrReceiptNotFound = errors.New("chain: transaction receipt not found")

// Receipt is the subset of an EVM transaction receipt the app cares about.
type Receipt struct {
	TransactionHash string `json:"transactionHash"`
	BlockNumber     string `json:"blockNumber"`
	Status          string `json:"status"`
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool {
	return r.Status == "0x1"
}

// Client is a minimal JSON-RPC 2.0 client for a single EVM endpoint.
type Client struct {
	rpcURL      string
	usdcAddress string
	httpClient  *http.Client
	nextID      atomic.Int64
}

// NewClient returns a Client for rpcURL reading USDC balances from the token
// contract at usdcAddress.
func NewClient(rpcURL, usdcAddress string) *Client {
	return NewClientWithHTTPClient(rpcURL, usdcAddress, &http.Client{Timeout: 30 * time.Second})
}

// NewClientWithHTTPClient is NewClient with an injected HTTP client, for tests.
func NewClientWithHTTPClient(rpcURL, usdcAddress string, httpClient *http.Client) *Client {
	return &Client{rpcURL: rpcURL, usdcAddress: usdcAddress, httpClient: httpClient}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("chain: encode %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("chain: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chain: %s: %w", method, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("chain: read %s response: %w", method, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("chain: %s returned status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	var decoded rpcResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("chain: decode %s response: %w", method, err)
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("chain: %s failed: %s (code %d)", method, decoded.Error.Message, decoded.Error.Code)
	}
	return decoded.Result, nil
}

func (c *Client) callHexQuantity(ctx context.Context, method string, params ...any) (*big.Int, error) {
	result, err := c.call(ctx, method, params...)
	if err != nil {
		return nil, err
	}
	var hex string
	if err := json.Unmarshal(result, &hex); err != nil {
		return nil, fmt.Errorf("chain: decode %s result: %w", method, err)
	}
	return parseHexBig(hex)
}

// ETHBalance returns the latest native balance of address in ETH.
func (c *Client) ETHBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if !ValidAddress(address) {
		return decimal.Decimal{}, fmt.Errorf("chain: invalid address %q", address)
	}
	wei, err := c.callHexQuantity(ctx, "eth_getBalance", address, "latest")
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromBigInt(wei, -ETHDecimals), nil
}

// USDCBalance returns the latest USDC token balance of address, in whole USDC.
func (c *Client) USDCBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if !ValidAddress(address) {
		return decimal.Decimal{}, fmt.Errorf("chain: invalid address %q", address)
	}
	data := balanceOfSelector + strings.Repeat("0", 24) + strings.ToLower(strings.TrimPrefix(address, "0x"))
	units, err := c.callHexQuantity(ctx, "eth_call", map[string]string{
		"to":   c.usdcAddress,
		"data": data,
	}, "latest")
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromBigInt(units, -USDCDecimals), nil
}

// TransactionReceipt fetches the receipt for hash. ErrReceiptNotFound means
// the transaction is still pending (or unknown to the node).
func (c *Client) TransactionReceipt(ctx context.Context, hash string) (*Receipt, error) {
	if !ValidTxHash(hash) {
		return nil, fmt.Errorf("chain: invalid transaction hash %q", hash)
	}
	result, err := c.call(ctx, "eth_getTransactionReceipt", hash)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return nil, ErrReceiptNotFound
	}
	var receipt Receipt
	if err := json.Unmarshal(result, &receipt); err != nil {
		return nil, fmt.Errorf("chain: decode receipt: %w", err)
	}
	return &receipt, nil
}

// WaitForReceipt polls for the receipt of hash with exponential backoff until
// it lands, the deadline passes, or ctx is cancelled.
func (c *Client) WaitForReceipt(ctx context.Context, hash string, maxWait time.Duration) (*Receipt, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	return backoff.Retry(ctx, func() (*Receipt, error) {
		receipt, err := c.TransactionReceipt(ctx, hash)
		if errors.Is(err, ErrReceiptNotFound) {
			return nil, err
		}
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return receipt, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(maxWait))
}
