// Package custody talks to the custodial wallet service that holds the demo
// accounts. Accounts are addressed by name; the service creates them on first
// use and signs transactions server-side, so no key material ever reaches this
// process.
package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Account is a custodial account: a stable name and the EVM address the
// service derived for it.
type Account struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// FaucetResult reports the funding transaction issued by the testnet faucet.
type FaucetResult struct {
	TransactionHash string `json:"transactionHash"`
}

// TransferResult reports the transaction hash of a submitted transfer.
type TransferResult struct {
	TransactionHash string `json:"transactionHash"`
}

// APIError is a non-2xx reply from the custody service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("custody: service returned status %d: %s", e.StatusCode, e.Message)
}

// Client is a REST client for one custody service and network.
type Client struct {
	baseURL      string
	apiKeyID     string
	apiKeySecret string
	walletSecret string
	network      string
	httpClient   *http.Client
}

// Config carries the custody service endpoint and credentials.
type Config struct {
	BaseURL      string
	APIKeyID     string
	APIKeySecret string
	WalletSecret string
	Network      string
}

// NewClient returns a Client with a default HTTP timeout.
func NewClient(cfg Config) *Client {
	return NewClientWithHTTPClient(cfg, &http.Client{Timeout: 60 * time.Second})
}

// NewClientWithHTTPClient is NewClient with an injected HTTP client, for tests.
func NewClientWithHTTPClient(cfg Config, httpClient *http.Client) *Client {
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKeyID:     cfg.APIKeyID,
		apiKeySecret: cfg.APIKeySecret,
		walletSecret: cfg.WalletSecret,
		network:      cfg.Network,
		httpClient:   httpClient,
	}
}

// GetOrCreateAccount resolves name to an account, creating it when it does
// not exist yet. The call is idempotent: repeating a name returns the same
// address.
func (c *Client) GetOrCreateAccount(ctx context.Context, name string) (Account, error) {
	if strings.TrimSpace(name) == "" {
		return Account{}, fmt.Errorf("custody: account name is required")
	}
	var account Account
	err := c.post(ctx, "/v2/evm/accounts", map[string]string{"name": name}, &account)
	if err != nil {
		return Account{}, err
	}
	if account.Address == "" {
		return Account{}, fmt.Errorf("custody: service returned account %q without an address", name)
	}
	return account, nil
}

// RequestFaucet asks the testnet faucet to fund address with token
// ("eth" or "usdc").
func (c *Client) RequestFaucet(ctx context.Context, address, token string) (FaucetResult, error) {
	var result FaucetResult
	err := c.post(ctx, "/v2/evm/faucet", map[string]string{
		"address": address,
		"network": c.network,
		"token":   token,
	}, &result)
	return result, err
}

// SendTransaction submits a native-token transfer of valueWei from the
// account named fromName.
func (c *Client) SendTransaction(ctx context.Context, fromName, to string, valueWei *big.Int) (TransferResult, error) {
	var result TransferResult
	err := c.post(ctx, "/v2/evm/accounts/"+url.PathEscape(fromName)+"/send", map[string]string{
		"to":      to,
		"value":   valueWei.String(),
		"network": c.network,
	}, &result)
	return result, err
}

// TransferToken submits an ERC-20 transfer of amountUnits (token base units)
// from the account named fromName.
func (c *Client) TransferToken(ctx context.Context, fromName, to, token string, amountUnits *big.Int) (TransferResult, error) {
	var result TransferResult
	err := c.post(ctx, "/v2/evm/accounts/"+url.PathEscape(fromName)+"/transfer", map[string]string{
		"to":      to,
		"amount":  amountUnits.String(),
		"token":   token,
		"network": c.network,
	}, &result)
	return result, err
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("custody: encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("custody: build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.apiKeyID, c.apiKeySecret)
	if c.walletSecret != "" {
		req.Header.Set("X-Wallet-Auth", c.walletSecret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("custody: %s: %w", path, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("custody: read %s response: %w", path, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &APIError{StatusCode: resp.StatusCode, Message: extractErrorMessage(respBody)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("custody: decode %s response: %w", path, err)
	}
	return nil
}

func extractErrorMessage(body []byte) string {
	var decoded struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &decoded); err == nil {
		if decoded.Error != "" {
			return decoded.Error
		}
		if decoded.Message != "" {
			return decoded.Message
		}
	}
	return strings.TrimSpace(string(body))
}
