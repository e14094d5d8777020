// Package tools implements the wallet operations the assistant can invoke:
// create_wallet, check_balance, request_faucet and send_payment. Each tool
// validates its arguments before touching the custody service, and returns a
// JSON result the model can read back.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"payagent/internal/chain"
	"payagent/internal/custody"
	"payagent/internal/domain"
	"payagent/internal/runner"
)

// CustodyService is the slice of the custody client the tools need.
type CustodyService interface {
	GetOrCreateAccount(ctx context.Context, name string) (custody.Account, error)
	RequestFaucet(ctx context.Context, address, token string) (custody.FaucetResult, error)
	SendTransaction(ctx context.Context, fromName, to string, valueWei *big.Int) (custody.TransferResult, error)
	TransferToken(ctx context.Context, fromName, to, token string, amountUnits *big.Int) (custody.TransferResult, error)
}

// ChainReader reads balances and receipts from the chain.
type ChainReader interface {
	ETHBalance(ctx context.Context, address string) (decimal.Decimal, error)
	USDCBalance(ctx context.Context, address string) (decimal.Decimal, error)
	WaitForReceipt(ctx context.Context, hash string, maxWait time.Duration) (*chain.Receipt, error)
}

// Recorder persists wallet and transaction records as tools run.
type Recorder interface {
	SaveWallet(ctx context.Context, w *domain.WalletInfo) error
	CreateTransaction(ctx context.Context, tx *domain.TransactionRecord) error
	UpdateTransactionStatus(ctx context.Context, id, status string) error
}

// Registry wires the four wallet tools to their backing services.
type Registry struct {
	custody  CustodyService
	chain    ChainReader
	recorder Recorder

	explorerBaseURL string
	receiptWait     time.Duration
}

// NewRegistry builds a Registry. explorerBaseURL is used for transaction
// links in tool results.
func NewRegistry(custodySvc CustodyService, chainReader ChainReader, recorder Recorder, explorerBaseURL string) *Registry {
	return &Registry{
		custody:         custodySvc,
		chain:           chainReader,
		recorder:        recorder,
		explorerBaseURL: explorerBaseURL,
		receiptWait:     60 * time.Second,
	}
}

// Definitions lists the tool schemas advertised to the model.
func (r *Registry) Definitions() []runner.ToolDefinition {
	return []runner.ToolDefinition{
		{
			Name:        "create_wallet",
			Description: "Create a new named wallet (or fetch it if it already exists) and return its address.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"name": map[string]interface{}{
						"type":        "string",
						"description": "Human-readable wallet name, e.g. \"savings\"",
					},
				},
				"required": []string{"name"},
			},
		},
		{
			Name:        "check_balance",
			Description: "Check the ETH and USDC balance of a wallet address.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"address": map[string]interface{}{
						"type":        "string",
						"description": "The 0x wallet address to check",
					},
				},
				"required": []string{"address"},
			},
		},
		{
			Name:        "request_faucet",
			Description: "Request testnet funds for a wallet address from the faucet.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"address": map[string]interface{}{
						"type":        "string",
						"description": "The 0x wallet address to fund",
					},
					"token": map[string]interface{}{
						"type":        "string",
						"enum":        []string{domain.TokenETH, domain.TokenUSDC},
						"description": "Which token to request, defaults to eth",
					},
				},
				"required": []string{"address"},
			},
		},
		{
			Name:        "send_payment",
			Description: "Send ETH or USDC from one of the user's wallets to a recipient address.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"fromWalletName": map[string]interface{}{
						"type":        "string",
						"description": "Name of the sending wallet",
					},
					"toAddress": map[string]interface{}{
						"type":        "string",
						"description": "Recipient 0x address",
					},
					"amount": map[string]interface{}{
						"type":        "string",
						"description": "Decimal amount to send, e.g. \"0.5\"",
					},
					"token": map[string]interface{}{
						"type": "string",
						"enum": []string{domain.TokenETH, domain.TokenUSDC},
					},
				},
				"required": []string{"fromWalletName", "toAddress", "amount", "token"},
			},
		},
	}
}

// Execute runs the named tool. Argument and execution failures are reported
// inside the JSON result so the model can react to them; only an unknown tool
// name is a hard error.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	var result any
	var err error
	switch name {
	case "create_wallet":
		result, err = r.createWallet(ctx, args)
	case "check_balance":
		result, err = r.checkBalance(ctx, args)
	case "request_faucet":
		result, err = r.requestFaucet(ctx, args)
	case "send_payment":
		result, err = r.sendPayment(ctx, args)
	default:
		return nil, fmt.Errorf("tools: unknown tool %q", name)
	}
	if err != nil {
		result = map[string]any{"success": false, "error": err.Error()}
	}
	encoded, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return nil, fmt.Errorf("tools: encode %s result: %w", name, marshalErr)
	}
	return encoded, nil
}

func (r *Registry) createWallet(ctx context.Context, args map[string]any) (any, error) {
	name, err := stringArg(args, "name")
	if err != nil {
		return nil, err
	}
	account, err := r.custody.GetOrCreateAccount(ctx, name)
	if err != nil {
		return nil, err
	}
	if r.recorder != nil {
		if err := r.recorder.SaveWallet(ctx, &domain.WalletInfo{Name: account.Name, Address: account.Address}); err != nil {
			return nil, err
		}
	}
	return map[string]any{
		"success": true,
		"name":    account.Name,
		"address": account.Address,
	}, nil
}

func (r *Registry) checkBalance(ctx context.Context, args map[string]any) (any, error) {
	address, err := addressArg(args, "address")
	if err != nil {
		return nil, err
	}
	eth, err := r.chain.ETHBalance(ctx, address)
	if err != nil {
		return nil, err
	}
	usdc, err := r.chain.USDCBalance(ctx, address)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"success": true,
		"address": address,
		"eth":     eth.String(),
		"usdc":    usdc.String(),
	}, nil
}

func (r *Registry) requestFaucet(ctx context.Context, args map[string]any) (any, error) {
	address, err := addressArg(args, "address")
	if err != nil {
		return nil, err
	}
	token, err := tokenArg(args, "token", domain.TokenETH)
	if err != nil {
		return nil, err
	}
	funded, err := r.custody.RequestFaucet(ctx, address, token)
	if err != nil {
		return nil, err
	}
	if r.recorder != nil {
		record := &domain.TransactionRecord{
			From:            "faucet",
			To:              address,
			Amount:          "",
			Token:           token,
			TransactionHash: funded.TransactionHash,
			Status:          domain.TxStatusPending,
			ExplorerURL:     chain.TxURL(r.explorerBaseURL, funded.TransactionHash),
		}
		if err := r.recorder.CreateTransaction(ctx, record); err != nil {
			return nil, err
		}
	}
	return map[string]any{
		"success":         true,
		"token":           token,
		"transactionHash": funded.TransactionHash,
		"explorerUrl":     chain.TxURL(r.explorerBaseURL, funded.TransactionHash),
	}, nil
}

func (r *Registry) sendPayment(ctx context.Context, args map[string]any) (any, error) {
	fromName, err := stringArg(args, "fromWalletName")
	if err != nil {
		return nil, err
	}
	to, err := addressArg(args, "toAddress")
	if err != nil {
		return nil, err
	}
	amount, err := stringArg(args, "amount")
	if err != nil {
		return nil, err
	}
	token, err := tokenArg(args, "token", "")
	if err != nil {
		return nil, err
	}

	// Validate the amount before anything leaves this process.
	var baseUnits *big.Int
	if token == domain.TokenETH {
		baseUnits, err = chain.ParseETHWei(amount)
	} else {
		baseUnits, err = chain.ParseUSDCUnits(amount)
	}
	if err != nil {
		return nil, err
	}

	sender, err := r.custody.GetOrCreateAccount(ctx, fromName)
	if err != nil {
		return nil, err
	}
	var sent custody.TransferResult
	if token == domain.TokenETH {
		sent, err = r.custody.SendTransaction(ctx, sender.Name, to, baseUnits)
	} else {
		sent, err = r.custody.TransferToken(ctx, sender.Name, to, token, baseUnits)
	}
	if err != nil {
		return nil, err
	}
	record := &domain.TransactionRecord{
		From:            sender.Address,
		To:              to,
		Amount:          amount,
		Token:           token,
		TransactionHash: sent.TransactionHash,
		Status:          domain.TxStatusPending,
		ExplorerURL:     chain.TxURL(r.explorerBaseURL, sent.TransactionHash),
	}
	if r.recorder != nil {
		if err := r.recorder.CreateTransaction(ctx, record); err != nil {
			return nil, err
		}
	}

	receipt, err := r.chain.WaitForReceipt(ctx, sent.TransactionHash, r.receiptWait)
	if err != nil {
		// Submitted but not yet mined; the background watcher settles it.
		return nil, fmt.Errorf("payment submitted but not confirmed yet (hash %s): %w", sent.TransactionHash, err)
	}
	status := domain.TxStatusConfirmed
	if !receipt.Succeeded() {
		status = domain.TxStatusFailed
	}
	if r.recorder != nil {
		if err := r.recorder.UpdateTransactionStatus(ctx, record.ID, status); err != nil {
			return nil, err
		}
	}
	return map[string]any{
		"success":         receipt.Succeeded(),
		"from":            sender.Address,
		"to":              to,
		"amount":          amount,
		"token":           token,
		"transactionHash": sent.TransactionHash,
		"explorerUrl":     chain.TxURL(r.explorerBaseURL, sent.TransactionHash),
	}, nil
}

func stringArg(args map[string]any, key string) (string, error) {
	raw, ok := args[key]
	if !ok {
		return "", fmt.Errorf("tools: missing required argument %q", key)
	}
	s, ok := raw.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("tools: argument %q must be a non-empty string", key)
	}
	return strings.TrimSpace(s), nil
}

func addressArg(args map[string]any, key string) (string, error) {
	s, err := stringArg(args, key)
	if err != nil {
		return "", err
	}
	if !chain.ValidAddress(s) {
		return "", fmt.Errorf("tools: argument %q is not a valid 0x address", key)
	}
	return s, nil
}

func tokenArg(args map[string]any, key, fallback string) (string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		if fallback != "" {
			return fallback, nil
		}
		return "", fmt.Errorf("tools: missing required argument %q", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("tools: argument %q must be a string", key)
	}
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" && fallback != "" {
		return fallback, nil
	}
	if s != domain.TokenETH && s != domain.TokenUSDC {
		return "", fmt.Errorf("tools: argument %q must be %q or %q", key, domain.TokenETH, domain.TokenUSDC)
	}
	return s, nil
}
