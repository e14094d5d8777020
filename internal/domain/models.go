package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	TokenETH  = "eth"
	TokenUSDC = "usdc"

	TxStatusPending   = "pending"
	TxStatusConfirmed = "confirmed"
	TxStatusFailed    = "failed"
)

type APIErrorBody struct {
	Error APIError `json:"error"`
}

type APIError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// APIResponse is the REST envelope shared by the wallet, balance, faucet and
// transfer routes.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type WalletInfo struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type TransactionRecord struct {
	ID              string    `json:"id"`
	From            string    `json:"from"`
	To              string    `json:"to"`
	Amount          string    `json:"amount"`
	Token           string    `json:"token"`
	TransactionHash string    `json:"transactionHash"`
	Status          string    `json:"status"`
	ExplorerURL     string    `json:"explorerUrl"`
	CreatedAt       time.Time `json:"createdAt"`
}

type BalanceInfo struct {
	ETH  string `json:"eth"`
	USDC string `json:"usdc"`
}

const (
	PartText       = "text"
	PartToolCall   = "tool-call"
	PartToolResult = "tool-result"
)

// MessagePart is a closed tagged variant over the part kinds a chat message may
// carry. Type selects which of the remaining fields are meaningful.
type MessagePart struct {
	Type string `json:"type"`

	// PartText
	Text string `json:"text,omitempty"`

	// PartToolCall / PartToolResult
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
}

func (p MessagePart) Validate() error {
	switch p.Type {
	case PartText:
		return nil
	case PartToolCall, PartToolResult:
		if strings.TrimSpace(p.ToolCallID) == "" {
			return fmt.Errorf("part %q requires toolCallId", p.Type)
		}
		return nil
	default:
		return fmt.Errorf("unknown message part type %q", p.Type)
	}
}

type UIMessage struct {
	ID    string        `json:"id,omitempty"`
	Role  string        `json:"role"`
	Parts []MessagePart `json:"parts"`
}

func (m UIMessage) Validate() error {
	switch m.Role {
	case "user", "assistant", "system":
	default:
		return fmt.Errorf("unknown message role %q", m.Role)
	}
	if len(m.Parts) == 0 {
		return fmt.Errorf("message has no parts")
	}
	for i, part := range m.Parts {
		if err := part.Validate(); err != nil {
			return fmt.Errorf("part[%d]: %w", i, err)
		}
	}
	return nil
}

// FirstText returns the first text part, if any.
func (m UIMessage) FirstText() (string, bool) {
	for _, part := range m.Parts {
		if part.Type == PartText {
			return part.Text, true
		}
	}
	return "", false
}

// ChatRequest is the body accepted by POST /api/chat.
type ChatRequest struct {
	Messages         []UIMessage  `json:"messages"`
	Wallets          []WalletInfo `json:"wallets,omitempty"`
	ConnectedAddress string       `json:"connectedAddress,omitempty"`
}
