package agent

import (
	"fmt"
	"strings"

	"payagent/internal/domain"
	"payagent/internal/runner"
)

// BuildSystemPrompt renders the assistant instructions with the user's wallet
// state first, so the model cannot miss it.
func BuildSystemPrompt(wallets []domain.WalletInfo, connectedAddress string) string {
	var walletSection strings.Builder
	if connectedAddress != "" {
		fmt.Fprintf(&walletSection, "Connected browser wallet: %s\n", connectedAddress)
	}
	if len(wallets) > 0 {
		walletSection.WriteString("Agent wallets:\n")
		lines := make([]string, 0, len(wallets))
		for _, w := range wallets {
			lines = append(lines, fmt.Sprintf("- %q: %s", w.Name, w.Address))
		}
		walletSection.WriteString(strings.Join(lines, "\n"))
	} else {
		walletSection.WriteString("Agent wallets: none yet")
	}

	return fmt.Sprintf(`You are PayAgent, an AI payment assistant on Base Sepolia testnet.

=== USER'S WALLETS (you know this) ===
%s
=== END WALLETS ===

When the user asks "what wallets do I have", "my address", "my wallet", or similar, answer using the wallet info above. Never say you don't have this info.

Tools available:
- create_wallet: Create a new agent wallet
- check_balance: Check ETH and USDC balance of a wallet
- send_payment: Send ETH or USDC from an agent wallet to any address
- request_faucet: Get testnet ETH or USDC from the faucet

Guidelines:
- Be concise and friendly. Use short responses.
- Always confirm the details before sending a payment (amount, token, recipient).
- When showing addresses, abbreviate them (0x1234...abcd).
- When a user says "send X to Y", figure out which wallet to send from. If they only have one wallet, use that. If multiple, ask which one.
- Proactively suggest getting faucet funds if a wallet has zero balance.
- After successful transactions, share the BaseScan explorer link.
- You work on Base Sepolia testnet - remind users this is testnet if they seem confused about real funds.
- Format currency amounts nicely (e.g., "0.001 ETH", "5.00 USDC").`, walletSection.String())
}

// buildWalletContext renders the hidden context prefix injected into the
// first user message. Some proxies strip or ignore system messages; repeating
// the wallet state inline keeps the model informed either way.
func buildWalletContext(wallets []domain.WalletInfo, connectedAddress string) string {
	var out strings.Builder
	if connectedAddress != "" {
		fmt.Fprintf(&out, "[Context: User's connected browser wallet is %s] ", connectedAddress)
	}
	if len(wallets) > 0 {
		entries := make([]string, 0, len(wallets))
		for _, w := range wallets {
			entries = append(entries, fmt.Sprintf("%q: %s", w.Name, w.Address))
		}
		fmt.Fprintf(&out, "[Context: User's agent wallets are: %s] ", strings.Join(entries, ", "))
	}
	return out.String()
}

// buildConversation converts the UI messages into provider messages, prefixed
// with the system prompt. The wallet context is additionally injected at the
// front of the first user message's text.
func buildConversation(req domain.ChatRequest) []runner.Message {
	out := make([]runner.Message, 0, len(req.Messages)+1)
	out = append(out, runner.Message{
		Role:    "system",
		Content: BuildSystemPrompt(req.Wallets, req.ConnectedAddress),
	})

	walletContext := buildWalletContext(req.Wallets, req.ConnectedAddress)
	contextInjected := walletContext == ""

	for _, msg := range req.Messages {
		var text strings.Builder
		var toolParts []domain.MessagePart
		for _, part := range msg.Parts {
			switch part.Type {
			case domain.PartText:
				text.WriteString(part.Text)
			case domain.PartToolCall, domain.PartToolResult:
				toolParts = append(toolParts, part)
			}
		}

		content := text.String()
		if !contextInjected && msg.Role == "user" && strings.TrimSpace(content) != "" {
			content = walletContext + content
			contextInjected = true
		}

		switch msg.Role {
		case "assistant":
			assistant := runner.Message{Role: "assistant", Content: content}
			var results []runner.Message
			for _, part := range toolParts {
				assistant.ToolCalls = append(assistant.ToolCalls, runner.AssistantToolCall{
					ID:        part.ToolCallID,
					Name:      part.ToolName,
					Arguments: string(part.Input),
				})
				if len(part.Output) > 0 {
					results = append(results, runner.Message{
						Role:       "tool",
						Content:    string(part.Output),
						ToolCallID: part.ToolCallID,
						Name:       part.ToolName,
					})
				}
			}
			if strings.TrimSpace(assistant.Content) != "" || len(assistant.ToolCalls) > 0 {
				out = append(out, assistant)
			}
			out = append(out, results...)
		default:
			if strings.TrimSpace(content) == "" {
				continue
			}
			out = append(out, runner.Message{Role: msg.Role, Content: content})
		}
	}
	return out
}
