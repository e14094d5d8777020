package config

import (
	"os"
	"strings"
)

const (
	// USDC contract on Base Sepolia.
	DefaultUSDCAddress = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"

	DefaultNetwork = "base-sepolia"
)

type Config struct {
	Host    string
	Port    string
	DataDir string

	// Optional API key gating the /api routes. Empty disables auth.
	APIKey string

	// Model provider (chat-completions proxy).
	ProviderBaseURL   string
	ProviderAuthToken string
	Model             string

	// Wallet custody service.
	CustodyBaseURL      string
	CustodyAPIKeyID     string
	CustodyAPIKeySecret string
	CustodyWalletSecret string

	// Chain RPC.
	RPCURL          string
	USDCAddress     string
	ExplorerBaseURL string
	Network         string
}

func Load() Config {
	host := getenv("PAYAGENT_HOST", "127.0.0.1")
	port := getenv("PAYAGENT_PORT", "8080")
	dataDir := getenv("PAYAGENT_DATA_DIR", ".data")
	apiKey := strings.TrimSpace(os.Getenv("PAYAGENT_API_KEY"))

	providerBaseURL := strings.TrimRight(strings.TrimSpace(os.Getenv("ANTHROPIC_BASE_URL")), "/")
	providerAuthToken := strings.TrimSpace(os.Getenv("ANTHROPIC_AUTH_TOKEN"))
	model := getenv("PAYAGENT_MODEL", "claude-sonnet-4-20250514")

	custodyBaseURL := strings.TrimRight(getenv("CDP_BASE_URL", "https://api.cdp.coinbase.com"), "/")
	custodyAPIKeyID := strings.TrimSpace(os.Getenv("CDP_API_KEY_ID"))
	custodyAPIKeySecret := strings.TrimSpace(os.Getenv("CDP_API_KEY_SECRET"))
	custodyWalletSecret := strings.TrimSpace(os.Getenv("CDP_WALLET_SECRET"))

	rpcURL := getenv("PAYAGENT_RPC_URL", "https://sepolia.base.org")
	usdcAddress := getenv("PAYAGENT_USDC_ADDRESS", DefaultUSDCAddress)
	explorerBaseURL := strings.TrimRight(getenv("PAYAGENT_EXPLORER_BASE_URL", "https://sepolia.basescan.org"), "/")
	network := getenv("PAYAGENT_NETWORK", DefaultNetwork)

	return Config{
		Host:                host,
		Port:                port,
		DataDir:             dataDir,
		APIKey:              apiKey,
		ProviderBaseURL:     providerBaseURL,
		ProviderAuthToken:   providerAuthToken,
		Model:               model,
		CustodyBaseURL:      custodyBaseURL,
		CustodyAPIKeyID:     custodyAPIKeyID,
		CustodyAPIKeySecret: custodyAPIKeySecret,
		CustodyWalletSecret: custodyWalletSecret,
		RPCURL:              rpcURL,
		USDCAddress:         usdcAddress,
		ExplorerBaseURL:     explorerBaseURL,
		Network:             network,
	}
}

// HasProviderCredentials reports whether the chat endpoint can reach the model
// provider at all. A chat request without credentials fails before any
// streaming starts.
func (c Config) HasProviderCredentials() bool {
	return c.ProviderBaseURL != "" && c.ProviderAuthToken != ""
}

func (c Config) HasCustodyCredentials() bool {
	return c.CustodyAPIKeyID != "" && c.CustodyAPIKeySecret != "" && c.CustodyWalletSecret != ""
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
