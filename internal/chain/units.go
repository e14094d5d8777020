package chain

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// USDCDecimals is the decimal precision of the USDC token contract.
	USDCDecimals = 6
	// ETHDecimals is the wei precision of the native token.
	ETHDecimals = 18
)

var (
	addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	txHashPattern  = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

// ValidAddress reports whether s is a 0x-prefixed 20-byte hex address.
func ValidAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// ValidTxHash reports whether s is a 0x-prefixed 32-byte hex hash.
func ValidTxHash(s string) bool {
	return txHashPattern.MatchString(s)
}

// ParseUSDCUnits converts a decimal amount string ("1.5") into USDC base
// units. The conversion is exact: more than six fractional digits, a negative
// amount, or a non-numeric string is an error, never a rounded value.
func ParseUSDCUnits(amount string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, fmt.Errorf("chain: parse amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("chain: amount %q is negative", amount)
	}
	shifted := d.Shift(USDCDecimals)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("chain: amount %q has more than %d decimal places", amount, USDCDecimals)
	}
	return shifted.BigInt(), nil
}

// ParseETHWei converts a decimal ETH amount string into wei, with the same
// exactness rules as ParseUSDCUnits.
func ParseETHWei(amount string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, fmt.Errorf("chain: parse amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("chain: amount %q is negative", amount)
	}
	shifted := d.Shift(ETHDecimals)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("chain: amount %q has more than %d decimal places", amount, ETHDecimals)
	}
	return shifted.BigInt(), nil
}

// FormatUSDCUnits renders USDC base units as a decimal string without
// trailing zeros ("1500000" -> "1.5").
func FormatUSDCUnits(units *big.Int) string {
	return decimal.NewFromBigInt(units, -USDCDecimals).String()
}

// FormatWei renders wei as a decimal ETH string.
func FormatWei(wei *big.Int) string {
	return decimal.NewFromBigInt(wei, -ETHDecimals).String()
}

// TxURL builds a block-explorer link for a transaction hash.
func TxURL(explorerBaseURL, hash string) string {
	return strings.TrimRight(explorerBaseURL, "/") + "/tx/" + hash
}

func parseHexBig(s string) (*big.Int, error) {
	trimmed := strings.TrimPrefix(s, "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("chain: empty hex quantity %q", s)
	}
	n, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return nil, fmt.Errorf("chain: malformed hex quantity %q", s)
	}
	return n, nil
}
