package tools

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"payagent/internal/chain"
	"payagent/internal/custody"
	"payagent/internal/domain"
)

const (
	explorerBase = "https://sepolia.basescan.org"
	senderAddr   = "0x1111111111111111111111111111111111111111"
	recipient    = "0x2222222222222222222222222222222222222222"
)

type fakeCustody struct {
	accounts      map[string]string
	faucetCalls   int
	transferCalls int
	sendCalls     int
	lastAmount    *big.Int
}

func (f *fakeCustody) GetOrCreateAccount(ctx context.Context, name string) (custody.Account, error) {
	addr, ok := f.accounts[name]
	if !ok {
		addr = senderAddr
	}
	return custody.Account{Name: name, Address: addr}, nil
}

func (f *fakeCustody) RequestFaucet(ctx context.Context, address, token string) (custody.FaucetResult, error) {
	f.faucetCalls++
	return custody.FaucetResult{TransactionHash: "0xfaucet"}, nil
}

func (f *fakeCustody) SendTransaction(ctx context.Context, fromName, to string, valueWei *big.Int) (custody.TransferResult, error) {
	f.sendCalls++
	f.lastAmount = valueWei
	return custody.TransferResult{TransactionHash: "0xsendtx"}, nil
}

func (f *fakeCustody) TransferToken(ctx context.Context, fromName, to, token string, amountUnits *big.Int) (custody.TransferResult, error) {
	f.transferCalls++
	f.lastAmount = amountUnits
	return custody.TransferResult{TransactionHash: "0xtokentx"}, nil
}

type fakeChain struct {
	receiptStatus string
}

func (f *fakeChain) ETHBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	return decimal.RequireFromString("1.5"), nil
}

func (f *fakeChain) USDCBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	return decimal.RequireFromString("10"), nil
}

func (f *fakeChain) WaitForReceipt(ctx context.Context, hash string, maxWait time.Duration) (*chain.Receipt, error) {
	status := f.receiptStatus
	if status == "" {
		status = "0x1"
	}
	return &chain.Receipt{TransactionHash: hash, Status: status}, nil
}

type fakeRecorder struct {
	wallets  []*domain.WalletInfo
	txs      []*domain.TransactionRecord
	statuses map[string]string
}

func (f *fakeRecorder) SaveWallet(ctx context.Context, w *domain.WalletInfo) error {
	f.wallets = append(f.wallets, w)
	return nil
}

func (f *fakeRecorder) CreateTransaction(ctx context.Context, tx *domain.TransactionRecord) error {
	tx.ID = "tx-1"
	f.txs = append(f.txs, tx)
	return nil
}

func (f *fakeRecorder) UpdateTransactionStatus(ctx context.Context, id, status string) error {
	if f.statuses == nil {
		f.statuses = map[string]string{}
	}
	f.statuses[id] = status
	return nil
}

func newTestRegistry() (*Registry, *fakeCustody, *fakeRecorder) {
	fc := &fakeCustody{accounts: map[string]string{"alice": senderAddr}}
	fr := &fakeRecorder{}
	return NewRegistry(fc, &fakeChain{}, fr, explorerBase), fc, fr
}

func execute(t *testing.T, r *Registry, name string, args map[string]any) map[string]any {
	t.Helper()
	raw, err := r.Execute(context.Background(), name, args)
	if err != nil {
		t.Fatalf("Execute(%s): %v", name, err)
	}
	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode %s result: %v", name, err)
	}
	return result
}

func TestCreateWallet(t *testing.T) {
	t.Parallel()
	r, _, fr := newTestRegistry()
	result := execute(t, r, "create_wallet", map[string]any{"name": "alice"})
	if result["success"] != true || result["name"] != "alice" || result["address"] != senderAddr {
		t.Fatalf("unexpected result: %v", result)
	}
	if len(fr.wallets) != 1 || fr.wallets[0].Name != "alice" {
		t.Fatalf("wallet not persisted: %+v", fr.wallets)
	}
}

func TestCreateWalletMissingName(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry()
	result := execute(t, r, "create_wallet", map[string]any{})
	if result["success"] != false {
		t.Fatalf("missing name should fail in the result: %v", result)
	}
	if !strings.Contains(result["error"].(string), "name") {
		t.Fatalf("error should mention the argument: %v", result["error"])
	}
}

func TestCheckBalance(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry()
	result := execute(t, r, "check_balance", map[string]any{"address": senderAddr})
	if result["eth"] != "1.5" || result["usdc"] != "10" {
		t.Fatalf("unexpected balances: %v", result)
	}
}

func TestCheckBalanceRejectsBadAddress(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry()
	result := execute(t, r, "check_balance", map[string]any{"address": "0x123"})
	if result["success"] != false {
		t.Fatalf("bad address should fail: %v", result)
	}
}

func TestRequestFaucetDefaultsToETH(t *testing.T) {
	t.Parallel()
	r, fc, _ := newTestRegistry()
	result := execute(t, r, "request_faucet", map[string]any{"address": senderAddr})
	if result["token"] != domain.TokenETH {
		t.Fatalf("default token should be eth: %v", result)
	}
	if fc.faucetCalls != 1 {
		t.Fatalf("faucet not called: %d", fc.faucetCalls)
	}
	if result["explorerUrl"] != explorerBase+"/tx/0xfaucet" {
		t.Fatalf("explorer url: %v", result["explorerUrl"])
	}
}

func TestSendPaymentUSDC(t *testing.T) {
	t.Parallel()
	r, fc, fr := newTestRegistry()
	result := execute(t, r, "send_payment", map[string]any{
		"fromWalletName": "alice",
		"toAddress":      recipient,
		"amount":         "1.5",
		"token":          "usdc",
	})
	if result["success"] != true {
		t.Fatalf("unexpected result: %v", result)
	}
	if fc.transferCalls != 1 || fc.lastAmount.Int64() != 1_500_000 {
		t.Fatalf("token transfer: calls=%d amount=%v", fc.transferCalls, fc.lastAmount)
	}
	if result["transactionHash"] != "0xtokentx" || result["from"] != senderAddr || result["to"] != recipient {
		t.Fatalf("unexpected result: %v", result)
	}
	if fr.statuses["tx-1"] != domain.TxStatusConfirmed {
		t.Fatalf("transaction not confirmed: %v", fr.statuses)
	}
}

func TestSendPaymentETHParsesWei(t *testing.T) {
	t.Parallel()
	r, fc, _ := newTestRegistry()
	result := execute(t, r, "send_payment", map[string]any{
		"fromWalletName": "alice",
		"toAddress":      recipient,
		"amount":         "0.5",
		"token":          "eth",
	})
	if result["success"] != true {
		t.Fatalf("unexpected result: %v", result)
	}
	if fc.sendCalls != 1 {
		t.Fatalf("sendCalls=%d", fc.sendCalls)
	}
	if fc.lastAmount.String() != "500000000000000000" {
		t.Fatalf("wei amount=%s", fc.lastAmount)
	}
}

func TestSendPaymentRejectsBadAmountBeforeCustody(t *testing.T) {
	t.Parallel()
	r, fc, _ := newTestRegistry()
	result := execute(t, r, "send_payment", map[string]any{
		"fromWalletName": "alice",
		"toAddress":      recipient,
		"amount":         "abc",
		"token":          "usdc",
	})
	if result["success"] != false {
		t.Fatalf("bad amount should fail: %v", result)
	}
	if fc.transferCalls != 0 && fc.sendCalls != 0 {
		t.Fatal("custody should not be reached with an invalid amount")
	}
}

func TestSendPaymentFailedReceipt(t *testing.T) {
	t.Parallel()
	fc := &fakeCustody{accounts: map[string]string{"alice": senderAddr}}
	fr := &fakeRecorder{}
	r := NewRegistry(fc, &fakeChain{receiptStatus: "0x0"}, fr, explorerBase)
	result := execute(t, r, "send_payment", map[string]any{
		"fromWalletName": "alice",
		"toAddress":      recipient,
		"amount":         "1",
		"token":          "usdc",
	})
	if result["success"] != false {
		t.Fatalf("reverted payment should report success=false: %v", result)
	}
	if fr.statuses["tx-1"] != domain.TxStatusFailed {
		t.Fatalf("transaction should be marked failed: %v", fr.statuses)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry()
	if _, err := r.Execute(context.Background(), "delete_everything", nil); err == nil {
		t.Fatal("unknown tool should be a hard error")
	}
}

func TestDefinitionsCoverAllTools(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry()
	defs := r.Definitions()
	want := map[string]bool{"create_wallet": false, "check_balance": false, "request_faucet": false, "send_payment": false}
	for _, def := range defs {
		if _, ok := want[def.Name]; !ok {
			t.Fatalf("unexpected tool %q", def.Name)
		}
		want[def.Name] = true
		if def.Parameters["type"] != "object" {
			t.Fatalf("tool %q parameters should be an object schema", def.Name)
		}
	}
	for name, seen := range want {
		if !seen {
			t.Fatalf("tool %q missing from definitions", name)
		}
	}
}
