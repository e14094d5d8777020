package app

import (
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"payagent/internal/chain"
	"payagent/internal/domain"
)

// receiptWait bounds how long a REST handler blocks on confirmation before
// handing the transaction to the background watcher.
const receiptWait = 60 * time.Second

type createWalletRequest struct {
	Name string `json:"name"`
}

func (s *Server) createWallet(w http.ResponseWriter, r *http.Request) {
	var req createWalletRequest
	_ = decodeJSONBody(r, &req)
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = fmt.Sprintf("agent-wallet-%d", time.Now().UnixMilli())
	}

	account, err := s.custody.GetOrCreateAccount(r.Context(), name)
	if err != nil {
		writeAPIErr(w, http.StatusBadGateway, err.Error())
		return
	}
	wallet := domain.WalletInfo{Name: account.Name, Address: account.Address}
	if err := s.store.SaveWallet(r.Context(), &wallet); err != nil {
		writeAPIErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeAPIOK(w, wallet)
}

func (s *Server) listWallets(w http.ResponseWriter, r *http.Request) {
	wallets, err := s.store.ListWallets(r.Context())
	if err != nil {
		writeAPIErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeAPIOK(w, wallets)
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if address == "" {
		writeAPIErr(w, http.StatusBadRequest, "Address is required")
		return
	}
	if !chain.ValidAddress(address) {
		writeAPIErr(w, http.StatusBadRequest, fmt.Sprintf("invalid address %q", address))
		return
	}

	eth, err := s.chain.ETHBalance(r.Context(), address)
	if err != nil {
		writeAPIErr(w, http.StatusBadGateway, err.Error())
		return
	}
	// A missing USDC contract reads as zero, matching a fresh testnet wallet.
	usdc, err := s.chain.USDCBalance(r.Context(), address)
	if err != nil {
		usdc = decimal.Zero
	}
	writeAPIOK(w, domain.BalanceInfo{ETH: eth.String(), USDC: usdc.StringFixed(6)})
}

type faucetRequest struct {
	Address string `json:"address"`
	Token   string `json:"token"`
}

type settledTxResponse struct {
	TransactionHash string `json:"transactionHash"`
	From            string `json:"from,omitempty"`
	To              string `json:"to,omitempty"`
	Amount          string `json:"amount,omitempty"`
	Token           string `json:"token,omitempty"`
	Status          string `json:"status"`
	ExplorerURL     string `json:"explorerUrl"`
}

func (s *Server) requestFaucet(w http.ResponseWriter, r *http.Request) {
	var req faucetRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeAPIErr(w, http.StatusBadRequest, err.Error())
		return
	}
	address := strings.TrimSpace(req.Address)
	if address == "" {
		writeAPIErr(w, http.StatusBadRequest, "Address is required")
		return
	}
	if !chain.ValidAddress(address) {
		writeAPIErr(w, http.StatusBadRequest, fmt.Sprintf("invalid address %q", address))
		return
	}
	token := strings.ToLower(strings.TrimSpace(req.Token))
	if token == "" {
		token = domain.TokenETH
	}
	if token != domain.TokenETH && token != domain.TokenUSDC {
		writeAPIErr(w, http.StatusBadRequest, fmt.Sprintf("Unsupported token: %s", token))
		return
	}

	funded, err := s.custody.RequestFaucet(r.Context(), address, token)
	if err != nil {
		writeAPIErr(w, http.StatusBadGateway, err.Error())
		return
	}
	record := &domain.TransactionRecord{
		From:            "faucet",
		To:              address,
		Token:           token,
		TransactionHash: funded.TransactionHash,
		Status:          domain.TxStatusPending,
		ExplorerURL:     chain.TxURL(s.cfg.ExplorerBaseURL, funded.TransactionHash),
	}
	if err := s.store.CreateTransaction(r.Context(), record); err != nil {
		writeAPIErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := s.settleReceipt(r, record)
	writeAPIOK(w, settledTxResponse{
		TransactionHash: funded.TransactionHash,
		Status:          status,
		ExplorerURL:     record.ExplorerURL,
	})
}

type transferRequest struct {
	FromName string `json:"fromName"`
	To       string `json:"to"`
	Amount   string `json:"amount"`
	Token    string `json:"token"`
}

func (s *Server) sendTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeAPIErr(w, http.StatusBadRequest, err.Error())
		return
	}
	fromName := strings.TrimSpace(req.FromName)
	to := strings.TrimSpace(req.To)
	amount := strings.TrimSpace(req.Amount)
	if fromName == "" || to == "" || amount == "" {
		writeAPIErr(w, http.StatusBadRequest, "fromName, to, and amount are required")
		return
	}
	if !chain.ValidAddress(to) {
		writeAPIErr(w, http.StatusBadRequest, fmt.Sprintf("invalid address %q", to))
		return
	}
	token := strings.ToLower(strings.TrimSpace(req.Token))
	if token == "" {
		token = domain.TokenETH
	}

	var baseUnits *big.Int
	var err error
	switch token {
	case domain.TokenETH:
		baseUnits, err = chain.ParseETHWei(amount)
	case domain.TokenUSDC:
		baseUnits, err = chain.ParseUSDCUnits(amount)
	default:
		writeAPIErr(w, http.StatusBadRequest, fmt.Sprintf("Unsupported token: %s", token))
		return
	}
	if err != nil {
		writeAPIErr(w, http.StatusBadRequest, err.Error())
		return
	}

	sender, err := s.custody.GetOrCreateAccount(r.Context(), fromName)
	if err != nil {
		writeAPIErr(w, http.StatusBadGateway, err.Error())
		return
	}
	var sent string
	if token == domain.TokenETH {
		result, sendErr := s.custody.SendTransaction(r.Context(), sender.Name, to, baseUnits)
		if sendErr != nil {
			writeAPIErr(w, http.StatusBadGateway, sendErr.Error())
			return
		}
		sent = result.TransactionHash
	} else {
		result, sendErr := s.custody.TransferToken(r.Context(), sender.Name, to, token, baseUnits)
		if sendErr != nil {
			writeAPIErr(w, http.StatusBadGateway, sendErr.Error())
			return
		}
		sent = result.TransactionHash
	}

	record := &domain.TransactionRecord{
		From:            sender.Address,
		To:              to,
		Amount:          amount,
		Token:           token,
		TransactionHash: sent,
		Status:          domain.TxStatusPending,
		ExplorerURL:     chain.TxURL(s.cfg.ExplorerBaseURL, sent),
	}
	if err := s.store.CreateTransaction(r.Context(), record); err != nil {
		writeAPIErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := s.settleReceipt(r, record)
	writeAPIOK(w, settledTxResponse{
		TransactionHash: sent,
		From:            sender.Address,
		To:              to,
		Amount:          amount,
		Token:           token,
		Status:          status,
		ExplorerURL:     record.ExplorerURL,
	})
}

// settleReceipt waits for the recorded transaction to land and persists its
// final status. If the receipt does not arrive in time the record stays
// pending for the background watcher and "pending" is returned.
func (s *Server) settleReceipt(r *http.Request, record *domain.TransactionRecord) string {
	receipt, err := s.chain.WaitForReceipt(r.Context(), record.TransactionHash, receiptWait)
	if err != nil {
		return domain.TxStatusPending
	}
	status := domain.TxStatusConfirmed
	if !receipt.Succeeded() {
		status = domain.TxStatusFailed
	}
	if err := s.store.UpdateTransactionStatus(r.Context(), record.ID, status); err != nil {
		return domain.TxStatusPending
	}
	return status
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeAPIErr(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}
	txs, err := s.store.ListTransactions(r.Context(), limit)
	if err != nil {
		writeAPIErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeAPIOK(w, txs)
}
