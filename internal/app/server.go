// Package app wires the HTTP surface: the REST wallet routes, the streaming
// /api/chat endpoint and the background transaction watcher.
package app

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"payagent/internal/chain"
	"payagent/internal/config"
	"payagent/internal/custody"
	"payagent/internal/domain"
	"payagent/internal/observability"
	"payagent/internal/repo"
	"payagent/internal/runner"
	agentservice "payagent/internal/service/agent"
	"payagent/internal/tools"
)

const version = "0.1.0"

// custodyBackend is the slice of the custody client the handlers use. It is a
// superset of tools.CustodyService so one fake serves both in tests.
type custodyBackend interface {
	GetOrCreateAccount(ctx context.Context, name string) (custody.Account, error)
	RequestFaucet(ctx context.Context, address, token string) (custody.FaucetResult, error)
	SendTransaction(ctx context.Context, fromName, to string, valueWei *big.Int) (custody.TransferResult, error)
	TransferToken(ctx context.Context, fromName, to, token string, amountUnits *big.Int) (custody.TransferResult, error)
}

type chainBackend interface {
	ETHBalance(ctx context.Context, address string) (decimal.Decimal, error)
	USDCBalance(ctx context.Context, address string) (decimal.Decimal, error)
	TransactionReceipt(ctx context.Context, hash string) (*chain.Receipt, error)
	WaitForReceipt(ctx context.Context, hash string, maxWait time.Duration) (*chain.Receipt, error)
}

type Server struct {
	cfg     config.Config
	store   repo.Store
	custody custodyBackend
	chain   chainBackend
	tools   *tools.Registry
	agent   *agentservice.Service

	watcher   *cron.Cron
	closeOnce sync.Once
}

func NewServer(cfg config.Config) (*Server, error) {
	store, err := repo.NewStore(filepath.Join(cfg.DataDir, "payagent.db"))
	if err != nil {
		return nil, err
	}
	custodyClient := custody.NewClient(custody.Config{
		BaseURL:      cfg.CustodyBaseURL,
		APIKeyID:     cfg.CustodyAPIKeyID,
		APIKeySecret: cfg.CustodyAPIKeySecret,
		WalletSecret: cfg.CustodyWalletSecret,
		Network:      cfg.Network,
	})
	chainClient := chain.NewClient(cfg.RPCURL, cfg.USDCAddress)
	srv := newServer(cfg, store, custodyClient, chainClient)
	if err := srv.startTxWatcher(); err != nil {
		_ = store.Close()
		return nil, err
	}
	return srv, nil
}

// newServer assembles a Server without starting the watcher. Tests call it
// with fakes and drive settlement directly.
func newServer(cfg config.Config, store repo.Store, custodySvc custodyBackend, chainSvc chainBackend) *Server {
	registry := tools.NewRegistry(custodySvc, chainSvc, store, cfg.ExplorerBaseURL)
	return &Server{
		cfg:     cfg,
		store:   store,
		custody: custodySvc,
		chain:   chainSvc,
		tools:   registry,
		agent: agentservice.NewService(agentservice.Dependencies{
			Runner: runner.New(),
			Tools:  registry,
		}),
	}
}

func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.watcher != nil {
			<-s.watcher.Stop().Done()
		}
		_ = s.store.Close()
	})
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(cors)

	r.Get("/version", s.handleVersion)
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(api chi.Router) {
		api.Use(observability.APIKey(s.cfg.APIKey))

		api.Route("/api", func(r chi.Router) {
			r.Post("/wallet", s.createWallet)
			r.Get("/wallets", s.listWallets)
			r.Get("/balance", s.getBalance)
			r.Post("/faucet", s.requestFaucet)
			r.Post("/transfer", s.sendTransfer)
			r.Get("/transactions", s.listTransactions)
			r.Post("/chat", s.handleChat)
		})
	})

	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-Request-Id,X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": version})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func writeErr(w http.ResponseWriter, code int, errCode, message string, details interface{}) {
	writeJSON(w, code, domain.APIErrorBody{Error: domain.APIError{Code: errCode, Message: message, Details: details}})
}

// writeAPIOK and writeAPIErr use the {success, data | error} envelope of the
// wallet REST routes.
func writeAPIOK(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, domain.APIResponse{Success: true, Data: data})
}

func writeAPIErr(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, domain.APIResponse{Success: false, Error: message})
}
