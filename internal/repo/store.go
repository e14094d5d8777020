// Package repo persists wallets and transaction history in SQLite.
package repo

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"payagent/internal/domain"
)

// Store is the persistence surface for wallet and transaction records.
type Store interface {
	// Wallets
	SaveWallet(ctx context.Context, w *domain.WalletInfo) error
	GetWallet(ctx context.Context, name string) (*domain.WalletInfo, error)
	ListWallets(ctx context.Context) ([]*domain.WalletInfo, error)

	// Transactions
	CreateTransaction(ctx context.Context, tx *domain.TransactionRecord) error
	UpdateTransactionStatus(ctx context.Context, id, status string) error
	ListTransactions(ctx context.Context, limit int) ([]*domain.TransactionRecord, error)
	ListPendingTransactions(ctx context.Context) ([]*domain.TransactionRecord, error)

	Close() error
}

type sqliteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS wallets (
    name        TEXT PRIMARY KEY,
    address     TEXT NOT NULL,
    created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS transactions (
    id              TEXT PRIMARY KEY,
    from_address    TEXT NOT NULL,
    to_address      TEXT NOT NULL,
    amount          TEXT NOT NULL,
    token           TEXT NOT NULL,
    tx_hash         TEXT NOT NULL UNIQUE,
    status          TEXT NOT NULL,
    explorer_url    TEXT NOT NULL,
    created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);
`

// NewStore opens (or creates) a SQLite database at dbPath and initializes the
// schema.
func NewStore(dbPath string) (Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("repo: create directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("repo: open database %s: %w", dbPath, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("repo: initialize schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// SaveWallet upserts the wallet by name. The custody service keeps a stable
// name-to-address mapping, so a repeated save with the same name just
// refreshes the address.
func (s *sqliteStore) SaveWallet(ctx context.Context, w *domain.WalletInfo) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wallets (name, address) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET address = excluded.address`,
		w.Name, w.Address)
	if err != nil {
		return fmt.Errorf("repo: save wallet: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetWallet(ctx context.Context, name string) (*domain.WalletInfo, error) {
	w := &domain.WalletInfo{}
	err := s.db.QueryRowContext(ctx,
		`SELECT name, address FROM wallets WHERE name = ?`, name).
		Scan(&w.Name, &w.Address)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("repo: wallet %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("repo: get wallet: %w", err)
	}
	return w, nil
}

func (s *sqliteStore) ListWallets(ctx context.Context) ([]*domain.WalletInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, address FROM wallets ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("repo: list wallets: %w", err)
	}
	defer rows.Close()

	var wallets []*domain.WalletInfo
	for rows.Next() {
		w := &domain.WalletInfo{}
		if err := rows.Scan(&w.Name, &w.Address); err != nil {
			return nil, fmt.Errorf("repo: scan wallet: %w", err)
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

func (s *sqliteStore) CreateTransaction(ctx context.Context, tx *domain.TransactionRecord) error {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (id, from_address, to_address, amount, token, tx_hash, status, explorer_url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.From, tx.To, tx.Amount, tx.Token, tx.TransactionHash, tx.Status, tx.ExplorerURL, tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("repo: create transaction: %w", err)
	}
	return nil
}

func (s *sqliteStore) UpdateTransactionStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("repo: update transaction status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("repo: update transaction status: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("repo: transaction %q not found", id)
	}
	return nil
}

func (s *sqliteStore) ListTransactions(ctx context.Context, limit int) ([]*domain.TransactionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, from_address, to_address, amount, token, tx_hash, status, explorer_url, created_at
		 FROM transactions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("repo: list transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (s *sqliteStore) ListPendingTransactions(ctx context.Context) ([]*domain.TransactionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, from_address, to_address, amount, token, tx_hash, status, explorer_url, created_at
		 FROM transactions WHERE status = ? ORDER BY created_at ASC`, domain.TxStatusPending)
	if err != nil {
		return nil, fmt.Errorf("repo: list pending transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func scanTransactions(rows *sql.Rows) ([]*domain.TransactionRecord, error) {
	var txs []*domain.TransactionRecord
	for rows.Next() {
		tx := &domain.TransactionRecord{}
		if err := rows.Scan(&tx.ID, &tx.From, &tx.To, &tx.Amount, &tx.Token, &tx.TransactionHash,
			&tx.Status, &tx.ExplorerURL, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("repo: scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}
