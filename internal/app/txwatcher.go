package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"payagent/internal/chain"
	"payagent/internal/domain"
)

const txWatcherSchedule = "@every 30s"

// startTxWatcher schedules the pending-transaction settlement job. Faucet and
// transfer handlers give up on a receipt after receiptWait; this job picks
// those records up and settles them once the chain catches up.
func (s *Server) startTxWatcher() error {
	c := cron.New()
	if _, err := c.AddFunc(txWatcherSchedule, s.settlePendingTransactions); err != nil {
		return err
	}
	c.Start()
	s.watcher = c
	return nil
}

func (s *Server) settlePendingTransactions() {
	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer cancel()

	pending, err := s.store.ListPendingTransactions(ctx)
	if err != nil {
		log.Printf("tx watcher: list pending failed: %v", err)
		return
	}
	for _, tx := range pending {
		receipt, err := s.chain.TransactionReceipt(ctx, tx.TransactionHash)
		if errors.Is(err, chain.ErrReceiptNotFound) {
			continue
		}
		if err != nil {
			log.Printf("tx watcher: receipt %s failed: %v", tx.TransactionHash, err)
			continue
		}
		status := domain.TxStatusConfirmed
		if !receipt.Succeeded() {
			status = domain.TxStatusFailed
		}
		if err := s.store.UpdateTransactionStatus(ctx, tx.ID, status); err != nil {
			log.Printf("tx watcher: settle %s failed: %v", tx.ID, err)
		}
	}
}
