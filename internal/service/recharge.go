package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/punchamoorthee/pointledger/internal/domain"
	"go.uber.org/zap"
)

// RechargeService credits purchased points and applies admin corrections.
type RechargeService struct {
	ledger Ledger
	log    *zap.Logger
}

func NewRechargeService(ledger Ledger, log *zap.Logger) *RechargeService {
	if log == nil {
		log = zap.NewNop()
	}
	return &RechargeService{ledger: ledger, log: log.Named("recharge")}
}

// ApplyRecharge credits amount points. An empty reason records "recharge".
func (s *RechargeService) ApplyRecharge(ctx context.Context, accountID string, amount int64, reason string) (domain.RechargeResult, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.RechargeResult{}, domain.ErrAccountNotFound
	}
	if amount <= 0 {
		return domain.RechargeResult{}, domain.ErrInvalidAmount
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = domain.ReasonRecharge
	}

	change, err := s.ledger.Apply(ctx, accountID, func(int64) ([]domain.LedgerEntry, error) {
		return []domain.LedgerEntry{{Delta: amount, Reason: reason}}, nil
	})
	if err != nil {
		return domain.RechargeResult{}, err
	}

	ledgerID := change.Entries[0].ID
	s.log.Info("recharge applied",
		zap.String("account_id", accountID),
		zap.String("ledger_id", ledgerID),
		zap.String("reason", reason),
		zap.Int64("amount", amount),
		zap.Int64("balance", change.Current))

	return domain.RechargeResult{OK: true, Amount: amount, Balance: change.Current, LedgerID: ledgerID}, nil
}

// RechargeReason builds the ledger reason for a recharge with an optional memo.
func RechargeReason(memo string) string {
	memo = strings.TrimSpace(memo)
	if memo == "" {
		return domain.ReasonRecharge
	}
	return domain.ReasonRecharge + ":" + memo
}

func (s *RechargeService) SetBalance(ctx context.Context, accountID string, target int64) (domain.BalanceChange, error) {
	return s.UpdateBalance(ctx, accountID, domain.BalanceUpdate{Set: &target})
}

func (s *RechargeService) AdjustBalance(ctx context.Context, accountID string, delta int64) (domain.BalanceChange, error) {
	return s.UpdateBalance(ctx, accountID, domain.BalanceUpdate{Adjust: &delta})
}

// UpdateBalance applies an admin set and/or adjust in one unit. The set is
// logged as the difference to the current balance and applied first; zero
// differences write no entry.
func (s *RechargeService) UpdateBalance(ctx context.Context, accountID string, u domain.BalanceUpdate) (domain.BalanceChange, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.BalanceChange{}, domain.ErrAccountNotFound
	}
	if u.Set == nil && u.Adjust == nil {
		return domain.BalanceChange{}, fmt.Errorf("%w: set_balance or adjust_balance is required", domain.ErrInvalidInput)
	}

	change, err := s.ledger.Apply(ctx, accountID, func(balance int64) ([]domain.LedgerEntry, error) {
		var entries []domain.LedgerEntry
		if u.Set != nil {
			if delta := *u.Set - balance; delta != 0 {
				entries = append(entries, domain.LedgerEntry{Delta: delta, Reason: domain.ReasonAdminSet})
			}
		}
		if u.Adjust != nil && *u.Adjust != 0 {
			entries = append(entries, domain.LedgerEntry{Delta: *u.Adjust, Reason: domain.ReasonAdminAdjust})
		}
		return entries, nil
	})
	if err != nil {
		return domain.BalanceChange{}, err
	}

	s.log.Info("admin balance update",
		zap.String("account_id", accountID),
		zap.Int64("previous", change.Previous),
		zap.Int64("current", change.Current),
		zap.Int("entries", len(change.Entries)))
	return change, nil
}
