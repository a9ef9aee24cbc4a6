// Package payments implements the mutation and read operations of the
// merchant ledger: recording payments, validating and recording refunds,
// and deriving balances and per-customer rollups.
package payments

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"payflow/pkg/ledger"
	"payflow/pkg/logging"
	"payflow/pkg/store"
)

var (
	ErrInvalidAmount   = errors.New("payments: amount must be a positive number")
	ErrMissingCustomer = errors.New("payments: customer is required")
)

// Service validates and records transactions for merchant accounts. It is
// request-scoped: no mutable state lives here, every call goes through
// the transaction store.
type Service struct {
	txns   store.TransactionStore
	logger *logging.Logger
	now    func() time.Time
}

// NewService creates a ledger service over the given transaction store.
func NewService(txns store.TransactionStore, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Service{
		txns:   txns,
		logger: logger.Named("payments"),
		now:    time.Now,
	}
}

func validate(amount int64, customer string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if strings.TrimSpace(customer) == "" {
		return ErrMissingCustomer
	}
	return nil
}

// CreatePayment validates and records a payment. Amount is in cents.
// Nothing is written when validation fails.
func (s *Service) CreatePayment(ctx context.Context, ownerID string, amount int64, customer string) (*ledger.Transaction, error) {
	if err := validate(amount, customer); err != nil {
		return nil, err
	}

	txn := &ledger.Transaction{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Kind:      ledger.KindPayment,
		Amount:    amount,
		Customer:  customer,
		CreatedAt: s.now().UTC(),
	}

	if err := s.txns.Append(ctx, txn); err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}

	s.logger.Info("payment recorded",
		zap.String("txn_id", txn.ID),
		zap.String("owner_id", ownerID),
		zap.Int64("amount", amount),
	)
	return txn, nil
}

// CreateRefund validates and records a refund. The refund is admissible
// only while the owner's total balance covers it; the check runs inside
// the store's conditional append, atomically with the write, so two
// concurrent refunds cannot jointly overdraw the balance. The check is
// owner-wide: a customer can be refunded more than they ever paid as
// long as the account balance covers it.
func (s *Service) CreateRefund(ctx context.Context, ownerID string, amount int64, customer string) (*ledger.Transaction, error) {
	if err := validate(amount, customer); err != nil {
		return nil, err
	}

	txn := &ledger.Transaction{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Kind:      ledger.KindRefund,
		Amount:    amount,
		Customer:  customer,
		CreatedAt: s.now().UTC(),
	}

	if err := s.txns.AppendConditional(ctx, txn); err != nil {
		if store.IsInsufficientBalance(err) {
			s.logger.Warn("refund rejected",
				zap.String("owner_id", ownerID),
				zap.Int64("amount", amount),
			)
			return nil, err
		}
		return nil, fmt.Errorf("record refund: %w", err)
	}

	s.logger.Info("refund recorded",
		zap.String("txn_id", txn.ID),
		zap.String("owner_id", ownerID),
		zap.Int64("amount", amount),
	)
	return txn, nil
}

// Balance returns the owner's current balance in cents, computed fresh
// from the full transaction log.
func (s *Service) Balance(ctx context.Context, ownerID string) (int64, error) {
	txns, err := s.txns.ListByOwner(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("load transactions: %w", err)
	}
	return ledger.Balance(txns), nil
}

// ListRecent returns at most limit transactions of one kind for an
// owner, newest first.
func (s *Service) ListRecent(ctx context.Context, ownerID string, kind ledger.Kind, limit int) ([]ledger.Transaction, error) {
	txns, err := s.txns.ListRecentByKind(ctx, ownerID, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}
	return txns, nil
}

// Customers returns the owner's per-customer aggregates sorted by total
// paid, highest first.
func (s *Service) Customers(ctx context.Context, ownerID string) ([]ledger.CustomerAggregate, error) {
	txns, err := s.txns.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}

	aggs := ledger.CustomerAggregates(txns)
	out := make([]ledger.CustomerAggregate, 0, len(aggs))
	for _, agg := range aggs {
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalPaid != out[j].TotalPaid {
			return out[i].TotalPaid > out[j].TotalPaid
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
