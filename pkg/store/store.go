// Package store defines the persistence boundary of the ledger: an
// append-only transaction collection and an API key collection, both
// scoped by owner account. Implementations live in the postgres, bolt
// and memory subpackages.
package store

import (
	"context"
	"errors"

	"payflow/pkg/auth"
	"payflow/pkg/ledger"
)

// Sentinel errors shared by all store implementations.
var (
	// ErrInsufficientBalance is returned by AppendConditional when the
	// refund would push the owner's balance below zero. The append is
	// not performed.
	ErrInsufficientBalance = errors.New("store: refund amount exceeds available balance")

	// ErrKeyNotFound is returned when no matching API key exists.
	ErrKeyNotFound = errors.New("store: api key not found")

	// ErrUnavailable is returned when the backing store cannot be
	// reached, including when the circuit breaker is open.
	ErrUnavailable = errors.New("store: unavailable")
)

// IsInsufficientBalance reports whether err is a rejected refund.
func IsInsufficientBalance(err error) bool {
	return errors.Is(err, ErrInsufficientBalance)
}

// IsUnavailable reports whether err means the store could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// TransactionStore is the append-only transaction log. Transactions are
// never mutated or deleted once appended.
type TransactionStore interface {
	// Append unconditionally records a transaction.
	Append(ctx context.Context, txn *ledger.Transaction) error

	// AppendConditional records a refund only if the owner's balance,
	// recomputed atomically with the append, stays non-negative.
	// Returns ErrInsufficientBalance otherwise. Two concurrent calls for
	// the same owner are serialized by the implementation; they can
	// never jointly overdraw the balance.
	AppendConditional(ctx context.Context, txn *ledger.Transaction) error

	// ListByOwner returns every transaction for an owner in insertion
	// order (created_at ascending).
	ListByOwner(ctx context.Context, ownerID string) ([]ledger.Transaction, error)

	// ListRecentByKind returns at most limit transactions of one kind
	// for an owner, newest first.
	ListRecentByKind(ctx context.Context, ownerID string, kind ledger.Kind, limit int) ([]ledger.Transaction, error)
}

// KeyStore persists API keys. Keys are revoked by flipping Active, never
// deleted, so revoke-then-reject semantics hold across restarts.
type KeyStore interface {
	InsertKey(ctx context.Context, key *auth.Key) error
	FindActiveKeyByHash(ctx context.Context, hash string) (*auth.Key, error)
	ListKeysByOwner(ctx context.Context, ownerID string) ([]auth.Key, error)
	SetKeyActive(ctx context.Context, keyID string, active bool) error
	AllKeyHashes(ctx context.Context) ([]string, error)
}

// Store is the full persistence surface the service wires up.
type Store interface {
	TransactionStore
	KeyStore

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying resources.
	Close() error
}
