package store

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"payflow/pkg/auth"
	"payflow/pkg/ledger"
	"payflow/pkg/logging"
)

// ResilientConfig tunes the circuit breaker and per-operation timeout of
// a Resilient store.
type ResilientConfig struct {
	// Timeout bounds every store operation. Zero disables it.
	Timeout time.Duration

	// MaxRequests allowed through while half-open.
	MaxRequests uint32

	// Interval is the cyclic period for clearing counts while closed.
	Interval time.Duration

	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

// DefaultResilientConfig returns sensible defaults.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		Timeout:     5 * time.Second,
		MaxRequests: 5,
		Interval:    60 * time.Second,
		OpenTimeout: 30 * time.Second,
	}
}

// Resilient wraps a Store with a circuit breaker and operation timeouts.
// When the backing store keeps failing the breaker opens and requests are
// rejected immediately with ErrUnavailable instead of piling up on a dead
// database. Business rejections (ErrInsufficientBalance, ErrKeyNotFound)
// do not count as failures.
type Resilient struct {
	inner   Store
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	logger  *logging.Logger
}

// NewResilient wraps the given store.
func NewResilient(inner Store, config ResilientConfig, logger *logging.Logger) *Resilient {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	logger = logger.Named("store")

	settings := gobreaker.Settings{
		Name:        "store",
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// Only infrastructure failures should trip the breaker.
			return err == nil ||
				errors.Is(err, ErrInsufficientBalance) ||
				errors.Is(err, ErrKeyNotFound)
		},
	}

	return &Resilient{
		inner:   inner,
		cb:      gobreaker.NewCircuitBreaker(settings),
		timeout: config.Timeout,
		logger:  logger,
	}
}

func (r *Resilient) execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	_, err := r.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		r.logger.Warn("circuit breaker open, request rejected", zap.String("operation", op))
		return ErrUnavailable
	}
	return err
}

// Append implements TransactionStore.
func (r *Resilient) Append(ctx context.Context, txn *ledger.Transaction) error {
	return r.execute(ctx, "append", func(ctx context.Context) error {
		return r.inner.Append(ctx, txn)
	})
}

// AppendConditional implements TransactionStore.
func (r *Resilient) AppendConditional(ctx context.Context, txn *ledger.Transaction) error {
	return r.execute(ctx, "append_conditional", func(ctx context.Context) error {
		return r.inner.AppendConditional(ctx, txn)
	})
}

// ListByOwner implements TransactionStore.
func (r *Resilient) ListByOwner(ctx context.Context, ownerID string) ([]ledger.Transaction, error) {
	var txns []ledger.Transaction
	err := r.execute(ctx, "list_by_owner", func(ctx context.Context) error {
		var err error
		txns, err = r.inner.ListByOwner(ctx, ownerID)
		return err
	})
	return txns, err
}

// ListRecentByKind implements TransactionStore.
func (r *Resilient) ListRecentByKind(ctx context.Context, ownerID string, kind ledger.Kind, limit int) ([]ledger.Transaction, error) {
	var txns []ledger.Transaction
	err := r.execute(ctx, "list_recent", func(ctx context.Context) error {
		var err error
		txns, err = r.inner.ListRecentByKind(ctx, ownerID, kind, limit)
		return err
	})
	return txns, err
}

// InsertKey implements KeyStore.
func (r *Resilient) InsertKey(ctx context.Context, key *auth.Key) error {
	return r.execute(ctx, "insert_key", func(ctx context.Context) error {
		return r.inner.InsertKey(ctx, key)
	})
}

// FindActiveKeyByHash implements KeyStore.
func (r *Resilient) FindActiveKeyByHash(ctx context.Context, hash string) (*auth.Key, error) {
	var key *auth.Key
	err := r.execute(ctx, "find_key", func(ctx context.Context) error {
		var err error
		key, err = r.inner.FindActiveKeyByHash(ctx, hash)
		return err
	})
	return key, err
}

// ListKeysByOwner implements KeyStore.
func (r *Resilient) ListKeysByOwner(ctx context.Context, ownerID string) ([]auth.Key, error) {
	var keys []auth.Key
	err := r.execute(ctx, "list_keys", func(ctx context.Context) error {
		var err error
		keys, err = r.inner.ListKeysByOwner(ctx, ownerID)
		return err
	})
	return keys, err
}

// SetKeyActive implements KeyStore.
func (r *Resilient) SetKeyActive(ctx context.Context, keyID string, active bool) error {
	return r.execute(ctx, "set_key_active", func(ctx context.Context) error {
		return r.inner.SetKeyActive(ctx, keyID, active)
	})
}

// AllKeyHashes implements KeyStore.
func (r *Resilient) AllKeyHashes(ctx context.Context) ([]string, error) {
	var hashes []string
	err := r.execute(ctx, "all_key_hashes", func(ctx context.Context) error {
		var err error
		hashes, err = r.inner.AllKeyHashes(ctx)
		return err
	})
	return hashes, err
}

// Ping implements Store.
func (r *Resilient) Ping(ctx context.Context) error {
	return r.execute(ctx, "ping", func(ctx context.Context) error {
		return r.inner.Ping(ctx)
	})
}

// Close implements Store.
func (r *Resilient) Close() error {
	return r.inner.Close()
}
