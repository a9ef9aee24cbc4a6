// Package postgres implements the ledger store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"payflow/pkg/auth"
	"payflow/pkg/ledger"
	"payflow/pkg/store"
)

// Store is the PostgreSQL-backed implementation of store.Store.
type Store struct {
	db *sql.DB
}

// Config holds PostgreSQL connection configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// DefaultConfig returns default PostgreSQL configuration.
func DefaultConfig() Config {
	return Config{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "payflow",
		SSLMode:  "disable",
	}
}

// New opens a connection pool, verifies connectivity and bootstraps the
// schema.
func New(cfg Config) (*Store, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &Store{db: db}
	if err := s.initTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init tables: %w", err)
	}

	return s, nil
}

func (s *Store) initTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			amount BIGINT NOT NULL CHECK (amount > 0),
			customer TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_owner_id ON transactions(owner_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			prefix TEXT NOT NULL,
			key_hash TEXT NOT NULL UNIQUE,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_owner_id ON api_keys(owner_id)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

// Append unconditionally records a transaction.
func (s *Store) Append(ctx context.Context, txn *ledger.Transaction) error {
	query := `
		INSERT INTO transactions (id, owner_id, kind, amount, customer, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		txn.ID, txn.OwnerID, txn.Kind, txn.Amount, txn.Customer, txn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

// AppendConditional records a refund only if the owner's balance stays
// non-negative. The balance recomputation and the insert run in one
// database transaction holding a per-owner advisory lock, so concurrent
// refunds for the same owner are serialized and can never jointly
// overdraw the balance.
func (s *Store) AppendConditional(ctx context.Context, txn *ledger.Transaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, txn.OwnerID,
	); err != nil {
		return fmt.Errorf("acquire owner lock: %w", err)
	}

	var balance int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN kind = 'payment' THEN amount ELSE -amount END), 0)
		FROM transactions
		WHERE owner_id = $1
	`, txn.OwnerID).Scan(&balance)
	if err != nil {
		return fmt.Errorf("compute balance: %w", err)
	}

	if txn.Kind == ledger.KindRefund && txn.Amount > balance {
		return store.ErrInsufficientBalance
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (id, owner_id, kind, amount, customer, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, txn.ID, txn.OwnerID, txn.Kind, txn.Amount, txn.Customer, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListByOwner returns the owner's transactions in insertion order.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]ledger.Transaction, error) {
	query := `
		SELECT id, owner_id, kind, amount, customer, created_at
		FROM transactions
		WHERE owner_id = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// ListRecentByKind returns at most limit transactions of one kind for an
// owner, newest first.
func (s *Store) ListRecentByKind(ctx context.Context, ownerID string, kind ledger.Kind, limit int) ([]ledger.Transaction, error) {
	query := `
		SELECT id, owner_id, kind, amount, customer, created_at
		FROM transactions
		WHERE owner_id = $1 AND kind = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, ownerID, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func scanTransactions(rows *sql.Rows) ([]ledger.Transaction, error) {
	var txns []ledger.Transaction
	for rows.Next() {
		var t ledger.Transaction
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Kind, &t.Amount, &t.Customer, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// InsertKey stores a new API key.
func (s *Store) InsertKey(ctx context.Context, key *auth.Key) error {
	query := `
		INSERT INTO api_keys (id, owner_id, name, prefix, key_hash, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query,
		key.ID, key.OwnerID, key.Name, key.Prefix, key.Hash, key.Active, key.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// FindActiveKeyByHash returns the active key with the given token hash.
// The UNIQUE constraint on key_hash rules out ambiguous matches.
func (s *Store) FindActiveKeyByHash(ctx context.Context, hash string) (*auth.Key, error) {
	query := `
		SELECT id, owner_id, name, prefix, key_hash, is_active, created_at
		FROM api_keys
		WHERE key_hash = $1 AND is_active = TRUE
	`
	var k auth.Key
	err := s.db.QueryRowContext(ctx, query, hash).Scan(
		&k.ID, &k.OwnerID, &k.Name, &k.Prefix, &k.Hash, &k.Active, &k.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query api key: %w", err)
	}
	return &k, nil
}

// ListKeysByOwner returns the owner's keys, newest first.
func (s *Store) ListKeysByOwner(ctx context.Context, ownerID string) ([]auth.Key, error) {
	query := `
		SELECT id, owner_id, name, prefix, key_hash, is_active, created_at
		FROM api_keys
		WHERE owner_id = $1
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query api keys: %w", err)
	}
	defer rows.Close()

	var keys []auth.Key
	for rows.Next() {
		var k auth.Key
		if err := rows.Scan(&k.ID, &k.OwnerID, &k.Name, &k.Prefix, &k.Hash, &k.Active, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// SetKeyActive flips the active flag on a key.
func (s *Store) SetKeyActive(ctx context.Context, keyID string, active bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET is_active = $1 WHERE id = $2`, active, keyID,
	)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	if affected == 0 {
		return store.ErrKeyNotFound
	}
	return nil
}

// AllKeyHashes returns every stored key hash, active or not.
func (s *Store) AllKeyHashes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key_hash FROM api_keys`)
	if err != nil {
		return nil, fmt.Errorf("query key hashes: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan key hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
