// Package memory is an in-process store implementation. It backs the
// test suites and the server's "memory" driver for local development;
// nothing survives a restart.
package memory

import (
	"context"
	"sync"

	"payflow/pkg/auth"
	"payflow/pkg/ledger"
	"payflow/pkg/store"
)

// Store keeps the ledger and key collections in maps. Appends for one
// owner are serialized behind a per-owner mutex, which is what makes
// AppendConditional atomic: the balance recomputation and the append
// happen under the same lock.
type Store struct {
	mu     sync.RWMutex
	txns   map[string][]ledger.Transaction // ownerID -> insertion order
	keys   map[string]*auth.Key            // keyID -> key
	byHash map[string]string               // token hash -> keyID

	ownerMu sync.Mutex
	owners  map[string]*sync.Mutex
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		txns:   make(map[string][]ledger.Transaction),
		keys:   make(map[string]*auth.Key),
		byHash: make(map[string]string),
		owners: make(map[string]*sync.Mutex),
	}
}

func (s *Store) ownerLock(ownerID string) *sync.Mutex {
	s.ownerMu.Lock()
	defer s.ownerMu.Unlock()
	lock, ok := s.owners[ownerID]
	if !ok {
		lock = &sync.Mutex{}
		s.owners[ownerID] = lock
	}
	return lock
}

// Append unconditionally records a transaction.
func (s *Store) Append(ctx context.Context, txn *ledger.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := s.ownerLock(txn.OwnerID)
	lock.Lock()
	defer lock.Unlock()

	s.append(*txn)
	return nil
}

// AppendConditional records a refund only if the owner's balance stays
// non-negative. Balance check and append run under the owner lock.
func (s *Store) AppendConditional(ctx context.Context, txn *ledger.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := s.ownerLock(txn.OwnerID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	balance := ledger.Balance(s.txns[txn.OwnerID])
	s.mu.RUnlock()

	delta := txn.Amount
	if txn.Kind == ledger.KindPayment {
		delta = -txn.Amount
	}
	if balance-delta < 0 {
		return store.ErrInsufficientBalance
	}

	s.append(*txn)
	return nil
}

func (s *Store) append(txn ledger.Transaction) {
	s.mu.Lock()
	s.txns[txn.OwnerID] = append(s.txns[txn.OwnerID], txn)
	s.mu.Unlock()
}

// ListByOwner returns the owner's transactions in insertion order.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ledger.Transaction, len(s.txns[ownerID]))
	copy(out, s.txns[ownerID])
	return out, nil
}

// ListRecentByKind returns at most limit transactions of one kind,
// newest first. Insertion order stands in for created_at ordering, which
// matches the non-decreasing timestamp guarantee.
func (s *Store) ListRecentByKind(ctx context.Context, ownerID string, kind ledger.Kind, limit int) ([]ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.txns[ownerID]
	out := make([]ledger.Transaction, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if all[i].Kind == kind {
			out = append(out, all[i])
		}
	}
	return out, nil
}

// InsertKey stores a new API key.
func (s *Store) InsertKey(ctx context.Context, key *auth.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := *key
	s.keys[k.ID] = &k
	s.byHash[k.Hash] = k.ID
	return nil
}

// FindActiveKeyByHash returns the active key with the given token hash.
func (s *Store) FindActiveKeyByHash(ctx context.Context, hash string) (*auth.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[hash]
	if !ok {
		return nil, store.ErrKeyNotFound
	}
	key, ok := s.keys[id]
	if !ok || !key.Active {
		return nil, store.ErrKeyNotFound
	}
	k := *key
	return &k, nil
}

// ListKeysByOwner returns the owner's keys, newest first.
func (s *Store) ListKeysByOwner(ctx context.Context, ownerID string) ([]auth.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []auth.Key
	for _, key := range s.keys {
		if key.OwnerID == ownerID {
			out = append(out, *key)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

// SetKeyActive flips the active flag on a key.
func (s *Store) SetKeyActive(ctx context.Context, keyID string, active bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[keyID]
	if !ok {
		return store.ErrKeyNotFound
	}
	key.Active = active
	return nil
}

// AllKeyHashes returns every stored key hash.
func (s *Store) AllKeyHashes(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	hashes := make([]string, 0, len(s.byHash))
	for h := range s.byHash {
		hashes = append(hashes, h)
	}
	return hashes, nil
}

// Ping always succeeds for the in-memory store.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
