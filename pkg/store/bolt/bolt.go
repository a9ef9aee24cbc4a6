// Package bolt implements the ledger store on BoltDB, an embedded
// key/value store kept in a single file. It suits single-node and local
// deployments where running PostgreSQL would be overkill.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"

	"payflow/pkg/auth"
	"payflow/pkg/ledger"
	"payflow/pkg/store"
)

var (
	txnBucket     = []byte("transactions")
	keyBucket     = []byte("api_keys")
	keyHashBucket = []byte("api_key_hashes")
)

// Store is the BoltDB-backed implementation of store.Store.
//
// Transactions are keyed by owner ID plus a monotonic sequence number, so
// a prefix scan yields one owner's ledger in insertion order. Bolt
// serializes all write transactions, which makes AppendConditional's
// balance-check-then-append atomic without any extra locking.
type Store struct {
	db *bolt.DB
}

// New opens (or creates) the database file and ensures all buckets exist.
func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{txnBucket, keyBucket, keyHashBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

func txnKey(ownerID string, seq uint64) []byte {
	key := make([]byte, 0, len(ownerID)+9)
	key = append(key, ownerID...)
	key = append(key, '/')
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

func (s *Store) putTransaction(b *bolt.Bucket, txn *ledger.Transaction) error {
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	data, err := json.Marshal(txn)
	if err != nil {
		return err
	}
	return b.Put(txnKey(txn.OwnerID, seq), data)
}

func ownerTransactions(b *bolt.Bucket, ownerID string) ([]ledger.Transaction, error) {
	prefix := append([]byte(ownerID), '/')
	var txns []ledger.Transaction

	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && len(k) > len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
		var t ledger.Transaction
		if err := json.Unmarshal(v, &t); err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, nil
}

// Append unconditionally records a transaction.
func (s *Store) Append(ctx context.Context, txn *ledger.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.putTransaction(tx.Bucket(txnBucket), txn)
	})
}

// AppendConditional records a refund only if the owner's balance stays
// non-negative. The whole check-and-append runs in one bolt write
// transaction, which bolt serializes process-wide.
func (s *Store) AppendConditional(ctx context.Context, txn *ledger.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(txnBucket)

		existing, err := ownerTransactions(b, txn.OwnerID)
		if err != nil {
			return err
		}
		if txn.Kind == ledger.KindRefund && txn.Amount > ledger.Balance(existing) {
			return store.ErrInsufficientBalance
		}
		return s.putTransaction(b, txn)
	})
}

// ListByOwner returns the owner's transactions in insertion order.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var txns []ledger.Transaction
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		txns, err = ownerTransactions(tx.Bucket(txnBucket), ownerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return txns, nil
}

// ListRecentByKind returns at most limit transactions of one kind for an
// owner, newest first.
func (s *Store) ListRecentByKind(ctx context.Context, ownerID string, kind ledger.Kind, limit int) ([]ledger.Transaction, error) {
	all, err := s.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Transaction, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if all[i].Kind == kind {
			out = append(out, all[i])
		}
	}
	return out, nil
}

// InsertKey stores a new API key and indexes its hash.
func (s *Store) InsertKey(ctx context.Context, key *auth.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(storedKey{
			Key:  *key,
			Hash: key.Hash,
		})
		if err != nil {
			return err
		}
		if err := tx.Bucket(keyBucket).Put([]byte(key.ID), data); err != nil {
			return err
		}
		return tx.Bucket(keyHashBucket).Put([]byte(key.Hash), []byte(key.ID))
	})
}

// storedKey carries the hash alongside the key; auth.Key excludes the
// hash from JSON on purpose, persistence needs it back.
type storedKey struct {
	auth.Key
	Hash string `json:"hash"`
}

func (s *Store) getKey(tx *bolt.Tx, keyID []byte) (*auth.Key, error) {
	v := tx.Bucket(keyBucket).Get(keyID)
	if v == nil {
		return nil, store.ErrKeyNotFound
	}
	var sk storedKey
	if err := json.Unmarshal(v, &sk); err != nil {
		return nil, err
	}
	k := sk.Key
	k.Hash = sk.Hash
	return &k, nil
}

// FindActiveKeyByHash returns the active key with the given token hash.
func (s *Store) FindActiveKeyByHash(ctx context.Context, hash string) (*auth.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var key *auth.Key
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(keyHashBucket).Get([]byte(hash))
		if id == nil {
			return store.ErrKeyNotFound
		}
		k, err := s.getKey(tx, id)
		if err != nil {
			return err
		}
		if !k.Active {
			return store.ErrKeyNotFound
		}
		key = k
		return nil
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// ListKeysByOwner returns the owner's keys, newest first.
func (s *Store) ListKeysByOwner(ctx context.Context, ownerID string) ([]auth.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []auth.Key
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(keyBucket).ForEach(func(_, v []byte) error {
			var sk storedKey
			if err := json.Unmarshal(v, &sk); err != nil {
				return err
			}
			if sk.OwnerID == ownerID {
				k := sk.Key
				k.Hash = sk.Hash
				keys = append(keys, k)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[j].CreatedAt.After(keys[i].CreatedAt) {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	return keys, nil
}

// SetKeyActive flips the active flag on a key.
func (s *Store) SetKeyActive(ctx context.Context, keyID string, active bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		k, err := s.getKey(tx, []byte(keyID))
		if err != nil {
			return err
		}
		k.Active = active
		data, err := json.Marshal(storedKey{Key: *k, Hash: k.Hash})
		if err != nil {
			return err
		}
		return tx.Bucket(keyBucket).Put([]byte(keyID), data)
	})
}

// AllKeyHashes returns every stored key hash.
func (s *Store) AllKeyHashes(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var hashes []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(keyHashBucket).ForEach(func(k, _ []byte) error {
			hashes = append(hashes, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return hashes, nil
}

// Ping verifies the database file is usable.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

// Close releases the database file lock.
func (s *Store) Close() error {
	return s.db.Close()
}
