package auth

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/zap"

	"payflow/pkg/logging"
)

// ErrInvalidKey is the single failure mode of authentication. Missing,
// malformed, unknown, revoked and ambiguous credentials all collapse into
// it so a caller cannot probe which keys exist.
var ErrInvalidKey = errors.New("auth: invalid or missing API key")

// KeyLookup is the slice of the key store the authenticator needs.
type KeyLookup interface {
	// FindActiveKeyByHash returns the unique active key with the given
	// token hash, or an error when there is no such key.
	FindActiveKeyByHash(ctx context.Context, hash string) (*Key, error)

	// AllKeyHashes returns the hashes of every stored key, active or not.
	// Used to seed the negative-lookup filter.
	AllKeyHashes(ctx context.Context) ([]string, error)
}

// Authenticator resolves bearer tokens to owner account IDs.
//
// An optional bloom filter short-circuits lookups for tokens that were
// never issued: a definite filter miss is rejected without touching the
// store. The filter only ever contains hashes, is additive (revoked keys
// stay in it), and false positives simply fall through to the
// authoritative store lookup.
type Authenticator struct {
	keys   KeyLookup
	logger *logging.Logger

	mu     sync.RWMutex
	filter *bloom.BloomFilter
}

// Config holds authenticator tuning knobs.
type Config struct {
	// ExpectedKeys sizes the bloom filter. Zero disables the filter.
	ExpectedKeys uint
	// FalsePositiveRate for the bloom filter. Defaults to 1%.
	FalsePositiveRate float64
}

// DefaultConfig returns the standard authenticator configuration.
func DefaultConfig() Config {
	return Config{
		ExpectedKeys:      10000,
		FalsePositiveRate: 0.01,
	}
}

// NewAuthenticator creates an authenticator over the given key lookup.
func NewAuthenticator(keys KeyLookup, config Config, logger *logging.Logger) *Authenticator {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	a := &Authenticator{
		keys:   keys,
		logger: logger.Named("auth"),
	}
	if config.ExpectedKeys > 0 {
		rate := config.FalsePositiveRate
		if rate <= 0 || rate >= 1 {
			rate = 0.01
		}
		a.filter = bloom.NewWithEstimates(config.ExpectedKeys, rate)
	}
	return a
}

// Seed loads every stored key hash into the negative-lookup filter.
// Call once at startup, before serving traffic. A nil filter makes this
// a no-op.
func (a *Authenticator) Seed(ctx context.Context) error {
	if a.filter == nil {
		return nil
	}
	hashes, err := a.keys.AllKeyHashes(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	for _, h := range hashes {
		a.filter.AddString(h)
	}
	a.mu.Unlock()
	a.logger.Info("key filter seeded", zap.Int("keys", len(hashes)))
	return nil
}

// Observe records a newly issued key hash in the filter so it can
// authenticate without a restart.
func (a *Authenticator) Observe(hash string) {
	if a.filter == nil {
		return
	}
	a.mu.Lock()
	a.filter.AddString(hash)
	a.mu.Unlock()
}

// Authenticate resolves a presented bearer token to the owning account ID.
// Returns ErrInvalidKey on every failure mode.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" || !strings.HasPrefix(token, TokenPrefix) {
		return "", ErrInvalidKey
	}

	hash := HashToken(token)

	if a.filter != nil {
		a.mu.RLock()
		mayExist := a.filter.TestString(hash)
		a.mu.RUnlock()
		if !mayExist {
			return "", ErrInvalidKey
		}
	}

	key, err := a.keys.FindActiveKeyByHash(ctx, hash)
	if err != nil {
		a.logger.Debug("key lookup failed", zap.Error(err))
		return "", ErrInvalidKey
	}
	return key.OwnerID, nil
}
