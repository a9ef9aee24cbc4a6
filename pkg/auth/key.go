// Package auth resolves bearer API keys to the merchant account that owns
// them. Keys are opaque tokens; only a SHA-256 hash is ever persisted, so
// a stolen key table cannot be replayed against the API.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	// TokenPrefix identifies payflow live keys at a glance.
	TokenPrefix = "pk_live_"

	tokenRandomLen = 32
	displayPrefix  = 12
)

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Key is a stored API credential. Hash is the hex SHA-256 of the full
// token; Prefix is the first characters of the token kept for display in
// key listings. Active gates authentication: a revoked key stays in the
// store but authenticates nothing until reactivated.
type Key struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	Prefix    string    `json:"prefix"`
	Hash      string    `json:"-"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// GenerateToken produces a new bearer token: the live prefix followed by
// 32 random alphanumerics. The token is shown to the owner exactly once;
// afterwards only its hash exists.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenRandomLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate token: %w", err)
	}
	for i, b := range buf {
		buf[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return TokenPrefix + string(buf), nil
}

// HashToken returns the hex SHA-256 digest of a token. The same function
// is used when storing a new key and when looking up a presented one.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// DisplayPrefix returns the truncated form of a token safe to show in
// listings, e.g. "pk_live_Ab12...".
func DisplayPrefix(token string) string {
	if len(token) <= displayPrefix {
		return token
	}
	return token[:displayPrefix] + "..."
}
