// Package credential implements the Credential Resolver (C4): a narrow
// boundary between a NodeHandler's need for decrypted secret material and
// wherever that material is actually stored. There is no teacher analog —
// the teacher's orchestrator has no credential-scoped secret store — so this
// package is new code, shaped the way the rest of the engine shapes its
// storage seams (a small interface plus a Postgres-backed implementation
// using the same pgx pool as the Execution Store).
package credential

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"

	"github.com/flowcore/engine/internal/db"
)

// ErrNotFound is returned when a credential reference does not resolve to a
// stored record, or the caller is not its owner.
var ErrNotFound = errors.New("credential: not found")

// Resolver resolves a credential reference into decrypted field material for
// the duration of a single node invocation (§4.4).
type Resolver interface {
	Resolve(ctx context.Context, credentialRef string, userID string) (map[string][]byte, error)
}

// Store is a Postgres-backed Resolver. Credential payloads are stored
// AES-GCM sealed at rest; the key is injected at construction (from the
// composition root's config, never hardcoded) so the store itself never
// holds plaintext outside of a Resolve call.
type Store struct {
	db  *db.DB
	gcm cipher.AEAD
}

// New constructs a Store. key must be 16, 24, or 32 bytes (AES-128/192/256).
func New(database *db.DB, key []byte) (*Store, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credential: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credential: init gcm: %w", err)
	}
	return &Store{db: database, gcm: gcm}, nil
}

// Resolve fetches the sealed credential row, verifies ownership, and
// decrypts its fields. Every call re-decrypts rather than caching plaintext.
func (s *Store) Resolve(ctx context.Context, credentialRef string, userID string) (map[string][]byte, error) {
	var ownerID string
	var nonce, ciphertext []byte

	err := s.db.QueryRow(ctx,
		`SELECT owner_id, nonce, sealed_fields FROM credentials WHERE id = $1`,
		credentialRef,
	).Scan(&ownerID, &nonce, &ciphertext)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("credential: query: %w", err)
	}
	if ownerID != userID {
		return nil, ErrNotFound
	}

	plaintext, err := s.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("credential: decrypt: %w", err)
	}

	var fields map[string]string
	if err := json.Unmarshal(plaintext, &fields); err != nil {
		return nil, fmt.Errorf("credential: decode fields: %w", err)
	}

	out := make(map[string][]byte, len(fields))
	for k, v := range fields {
		out[k] = []byte(v)
	}
	return out, nil
}

// Seal encrypts a set of credential fields for storage, returning the nonce
// and ciphertext to persist. Node execution does not use it, and no Control
// API endpoint in this module calls it.
func (s *Store) Seal(fields map[string]string) (nonce, ciphertext []byte, err error) {
	plaintext, err := json.Marshal(fields)
	if err != nil {
		return nil, nil, fmt.Errorf("credential: encode fields: %w", err)
	}
	nonce = make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("credential: generate nonce: %w", err)
	}
	ciphertext = s.gcm.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}
