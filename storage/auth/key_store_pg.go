package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGKeyStore persists key hashes in Postgres.
type PGKeyStore struct {
	pool *pgxpool.Pool
}

// NewPGKeyStore initializes the schema on an existing pool.
func NewPGKeyStore(ctx context.Context, pool *pgxpool.Pool) (*PGKeyStore, error) {
	s := &PGKeyStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("init api key schema: %w", err)
	}
	return s, nil
}

func (s *PGKeyStore) initSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS api_keys (
  key_hash TEXT PRIMARY KEY,
  key_id TEXT NOT NULL,
  role TEXT NOT NULL,
  source TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  revoked_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_api_keys_id ON api_keys(key_id);
`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PGKeyStore) Validate(ctx context.Context, secret string) (Key, bool) {
	if secret == "" {
		return Key{}, false
	}
	var (
		k    Key
		role string
		src  *string
	)
	err := s.pool.QueryRow(ctx,
		"SELECT key_id, role, source, created_at FROM api_keys WHERE key_hash=$1 AND revoked_at IS NULL",
		HashKey(secret),
	).Scan(&k.ID, &role, &src, &k.CreatedAt)
	if err != nil {
		return Key{}, false
	}
	k.Role = Role(role)
	if src != nil {
		k.Source = *src
	}
	return k, true
}

// Seed inserts a pre-shared key unless it already exists.
func (s *PGKeyStore) Seed(ctx context.Context, secret string, role Role, source string) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	h := HashKey(secret)
	_, err := s.pool.Exec(ctx,
		"INSERT INTO api_keys (key_hash, key_id, role, source, created_at) VALUES ($1,$2,$3,$4,$5) ON CONFLICT DO NOTHING",
		h, keyID(h), string(role), source, time.Now().UTC())
	return err
}

// Issue creates a new key and returns its secret once.
func (s *PGKeyStore) Issue(ctx context.Context, role Role) (string, Key, error) {
	secret, err := generateSecret()
	if err != nil {
		return "", Key{}, err
	}
	h := HashKey(secret)
	k := Key{ID: keyID(h), Role: role, Source: "issued", CreatedAt: time.Now().UTC()}
	_, err = s.pool.Exec(ctx,
		"INSERT INTO api_keys (key_hash, key_id, role, source, created_at) VALUES ($1,$2,$3,$4,$5)",
		h, k.ID, string(k.Role), k.Source, k.CreatedAt)
	if err != nil {
		return "", Key{}, err
	}
	return secret, k, nil
}

// Revoke disables a key by id.
func (s *PGKeyStore) Revoke(ctx context.Context, id string) error {
	var hash string
	err := s.pool.QueryRow(ctx,
		"UPDATE api_keys SET revoked_at=now() WHERE key_id=$1 AND revoked_at IS NULL RETURNING key_hash", id,
	).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrKeyNotFound
	}
	return err
}
