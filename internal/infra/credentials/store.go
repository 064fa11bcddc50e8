// Package credentials resolves provider API tokens from the
// integration_tokens table so deployments can rotate keys without a restart
// config change. Environment variables take precedence; the store is the
// fallback.
package credentials

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	ProviderGemini    = "gemini"
	ProviderDashScope = "dashscope"
	ProviderLuma      = "luma"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Token returns the stored token for provider, or "" when none is recorded.
func (s *Store) Token(ctx context.Context, provider string) (string, error) {
	query := `
SELECT token
FROM integration_tokens
WHERE provider = $1;
`
	row := s.pool.QueryRow(ctx, query, provider)
	var token string
	if err := row.Scan(&token); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(token), nil
}

// SetToken records or replaces the token for provider.
func (s *Store) SetToken(ctx context.Context, provider, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("credentials: token is required")
	}
	query := `
INSERT INTO integration_tokens (provider, token)
VALUES ($1, $2)
ON CONFLICT (provider) DO UPDATE SET token = EXCLUDED.token, updated_at = NOW();
`
	_, err := s.pool.Exec(ctx, query, provider, token)
	return err
}

// Resolve prefers the environment-supplied value over the stored token.
func (s *Store) Resolve(ctx context.Context, envValue, provider string) (string, error) {
	if v := strings.TrimSpace(envValue); v != "" {
		return v, nil
	}
	return s.Token(ctx, provider)
}
