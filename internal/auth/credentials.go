// Package auth maps opaque bearer secrets to tenants.
//
// Only bcrypt hashes are stored. Because the hash is salted there is no
// lookup key derivable from a secret, so Validate verifies against every
// stored hash in turn.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/objectstore/internal/store"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredential covers missing, malformed, unknown and revoked
// secrets alike.
var ErrInvalidCredential = errors.New("invalid credential")

const secretBytes = 32

// Repository is the slice of store.Backend the credential store needs.
type Repository interface {
	GetTenant(ctx context.Context, id string) (*store.Tenant, error)
	InsertCredential(ctx context.Context, c *store.Credential) error
	ListCredentials(ctx context.Context) ([]*store.Credential, error)
	ListTenantCredentials(ctx context.Context, tenantID string) ([]*store.Credential, error)
	TouchCredential(ctx context.Context, secretHash string, at time.Time) error
	DeleteCredential(ctx context.Context, secretHash string) error
}

type Store struct {
	repo  Repository
	cost  int
	nowFn func() time.Time
}

// NewStore returns a credential store hashing with the given bcrypt cost.
// Out of range costs fall back to bcrypt.DefaultCost.
func NewStore(repo Repository, cost int) *Store {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Store{repo: repo, cost: cost, nowFn: func() time.Time { return time.Now().UTC() }}
}

// GenerateSecret returns 32 random bytes, hex encoded.
func GenerateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Issue creates a credential for tenantID and returns the plaintext secret.
// The secret is not recoverable afterwards.
func (s *Store) Issue(ctx context.Context, tenantID string) (string, error) {
	if _, err := s.repo.GetTenant(ctx, tenantID); err != nil {
		return "", fmt.Errorf("tenant %s: %w", tenantID, err)
	}
	secret, err := GenerateSecret()
	if err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return "", fmt.Errorf("hashing secret: %w", err)
	}
	err = s.repo.InsertCredential(ctx, &store.Credential{
		SecretHash: string(hash),
		TenantID:   tenantID,
		CreatedAt:  s.nowFn(),
	})
	if err != nil {
		return "", err
	}
	log.WithField("tenant_id", tenantID).Info("issued credential")
	return secret, nil
}

// Validate returns the tenant owning secret and refreshes its last-used
// time. Cost is linear in the number of stored credentials.
func (s *Store) Validate(ctx context.Context, secret string) (string, error) {
	c, err := s.find(ctx, secret)
	if err != nil {
		return "", err
	}
	if err := s.repo.TouchCredential(ctx, c.SecretHash, s.nowFn()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// revoked between the scan and the touch
			return "", ErrInvalidCredential
		}
		return "", err
	}
	return c.TenantID, nil
}

// Revoke deletes the credential matching secret. An unknown secret is not
// an error.
func (s *Store) Revoke(ctx context.Context, secret string) error {
	c, err := s.find(ctx, secret)
	if errors.Is(err, ErrInvalidCredential) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.repo.DeleteCredential(ctx, c.SecretHash); err != nil {
		return err
	}
	log.WithField("tenant_id", c.TenantID).Info("revoked credential")
	return nil
}

// List returns the tenant's credentials. Only hashes and timestamps are
// included.
func (s *Store) List(ctx context.Context, tenantID string) ([]*store.Credential, error) {
	return s.repo.ListTenantCredentials(ctx, tenantID)
}

func (s *Store) find(ctx context.Context, secret string) (*store.Credential, error) {
	if secret == "" {
		return nil, ErrInvalidCredential
	}
	creds, err := s.repo.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range creds {
		if bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)) == nil {
			return c, nil
		}
	}
	return nil, ErrInvalidCredential
}

// BearerToken extracts the secret from an "Authorization: Bearer" header.
// The scheme is matched case-insensitively.
func BearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}
