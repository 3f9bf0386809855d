package jwt

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/assessly/assessly-idp/internal/cache"
	"github.com/assessly/assessly-idp/internal/domain"
	"github.com/assessly/assessly-idp/internal/repository"
)

const (
	signingAlgorithm = "RS256"
	rsaKeyBits       = 2048

	// keyCacheTTL bounds staleness of the in-process key cache. A rotation
	// becomes visible to every instance within this window.
	keyCacheTTL = time.Minute
)

// ErrUnknownKey is returned when a token references a kid that is no longer
// published.
var ErrUnknownKey = errors.New("jwt: unknown signing key")

// KeyManager owns per-tenant RSA signing keys: lazy generation, rotation, and
// the published JWKS. Lookups go through a short TTL cache so token requests
// do not hit the key store every time.
type KeyManager struct {
	repo repository.KeyRepository

	mu          sync.Mutex
	activeCache *cache.TTL[int64, domain.SigningKey]
	setCache    *cache.TTL[int64, []domain.SigningKey]
}

// NewKeyManager creates a key manager backed by the given repository.
func NewKeyManager(repo repository.KeyRepository) *KeyManager {
	return &KeyManager{
		repo:        repo,
		activeCache: cache.NewTTL[int64, domain.SigningKey](keyCacheTTL),
		setCache:    cache.NewTTL[int64, []domain.SigningKey](keyCacheTTL),
	}
}

// ActiveKey returns the tenant's active signing key, generating one on first
// use.
func (m *KeyManager) ActiveKey(ctx context.Context, tenantID int64) (domain.SigningKey, *rsa.PrivateKey, error) {
	if key, ok := m.activeCache.Get(tenantID); ok {
		priv, err := parsePrivateKey(key.PrivateKeyPEM)
		if err != nil {
			return domain.SigningKey{}, nil, err
		}
		return key, priv, nil
	}

	// Serialize first-use generation so one tenant gets one key.
	m.mu.Lock()
	defer m.mu.Unlock()

	key, err := m.repo.GetActiveKey(ctx, tenantID)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrNotFound):
		key, err = m.generateKey(ctx, tenantID)
		if err != nil {
			return domain.SigningKey{}, nil, err
		}
	default:
		return domain.SigningKey{}, nil, err
	}

	priv, err := parsePrivateKey(key.PrivateKeyPEM)
	if err != nil {
		return domain.SigningKey{}, nil, err
	}
	m.activeCache.Set(tenantID, key)
	return key, priv, nil
}

// Rotate retires the active key and installs a fresh one. The retired key
// stays published until retireAfter has elapsed, which callers size to the
// maximum outstanding token lifetime so pre-rotation tokens keep verifying.
func (m *KeyManager) Rotate(ctx context.Context, tenantID int64, retireAfter time.Duration) (domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.repo.GetActiveKey(ctx, tenantID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return domain.SigningKey{}, err
	}
	if err == nil {
		notAfter := time.Now().Add(retireAfter)
		if err := m.repo.Retire(ctx, tenantID, current.KID, notAfter); err != nil {
			return domain.SigningKey{}, err
		}
	}

	key, err := m.generateKey(ctx, tenantID)
	if err != nil {
		return domain.SigningKey{}, err
	}

	m.activeCache.Invalidate(tenantID)
	m.setCache.Invalidate(tenantID)
	return key, nil
}

// JWKS returns the public key set for every still-publishable key.
func (m *KeyManager) JWKS(ctx context.Context, tenantID int64) (jose.JSONWebKeySet, error) {
	keys, err := m.publishableKeys(ctx, tenantID)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}

	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(keys))}
	for _, key := range keys {
		priv, err := parsePrivateKey(key.PrivateKeyPEM)
		if err != nil {
			return jose.JSONWebKeySet{}, err
		}
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       priv.Public(),
			KeyID:     key.KID,
			Algorithm: key.Algorithm,
			Use:       "sig",
		})
	}
	return set, nil
}

// PublicKey resolves the verification key for a kid, covering retired but
// still-publishable keys.
func (m *KeyManager) PublicKey(ctx context.Context, tenantID int64, kid string) (*rsa.PublicKey, error) {
	keys, err := m.publishableKeys(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if key.KID != kid {
			continue
		}
		priv, err := parsePrivateKey(key.PrivateKeyPEM)
		if err != nil {
			return nil, err
		}
		return &priv.PublicKey, nil
	}
	return nil, ErrUnknownKey
}

func (m *KeyManager) publishableKeys(ctx context.Context, tenantID int64) ([]domain.SigningKey, error) {
	if keys, ok := m.setCache.Get(tenantID); ok {
		return keys, nil
	}

	// Guarantee at least one key exists before publishing.
	if _, _, err := m.ActiveKey(ctx, tenantID); err != nil {
		return nil, err
	}

	keys, err := m.repo.ListPublishable(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	m.setCache.Set(tenantID, keys)
	return keys, nil
}

func (m *KeyManager) generateKey(ctx context.Context, tenantID int64) (domain.SigningKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("generate rsa key: %w", err)
	}

	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})

	created, err := m.repo.Create(ctx, domain.SigningKey{
		TenantID:      tenantID,
		KID:           uuid.NewString(),
		Algorithm:     signingAlgorithm,
		PrivateKeyPEM: pemBytes,
	})
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("persist signing key: %w", err)
	}
	m.setCache.Invalidate(tenantID)
	return created, nil
}

func parsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("decode key pem: no block")
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse rsa key: %w", err)
	}
	return priv, nil
}
