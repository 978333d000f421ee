package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/store"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/pkg/models"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// APIKeysTable holds bcrypt-hashed API keys.
const APIKeysTable = "api_keys"

const rawKeyPrefix = "ak_"

// StoreKeys keeps API keys in a store.Binding.
type StoreKeys struct {
	db store.Binding
}

func NewStoreKeys(db store.Binding) *StoreKeys {
	return &StoreKeys{db: db}
}

func (s *StoreKeys) KeysByPrefix(ctx context.Context, prefix string) ([]models.APIKey, error) {
	res, err := s.db.Query(ctx, APIKeysTable, store.Query{
		Filters: []store.Filter{store.Eq("key_prefix", prefix)},
		Limit:   10,
	})
	if err != nil {
		return nil, fmt.Errorf("lookup api keys: %w", err)
	}
	keys := make([]models.APIKey, 0, len(res.Records))
	for _, rec := range res.Records {
		id, err := uuid.Parse(rec.String("id"))
		if err != nil {
			continue
		}
		keys = append(keys, models.APIKey{
			ID:        id,
			TenantID:  rec.String("tenant_id"),
			UserID:    rec.String("user_id"),
			Name:      rec.String("name"),
			KeyHash:   rec.String("key_hash"),
			KeyPrefix: rec.String("key_prefix"),
			RevokedAt: rec.TimePtr("revoked_at"),
			CreatedAt: rec.Time("created_at"),
		})
	}
	return keys, nil
}

// Create issues a new key for userID and returns the raw key. The raw key is
// not stored and cannot be recovered.
func (s *StoreKeys) Create(ctx context.Context, tenantID, userID, name string) (string, *models.APIKey, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate api key: %w", err)
	}
	raw := rawKeyPrefix + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash api key: %w", err)
	}

	key := &models.APIKey{
		ID:        uuid.New(),
		TenantID:  tenantID,
		UserID:    userID,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:keyPrefixLen],
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.Write(ctx, APIKeysTable, []store.Record{{
		"id":         key.ID.String(),
		"tenant_id":  key.TenantID,
		"user_id":    key.UserID,
		"name":       key.Name,
		"key_hash":   key.KeyHash,
		"key_prefix": key.KeyPrefix,
		"created_at": key.CreatedAt,
	}}); err != nil {
		return "", nil, fmt.Errorf("store api key: %w", err)
	}
	return raw, key, nil
}

// Revoke disables the key with id.
func (s *StoreKeys) Revoke(ctx context.Context, id uuid.UUID) error {
	n, err := s.db.Update(ctx, APIKeysTable,
		[]store.Filter{store.Eq("id", id.String())},
		store.Record{"revoked_at": time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

var _ KeyLookup = (*StoreKeys)(nil)
