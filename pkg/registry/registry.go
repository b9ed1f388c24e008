// Package registry manages the provisioning rows of the control plane:
// collector keys, edge devices, and the miner inventory. Collector key and
// edge device changes are audit-chained. Miner registration writes no audit
// link; it appends an outbox event inside the same transaction, which is
// what drives the portfolio read model.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hashsentry/hashsentry/pkg/audit"
	"github.com/hashsentry/hashsentry/pkg/consumer"
	"github.com/hashsentry/hashsentry/pkg/ingest"
	"github.com/hashsentry/hashsentry/pkg/log"
	"github.com/hashsentry/hashsentry/pkg/outbox"
	"github.com/hashsentry/hashsentry/pkg/storage"
	"github.com/hashsentry/hashsentry/pkg/types"
)

// Service performs provisioning operations against the store.
type Service struct {
	store  storage.Store
	logger zerolog.Logger
}

// NewService creates the registry service.
func NewService(store storage.Store) *Service {
	return &Service{store: store, logger: log.WithComponent("registry")}
}

// CreateCollectorKey mints a new site credential. The plaintext token is
// returned exactly once and only its hash is persisted.
func (s *Service) CreateCollectorKey(ctx context.Context, tenantID, siteID, actorID string) (string, *types.CollectorKey, error) {
	token, err := randomHex(24)
	if err != nil {
		return "", nil, err
	}
	plaintext := ingest.KeyPrefix + token

	key := &types.CollectorKey{
		ID:        uuid.NewString(),
		SiteID:    siteID,
		KeyHash:   ingest.HashKey(plaintext),
		CreatedAt: time.Now().UTC(),
	}

	err = s.store.Transact(ctx, func(tx storage.Tx) error {
		if err := tx.InsertCollectorKey(key); err != nil {
			return err
		}
		_, err := audit.Append(tx, tenantID, actorID, types.AuditKeyCreated, "collector_key", key.ID, map[string]any{
			"site_id": siteID,
		})
		return err
	})
	if err != nil {
		return "", nil, err
	}

	s.logger.Info().Str("key_id", key.ID).Str("site_id", siteID).Msg("collector key created")
	return plaintext, key, nil
}

// RevokeCollectorKey revokes a credential and chains the action.
func (s *Service) RevokeCollectorKey(ctx context.Context, tenantID, keyID, actorID string) error {
	if err := s.store.RevokeCollectorKey(ctx, keyID, time.Now().UTC()); err != nil {
		return err
	}
	err := s.store.Transact(ctx, func(tx storage.Tx) error {
		_, err := audit.Append(tx, tenantID, actorID, types.AuditKeyRevoked, "collector_key", keyID, nil)
		return err
	})
	if err != nil {
		return err
	}
	s.logger.Info().Str("key_id", keyID).Msg("collector key revoked")
	return nil
}

// RegisterDevice provisions an edge device with a fresh shared secret. The
// secret is returned once for the device's configuration file.
func (s *Service) RegisterDevice(ctx context.Context, tenantID, siteID, name, actorID string) (*types.EdgeDevice, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}

	device := &types.EdgeDevice{
		ID:         uuid.NewString(),
		SiteID:     siteID,
		TenantID:   tenantID,
		Name:       name,
		HMACSecret: secret,
		CreatedAt:  time.Now().UTC(),
	}

	err := s.store.Transact(ctx, func(tx storage.Tx) error {
		if err := tx.InsertEdgeDevice(device); err != nil {
			return err
		}
		_, err := audit.Append(tx, tenantID, actorID, types.AuditDeviceRegistered, "edge_device", device.ID, map[string]any{
			"site_id": siteID,
			"name":    name,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("device_id", device.ID).Str("site_id", siteID).Msg("edge device registered")
	return device, nil
}

// RegisterMiner adds a miner to the inventory. The business row and the
// miner.added outbox event commit together; the portfolio consumer picks
// the event up downstream.
func (s *Service) RegisterMiner(ctx context.Context, m *types.Miner, actorID string) error {
	if m.ID == "" || m.SiteID == "" || m.TenantID == "" {
		return fmt.Errorf("registry: miner id, site, and tenant are required")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	return s.store.Transact(ctx, func(tx storage.Tx) error {
		if err := tx.InsertMiner(m); err != nil {
			return err
		}
		_, err := outbox.AppendEvent(tx, consumer.KindMinerAdded, m.TenantID, m.ID, map[string]any{
			"ip":    m.Address,
			"model": m.Model,
		}, "miner-added-"+m.ID)
		return err
	})
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
