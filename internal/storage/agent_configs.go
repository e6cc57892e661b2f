package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kaiwa-ai/kaiwa/internal/model"
)

// GetAgentConfig loads an agent configuration for a tenant.
func (db *DB) GetAgentConfig(ctx context.Context, tenantID, id uuid.UUID) (model.AgentConfig, error) {
	var raw []byte
	err := db.pool.QueryRow(ctx,
		`SELECT config FROM agent_configs WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AgentConfig{}, ErrNotFound
	}
	if err != nil {
		return model.AgentConfig{}, fmt.Errorf("storage: get agent config: %w", err)
	}

	var cfg model.AgentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return model.AgentConfig{}, fmt.Errorf("storage: decode agent config %s: %w", id, err)
	}
	cfg.ID = id
	cfg.TenantID = tenantID
	return cfg, nil
}

// GetDefaultAgentConfig loads the tenant's default agent configuration —
// the one used when a turn request names no agent_config_id.
func (db *DB) GetDefaultAgentConfig(ctx context.Context, tenantID uuid.UUID) (model.AgentConfig, error) {
	var (
		id  uuid.UUID
		raw []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, config FROM agent_configs
		 WHERE tenant_id = $1 AND is_default
		 LIMIT 1`,
		tenantID,
	).Scan(&id, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AgentConfig{}, ErrNotFound
	}
	if err != nil {
		return model.AgentConfig{}, fmt.Errorf("storage: get default agent config: %w", err)
	}

	var cfg model.AgentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return model.AgentConfig{}, fmt.Errorf("storage: decode agent config %s: %w", id, err)
	}
	cfg.ID = id
	cfg.TenantID = tenantID
	return cfg, nil
}

// UpsertAgentConfig writes an agent configuration.
func (db *DB) UpsertAgentConfig(ctx context.Context, cfg model.AgentConfig, isDefault bool) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("storage: encode agent config: %w", err)
	}
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO agent_configs (id, tenant_id, config, is_default)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET config = EXCLUDED.config, is_default = EXCLUDED.is_default`,
		cfg.ID, cfg.TenantID, raw, isDefault,
	); err != nil {
		return fmt.Errorf("storage: upsert agent config: %w", err)
	}
	return nil
}
