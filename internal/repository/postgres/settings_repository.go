package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-dispatch/internal/domain"
	"github.com/acme/outbound-dispatch/internal/repository"
)

// SettingsRepository reads per-tenant outbound configuration. Owned by the
// tenant settings surface; read-only from the dispatch core.
type SettingsRepository struct {
	db *sqlx.DB
}

// NewSettingsRepository constructs the repository.
func NewSettingsRepository(db *sqlx.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get fetches the tenant's outbound settings.
func (r *SettingsRepository) Get(ctx context.Context, tenantID uuid.UUID) (*domain.OutboundSettings, error) {
	q := `SELECT tenant_id, outbound_enabled, time_zone, hours_start_minute, hours_end_minute,
	       daily_call_limit, max_attempts
	  FROM outbound_settings WHERE tenant_id = $1`

	var record settingsRecord
	if err := r.db.QueryRowxContext(ctx, q, tenantID).StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("settings repo: get: %w", err)
	}

	settings := record.toDomain()
	return &settings, nil
}

type settingsRecord struct {
	TenantID       uuid.UUID `db:"tenant_id"`
	Enabled        bool      `db:"outbound_enabled"`
	TimeZone       string    `db:"time_zone"`
	HoursStartMin  int       `db:"hours_start_minute"`
	HoursEndMin    int       `db:"hours_end_minute"`
	DailyCallLimit int       `db:"daily_call_limit"`
	MaxAttempts    int       `db:"max_attempts"`
}

func (r settingsRecord) toDomain() domain.OutboundSettings {
	return domain.OutboundSettings{
		TenantID:       r.TenantID,
		Enabled:        r.Enabled,
		TimeZone:       r.TimeZone,
		HoursStartMin:  r.HoursStartMin,
		HoursEndMin:    r.HoursEndMin,
		DailyCallLimit: r.DailyCallLimit,
		MaxAttempts:    r.MaxAttempts,
	}
}
