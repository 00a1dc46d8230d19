package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/totpgate/internal/database"
	"github.com/BradenHooton/totpgate/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const securityEventColumns = `
	id, created_at, event_type, ip_address, user_agent, browser, os, device, accept_language,
	city, region, country, country_code, location, timezone, isp, org, postal,
	latitude, longitude, location_source, session_id, masked_code, reason, message,
	attempt_number, remaining_attempts, remaining_minutes, total_attempts,
	session_minutes, inactivity_minutes, action, details`

// PostgresSecurityLogRepository stores security events in Postgres
type PostgresSecurityLogRepository struct {
	pool       *pgxpool.Pool
	maxEntries int // Upper bound on List results
}

// NewPostgresSecurityLogRepository creates a new PostgresSecurityLogRepository
func NewPostgresSecurityLogRepository(db *database.DB, maxEntries int) *PostgresSecurityLogRepository {
	return &PostgresSecurityLogRepository{pool: db.Pool, maxEntries: maxEntries}
}

// rowScanner covers pgx.Row and pgx.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSecurityEventRow(row rowScanner) (*models.SecurityEvent, error) {
	var e models.SecurityEvent

	err := row.Scan(
		&e.ID, &e.Timestamp, &e.Type, &e.IP, &e.UserAgent, &e.Browser, &e.OS, &e.Device, &e.AcceptLanguage,
		&e.City, &e.Region, &e.Country, &e.CountryCode, &e.Display, &e.Timezone, &e.ISP, &e.Org, &e.Postal,
		&e.Latitude, &e.Longitude, &e.Source, &e.SessionID, &e.MaskedCode, &e.Reason, &e.Message,
		&e.AttemptNumber, &e.RemainingAttempts, &e.RemainingMinutes, &e.TotalAttempts,
		&e.SessionMinutes, &e.InactivityMinutes, &e.Action, &e.Details,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &e, nil
}

func scanSecurityEventRows(rows pgx.Rows) ([]*models.SecurityEvent, error) {
	defer rows.Close()

	events := make([]*models.SecurityEvent, 0)
	for rows.Next() {
		e, err := scanSecurityEventRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating security event rows: %w", err)
	}

	return events, nil
}

// Append inserts event
func (r *PostgresSecurityLogRepository) Append(ctx context.Context, e *models.SecurityEvent) error {
	query := `
		INSERT INTO security_events (` + securityEventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
		        $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33)
	`

	_, err := r.pool.Exec(ctx, query,
		e.ID, e.Timestamp, e.Type, e.IP, e.UserAgent, e.Browser, e.OS, e.Device, e.AcceptLanguage,
		e.City, e.Region, e.Country, e.CountryCode, e.Display, e.Timezone, e.ISP, e.Org, e.Postal,
		e.Latitude, e.Longitude, e.Source, e.SessionID, e.MaskedCode, e.Reason, e.Message,
		e.AttemptNumber, e.RemainingAttempts, e.RemainingMinutes, e.TotalAttempts,
		e.SessionMinutes, e.InactivityMinutes, e.Action, e.Details,
	)
	if err != nil {
		return fmt.Errorf("failed to insert security event: %w", database.MapPostgresError(err))
	}

	return nil
}

// List returns the newest maxEntries events
func (r *PostgresSecurityLogRepository) List(ctx context.Context) ([]*models.SecurityEvent, error) {
	query := `
		SELECT ` + securityEventColumns + `
		FROM security_events
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, r.maxEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to query security events: %w", err)
	}

	return scanSecurityEventRows(rows)
}

// DeleteBefore removes events older than cutoff
func (r *PostgresSecurityLogRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM security_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old security events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
