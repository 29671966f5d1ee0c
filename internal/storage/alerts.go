package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertAlertSQL = `INSERT INTO alert_events (
        category,
        alert_id,
        severity,
        message,
        value,
        threshold,
        raised_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    RETURNING id, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        category,
        alert_id,
        severity,
        message,
        value,
        threshold,
        raised_at,
        created_at
    FROM alert_events
    ORDER BY raised_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alert_events WHERE raised_at < $1;`
)

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AlertAudit persists alert transitions to PostgreSQL.
type AlertAudit struct {
	pool *pgxpool.Pool
}

// NewAlertAudit wires a pgx pool into an AlertAudit.
func NewAlertAudit(pool *pgxpool.Pool) *AlertAudit {
	return &AlertAudit{pool: pool}
}

// Close releases the underlying pool resources.
func (s *AlertAudit) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *AlertAudit) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertAlert persists an alert emission.
func (s *AlertAudit) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.Category,
		alert.AlertID,
		alert.Severity,
		alert.Message,
		alert.Value,
		alert.Threshold,
		alert.RaisedAt,
	)
	if scanErr := row.Scan(&alert.ID, &alert.CreatedAt); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return alert, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *AlertAudit) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanAlertRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *AlertAudit) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

func scanAlertRecord(rows pgx.Rows) (AlertRecord, error) {
	var rec AlertRecord
	if err := rows.Scan(
		&rec.ID,
		&rec.Category,
		&rec.AlertID,
		&rec.Severity,
		&rec.Message,
		&rec.Value,
		&rec.Threshold,
		&rec.RaisedAt,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, fmt.Errorf("scan alert: %w", err)
	}
	return rec, nil
}

var _ AlertStore = (*AlertAudit)(nil)
