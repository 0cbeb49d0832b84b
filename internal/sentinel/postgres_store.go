package sentinel

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists the alert audit trail in PostgreSQL.
// The security_alerts table is created by the project migrations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed alert audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// RecordAlert implements Store.
func (s *PostgresStore) RecordAlert(ctx context.Context, activity *SuspiciousActivity) error {
	detailsJSON, err := json.Marshal(activity.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal details: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO security_alerts (id, activity_type, source_ip, user_id, severity, status, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		activity.ID,
		string(activity.Type),
		activity.SourceIP,
		activity.UserID,
		string(activity.Severity),
		activity.Status,
		detailsJSON,
		activity.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to record alert: %w", err)
	}
	return nil
}

// ListRecentAlerts implements Store. Most recent first.
func (s *PostgresStore) ListRecentAlerts(ctx context.Context, limit int) ([]*SuspiciousActivity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, activity_type, source_ip, user_id, severity, status, details, created_at
		FROM security_alerts
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*SuspiciousActivity
	for rows.Next() {
		var a SuspiciousActivity
		var detailsJSON []byte
		var createdAt time.Time

		if err := rows.Scan(&a.ID, &a.Type, &a.SourceIP, &a.UserID, &a.Severity, &a.Status, &detailsJSON, &createdAt); err != nil {
			continue
		}
		a.Timestamp = createdAt
		if len(detailsJSON) > 0 {
			a.Details = make(map[string]any)
			_ = json.Unmarshal(detailsJSON, &a.Details)
		}
		result = append(result, &a)
	}
	return result, rows.Err()
}
