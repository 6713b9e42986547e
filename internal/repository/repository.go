package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/energy-anomaly-engine/internal/db"
)

const readingColumns = `id, meter_id, reading_timestamp, value_kwh, is_anomaly, anomaly_score, anomaly_status, created_at`

// Repository handles meter and reading queries
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanReading(row pgx.Row) (db.Reading, error) {
	var r db.Reading
	err := row.Scan(
		&r.ID,
		&r.MeterID,
		&r.Timestamp,
		&r.ValueKWh,
		&r.IsAnomaly,
		&r.AnomalyScore,
		&r.AnomalyStatus,
		&r.CreatedAt,
	)
	return r, err
}

func collectReadings(rows pgx.Rows) ([]db.Reading, error) {
	defer rows.Close()

	var readings []db.Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		readings = append(readings, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return readings, nil
}

// MeterExists reports whether a meter with the given id exists
func (r *Repository) MeterExists(ctx context.Context, meterID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM meters WHERE id = $1)`, meterID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query meter: %w", err)
	}
	return exists, nil
}

// ReadingsSince returns the meter's readings at or after cutoff, oldest first
func (r *Repository) ReadingsSince(ctx context.Context, meterID uuid.UUID, cutoff time.Time) ([]db.Reading, error) {
	query := `
		SELECT ` + readingColumns + `
		FROM consumption_readings
		WHERE meter_id = $1 AND reading_timestamp >= $2
		ORDER BY reading_timestamp ASC
	`

	rows, err := r.pool.Query(ctx, query, meterID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	return collectReadings(rows)
}

// CountReadingsSince counts the meter's readings at or after cutoff,
// optionally only those flagged as anomalies
func (r *Repository) CountReadingsSince(ctx context.Context, meterID uuid.UUID, cutoff time.Time, anomaliesOnly bool) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM consumption_readings
		WHERE meter_id = $1 AND reading_timestamp >= $2 AND (NOT $3::boolean OR is_anomaly)
	`

	var count int
	if err := r.pool.QueryRow(ctx, query, meterID, cutoff, anomaliesOnly).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count readings: %w", err)
	}
	return count, nil
}

// ApplyAnomalyMarks flags every marked reading of the meter in one
// transaction. Newly flagged readings without a status become pending.
func (r *Repository) ApplyAnomalyMarks(ctx context.Context, meterID uuid.UUID, marks []db.AnomalyMark) error {
	if len(marks) == 0 {
		return nil
	}

	query := `
		UPDATE consumption_readings
		SET is_anomaly = TRUE,
		    anomaly_score = $1,
		    anomaly_status = COALESCE(anomaly_status, $2)
		WHERE id = $3 AND meter_id = $4
	`

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, m := range marks {
		batch.Queue(query, m.Score, string(db.StatusPending), m.ReadingID, meterID)
	}

	results := tx.SendBatch(ctx, batch)
	for _, m := range marks {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("failed to mark reading %s: %w", m.ReadingID, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to close mark batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// ResetAnomalies clears the anomaly fields of every flagged reading of the meter
func (r *Repository) ResetAnomalies(ctx context.Context, meterID uuid.UUID) (int64, error) {
	query := `
		UPDATE consumption_readings
		SET is_anomaly = FALSE, anomaly_score = NULL, anomaly_status = NULL
		WHERE meter_id = $1 AND is_anomaly
	`

	tag, err := r.pool.Exec(ctx, query, meterID)
	if err != nil {
		return 0, fmt.Errorf("failed to reset anomalies: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecentAnomalies returns flagged readings of every meter at or after cutoff, newest first
func (r *Repository) RecentAnomalies(ctx context.Context, cutoff time.Time, limit int) ([]db.Reading, error) {
	query := `
		SELECT ` + readingColumns + `
		FROM consumption_readings
		WHERE is_anomaly AND reading_timestamp >= $1
		ORDER BY reading_timestamp DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent anomalies: %w", err)
	}
	return collectReadings(rows)
}

// GetReading loads a single reading, returning db.ErrNotFound when missing
func (r *Repository) GetReading(ctx context.Context, readingID uuid.UUID) (*db.Reading, error) {
	query := `SELECT ` + readingColumns + ` FROM consumption_readings WHERE id = $1`

	reading, err := scanReading(r.pool.QueryRow(ctx, query, readingID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query reading: %w", err)
	}
	return &reading, nil
}

// UpdateAnomalyStatus sets the review status of a reading
func (r *Repository) UpdateAnomalyStatus(ctx context.Context, readingID uuid.UUID, status db.AnomalyStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE consumption_readings SET anomaly_status = $1 WHERE id = $2`,
		string(status), readingID,
	)
	if err != nil {
		return fmt.Errorf("failed to update anomaly status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.ErrNotFound
	}
	return nil
}
