package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"gridwatch/internal/alerting"
	"gridwatch/internal/telemetry"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertReadingSQL = `INSERT INTO readings (
        ts,
        voltage,
        current,
        voltage_estimated,
        source
    ) VALUES (
        $1,$2,$3,$4,$5
    );`

	listReadingsBetweenSQL = `SELECT
        id,
        ts,
        voltage,
        current,
        voltage_estimated,
        source,
        created_at
    FROM readings
    WHERE ts >= $1
      AND ts < $2
    ORDER BY ts;`

	listRecentReadingsSQL = `SELECT
        id,
        ts,
        voltage,
        current,
        voltage_estimated,
        source,
        created_at
    FROM readings
    ORDER BY ts DESC
    LIMIT $1;`

	countReadingsSQL = `SELECT COUNT(*) FROM readings;`

	deleteReadingsBeforeSQL = `DELETE FROM readings WHERE ts < $1;`

	insertAlertSQL = `INSERT INTO alerts (
        id,
        title,
        device_id,
        location,
        lat,
        lng,
        severity,
        type,
        ts
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (id) DO NOTHING;`

	listRecentAlertsSQL = `SELECT
        id,
        title,
        device_id,
        location,
        lat,
        lng,
        severity,
        type,
        ts,
        created_at
    FROM alerts
    ORDER BY ts DESC
    LIMIT $1;`

	listAlertsBetweenSQL = `SELECT
        id,
        title,
        device_id,
        location,
        lat,
        lng,
        severity,
        type,
        ts,
        created_at
    FROM alerts
    WHERE ts >= $1 AND ts < $2
    ORDER BY ts;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE ts < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ReadingStore defines operations for telemetry persistence.
type ReadingStore interface {
	RecordReading(ctx context.Context, r telemetry.Reading) error
	ListReadingsBetween(ctx context.Context, from, to time.Time) ([]ReadingRecord, error)
	ListRecentReadings(ctx context.Context, limit int) ([]ReadingRecord, error)
	CountReadings(ctx context.Context) (int64, error)
	DeleteReadingsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) error
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	ListAlertsBetween(ctx context.Context, from, to time.Time) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to readings and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// 解锁失败时连接释放后锁随会话结束。
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// RecordReading persists one accepted sample.
func (s *Store) RecordReading(ctx context.Context, r telemetry.Reading) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	rec := NewReadingRecord(r)
	var current interface{}
	if rec.Current != nil {
		current = rec.Current.String()
	}

	if _, execErr := pool.Exec(ctx, insertReadingSQL,
		rec.Timestamp,
		rec.Voltage.String(),
		current,
		rec.VoltageEstimated,
		rec.Source,
	); execErr != nil {
		return fmt.Errorf("insert reading: %w", execErr)
	}
	return nil
}

// ListReadingsBetween lists readings within a time window.
func (s *Store) ListReadingsBetween(ctx context.Context, from, to time.Time) ([]ReadingRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listReadingsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list readings between: %w", queryErr)
	}
	return collectReadings(rows, 0)
}

// ListRecentReadings lists the most recent readings, newest first.
func (s *Store) ListRecentReadings(ctx context.Context, limit int) ([]ReadingRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentReadingsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent readings: %w", queryErr)
	}
	return collectReadings(rows, limit)
}

// CountReadings counts stored readings.
func (s *Store) CountReadings(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countReadingsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count readings: %w", scanErr)
	}
	return count, nil
}

// DeleteReadingsBefore prunes readings older than olderThan and reports how many were removed.
func (s *Store) DeleteReadingsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteReadingsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete readings before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// Notify records an alert in the audit table, so a Store can subscribe to the dispatcher.
func (s *Store) Notify(ctx context.Context, a alerting.Alert) error {
	return s.InsertAlert(ctx, NewAlertRecord(a))
}

// InsertAlert persists an alert emission. Re-inserting an id is a no-op.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if _, execErr := pool.Exec(ctx, insertAlertSQL,
		alert.ID,
		alert.Title,
		alert.DeviceID,
		alert.Location,
		optionalDecimal(alert.Lat),
		optionalDecimal(alert.Lng),
		alert.Severity,
		alert.Type,
		alert.Timestamp,
	); execErr != nil {
		return fmt.Errorf("insert alert: %w", execErr)
	}
	return nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
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
		rec, scanErr := scanAlert(rows)
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

// ListAlertsBetween lists alerts in [from, to), oldest first.
func (s *Store) ListAlertsBetween(ctx context.Context, from, to time.Time) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAlertsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts between: %w", queryErr)
	}
	defer rows.Close()

	var alerts []AlertRecord
	for rows.Next() {
		rec, scanErr := scanAlert(rows)
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

// DeleteAlertsBefore deletes historical alerts and reports how many were removed.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete alerts before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func collectReadings(rows pgx.Rows, capacity int) ([]ReadingRecord, error) {
	defer rows.Close()

	readings := make([]ReadingRecord, 0, capacity)
	for rows.Next() {
		rec, scanErr := scanReading(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		readings = append(readings, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return readings, nil
}

func scanReading(rows pgx.Rows) (ReadingRecord, error) {
	var (
		rec        ReadingRecord
		voltageStr string
		currentStr *string
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.Timestamp,
		&voltageStr,
		&currentStr,
		&rec.VoltageEstimated,
		&rec.Source,
		&rec.CreatedAt,
	); err != nil {
		return ReadingRecord{}, err
	}

	voltage, err := decimal.NewFromString(voltageStr)
	if err != nil {
		return ReadingRecord{}, fmt.Errorf("parse voltage: %w", err)
	}
	rec.Voltage = voltage

	rec.Current, err = parseOptionalDecimal(currentStr)
	if err != nil {
		return ReadingRecord{}, fmt.Errorf("parse current: %w", err)
	}
	return rec, nil
}

func scanAlert(rows pgx.Rows) (AlertRecord, error) {
	var (
		rec            AlertRecord
		latStr, lngStr *string
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.Title,
		&rec.DeviceID,
		&rec.Location,
		&latStr,
		&lngStr,
		&rec.Severity,
		&rec.Type,
		&rec.Timestamp,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}

	var err error
	if rec.Lat, err = parseOptionalDecimal(latStr); err != nil {
		return AlertRecord{}, fmt.Errorf("parse lat: %w", err)
	}
	if rec.Lng, err = parseOptionalDecimal(lngStr); err != nil {
		return AlertRecord{}, fmt.Errorf("parse lng: %w", err)
	}
	return rec, nil
}

func optionalDecimal(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseOptionalDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

var (
	_ ReadingStore      = (*Store)(nil)
	_ AlertStore        = (*Store)(nil)
	_ AdvisoryLocker    = (*Store)(nil)
	_ alerting.Notifier = (*Store)(nil)
)
