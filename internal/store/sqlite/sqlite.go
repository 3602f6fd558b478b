// Package sqlite provides the SQLite-backed Store implementation.
// It uses modernc.org/sqlite (pure Go, no CGO) so the binary is fully static
// and runs in scratch/alpine images without a C compiler.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/plantworks/waterhub/internal/store"
)

// DB implements store.Store using SQLite via database/sql.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies the schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// SQLite serialises writes; one connection avoids SQLITE_BUSY on writes.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies the schema. New versions should only ADD statements here
// so existing databases keep working without a migration tool.
func (s *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id       TEXT    NOT NULL UNIQUE,
			status          TEXT    NOT NULL DEFAULT 'offline',
			pump_status     TEXT    NOT NULL DEFAULT 'idle',
			last_ip         TEXT    NOT NULL DEFAULT '',
			ws_connections  INTEGER NOT NULL DEFAULT 0,
			last_seen       TEXT,
			last_heartbeat  TEXT,
			last_error      TEXT    NOT NULL DEFAULT '',
			created_at      TEXT    NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS alarms (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id       TEXT    NOT NULL,
			name            TEXT    NOT NULL,
			time            TEXT    NOT NULL,          -- HH:MM server-local
			days            TEXT    NOT NULL,          -- comma-joined mon..sun
			duration        INTEGER NOT NULL,          -- milliseconds
			is_active       INTEGER NOT NULL DEFAULT 1,
			last_executed   TEXT,
			next_execution  TEXT    NOT NULL,
			execution_count INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT    NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_alarms_device ON alarms(device_id)`,
		`CREATE INDEX IF NOT EXISTS idx_alarms_time ON alarms(time)`,
		`CREATE INDEX IF NOT EXISTS idx_alarms_next ON alarms(is_active, next_execution)`,

		`CREATE TABLE IF NOT EXISTS schedules (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id   TEXT    NOT NULL,
			fire_at     TEXT    NOT NULL,
			duration    INTEGER NOT NULL,
			status      TEXT    NOT NULL DEFAULT 'pending',
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error  TEXT    NOT NULL DEFAULT '',
			executed_at TEXT,
			created_at  TEXT    NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_schedules_device ON schedules(device_id)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_fire ON schedules(status, fire_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func canonical(deviceID string) string {
	return strings.ToUpper(strings.TrimSpace(deviceID))
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", raw, err)
	}
	return t, nil
}

// ---- devices ----

func (s *DB) RegisterDevice(ctx context.Context, deviceID, addr string) (*store.Device, error) {
	id := canonical(deviceID)
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, status, pump_status, last_ip, last_seen, created_at)
		VALUES (?, 'offline', 'idle', ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			last_ip   = CASE WHEN excluded.last_ip != '' THEN excluded.last_ip ELSE devices.last_ip END,
			last_seen = excluded.last_seen
	`, id, addr, now, now)
	if err != nil {
		return nil, err
	}
	return s.FindDevice(ctx, id)
}

func (s *DB) SetDeviceStatus(ctx context.Context, deviceID string, online bool, pump string, at time.Time) error {
	status := store.DeviceOffline
	if online {
		status = store.DeviceOnline
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE devices SET status = ?, pump_status = ?, last_seen = ? WHERE device_id = ?
	`, status, pump, fmtTime(at), canonical(deviceID))
	return err
}

func (s *DB) IncrementConnections(ctx context.Context, deviceID string) (int64, error) {
	id := canonical(deviceID)
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET ws_connections = ws_connections + 1 WHERE device_id = ?`, id)
	if err != nil {
		return 0, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT ws_connections FROM devices WHERE device_id = ?`, id)
	var n int64
	if err := row.Scan(&n); err != nil {
		if err == sql.ErrNoRows {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	return n, nil
}

func (s *DB) RecordHeartbeat(ctx context.Context, deviceID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE devices SET last_heartbeat = ?, last_seen = ? WHERE device_id = ?
	`, fmtTime(at), fmtTime(at), canonical(deviceID))
	return err
}

func (s *DB) SetDeviceError(ctx context.Context, deviceID, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_error = ? WHERE device_id = ?`, errMsg, canonical(deviceID))
	return err
}

const deviceColumns = `id, device_id, status, pump_status, last_ip, ws_connections,
	last_seen, last_heartbeat, last_error, created_at`

func (s *DB) FindDevice(ctx context.Context, deviceID string) (*store.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE device_id = ?`, canonical(deviceID))
	return scanDevice(row.Scan)
}

func (s *DB) ListDevices(ctx context.Context) ([]*store.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices ORDER BY device_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*store.Device
	for rows.Next() {
		d, err := scanDevice(rows.Scan)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *DB) DeviceCounts(ctx context.Context) (int, int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'online' THEN 1 ELSE 0 END), 0)
		  FROM devices
	`)
	var total, online int
	if err := row.Scan(&total, &online); err != nil {
		return 0, 0, err
	}
	return total, online, nil
}

func (s *DB) ResetOnlineDevices(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET status = 'offline', pump_status = 'idle' WHERE status = 'online'`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- recurring alarms ----

const alarmColumns = `id, device_id, name, time, days, duration, is_active,
	last_executed, next_execution, execution_count, created_at`

func (s *DB) CreateAlarm(ctx context.Context, a *store.Alarm) (*store.Alarm, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alarms (device_id, name, time, days, duration, is_active, next_execution, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, canonical(a.DeviceID), a.Name, a.Time, strings.Join(a.Days, ","), a.Duration,
		boolInt(a.IsActive), fmtTime(a.NextExecution), fmtTime(time.Now()))
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.FindAlarm(ctx, id)
}

func (s *DB) ListAlarms(ctx context.Context, deviceID string) ([]*store.Alarm, error) {
	return s.queryAlarms(ctx,
		`SELECT `+alarmColumns+` FROM alarms WHERE device_id = ? ORDER BY time, id`,
		canonical(deviceID))
}

func (s *DB) FindAlarm(ctx context.Context, id int64) (*store.Alarm, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+alarmColumns+` FROM alarms WHERE id = ?`, id)
	return scanAlarm(row.Scan)
}

func (s *DB) SetAlarmActive(ctx context.Context, id int64, active bool, next time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alarms SET is_active = ?, next_execution = ? WHERE id = ?`,
		boolInt(active), fmtTime(next), id)
	if err != nil {
		return err
	}
	return notFoundOnZero(res)
}

func (s *DB) DeleteAlarm(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alarms WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return notFoundOnZero(res)
}

func (s *DB) FindDueAlarms(ctx context.Context, now time.Time) ([]*store.Alarm, error) {
	return s.queryAlarms(ctx, `
		SELECT `+alarmColumns+`
		  FROM alarms
		 WHERE is_active = 1 AND next_execution <= ?
		 ORDER BY next_execution, id
	`, fmtTime(now))
}

func (s *DB) UpdateAlarmAfterFire(ctx context.Context, id int64, firedAt, next time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alarms
		   SET last_executed   = ?,
		       next_execution  = ?,
		       execution_count = execution_count + 1
		 WHERE id = ?
	`, fmtTime(firedAt), fmtTime(next), id)
	if err != nil {
		return err
	}
	return notFoundOnZero(res)
}

func (s *DB) AdvanceAlarm(ctx context.Context, id int64, next time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alarms SET next_execution = ? WHERE id = ?`, fmtTime(next), id)
	if err != nil {
		return err
	}
	return notFoundOnZero(res)
}

// ---- one-shot schedules ----

const scheduleColumns = `id, device_id, fire_at, duration, status, retry_count,
	last_error, executed_at, created_at`

func (s *DB) CreateSchedule(ctx context.Context, sc *store.Schedule) (*store.Schedule, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (device_id, fire_at, duration, status, created_at)
		VALUES (?, ?, ?, 'pending', ?)
	`, canonical(sc.DeviceID), fmtTime(sc.FireAt), sc.Duration, fmtTime(time.Now()))
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.FindSchedule(ctx, id)
}

func (s *DB) FindSchedule(ctx context.Context, id int64) (*store.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	return scanSchedule(row.Scan)
}

func (s *DB) ListDeviceSchedules(ctx context.Context, deviceID string) ([]*store.Schedule, error) {
	return s.querySchedules(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE device_id = ? ORDER BY fire_at DESC, id DESC`,
		canonical(deviceID))
}

func (s *DB) ListPendingSchedules(ctx context.Context) ([]*store.Schedule, error) {
	return s.querySchedules(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE status = 'pending' ORDER BY fire_at, id`)
}

func (s *DB) MarkSchedule(ctx context.Context, id int64, status, errMsg string, executedAt *time.Time) error {
	var executed any
	if executedAt != nil {
		executed = fmtTime(*executedAt)
	}
	// Terminal states are final: only pending rows transition.
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		   SET status = ?, last_error = ?, executed_at = ?
		 WHERE id = ? AND status = 'pending'
	`, status, errMsg, executed, id)
	if err != nil {
		return err
	}
	return notFoundOnZero(res)
}

func (s *DB) Close() error { return s.db.Close() }

// ---- internal helpers ----

// scanFn is the common signature of (*sql.Row).Scan and (*sql.Rows).Scan.
type scanFn func(dest ...any) error

func scanDevice(scan scanFn) (*store.Device, error) {
	var d store.Device
	var lastSeen, lastHeartbeat sql.NullString
	var createdAt string
	err := scan(&d.ID, &d.DeviceID, &d.Status, &d.PumpStatus, &d.LastIP,
		&d.WSConnections, &lastSeen, &lastHeartbeat, &d.LastError, &createdAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if d.LastSeen, err = nullTime(lastSeen); err != nil {
		return nil, err
	}
	if d.LastHeartbeat, err = nullTime(lastHeartbeat); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func scanAlarm(scan scanFn) (*store.Alarm, error) {
	var a store.Alarm
	var days, next, createdAt string
	var lastExecuted sql.NullString
	var active int
	err := scan(&a.ID, &a.DeviceID, &a.Name, &a.Time, &days, &a.Duration,
		&active, &lastExecuted, &next, &a.ExecutionCount, &createdAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Days = strings.Split(days, ",")
	a.IsActive = active != 0
	if a.LastExecuted, err = nullTime(lastExecuted); err != nil {
		return nil, err
	}
	if a.NextExecution, err = parseTime(next); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanSchedule(scan scanFn) (*store.Schedule, error) {
	var sc store.Schedule
	var fireAt, createdAt string
	var executedAt sql.NullString
	err := scan(&sc.ID, &sc.DeviceID, &fireAt, &sc.Duration, &sc.Status,
		&sc.RetryCount, &sc.LastError, &executedAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if sc.FireAt, err = parseTime(fireAt); err != nil {
		return nil, err
	}
	if sc.ExecutedAt, err = nullTime(executedAt); err != nil {
		return nil, err
	}
	if sc.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *DB) queryAlarms(ctx context.Context, q string, args ...any) ([]*store.Alarm, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alarms []*store.Alarm
	for rows.Next() {
		a, err := scanAlarm(rows.Scan)
		if err != nil {
			return nil, err
		}
		alarms = append(alarms, a)
	}
	return alarms, rows.Err()
}

func (s *DB) querySchedules(ctx context.Context, q string, args ...any) ([]*store.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*store.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sc)
	}
	return schedules, rows.Err()
}

func nullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func notFoundOnZero(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
