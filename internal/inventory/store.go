package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"motorctl/internal/config"
)

// Store manages inventory persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the inventory database.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := cfg.InventoryPath()
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// RecordDevice upserts a device sighting. Version fields left empty keep
// their stored values.
func (s *Store) RecordDevice(ctx context.Context, rec DeviceRecord) error {
	serial := strings.ToUpper(strings.TrimSpace(rec.SerialNumber))
	if serial == "" {
		return errors.New("record device: serial number is required")
	}
	seen := rec.LastSeen
	if seen.IsZero() {
		seen = time.Now()
	}
	timestamp := seen.UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO devices (
            serial_number, transport, location, hw_version, fw_version, first_seen, last_seen, seen_count
        ) VALUES (?, ?, ?, ?, ?, ?, ?, 1)
        ON CONFLICT(serial_number) DO UPDATE SET
            transport = excluded.transport,
            location = excluded.location,
            hw_version = COALESCE(excluded.hw_version, devices.hw_version),
            fw_version = COALESCE(excluded.fw_version, devices.fw_version),
            last_seen = excluded.last_seen,
            seen_count = devices.seen_count + 1`,
		serial,
		rec.Transport,
		nullableString(rec.Location),
		nullableString(rec.HWVersion),
		nullableString(rec.FWVersion),
		timestamp,
		timestamp,
	)
	if err != nil {
		return fmt.Errorf("record device: %w", err)
	}
	return nil
}

const deviceColumns = "serial_number, transport, location, hw_version, fw_version, first_seen, last_seen, seen_count"

// Device returns the record for serial, or nil when it was never seen.
func (s *Store) Device(ctx context.Context, serial string) (*DeviceRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE serial_number = ?`,
		strings.ToUpper(strings.TrimSpace(serial)),
	)
	rec, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return rec, nil
}

// ListDevices returns all known devices, most recently seen first.
func (s *Store) ListDevices(ctx context.Context) ([]DeviceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY last_seen DESC, serial_number`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []DeviceRecord
	for rows.Next() {
		rec, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// RecordBackup stores a backup entry and returns it.
func (s *Store) RecordBackup(ctx context.Context, serial, path string, properties int) (*Backup, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO backups (serial_number, path, properties, created_at) VALUES (?, ?, ?, ?)`,
		strings.ToUpper(strings.TrimSpace(serial)),
		path,
		properties,
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("record backup: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return &Backup{ID: id, SerialNumber: strings.ToUpper(serial), Path: path, Properties: properties, CreatedAt: now}, nil
}

// LatestBackup returns the newest backup for serial, or nil if none exists.
func (s *Store) LatestBackup(ctx context.Context, serial string) (*Backup, error) {
	var (
		b          Backup
		createdRaw string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, serial_number, path, properties, created_at FROM backups
         WHERE serial_number = ? ORDER BY id DESC LIMIT 1`,
		strings.ToUpper(strings.TrimSpace(serial)),
	).Scan(&b.ID, &b.SerialNumber, &b.Path, &b.Properties, &createdRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest backup: %w", err)
	}
	b.CreatedAt = parseTime(createdRaw)
	return &b, nil
}

// StartFlash records the beginning of a firmware update and returns its id.
func (s *Store) StartFlash(ctx context.Context, serial, image string, size int64, crc uint32) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO flashes (serial_number, image, size, crc32, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		strings.ToUpper(strings.TrimSpace(serial)),
		image,
		size,
		int64(crc),
		FlashRunning,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("start flash: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

// FinishFlash marks a flash as succeeded, or failed when flashErr is non-nil.
func (s *Store) FinishFlash(ctx context.Context, id int64, flashErr error) error {
	status, message := FlashSucceeded, ""
	if flashErr != nil {
		status, message = FlashFailed, flashErr.Error()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE flashes SET status = ?, error_message = ?, finished_at = ? WHERE id = ?`,
		status,
		nullableString(message),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("finish flash: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish flash: no flash with id %d", id)
	}
	return nil
}

// Flashes returns the firmware updates recorded for serial, newest first.
func (s *Store) Flashes(ctx context.Context, serial string) ([]Flash, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, serial_number, image, size, crc32, status, error_message, started_at, finished_at
         FROM flashes WHERE serial_number = ? ORDER BY id DESC`,
		strings.ToUpper(strings.TrimSpace(serial)),
	)
	if err != nil {
		return nil, fmt.Errorf("list flashes: %w", err)
	}
	defer rows.Close()

	var out []Flash
	for rows.Next() {
		var (
			f           Flash
			crc         int64
			status      string
			message     sql.NullString
			startedRaw  string
			finishedRaw sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.SerialNumber, &f.Image, &f.Size, &crc, &status, &message, &startedRaw, &finishedRaw); err != nil {
			return nil, fmt.Errorf("scan flash: %w", err)
		}
		f.CRC32 = uint32(crc)
		f.Status = FlashStatus(status)
		f.ErrorMessage = message.String
		f.StartedAt = parseTime(startedRaw)
		if finishedRaw.Valid {
			f.FinishedAt = parseTime(finishedRaw.String)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanDevice(scanner interface{ Scan(dest ...any) error }) (*DeviceRecord, error) {
	var (
		rec       DeviceRecord
		location  sql.NullString
		hw        sql.NullString
		fw        sql.NullString
		firstRaw  string
		lastRaw   string
		seenCount int64
	)
	if err := scanner.Scan(&rec.SerialNumber, &rec.Transport, &location, &hw, &fw, &firstRaw, &lastRaw, &seenCount); err != nil {
		return nil, err
	}
	rec.Location = location.String
	rec.HWVersion = hw.String
	rec.FWVersion = fw.String
	rec.FirstSeen = parseTime(firstRaw)
	rec.LastSeen = parseTime(lastRaw)
	rec.SeenCount = int(seenCount)
	return &rec, nil
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
