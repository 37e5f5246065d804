package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"rfidgate/gate-controller/internal/model"

	_ "modernc.org/sqlite"
)

// Roster lookup failures surfaced to the access decision path.
var (
	// ErrRosterMiss means no active employee carries the scanned code.
	ErrRosterMiss = errors.New("rfid code not in roster")
	// ErrRosterAmbiguous means more than one active employee carries the
	// scanned code; access is denied rather than guessing.
	ErrRosterAmbiguous = errors.New("rfid code matches multiple employees")
)

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS config (
			config_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			organisation_id TEXT NOT NULL DEFAULT '',
			serial TEXT NOT NULL DEFAULT '',
			grant_type TEXT NOT NULL DEFAULT '',
			client_id TEXT NOT NULL DEFAULT '',
			client_secret TEXT NOT NULL DEFAULT '',
			issuer TEXT NOT NULL DEFAULT '',
			api_base TEXT NOT NULL DEFAULT '',
			scope TEXT NOT NULL DEFAULT '',
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			expired_token INTEGER NOT NULL DEFAULT 0,
			last_auth_utc INTEGER NOT NULL DEFAULT 0,
			last_sync_utc INTEGER NOT NULL DEFAULT 0,
			created_date_utc INTEGER NOT NULL DEFAULT 0,
			updated_date_utc INTEGER NOT NULL DEFAULT 0,
			deleted_date_utc INTEGER NOT NULL DEFAULT 0,
			server_date_utc INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS employee (
			employee_id TEXT PRIMARY KEY,
			rfid TEXT NOT NULL DEFAULT '',
			rfid_code TEXT NOT NULL DEFAULT '',
			startdate TEXT NOT NULL DEFAULT '',
			termdate TEXT,
			supervisor INTEGER NOT NULL DEFAULT 0,
			log_type INTEGER NOT NULL DEFAULT 0,
			log_date_utc INTEGER NOT NULL DEFAULT 0,
			created_date_utc INTEGER NOT NULL DEFAULT 0,
			updated_date_utc INTEGER NOT NULL DEFAULT 0,
			deleted_date_utc INTEGER NOT NULL DEFAULT 0,
			server_date_utc INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_employee_rfid_code ON employee(rfid_code);`,
		`CREATE TABLE IF NOT EXISTS clock (
			transaction_id TEXT PRIMARY KEY,
			log_type INTEGER NOT NULL,
			employee_id TEXT NOT NULL DEFAULT '',
			employee_rfid TEXT NOT NULL DEFAULT '',
			serial_number TEXT NOT NULL DEFAULT '',
			created_date_utc INTEGER NOT NULL DEFAULT 0,
			updated_date_utc INTEGER NOT NULL DEFAULT 0,
			deleted_date_utc INTEGER NOT NULL DEFAULT 0,
			server_date_utc INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_clock_pending ON clock(server_date_utc) WHERE server_date_utc = 0;`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// DB exposes the underlying sql.DB for callers that need raw access.
func (s *Store) DB() *sql.DB {
	return s.db
}

func nowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}

const configColumns = `config_id, name, organisation_id, serial, grant_type, client_id,
	client_secret, issuer, api_base, scope, access_token, refresh_token, expired_token,
	last_auth_utc, last_sync_utc, created_date_utc, updated_date_utc, deleted_date_utc,
	server_date_utc`

func scanConfig(row *sql.Row) (model.Config, error) {
	var c model.Config
	err := row.Scan(
		&c.ConfigID, &c.Name, &c.OrganisationID, &c.Serial, &c.GrantType, &c.ClientID,
		&c.ClientSecret, &c.Issuer, &c.APIBase, &c.Scope, &c.AccessToken, &c.RefreshToken,
		&c.ExpiredToken, &c.LastAuthUTC, &c.LastSyncUTC, &c.CreatedDateUTC,
		&c.UpdatedDateUTC, &c.DeletedDateUTC, &c.ServerDateUTC,
	)
	return c, err
}

// GetOrCreateConfig returns the singleton config row, creating it from the
// seed values on first access. Only one live row ever exists.
func (s *Store) GetOrCreateConfig(ctx context.Context, seed model.Config) (model.Config, error) {
	if s.db == nil {
		return model.Config{}, fmt.Errorf("store not initialized")
	}

	cfg, err := scanConfig(s.db.QueryRowContext(ctx, `SELECT `+configColumns+` FROM config LIMIT 1;`))
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Config{}, fmt.Errorf("query config: %w", err)
	}

	now := nowMillis()
	seed.ConfigID = uuid.NewString()
	if seed.OrganisationID == "" {
		seed.OrganisationID = model.PlaceholderOrganisationID
	}
	seed.CreatedDateUTC = now
	seed.UpdatedDateUTC = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO config (`+configColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		seed.ConfigID, seed.Name, seed.OrganisationID, seed.Serial, seed.GrantType,
		seed.ClientID, seed.ClientSecret, seed.Issuer, seed.APIBase, seed.Scope,
		seed.AccessToken, seed.RefreshToken, seed.ExpiredToken, seed.LastAuthUTC,
		seed.LastSyncUTC, seed.CreatedDateUTC, seed.UpdatedDateUTC, seed.DeletedDateUTC,
		seed.ServerDateUTC,
	)
	if err != nil {
		return model.Config{}, fmt.Errorf("create config: %w", err)
	}

	return seed, nil
}

// Config returns the singleton config row without creating it.
func (s *Store) Config(ctx context.Context) (model.Config, error) {
	if s.db == nil {
		return model.Config{}, fmt.Errorf("store not initialized")
	}
	cfg, err := scanConfig(s.db.QueryRowContext(ctx, `SELECT `+configColumns+` FROM config LIMIT 1;`))
	if err != nil {
		return model.Config{}, fmt.Errorf("query config: %w", err)
	}
	return cfg, nil
}

// ApplyTokens stores a fresh token set and stamps the last auth time.
func (s *Store) ApplyTokens(ctx context.Context, accessToken string, expiresIn int64) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	now := nowMillis()
	_, err := s.db.ExecContext(ctx,
		`UPDATE config SET access_token = ?, expired_token = ?, last_auth_utc = ?, updated_date_utc = ?;`,
		accessToken, expiresIn, now, now,
	)
	if err != nil {
		return fmt.Errorf("apply tokens: %w", err)
	}
	return nil
}

// BindOrganisation sets the tenant binding for this device.
func (s *Store) BindOrganisation(ctx context.Context, orgID, name string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE config SET organisation_id = ?, name = ?, updated_date_utc = ?;`,
		orgID, name, nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("bind organisation: %w", err)
	}
	return nil
}

// SetLastSync advances the sync watermark. The watermark never moves backwards.
func (s *Store) SetLastSync(ctx context.Context, watermark int64) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE config SET last_sync_utc = ?, updated_date_utc = ? WHERE last_sync_utc <= ?;`,
		watermark, nowMillis(), watermark,
	)
	if err != nil {
		return fmt.Errorf("set last sync: %w", err)
	}
	return nil
}

const employeeColumns = `employee_id, rfid, rfid_code, startdate, termdate, supervisor,
	log_type, log_date_utc, created_date_utc, updated_date_utc, deleted_date_utc,
	server_date_utc`

func scanEmployee(scan func(dest ...any) error) (model.Employee, error) {
	var (
		e        model.Employee
		termdate sql.NullString
		logType  int64
	)
	err := scan(
		&e.EmployeeID, &e.Rfid, &e.RfidCode, &e.Startdate, &termdate, &e.Supervisor,
		&logType, &e.LogDateUTC, &e.CreatedDateUTC, &e.UpdatedDateUTC, &e.DeletedDateUTC,
		&e.ServerDateUTC,
	)
	if err != nil {
		return model.Employee{}, err
	}
	if termdate.Valid {
		e.Termdate = &termdate.String
	}
	e.LogType = model.LogType(logType)
	return e, nil
}

// UpsertEmployee inserts or updates a roster row keyed by employee id.
// The update list is a fixed table of scalar columns: the primary key is never
// overwritten, so a blind copy of a pulled record cannot corrupt identity.
func (s *Store) UpsertEmployee(ctx context.Context, e model.Employee) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	var termdate sql.NullString
	if e.Termdate != nil {
		termdate = sql.NullString{String: *e.Termdate, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO employee (`+employeeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(employee_id)
		 DO UPDATE SET rfid = excluded.rfid,
				 rfid_code = excluded.rfid_code,
				 startdate = excluded.startdate,
				 termdate = excluded.termdate,
				 supervisor = excluded.supervisor,
				 log_type = excluded.log_type,
				 log_date_utc = excluded.log_date_utc,
				 created_date_utc = excluded.created_date_utc,
				 updated_date_utc = excluded.updated_date_utc,
				 deleted_date_utc = excluded.deleted_date_utc,
				 server_date_utc = excluded.server_date_utc;`,
		e.EmployeeID, e.Rfid, e.RfidCode, e.Startdate, termdate, e.Supervisor,
		int64(e.LogType), e.LogDateUTC, e.CreatedDateUTC, e.UpdatedDateUTC,
		e.DeletedDateUTC, e.ServerDateUTC,
	)
	if err != nil {
		return fmt.Errorf("upsert employee: %w", err)
	}
	return nil
}

// EmployeeByID returns the roster row for one employee id.
func (s *Store) EmployeeByID(ctx context.Context, employeeID string) (model.Employee, error) {
	if s.db == nil {
		return model.Employee{}, fmt.Errorf("store not initialized")
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+employeeColumns+` FROM employee WHERE employee_id = ?;`, employeeID)
	e, err := scanEmployee(row.Scan)
	if err != nil {
		return model.Employee{}, fmt.Errorf("query employee: %w", err)
	}
	return e, nil
}

// EmployeeByRfid resolves a scanned code against the active roster.
// Zero matches returns ErrRosterMiss; more than one returns ErrRosterAmbiguous.
func (s *Store) EmployeeByRfid(ctx context.Context, rfidCode string) (model.Employee, error) {
	if s.db == nil {
		return model.Employee{}, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+employeeColumns+` FROM employee
		 WHERE rfid_code = ? AND (termdate IS NULL OR termdate = '');`, rfidCode)
	if err != nil {
		return model.Employee{}, fmt.Errorf("query employee by rfid: %w", err)
	}
	defer rows.Close()

	var matches []model.Employee
	for rows.Next() {
		e, err := scanEmployee(rows.Scan)
		if err != nil {
			return model.Employee{}, fmt.Errorf("scan employee: %w", err)
		}
		matches = append(matches, e)
	}
	if err := rows.Err(); err != nil {
		return model.Employee{}, fmt.Errorf("iterate employees: %w", err)
	}

	switch len(matches) {
	case 0:
		return model.Employee{}, ErrRosterMiss
	case 1:
		return matches[0], nil
	default:
		return model.Employee{}, ErrRosterAmbiguous
	}
}

const clockColumns = `transaction_id, log_type, employee_id, employee_rfid, serial_number,
	created_date_utc, updated_date_utc, deleted_date_utc, server_date_utc`

func scanClockEvent(scan func(dest ...any) error) (model.ClockEvent, error) {
	var (
		c       model.ClockEvent
		logType int64
	)
	err := scan(
		&c.TransactionID, &logType, &c.EmployeeID, &c.EmployeeRFID, &c.SerialNumber,
		&c.CreatedDateUTC, &c.UpdatedDateUTC, &c.DeletedDateUTC, &c.ServerDateUTC,
	)
	if err != nil {
		return model.ClockEvent{}, err
	}
	c.LogType = model.LogType(logType)
	return c, nil
}

// RecordTransit appends a clock event for a confirmed gate transit and
// optimistically updates the employee's last-transit fields in one transaction.
func (s *Store) RecordTransit(ctx context.Context, e model.Employee, dir model.Direction) (model.ClockEvent, error) {
	if s.db == nil {
		return model.ClockEvent{}, fmt.Errorf("store not initialized")
	}

	cfg, err := s.Config(ctx)
	if err != nil {
		return model.ClockEvent{}, err
	}

	now := nowMillis()
	ev := model.ClockEvent{
		TransactionID:  uuid.NewString(),
		LogType:        dir.LogType(),
		EmployeeID:     e.EmployeeID,
		EmployeeRFID:   e.RfidCode,
		SerialNumber:   cfg.Serial,
		CreatedDateUTC: now,
		UpdatedDateUTC: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.ClockEvent{}, fmt.Errorf("begin transit tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO clock (`+clockColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		ev.TransactionID, int64(ev.LogType), ev.EmployeeID, ev.EmployeeRFID,
		ev.SerialNumber, ev.CreatedDateUTC, ev.UpdatedDateUTC, ev.DeletedDateUTC,
		ev.ServerDateUTC,
	); err != nil {
		return model.ClockEvent{}, fmt.Errorf("insert clock event: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE employee SET log_type = ?, log_date_utc = ?, updated_date_utc = ? WHERE employee_id = ?;`,
		int64(ev.LogType), now, now, e.EmployeeID,
	); err != nil {
		return model.ClockEvent{}, fmt.Errorf("update employee transit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.ClockEvent{}, fmt.Errorf("commit transit: %w", err)
	}

	return ev, nil
}

// UpsertClockEvent inserts or updates a remote-originated clock event keyed by
// transaction id. As with employees, the key column is never overwritten.
func (s *Store) UpsertClockEvent(ctx context.Context, c model.ClockEvent) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clock (`+clockColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(transaction_id)
		 DO UPDATE SET log_type = excluded.log_type,
				 employee_id = excluded.employee_id,
				 employee_rfid = excluded.employee_rfid,
				 created_date_utc = excluded.created_date_utc,
				 updated_date_utc = excluded.updated_date_utc,
				 deleted_date_utc = excluded.deleted_date_utc,
				 server_date_utc = excluded.server_date_utc;`,
		c.TransactionID, int64(c.LogType), c.EmployeeID, c.EmployeeRFID, c.SerialNumber,
		c.CreatedDateUTC, c.UpdatedDateUTC, c.DeletedDateUTC, c.ServerDateUTC,
	)
	if err != nil {
		return fmt.Errorf("upsert clock event: %w", err)
	}
	return nil
}

// ClockEventByID returns one clock event by transaction id.
func (s *Store) ClockEventByID(ctx context.Context, transactionID string) (model.ClockEvent, error) {
	if s.db == nil {
		return model.ClockEvent{}, fmt.Errorf("store not initialized")
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+clockColumns+` FROM clock WHERE transaction_id = ?;`, transactionID)
	c, err := scanClockEvent(row.Scan)
	if err != nil {
		return model.ClockEvent{}, fmt.Errorf("query clock event: %w", err)
	}
	return c, nil
}

// PendingClockEvents returns the upload queue: every event the remote service
// has not yet acknowledged, oldest first.
func (s *Store) PendingClockEvents(ctx context.Context) ([]model.ClockEvent, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+clockColumns+` FROM clock WHERE server_date_utc = 0 ORDER BY created_date_utc ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query pending clock events: %w", err)
	}
	defer rows.Close()

	var events []model.ClockEvent
	for rows.Next() {
		c, err := scanClockEvent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan clock event: %w", err)
		}
		events = append(events, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clock events: %w", err)
	}
	return events, nil
}

// CountPendingClockEvents reports the size of the upload queue.
func (s *Store) CountPendingClockEvents(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM clock WHERE server_date_utc = 0;`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending clock events: %w", err)
	}
	return n, nil
}

// MarkClockUploaded stamps an event as acknowledged by the remote service.
// The guard on server_date_utc keeps the stamp one-shot: a second call for the
// same transaction is a no-op.
func (s *Store) MarkClockUploaded(ctx context.Context, transactionID string, uploadedAt int64) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE clock SET server_date_utc = ?, updated_date_utc = ?
		 WHERE transaction_id = ? AND server_date_utc = 0;`,
		uploadedAt, uploadedAt, transactionID,
	)
	if err != nil {
		return fmt.Errorf("mark clock uploaded: %w", err)
	}
	return nil
}
