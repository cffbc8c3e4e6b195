package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/factorysh/maintenance/run"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

const runColumns = `id, task_name, status, tick_count, tick_total, cursor, arguments, metadata,
	time_running, error_class, error_message, backtrace, started_at, ended_at,
	created_at, updated_at, lock_version, executor`

// SQLStore provides SQLite-backed run persistence
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens the database at path and migrates it
func NewSQLStore(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer, sqlite serializes anyway
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, errors.Wrap(err, pragma)
		}
	}

	if err := migrateSQLite(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "running migrations")
	}

	return &SQLStore{db: db}, nil
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(sqliteMigrations, "migrations/sqlite")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return err
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return err
	}
	for _, result := range results {
		log.WithField("migration", result.Source.Path).
			WithField("duration", result.Duration).
			Debug("Migrated")
	}
	return nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// statusList is the SQL list of statuses, they are constants
func statusList(statuses []run.Status) string {
	quoted := make([]string, len(statuses))
	for i, st := range statuses {
		quoted[i] = "'" + string(st) + "'"
	}
	return "(" + strings.Join(quoted, ", ") + ")"
}

func terminal() string {
	return statusList(run.TerminalStatuses)
}

func held() string {
	return statusList(run.HeldStatuses)
}

// fixed width, so that text order is time order
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeFormat, raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeMap(m map[string]string) (interface{}, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func decodeMap(raw sql.NullString) (map[string]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var m map[string]string
	err := json.Unmarshal([]byte(raw.String), &m)
	return m, err
}

// Create implements RunStore
func (s *SQLStore) Create(ctx context.Context, r *run.Run) error {
	if err := checkNew(r); err != nil {
		return err
	}
	r.LockVersion = 0
	args, err := encodeMap(r.Arguments)
	if err != nil {
		return err
	}
	metadata, err := encodeMap(r.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(),
		r.TaskName,
		string(r.Status),
		r.TickCount,
		r.TickTotal,
		r.Cursor,
		args,
		metadata,
		int64(r.TimeRunning),
		r.ErrorClass,
		r.ErrorMessage,
		r.Backtrace,
		formatTimePtr(r.StartedAt),
		formatTimePtr(r.EndedAt),
		formatTime(r.CreatedAt),
		formatTime(r.UpdatedAt),
		r.LockVersion,
		r.Executor,
	)
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*run.Run, error) {
	var (
		r                               run.Run
		id, status                      string
		tickTotal                       sql.NullInt64
		cursor, args, metadata          sql.NullString
		timeRunning                     int64
		errorClass, errorMessage, trace sql.NullString
		startedAt, endedAt, executor    sql.NullString
		createdAt, updatedAt            string
	)
	err := row.Scan(&id, &r.TaskName, &status, &r.TickCount, &tickTotal, &cursor,
		&args, &metadata, &timeRunning, &errorClass, &errorMessage, &trace,
		&startedAt, &endedAt, &createdAt, &updatedAt, &r.LockVersion, &executor)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, run.ErrNotFound
		}
		return nil, err
	}
	r.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	r.Status = run.Status(status)
	if tickTotal.Valid {
		v := tickTotal.Int64
		r.TickTotal = &v
	}
	if cursor.Valid {
		v := cursor.String
		r.Cursor = &v
	}
	if r.Arguments, err = decodeMap(args); err != nil {
		return nil, err
	}
	if r.Metadata, err = decodeMap(metadata); err != nil {
		return nil, err
	}
	r.TimeRunning = time.Duration(timeRunning)
	r.ErrorClass = errorClass.String
	r.ErrorMessage = errorMessage.String
	r.Backtrace = trace.String
	r.Executor = executor.String
	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if r.EndedAt, err = parseTime(endedAt); err != nil {
		return nil, err
	}
	for _, t := range []struct {
		raw string
		dst *time.Time
	}{{createdAt, &r.CreatedAt}, {updatedAt, &r.UpdatedAt}} {
		*t.dst, err = time.Parse(timeFormat, t.raw)
		if err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// Get implements RunStore
func (s *SQLStore) Get(ctx context.Context, id uuid.UUID) (*run.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id.String())
	return scanRun(row)
}

// missed explains why an update touched no row
func (s *SQLStore) missed(ctx context.Context, id uuid.UUID) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, id.String()).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return run.ErrNotFound
		}
		return err
	}
	if run.Status(status).IsTerminal() {
		return run.ErrTerminal
	}
	return run.ErrConflict
}

func (s *SQLStore) exec(ctx context.Context, id uuid.UUID, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.missed(ctx, id)
	}
	return nil
}

// Save implements RunStore
func (s *SQLStore) Save(ctx context.Context, r *run.Run) error {
	metadata, err := encodeMap(r.Metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	err = s.exec(ctx, r.ID, fmt.Sprintf(`UPDATE runs SET
			status = ?, tick_total = ?, started_at = ?, ended_at = ?,
			error_class = ?, error_message = ?, backtrace = ?, metadata = ?,
			executor = ?, updated_at = ?, lock_version = lock_version + 1
		WHERE id = ? AND lock_version = ? AND status NOT IN %s`, terminal()),
		string(r.Status),
		r.TickTotal,
		formatTimePtr(r.StartedAt),
		formatTimePtr(r.EndedAt),
		r.ErrorClass,
		r.ErrorMessage,
		r.Backtrace,
		metadata,
		r.Executor,
		formatTime(now),
		r.ID.String(),
		r.LockVersion,
	)
	if err != nil {
		return err
	}
	r.LockVersion++
	r.UpdatedAt = now
	return nil
}

// IncrementTicks implements RunStore
func (s *SQLStore) IncrementTicks(ctx context.Context, id uuid.UUID, n int64) error {
	if err := checkTicks(n); err != nil {
		return err
	}
	return s.exec(ctx, id, fmt.Sprintf(`UPDATE runs
		SET tick_count = tick_count + ?, updated_at = ?
		WHERE id = ? AND status NOT IN %s`, terminal()),
		n, formatTime(time.Now()), id.String())
}

// Checkpoint implements RunStore
func (s *SQLStore) Checkpoint(ctx context.Context, id uuid.UUID, c Checkpoint) error {
	if err := checkTicks(c.Ticks); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE runs
		SET tick_count = tick_count + ?, time_running = time_running + ?,
			cursor = COALESCE(?, cursor), updated_at = ?
		WHERE id = ? AND status NOT IN %s`, terminal())
	args := []interface{}{c.Ticks, int64(c.TimeRunning), c.Cursor, formatTime(time.Now()), id.String()}
	if c.Executor != "" {
		query += " AND executor = ? AND status IN " + held()
		args = append(args, c.Executor)
	}
	return s.exec(ctx, id, query, args...)
}

// List implements RunStore
func (s *SQLStore) List(ctx context.Context, f Filter) ([]*run.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []interface{}

	if f.TaskName != "" {
		query += " AND task_name = ?"
		args = append(args, f.TaskName)
	}
	if len(f.Statuses) > 0 {
		query += " AND status IN (?" + strings.Repeat(", ?", len(f.Statuses)-1) + ")"
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]*run.Run, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
