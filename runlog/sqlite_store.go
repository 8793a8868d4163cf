package runlog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	// MemoryDSN opens a private in-memory database. Used by tests.
	MemoryDSN = ":memory:"

	dbFileName = "runledger.db"

	readerConns = 4
)

// SQLiteStore persists run history to a SQLite database.
//
// Writes go through a single connection, so every write transaction is
// serialized. The RUNNING check for a run happens inside the same transaction
// as the write it guards. A file database also gets a pool of query-only
// connections; in WAL mode they read the last committed snapshot without
// waiting for an open write. An in-memory database reads through the write
// connection.
type SQLiteStore struct {
	db     *sql.DB
	reader *sql.DB
	logger *slog.Logger
	clock  func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the run history database in dataDir and
// applies pending migrations. Pass MemoryDSN for an in-memory database.
func OpenSQLite(dataDir string, logger *slog.Logger, opts ...StoreOption) (*SQLiteStore, error) {
	o := defaultStoreOptions()
	for _, opt := range opts {
		opt(&o)
	}

	var dsn string
	if dataDir == MemoryDSN {
		dsn = MemoryDSN
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, dbFileName)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// A single connection serializes writers and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, reader: db, logger: logger, clock: o.clock}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	if dsn != MemoryDSN {
		reader, err := openReader(dsn)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("opening read pool: %w", err)
		}
		s.reader = reader
	}

	logger.Info("opened run history database", "dsn", dsn)
	return s, nil
}

// openReader opens a pool of query-only connections to the database file at path.
func openReader(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=query_only(1)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(readerConns)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the read pool and the write connection.
func (s *SQLiteStore) Close() error {
	var err error
	if s.reader != s.db {
		err = s.reader.Close()
	}
	return errors.Join(err, s.db.Close())
}

// migrate applies embedded SQL migrations that haven't been run yet.
func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&applied); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
		s.logger.Info("applied migration", "version", version)
	}

	return nil
}

// BeginRun creates a RUNNING run and returns its id.
func (s *SQLiteStore) BeginRun(ctx context.Context, invokedBy string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO process_runs (invoked_by, status, start_time) VALUES (?, ?, ?)`,
		invokedBy, StatusRunning.String(), s.clock().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading run id: %w", err)
	}
	s.logger.Debug("began run", "process_id", id)
	return id, nil
}

// CompleteRun sets the terminal status and end time of a RUNNING run.
func (s *SQLiteStore) CompleteRun(ctx context.Context, id int64, status RunStatus) error {
	if err := validateTerminal(status); err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		start, err := lockRunning(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("completing run %d: %w", id, err)
		}

		end := s.clock().UnixNano()
		if end < start {
			end = start
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE process_runs SET status = ?, end_time = ? WHERE process_id = ? AND status = ?`,
			status.String(), end, id, StatusRunning.String(),
		); err != nil {
			return fmt.Errorf("updating run %d: %w", id, err)
		}
		return nil
	})
}

// RecordUnits appends units to a RUNNING run in a single transaction.
func (s *SQLiteStore) RecordUnits(ctx context.Context, id int64, units []UnitRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := lockRunning(ctx, tx, id); err != nil {
			return fmt.Errorf("recording units for run %d: %w", id, err)
		}
		if len(units) == 0 {
			return nil
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO process_units (process_id, unit_key, stage, success, message, unit_time)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing unit insert: %w", err)
		}
		defer stmt.Close()

		now := s.clock()
		for _, u := range units {
			ts := u.Timestamp
			if ts.IsZero() {
				ts = now
			}
			if _, err := stmt.ExecContext(ctx, id, u.UnitKey, u.Stage, u.Outcome.Success, u.Outcome.Message, ts.UnixNano()); err != nil {
				return fmt.Errorf("inserting unit %q: %w", u.UnitKey, err)
			}
		}
		s.logger.Debug("recorded units", "process_id", id, "count", len(units))
		return nil
	})
}

// runFilter builds the WHERE clause shared by the count and page queries.
func runFilter(tr TimeRange, activeOnly bool, now time.Time) (string, []any) {
	where := `r.start_time < ? AND COALESCE(r.end_time, ?) > ?`
	args := []any{tr.To.UnixNano(), now.UnixNano(), tr.From.UnixNano()}
	if activeOnly {
		where += ` AND EXISTS (SELECT 1 FROM process_units u WHERE u.process_id = r.process_id)`
	}
	return where, args
}

// QueryRuns returns runs in the range, most recent first.
func (s *SQLiteStore) QueryRuns(ctx context.Context, tr TimeRange, activeOnly bool, lo LimitOffset) (Page[RunRecord], error) {
	lo = lo.Normalize()
	page := Page[RunRecord]{Items: []RunRecord{}, Limit: lo.Limit, Offset: lo.Offset}
	where, args := runFilter(tr, activeOnly, s.clock())

	err := s.readTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM process_runs r WHERE `+where, args...,
		).Scan(&page.Total); err != nil {
			return fmt.Errorf("counting runs: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT r.process_id, r.invoked_by, r.status, r.start_time, r.end_time,
			       (SELECT COUNT(*) FROM process_units u WHERE u.process_id = r.process_id)
			FROM process_runs r
			WHERE `+where+`
			ORDER BY r.start_time DESC, r.process_id DESC
			LIMIT ? OFFSET ?`,
			append(args, lo.Limit, lo.Offset)...,
		)
		if err != nil {
			return fmt.Errorf("querying runs: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			run, err := scanRun(rows)
			if err != nil {
				return err
			}
			page.Items = append(page.Items, run)
		}
		return rows.Err()
	})
	return page, err
}

// GetRun returns the run with the given id.
func (s *SQLiteStore) GetRun(ctx context.Context, id int64) (RunRecord, error) {
	row := s.reader.QueryRowContext(ctx, `
		SELECT r.process_id, r.invoked_by, r.status, r.start_time, r.end_time,
		       (SELECT COUNT(*) FROM process_units u WHERE u.process_id = r.process_id)
		FROM process_runs r WHERE r.process_id = ?`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, ErrNotFound
	}
	return run, err
}

// GetUnits returns the units of a run ordered by timestamp ascending.
func (s *SQLiteStore) GetUnits(ctx context.Context, id int64, lo LimitOffset) (Page[UnitRecord], error) {
	lo = lo.Normalize()
	page := Page[UnitRecord]{Items: []UnitRecord{}, Limit: lo.Limit, Offset: lo.Offset}

	err := s.readTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM process_units WHERE process_id = ?`, id,
		).Scan(&page.Total); err != nil {
			return fmt.Errorf("counting units: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT process_id, unit_key, stage, success, message, unit_time
			FROM process_units
			WHERE process_id = ?
			ORDER BY unit_time ASC, seq ASC
			LIMIT ? OFFSET ?`, id, lo.Limit, lo.Offset)
		if err != nil {
			return fmt.Errorf("querying units: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				u  UnitRecord
				ts int64
			)
			if err := rows.Scan(&u.ProcessID, &u.UnitKey, &u.Stage, &u.Outcome.Success, &u.Outcome.Message, &ts); err != nil {
				return fmt.Errorf("scanning unit: %w", err)
			}
			u.Timestamp = time.Unix(0, ts)
			page.Items = append(page.Items, u)
		}
		return rows.Err()
	})
	return page, err
}

// Prune removes terminal runs that ended before the cutoff.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int, error) {
	var removed int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cutoff := before.UnixNano()
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM process_units WHERE process_id IN (
				SELECT process_id FROM process_runs WHERE end_time IS NOT NULL AND end_time < ?
			)`, cutoff); err != nil {
			return fmt.Errorf("deleting units: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM process_runs WHERE end_time IS NOT NULL AND end_time < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("deleting runs: %w", err)
		}
		removed, err = res.RowsAffected()
		return err
	})
	return int(removed), err
}

// inTx runs fn in a transaction, committing on success and rolling back otherwise.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// readTx runs fn in a transaction on the read pool, so the queries in fn see
// one snapshot.
func (s *SQLiteStore) readTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.reader.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning read transaction: %w", err)
	}
	defer tx.Rollback()
	return fn(tx)
}

// lockRunning checks inside tx that the run exists and is RUNNING, returning
// its start time.
func lockRunning(ctx context.Context, tx *sql.Tx, id int64) (int64, error) {
	var (
		status string
		start  int64
	)
	err := tx.QueryRowContext(ctx,
		`SELECT status, start_time FROM process_runs WHERE process_id = ?`, id,
	).Scan(&status, &start)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUnknownRun
	}
	if err != nil {
		return 0, err
	}
	if status != StatusRunning.String() {
		return 0, ErrAlreadyTerminal
	}
	return start, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var (
		run    RunRecord
		status string
		start  int64
		end    sql.NullInt64
	)
	if err := row.Scan(&run.ProcessID, &run.InvokedBy, &status, &start, &end, &run.UnitCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return run, err
		}
		return run, fmt.Errorf("scanning run: %w", err)
	}

	parsed, err := ParseRunStatus(status)
	if err != nil {
		return run, err
	}
	run.Status = parsed
	run.StartTime = time.Unix(0, start)
	if end.Valid {
		t := time.Unix(0, end.Int64)
		run.EndTime = &t
	}
	return run, nil
}
