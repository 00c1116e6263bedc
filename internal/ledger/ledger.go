// Package ledger records fleet deployments in a SQLite database.
//
// Each deployment of an update spec to a server group is one row in the
// updates table, keyed by (updatespec, groupkey). A key is deployed at most
// once and rolled back at most once. Every call reads and writes the
// database file directly; no ledger state is kept in memory.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

var (
	ErrDuplicateJob      = errors.New("update has already been deployed to this server group")
	ErrUnknownJob        = errors.New("job ID does not exist in the ledger")
	ErrNotFound          = errors.New("no job for this update and server group")
	ErrMultipleMatches   = errors.New("ledger holds more than one job for this update and server group")
	ErrAlreadyRolledBack = errors.New("job has already been rolled back")
)

const schema = `
CREATE TABLE IF NOT EXISTS updates (
	updatespec TEXT NOT NULL,
	groupkey   TEXT NOT NULL,
	jobid      TEXT NOT NULL,
	rollbackid TEXT NOT NULL DEFAULT '',
	created    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS updates_jobid ON updates (jobid);
`

const uniqueIndex = `CREATE UNIQUE INDEX IF NOT EXISTS updates_key ON updates (updatespec, groupkey)`

// Job is one row of the ledger.
type Job struct {
	UpdateSpec string
	GroupKey   string
	JobID      string
	RollbackID string
	Created    time.Time
}

// RolledBack reports whether a rollback has been recorded for the job.
func (j Job) RolledBack() bool { return j.RollbackID != "" }

// Config configures Open.
type Config struct {
	// Path is the database file. It is created if it does not exist.
	Path string
	// PoolSize defaults to 4.
	PoolSize int
	Logger   *slog.Logger
}

// Ledger is safe for concurrent use.
type Ledger struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	now    func() time.Time
}

// Open opens the ledger at cfg.Path and creates the schema.
func Open(ctx context.Context, cfg Config) (*Ledger, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("ledger: path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: opening %s: %w", cfg.Path, err)
	}

	l := &Ledger{pool: pool, logger: logger, now: time.Now}
	if err := l.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Debug("ledger opened", "path", cfg.Path)
	return l, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("ledger: %s: %w", pragma, err)
		}
	}
	return nil
}

func (l *Ledger) migrate(ctx context.Context) error {
	return l.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("ledger: begin transaction: %w", err)
		}
		defer endTransaction(&err)

		if err := l.upgradeLegacyTable(conn); err != nil {
			return err
		}
		if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
			return fmt.Errorf("ledger: creating schema: %w", err)
		}
		// Legacy ledgers may already hold duplicate keys. Duplicate
		// detection then relies on the transactional check alone.
		err = sqlitex.ExecuteTransient(conn, uniqueIndex, nil)
		if sqlite.ErrCode(err).ToPrimary() == sqlite.ResultConstraint {
			l.logger.Warn("ledger holds duplicate deployments, unique key index not created")
			return nil
		}
		if err != nil {
			return fmt.Errorf("ledger: creating key index: %w", err)
		}
		return nil
	})
}

// upgradeLegacyTable brings an updates table written by earlier debdeploy
// releases (servergroup column, no created column) to the current layout.
func (l *Ledger) upgradeLegacyTable(conn *sqlite.Conn) error {
	cols := make(map[string]bool)
	err := sqlitex.Execute(conn, "SELECT name FROM pragma_table_info(?)", &sqlitex.ExecOptions{
		Args: []any{"updates"},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			cols[stmt.ColumnText(0)] = true
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("ledger: reading table layout: %w", err)
	}
	if len(cols) == 0 {
		return nil
	}

	var steps []string
	if cols["servergroup"] && !cols["groupkey"] {
		steps = append(steps,
			"ALTER TABLE updates RENAME COLUMN servergroup TO groupkey",
			"UPDATE updates SET rollbackid = '' WHERE rollbackid IS NULL",
		)
	}
	if !cols["created"] {
		steps = append(steps, "ALTER TABLE updates ADD COLUMN created INTEGER NOT NULL DEFAULT 0")
	}
	for _, step := range steps {
		if err := sqlitex.ExecuteTransient(conn, step, nil); err != nil {
			return fmt.Errorf("ledger: upgrading legacy table: %w", err)
		}
	}
	if len(steps) > 0 {
		l.logger.Info("upgraded legacy ledger table", "steps", len(steps))
	}
	return nil
}

// Close closes the database. It blocks until all calls have finished.
func (l *Ledger) Close() error {
	return l.pool.Close()
}

func (l *Ledger) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	defer l.pool.Put(conn)
	return fn(conn)
}

// RecordDeployment records that jobID deploys updateKey to groupKey. It
// fails with ErrDuplicateJob if the pair has been recorded before, also
// when two callers race for the same pair.
func (l *Ledger) RecordDeployment(ctx context.Context, updateKey, groupKey, jobID string) error {
	return l.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("ledger: begin transaction: %w", err)
		}
		defer endTransaction(&err)

		n, err := countKey(conn, updateKey, groupKey, "")
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicateJob
		}

		err = sqlitex.Execute(conn,
			"INSERT INTO updates (updatespec, groupkey, jobid, rollbackid, created) VALUES (?, ?, ?, '', ?)",
			&sqlitex.ExecOptions{Args: []any{updateKey, groupKey, jobID, l.now().Unix()}})
		if sqlite.ErrCode(err).ToPrimary() == sqlite.ResultConstraint {
			return ErrDuplicateJob
		}
		if err != nil {
			return fmt.Errorf("ledger: recording deployment: %w", err)
		}
		return nil
	})
}

// Exists reports whether updateKey has been deployed to groupKey.
func (l *Ledger) Exists(ctx context.Context, updateKey, groupKey string) (bool, error) {
	var n int
	err := l.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		n, err = countKey(conn, updateKey, groupKey, "")
		return err
	})
	return n > 0, err
}

// IsRolledBack reports whether a rollback has been recorded for the
// deployment of updateKey to groupKey.
func (l *Ledger) IsRolledBack(ctx context.Context, updateKey, groupKey string) (bool, error) {
	var n int
	err := l.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		n, err = countKey(conn, updateKey, groupKey, " AND rollbackid != ''")
		return err
	})
	return n > 0, err
}

func countKey(conn *sqlite.Conn, updateKey, groupKey, cond string) (int, error) {
	var n int
	err := sqlitex.Execute(conn,
		"SELECT count(*) FROM updates WHERE updatespec = ? AND groupkey = ?"+cond,
		&sqlitex.ExecOptions{
			Args: []any{updateKey, groupKey},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				n = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("ledger: %w", err)
	}
	return n, nil
}

// JobID returns the job that deployed updateKey to groupKey.
func (l *Ledger) JobID(ctx context.Context, updateKey, groupKey string) (string, error) {
	job, err := l.lookup(ctx, updateKey, groupKey)
	if err != nil {
		return "", err
	}
	return job.JobID, nil
}

// RollbackID returns the rollback job of the deployment of updateKey to
// groupKey, or "" when it has not been rolled back.
func (l *Ledger) RollbackID(ctx context.Context, updateKey, groupKey string) (string, error) {
	job, err := l.lookup(ctx, updateKey, groupKey)
	if err != nil {
		return "", err
	}
	return job.RollbackID, nil
}

func (l *Ledger) lookup(ctx context.Context, updateKey, groupKey string) (Job, error) {
	var jobs []Job
	err := l.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT updatespec, groupkey, jobid, rollbackid, created FROM updates WHERE updatespec = ? AND groupkey = ?",
			&sqlitex.ExecOptions{
				Args: []any{updateKey, groupKey},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					jobs = append(jobs, scanJob(stmt))
					return nil
				},
			})
	})
	switch {
	case err != nil:
		return Job{}, fmt.Errorf("ledger: %w", err)
	case len(jobs) == 0:
		return Job{}, ErrNotFound
	case len(jobs) > 1:
		return Job{}, fmt.Errorf("%w: %s on %s", ErrMultipleMatches, updateKey, groupKey)
	}
	return jobs[0], nil
}

// RecordRollback links rollbackJobID to the deployment jobID.
func (l *Ledger) RecordRollback(ctx context.Context, jobID, rollbackJobID string) error {
	return l.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("ledger: begin transaction: %w", err)
		}
		defer endTransaction(&err)

		var (
			found    bool
			existing string
		)
		err = sqlitex.Execute(conn, "SELECT rollbackid FROM updates WHERE jobid = ?", &sqlitex.ExecOptions{
			Args: []any{jobID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				if id := stmt.ColumnText(0); id != "" {
					existing = id
				}
				return nil
			},
		})
		switch {
		case err != nil:
			return fmt.Errorf("ledger: %w", err)
		case !found:
			return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
		case existing != "":
			return fmt.Errorf("%w: %s by %s", ErrAlreadyRolledBack, jobID, existing)
		}

		err = sqlitex.Execute(conn, "UPDATE updates SET rollbackid = ? WHERE jobid = ?", &sqlitex.ExecOptions{
			Args: []any{rollbackJobID, jobID},
		})
		if err != nil {
			return fmt.Errorf("ledger: recording rollback: %w", err)
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
		}
		return nil
	})
}

// List returns the most recent jobs first. A limit <= 0 returns all jobs.
func (l *Ledger) List(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = -1
	}
	var jobs []Job
	err := l.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT updatespec, groupkey, jobid, rollbackid, created FROM updates ORDER BY rowid DESC LIMIT ?",
			&sqlitex.ExecOptions{
				Args: []any{limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					jobs = append(jobs, scanJob(stmt))
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: listing jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(stmt *sqlite.Stmt) Job {
	job := Job{
		UpdateSpec: stmt.ColumnText(0),
		GroupKey:   stmt.ColumnText(1),
		JobID:      stmt.ColumnText(2),
		RollbackID: stmt.ColumnText(3),
	}
	if ts := stmt.ColumnInt64(4); ts > 0 {
		job.Created = time.Unix(ts, 0)
	}
	return job
}
