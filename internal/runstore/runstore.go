// Package runstore persists terminal pipeline runs so their outcomes survive
// the process. It implements the orchestrator's Recorder; staged data never
// lands here, only the run record and its artifact.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"report-runner/internal/common/errors"
	"report-runner/internal/common/logging"
	"report-runner/internal/orchestrator"
)

// Supported backends
const (
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
)

// Config selects and configures the backend
type Config struct {
	// Type is "sqlite" or "postgres"
	Type string
	// SQLitePath is the database file for the sqlite backend
	SQLitePath string
	// PostgresDSN is the connection string for the postgres backend
	PostgresDSN string
}

// Store persists and retrieves run records
type Store interface {
	Record(ctx context.Context, run *orchestrator.Run) error
	Get(ctx context.Context, id string) (*orchestrator.Run, error)
	List(ctx context.Context, limit int) ([]*orchestrator.Run, error)
	Close() error
}

// New opens the configured backend and ensures the schema exists. Both
// drivers accept $N placeholders, so the SQL below is shared.
func New(cfg Config) (Store, error) {
	var driver, dsn string
	switch cfg.Type {
	case TypeSQLite, "":
		path := cfg.SQLitePath
		if path == "" {
			path = "./report_runner.db"
		}
		driver, dsn = "sqlite3", path
	case TypePostgres:
		if cfg.PostgresDSN == "" {
			return nil, errors.ConfigError("postgres run store requires a DSN")
		}
		driver, dsn = "pgx", cfg.PostgresDSN
	default:
		return nil, errors.ConfigError(fmt.Sprintf("unsupported run store type: %s", cfg.Type))
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.InternalError("failed to open run store", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.InternalError("failed to connect to run store", err)
	}

	store := &sqlStore{
		db:     db,
		logger: logging.GetGlobalLogger().WithFields(logging.String("component", "runstore")),
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

type sqlStore struct {
	db     *sql.DB
	logger logging.Logger
}

func (s *sqlStore) migrate() error {
	schema := `CREATE TABLE IF NOT EXISTS pipeline_runs (
		id TEXT PRIMARY KEY,
		prompt TEXT NOT NULL,
		state TEXT NOT NULL,
		failed_stage TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		stages TEXT NOT NULL,
		artifact TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT NOT NULL
	)`
	if _, err := s.db.Exec(schema); err != nil {
		return errors.InternalError("failed to create run store schema", err)
	}
	return nil
}

// Record upserts a run; recording the same run twice keeps the latest state
func (s *sqlStore) Record(ctx context.Context, run *orchestrator.Run) error {
	stages, err := json.Marshal(run.Stages)
	if err != nil {
		return errors.InternalError("failed to encode run stages", err)
	}

	var artifact interface{}
	if run.Artifact != nil {
		encoded, err := json.Marshal(run.Artifact)
		if err != nil {
			return errors.InternalError("failed to encode run artifact", err)
		}
		artifact = string(encoded)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (id, prompt, state, failed_stage, error, stages, artifact, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			failed_stage = excluded.failed_stage,
			error = excluded.error,
			stages = excluded.stages,
			artifact = excluded.artifact,
			completed_at = excluded.completed_at`,
		run.ID, run.Prompt, string(run.State), string(run.FailedStage), run.Error,
		string(stages), artifact,
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.CompletedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return errors.InternalError("failed to record run", err)
	}

	s.logger.Debug("run recorded",
		logging.String("run_id", run.ID),
		logging.String("state", string(run.State)),
	)
	return nil
}

// Get returns one run by ID
func (s *sqlStore) Get(ctx context.Context, id string) (*orchestrator.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, prompt, state, failed_stage, error, stages, artifact, started_at, completed_at
		FROM pipeline_runs WHERE id = $1`, id)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError(fmt.Sprintf("run '%s'", id))
	}
	return run, err
}

// List returns the most recent runs, newest first
func (s *sqlStore) List(ctx context.Context, limit int) ([]*orchestrator.Run, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, prompt, state, failed_stage, error, stages, artifact, started_at, completed_at
		FROM pipeline_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.InternalError("failed to list runs", err)
	}
	defer rows.Close()

	var runs []*orchestrator.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.InternalError("failed while listing runs", err)
	}
	return runs, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*orchestrator.Run, error) {
	var (
		run        orchestrator.Run
		state      string
		failed     string
		stages     string
		artifact   sql.NullString
		startedAt  string
		finishedAt string
	)
	err := row.Scan(&run.ID, &run.Prompt, &state, &failed, &run.Error,
		&stages, &artifact, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.InternalError("failed to scan run", err)
	}

	run.State = orchestrator.State(state)
	run.FailedStage = orchestrator.State(failed)

	if err := json.Unmarshal([]byte(stages), &run.Stages); err != nil {
		return nil, errors.InternalError("failed to decode run stages", err)
	}
	if artifact.Valid {
		run.Artifact = &orchestrator.Artifact{}
		if err := json.Unmarshal([]byte(artifact.String), run.Artifact); err != nil {
			return nil, errors.InternalError("failed to decode run artifact", err)
		}
	}

	if run.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, errors.InternalError("failed to parse run start time", err)
	}
	if run.CompletedAt, err = time.Parse(time.RFC3339Nano, finishedAt); err != nil {
		return nil, errors.InternalError("failed to parse run completion time", err)
	}
	return &run, nil
}
