// Package staging provides per-run ephemeral SQLite workspaces. Fetched rows
// are staged into freshly created tables, queried with read-only SQL, and the
// whole database is torn down when the run ends. Nothing staged here survives
// the run.
package staging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"report-runner/internal/common/errors"
	"report-runner/internal/common/logging"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ColumnInfo describes one staged column
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TableInfo is the schema summary of a staged table. The orchestrator hands
// these to the query oracle so derived SQL only references real columns.
type TableInfo struct {
	Name     string       `json:"name"`
	Columns  []ColumnInfo `json:"columns"`
	RowCount int          `json:"row_count"`
}

// Store manages the active staging workspaces, one per run
type Store struct {
	mu     sync.Mutex
	active map[string]*Workspace
	logger logging.Logger
}

// NewStore creates an empty staging store
func NewStore() *Store {
	return &Store{
		active: make(map[string]*Workspace),
		logger: logging.GetGlobalLogger().WithFields(logging.String("component", "staging")),
	}
}

// Begin opens a fresh in-memory database for the run. The run ID must be
// unique among active runs; reusing one is a conflict.
func (s *Store) Begin(ctx context.Context, runID string) (*Workspace, error) {
	if runID == "" {
		return nil, errors.ValidationError("run ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.active[runID]; exists {
		return nil, errors.ConflictError(fmt.Sprintf("staging workspace for run '%s' already exists", runID))
	}

	// cache=shared keeps the memory database alive across the pool's
	// connections; it is destroyed when the pool closes.
	dsn := fmt.Sprintf("file:staging_%s?mode=memory&cache=shared", runID)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.InternalError("failed to open staging database", err)
	}

	// A shared-cache memory database lives only while a connection to it is
	// open. Pin one for the workspace's lifetime so pool churn cannot wipe
	// the staged tables mid-run.
	holder, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, errors.InternalError("failed to open staging database", err)
	}

	ws := &Workspace{
		runID:  runID,
		db:     db,
		holder: holder,
		tables: make(map[string]*TableInfo),
		logger: s.logger.WithFields(logging.String("run_id", runID)),
		onTeardown: func() {
			s.mu.Lock()
			delete(s.active, runID)
			s.mu.Unlock()
		},
	}
	s.active[runID] = ws

	ws.logger.Debug("staging workspace opened")
	return ws, nil
}

// ActiveRuns reports how many workspaces have not been torn down yet
func (s *Store) ActiveRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Workspace is one run's ephemeral database
type Workspace struct {
	runID      string
	db         *sql.DB
	holder     *sql.Conn
	logger     logging.Logger
	onTeardown func()

	mu       sync.Mutex
	tables   map[string]*TableInfo
	seq      int
	tornDown bool
}

// RunID returns the owning run's identifier
func (w *Workspace) RunID() string {
	return w.runID
}

// Stage creates a table from the rows and inserts them. The schema is
// inferred from the first row and every row must carry exactly the same
// column set; a mismatched row rejects the whole batch. The table name is
// generated from the suggested name, unique within the run.
func (w *Workspace) Stage(ctx context.Context, suggested string, rows []map[string]interface{}) (*TableInfo, error) {
	if !identifierPattern.MatchString(suggested) {
		return nil, errors.ValidationError(fmt.Sprintf("invalid table name suggestion '%s'", suggested))
	}
	if len(rows) == 0 {
		return nil, errors.ValidationError(fmt.Sprintf("no rows to stage for '%s'", suggested))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.tornDown {
		return nil, errors.NotFoundError(fmt.Sprintf("staging workspace for run '%s' is gone", w.runID))
	}

	w.seq++
	table := fmt.Sprintf("t_%s_%03d", suggested, w.seq)

	columns, err := inferColumns(rows[0])
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(columns))
	for _, c := range columns {
		known[c.Name] = true
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, errors.ValidationError(
				fmt.Sprintf("row %d has %d columns, schema of '%s' has %d", i, len(row), table, len(columns)))
		}
		for key := range row {
			if !known[key] {
				return nil, errors.ValidationError(
					fmt.Sprintf("row %d has column '%s' not present in the first row of '%s'", i, key, table))
			}
		}
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.InternalError("failed to begin staging transaction", err)
	}
	defer tx.Rollback()

	defs := make([]string, len(columns))
	names := make([]string, len(columns))
	marks := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = fmt.Sprintf(`"%s" %s`, c.Name, c.Type)
		names[i] = fmt.Sprintf(`"%s"`, c.Name)
		marks[i] = "?"
	}

	createStmt := fmt.Sprintf(`CREATE TABLE "%s" (%s)`, table, strings.Join(defs, ", "))
	if _, err := tx.ExecContext(ctx, createStmt); err != nil {
		return nil, errors.InternalError(fmt.Sprintf("failed to create staging table '%s'", table), err)
	}

	insertStmt := fmt.Sprintf(`INSERT INTO "%s" (%s) VALUES (%s)`,
		table, strings.Join(names, ", "), strings.Join(marks, ", "))
	stmt, err := tx.PrepareContext(ctx, insertStmt)
	if err != nil {
		return nil, errors.InternalError("failed to prepare staging insert", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		values := make([]interface{}, len(columns))
		for i, c := range columns {
			v, err := bindValue(row[c.Name])
			if err != nil {
				return nil, err
			}
			values[i] = v
		}
		if _, err := stmt.ExecContext(ctx, values...); err != nil {
			return nil, errors.InternalError(fmt.Sprintf("failed to insert into '%s'", table), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.InternalError("failed to commit staging transaction", err)
	}

	info := &TableInfo{Name: table, Columns: columns, RowCount: len(rows)}
	w.tables[table] = info

	w.logger.Debug("rows staged",
		logging.String("table", table),
		logging.Int("rows", len(rows)),
	)
	return info, nil
}

// Describe returns the schema summaries of every staged table, sorted by name
func (w *Workspace) Describe() []TableInfo {
	w.mu.Lock()
	defer w.mu.Unlock()

	infos := make([]TableInfo, 0, len(w.tables))
	for _, info := range w.tables {
		infos = append(infos, *info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Query runs a read-only statement against the staged tables. Anything that
// is not a SELECT (or a WITH-prefixed select) is refused outright.
func (w *Workspace) Query(ctx context.Context, query string) ([]map[string]interface{}, error) {
	if err := validateReadOnly(query); err != nil {
		return nil, err
	}

	w.mu.Lock()
	if w.tornDown {
		w.mu.Unlock()
		return nil, errors.NotFoundError(fmt.Sprintf("staging workspace for run '%s' is gone", w.runID))
	}
	db := w.db
	w.mu.Unlock()

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		// sqlite reports syntax and unknown-table problems at query time
		return nil, errors.ValidationError(fmt.Sprintf("query failed: %v", err))
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, errors.InternalError("failed to read result columns", err)
	}

	var results []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		pointers := make([]interface{}, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, errors.InternalError("failed to scan result row", err)
		}
		row := make(map[string]interface{}, len(columns))
		for i, name := range columns {
			if b, ok := values[i].([]byte); ok {
				row[name] = string(b)
			} else {
				row[name] = values[i]
			}
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.InternalError("failed while iterating results", err)
	}
	return results, nil
}

// Teardown destroys the workspace. It is safe to call more than once; only
// the first call does anything.
func (w *Workspace) Teardown() error {
	w.mu.Lock()
	if w.tornDown {
		w.mu.Unlock()
		return nil
	}
	w.tornDown = true
	db := w.db
	holder := w.holder
	w.db = nil
	w.holder = nil
	w.mu.Unlock()

	w.onTeardown()
	w.logger.Debug("staging workspace torn down")

	holder.Close()
	if err := db.Close(); err != nil {
		return errors.InternalError("failed to close staging database", err)
	}
	return nil
}

// validateReadOnly accepts SELECT and WITH statements and nothing else
func validateReadOnly(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return errors.ValidationError("empty query")
	}
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return errors.ForbiddenError("only SELECT queries may run against staged data")
	}
	// a trailing semicolon is fine, a second statement is not
	if rest := strings.TrimRight(trimmed, "; \t\n"); strings.Contains(rest, ";") {
		return errors.ForbiddenError("multiple statements are not allowed")
	}
	return nil
}

// inferColumns maps the first row's values to SQLite column types, sorted by
// column name so table layout is deterministic.
func inferColumns(row map[string]interface{}) ([]ColumnInfo, error) {
	columns := make([]ColumnInfo, 0, len(row))
	for name, value := range row {
		if !identifierPattern.MatchString(name) {
			return nil, errors.ValidationError(fmt.Sprintf("invalid column name '%s'", name))
		}
		columns = append(columns, ColumnInfo{Name: name, Type: sqliteType(value)})
	}
	sort.Slice(columns, func(i, j int) bool { return columns[i].Name < columns[j].Name })
	return columns, nil
}

func sqliteType(value interface{}) string {
	switch value.(type) {
	case bool:
		return "INTEGER"
	case int, int32, int64:
		return "INTEGER"
	case float32, float64:
		// JSON decoding hands every number over as float64; keep REAL so
		// nothing gets truncated.
		return "REAL"
	default:
		return "TEXT"
	}
}

// bindValue converts a staged value into something the sqlite driver accepts.
// Nested objects and arrays are stored as their JSON rendering.
func bindValue(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case nil, bool, int, int32, int64, float32, float64, string:
		return v, nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, errors.ValidationError(fmt.Sprintf("value of type %T cannot be staged", value))
		}
		return string(encoded), nil
	}
}
