package dataset

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/billie-coop/askdata/internal/metrics"
)

const dateColumn = "data"

// Store owns the in-memory database built from the CSV.
//
// Used by: pipeline (Execute, Schema), watcher (Reload), cmd/ask
type Store struct {
	table   string
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	db     *handle
	schema Schema
	path   string
	loaded time.Time
}

// handle is one loaded database. Queries hold a reference for their whole
// run so a reload closes the previous database only after they finish.
type handle struct {
	db   *sql.DB
	refs sync.WaitGroup
}

// acquire must be called with Store.mu held, so that no reference is taken
// after the handle has been swapped out.
func (h *handle) acquire() { h.refs.Add(1) }

func (h *handle) release() { h.refs.Done() }

// close waits for running queries, then closes the database.
func (h *handle) close() error {
	h.refs.Wait()
	return h.db.Close()
}

// Option configures a Store.
type Option func(*Store)

// WithTable sets the table name. Defaults to "records".
func WithTable(name string) Option {
	return func(s *Store) { s.table = name }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New creates an empty store. Call Reload to load data.
func New(opts ...Option) *Store {
	s := &Store{
		table:  "records",
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open creates a store and loads path into it.
func Open(path string, opts ...Option) (*Store, error) {
	s := New(opts...)
	if err := s.Reload(path); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the file the current data came from.
func (s *Store) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

// LoadedAt returns when the current data was loaded.
func (s *Store) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// Schema returns the loaded table's schema.
func (s *Store) Schema() Schema {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schema
}

// Reload rebuilds the database from path and swaps it in. An empty path
// reloads the current file. On failure the previous data stays in place.
func (s *Store) Reload(path string) (err error) {
	defer func() { s.metrics.RecordReload(err) }()

	if path == "" {
		path = s.Path()
	}
	if path == "" {
		return errors.New("no dataset path")
	}

	start := time.Now()
	db, schema, rows, err := build(path, s.table)
	if err != nil {
		s.logger.Error("dataset reload failed", zap.String("path", path), zap.Error(err))
		return fmt.Errorf("load %s: %w", path, err)
	}

	s.mu.Lock()
	old := s.db
	s.db, s.schema, s.path, s.loaded = &handle{db: db}, schema, path, time.Now()
	s.mu.Unlock()

	if old != nil {
		go func() {
			if err := old.close(); err != nil {
				s.logger.Warn("closing previous dataset failed", zap.Error(err))
			}
		}()
	}

	s.logger.Info("dataset loaded",
		zap.String("path", path),
		zap.String("schema", schema.String()),
		zap.Int("rows", rows),
		zap.Duration("took", time.Since(start)))
	return nil
}

// Execute runs a read-only query.
func (s *Store) Execute(ctx context.Context, query string) (Rows, error) {
	s.mu.RLock()
	h := s.db
	if h != nil {
		h.acquire()
	}
	s.mu.RUnlock()
	if h == nil {
		return Rows{}, ErrNotLoaded
	}
	defer h.release()

	rows, err := h.db.QueryContext(ctx, query)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Rows{}, ctxErr
		}
		return Rows{}, classify(query, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Rows{}, classify(query, err)
	}

	out := Rows{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Rows{}, classify(query, err)
		}
		for i, v := range vals {
			vals[i] = normalize(v)
		}
		out.Values = append(out.Values, vals)
	}
	if err := rows.Err(); err != nil {
		return Rows{}, classify(query, err)
	}
	return out, nil
}

// Close releases the database.
func (s *Store) Close() error {
	s.mu.Lock()
	h := s.db
	s.db = nil
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.close()
}

func normalize(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
			return t.Format("2006-01-02")
		}
		return t.Format(time.RFC3339)
	default:
		return v
	}
}

var nonIdent = regexp.MustCompile(`[^a-z0-9]`)

// NormalizeColumn maps a CSV header to a column name.
func NormalizeColumn(name string) string {
	return nonIdent.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_")
}

// convertDate rewrites DD-MM-YYYY as YYYY-MM-DD. Other values pass through.
func convertDate(v string) string {
	parts := strings.Split(v, "-")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return v
	}
	if len(parts[0]) == 4 {
		return v
	}
	return parts[2] + "-" + parts[1] + "-" + parts[0]
}

func build(path, table string) (*sql.DB, Schema, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Schema{}, 0, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, Schema{}, 0, errors.New("csv is empty")
	}
	if err != nil {
		return nil, Schema{}, 0, fmt.Errorf("read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	schema := Schema{Table: table}
	dateIdx := -1
	defs := make([]string, len(header))
	for i, h := range header {
		col := Column{Name: NormalizeColumn(h), Type: "TEXT"}
		if col.Name == dateColumn {
			col.Type = "DATE"
			dateIdx = i
		}
		schema.Columns = append(schema.Columns, col)
		defs[i] = quoteIdent(col.Name) + " " + col.Type
	}

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, Schema{}, 0, err
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	count, err := fill(db, r, table, defs, dateIdx)
	if err != nil {
		db.Close()
		return nil, Schema{}, 0, err
	}
	if _, err := db.Exec("PRAGMA query_only = ON"); err != nil {
		db.Close()
		return nil, Schema{}, 0, err
	}
	if err := lockDown(db); err != nil {
		db.Close()
		return nil, Schema{}, 0, err
	}
	return db, schema, count, nil
}

// sqliteRecursive is SQLITE_RECURSIVE, which the driver does not export.
const sqliteRecursive = 33

// lockDown installs an authorizer on the single connection that admits only
// reads. Pragmas, writes, schema changes, ATTACH and transactions are denied
// at prepare time, so a query cannot lift query_only either.
func lockDown(db *sql.DB) error {
	conn, err := db.Conn(context.Background())
	if err != nil {
		return err
	}
	defer conn.Close()

	return conn.Raw(func(driverConn any) error {
		c, ok := driverConn.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", driverConn)
		}
		c.RegisterAuthorizer(authorize)
		return nil
	})
}

func authorize(action int, _, _, _ string) int {
	switch action {
	case sqlite3.SQLITE_SELECT, sqlite3.SQLITE_READ, sqlite3.SQLITE_FUNCTION, sqliteRecursive:
		return sqlite3.SQLITE_OK
	default:
		return sqlite3.SQLITE_DENY
	}
}

func fill(db *sql.DB, r *csv.Reader, table string, defs []string, dateIdx int) (int, error) {
	create := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(table), strings.Join(defs, ", "))
	if _, err := db.Exec(create); err != nil {
		return 0, fmt.Errorf("create table: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	marks := strings.TrimSuffix(strings.Repeat("?, ", len(defs)), ", ")
	stmt, err := tx.Prepare(fmt.Sprintf("INSERT INTO %s VALUES (%s)", quoteIdent(table), marks))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	count := 0
	args := make([]any, len(defs))
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read row %d: %w", count+2, err)
		}
		for i := range args {
			v := ""
			if i < len(rec) {
				v = rec[i]
			}
			if i == dateIdx && v != "" {
				v = convertDate(v)
			}
			args[i] = v
		}
		if _, err := stmt.Exec(args...); err != nil {
			return 0, fmt.Errorf("insert row %d: %w", count+2, err)
		}
		count++
	}
	return count, tx.Commit()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
