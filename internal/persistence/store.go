// Package persistence implements the embedded, write-ahead-logged SQL store
// backing the multi-queue and command store: a typed-column table
// abstraction with transaction-by-handle semantics, adapted from the
// pack's Postgres-backed store to an embedded SQLite file.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sentrypoint/agent/internal/logger"
)

// ErrStorageUnavailable is returned when the store itself could not be
// opened or initialized (bad path, pragma failure).
var ErrStorageUnavailable = errors.New("persistence: storage unavailable")

// ErrStorage wraps any backend failure from a Store operation.
var ErrStorage = errors.New("persistence: storage error")

// ErrUnknownTransaction is returned by Commit/Rollback for a TxID that is
// not currently open.
var ErrUnknownTransaction = errors.New("persistence: unknown transaction")

// TxID identifies an open transaction returned by BeginTransaction.
type TxID uint64

// Order describes a Select ordering clause.
type Order struct {
	Field      string
	Descending bool
}

// Criterion is one equality predicate in a Select/Update/Remove where
// clause; multiple Criteria are ANDed together.
type Criterion struct {
	Field string
	Value Value
}

// Store owns one SQLite database file opened with WAL journaling.
type Store struct {
	db  *sql.DB
	log *logger.Logger

	mu      sync.Mutex
	nextTx  uint64
	openTxs map[TxID]*sql.Tx
}

// Open opens (creating if absent) the SQLite file at path with
// write-ahead-log journaling and a busy timeout. The handle keeps a single
// open connection, so all operations on one Store, reads included, are
// serialized; an open transaction holds that connection until it ends.
func Open(path string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewDefault("persistence")
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorageUnavailable, path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrStorageUnavailable, path, err)
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db, log: log, openTxs: make(map[TxID]*sql.Tx)}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// TableExists reports whether a table by that name exists.
func (s *Store) TableExists(ctx context.Context, table string) (bool, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: table_exists %s: %v", ErrStorage, table, err)
	}
	return true, nil
}

// CreateTable issues CREATE TABLE IF NOT EXISTS for table with the given
// columns.
func (s *Store) CreateTable(ctx context.Context, table string, columns []Column) error {
	defs := make([]string, 0, len(columns))
	for _, c := range columns {
		defs = append(defs, c.ddl())
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(defs, ", "))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("%w: create_table %s: %v", ErrStorage, table, err)
	}
	return nil
}

// DropTable drops table if it exists.
func (s *Store) DropTable(ctx context.Context, table string) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table)); err != nil {
		return fmt.Errorf("%w: drop_table %s: %v", ErrStorage, table, err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *Store) conn(tx TxID) (execer, error) {
	if tx == 0 {
		return s.db, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.openTxs[tx]
	if !ok {
		return nil, ErrUnknownTransaction
	}
	return t, nil
}

// Insert inserts one row into table. tx is 0 for an implicit
// single-statement transaction, or a handle from BeginTransaction.
func (s *Store) Insert(ctx context.Context, tx TxID, table string, values map[string]Value) error {
	c, err := s.conn(tx)
	if err != nil {
		return err
	}
	cols := make([]string, 0, len(values))
	placeholders := make([]string, 0, len(values))
	args := make([]interface{}, 0, len(values))
	for name, v := range values {
		cols = append(cols, name)
		placeholders = append(placeholders, "?")
		args = append(args, v.Any())
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := c.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("%w: insert %s: %v", ErrStorage, table, err)
	}
	return nil
}

// Update updates rows in table matching where, setting the given values.
// Returns the number of rows affected.
func (s *Store) Update(ctx context.Context, tx TxID, table string, values map[string]Value, where []Criterion) (int64, error) {
	c, err := s.conn(tx)
	if err != nil {
		return 0, err
	}
	sets := make([]string, 0, len(values))
	args := make([]interface{}, 0, len(values)+len(where))
	for name, v := range values {
		sets = append(sets, name+" = ?")
		args = append(args, v.Any())
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s", table, strings.Join(sets, ", "))
	if len(where) > 0 {
		clauses := make([]string, 0, len(where))
		for _, cr := range where {
			clauses = append(clauses, cr.Field+" = ?")
			args = append(args, cr.Value.Any())
		}
		stmt += " WHERE " + strings.Join(clauses, " AND ")
	}
	res, err := c.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: update %s: %v", ErrStorage, table, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Remove deletes rows in table matching where, or all rows when where is
// empty. Returns the number of rows affected.
func (s *Store) Remove(ctx context.Context, tx TxID, table string, where []Criterion) (int64, error) {
	c, err := s.conn(tx)
	if err != nil {
		return 0, err
	}
	stmt := fmt.Sprintf("DELETE FROM %s", table)
	args := make([]interface{}, 0, len(where))
	if len(where) > 0 {
		clauses := make([]string, 0, len(where))
		for _, cr := range where {
			clauses = append(clauses, cr.Field+" = ?")
			args = append(args, cr.Value.Any())
		}
		stmt += " WHERE " + strings.Join(clauses, " AND ")
	}
	res, err := c.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: remove %s: %v", ErrStorage, table, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SelectParams configures a Select call.
type SelectParams struct {
	Table   string
	Columns []string
	Where   []Criterion
	OrderBy []Order
	Limit   int
}

// Select runs a projected, filtered, ordered query and returns raw rows as
// column-name -> interface{} maps in result order.
func (s *Store) Select(ctx context.Context, tx TxID, p SelectParams) ([]map[string]interface{}, error) {
	c, err := s.conn(tx)
	if err != nil {
		return nil, err
	}
	cols := "*"
	if len(p.Columns) > 0 {
		cols = strings.Join(p.Columns, ", ")
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s", cols, p.Table)
	args := make([]interface{}, 0, len(p.Where))
	if len(p.Where) > 0 {
		clauses := make([]string, 0, len(p.Where))
		for _, cr := range p.Where {
			clauses = append(clauses, cr.Field+" = ?")
			args = append(args, cr.Value.Any())
		}
		stmt += " WHERE " + strings.Join(clauses, " AND ")
	}
	if len(p.OrderBy) > 0 {
		clauses := make([]string, 0, len(p.OrderBy))
		for _, o := range p.OrderBy {
			dir := "ASC"
			if o.Descending {
				dir = "DESC"
			}
			clauses = append(clauses, o.Field+" "+dir)
		}
		stmt += " ORDER BY " + strings.Join(clauses, ", ")
	}
	if p.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", p.Limit)
	}

	rows, err := c.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: select %s: %v", ErrStorage, p.Table, err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: select %s columns: %v", ErrStorage, p.Table, err)
	}

	var out []map[string]interface{}
	for rows.Next() {
		scanDest := make([]interface{}, len(names))
		scanArgs := make([]interface{}, len(names))
		for i := range scanDest {
			scanArgs[i] = &scanDest[i]
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, fmt.Errorf("%w: select %s scan: %v", ErrStorage, p.Table, err)
		}
		row := make(map[string]interface{}, len(names))
		for i, n := range names {
			row[n] = scanDest[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: select %s: %v", ErrStorage, p.Table, err)
	}
	return out, nil
}

// GetCount returns the number of rows in table matching where.
func (s *Store) GetCount(ctx context.Context, tx TxID, table string, where []Criterion) (int64, error) {
	c, err := s.conn(tx)
	if err != nil {
		return 0, err
	}
	stmt := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
	args := make([]interface{}, 0, len(where))
	if len(where) > 0 {
		clauses := make([]string, 0, len(where))
		for _, cr := range where {
			clauses = append(clauses, cr.Field+" = ?")
			args = append(args, cr.Value.Any())
		}
		stmt += " WHERE " + strings.Join(clauses, " AND ")
	}
	var n int64
	if err := c.QueryRowContext(ctx, stmt, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: get_count %s: %v", ErrStorage, table, err)
	}
	return n, nil
}

// GetSize sums length(field) across the given fields for rows matching
// where, approximating the on-disk byte size of those columns.
func (s *Store) GetSize(ctx context.Context, tx TxID, table string, fields []string, where []Criterion) (int64, error) {
	c, err := s.conn(tx)
	if err != nil {
		return 0, err
	}
	sums := make([]string, 0, len(fields))
	for _, f := range fields {
		sums = append(sums, fmt.Sprintf("COALESCE(length(%s), 0)", f))
	}
	stmt := fmt.Sprintf("SELECT COALESCE(SUM(%s), 0) FROM %s", strings.Join(sums, " + "), table)
	args := make([]interface{}, 0, len(where))
	if len(where) > 0 {
		clauses := make([]string, 0, len(where))
		for _, cr := range where {
			clauses = append(clauses, cr.Field+" = ?")
			args = append(args, cr.Value.Any())
		}
		stmt += " WHERE " + strings.Join(clauses, " AND ")
	}
	var n int64
	if err := c.QueryRowContext(ctx, stmt, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: get_size %s: %v", ErrStorage, table, err)
	}
	return n, nil
}

// BeginTransaction opens a new transaction and returns its handle.
func (s *Store) BeginTransaction(ctx context.Context) (TxID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin_transaction: %v", ErrStorage, err)
	}
	s.mu.Lock()
	s.nextTx++
	id := TxID(s.nextTx)
	s.openTxs[id] = tx
	s.mu.Unlock()
	return id, nil
}

// Commit commits the transaction identified by id.
func (s *Store) Commit(id TxID) error {
	s.mu.Lock()
	tx, ok := s.openTxs[id]
	if ok {
		delete(s.openTxs, id)
	}
	s.mu.Unlock()
	if !ok {
		return ErrUnknownTransaction
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStorage, err)
	}
	return nil
}

// Rollback rolls back the transaction identified by id.
func (s *Store) Rollback(id TxID) error {
	s.mu.Lock()
	tx, ok := s.openTxs[id]
	if ok {
		delete(s.openTxs, id)
	}
	s.mu.Unlock()
	if !ok {
		return ErrUnknownTransaction
	}
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("%w: rollback: %v", ErrStorage, err)
	}
	return nil
}

// WithTx runs fn inside a new transaction, committing on success and
// rolling back if fn returns an error or panics.
func (s *Store) WithTx(ctx context.Context, fn func(tx TxID) error) (err error) {
	tx, err := s.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = s.Rollback(tx)
			panic(p)
		}
	}()
	if err = fn(tx); err != nil {
		_ = s.Rollback(tx)
		return err
	}
	return s.Commit(tx)
}
