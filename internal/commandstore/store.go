// Package commandstore implements the durable command lifecycle table: one
// row per command dispatched by the manager, tracked from arrival through
// completion so at-most-once dispatch survives an agent restart.
package commandstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sentrypoint/agent/internal/logger"
	"github.com/sentrypoint/agent/internal/persistence"
)

// ExecutionMode is persisted as 0 (Sync) or 1 (Async).
type ExecutionMode int

const (
	Sync ExecutionMode = iota
	Async
)

// Status is persisted as an ordinal 0..4. Unknown is an in-memory sentinel
// only — it is never written to storage.
type Status int

const (
	Success Status = iota
	Failure
	InProgress
	Timeout
	Unknown
)

const table = "command_store"

// Entry is one command's lifecycle record.
type Entry struct {
	ID         string
	Module     string
	Command    string
	Parameters json.RawMessage
	Mode       ExecutionMode
	Result     string
	Status     Status
	Time       float64
}

// Store persists Entry rows over a persistence.Store.
type Store struct {
	db  *persistence.Store
	log *logger.Logger
}

// New wraps db as a command store, creating its table if absent.
func New(ctx context.Context, db *persistence.Store, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewDefault("commandstore")
	}
	s := &Store{db: db, log: log}
	err := db.CreateTable(ctx, table, []persistence.Column{
		{Name: "id", Type: persistence.Text, Attributes: []persistence.ColumnAttribute{persistence.PrimaryKey}},
		{Name: "module", Type: persistence.Text, Attributes: []persistence.ColumnAttribute{persistence.NotNull}},
		{Name: "command", Type: persistence.Text, Attributes: []persistence.ColumnAttribute{persistence.NotNull}},
		{Name: "parameters", Type: persistence.Text},
		{Name: "mode", Type: persistence.Integer, Attributes: []persistence.ColumnAttribute{persistence.NotNull}},
		{Name: "result", Type: persistence.Text},
		{Name: "status", Type: persistence.Integer, Attributes: []persistence.ColumnAttribute{persistence.NotNull}},
		{Name: "time", Type: persistence.Real},
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Store inserts a new entry, stamping Time with the current epoch seconds.
func (s *Store) Store(ctx context.Context, e Entry) error {
	if e.Status == Unknown {
		e.Status = InProgress
	}
	e.Time = float64(time.Now().UnixNano()) / 1e9
	return s.db.Insert(ctx, 0, table, map[string]persistence.Value{
		"id":         persistence.TextValue(e.ID),
		"module":     persistence.TextValue(e.Module),
		"command":    persistence.TextValue(e.Command),
		"parameters": persistence.TextValue(string(e.Parameters)),
		"mode":       persistence.IntValue(int64(e.Mode)),
		"result":     persistence.TextValue(e.Result),
		"status":     persistence.IntValue(int64(e.Status)),
		"time":       persistence.RealValue(e.Time),
	})
}

// Update writes Module, Command, Parameters and Result when they are
// non-empty, and Status unless it is Unknown, since Unknown is never a
// persisted value. Mode and Time are never changed by Update.
func (s *Store) Update(ctx context.Context, e Entry) error {
	values := map[string]persistence.Value{}
	if e.Module != "" {
		values["module"] = persistence.TextValue(e.Module)
	}
	if e.Command != "" {
		values["command"] = persistence.TextValue(e.Command)
	}
	if len(e.Parameters) > 0 {
		values["parameters"] = persistence.TextValue(string(e.Parameters))
	}
	if e.Result != "" {
		values["result"] = persistence.TextValue(e.Result)
	}
	if e.Status != Unknown {
		values["status"] = persistence.IntValue(int64(e.Status))
	}
	if len(values) == 0 {
		return nil
	}
	_, err := s.db.Update(ctx, 0, table, values, []persistence.Criterion{
		{Field: "id", Value: persistence.TextValue(e.ID)},
	})
	return err
}

// Delete removes the entry with the given id.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.Remove(ctx, 0, table, []persistence.Criterion{
		{Field: "id", Value: persistence.TextValue(id)},
	})
	return err
}

// Get returns the entry with the given id, or (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	rows, err := s.db.Select(ctx, 0, persistence.SelectParams{
		Table: table,
		Where: []persistence.Criterion{{Field: "id", Value: persistence.TextValue(id)}},
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	e, err := rowToEntry(rows[0])
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetByStatus returns every entry with the given status, or (nil, nil) when
// none match — Unknown is never an empty-vector sentinel in storage, it is
// simply never queryable since it is never written.
func (s *Store) GetByStatus(ctx context.Context, status Status) ([]Entry, error) {
	rows, err := s.db.Select(ctx, 0, persistence.SelectParams{
		Table: table,
		Where: []persistence.Criterion{{Field: "status", Value: persistence.IntValue(int64(status))}},
		OrderBy: []persistence.Order{{Field: "time"}},
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		e, err := rowToEntry(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Count returns the total number of entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := s.db.GetCount(ctx, 0, table, nil)
	return int(n), err
}

// Clear removes every entry.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.Remove(ctx, 0, table, nil)
	return err
}

func rowToEntry(row map[string]interface{}) (Entry, error) {
	e := Entry{}
	if v, ok := row["id"].(string); ok {
		e.ID = v
	}
	if v, ok := row["module"].(string); ok {
		e.Module = v
	}
	if v, ok := row["command"].(string); ok {
		e.Command = v
	}
	if v, ok := row["parameters"].(string); ok && v != "" {
		e.Parameters = json.RawMessage(v)
	}
	mode, err := asInt64(row["mode"])
	if err != nil {
		return e, fmt.Errorf("commandstore: mode: %w", err)
	}
	e.Mode = ExecutionMode(mode)
	status, err := asInt64(row["status"])
	if err != nil {
		return e, fmt.Errorf("commandstore: status: %w", err)
	}
	e.Status = Status(status)
	if v, ok := row["result"].(string); ok {
		e.Result = v
	}
	if v, ok := row["time"].(float64); ok {
		e.Time = v
	}
	return e, nil
}

func asInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
