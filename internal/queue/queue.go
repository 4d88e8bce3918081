// Package queue implements the persistent multi-queue: three named FIFOs
// (stateful, stateless, command events) backed by a shared persistence.Store,
// each bounded by a row count and byte-size quota, with blocking push and
// batch retrieval, grounded on the pack's CRUD-over-*sql.DB idiom
// generalized with sync.Cond-based blocking the way a cooperative
// thread-safe queue would (original_source/threadDispatcher/include/threadSafeQueue.hpp).
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sentrypoint/agent/internal/core"
	"github.com/sentrypoint/agent/internal/logger"
	"github.com/sentrypoint/agent/internal/persistence"
)

// Kind identifies one of the three queues sharing this store.
type Kind string

const (
	Stateful  Kind = "stateful"
	Stateless Kind = "stateless"
	Command   Kind = "command"
)

var allKinds = []Kind{Stateful, Stateless, Command}

const table = "multi_queue"

// Message is one entry pushed onto a queue.
type Message struct {
	ModuleName string
	ModuleType string
	Metadata   string
	Data       string
}

// Limits bounds one queue's row count and total byte size.
type Limits struct {
	MaxRows  int
	MaxBytes int
}

type kindState struct {
	mu   sync.Mutex
	cond *sync.Cond
}

// MultiQueue is the shared FIFO store for all three Kinds.
type MultiQueue struct {
	db     *persistence.Store
	log    *logger.Logger
	limits map[Kind]Limits

	states map[Kind]*kindState

	// DefaultWaitTimeout is a wait bound offered to callers that want to
	// wait for N messages before giving up. MultiQueue itself never reads it
	// and has no waiting retrieve or remove call.
	DefaultWaitTimeout time.Duration

	shuttingDown bool
	shutdownMu   sync.Mutex
}

// New wraps db as a multi-queue, creating its table if absent.
func New(ctx context.Context, db *persistence.Store, limits map[Kind]Limits, log *logger.Logger) (*MultiQueue, error) {
	if log == nil {
		log = logger.NewDefault("queue")
	}
	err := db.CreateTable(ctx, table, []persistence.Column{
		{Name: "seq", Type: persistence.Integer, Attributes: []persistence.ColumnAttribute{persistence.PrimaryKey, persistence.AutoIncrement}},
		{Name: "kind", Type: persistence.Text, Attributes: []persistence.ColumnAttribute{persistence.NotNull}},
		{Name: "module_name", Type: persistence.Text, Attributes: []persistence.ColumnAttribute{persistence.NotNull}},
		{Name: "module_type", Type: persistence.Text},
		{Name: "metadata", Type: persistence.Text},
		{Name: "data", Type: persistence.Text},
	})
	if err != nil {
		return nil, err
	}

	states := make(map[Kind]*kindState, len(allKinds))
	for _, k := range allKinds {
		s := &kindState{}
		s.cond = sync.NewCond(&s.mu)
		states[k] = s
	}

	merged := make(map[Kind]Limits, len(allKinds))
	for _, k := range allKinds {
		l := Limits{MaxRows: 10000, MaxBytes: 100_000_000}
		if given, ok := limits[k]; ok {
			l.MaxRows = core.ClampLimit(given.MaxRows, l.MaxRows, 1_000_000)
			l.MaxBytes = core.ClampLimit(given.MaxBytes, l.MaxBytes, 1_000_000_000)
		}
		merged[k] = l
	}

	return &MultiQueue{
		db:                 db,
		log:                log,
		limits:             merged,
		states:             states,
		DefaultWaitTimeout: 5 * time.Second,
	}, nil
}

func messageSize(m Message) int {
	return len(m.ModuleName) + len(m.ModuleType) + len(m.Metadata) + len(m.Data)
}

func (q *MultiQueue) full(ctx context.Context, kind Kind) (bool, error) {
	limit := q.limits[kind]
	where := []persistence.Criterion{{Field: "kind", Value: persistence.TextValue(string(kind))}}
	rows, err := q.db.GetCount(ctx, 0, table, where)
	if err != nil {
		return false, err
	}
	if limit.MaxRows > 0 && rows >= int64(limit.MaxRows) {
		return true, nil
	}
	size, err := q.db.GetSize(ctx, 0, table, []string{"module_name", "module_type", "metadata", "data"}, where)
	if err != nil {
		return false, err
	}
	return limit.MaxBytes > 0 && size >= int64(limit.MaxBytes), nil
}

// Push inserts msg onto kind's queue. If block is true and the queue is at
// capacity, Push waits until space frees up or Shutdown is called, in which
// case it returns false.
func (q *MultiQueue) Push(ctx context.Context, kind Kind, msg Message, block bool) bool {
	st := q.states[kind]
	st.mu.Lock()
	for {
		if q.isShuttingDown() {
			st.mu.Unlock()
			return false
		}
		full, err := q.full(ctx, kind)
		if err != nil {
			q.log.WithField("kind", kind).Errorf("check capacity: %v", err)
			st.mu.Unlock()
			return false
		}
		if !full {
			break
		}
		if !block {
			st.mu.Unlock()
			return false
		}
		st.cond.Wait()
	}
	st.mu.Unlock()

	if err := q.insert(ctx, kind, msg); err != nil {
		q.log.WithField("kind", kind).Errorf("push: %v", err)
		return false
	}
	return true
}

func (q *MultiQueue) insert(ctx context.Context, kind Kind, msg Message) error {
	return q.db.Insert(ctx, 0, table, map[string]persistence.Value{
		"kind":        persistence.TextValue(string(kind)),
		"module_name": persistence.TextValue(msg.ModuleName),
		"module_type": persistence.TextValue(msg.ModuleType),
		"metadata":    persistence.TextValue(msg.Metadata),
		"data":        persistence.TextValue(msg.Data),
	})
}

// PushBatch inserts every message in msgs onto kind's queue inside one
// transaction: either all messages are stored, or none are.
func (q *MultiQueue) PushBatch(ctx context.Context, kind Kind, msgs []Message) error {
	return q.db.WithTx(ctx, func(tx persistence.TxID) error {
		for _, m := range msgs {
			err := q.db.Insert(ctx, tx, table, map[string]persistence.Value{
				"kind":        persistence.TextValue(string(kind)),
				"module_name": persistence.TextValue(m.ModuleName),
				"module_type": persistence.TextValue(m.ModuleType),
				"metadata":    persistence.TextValue(m.Metadata),
				"data":        persistence.TextValue(m.Data),
			})
			if err != nil {
				return fmt.Errorf("queue: push_batch: %w", err)
			}
		}
		return nil
	})
}

func whereKindAndModule(kind Kind, module string) []persistence.Criterion {
	where := []persistence.Criterion{{Field: "kind", Value: persistence.TextValue(string(kind))}}
	if module != "" {
		where = append(where, persistence.Criterion{Field: "module_name", Value: persistence.TextValue(module)})
	}
	return where
}

func rowsToMessages(rows []map[string]interface{}) []Message {
	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, Message{
			ModuleName: asString(r["module_name"]),
			ModuleType: asString(r["module_type"]),
			Metadata:   asString(r["metadata"]),
			Data:       asString(r["data"]),
		})
	}
	return out
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

// RetrieveMultiple returns up to n of the oldest messages for kind,
// optionally filtered to module.
func (q *MultiQueue) RetrieveMultiple(ctx context.Context, kind Kind, n int, module string) ([]Message, error) {
	rows, err := q.db.Select(ctx, 0, persistence.SelectParams{
		Table:   table,
		Columns: []string{"module_name", "module_type", "metadata", "data"},
		Where:   whereKindAndModule(kind, module),
		OrderBy: []persistence.Order{{Field: "seq"}},
		Limit:   n,
	})
	if err != nil {
		return nil, err
	}
	return rowsToMessages(rows), nil
}

// RetrieveBySize returns the oldest messages for kind whose cumulative byte
// size first reaches or exceeds maxBytes: the row that crosses the budget is
// included, so the total may exceed maxBytes by at most that one row.
func (q *MultiQueue) RetrieveBySize(ctx context.Context, kind Kind, maxBytes int, module string) ([]Message, error) {
	rows, err := q.db.Select(ctx, 0, persistence.SelectParams{
		Table:   table,
		Columns: []string{"module_name", "module_type", "metadata", "data"},
		Where:   whereKindAndModule(kind, module),
		OrderBy: []persistence.Order{{Field: "seq"}},
	})
	if err != nil {
		return nil, err
	}
	msgs := rowsToMessages(rows)
	if len(msgs) == 0 {
		return nil, nil
	}
	total := 0
	cut := len(msgs)
	for i, m := range msgs {
		total += messageSize(m)
		if total >= maxBytes {
			cut = i + 1
			break
		}
	}
	return msgs[:cut], nil
}

// RemoveMultiple deletes up to n of the oldest messages for kind (optionally
// filtered to module) and wakes any Push callers blocked on that kind.
func (q *MultiQueue) RemoveMultiple(ctx context.Context, kind Kind, n int, module string) (int, error) {
	var removed int64
	err := q.db.WithTx(ctx, func(tx persistence.TxID) error {
		rows, err := q.db.Select(ctx, tx, persistence.SelectParams{
			Table:   table,
			Columns: []string{"seq"},
			Where:   whereKindAndModule(kind, module),
			OrderBy: []persistence.Order{{Field: "seq"}},
			Limit:   n,
		})
		if err != nil {
			return err
		}
		for _, r := range rows {
			seq, _ := r["seq"].(int64)
			del, err := q.db.Remove(ctx, tx, table, []persistence.Criterion{{Field: "seq", Value: persistence.IntValue(seq)}})
			if err != nil {
				return err
			}
			removed += del
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	st := q.states[kind]
	st.mu.Lock()
	st.cond.Broadcast()
	st.mu.Unlock()

	return int(removed), nil
}

// IsEmpty reports whether kind's queue has no messages (optionally for a
// single module).
func (q *MultiQueue) IsEmpty(ctx context.Context, kind Kind, module string) (bool, error) {
	n, err := q.db.GetCount(ctx, 0, table, whereKindAndModule(kind, module))
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// Size returns the row count of kind's queue (optionally for a single module).
func (q *MultiQueue) Size(ctx context.Context, kind Kind, module string) (int, error) {
	n, err := q.db.GetCount(ctx, 0, table, whereKindAndModule(kind, module))
	return int(n), err
}

// StoredSize returns the approximate byte size of kind's queue (optionally
// for a single module).
func (q *MultiQueue) StoredSize(ctx context.Context, kind Kind, module string) (int, error) {
	n, err := q.db.GetSize(ctx, 0, table, []string{"module_name", "module_type", "metadata", "data"}, whereKindAndModule(kind, module))
	return int(n), err
}

// Clear removes every message from the given kinds.
func (q *MultiQueue) Clear(ctx context.Context, kinds []Kind) error {
	for _, k := range kinds {
		if _, err := q.db.Remove(ctx, 0, table, []persistence.Criterion{{Field: "kind", Value: persistence.TextValue(string(k))}}); err != nil {
			return err
		}
		st := q.states[k]
		st.mu.Lock()
		st.cond.Broadcast()
		st.mu.Unlock()
	}
	return nil
}

func (q *MultiQueue) isShuttingDown() bool {
	q.shutdownMu.Lock()
	defer q.shutdownMu.Unlock()
	return q.shuttingDown
}

// Shutdown unblocks every Push call currently waiting for space; they
// return false instead of hanging forever.
func (q *MultiQueue) Shutdown() {
	q.shutdownMu.Lock()
	q.shuttingDown = true
	q.shutdownMu.Unlock()

	for _, st := range q.states {
		st.mu.Lock()
		st.cond.Broadcast()
		st.mu.Unlock()
	}
}
