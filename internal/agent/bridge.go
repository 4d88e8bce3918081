package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sentrypoint/agent/internal/commandstore"
	"github.com/sentrypoint/agent/internal/communicator"
	"github.com/sentrypoint/agent/internal/logger"
	"github.com/sentrypoint/agent/internal/queue"
)

// queueBridge adapts the persistent multi-queue onto the shapes the
// Communicator's request loops and the Command Handler expect: byte-bounded
// batches in and out for the event loops, and a durable command entry in
// and out for the handler.
type queueBridge struct {
	queue *queue.MultiQueue
	log   *logger.Logger
}

// getMessages reads, without removing them, the oldest messages of the given
// kind until their size reaches maxBytes (the row that crosses it included)
// and serializes the batch as a JSON array body for the matching event-loop
// POST. onSuccess removes them once delivered.
func (b *queueBridge) getMessages(kind queue.Kind) communicator.GetMessagesFunc {
	return func(ctx context.Context, maxBytes int) (int, []byte, error) {
		msgs, err := b.queue.RetrieveBySize(ctx, kind, maxBytes, "")
		if err != nil {
			return 0, nil, err
		}
		if len(msgs) == 0 {
			return 0, nil, nil
		}
		body, err := json.Marshal(msgs)
		if err != nil {
			return 0, nil, fmt.Errorf("agent: marshal %s batch: %w", kind, err)
		}
		return len(msgs), body, nil
	}
}

// onSuccess removes the delivered batch from kind once the manager has
// acknowledged it.
func (b *queueBridge) onSuccess(kind queue.Kind) communicator.OnSuccessFunc {
	return func(ctx context.Context, count int, _ []byte) {
		if count <= 0 {
			return
		}
		if _, err := b.queue.RemoveMultiple(ctx, kind, count, ""); err != nil {
			b.log.WithField("kind", kind).Errorf("remove delivered batch: %v", err)
		}
	}
}

// onCommands parses the manager's commands-poll response body and pushes
// each command onto the queue's Command kind for the handler to pick up.
func (b *queueBridge) onCommands(ctx context.Context, _ int, body []byte) {
	cmds, err := parseWireCommands(body)
	if err != nil {
		if len(body) > 0 {
			b.log.Errorf("parse commands response: %v", err)
		}
		return
	}
	for _, c := range cmds {
		data, err := json.Marshal(c)
		if err != nil {
			b.log.Errorf("marshal command %s: %v", c.ID, err)
			continue
		}
		msg := queue.Message{
			ModuleName: c.Module,
			ModuleType: "command",
			Metadata:   c.Mode,
			Data:       string(data),
		}
		if !b.queue.Push(ctx, queue.Command, msg, false) {
			b.log.WithField("id", c.ID).Warn("command queue full, dropping command")
		}
	}
}

// parseWireCommands accepts either a bare JSON array of commands or an
// envelope of the form {"data":[...]}, since spec treats the commands
// response as an implementation-opaque payload.
func parseWireCommands(body []byte) ([]wireCommand, error) {
	var direct []wireCommand
	if err := json.Unmarshal(body, &direct); err == nil {
		return direct, nil
	}
	var wrapped struct {
		Data []wireCommand `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Data, nil
}

// dequeueCommand peeks at the oldest pending command without removing it;
// the handler removes it via popCommand once it has been durably stored.
func (b *queueBridge) dequeueCommand(ctx context.Context) (*commandstore.Entry, bool) {
	msgs, err := b.queue.RetrieveMultiple(ctx, queue.Command, 1, "")
	if err != nil {
		b.log.Errorf("dequeue command: %v", err)
		return nil, false
	}
	if len(msgs) == 0 {
		return nil, false
	}
	var w wireCommand
	if err := json.Unmarshal([]byte(msgs[0].Data), &w); err != nil {
		b.log.Errorf("decode queued command: %v", err)
		// Drop the unparseable message so the loop does not spin on it.
		_, _ = b.queue.RemoveMultiple(ctx, queue.Command, 1, "")
		return nil, false
	}
	entry := commandstore.Entry{
		ID:         w.ID,
		Module:     w.Module,
		Command:    w.Command,
		Parameters: w.Parameters,
		Mode:       w.mode(),
		Status:     commandstore.InProgress,
	}
	return &entry, true
}

// popCommand removes the oldest pending command, matching the entry most
// recently returned by dequeueCommand.
func (b *queueBridge) popCommand(ctx context.Context) error {
	_, err := b.queue.RemoveMultiple(ctx, queue.Command, 1, "")
	return err
}

// makeReporter builds the handler's Reporter: it always enqueues a
// stateless event describing the command's terminal state, and optionally
// forwards to a caller-supplied sink (e.g. a module-facing callback).
func makeReporter(q *queue.MultiQueue, sink func(ctx context.Context, e commandstore.Entry), log *logger.Logger) func(ctx context.Context, e commandstore.Entry) {
	return func(ctx context.Context, e commandstore.Entry) {
		data, err := json.Marshal(struct {
			ID     string              `json:"id"`
			Status commandstore.Status `json:"status"`
			Result string              `json:"result"`
		}{ID: e.ID, Status: e.Status, Result: e.Result})
		if err != nil {
			log.Errorf("marshal command result for %s: %v", e.ID, err)
		} else {
			msg := queue.Message{ModuleName: e.Module, ModuleType: "command-result", Data: string(data)}
			q.Push(ctx, queue.Stateless, msg, false)
		}
		if sink != nil {
			sink(ctx, e)
		}
	}
}
