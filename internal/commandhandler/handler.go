// Package commandhandler implements the dispatch loop that drains commands
// from a queue, persists them through the command store, executes them via a
// caller-supplied dispatcher, and reports results — with crash recovery of
// orphaned IN_PROGRESS entries at startup, grounded on
// internal/app/triggers/service.go's validate-then-store-then-report shape.
package commandhandler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sentrypoint/agent/internal/commandstore"
	"github.com/sentrypoint/agent/internal/core"
	"github.com/sentrypoint/agent/internal/logger"
)

// KnownCommands is the set of command names the handler will dispatch.
var KnownCommands = map[string]struct{}{
	"set-group":    {},
	"fetch-config": {},
	"restart":      {},
}

const recoveryMessage = "command was still in progress when the agent restarted"

// ExecutionResult is the outcome of dispatching one command.
type ExecutionResult struct {
	Status  commandstore.Status
	Message string
}

// Executor dispatches one command entry and returns its result.
type Executor func(ctx context.Context, e commandstore.Entry) (ExecutionResult, error)

// Dequeuer returns the next command entry of the source queue without
// removing it, returning ok=false when none is available.
type Dequeuer func(ctx context.Context) (*commandstore.Entry, bool)

// Popper removes the entry most recently returned by Dequeuer from the
// source queue once it has been durably persisted via the command store.
type Popper func(ctx context.Context) error

// Reporter notifies the caller of an entry's latest state (e.g. forwarding
// it to a module or a stateless event).
type Reporter func(ctx context.Context, e commandstore.Entry)

// Handler drains commands from a queue, persists their lifecycle and
// dispatches them one at a time.
type Handler struct {
	store    *commandstore.Store
	dequeue  Dequeuer
	pop      Popper
	report   Reporter
	dispatch Executor
	log      *logger.Logger

	// DispatchTimeout is the deadline of the context passed to each dispatch
	// call (spec §9 open question: distinct from the commands-poll HTTP
	// timeout). A dispatch that returns an error once that context has
	// expired is reported as TIMEOUT; a dispatch that ignores its context is
	// waited for and not interrupted. Defaults to 5 minutes.
	DispatchTimeout time.Duration

	hooks core.ObservationHooks

	keepRunning atomic.Bool
}

// New builds a Handler with DispatchTimeout set to 5 minutes; a
// DispatchTimeout later set to 0 or less also means 5 minutes.
func New(store *commandstore.Store, dequeue Dequeuer, pop Popper, report Reporter, dispatch Executor, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewDefault("commandhandler")
	}
	return &Handler{
		store:           store,
		dequeue:         dequeue,
		pop:             pop,
		report:          report,
		dispatch:        dispatch,
		log:             log,
		DispatchTimeout: 5 * time.Minute,
	}
}

// WithObservationHooks attaches dispatch-start/dispatch-complete hooks.
func (h *Handler) WithObservationHooks(hooks core.ObservationHooks) *Handler {
	h.hooks = hooks
	return h
}

// SetDispatcher attaches or replaces the executor used to run a validated
// command. Safe to call before Start; not safe to call concurrently with a
// running dispatch loop.
func (h *Handler) SetDispatcher(dispatch Executor) {
	h.dispatch = dispatch
}

// Name implements system.Service.
func (h *Handler) Name() string { return "commandhandler" }

// Recover marks every IN_PROGRESS entry left over from a previous run as
// FAILURE, persists the change, and reports it exactly once. A crash mid
// dispatch leaves orphaned IN_PROGRESS rows whose post-condition no longer
// matches reality; this brings the store back in line before the main loop
// starts accepting new work.
func (h *Handler) Recover(ctx context.Context) error {
	entries, err := h.store.GetByStatus(ctx, commandstore.InProgress)
	if err != nil {
		return fmt.Errorf("commandhandler: recover: %w", err)
	}
	for _, e := range entries {
		e.Status = commandstore.Failure
		e.Result = recoveryMessage
		if err := h.store.Update(ctx, e); err != nil {
			h.log.WithField("id", e.ID).Errorf("recover: update failed: %v", err)
			continue
		}
		if h.report != nil {
			h.report(ctx, e)
		}
	}
	return nil
}

// Start implements system.Service: recovers orphaned commands, then launches
// the dispatch loop in the background.
func (h *Handler) Start(ctx context.Context) error {
	if err := h.Recover(ctx); err != nil {
		return err
	}
	h.keepRunning.Store(true)
	go h.Run(ctx)
	return nil
}

// Stop implements system.Service: flips keepRunning so the loop exits on its
// next head.
func (h *Handler) Stop(ctx context.Context) error {
	h.keepRunning.Store(false)
	return nil
}

// Run is the main dispatch loop (spec §4.6). It blocks until ctx is done or
// keepRunning is flipped by Stop.
func (h *Handler) Run(ctx context.Context) error {
	h.keepRunning.Store(true)
	for h.keepRunning.Load() {
		if ctx.Err() != nil {
			return nil
		}

		entry, ok := h.dequeue(ctx)
		if !ok {
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		h.handle(ctx, *entry)
	}
	return nil
}

func (h *Handler) handle(ctx context.Context, entry commandstore.Entry) {
	if ok, reason := validate(entry); !ok {
		entry.Status = commandstore.Failure
		entry.Result = reason
		h.reportAndPop(ctx, entry)
		return
	}

	if h.dispatch == nil {
		entry.Status = commandstore.Failure
		entry.Result = "no dispatcher configured"
		h.reportAndPop(ctx, entry)
		return
	}

	entry.Status = commandstore.InProgress
	if err := h.store.Store(ctx, entry); err != nil {
		entry.Status = commandstore.Failure
		entry.Result = fmt.Sprintf("failed to persist command: %v", err)
		h.reportAndPop(ctx, entry)
		return
	}

	if err := h.pop(ctx); err != nil {
		h.log.WithField("id", entry.ID).Errorf("pop_from_queue failed after store: %v", err)
	}

	done := core.StartObservation(ctx, h.hooks, map[string]string{"command": entry.Command, "id": entry.ID})

	dispatchCtx, cancel := context.WithTimeout(ctx, h.dispatchTimeout())
	result, err := h.dispatch(dispatchCtx, entry)
	cancel()

	if err != nil {
		if dispatchCtx.Err() != nil {
			entry.Status = commandstore.Timeout
			entry.Result = fmt.Sprintf("dispatch timed out after %s", h.dispatchTimeout())
		} else {
			entry.Status = commandstore.Failure
			entry.Result = err.Error()
		}
	} else {
		entry.Status = result.Status
		entry.Result = result.Message
	}
	done(err)

	if uerr := h.store.Update(ctx, entry); uerr != nil {
		h.log.WithField("id", entry.ID).Errorf("update after dispatch failed: %v", uerr)
	}
	if h.report != nil {
		h.report(ctx, entry)
	}
}

func (h *Handler) reportAndPop(ctx context.Context, entry commandstore.Entry) {
	if h.report != nil {
		h.report(ctx, entry)
	}
	if err := h.pop(ctx); err != nil {
		h.log.WithField("id", entry.ID).Errorf("pop_from_queue failed: %v", err)
	}
}

func (h *Handler) dispatchTimeout() time.Duration {
	if h.DispatchTimeout <= 0 {
		return 5 * time.Minute
	}
	return h.DispatchTimeout
}

// validate checks a command entry against the known-command set and any
// command-specific parameter requirements (spec §4.6 step 2).
func validate(e commandstore.Entry) (ok bool, failureMessage string) {
	if _, known := KnownCommands[e.Command]; !known {
		return false, fmt.Sprintf("unknown command %q", e.Command)
	}

	if e.Command != "set-group" {
		return true, ""
	}

	if len(e.Parameters) == 0 {
		return false, "set-group requires a non-empty \"groups\" parameter"
	}

	var params struct {
		Groups []string `json:"groups"`
	}
	if err := json.Unmarshal(e.Parameters, &params); err != nil {
		return false, fmt.Sprintf("set-group: malformed parameters: %v", err)
	}
	if len(params.Groups) == 0 {
		return false, "set-group requires a non-empty \"groups\" parameter"
	}
	for _, g := range params.Groups {
		if g == "" {
			return false, "set-group: groups must not contain empty strings"
		}
	}
	return true, ""
}
