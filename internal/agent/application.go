// Package agent is the composition root tying the connectivity and
// dispatch subsystem together: the Communicator (C5), the Command Handler
// (C6), the Instance Listener (C7), the persistent multi-queue (C3) and the
// command store (C4), grounded on internal/app/application.go's
// Application struct (component pointers plus a *system.Manager,
// New/Attach/Start/Stop delegating to it) and cmd/appserver/main.go's
// wiring shape.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sentrypoint/agent/internal/commandhandler"
	"github.com/sentrypoint/agent/internal/commandstore"
	"github.com/sentrypoint/agent/internal/communicator"
	"github.com/sentrypoint/agent/internal/httpclient"
	"github.com/sentrypoint/agent/internal/instancelistener"
	"github.com/sentrypoint/agent/internal/logger"
	"github.com/sentrypoint/agent/internal/persistence"
	"github.com/sentrypoint/agent/internal/queue"
	"github.com/sentrypoint/agent/internal/system"
)

// Config bundles every knob the composition root needs, mirroring the
// sections of internal/config.Config this package consumes.
type Config struct {
	ServerURL              string
	UUID                   string
	Key                    string
	VerificationMode       string
	RetryInterval          time.Duration
	CommandsRequestTimeout time.Duration
	BatchSizeBytes         int

	RuntimeSocketPath string

	QueueLimits map[queue.Kind]queue.Limits
}

// Stores bundles the two exclusively-owned persistence handles: the queue
// and the command store each own their underlying *persistence.Store, with
// a lifetime equal to the owning component's (spec §3 "Ownership").
type Stores struct {
	Queue    *persistence.Store
	Commands *persistence.Store
}

// Option customizes Application construction.
type Option func(*options)

type options struct {
	headerInfo communicator.HeaderInfoFunc
	reportSink func(ctx context.Context, e commandstore.Entry)
}

// WithHeaderInfo supplies the banner string sent with every authentication
// request (e.g. agent version/platform).
func WithHeaderInfo(fn communicator.HeaderInfoFunc) Option {
	return func(o *options) { o.headerInfo = fn }
}

// WithReportSink adds a callback that receives each command result once it
// reaches a terminal state, in addition to it being queued as a stateless
// event.
func WithReportSink(fn func(ctx context.Context, e commandstore.Entry)) Option {
	return func(o *options) { o.reportSink = fn }
}

// Application ties C1-C7 together into one lifecycle-managed unit.
type Application struct {
	Communicator *communicator.Communicator
	Handler      *commandhandler.Handler
	Listener     *instancelistener.Listener
	Queue        *queue.MultiQueue
	Commands     *commandstore.Store

	manager *system.Manager
	log     *logger.Logger
}

// wireCommand is the shape of one manager-issued command, as carried inside
// the commands-poll response body and re-serialized into the queue's
// Command kind for the handler to pick up.
type wireCommand struct {
	ID         string          `json:"id"`
	Module     string          `json:"module"`
	Command    string          `json:"command"`
	Parameters json.RawMessage `json:"parameters"`
	Mode       string          `json:"mode"`
}

func (w wireCommand) mode() commandstore.ExecutionMode {
	if w.Mode == "async" {
		return commandstore.Async
	}
	return commandstore.Sync
}

// New builds every component, wires the handler onto the queue's command
// kind and the communicator's commands-loop onto pushing parsed commands
// into that same kind, registers Communicator, Handler and Listener with
// the manager in that order, and returns the assembled Application.
func New(cfg Config, stores Stores, reload instancelistener.ReloadFunc, log *logger.Logger, opts ...Option) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("agent")
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	ctx := context.Background()

	q, err := queue.New(ctx, stores.Queue, cfg.QueueLimits, logger.NewDefault("queue"))
	if err != nil {
		return nil, fmt.Errorf("agent: build queue: %w", err)
	}

	cmdStore, err := commandstore.New(ctx, stores.Commands, logger.NewDefault("commandstore"))
	if err != nil {
		return nil, fmt.Errorf("agent: build command store: %w", err)
	}

	verification := httpclient.ParseVerificationMode(cfg.VerificationMode, log)
	comm := communicator.New(communicator.Config{
		ServerURL:              cfg.ServerURL,
		UUID:                   cfg.UUID,
		Key:                    cfg.Key,
		Verification:           verification,
		RetryInterval:          cfg.RetryInterval,
		CommandsRequestTimeout: cfg.CommandsRequestTimeout,
		BatchSizeBytes:         cfg.BatchSizeBytes,
	}, o.headerInfo, logger.NewDefault("communicator"))

	bridge := &queueBridge{queue: q, log: log}

	handler := commandhandler.New(cmdStore, bridge.dequeueCommand, bridge.popCommand, makeReporter(q, o.reportSink, log), nil, logger.NewDefault("commandhandler"))

	listener := instancelistener.New(cfg.RuntimeSocketPath, reload, logger.NewDefault("instancelistener"))

	manager := system.NewManager()
	commSvc := &communicatorService{comm: comm, funcs: communicator.LoopFuncs{
		StatefulMessages:  bridge.getMessages(queue.Stateful),
		StatefulSuccess:   bridge.onSuccess(queue.Stateful),
		StatelessMessages: bridge.getMessages(queue.Stateless),
		StatelessSuccess:  bridge.onSuccess(queue.Stateless),
		CommandsSuccess:   bridge.onCommands,
	}}
	if err := manager.Register(commSvc); err != nil {
		return nil, fmt.Errorf("agent: register communicator: %w", err)
	}
	if err := manager.Register(handler); err != nil {
		return nil, fmt.Errorf("agent: register command handler: %w", err)
	}
	if err := manager.Register(listener); err != nil {
		return nil, fmt.Errorf("agent: register instance listener: %w", err)
	}

	return &Application{
		Communicator: comm,
		Handler:      handler,
		Listener:     listener,
		Queue:        q,
		Commands:     cmdStore,
		manager:      manager,
		log:          log,
	}, nil
}

// SetDispatcher attaches the executor used to actually run a validated
// command. Call before Start; the handler has no default.
func (a *Application) SetDispatcher(dispatch commandhandler.Executor) {
	a.Handler.SetDispatcher(dispatch)
}

// Attach registers an additional lifecycle-managed component (e.g. a
// sysinfo/inventory producer feeding the queue).
func (a *Application) Attach(svc system.Service) error {
	return a.manager.Register(svc)
}

// Start starts every registered component in registration order.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops every registered component in reverse order.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// communicatorService adapts *communicator.Communicator (whose Start takes
// the caller-supplied loop hooks) to the plain system.Service contract.
type communicatorService struct {
	comm  *communicator.Communicator
	funcs communicator.LoopFuncs
}

func (s *communicatorService) Name() string { return s.comm.Name() }

func (s *communicatorService) Start(ctx context.Context) error {
	return s.comm.Start(ctx, s.funcs)
}

func (s *communicatorService) Stop(ctx context.Context) error {
	return s.comm.Stop(ctx)
}
