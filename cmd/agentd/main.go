package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sentrypoint/agent/internal/agent"
	"github.com/sentrypoint/agent/internal/commandhandler"
	"github.com/sentrypoint/agent/internal/commandstore"
	"github.com/sentrypoint/agent/internal/config"
	"github.com/sentrypoint/agent/internal/instancelistener"
	"github.com/sentrypoint/agent/internal/logger"
	"github.com/sentrypoint/agent/internal/persistence"
	"github.com/sentrypoint/agent/internal/queue"
)

func main() {
	configPath := flag.String("config", "", "path to agent configuration file (YAML)")
	dataDir := flag.String("data-dir", "", "directory holding the agent's SQLite databases (overrides config)")
	runtimeSocket := flag.String("runtime-socket", "", "path to the local control socket (overrides config)")
	flag.Parse()

	var cfg *config.Config
	var err error
	if trimmed := strings.TrimSpace(*configPath); trimmed != "" {
		cfg, err = config.LoadFile(trimmed)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	queuePath, commandsPath := resolveDatabasePaths(*dataDir, cfg)
	if err := os.MkdirAll(filepath.Dir(queuePath), 0o755); err != nil {
		log.Fatalf("create database directory: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(commandsPath), 0o755); err != nil {
		log.Fatalf("create database directory: %v", err)
	}

	appLog := logger.New(cfg.Logging)

	queueDB, err := persistence.Open(queuePath, appLog)
	if err != nil {
		log.Fatalf("open queue database: %v", err)
	}
	defer queueDB.Close()

	commandsDB, err := persistence.Open(commandsPath, appLog)
	if err != nil {
		log.Fatalf("open command store database: %v", err)
	}
	defer commandsDB.Close()

	socketPath := strings.TrimSpace(*runtimeSocket)
	if socketPath == "" {
		socketPath = cfg.Runtime.SocketPath
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		log.Fatalf("create runtime socket directory: %v", err)
	}

	application, err := agent.New(agent.Config{
		ServerURL:              cfg.Agent.ServerURL,
		UUID:                   cfg.Agent.UUID,
		Key:                    cfg.Agent.Key,
		VerificationMode:       cfg.Agent.VerificationMode,
		RetryInterval:          time.Duration(cfg.Agent.RetryIntervalMS) * time.Millisecond,
		CommandsRequestTimeout: time.Duration(cfg.Agent.CommandsRequestTimeout) * time.Millisecond,
		BatchSizeBytes:         cfg.Events.BatchSizeBytes,
		RuntimeSocketPath:      socketPath,
		QueueLimits:            defaultQueueLimits(),
	}, agent.Stores{Queue: queueDB, Commands: commandsDB}, moduleReloadHandler(appLog), appLog)
	if err != nil {
		log.Fatalf("initialize agent: %v", err)
	}
	application.SetDispatcher(newDispatcher(application, appLog))

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		log.Fatalf("start agent: %v", err)
	}
	appLog.Infof("agent started, server=%s uuid=%s", cfg.Agent.ServerURL, cfg.Agent.UUID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

func resolveDatabasePaths(flagDataDir string, cfg *config.Config) (queuePath, commandsPath string) {
	if dir := strings.TrimSpace(flagDataDir); dir != "" {
		return filepath.Join(dir, filepath.Base(cfg.Database.Path)), filepath.Join(dir, filepath.Base(cfg.Database.CommandsPath))
	}
	return cfg.Database.Path, cfg.Database.CommandsPath
}

func defaultQueueLimits() map[queue.Kind]queue.Limits {
	return map[queue.Kind]queue.Limits{
		queue.Stateful:  {MaxRows: 10000, MaxBytes: 100_000_000},
		queue.Stateless: {MaxRows: 10000, MaxBytes: 100_000_000},
		queue.Command:   {MaxRows: 1000, MaxBytes: 10_000_000},
	}
}

// moduleReloadHandler answers the instance listener's RELOAD / RELOAD-MODULE
// notifications. Actually propagating a reload to the running modules is a
// per-platform service-wrapper concern external to this core; this logs the
// request so an operator can confirm the socket is live end to end.
func moduleReloadHandler(log *logger.Logger) instancelistener.ReloadFunc {
	return func(module *string) {
		if module == nil {
			log.Info("received reload request for all modules")
			return
		}
		log.WithField("module", *module).Info("received reload request for module")
	}
}

// newDispatcher builds the default command executor for the three known
// commands. set-group logs the requested groups; fetch-config downloads the
// group's configuration and logs its size. Neither writes anything to disk.
// restart only logs and reports success, leaving the restart itself to the
// process supervisor that starts this binary.
func newDispatcher(app *agent.Application, log *logger.Logger) commandhandler.Executor {
	return func(ctx context.Context, e commandstore.Entry) (commandhandler.ExecutionResult, error) {
		switch e.Command {
		case "set-group":
			var params struct {
				Groups []string `json:"groups"`
			}
			if err := json.Unmarshal(e.Parameters, &params); err != nil {
				return commandhandler.ExecutionResult{}, fmt.Errorf("set-group: %w", err)
			}
			log.WithField("groups", params.Groups).Info("applying group membership")
			return commandhandler.ExecutionResult{Status: commandstore.Success, Message: "groups applied"}, nil

		case "fetch-config":
			var params struct {
				Group string `json:"group"`
			}
			_ = json.Unmarshal(e.Parameters, &params)
			if params.Group == "" {
				return commandhandler.ExecutionResult{}, fmt.Errorf("fetch-config: missing group parameter")
			}
			ok, err := app.Communicator.GetGroupConfig(ctx, params.Group, func(body []byte) error {
				log.WithField("group", params.Group).Infof("fetched %d bytes of group configuration", len(body))
				return nil
			})
			if err != nil {
				return commandhandler.ExecutionResult{}, err
			}
			if !ok {
				return commandhandler.ExecutionResult{Status: commandstore.Failure, Message: "group configuration not found"}, nil
			}
			return commandhandler.ExecutionResult{Status: commandstore.Success, Message: "configuration fetched"}, nil

		case "restart":
			log.Warn("restart requested; deferring to the process supervisor")
			return commandhandler.ExecutionResult{Status: commandstore.Success, Message: "restart requested"}, nil

		default:
			return commandhandler.ExecutionResult{}, fmt.Errorf("unsupported command %q", e.Command)
		}
	}
}
