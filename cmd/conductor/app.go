package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/pipeforge/conductor/bus"
	"github.com/pipeforge/conductor/config"
	"github.com/pipeforge/conductor/dispatcher"
	"github.com/pipeforge/conductor/orchestrator"
	"github.com/pipeforge/conductor/pipeline"
	"github.com/pipeforge/conductor/qualitygate"
	"github.com/pipeforge/conductor/storage"
	"github.com/pipeforge/conductor/workflow"
	"github.com/pipeforge/conductor/workflow/loader"
)

// App wires the bus, dispatcher, orchestrator, and pipeline executor
// together for one CLI invocation.
type App struct {
	cfg *config.Config

	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	bus           bus.Port
	dispatcher    *dispatcher.Dispatcher
	store         storage.WorkflowStore
	service       *orchestrator.Service
	pipelineExec  *pipeline.Executor
	gatePolicy    *qualitygate.Policy
	policyWatcher *qualitygate.Watcher
}

// NewApp connects the bus (embedded or external) and wires the
// orchestrator's dependencies on top of it.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg}

	if err := a.startBus(ctx, logger); err != nil {
		return nil, fmt.Errorf("start bus: %w", err)
	}

	store, err := storage.NewNATSStore(ctx, a.js)
	if err != nil {
		return nil, fmt.Errorf("open workflow store: %w", err)
	}
	a.store = store

	a.dispatcher = dispatcher.New(a.bus, logger)
	if err := a.dispatcher.Start(ctx); err != nil {
		return nil, fmt.Errorf("start dispatcher: %w", err)
	}

	a.service = orchestrator.New(a.dispatcher, a.store, a.bus, logger)
	a.pipelineExec = pipeline.New(a.dispatcher, pipeline.NewBusEvents(a.bus, logger), logger)

	policy, err := qualitygate.LoadPolicy(cfg.QualityGates.PolicyFile, logger)
	if err != nil {
		return nil, fmt.Errorf("load quality gate policy: %w", err)
	}
	a.gatePolicy = policy
	watcher, err := qualitygate.Watch(policy, logger)
	if err != nil {
		return nil, fmt.Errorf("watch quality gate policy: %w", err)
	}
	a.policyWatcher = watcher

	return a, nil
}

// applyDefaultGates fills in the policy's current gate table for any stage
// that didn't specify its own quality gates.
func (a *App) applyDefaultGates(def pipeline.Definition) pipeline.Definition {
	defaults := a.gatePolicy.Gates()
	for i, s := range def.Stages {
		if len(s.QualityGates) == 0 {
			def.Stages[i].QualityGates = defaults
		}
	}
	return def
}

func (a *App) startBus(ctx context.Context, logger *slog.Logger) error {
	if a.cfg.Bus.URL != "" && !a.cfg.Bus.Embedded {
		conn, err := nats.Connect(a.cfg.Bus.URL, nats.Timeout(a.cfg.Bus.ConnectTimeout))
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		a.natsConn = conn
	} else {
		opts := &server.Options{
			Port:      -1,
			JetStream: true,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded nats server: %w", err)
		}
		go ns.Start()

		timeout := a.cfg.Bus.ConnectTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		if !ns.ReadyForConnections(timeout) {
			ns.Shutdown()
			return fmt.Errorf("embedded nats server failed to start")
		}
		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded nats: %w", err)
		}
		a.natsConn = conn
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create jetstream context: %w", err)
	}
	a.js = js
	a.bus = bus.NewNATS(a.natsConn, js, logger)
	return nil
}

// Shutdown tears down the dispatcher and bus connection.
func (a *App) Shutdown(ctx context.Context) {
	if a.policyWatcher != nil {
		_ = a.policyWatcher.Close()
	}
	if a.dispatcher != nil {
		_ = a.dispatcher.Disconnect(ctx)
	}
	if a.natsConn != nil {
		a.natsConn.Drain()
		a.natsConn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
}

func newValidateCmd(logger *slog.Logger, exitCode *int) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow-file>",
		Short: "Validate a workflow definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loader.LoadFile(args[0])
			if err != nil {
				*exitCode = exitValidation
				return err
			}
			fmt.Printf("valid: %s (version %s, %d stages)\n", def.Name, def.Version, len(def.Stages))
			return nil
		},
	}
}

func newRunCmd(logger *slog.Logger, configPath *string, exitCode *int) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run <workflow-file>",
		Short: "Run a workflow definition to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loader.LoadFile(args[0])
			if err != nil {
				*exitCode = exitValidation
				return err
			}

			cfg, err := loadConfig(logger, *configPath)
			if err != nil {
				*exitCode = exitConfiguration
				return err
			}

			ctx := cmd.Context()
			app, err := NewApp(ctx, cfg, logger)
			if err != nil {
				*exitCode = exitBusConnection
				return err
			}
			defer app.Shutdown(context.Background())

			workflowID := uuid.New().String()
			if err := app.service.Create(ctx, workflowID, def, nil); err != nil {
				*exitCode = exitValidation
				return err
			}
			if err := app.service.Start(ctx, workflowID); err != nil {
				*exitCode = exitBusConnection
				return err
			}

			return app.awaitCompletion(ctx, workflowID, timeout, exitCode)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", workflow.DefaultGlobalTimeout, "maximum wall time to wait for completion")
	return cmd
}

func (a *App) awaitCompletion(ctx context.Context, workflowID string, timeout time.Duration, exitCode *int) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			*exitCode = exitCancelled
			return ctx.Err()
		default:
		}

		rec, err := a.store.Get(ctx, workflowID)
		if err != nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		switch rec.Status {
		case storage.WorkflowSucceeded:
			fmt.Printf("workflow %s succeeded\n", workflowID)
			return nil
		case storage.WorkflowFailed:
			*exitCode = exitValidation
			return fmt.Errorf("workflow %s failed: %s", workflowID, rec.LastError.Message)
		case storage.WorkflowCancelled:
			*exitCode = exitCancelled
			return fmt.Errorf("workflow %s cancelled", workflowID)
		}

		time.Sleep(100 * time.Millisecond)
	}

	*exitCode = exitTimeout
	return fmt.Errorf("workflow %s timed out after %s", workflowID, timeout)
}

func newPipelineCmd(logger *slog.Logger, configPath *string, exitCode *int) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "pipeline <pipeline-file>",
		Short: "Run a DAG-scheduled pipeline definition to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := pipeline.LoadFile(args[0])
			if err != nil {
				*exitCode = exitValidation
				return err
			}

			cfg, err := loadConfig(logger, *configPath)
			if err != nil {
				*exitCode = exitConfiguration
				return err
			}

			ctx := cmd.Context()
			app, err := NewApp(ctx, cfg, logger)
			if err != nil {
				*exitCode = exitBusConnection
				return err
			}
			defer app.Shutdown(context.Background())

			def = app.applyDefaultGates(def)
			if def.WorkflowID == "" {
				def.WorkflowID = uuid.New().String()
			}

			exec, err := app.pipelineExec.Start(ctx, def, "cli", "manual", "", "")
			if err != nil {
				*exitCode = exitValidation
				return err
			}

			return awaitPipelineCompletion(ctx, exec, timeout, exitCode)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", workflow.DefaultGlobalTimeout, "maximum wall time to wait for completion")
	return cmd
}

func awaitPipelineCompletion(ctx context.Context, exec *pipeline.Execution, timeout time.Duration, exitCode *int) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			*exitCode = exitCancelled
			return ctx.Err()
		default:
		}

		switch exec.Status() {
		case pipeline.StatusSuccess:
			fmt.Printf("pipeline %s succeeded\n", exec.ID)
			return nil
		case pipeline.StatusFailed:
			*exitCode = exitValidation
			return fmt.Errorf("pipeline %s failed", exec.ID)
		case pipeline.StatusCancelled:
			*exitCode = exitCancelled
			return fmt.Errorf("pipeline %s cancelled", exec.ID)
		}

		time.Sleep(100 * time.Millisecond)
	}

	*exitCode = exitTimeout
	return fmt.Errorf("pipeline %s timed out after %s", exec.ID, timeout)
}

func newAgentCmd(logger *slog.Logger, configPath *string, exitCode *int) *cobra.Command {
	var agentType, version string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run an agent runtime process for a given agent type",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentType == "" {
				*exitCode = exitValidation
				return fmt.Errorf("--type is required")
			}

			cfg, err := loadConfig(logger, *configPath)
			if err != nil {
				*exitCode = exitConfiguration
				return err
			}

			ctx := cmd.Context()
			app, err := NewApp(ctx, cfg, logger)
			if err != nil {
				*exitCode = exitBusConnection
				return err
			}
			defer app.Shutdown(context.Background())

			logger.Info("agent host started; wire a concrete agent implementation via agentrt.New", slog.String("agent_type", agentType), slog.String("version", version))
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&agentType, "type", "", "agent type this process handles (required)")
	cmd.Flags().StringVar(&version, "version", "dev", "agent implementation version")
	return cmd
}
