// Package bootstrap is the engine's composition root (C10): the single
// place that wires Config, Logger, DB, Redis, the NodeHandler registry,
// the Credential Resolver, both stores, the Scheduler, and the Control
// API's WebSocket fanout into one running process.
//
// Grounded on common/bootstrap/{bootstrap,components,options}.go's
// Setup/Components/functional-options shape, generalized from the
// teacher's fixed DB/queue/cache/telemetry set to this engine's
// domain-specific collaborator graph.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowcore/engine/internal/api"
	"github.com/flowcore/engine/internal/api/ws"
	"github.com/flowcore/engine/internal/config"
	"github.com/flowcore/engine/internal/credential"
	"github.com/flowcore/engine/internal/db"
	"github.com/flowcore/engine/internal/expr"
	"github.com/flowcore/engine/internal/handler"
	"github.com/flowcore/engine/internal/handler/builtin"
	"github.com/flowcore/engine/internal/logger"
	"github.com/flowcore/engine/internal/redis"
	"github.com/flowcore/engine/internal/scheduler"
	"github.com/flowcore/engine/internal/store"
)

// Components holds every initialized collaborator, plus the means to shut
// them all down in reverse order.
type Components struct {
	Config    *config.Config
	Logger    *logger.Logger
	DB        *db.DB
	Redis     *redis.Client
	Handlers  *handler.Registry
	Flows     *store.FlowStore
	Execs     store.ExecutionStore
	Scheduler *scheduler.Scheduler
	Hub       *ws.Hub
	Router    *api.ExecutionHandler

	cleanupFuncs []func() error
}

// Option configures the bootstrap process.
type Option func(*options)

type options struct {
	customConfig *config.Config
	customLogger *logger.Logger
}

// WithCustomConfig uses a pre-built Config instead of loading from the
// environment, used by tests.
func WithCustomConfig(cfg *config.Config) Option {
	return func(o *options) { o.customConfig = cfg }
}

// WithCustomLogger uses a pre-built Logger instead of constructing one.
func WithCustomLogger(log *logger.Logger) Option {
	return func(o *options) { o.customLogger = log }
}

// Setup builds every Component in dependency order: Config, Logger, DB,
// Redis, the NodeHandler registry, the Credential Resolver, both stores,
// the Scheduler, and the WebSocket fanout. Call Shutdown (deferred) to
// release everything in reverse (LIFO) order.
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	c := &Components{cleanupFuncs: make([]func() error, 0)}

	if o.customConfig != nil {
		c.Config = o.customConfig
	} else {
		cfg, err := config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: load config: %w", err)
		}
		c.Config = cfg
	}

	if o.customLogger != nil {
		c.Logger = o.customLogger
	} else {
		c.Logger = logger.New(c.Config.Service.LogLevel, c.Config.Service.LogFormat)
	}
	c.Logger.Info("initializing service", "service", serviceName, "environment", c.Config.Service.Environment)

	c.Logger.Info("connecting to database")
	database, err := db.New(ctx, c.Config, c.Logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: connect database: %w", err)
	}
	c.DB = database
	c.addCleanup(func() error {
		c.Logger.Info("closing database connection")
		c.DB.Close()
		return nil
	})

	c.Logger.Info("connecting to redis")
	c.Redis = redis.New(c.Config, c.Logger)
	c.addCleanup(func() error {
		c.Logger.Info("closing redis connection")
		return c.Redis.Close()
	})

	credentials, err := credential.New(c.DB, []byte(c.Config.CredentialKey))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: init credential resolver: %w", err)
	}

	c.Handlers = handler.NewRegistry()
	condition, err := builtin.NewCondition()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: init condition handler: %w", err)
	}
	switchHandler, err := builtin.NewSwitch()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: init switch handler: %w", err)
	}
	c.Handlers.MustRegister(builtin.ManualTrigger{})
	c.Handlers.MustRegister(builtin.ErrorTrigger{})
	c.Handlers.MustRegister(builtin.SetFields{})
	c.Handlers.MustRegister(builtin.Output{})
	c.Handlers.MustRegister(builtin.NewHTTP())
	c.Handlers.MustRegister(builtin.Wait{})
	c.Handlers.MustRegister(builtin.NewApproval(func() string { return uuid.NewString() }))
	c.Handlers.MustRegister(condition)
	c.Handlers.MustRegister(switchHandler)
	c.Handlers.MustRegister(builtin.Loop{})
	c.Handlers.MustRegister(builtin.LoopEnd{})

	c.Flows = store.NewFlowStore(c.DB)

	pgExecs := store.NewPostgres(c.DB)
	c.Execs = store.NewCachedStore(pgExecs, c.Redis)

	c.Hub = ws.NewHub(c.Logger)
	publisher := ws.NewPublisher(c.Redis, c.Logger)

	// The subWorkflow handler needs the Scheduler to start child
	// Executions, but the Scheduler's Deps need the registry the handler
	// registers into. subflowAdapter breaks the cycle: it closes over a
	// *scheduler.Scheduler field that is filled in immediately after
	// scheduler.New returns, before any Execution can possibly start.
	adapter := &subflowAdapter{flows: c.Flows, execs: c.Execs}
	c.Handlers.MustRegister(builtin.NewSubWorkflow(adapter))
	c.Handlers.Freeze()

	c.Scheduler = scheduler.New(scheduler.Deps{
		Handlers:             c.Handlers,
		FlowVersions:         c.Flows,
		Evaluator:            expr.New(),
		Credentials:          credentials,
		Store:                c.Execs,
		Logger:               c.Logger,
		Events:               publisher,
		MaxConcurrentDefault: c.Config.Scheduler.MaxConcurrentNodes,
		GlobalWorkerBudget:   c.Config.Scheduler.GlobalWorkerBudget,
		CancelGracePeriod:    c.Config.Scheduler.CancelGracePeriod,
		DefaultNodeTimeout:   c.Config.Scheduler.DefaultTimeout,
	})
	adapter.sched = c.Scheduler

	wsServer := ws.NewServer(c.Hub)
	c.Router = api.NewExecutionHandler(c.Scheduler, c.Flows, c.Execs, c.Handlers, wsServer, c.Logger)

	c.Logger.Info("service initialization complete", "service", serviceName)
	return c, nil
}

// Shutdown releases every Component in reverse (LIFO) registration order.
func (c *Components) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down components")
	var errs []error
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			errs = append(errs, err)
			c.Logger.Error("cleanup error", "error", err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	c.Logger.Info("shutdown complete")
	return nil
}

func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}

// subflowAdapter implements builtin.SubWorkflowStarter over the Scheduler
// and the two stores, letting the subWorkflow handler start and poll child
// Executions without the Scheduler ever importing the Control API.
type subflowAdapter struct {
	sched *scheduler.Scheduler
	flows *store.FlowStore
	execs store.ExecutionStore
}

func (a *subflowAdapter) StartExecution(flowVersionID string, input map[string]interface{}, parentExecutionID string) (string, error) {
	ctx := context.Background()
	fv, err := a.flows.Load(ctx, flowVersionID)
	if err != nil {
		return "", fmt.Errorf("subflow: load flow version: %w", err)
	}
	parent := parentExecutionID
	return a.sched.Start(ctx, fv, "system", store.TriggerSubFlow, input, &parent)
}

func (a *subflowAdapter) ExecutionStatus(executionID string) (string, map[string]interface{}, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := a.execs.FindExecution(ctx, executionID)
	if err != nil {
		return "", nil, false
	}
	return string(exec.Status), exec.Output, true
}
