package cli

import (
	"context"
	"os"
	"sync"

	"github.com/daryltucker/prompt-harness/internal/config"
	"github.com/daryltucker/prompt-harness/internal/engine"
	"github.com/daryltucker/prompt-harness/internal/history"
	"github.com/daryltucker/prompt-harness/internal/output"
	"github.com/daryltucker/prompt-harness/internal/reconcile"
	"github.com/daryltucker/prompt-harness/internal/session"
	"github.com/daryltucker/prompt-harness/internal/storage"
	"github.com/daryltucker/prompt-harness/internal/toolexec"
	"github.com/daryltucker/prompt-harness/internal/uistate"
)

// app holds the services one command invocation works with.
type app struct {
	cfg     *config.Config
	store   *storage.Store
	session *session.Tracker
	ui      *uistate.Cache
	history *history.Store
	outputs *reconcile.Manager
	tools   *toolexec.Tracker
	invoker engine.Invoker
	harness *engine.Harness

	stopCleanup context.CancelFunc
	cleanupDone sync.WaitGroup
}

// loadConfig reads the config file and applies global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if storageDir != "" {
		cfg.Storage.Dir = storageDir
	}
	output.Configure(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

// newApp wires every service. Persisted state is loaded; the model client is
// created but not initialized.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	store := storage.OpenStore(cfg.Storage)
	a := &app{
		cfg:   cfg,
		store: store,
		ui:    uistate.NewCache(store),
		history: history.NewStore(store, history.Options{
			MaxEntries: cfg.Storage.MaxResults,
			MaxAge:     cfg.Storage.MaxAge,
		}),
		outputs: reconcile.NewManager(store, reconcile.Options{
			CoalesceWindow: cfg.Streaming.CoalesceWindow,
			MaxPending:     cfg.Streaming.MaxPending,
			MaxRecords:     cfg.Storage.MaxResults,
			MaxAge:         cfg.Storage.MaxAge,
		}),
		session: session.NewTracker(store, cfg.SessionTimeout),
		tools:   toolexec.NewTracker(cfg.Tools.CancelTimeout),
		invoker: newInvoker(cfg),
	}
	a.history.Load(ctx)
	a.outputs.Load(ctx)
	a.session.Initialize(ctx)

	// Quota cleanup frees the oldest history and outputs first.
	store.RegisterCleanup(a.history.CleanupFunc())
	store.RegisterCleanup(a.outputs.CleanupFunc())

	var workflow engine.Workflow
	if len(cfg.Tools.Endpoints) > 0 || len(cfg.Tools.Definitions) > 0 {
		runner := toolexec.NewHTTPToolRunner(cfg.Tools.Endpoints, cfg.Tools.RequestTimeout)
		workflow = toolexec.NewLoopExecutor(engine.TurnCaller{Invoker: a.invoker}, runner)
	}

	a.harness = engine.NewHarness(engine.Deps{
		Invoker:  a.invoker,
		Session:  a.session,
		History:  a.history,
		Outputs:  a.outputs,
		Tools:    a.tools,
		Workflow: workflow,
	}, engine.Options{
		ToolDefinitions:    cfg.Tools.Definitions,
		PollInterval:       cfg.Tools.PollInterval,
		DeterminismRuns:    cfg.DeterminismRuns,
		DeterminismWorkers: cfg.DeterminismWorkers,
	})
	return a, nil
}

func newInvoker(cfg *config.Config) engine.Invoker {
	if cfg.Provider == config.ProviderOllama {
		return engine.NewOllamaInvoker(cfg.Ollama)
	}
	return engine.NewBedrockInvoker(cfg.Bedrock)
}

// startCleanup runs the storage cleanup scheduler until close.
func (a *app) startCleanup(ctx context.Context) {
	ctx, a.stopCleanup = context.WithCancel(ctx)
	sched := &storage.CleanupScheduler{Store: a.store, Interval: a.cfg.Storage.CleanupInterval}
	a.cleanupDone.Add(1)
	go func() {
		defer a.cleanupDone.Done()
		sched.Run(ctx)
	}()
}

func (a *app) close() {
	if a.stopCleanup != nil {
		a.stopCleanup()
		a.cleanupDone.Wait()
	}
	if err := a.store.Close(); err != nil {
		output.Logger.Warn("Failed to close storage", "error", err)
	}
}
