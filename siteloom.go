// Package siteloom is the top-level entry point for the siteloom framework.
//
// Use the Builder to compose a siteloom application:
//
//	app, err := siteloom.NewBuilder().Build()
//	app.Start(ctx)
//
// Or customize individual components:
//
//	app, err := siteloom.NewBuilder().
//	    WithStore(myStore).
//	    WithSandbox(mySandbox).
//	    WithLLM(myClient).
//	    Build()
package siteloom

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/siteloom/siteloom/config"
	"github.com/siteloom/siteloom/engine"
	"github.com/siteloom/siteloom/eventbus"
	"github.com/siteloom/siteloom/httpapi"
	"github.com/siteloom/siteloom/llm"
	"github.com/siteloom/siteloom/pipeline"
	"github.com/siteloom/siteloom/runner"
	"github.com/siteloom/siteloom/sandbox"
	dockerSandbox "github.com/siteloom/siteloom/sandbox/docker"
	"github.com/siteloom/siteloom/store"
)

// Builder constructs a siteloom App.
type Builder struct {
	config   *config.Config
	log      *zap.Logger
	store    store.Store
	bus      eventbus.Bus
	sandbox  sandbox.Client
	llm      llm.Client
	title    *pipeline.TitleStage
	response *pipeline.ResponseStage
	notifier engine.Notifier
	exporter engine.Exporter
}

// NewBuilder creates a new Builder with sensible defaults.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithConfig sets the application configuration.
func (b *Builder) WithConfig(cfg *config.Config) *Builder {
	b.config = cfg
	return b
}

// WithLogger sets the logger.
func (b *Builder) WithLogger(log *zap.Logger) *Builder {
	b.log = log
	return b
}

// WithStore sets the store implementation.
func (b *Builder) WithStore(s store.Store) *Builder {
	b.store = s
	return b
}

// WithBus sets the event bus implementation.
func (b *Builder) WithBus(bus eventbus.Bus) *Builder {
	b.bus = bus
	return b
}

// WithSandbox sets the sandbox client implementation.
func (b *Builder) WithSandbox(s sandbox.Client) *Builder {
	b.sandbox = s
	return b
}

// WithLLM sets the LLM client used by the coding agent and the
// post-processing stages.
func (b *Builder) WithLLM(client llm.Client) *Builder {
	b.llm = client
	return b
}

// WithStages sets custom post-processing stages.
func (b *Builder) WithStages(title *pipeline.TitleStage, response *pipeline.ResponseStage) *Builder {
	b.title = title
	b.response = response
	return b
}

// WithNotifier sets the run-completion notifier.
func (b *Builder) WithNotifier(n engine.Notifier) *Builder {
	b.notifier = n
	return b
}

// WithExporter sets the fragment exporter.
func (b *Builder) WithExporter(e engine.Exporter) *Builder {
	b.exporter = e
	return b
}

// Build creates the App. Missing components are filled with defaults.
func (b *Builder) Build() (*App, error) {
	if err := applyDefaults(b); err != nil {
		return nil, err
	}

	r := runner.New(b.store, b.log, b.config.MaxAttempts)
	eng := engine.New(
		engine.Config{
			SandboxTemplate: b.config.SandboxTemplate,
			SandboxLifetime: b.config.SandboxLifetime,
			MaxIterations:   b.config.MaxIterations,
		},
		b.store, b.bus, b.sandbox, b.llm, r,
		b.title, b.response, b.notifier, b.exporter, b.log,
	)

	handler := httpapi.New(eng, b.log)

	return &App{
		config:  b.config,
		log:     b.log,
		engine:  eng,
		handler: handler,
		sandbox: b.sandbox,
	}, nil
}

// App is a running siteloom application.
type App struct {
	config  *config.Config
	log     *zap.Logger
	engine  *engine.Engine
	handler *httpapi.Handler
	sandbox sandbox.Client
}

// Engine returns the underlying engine for direct access.
func (a *App) Engine() *engine.Engine { return a.engine }

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler { return a.handler.Router() }

// Start starts background execution and the HTTP server. Blocks until ctx is
// done.
func (a *App) Start(ctx context.Context) error {
	if dc, ok := a.sandbox.(*dockerSandbox.Client); ok {
		dc.Start(ctx)
		defer dc.Stop()
	}
	if err := a.engine.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    a.config.ServerAddr,
		Handler: a.handler.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	a.log.Info("siteloom server listening", zap.String("addr", a.config.ServerAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	a.engine.Stop()
	return a.engine.Store().Close()
}
