package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/evalroom/pkg/core/collab"
	"github.com/vango-go/evalroom/pkg/core/extract"
	"github.com/vango-go/evalroom/pkg/core/providers/fallback"
	"github.com/vango-go/evalroom/pkg/core/providers/gemini"
	"github.com/vango-go/evalroom/pkg/core/rubric"
	"github.com/vango-go/evalroom/pkg/core/scoring"
	"github.com/vango-go/evalroom/pkg/gateway/config"
	"github.com/vango-go/evalroom/pkg/gateway/events"
	"github.com/vango-go/evalroom/pkg/gateway/metrics"
	"github.com/vango-go/evalroom/pkg/gateway/orchestrator"
	"github.com/vango-go/evalroom/pkg/gateway/server"
	"github.com/vango-go/evalroom/pkg/gateway/store"
)

const metricsNamespace = "evalroom"

func newServeCmd(deps appDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and realtime API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime(deps)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, logger, deps)
		},
	}
}

// app is the wired service: everything serve starts and must stop.
type app struct {
	store   store.Store
	orch    *orchestrator.Orchestrator
	gateway *server.Server
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	r, err := loadRubric(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	extractor, engine, model, err := buildCollaborators(ctx, cfg, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	m := metrics.New(metricsNamespace)
	hub := events.NewHub(cfg.LiveEventBuffer, m)
	orch, err := orchestrator.New(orchestrator.Dependencies{
		Store:      st,
		Extractor:  extractor,
		Engine:     engine,
		Aggregator: scoring.New(r, model, scoring.WithTimeout(cfg.ScoringTimeout), scoring.WithLogger(logger)),
		Events:     hub,
		Metrics:    m,
		Logger:     logger,
	}, orchestrator.Config{
		ProcessingTimeout: cfg.ProcessingTimeout,
		SegmentTimeout:    cfg.SegmentTimeout,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	gw, err := server.New(cfg, logger, server.Dependencies{
		Orchestrator: orch,
		Store:        st,
		Events:       hub,
		Metrics:      m,
	})
	if err != nil {
		_ = orch.Close(context.Background())
		_ = st.Close()
		return nil, err
	}
	return &app{store: st, orch: orch, gateway: gw}, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store {
	case config.StorePostgres:
		pool, err := store.NewPool(ctx, cfg.DatabaseURL, store.PoolConfig{MaxConns: cfg.DBMaxConns})
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			if _, err := store.Migrate(ctx, pool, logger); err != nil {
				pool.Close()
				return nil, err
			}
		}
		logger.Info("using postgres session store", "max_conns", cfg.DBMaxConns)
		return store.NewPostgres(pool), nil
	default:
		logger.Warn("using in-memory session store; sessions are lost on restart")
		return store.NewMemory(), nil
	}
}

func loadRubric(cfg config.Config) (*rubric.Rubric, error) {
	r, err := rubric.Load(cfg.RubricFile)
	if err != nil {
		return nil, fmt.Errorf("load rubric: %w", err)
	}
	return r, nil
}

func buildCollaborators(ctx context.Context, cfg config.Config, logger *slog.Logger) (collab.ContentExtractor, collab.SpeechEngine, collab.ScoringModel, error) {
	if cfg.GeminiAPIKey == "" {
		logger.Warn("EVALROOM_GEMINI_API_KEY is not set; using offline collaborators and pptx-only extraction")
		return &extract.Extractor{}, fallback.Engine{}, fallback.Scorer{}, nil
	}
	provider, err := gemini.New(ctx, cfg.GeminiAPIKey, &http.Client{},
		gemini.WithModel(cfg.GeminiModel),
		gemini.WithLogger(logger),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create gemini client: %w", err)
	}
	logger.Info("using gemini collaborators", "model", cfg.GeminiModel)
	return &extract.Extractor{PDF: provider}, provider, provider, nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger, deps appDeps) error {
	if deps.listen == nil {
		return errors.New("missing listen dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.store.Close()

	ln, err := deps.listen(cfg.Addr)
	if err != nil {
		_ = a.orch.Close(context.Background())
		return fmt.Errorf("listen: %w", err)
	}
	httpSrv := buildHTTPServer(cfg, a.gateway.Handler())

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	logger.Info("starting evalroom", "addr", ln.Addr().String(), "store", string(cfg.Store))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
		}
		return shutdown(a, httpSrv, cfg.ShutdownGracePeriod, logger)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("evalroom stopped")
	return nil
}

// shutdown drains in order: stop admitting work, let HTTP requests and live
// connections finish, then stop background processing.
func shutdown(a *app, httpSrv *http.Server, grace time.Duration, logger *slog.Logger) error {
	a.gateway.Lifecycle().SetDraining(true)
	tracker := a.gateway.LiveSessions()
	if n := tracker.WarnAll("server_draining", "server is shutting down; reconnect shortly"); n > 0 {
		logger.Info("warned live sessions", "count", n)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	var result *multierror.Error
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("shutdown http server: %w", err))
	}
	if !tracker.Wait(shutdownCtx) {
		logger.Warn("live sessions still open after grace period", "canceled", tracker.CancelAll())
	}
	if err := a.orch.Close(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("stop orchestrator: %w", err))
	}
	return result.ErrorOrNil()
}
