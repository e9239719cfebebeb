package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/INLOpen/synclog/config"
	"github.com/INLOpen/synclog/hooks"
	"github.com/INLOpen/synclog/hooks/listeners"
	"github.com/INLOpen/synclog/processor"
	"github.com/INLOpen/synclog/snapshot"
	"github.com/INLOpen/synclog/txnlog"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const systemCollectInterval = 15 * time.Second

// AppServer wires a sync processor with its allocator, snapshot coordinator,
// hook listeners and the optional debug surface, and runs them together.
type AppServer struct {
	cfg           *config.Config
	logger        *slog.Logger
	hooks         hooks.HookManager
	processor     *processor.SyncProcessor
	coordinator   *snapshot.Coordinator
	metricsServer *MetricsServer
	collector     *SystemCollector

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewAppServer builds every component from cfg. sink receives requests once
// they are durable. A nil tracer disables tracing.
func NewAppServer(cfg *config.Config, sink processor.Sink, tracer trace.Tracer, logger *slog.Logger) (*AppServer, error) {
	hookManager := hooks.NewHookManager(logger.With("component", "HookManager"))
	listeners.NewSyncStatsListener(logger).Register(hookManager)
	if rules := cfg.OutlierRules(); len(rules) > 0 {
		listeners.NewOutlierDetectionListener(logger, rules).Register(hookManager)
	}

	alloc, err := txnlog.NewAllocator(cfg.AllocatorOptions(logger, hookManager))
	if err != nil {
		return nil, fmt.Errorf("failed to create txn log allocator: %w", err)
	}
	snapshotter, err := snapshot.NewMarkerSnapshotter(cfg.Snapshot.Dir)
	if err != nil {
		return nil, err
	}
	coordinator := snapshot.NewCoordinator(snapshot.Options{
		Tracer:      tracer,
		Logger:      logger,
		HookManager: hookManager,
	})

	popts := cfg.ToProcessorOptions(alloc, sink, snapshotter, logger, hookManager)
	popts.Coordinator = coordinator
	proc, err := processor.New(popts)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync processor: %w", err)
	}

	s := &AppServer{
		cfg:         cfg,
		logger:      logger.With("component", "AppServer"),
		hooks:       hookManager,
		processor:   proc,
		coordinator: coordinator,
		stopCh:      make(chan struct{}),
	}
	if cfg.Debug.Enabled {
		s.metricsServer = NewMetricsServer(&cfg.Debug, logger)
		if cfg.Debug.MetricsEnabled {
			s.collector = NewSystemCollector(cfg.Log.Dir, systemCollectInterval, logger)
		}
	}
	return s, nil
}

// Processor returns the sync processor producers enqueue to.
func (s *AppServer) Processor() *processor.SyncProcessor {
	return s.processor
}

// Hooks returns the hook manager shared by all components.
func (s *AppServer) Hooks() hooks.HookManager {
	return s.hooks
}

// Start runs the processor and the debug surface. It blocks until Stop is
// called or a component fails, then shuts the processor down after all
// queued requests are logged and forwarded.
func (s *AppServer) Start() error {
	g, ctx := errgroup.WithContext(context.Background())
	appCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-appCtx.Done():
		}
	}()

	s.processor.Start()

	if s.metricsServer != nil {
		g.Go(func() error {
			go func() {
				<-appCtx.Done()
				s.metricsServer.Stop()
			}()
			return s.metricsServer.Start()
		})
	}
	if s.collector != nil {
		s.collector.Start()
		g.Go(func() error {
			<-appCtx.Done()
			s.collector.Stop()
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-appCtx.Done():
		case <-s.processor.Done():
		}
		s.processor.Shutdown()
		s.hooks.Stop()
		if err := s.processor.Err(); err != nil {
			return err
		}
		// Stop the other components once the processor is gone.
		cancel()
		return nil
	})

	s.logger.Info("Application server started.")
	err := g.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("A component has failed, shutting down.", "error", err)
		return fmt.Errorf("server group failed: %w", err)
	}
	s.logger.Info("All components have stopped gracefully.", "last_logged_txn_id", s.processor.LastLoggedTxnID())
	return nil
}

// Stop requests a graceful shutdown. It is safe to call more than once.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}
