package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/kurir/internal/config"
	"github.com/harun/kurir/internal/logger"
	"github.com/harun/kurir/internal/observability"
	"github.com/harun/kurir/internal/tracing"
	"github.com/harun/kurir/pkg/agent"
	"github.com/harun/kurir/pkg/bus"
	"github.com/harun/kurir/pkg/channels"
	"github.com/harun/kurir/pkg/cron"
	"github.com/harun/kurir/pkg/memory"
	"github.com/harun/kurir/pkg/session"
	"github.com/harun/kurir/pkg/subagent"
	"github.com/harun/kurir/pkg/tools"
)

// Daemon wires the engine together: stores, bus, agent loop, tool registry,
// channel connectors, task scheduler and subagent manager.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	bus         *bus.Bus
	sessions    *session.Store
	memoryStore *memory.Store
	registry    *tools.Registry
	dispatcher  *tools.Dispatcher
	loop        *agent.Loop
	channelReg  *channels.Registry
	direct      *channels.DirectChannel
	cronService *cron.Service
	subagents   *subagent.Manager
	metricsSrv  *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// New creates a daemon instance. All registration conflicts, duplicate tool
// names and duplicate channels alike, surface here and abort startup.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	zl := log.Zerolog()
	if err := tracing.InitOpenTelemetry("kurir-daemon"); err != nil {
		zl.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		zl.Info().Msg("Tracing initialized successfully")
	}

	d := &Daemon{
		config:         cfg,
		logger:         log,
		ctx:            ctx,
		cancel:         cancel,
		tracingEnabled: true,
	}

	if err := d.initialize(); err != nil {
		cancel()
		if d.tracingEnabled {
			_ = tracing.ShutdownOpenTelemetry(context.Background())
			d.tracingEnabled = false
		}
		return nil, err
	}

	return d, nil
}

// initialize builds the components in dependency order.
func (d *Daemon) initialize() error {
	zl := d.logger.Zerolog()

	sessions, err := session.New(filepath.Join(d.config.DataDir, "sessions"))
	if err != nil {
		return fmt.Errorf("failed to initialize session store: %w", err)
	}
	d.sessions = sessions

	memoryStore, err := memory.New(d.config.WorkspacePath, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize memory store: %w", err)
	}
	d.memoryStore = memoryStore

	// Corrupt session lines are survivable, but the operator should know.
	d.sessions.SetCorruptionHandler(func(sessionKey string, line int, err error) {
		if logErr := d.memoryStore.LogEvent("session_corruption",
			fmt.Sprintf("session=%s line=%d error=%v", sessionKey, line, err)); logErr != nil {
			zl.Warn().Err(logErr).Msg("Failed to record corruption event")
		}
	})

	d.bus = bus.New(bus.Config{
		HighWatermark: d.config.Bus.HighWatermark,
		MaxWorkers:    d.config.Bus.MaxWorkers,
	}, zl, d.memoryStore)

	d.registry = tools.NewRegistry()
	d.dispatcher = tools.NewDispatcher(d.registry, 30*time.Second)

	provider, err := agent.NewProvider(d.config.Provider.Vendor, d.config.Provider.APIKey)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}

	loop, err := agent.NewLoop(agent.Config{
		Model:             d.config.Agent.Model,
		SystemPrompt:      d.config.Agent.SystemPrompt,
		Temperature:       d.config.Agent.Temperature,
		MaxTokens:         d.config.Agent.MaxTokens,
		MaxToolRounds:     d.config.Agent.MaxToolRounds,
		MaxRetries:        d.config.Agent.MaxRetries,
		CompletionTimeout: time.Duration(d.config.Agent.CompletionTimeout) * time.Second,
		HistoryWindow:     d.config.Agent.HistoryWindow,
	}, provider, d.sessions, d.memoryStore, d.registry, d.dispatcher, d.bus, zl)
	if err != nil {
		return fmt.Errorf("failed to create agent loop: %w", err)
	}
	d.loop = loop
	d.bus.SubscribeInbound(d.loop.HandleInbound)

	backend, err := d.buildTaskBackend()
	if err != nil {
		return fmt.Errorf("failed to create task backend: %w", err)
	}
	cronService, err := cron.NewService(d.config.Tasks.StorePath, backend, d.bus, d.memoryStore, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize task service: %w", err)
	}
	d.cronService = cronService

	subagents, err := subagent.NewManager(d.config.Subagent.RegistryPath, d.loop, d.bus, d.config.Subagent.MaxConcurrent, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize subagent manager: %w", err)
	}
	d.subagents = subagents

	for _, tool := range []tools.Tool{
		memory.NewSaveTool(d.memoryStore),
		memory.NewSearchTool(d.memoryStore),
		cron.NewTool(d.cronService),
		subagent.NewSpawnTool(d.subagents),
	} {
		if err := d.registry.Register(tool); err != nil {
			return fmt.Errorf("tool registration failed: %w", err)
		}
	}

	d.channelReg = channels.NewRegistry(zl)
	if d.config.Channels.Direct.Enabled {
		d.direct = channels.NewDirectChannel(zl, nil)
		if err := d.channelReg.Register(d.direct); err != nil {
			return fmt.Errorf("channel registration failed: %w", err)
		}
		d.bus.RegisterSender(d.direct.Name(), d.direct.Send)
	}

	return nil
}

func (d *Daemon) buildTaskBackend() (cron.Backend, error) {
	switch d.config.Tasks.Backend {
	case "host":
		return cron.NewHostBackend(filepath.Join(d.config.DataDir, "at-spool"), d.logger.Zerolog())
	default:
		return cron.NewTimerBackend(), nil
	}
}

// Direct returns the in-process connector, if enabled.
func (d *Daemon) Direct() *channels.DirectChannel {
	return d.direct
}

// Start brings the daemon up: connectors begin receiving, the metrics
// endpoint opens, and the maintenance loop starts ticking.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("daemon already running")
	}

	zl := d.logger.Zerolog()
	dispatch := func(ctx context.Context, msg bus.InboundMessage) error {
		return d.bus.PublishInbound(msg)
	}
	if err := d.channelReg.StartAll(d.ctx, dispatch); err != nil {
		return err
	}

	if d.config.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.Handler())
		d.metricsSrv = &http.Server{Addr: d.config.Metrics.Addr, Handler: mux}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				zl.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		zl.Info().Str("addr", d.config.Metrics.Addr).Msg("Metrics endpoint listening")
	}

	d.wg.Add(1)
	go d.maintenanceLoop()

	d.startTime = time.Now()
	d.running = true
	zl.Info().Msg("Daemon started")
	return nil
}

// Run starts the daemon and blocks until a termination signal arrives.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	zl := d.logger.Zerolog()
	zl.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	return d.Stop()
}

// Stop shuts the daemon down in reverse dependency order, draining in-flight
// turns before closing the stores.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	zl := d.logger.Zerolog()
	zl.Info().Msg("Daemon stopping")

	// Stop intake first so drain can actually finish.
	d.channelReg.StopAll()

	if !d.bus.Drain(10 * time.Second) {
		zl.Warn().Msg("Bus drain timed out, in-flight turns abandoned")
	}

	if err := d.cronService.Stop(); err != nil {
		zl.Warn().Err(err).Msg("Task service stop failed")
	}

	// Background runs get a grace period; their registry marks stragglers
	// as interrupted on the next startup.
	done := make(chan struct{})
	go func() {
		d.subagents.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		zl.Warn().Msg("Subagent wait timed out")
	}

	d.cancel()

	if d.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsSrv.Shutdown(shutdownCtx); err != nil {
			zl.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
		cancel()
	}

	if err := d.bus.Close(); err != nil {
		zl.Warn().Err(err).Msg("Bus close failed")
	}
	if err := d.memoryStore.Close(); err != nil {
		zl.Warn().Err(err).Msg("Memory store close failed")
	}
	if err := d.sessions.Close(); err != nil {
		zl.Warn().Err(err).Msg("Session store close failed")
	}

	d.wg.Wait()

	if d.tracingEnabled {
		if err := tracing.ShutdownOpenTelemetry(context.Background()); err != nil {
			zl.Warn().Err(err).Msg("Tracing shutdown failed")
		}
		d.tracingEnabled = false
	}

	zl.Info().Dur("uptime", time.Since(d.startTime)).Msg("Daemon stopped")
	return nil
}
