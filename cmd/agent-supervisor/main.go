package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentsupervisor/internal/agent/broker"
	"github.com/kandev/agentsupervisor/internal/agent/manager"
	"github.com/kandev/agentsupervisor/internal/agent/registry"
	"github.com/kandev/agentsupervisor/internal/agent/runtime"
	"github.com/kandev/agentsupervisor/internal/coalescer"
	"github.com/kandev/agentsupervisor/internal/common/config"
	"github.com/kandev/agentsupervisor/internal/common/logger"
	"github.com/kandev/agentsupervisor/internal/natsmirror"
	"github.com/kandev/agentsupervisor/internal/pubsub"
	"github.com/kandev/agentsupervisor/internal/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting agent supervisor")

	// 3. Context cancelled on shutdown signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the durable event log
	st, err := store.Open(cfg.Store.Dir, cfg.Store.MaxSessionEvents, cfg.Store.MetadataFlushDelay(), log)
	if err != nil {
		log.Fatal("failed to open event store", zap.Error(err))
	}
	defer st.Close()
	log.Info("opened event store", zap.String("dir", cfg.Store.Dir))

	// 5. Agent kind registry
	reg := registry.New(cfg.Agent.BinDir, "AGENTSUP_")
	reg.LoadDefaults()
	log.Info("loaded agent kind registry", zap.Int("kinds", len(reg.List())))

	// 6. Approval broker and pub/sub hub
	approvalBroker := broker.New(log)
	hub := pubsub.New(log)

	// 7. Optional NATS mirror
	mirror, err := natsmirror.Connect(cfg.NATS, cfg.Events.NATSEnabled, cfg.Events.SubjectPrefix, log)
	if err != nil {
		log.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer mirror.Close()
	if cfg.Events.NATSEnabled {
		log.Info("connected NATS mirror", zap.String("url", cfg.NATS.URL))
	}

	// 8. Process launcher: plain os/exec by default, Docker if configured
	var launcher runtime.Launcher
	if cfg.Docker.Enabled {
		launcher, err = runtime.NewDockerLauncher(cfg.Docker, log)
		if err != nil {
			log.Fatal("failed to initialize docker launcher", zap.Error(err))
		}
		log.Info("using docker launcher", zap.String("image", cfg.Docker.Image))
	} else {
		launcher = runtime.NewExecLauncher()
		log.Info("using exec launcher")
	}

	// 9. Session manager, wired to the write coalescer
	mgr := manager.New(cfg.Agent, reg, launcher, st, approvalBroker, hub, mirror, log)
	mgr.SetCoalescer(coalescer.New(cfg.Coalescer.FlushInterval(), mgr.Sink, log))
	mgr.Start(ctx)
	log.Info("session manager started")

	if err := mgr.CleanupStale(ctx); err != nil {
		log.Warn("initial stale-session sweep failed", zap.Error(err))
	}

	// 10. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down agent supervisor")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	mgr.Stop(shutdownCtx)

	log.Info("agent supervisor stopped")
}
