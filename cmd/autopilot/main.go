// Command autopilot serves the task API in front of one automation engine.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/seantiz/autopilot/internal/api"
	"github.com/seantiz/autopilot/internal/backend"
	"github.com/seantiz/autopilot/internal/backend/remote"
	"github.com/seantiz/autopilot/internal/backend/sim"
	"github.com/seantiz/autopilot/internal/config"
	"github.com/seantiz/autopilot/internal/dispatch"
	"github.com/seantiz/autopilot/internal/progress"
	"github.com/seantiz/autopilot/internal/sink"
	"github.com/seantiz/autopilot/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("autopilot: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, logCloser := cfg.Log.Logger(os.Stdout)
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("autopilot: starting",
		"listen_addr", cfg.ListenAddr,
		"driver", cfg.Engine.Driver,
		"history_dsn", cfg.History.DSN,
	)

	drivers := backend.NewRegistry()
	drivers.Register(sim.DriverName, sim.Open)
	drivers.Register(remote.DriverName, remote.Open)

	eng, err := drivers.Open(cfg.Engine.Driver, backend.DriverConfig{
		Address:      cfg.Engine.Address,
		StepDelay:    cfg.Engine.SimStepDelay,
		MaxFrameSize: cfg.Engine.MaxFrameSize,
		DialTimeout:  cfg.Engine.DialTimeout,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}

	history, err := store.NewSQLiteStore(cfg.History.DSN)
	if err != nil {
		eng.Close()
		return fmt.Errorf("open history: %w", err)
	}
	defer history.Close()

	broker := progress.NewBroker(cfg.Progress.SubscriberBuffer, logger)
	registry := progress.NewRegistry(progress.Options{
		Retention:       cfg.Progress.Retention,
		OrphanRetention: cfg.Progress.OrphanRetention,
		Publisher:       broker,
		Logger:          logger,
	})
	// The worker owns eng from here on and closes it when it stops.
	worker := dispatch.NewWorker(eng, dispatch.Options{
		Registry:       registry,
		Publisher:      broker,
		Logger:         logger,
		CallTimeout:    cfg.Engine.CallTimeout,
		ShutdownGrace:  cfg.Worker.ShutdownGrace,
		DefaultTimeout: cfg.Task.DefaultTimeout,
	})

	// Sinks outlive the worker so its final events are recorded. They stop
	// when the broker closes.
	var sinks sync.WaitGroup
	journal := sink.NewJournal(broker, history, logger)
	sinks.Go(func() { journal.Run(context.Background()) })

	var status *sink.MQTT
	if cfg.MQTT.Broker != "" {
		client, err := sink.DialMQTT(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.TopicPrefix, logger)
		if err != nil {
			logger.Warn("mqtt sink disabled", "broker", cfg.MQTT.Broker, "error", err)
		} else {
			defer client.Close()
			status = sink.NewMQTT(broker, client, cfg.MQTT.TopicPrefix, logger)
			status.PublishState(string(dispatch.StateRunning))
			sinks.Go(func() { status.Run(context.Background()) })
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var services sync.WaitGroup
	services.Go(func() {
		if err := worker.Run(ctx); err != nil {
			logger.Error("worker stopped", "error", err)
		}
	})
	services.Go(func() { dispatch.NewWatchdog(worker, cfg.Worker.WatchdogInterval).Run(ctx) })
	services.Go(func() { registry.RunSweeper(ctx, cfg.Progress.SweepInterval) })
	if cfg.Engine.Device != "" {
		services.Go(func() { connectDevice(ctx, worker, cfg.Engine.Device, logger) })
	}

	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Worker:  worker,
		Broker:  broker,
		History: history,
		Drivers: drivers,
	}, api.Options{
		InlineWait:  cfg.API.InlineWait,
		MaxBodySize: cfg.API.MaxBodySize,
		Logger:      logger,
	})
	serveErr := srv.Run(ctx)
	// A server that failed to start takes the rest of the process down.
	stop()

	services.Wait()
	broker.Close()
	sinks.Wait()
	if status != nil {
		status.PublishState(string(dispatch.StateStopped))
	}

	logger.Info("autopilot: stopped")
	return serveErr
}

// connectDevice opens the configured device session through the worker
// like any other connect request.
func connectDevice(ctx context.Context, w *dispatch.Worker, device string, logger *slog.Logger) {
	f, err := w.Submit(dispatch.Connect{Address: device}, 0)
	if err != nil {
		logger.Error("submit startup connect", "device", device, "error", err)
		return
	}
	res, err := f.Wait(ctx)
	if err != nil {
		return
	}
	if res.Err != nil {
		logger.Error("startup connect failed", "device", device, "task_id", uint64(f.ID()), "error", res.Err)
		return
	}
	logger.Info("device connected", "device", device, "task_id", uint64(f.ID()))
}
