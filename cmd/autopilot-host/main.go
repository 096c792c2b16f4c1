// Command autopilot-host runs next to a device and serves its engine to a
// remote autopilot over a unix, tcp or vsock listener.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/seantiz/autopilot/internal/backend/remote"
	"github.com/seantiz/autopilot/internal/backend/sim"
	"github.com/seantiz/autopilot/internal/config"
	"github.com/seantiz/autopilot/internal/enginehost"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, logCloser := cfg.Log.Logger(os.Stdout)
	defer logCloser.Close()

	addr, err := remote.ParseAddress(cfg.Host.Listen)
	if err != nil {
		log.Fatalf("host.listen: %v", err)
	}
	l, err := enginehost.Listen(addr)
	if err != nil {
		log.Fatalf("listen on %s: %v", addr, err)
	}

	eng := sim.New(cfg.Engine.SimStepDelay, logger)
	defer eng.Close()
	host := enginehost.New(l, eng, cfg.Engine.MaxFrameSize, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		host.Close()
	}()

	logger.Info("autopilot-host listening", "addr", addr.String(), "max_frame_size", cfg.Engine.MaxFrameSize)
	if err := host.Serve(); err != nil {
		log.Fatalf("serve: %v", err)
	}
	logger.Info("autopilot-host stopped")
}
