// Command wardd runs the agent supervisor: it loads configuration, wires
// the C1-C11 components together, runs the startup recovery sequence, and
// serves until signaled to stop.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/wardhq/ward/internal/services"
)

func main() {
	setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := services.New(ctx)
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}

	if err := svc.Recovery.Run(); err != nil {
		slog.Error("recovery sequence failed", "err", err)
	}

	stopSweep := svc.StartTTLSweep(ctx, time.Minute)
	defer stopSweep()

	unsubDeliver := svc.AutoDeliver.Start()
	defer unsubDeliver()

	slog.Info("wardd ready")
	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	svc.Manager.Dispose(shutdownCtx)
}

func setupLogging() {
	w := os.Stderr
	if isatty.IsTerminal(w.Fd()) {
		slog.SetDefault(slog.New(tint.NewHandler(colorable.NewColorable(w), &tint.Options{
			Level:      slog.LevelInfo,
			TimeFormat: time.Kitchen,
		})))
		return
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})))
}
