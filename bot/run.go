package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"discord-restrict/commands"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const reconcileTimeout = 5 * time.Minute

// Run opens the session, registers commands, reconciles every engine with
// the store and starts the schedulers. It blocks until SIGINT or SIGTERM.
func (b *Bot) Run() error {
	if err := b.Session.Open(); err != nil {
		return fmt.Errorf("failed to open connection: %w", err)
	}
	b.StartedAt = time.Now()

	if err := b.RegisterCommands(); err != nil {
		b.log.WithError(err).Error("failed to register commands")
	}

	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	for _, e := range b.Engines {
		report, err := e.Reconcile(ctx)
		if err != nil {
			b.log.WithError(err).WithField("kind", e.Kind().Name).Error("reconcile failed")
		}
		b.log.WithFields(logrus.Fields{
			"kind":      e.Kind().Name,
			"records":   report.Records,
			"released":  report.Released,
			"scheduled": report.Scheduled,
		}).Info("reconcile finished")
		if err := e.Start(); err != nil {
			cancel()
			return fmt.Errorf("failed to start scheduler for %s: %w", e.Kind().Name, err)
		}
	}
	cancel()

	b.startMetrics()

	b.log.Info("Bot is now running. Press CTRL-C to exit.")
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc
	return nil
}

// RegisterCommands overwrites the bot's global commands with the ones
// generated from the configured kinds.
func (b *Bot) RegisterCommands() error {
	appID := b.GetConfig().AppID
	if appID == "" {
		appID = b.Session.State.User.ID
	}
	cmds := commands.GenerateCommands(b.GetConfig().Kinds)
	b.log.Infof("Registering %d commands...", len(cmds))
	registered, err := b.Session.ApplicationCommandBulkOverwrite(appID, "", cmds)
	if err != nil {
		return fmt.Errorf("cannot update commands: %w", err)
	}
	b.RegisteredCommands = registered
	return nil
}

func (b *Bot) startMetrics() {
	addr := b.GetConfig().MetricsAddr
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(b.Registry, promhttp.HandlerOpts{}))
	b.metrics = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 60 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func(srv *http.Server) {
		b.log.WithField("addr", addr).Info("serving prometheus metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.log.WithError(err).Error("metrics server stopped")
		}
	}(b.metrics)
}

func (b *Bot) stopMetrics() {
	if b.metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.metrics.Shutdown(ctx); err != nil {
		b.log.WithError(err).Warn("failed to stop metrics server")
	}
}
