// Package services builds the process-wide Services object: every
// component constructed once at startup and wired together, then passed to
// cmd/wardd.
package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/wardhq/ward/internal/agentproc"
	"github.com/wardhq/ward/internal/auth"
	"github.com/wardhq/ward/internal/autodeliver"
	"github.com/wardhq/ward/internal/bus"
	"github.com/wardhq/ward/internal/config"
	"github.com/wardhq/ward/internal/eventlog"
	"github.com/wardhq/ward/internal/killswitch"
	"github.com/wardhq/ward/internal/manager"
	"github.com/wardhq/ward/internal/persist"
	"github.com/wardhq/ward/internal/recovery"
	"github.com/wardhq/ward/internal/sanitize"
	"github.com/wardhq/ward/internal/title"
)

// Services is the fully wired supervisor: every component other packages
// need, constructed once at startup.
type Services struct {
	Config      *config.Config
	Sanitizer   *sanitize.Sanitizer
	Auth        *auth.Service
	Store       *persist.Store
	Bus         *bus.Bus
	Manager     *manager.Manager
	KillSwitch  *killswitch.Switch
	AutoDeliver *autodeliver.Coupler
	Recovery    *recovery.Coordinator
	TitleGen    *title.Generator
}

// New loads configuration and constructs every component in dependency
// order: sanitizer and persistence first (C1/C3), then auth (C2), then the
// manager (C7) and bus (C8), then the coupler (C9) and kill switch (C10),
// then the recovery coordinator (C11) last since it depends on everything
// above being ready.
func New(ctx context.Context) (*Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	sanitizer := sanitize.New()

	store, err := persist.New(cfg.PersistentRoot)
	if err != nil {
		return nil, err
	}

	authSvc, err := auth.New(cfg.SigningSecret, cfg.APIKey, sanitizer)
	if err != nil {
		return nil, err
	}

	titleGen := title.New(ctx, "", "")

	mgrCfg := manager.Config{
		MaxAgents:           cfg.MaxAgents,
		MaxChildrenPerAgent: cfg.MaxChildrenPerAgent,
		MaxAgentDepth:       cfg.MaxAgentDepth,
		SessionTTL:          cfg.SessionTTL,
		RingCapacity:        eventlog.DefaultCapacity,
		RingByteBudget:      eventlog.DefaultByteBudget,
		StallCfg:            agentproc.StallConfig{Tick: cfg.StallTick, Threshold: cfg.StallThreshold},
		SharedContextDir:    cfg.SharedContextDir,
		CLIBin:              cfg.AgentCLIBin,
	}
	mgr := manager.New(mgrCfg, store, authSvc, sanitizer)
	mgr.SetTitleGenerator(titleGen)

	b := bus.New()

	ks := killswitch.New(cfg.PersistentRoot, mgr, authSvc, store, b)
	if err := ks.Load(); err != nil {
		slog.Warn("load kill-switch record failed", "err", err)
	}

	deliver := autodeliver.New(mgr, b, ks, cfg.AutoDeliverSettle)

	rec := recovery.New(store, mgr, cfg.AgentCLIBin, cfg.SharedContextDir)

	return &Services{
		Config:      cfg,
		Sanitizer:   sanitizer,
		Auth:        authSvc,
		Store:       store,
		Bus:         b,
		Manager:     mgr,
		KillSwitch:  ks,
		AutoDeliver: deliver,
		Recovery:    rec,
		TitleGen:    titleGen,
	}, nil
}

// StartTTLSweep runs manager.SweepTTL on a periodic ticker until ctx is
// canceled. The returned func does not stop the sweep; it blocks until ctx
// is canceled and the sweep goroutine has exited.
func (s *Services) StartTTLSweep(ctx context.Context, interval time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				close(done)
				return
			case now := <-ticker.C:
				s.Manager.SweepTTL(ctx, now)
			}
		}
	}()
	return func() {
		<-done
	}
}
