// Package service assembles the broadcast backend: transport, session
// manager, delivery scheduler, recovery pipeline, auto-reply responder
// and the retention janitor, wired over one store and one notifier.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/algotwist369/whatsapp-broadcard-backend/pkg/broadcast/autoreply"
	"github.com/algotwist369/whatsapp-broadcard-backend/pkg/broadcast/campaign"
	"github.com/algotwist369/whatsapp-broadcard-backend/pkg/broadcast/config"
	"github.com/algotwist369/whatsapp-broadcard-backend/pkg/broadcast/notify"
	"github.com/algotwist369/whatsapp-broadcard-backend/pkg/broadcast/recovery"
	"github.com/algotwist369/whatsapp-broadcard-backend/pkg/broadcast/session"
	"github.com/algotwist369/whatsapp-broadcard-backend/pkg/broadcast/store"
	"github.com/algotwist369/whatsapp-broadcard-backend/pkg/broadcast/transport"
)

// Service owns every subsystem's lifecycle.
type Service struct {
	cfg    config.Config
	logger *slog.Logger

	store     *store.Store
	notifier  *notify.Notifier
	sessions  *session.Manager
	scheduler *campaign.Scheduler
	recovery  *recovery.Pipeline
	janitor   *cron.Cron
}

// New builds the full backend from configuration. Nothing connects until
// Start.
func New(cfg config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	creds, err := session.NewCredentialStore(cfg.Sessions.Dir)
	if err != nil {
		st.Close()
		return nil, err
	}

	notifier := notify.NewNotifier(logger)
	factory := transport.NewWhatsmeowFactory(cfg.Sessions.Dir, logger)
	sessions := session.NewManager(factory, creds, notifier, cfg.Sessions, logger)

	responder := autoreply.New(cfg.AutoReply)
	pipeline := recovery.NewPipeline(st, sessions, responder, cfg.Recovery, logger)
	scheduler := campaign.NewScheduler(st, sessions, cfg.Delivery, logger)

	s := &Service{
		cfg:       cfg,
		logger:    logger.With("component", "service"),
		store:     st,
		notifier:  notifier,
		sessions:  sessions,
		scheduler: scheduler,
		recovery:  pipeline,
		janitor:   cron.New(),
	}

	sessions.OnOpen(pipeline.RunAfterOpen)
	sessions.OnMessage(func(tenantID string, msg transport.InboundMessage) {
		// Off the transport's event goroutine: the live path saves, then
		// replies immediately when the session is open.
		go func() {
			if err := pipeline.HandleInbound(context.Background(), tenantID, msg); err != nil {
				s.logger.Error("handling inbound message", "tenant", tenantID, "error", err)
			}
		}()
	})

	if _, err := s.janitor.AddFunc(cfg.Recovery.JanitorSchedule, s.sweep); err != nil {
		st.Close()
		return nil, fmt.Errorf("scheduling janitor: %w", err)
	}

	return s, nil
}

// Start launches the janitor and restores every tenant with stored
// credentials. Restores run concurrently; a tenant that fails to come
// back is logged and skipped.
func (s *Service) Start(ctx context.Context) error {
	s.janitor.Start()

	tenants, err := s.sessions.RestorableTenants()
	if err != nil {
		return fmt.Errorf("listing restorable tenants: %w", err)
	}
	for _, tenantID := range tenants {
		go func(tenantID string) {
			st, err := s.sessions.Restore(ctx, tenantID)
			if err != nil {
				s.logger.Warn("startup restore failed", "tenant", tenantID, "error", err)
				return
			}
			s.logger.Info("startup restore", "tenant", tenantID, "state", st.State)
		}(tenantID)
	}
	s.logger.Info("service started", "restorable_tenants", len(tenants))
	return nil
}

// Close shuts everything down in dependency order: no new deliveries,
// no new recovery runs, sessions disconnected, store closed.
func (s *Service) Close() error {
	s.janitor.Stop()
	s.scheduler.Close()
	s.recovery.Close()
	s.sessions.Shutdown()
	return s.store.Close()
}

// sweep purges processed pending records and terminal delivery jobs
// older than the retention window.
func (s *Service) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-s.cfg.Recovery.Retention)
	pending, err := s.store.PurgeProcessed(ctx, cutoff)
	if err != nil {
		s.logger.Error("purging processed messages", "error", err)
	}
	jobs, err := s.store.PurgeTerminalJobs(ctx, cutoff)
	if err != nil {
		s.logger.Error("purging terminal jobs", "error", err)
	}
	if pending > 0 || jobs > 0 {
		s.logger.Info("retention sweep", "pending_purged", pending, "jobs_purged", jobs)
	}
}

// Sessions exposes the session manager.
func (s *Service) Sessions() *session.Manager { return s.sessions }

// Campaigns exposes the delivery scheduler.
func (s *Service) Campaigns() *campaign.Scheduler { return s.scheduler }

// Recovery exposes the recovery pipeline.
func (s *Service) Recovery() *recovery.Pipeline { return s.recovery }

// Store exposes the persistence layer, for campaign reads.
func (s *Service) Store() *store.Store { return s.store }

// Notifier exposes the status fan-out for subscribers.
func (s *Service) Notifier() *notify.Notifier { return s.notifier }
