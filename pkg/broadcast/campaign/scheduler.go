package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/algotwist369/whatsapp-broadcard-backend/pkg/broadcast/config"
	"github.com/algotwist369/whatsapp-broadcard-backend/pkg/broadcast/format"
	"github.com/algotwist369/whatsapp-broadcard-backend/pkg/broadcast/store"
	"github.com/algotwist369/whatsapp-broadcard-backend/pkg/broadcast/transport"
)

// SessionSource resolves a tenant to its open transport client. The
// session manager implements it; tests substitute fakes.
type SessionSource interface {
	ClientFor(tenantID string) (transport.Client, error)
}

// Scheduler persists submitted campaigns and delivers them in paced
// batches. Delivery is detached from the submitting request: it runs on
// the scheduler's own context and survives until Close.
type Scheduler struct {
	store    *store.Store
	sessions SessionSource
	cfg      config.DeliveryConfig
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler over the store and session source.
func NewScheduler(st *store.Store, sessions SessionSource, cfg config.DeliveryConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:    st,
		sessions: sessions,
		cfg:      cfg,
		logger:   logger.With("component", "campaign"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Close stops in-flight delivery and waits for workers to drain.
// Unfinished jobs stay queued/processing in the store.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

// Submit validates, persists and starts a campaign. The tenant's session
// must be open; phone numbers are normalized and templates rendered per
// contact before anything is written, so the stored jobs are the exact
// payloads that will be sent. Returns the persisted campaign record.
func (s *Scheduler) Submit(ctx context.Context, tenantID, template string, contacts []Contact) (*store.Campaign, error) {
	if len(contacts) == 0 {
		return nil, ErrNoContacts
	}
	if template == "" {
		return nil, ErrEmptyTemplate
	}
	if _, err := s.sessions.ClientFor(tenantID); err != nil {
		return nil, err
	}

	now := time.Now()
	c := &store.Campaign{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Template:  template,
		Status:    store.CampaignPending,
		Progress:  store.Progress{Total: len(contacts), Pending: len(contacts)},
		CreatedAt: now,
	}
	jobs := make([]*store.DeliveryJob, 0, len(contacts))
	for _, contact := range contacts {
		jobs = append(jobs, &store.DeliveryJob{
			ID:              uuid.NewString(),
			CampaignID:      c.ID,
			TenantID:        tenantID,
			ContactID:       contact.ID,
			Phone:           format.NormalizePhone(contact.Phone),
			RenderedMessage: Render(template, contact),
			Status:          store.JobQueued,
			ScheduledAt:     now,
		})
	}

	if err := s.store.CreateCampaign(ctx, c, jobs); err != nil {
		return nil, fmt.Errorf("persisting campaign: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliver(c.ID, tenantID, jobs)
	}()

	s.logger.Info("campaign submitted",
		"tenant", tenantID, "campaign", c.ID, "contacts", len(contacts))
	return c, nil
}

// Resume restarts delivery for jobs left queued by a previous process,
// for example after a crash mid-campaign.
func (s *Scheduler) Resume(ctx context.Context, campaignID, tenantID string) error {
	jobs, err := s.store.ListJobs(ctx, campaignID)
	if err != nil {
		return err
	}
	queued := jobs[:0]
	for _, j := range jobs {
		if j.Status == store.JobQueued {
			queued = append(queued, j)
		}
	}
	if len(queued) == 0 {
		return nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliver(campaignID, tenantID, queued)
	}()
	s.logger.Info("campaign resumed",
		"tenant", tenantID, "campaign", campaignID, "jobs", len(queued))
	return nil
}

func (s *Scheduler) deliver(campaignID, tenantID string, jobs []*store.DeliveryJob) {
	if err := s.store.MarkCampaignProcessing(s.ctx, campaignID, time.Now()); err != nil {
		s.logger.Error("marking campaign processing", "campaign", campaignID, "error", err)
		return
	}

	// Give a freshly opened session a moment before the first send.
	if !s.sleep(s.cfg.InitialSettle) {
		return
	}

	for i, batch := range partition(jobs, s.cfg.BatchSize) {
		if i > 0 && !s.sleep(s.cfg.BatchDelay) {
			return
		}

		var wg sync.WaitGroup
		for _, job := range batch {
			wg.Add(1)
			go func(job *store.DeliveryJob) {
				defer wg.Done()
				s.process(campaignID, tenantID, job)
			}(job)
		}
		wg.Wait()
	}
}

// process drives one job to a terminal state: claim, jittered send with
// bounded retries, then exactly one sent/failed record.
func (s *Scheduler) process(campaignID, tenantID string, job *store.DeliveryJob) {
	claimed, err := s.store.ClaimJob(s.ctx, job.ID)
	if err != nil {
		s.logger.Error("claiming job", "job", job.ID, "error", err)
		return
	}
	if !claimed {
		return
	}

	if s.cfg.JitterMax > 0 && !s.sleep(rand.N(s.cfg.JitterMax)) {
		return
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		client, err := s.sessions.ClientFor(tenantID)
		if err != nil {
			// Session gone; retrying cannot help.
			s.finishFailed(campaignID, job.ID, err)
			return
		}

		// Typing indicator is best effort; a failure never blocks the send.
		if err := client.ChatPresence(s.ctx, job.Phone); err != nil {
			s.logger.Debug("chat presence", "job", job.ID, "error", err)
		}

		if _, err := client.SendMessage(s.ctx, job.Phone, job.RenderedMessage); err == nil {
			completed, err := s.store.RecordJobSent(s.ctx, job.ID, campaignID)
			if err != nil {
				s.logger.Error("recording sent", "job", job.ID, "error", err)
			}
			if completed {
				s.logger.Info("campaign completed", "tenant", tenantID, "campaign", campaignID)
			}
			return
		} else if errors.Is(err, transport.ErrNotConnected) {
			s.finishFailed(campaignID, job.ID, err)
			return
		} else {
			lastErr = err
			if err := s.store.RecordJobAttempt(s.ctx, job.ID, err.Error()); err != nil {
				s.logger.Error("recording attempt", "job", job.ID, "error", err)
			}
			if attempt < s.cfg.MaxAttempts {
				if !s.sleep(s.cfg.RetryBackoff << (attempt - 1)) {
					return
				}
			}
		}
	}

	s.finishFailed(campaignID, job.ID, lastErr)
}

func (s *Scheduler) finishFailed(campaignID, jobID string, cause error) {
	msg := "send failed"
	if cause != nil {
		msg = cause.Error()
	}
	completed, err := s.store.RecordJobFailed(s.ctx, jobID, campaignID, msg)
	if err != nil {
		s.logger.Error("recording failure", "job", jobID, "error", err)
		return
	}
	if completed {
		s.logger.Info("campaign completed", "campaign", campaignID)
	}
}

// sleep waits d unless the scheduler is closing. Reports whether the
// wait completed.
func (s *Scheduler) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// partition splits jobs into batches of at most size.
func partition(jobs []*store.DeliveryJob, size int) [][]*store.DeliveryJob {
	if size <= 0 {
		size = 1
	}
	var out [][]*store.DeliveryJob
	for len(jobs) > size {
		out = append(out, jobs[:size])
		jobs = jobs[size:]
	}
	if len(jobs) > 0 {
		out = append(out, jobs)
	}
	return out
}
