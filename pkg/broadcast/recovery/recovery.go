// Package recovery replays inbound messages that arrived while a tenant
// was disconnected. Messages are saved durably as they arrive, then
// processed after the session opens: grouped by sender, in receipt order
// within each group, with at most one recovery run per tenant at a time.
package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/algotwist369/whatsapp-broadcard-backend/pkg/broadcast/config"
	"github.com/algotwist369/whatsapp-broadcard-backend/pkg/broadcast/format"
	"github.com/algotwist369/whatsapp-broadcard-backend/pkg/broadcast/store"
	"github.com/algotwist369/whatsapp-broadcard-backend/pkg/broadcast/transport"
)

// SessionSource resolves a tenant to its open transport client.
type SessionSource interface {
	ClientFor(tenantID string) (transport.Client, error)
}

// Responder decides how to answer one recovered message. Returning an
// empty reply processes the message without sending anything.
type Responder interface {
	HandleIncoming(ctx context.Context, tenantID string, msg *store.PendingMessage) (reply string, err error)
}

// Result summarizes one recovery run.
type Result struct {
	TotalPending int `json:"total_pending"`
	Processed    int `json:"processed"`
	Replied      int `json:"replied"`
	Failed       int `json:"failed"`
}

// Pipeline is the durable save-and-replay pipeline.
type Pipeline struct {
	store     *store.Store
	sessions  SessionSource
	responder Responder
	cfg       config.RecoveryConfig
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewPipeline creates a recovery pipeline.
func NewPipeline(st *store.Store, sessions SessionSource, responder Responder, cfg config.RecoveryConfig, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		store:     st,
		sessions:  sessions,
		responder: responder,
		cfg:       cfg,
		logger:    logger.With("component", "recovery"),
		ctx:       ctx,
		cancel:    cancel,
		inflight:  make(map[string]struct{}),
	}
}

// Close stops background runs.
func (p *Pipeline) Close() { p.cancel() }

// SaveIncoming persists an inbound message for replay. Duplicate
// transport IDs with a live record are dropped; reports whether a new
// record was created.
func (p *Pipeline) SaveIncoming(ctx context.Context, tenantID string, msg transport.InboundMessage) (bool, error) {
	created, err := p.store.SavePending(ctx, &store.PendingMessage{
		TenantID:           tenantID,
		Phone:              msg.Phone,
		Body:               msg.Body,
		TransportMessageID: msg.ID,
		ReceivedAt:         msg.ReceivedAt,
	})
	if err != nil {
		return false, err
	}
	if !created {
		p.logger.Debug("duplicate inbound dropped",
			"tenant", tenantID, "transport_id", msg.ID)
	}
	return created, nil
}

// HandleInbound is the live inbound path: the message is saved durably
// first, then — when the tenant's session is open — replayed right away
// through the responder, so messages arriving on a live session are
// answered without waiting for a reconnect. With the session closed the
// record simply waits for the next open.
func (p *Pipeline) HandleInbound(ctx context.Context, tenantID string, msg transport.InboundMessage) error {
	if _, err := p.SaveIncoming(ctx, tenantID, msg); err != nil {
		return err
	}
	if _, err := p.sessions.ClientFor(tenantID); err != nil {
		return nil
	}
	_, err := p.ProcessPending(ctx, tenantID)
	return err
}

// NeedsRecovery reports whether the tenant has messages waiting.
func (p *Pipeline) NeedsRecovery(ctx context.Context, tenantID string) (bool, error) {
	n, err := p.store.CountPending(ctx, tenantID)
	return n > 0, err
}

// RunAfterOpen waits for the session to settle, then replays the
// tenant's pending messages. Intended as the session manager's open
// hook.
func (p *Pipeline) RunAfterOpen(tenantID string) {
	select {
	case <-p.ctx.Done():
		return
	case <-time.After(p.cfg.SettleDelay):
	}
	if _, err := p.ProcessPending(p.ctx, tenantID); err != nil {
		p.logger.Error("recovery run failed", "tenant", tenantID, "error", err)
	}
}

// ProcessPending replays every pending message for the tenant. Messages
// from the same sender are handled sequentially in receipt order;
// different senders proceed concurrently. A run already in flight for
// the tenant makes this a no-op returning a zero Result.
func (p *Pipeline) ProcessPending(ctx context.Context, tenantID string) (Result, error) {
	if !p.begin(tenantID) {
		p.logger.Debug("recovery already running", "tenant", tenantID)
		return Result{}, nil
	}
	defer p.end(tenantID)

	msgs, err := p.store.ListPending(ctx, tenantID)
	if err != nil {
		return Result{}, err
	}
	res := Result{TotalPending: len(msgs)}
	if len(msgs) == 0 {
		return res, nil
	}

	client, err := p.sessions.ClientFor(tenantID)
	if err != nil {
		return res, err
	}

	p.logger.Info("recovering pending messages",
		"tenant", tenantID, "count", len(msgs))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, group := range groupBySender(msgs) {
		wg.Add(1)
		go func(group []*store.PendingMessage) {
			defer wg.Done()
			for _, msg := range group {
				processed, replied, failed := p.processOne(ctx, tenantID, client, msg)
				mu.Lock()
				res.Processed += processed
				res.Replied += replied
				res.Failed += failed
				mu.Unlock()
			}
		}(group)
	}
	wg.Wait()

	p.logger.Info("recovery finished", "tenant", tenantID,
		"processed", res.Processed, "replied", res.Replied, "failed", res.Failed)
	return res, nil
}

func (p *Pipeline) processOne(ctx context.Context, tenantID string, client transport.Client, msg *store.PendingMessage) (processed, replied, failed int) {
	claimed, err := p.store.MarkPendingProcessing(ctx, msg.ID)
	if err != nil {
		p.logger.Error("claiming pending message", "id", msg.ID, "error", err)
		return 0, 0, 0
	}
	if !claimed {
		return 0, 0, 0
	}

	reply, err := p.responder.HandleIncoming(ctx, tenantID, msg)
	if err != nil {
		p.fail(ctx, msg.ID, err)
		return 0, 0, 1
	}

	if reply != "" {
		if _, err := client.SendMessage(ctx, format.NormalizePhone(msg.Phone), reply); err != nil {
			p.fail(ctx, msg.ID, err)
			return 0, 0, 1
		}
		replied = 1
	}

	if err := p.store.MarkPendingProcessed(ctx, msg.ID); err != nil {
		p.logger.Error("marking processed", "id", msg.ID, "error", err)
	}
	return 1, replied, 0
}

func (p *Pipeline) fail(ctx context.Context, id int64, cause error) {
	if err := p.store.MarkPendingFailed(ctx, id, cause.Error()); err != nil {
		p.logger.Error("marking failed", "id", id, "error", err)
	}
}

// RetryFailed moves failed records below the attempt ceiling back to
// pending, then replays everything waiting — including records that were
// already pending before the reset.
func (p *Pipeline) RetryFailed(ctx context.Context, tenantID string) (Result, error) {
	if _, err := p.store.ResetFailed(ctx, tenantID, p.cfg.MaxAttempts); err != nil {
		return Result{}, err
	}
	return p.ProcessPending(ctx, tenantID)
}

// groupBySender partitions messages by phone, keeping receipt order
// inside each group and first-seen order across groups.
func groupBySender(msgs []*store.PendingMessage) [][]*store.PendingMessage {
	index := make(map[string]int)
	var groups [][]*store.PendingMessage
	for _, m := range msgs {
		i, ok := index[m.Phone]
		if !ok {
			i = len(groups)
			index[m.Phone] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], m)
	}
	return groups
}

func (p *Pipeline) begin(tenantID string) bool {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	if _, busy := p.inflight[tenantID]; busy {
		return false
	}
	p.inflight[tenantID] = struct{}{}
	return true
}

func (p *Pipeline) end(tenantID string) {
	p.inflightMu.Lock()
	delete(p.inflight, tenantID)
	p.inflightMu.Unlock()
}
