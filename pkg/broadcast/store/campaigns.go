package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateCampaign inserts a campaign and its delivery jobs in one
// transaction so a crash can't leave jobs without a campaign.
func (s *Store) CreateCampaign(ctx context.Context, c *Campaign, jobs []*DeliveryJob) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO campaigns (id, tenant_id, template, status, total, sent, failed, pending, created_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		c.ID, c.TenantID, c.Template, c.Status,
		c.Progress.Total, c.Progress.Pending, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}

	for _, j := range jobs {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO delivery_jobs
				(id, campaign_id, tenant_id, contact_id, phone, rendered_message,
				 status, attempts, scheduled_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			j.ID, j.CampaignID, j.TenantID, j.ContactID, j.Phone,
			j.RenderedMessage, j.Status,
			formatTime(j.ScheduledAt), formatTime(j.ScheduledAt))
		if err != nil {
			return fmt.Errorf("insert job %q: %w", j.ID, err)
		}
	}

	return tx.Commit()
}

// GetCampaign loads one campaign with its progress counters.
func (s *Store) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, template, status, total, sent, failed, pending,
		       created_at, started_at, completed_at
		FROM campaigns WHERE id = ?`, id)
	return scanCampaign(row)
}

// ListCampaigns returns a tenant's campaigns, newest first.
func (s *Store) ListCampaigns(ctx context.Context, tenantID string) ([]*Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, template, status, total, sent, failed, pending,
		       created_at, started_at, completed_at
		FROM campaigns WHERE tenant_id = ? ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkCampaignProcessing transitions pending → processing once.
func (s *Store) MarkCampaignProcessing(ctx context.Context, id string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		CampaignProcessing, formatTime(startedAt), id, CampaignPending)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return nil
}

// ClaimJob transitions a job queued → processing. Returns false if another
// worker already claimed it, so no job is ever processed twice concurrently.
func (s *Store) ClaimJob(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_jobs SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		JobProcessing, formatTime(time.Now()), jobID, JobQueued)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RecordJobAttempt bumps a job's attempt counter and records the error
// after a non-terminal send failure. Progress counters are untouched;
// they move only on the job's terminal outcome.
func (s *Store) RecordJobAttempt(ctx context.Context, jobID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delivery_jobs SET attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ?`,
		errMsg, formatTime(time.Now()), jobID)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// RecordJobSent records a job's successful terminal outcome: the job is
// marked sent and the campaign's counters move in one transaction. Returns
// true if this update completed the campaign — the conditional update
// guarantees the transition fires exactly once even under concurrent
// completions.
func (s *Store) RecordJobSent(ctx context.Context, jobID, campaignID string) (bool, error) {
	return s.finishJob(ctx, jobID, campaignID, JobSent, "")
}

// RecordJobFailed records a job's terminal failure after the retry ceiling.
func (s *Store) RecordJobFailed(ctx context.Context, jobID, campaignID, errMsg string) (bool, error) {
	return s.finishJob(ctx, jobID, campaignID, JobFailed, errMsg)
}

func (s *Store) finishJob(ctx context.Context, jobID, campaignID string, status JobStatus, errMsg string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())

	res, err := tx.ExecContext(ctx, `
		UPDATE delivery_jobs SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		status, errMsg, now, jobID, JobProcessing)
	if err != nil {
		return false, fmt.Errorf("finish job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Job already finished; don't move the counters twice.
		return false, tx.Commit()
	}

	counter := "sent"
	if status == JobFailed {
		counter = "failed"
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE campaigns SET %s = %s + 1, pending = pending - 1
		WHERE id = ?`, counter, counter), campaignID)
	if err != nil {
		return false, fmt.Errorf("update progress: %w", err)
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE campaigns SET status = ?, completed_at = ?
		WHERE id = ? AND pending = 0 AND status = ?`,
		CampaignCompleted, now, campaignID, CampaignProcessing)
	if err != nil {
		return false, fmt.Errorf("complete campaign: %w", err)
	}
	completed, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return completed == 1, nil
}

// ListJobs returns a campaign's delivery jobs in insertion order.
func (s *Store) ListJobs(ctx context.Context, campaignID string) ([]*DeliveryJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, campaign_id, tenant_id, contact_id, phone, rendered_message,
		       status, attempts, last_error, scheduled_at, updated_at
		FROM delivery_jobs WHERE campaign_id = ? ORDER BY rowid`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*DeliveryJob
	for rows.Next() {
		var (
			j                      DeliveryJob
			scheduledAt, updatedAt string
		)
		if err := rows.Scan(&j.ID, &j.CampaignID, &j.TenantID, &j.ContactID,
			&j.Phone, &j.RenderedMessage, &j.Status, &j.Attempts,
			&j.LastError, &scheduledAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.ScheduledAt = parseTime(scheduledAt)
		j.UpdatedAt = parseTime(updatedAt)
		out = append(out, &j)
	}
	return out, rows.Err()
}

// PurgeTerminalJobs removes sent/failed jobs whose campaigns completed
// before the cutoff. Returns the number of rows removed.
func (s *Store) PurgeTerminalJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM delivery_jobs
		WHERE status IN (?, ?) AND updated_at < ?`,
		JobSent, JobFailed, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*Campaign, error) {
	var (
		c                      Campaign
		createdAt              string
		startedAt, completedAt sql.NullString
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.Template, &c.Status,
		&c.Progress.Total, &c.Progress.Sent, &c.Progress.Failed, &c.Progress.Pending,
		&createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, fmt.Errorf("scan campaign: %w", err)
	}
	c.CreatedAt = parseTime(createdAt)
	c.StartedAt = timePtr(startedAt)
	c.CompletedAt = timePtr(completedAt)
	return &c, nil
}
