package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SavePending records an inbound message for later replay. When the
// message carries a transport ID, the insert is conditional: a live
// (pending/processing) record for the same (tenant, transport ID) blocks
// a duplicate, so redelivered inbound messages are saved once. Returns
// true if a new record was created.
func (s *Store) SavePending(ctx context.Context, m *PendingMessage) (bool, error) {
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = time.Now()
	}

	var (
		res sql.Result
		err error
	)
	if m.TransportMessageID != "" {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO pending_messages
				(tenant_id, phone, body, transport_message_id, received_at, status)
			SELECT ?, ?, ?, ?, ?, ?
			WHERE NOT EXISTS (
				SELECT 1 FROM pending_messages
				WHERE tenant_id = ? AND transport_message_id = ? AND status IN (?, ?)
			)`,
			m.TenantID, m.Phone, m.Body, m.TransportMessageID,
			formatTime(m.ReceivedAt), PendingWaiting,
			m.TenantID, m.TransportMessageID, PendingWaiting, PendingProcessing)
	} else {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO pending_messages
				(tenant_id, phone, body, transport_message_id, received_at, status)
			VALUES (?, ?, ?, '', ?, ?)`,
			m.TenantID, m.Phone, m.Body, formatTime(m.ReceivedAt), PendingWaiting)
	}
	if err != nil {
		return false, fmt.Errorf("save pending: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ListPending returns a tenant's pending records ordered by receipt time.
func (s *Store) ListPending(ctx context.Context, tenantID string) ([]*PendingMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, phone, body, transport_message_id,
		       received_at, attempts, status, last_error, processed_at
		FROM pending_messages
		WHERE tenant_id = ? AND status = ?
		ORDER BY received_at, id`, tenantID, PendingWaiting)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []*PendingMessage
	for rows.Next() {
		m, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountPending reports how many records await replay for the tenant.
func (s *Store) CountPending(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_messages
		WHERE tenant_id = ? AND status = ?`, tenantID, PendingWaiting).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// MarkPendingProcessing transitions a record pending → processing and
// bumps its attempt counter. Returns false if the record was not pending.
func (s *Store) MarkPendingProcessing(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_messages SET status = ?, attempts = attempts + 1
		WHERE id = ? AND status = ?`,
		PendingProcessing, id, PendingWaiting)
	if err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkPendingProcessed records a successful replay.
func (s *Store) MarkPendingProcessed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_messages SET status = ?, last_error = '', processed_at = ?
		WHERE id = ?`,
		PendingProcessed, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// MarkPendingFailed records a failed replay with the captured error.
func (s *Store) MarkPendingFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_messages SET status = ?, last_error = ?
		WHERE id = ?`,
		PendingFailed, errMsg, id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// ResetFailed moves failed records below the attempt ceiling back to
// pending. Returns how many were reset.
func (s *Store) ResetFailed(ctx context.Context, tenantID string, maxAttempts int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_messages SET status = ?
		WHERE tenant_id = ? AND status = ? AND attempts < ?`,
		PendingWaiting, tenantID, PendingFailed, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("reset failed: %w", err)
	}
	return res.RowsAffected()
}

// PurgeProcessed removes processed records older than the cutoff.
func (s *Store) PurgeProcessed(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_messages
		WHERE status = ? AND processed_at < ?`,
		PendingProcessed, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge processed: %w", err)
	}
	return res.RowsAffected()
}

func scanPending(row rowScanner) (*PendingMessage, error) {
	var (
		m           PendingMessage
		receivedAt  string
		processedAt sql.NullString
	)
	err := row.Scan(&m.ID, &m.TenantID, &m.Phone, &m.Body, &m.TransportMessageID,
		&receivedAt, &m.Attempts, &m.Status, &m.LastError, &processedAt)
	if err != nil {
		return nil, fmt.Errorf("scan pending: %w", err)
	}
	m.ReceivedAt = parseTime(receivedAt)
	m.ProcessedAt = timePtr(processedAt)
	return &m, nil
}
