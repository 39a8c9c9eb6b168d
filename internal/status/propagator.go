// Package status writes the outcome of a build back to the affected tenants.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// SyncStatus is the status record written for one tenant.
type SyncStatus struct {
	OwnerID    string `json:"owner_id"`
	TenantID   string `json:"tenant_id"`
	Status     string `json:"status"`
	Reason     string `json:"reason"`
	LastExecID string `json:"last_exec_id"`
}

// TenantRef names a tenant.
type TenantRef struct {
	OwnerID  string `json:"owner_id"`
	TenantID string `json:"tenant_id"`
}

// Update describes one status transition. It applies to the single tenant
// named by OwnerID/TenantID, to every tenant in Tenants, or to both.
type Update struct {
	OwnerID  string      `json:"owner_id,omitempty"`
	TenantID string      `json:"tenant_id,omitempty"`
	Tenants  []TenantRef `json:"queued_tenants,omitempty"`
	Status   string      `json:"status"`
	Reason   string      `json:"reason,omitempty"`
	ExecID   string      `json:"exec_id,omitempty"`
}

// Writer stores a tenant's sync status.
type Writer interface {
	UpdateSyncStatus(ctx context.Context, ownerID, tenantID, status, reason, lastExecID string) error
}

// Propagator writes sync statuses with a small bounded retry that absorbs
// transient store contention.
type Propagator struct {
	writer  Writer
	history HistoryRecorder
	retries int
	delay   time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

// PropagatorOption configures optional Propagator behavior.
type PropagatorOption func(*Propagator)

// WithRetries sets how many times a write is attempted. Defaults to 4.
func WithRetries(n int) PropagatorOption {
	return func(p *Propagator) {
		p.retries = n
	}
}

// WithRetryDelay sets the fixed delay between attempts. Defaults to 2s.
func WithRetryDelay(d time.Duration) PropagatorOption {
	return func(p *Propagator) {
		p.delay = d
	}
}

// WithHistory records every written status in h. History failures are
// logged and never fail the propagation.
func WithHistory(h HistoryRecorder) PropagatorOption {
	return func(p *Propagator) {
		p.history = h
	}
}

// NewPropagator creates a Propagator.
func NewPropagator(writer Writer, opts ...PropagatorOption) *Propagator {
	p := &Propagator{
		writer:  writer,
		retries: 4,
		delay:   2 * time.Second,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.retries < 1 {
		p.retries = 1
	}
	return p
}

// Propagate writes u to every affected tenant and returns the records
// written. An empty ExecID is replaced by a fresh one. A write that still
// fails after all attempts aborts the propagation with its last error.
func (p *Propagator) Propagate(ctx context.Context, u Update) ([]SyncStatus, error) {
	if u.ExecID == "" {
		u.ExecID = uuid.NewString()
	}

	var targets []TenantRef
	if u.OwnerID != "" && u.TenantID != "" {
		targets = append(targets, TenantRef{OwnerID: u.OwnerID, TenantID: u.TenantID})
	}
	targets = append(targets, u.Tenants...)

	written := make([]SyncStatus, 0, len(targets))
	for _, t := range targets {
		s := SyncStatus{
			OwnerID:    t.OwnerID,
			TenantID:   t.TenantID,
			Status:     u.Status,
			Reason:     u.Reason,
			LastExecID: u.ExecID,
		}
		if err := p.write(ctx, s); err != nil {
			return written, err
		}
		written = append(written, s)
		p.record(ctx, s)
	}

	slog.Info("sync status propagated", "status", u.Status, "tenants", len(written), "exec_id", u.ExecID)
	return written, nil
}

func (p *Propagator) write(ctx context.Context, s SyncStatus) error {
	var err error
	for attempt := 1; attempt <= p.retries; attempt++ {
		err = p.writer.UpdateSyncStatus(ctx, s.OwnerID, s.TenantID, s.Status, s.Reason, s.LastExecID)
		if err == nil {
			return nil
		}
		if attempt == p.retries {
			break
		}
		slog.Warn("sync status write failed, retrying",
			"tenant", s.TenantID,
			"attempt", attempt,
			"error", err,
		)
		if sleepErr := p.sleep(ctx, p.delay); sleepErr != nil {
			return fmt.Errorf("updating sync status of %s: %w", s.TenantID, sleepErr)
		}
	}
	return fmt.Errorf("updating sync status of %s after %d attempts: %w", s.TenantID, p.retries, err)
}

func (p *Propagator) record(ctx context.Context, s SyncStatus) {
	if p.history == nil {
		return
	}
	entry := &HistoryEntry{
		Timestamp:  time.Now().UTC(),
		OwnerID:    s.OwnerID,
		TenantID:   s.TenantID,
		Status:     s.Status,
		Reason:     s.Reason,
		LastExecID: s.LastExecID,
	}
	if err := p.history.Record(ctx, entry); err != nil {
		slog.Warn("failed to record sync history", "tenant", s.TenantID, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
