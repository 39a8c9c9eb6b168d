package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/leonunix/kbsync/internal/index"
)

// Dispatcher submits document changes to the index, or starts a full sync
// when per-document operations are not possible.
type Dispatcher struct {
	client  index.Client
	planner *Planner
}

// NewDispatcher creates a Dispatcher. planner is only needed by Ingest.
func NewDispatcher(client index.Client, planner *Planner) *Dispatcher {
	return &Dispatcher{client: client, planner: planner}
}

// Dispatch submits diff to ref in batches of index.BatchSize. With a nil
// diff, or when the data source's connector cannot take individual
// documents, it starts a full sync job instead.
//
// Dispatch is not idempotent: calling it twice submits the documents twice.
func (d *Dispatcher) Dispatch(ctx context.Context, ref index.DataSourceRef, diff *DocumentsDiff) (Token, error) {
	if diff == nil {
		return d.fullSync(ctx, ref)
	}
	perDocument, err := d.supportsDocuments(ctx, ref)
	if err != nil {
		return Token{}, err
	}
	if !perDocument {
		return d.fullSync(ctx, ref)
	}

	accepted := DocumentsDiff{Added: []string{}, Deleted: []string{}}
	for _, batch := range index.Batches(diff.Added) {
		statuses, err := d.client.Ingest(ctx, ref, batch)
		if err != nil {
			return Token{}, fmt.Errorf("ingesting into %s: %w", ref, err)
		}
		for _, s := range statuses {
			if s.Status != index.StatusIgnored && s.URI != "" {
				accepted.Added = append(accepted.Added, s.URI)
			}
		}
	}
	for _, batch := range index.Batches(diff.Deleted) {
		statuses, err := d.client.Delete(ctx, ref, batch)
		if err != nil {
			return Token{}, fmt.Errorf("deleting from %s: %w", ref, err)
		}
		for _, s := range statuses {
			if s.URI != "" {
				accepted.Deleted = append(accepted.Deleted, s.URI)
			}
		}
	}

	slog.Info("documents dispatched",
		"data_source", ref.String(),
		"added", len(accepted.Added),
		"ignored", len(diff.Added)-len(accepted.Added),
		"deleted", len(accepted.Deleted),
	)
	return Token{Kind: TokenDocuments, Ref: ref, Documents: &accepted}, nil
}

// Ingest plans and dispatches diffs for ref in one step. Without diffs the
// data source is fully synchronized.
func (d *Dispatcher) Ingest(ctx context.Context, ref index.DataSourceRef, diffs []TenantFilesDiff) (Token, error) {
	if len(diffs) == 0 {
		return d.Dispatch(ctx, ref, nil)
	}
	perDocument, err := d.supportsDocuments(ctx, ref)
	if err != nil {
		return Token{}, err
	}
	if !perDocument {
		return d.fullSync(ctx, ref)
	}
	if d.planner == nil {
		return Token{}, fmt.Errorf("dispatcher has no planner")
	}

	plan, err := d.planner.Plan(ctx, ref, diffs)
	if err != nil {
		return Token{}, fmt.Errorf("planning %s: %w", ref, err)
	}
	return d.Dispatch(ctx, ref, &plan)
}

func (d *Dispatcher) supportsDocuments(ctx context.Context, ref index.DataSourceRef) (bool, error) {
	connector, err := d.client.ConnectorType(ctx, ref)
	if err != nil {
		return false, fmt.Errorf("resolving connector type: %w", err)
	}
	return connector == index.ConnectorS3, nil
}

func (d *Dispatcher) fullSync(ctx context.Context, ref index.DataSourceRef) (Token, error) {
	jobID, err := d.client.StartFullSync(ctx, ref)
	if err != nil {
		return Token{}, fmt.Errorf("starting full sync of %s: %w", ref, err)
	}
	slog.Info("full sync started", "data_source", ref.String(), "job", jobID)
	return Token{Kind: TokenJob, Ref: ref, JobID: jobID}, nil
}
