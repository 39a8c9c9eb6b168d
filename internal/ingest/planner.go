package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/leonunix/kbsync/internal/index"
)

// Planner maps tenant file diffs to canonical document ids and reconciles
// the files claimed unchanged against what the index actually holds.
type Planner struct {
	client index.Client
	bucket string
}

// NewPlanner creates a Planner for documents stored in bucket.
func NewPlanner(client index.Client, bucket string) *Planner {
	return &Planner{client: client, bucket: bucket}
}

// Plan returns the documents to ingest and delete in ref. An unchanged
// document the index reports as NOT_FOUND is moved to Added; every other
// unchanged document is left alone.
func (p *Planner) Plan(ctx context.Context, ref index.DataSourceRef, diffs []TenantFilesDiff) (DocumentsDiff, error) {
	var added, unchanged, deleted []string
	for _, d := range diffs {
		if err := d.Validate(); err != nil {
			return DocumentsDiff{}, fmt.Errorf("tenant %s: %w", d.TenantID, err)
		}
		for _, f := range d.Added {
			added = append(added, DocumentURI(p.bucket, d.OwnerID, d.TenantID, f))
		}
		for _, f := range d.Unchanged {
			unchanged = append(unchanged, DocumentURI(p.bucket, d.OwnerID, d.TenantID, f))
		}
		for _, f := range d.Deleted {
			deleted = append(deleted, DocumentURI(p.bucket, d.OwnerID, d.TenantID, f))
		}
	}

	missing := 0
	for _, batch := range index.Batches(unchanged) {
		statuses, err := p.client.GetDocumentStatus(ctx, ref, batch)
		if err != nil {
			return DocumentsDiff{}, fmt.Errorf("checking unchanged documents: %w", err)
		}
		for _, s := range statuses {
			if s.Status == index.StatusNotFound && s.URI != "" {
				added = append(added, s.URI)
				missing++
			}
		}
	}

	slog.Debug("planned documents diff",
		"data_source", ref.String(),
		"added", len(added),
		"unchanged", len(unchanged),
		"missing", missing,
		"deleted", len(deleted),
	)
	return DocumentsDiff{Added: added, Deleted: deleted}, nil
}
