package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/leonunix/kbsync/internal/index"
	"github.com/leonunix/kbsync/internal/step"
)

// ClassifyAdded maps the status of a submitted document to an outcome.
func ClassifyAdded(uri, status string) step.Outcome {
	switch status {
	case index.StatusIndexed:
		return step.Done()
	case index.StatusPending, index.StatusStarting, index.StatusInProgress, index.StatusPartiallyIndexed:
		return step.Retry(fmt.Sprintf("file %s is %s", uri, status))
	default:
		return step.FatalStatus(uri, status, fmt.Sprintf("File %s: Bad status '%s'", uri, status))
	}
}

// ClassifyDeleted maps the status of a deleted document to an outcome.
func ClassifyDeleted(uri, status string) step.Outcome {
	switch status {
	case index.StatusNotFound:
		return step.Done()
	case index.StatusPending, index.StatusDeleting, index.StatusDeleteInProgress:
		return step.Retry(fmt.Sprintf("file %s is %s", uri, status))
	default:
		return step.FatalStatus(uri, status, fmt.Sprintf("File %s: Bad status '%s'", uri, status))
	}
}

// ClassifyJob maps the status of a full sync job to an outcome.
func ClassifyJob(jobID, status string) step.Outcome {
	switch status {
	case index.JobComplete:
		return step.Done()
	case index.JobStarting, index.JobInProgress:
		return step.Retry(fmt.Sprintf("job %s is %s", jobID, status))
	default:
		return step.FatalStatus(jobID, status, fmt.Sprintf("%s: %s", jobID, status))
	}
}

// Poller checks whether a dispatch has finished. It keeps no state; every
// call reads the current status from the index.
type Poller struct {
	client index.Client
}

// NewPoller creates a Poller.
func NewPoller(client index.Client) *Poller {
	return &Poller{client: client}
}

// Poll classifies the current state of token. The first document that is
// still in flight or has failed decides the outcome of the whole call. The
// error return is reserved for failures talking to the index.
func (p *Poller) Poll(ctx context.Context, token Token) (step.Outcome, error) {
	if err := token.Validate(); err != nil {
		return step.Fatal(err.Error()), nil
	}

	if token.Kind == TokenJob {
		status, err := p.client.GetFullSyncStatus(ctx, token.Ref, token.JobID)
		if err != nil {
			return step.Outcome{}, fmt.Errorf("polling job %s: %w", token.JobID, err)
		}
		out := ClassifyJob(token.JobID, status)
		slog.Debug("polled full sync", "data_source", token.Ref.String(), "job", token.JobID, "status", status)
		return out, nil
	}

	out, err := p.check(ctx, token.Ref, token.Documents.Added, ClassifyAdded)
	if err != nil || !out.IsDone() {
		return out, err
	}
	return p.check(ctx, token.Ref, token.Documents.Deleted, ClassifyDeleted)
}

func (p *Poller) check(ctx context.Context, ref index.DataSourceRef, uris []string, classify func(uri, status string) step.Outcome) (step.Outcome, error) {
	for _, batch := range index.Batches(uris) {
		statuses, err := p.client.GetDocumentStatus(ctx, ref, batch)
		if err != nil {
			return step.Outcome{}, fmt.Errorf("polling documents in %s: %w", ref, err)
		}
		for _, s := range statuses {
			if out := classify(s.URI, s.Status); !out.IsDone() {
				slog.Debug("documents not settled", "data_source", ref.String(), "outcome", out.String())
				return out, nil
			}
		}
	}
	return step.Done(), nil
}
