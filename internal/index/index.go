// Package index describes the managed knowledge-base index that documents are
// synchronized into, and provides a Bedrock-backed implementation.
package index

import (
	"context"
	"fmt"
)

// BatchSize is the maximum number of document ids a single document call
// accepts. It is imposed by the index API and is not tunable.
const BatchSize = 10

// Document statuses reported by the index.
const (
	StatusIndexed                  = "INDEXED"
	StatusPartiallyIndexed         = "PARTIALLY_INDEXED"
	StatusMetadataPartiallyIndexed = "METADATA_PARTIALLY_INDEXED"
	StatusMetadataUpdateFailed     = "METADATA_UPDATE_FAILED"
	StatusPending                  = "PENDING"
	StatusStarting                 = "STARTING"
	StatusInProgress               = "IN_PROGRESS"
	StatusFailed                   = "FAILED"
	StatusIgnored                  = "IGNORED"
	StatusNotFound                 = "NOT_FOUND"
	StatusDeleting                 = "DELETING"
	StatusDeleteInProgress         = "DELETE_IN_PROGRESS"
)

// Full sync job statuses.
const (
	JobStarting   = "STARTING"
	JobInProgress = "IN_PROGRESS"
	JobComplete   = "COMPLETE"
	JobFailed     = "FAILED"
	JobStopping   = "STOPPING"
	JobStopped    = "STOPPED"
)

// ConnectorS3 is the only connector type that supports per-document ingest
// and delete.
const ConnectorS3 = "S3"

// DataSourceRef identifies an ingestion destination inside an index.
type DataSourceRef struct {
	IndexID      string `json:"knowledge_base_id"`
	DataSourceID string `json:"data_source_id"`
}

func (r DataSourceRef) String() string {
	return r.IndexID + "/" + r.DataSourceID
}

// DocumentStatus is the status the index reports for one document.
type DocumentStatus struct {
	URI    string `json:"uri"`
	Status string `json:"status"`
}

// Client is the index API surface kbsync consumes. Every document call takes
// at most BatchSize ids and fails without contacting the index otherwise.
type Client interface {
	GetDocumentStatus(ctx context.Context, ref DataSourceRef, uris []string) ([]DocumentStatus, error)
	Ingest(ctx context.Context, ref DataSourceRef, uris []string) ([]DocumentStatus, error)
	Delete(ctx context.Context, ref DataSourceRef, uris []string) ([]DocumentStatus, error)
	StartFullSync(ctx context.Context, ref DataSourceRef) (string, error)
	GetFullSyncStatus(ctx context.Context, ref DataSourceRef, jobID string) (string, error)
	ConnectorType(ctx context.Context, ref DataSourceRef) (string, error)
}

// Batches splits ids into consecutive chunks of at most BatchSize.
func Batches(ids []string) [][]string {
	var out [][]string
	for len(ids) > 0 {
		n := min(len(ids), BatchSize)
		out = append(out, ids[:n:n])
		ids = ids[n:]
	}
	return out
}

// CheckBatch rejects calls that exceed BatchSize.
func CheckBatch(uris []string) error {
	if len(uris) > BatchSize {
		return fmt.Errorf("batch of %d documents exceeds limit of %d", len(uris), BatchSize)
	}
	return nil
}
