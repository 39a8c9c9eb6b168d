package status

import (
	"context"
	"fmt"
	"time"
)

const historyIndex = ".kbsync-sync-history"

const historyMapping = `{
  "settings": {
    "number_of_shards": 1,
    "number_of_replicas": 1
  },
  "mappings": {
    "properties": {
      "@timestamp":   { "type": "date" },
      "owner_id":     { "type": "keyword" },
      "tenant_id":    { "type": "keyword" },
      "status":       { "type": "keyword" },
      "reason":       { "type": "text" },
      "last_exec_id": { "type": "keyword" }
    }
  }
}`

// HistoryEntry is one sync status transition kept for later analysis.
type HistoryEntry struct {
	Timestamp  time.Time `json:"@timestamp"`
	OwnerID    string    `json:"owner_id"`
	TenantID   string    `json:"tenant_id"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	LastExecID string    `json:"last_exec_id"`
}

// HistoryRecorder persists sync status transitions.
type HistoryRecorder interface {
	Record(ctx context.Context, entry *HistoryEntry) error
}

// DocumentPutter writes a document by id, creating the index with mapping
// when it does not exist.
type DocumentPutter interface {
	Put(ctx context.Context, index, id string, doc any, mapping string) error
}

// OpenSearchHistoryStore records history entries into an OpenSearch index.
type OpenSearchHistoryStore struct {
	client DocumentPutter
}

// NewOpenSearchHistoryStore creates a history store backed by OpenSearch.
func NewOpenSearchHistoryStore(client DocumentPutter) *OpenSearchHistoryStore {
	return &OpenSearchHistoryStore{client: client}
}

// Record writes entry under a deterministic id so a retried record does not
// create a duplicate.
func (s *OpenSearchHistoryStore) Record(ctx context.Context, entry *HistoryEntry) error {
	if err := s.client.Put(ctx, historyIndex, historyDocID(entry), entry, historyMapping); err != nil {
		return fmt.Errorf("recording sync history: %w", err)
	}
	return nil
}

func historyDocID(e *HistoryEntry) string {
	return fmt.Sprintf("%s-%s-%s-%s", e.OwnerID, e.TenantID, e.LastExecID, e.Status)
}

var _ HistoryRecorder = (*OpenSearchHistoryStore)(nil)
