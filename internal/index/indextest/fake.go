// Package indextest provides an in-memory index.Client for tests.
package indextest

import (
	"context"
	"fmt"
	"sync"

	"github.com/leonunix/kbsync/internal/index"
)

// Fake is an in-memory index. Ingested documents start in STARTING and
// deleted ones in DELETING until Settle is called.
type Fake struct {
	mu sync.Mutex

	docs       map[string]string // uri → status
	jobs       map[string]string // job id → status
	ignored    map[string]bool
	connectors map[string]string // data source id → connector type
	nextJob    int

	StatusCalls    [][]string
	IngestCalls    [][]string
	DeleteCalls    [][]string
	FullSyncs      []index.DataSourceRef
	ConnectorCalls int

	// Err, when set, is returned by every call.
	Err error
}

// NewFake creates an empty fake index.
func NewFake() *Fake {
	return &Fake{
		docs:       make(map[string]string),
		jobs:       make(map[string]string),
		ignored:    make(map[string]bool),
		connectors: make(map[string]string),
	}
}

// SetStatus sets the status of a document.
func (f *Fake) SetStatus(uri, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status == index.StatusNotFound {
		delete(f.docs, uri)
		return
	}
	f.docs[uri] = status
}

// Status returns the status of a document.
func (f *Fake) Status(uri string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.docs[uri]; ok {
		return s
	}
	return index.StatusNotFound
}

// Ignore makes Ingest report uri as IGNORED.
func (f *Fake) Ignore(uri string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ignored[uri] = true
}

// SetConnector sets the connector type of a data source. Unset data
// sources report S3.
func (f *Fake) SetConnector(dataSourceID, connector string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectors[dataSourceID] = connector
}

// SetJobStatus sets the status of a full sync job.
func (f *Fake) SetJobStatus(jobID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobID] = status
}

// Settle completes all in-flight work: ingesting documents become INDEXED,
// deleting documents disappear and running jobs complete.
func (f *Fake) Settle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for uri, s := range f.docs {
		switch s {
		case index.StatusStarting, index.StatusPending, index.StatusInProgress:
			f.docs[uri] = index.StatusIndexed
		case index.StatusDeleting, index.StatusDeleteInProgress:
			delete(f.docs, uri)
		}
	}
	for id, s := range f.jobs {
		if s == index.JobStarting || s == index.JobInProgress {
			f.jobs[id] = index.JobComplete
		}
	}
}

func (f *Fake) GetDocumentStatus(_ context.Context, _ index.DataSourceRef, uris []string) ([]index.DocumentStatus, error) {
	if err := index.CheckBatch(uris); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.StatusCalls = append(f.StatusCalls, append([]string(nil), uris...))

	out := make([]index.DocumentStatus, 0, len(uris))
	for _, uri := range uris {
		s, ok := f.docs[uri]
		if !ok {
			s = index.StatusNotFound
		}
		out = append(out, index.DocumentStatus{URI: uri, Status: s})
	}
	return out, nil
}

func (f *Fake) Ingest(_ context.Context, _ index.DataSourceRef, uris []string) ([]index.DocumentStatus, error) {
	if err := index.CheckBatch(uris); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.IngestCalls = append(f.IngestCalls, append([]string(nil), uris...))

	out := make([]index.DocumentStatus, 0, len(uris))
	for _, uri := range uris {
		if f.ignored[uri] {
			out = append(out, index.DocumentStatus{URI: uri, Status: index.StatusIgnored})
			continue
		}
		f.docs[uri] = index.StatusStarting
		out = append(out, index.DocumentStatus{URI: uri, Status: index.StatusStarting})
	}
	return out, nil
}

func (f *Fake) Delete(_ context.Context, _ index.DataSourceRef, uris []string) ([]index.DocumentStatus, error) {
	if err := index.CheckBatch(uris); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.DeleteCalls = append(f.DeleteCalls, append([]string(nil), uris...))

	out := make([]index.DocumentStatus, 0, len(uris))
	for _, uri := range uris {
		if _, ok := f.docs[uri]; ok {
			f.docs[uri] = index.StatusDeleting
		}
		out = append(out, index.DocumentStatus{URI: uri, Status: index.StatusDeleting})
	}
	return out, nil
}

func (f *Fake) StartFullSync(_ context.Context, ref index.DataSourceRef) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	f.FullSyncs = append(f.FullSyncs, ref)
	f.nextJob++
	id := fmt.Sprintf("job-%d", f.nextJob)
	f.jobs[id] = index.JobStarting
	return id, nil
}

func (f *Fake) GetFullSyncStatus(_ context.Context, _ index.DataSourceRef, jobID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	s, ok := f.jobs[jobID]
	if !ok {
		return "", fmt.Errorf("ingestion job %s not found", jobID)
	}
	return s, nil
}

func (f *Fake) ConnectorType(_ context.Context, ref index.DataSourceRef) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	f.ConnectorCalls++
	if c, ok := f.connectors[ref.DataSourceID]; ok {
		return c, nil
	}
	return index.ConnectorS3, nil
}

var _ index.Client = (*Fake)(nil)
