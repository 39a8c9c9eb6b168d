// Package ingest turns per-tenant file changes into index operations and
// tracks them to completion.
package ingest

import (
	"errors"
	"fmt"

	"github.com/leonunix/kbsync/internal/index"
)

// FilesDiff lists the files of one tenant by change kind. The three lists
// must be disjoint.
type FilesDiff struct {
	Added     []string `json:"added"`
	Unchanged []string `json:"unchanged"`
	Deleted   []string `json:"deleted"`
}

// Empty reports whether the diff lists no files at all.
func (d FilesDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Unchanged) == 0 && len(d.Deleted) == 0
}

// Validate checks that no file appears in more than one list.
func (d FilesDiff) Validate() error {
	seen := make(map[string]string, len(d.Added)+len(d.Unchanged)+len(d.Deleted))
	check := func(kind string, files []string) error {
		for _, f := range files {
			if prev, ok := seen[f]; ok {
				return fmt.Errorf("file %q is both %s and %s", f, prev, kind)
			}
			seen[f] = kind
		}
		return nil
	}
	if err := check("added", d.Added); err != nil {
		return err
	}
	if err := check("unchanged", d.Unchanged); err != nil {
		return err
	}
	return check("deleted", d.Deleted)
}

// TenantFilesDiff is a FilesDiff tagged with the tenant it belongs to, so
// that document storage paths can be reconstructed.
type TenantFilesDiff struct {
	OwnerID  string `json:"owner_id"`
	TenantID string `json:"tenant_id"`
	FilesDiff
}

// DocumentURI returns the canonical id of a tenant's uploaded document.
func DocumentURI(bucket, ownerID, tenantID, filename string) string {
	return fmt.Sprintf("s3://%s/%s/%s/documents/%s", bucket, ownerID, tenantID, filename)
}

// DocumentsDiff lists canonical document ids accepted by the index.
type DocumentsDiff struct {
	Added   []string `json:"added"`
	Deleted []string `json:"deleted"`
}

// TokenKind selects the populated variant of a Token.
type TokenKind string

const (
	TokenDocuments TokenKind = "documents"
	TokenJob       TokenKind = "job"
)

// Token tracks one dispatch: either the individual documents submitted or
// the full sync job started.
type Token struct {
	Kind      TokenKind           `json:"kind"`
	Ref       index.DataSourceRef `json:"data_source"`
	Documents *DocumentsDiff      `json:"documents,omitempty"`
	JobID     string              `json:"job_id,omitempty"`
}

var errInvalidToken = errors.New("invalid ingestion token")

// Validate checks that exactly the variant named by Kind is populated.
func (t Token) Validate() error {
	switch t.Kind {
	case TokenDocuments:
		if t.Documents == nil || t.JobID != "" {
			return errInvalidToken
		}
	case TokenJob:
		if t.JobID == "" || t.Documents != nil {
			return errInvalidToken
		}
	default:
		return errInvalidToken
	}
	return nil
}
