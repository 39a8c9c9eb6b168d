package shared

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/leonunix/kbsync/internal/ingest"
	"github.com/leonunix/kbsync/internal/store"
)

// TenantReader is the read side of the tenant store used by Bootstrapper.
type TenantReader interface {
	Get(ctx context.Context, ownerID, tenantID string) (*store.Tenant, error)
	FindQueued(ctx context.Context) ([]store.Tenant, error)
	FindShared(ctx context.Context) ([]store.Tenant, error)
}

// TenantRequest names a tenant to build, optionally with the files that
// changed.
type TenantRequest struct {
	OwnerID   string            `json:"owner_id"`
	TenantID  string            `json:"tenant_id"`
	FilesDiff *ingest.FilesDiff `json:"files_diff,omitempty"`

	// SyncSharedRequired defaults to true when unset.
	SyncSharedRequired *bool `json:"sync_shared_required,omitempty"`
}

// BootstrapResult is the input of Coordinate.
type BootstrapResult struct {
	QueuedTenants []QueuedTenant `json:"queued_tenants"`
	// SharedKnowledgeBases is nil when no shared synchronization is needed.
	SharedKnowledgeBases []SharedKnowledgeBase `json:"shared_knowledge_bases"`
}

// Bootstrapper collects the tenants and shared configurations of a build.
type Bootstrapper struct {
	tenants TenantReader
}

// NewBootstrapper creates a Bootstrapper.
func NewBootstrapper(tenants TenantReader) *Bootstrapper {
	return &Bootstrapper{tenants: tenants}
}

// Bootstrap loads the requested tenants, or every QUEUED tenant when
// requested is nil. Shared configurations are collected when no tenant was
// found or any tenant needs shared synchronization.
func (b *Bootstrapper) Bootstrap(ctx context.Context, requested []TenantRequest) (BootstrapResult, error) {
	var queued []QueuedTenant

	if requested != nil {
		for _, r := range requested {
			if r.OwnerID == "" || r.TenantID == "" {
				continue
			}
			t, err := b.tenants.Get(ctx, r.OwnerID, r.TenantID)
			if err != nil {
				return BootstrapResult{}, fmt.Errorf("loading requested tenant: %w", err)
			}
			q, err := queuedTenant(*t)
			if err != nil {
				return BootstrapResult{}, err
			}
			if r.FilesDiff != nil && !r.FilesDiff.Empty() {
				if err := r.FilesDiff.Validate(); err != nil {
					return BootstrapResult{}, fmt.Errorf("tenant %s: %w", r.TenantID, err)
				}
				diff := *r.FilesDiff
				q.FilesDiff = &diff
			}
			if r.SyncSharedRequired != nil {
				q.SyncSharedRequired = *r.SyncSharedRequired
			}
			queued = append(queued, q)
		}
	} else {
		tenants, err := b.tenants.FindQueued(ctx)
		if err != nil {
			return BootstrapResult{}, fmt.Errorf("finding queued tenants: %w", err)
		}
		for _, t := range tenants {
			q, err := queuedTenant(t)
			if err != nil {
				return BootstrapResult{}, err
			}
			queued = append(queued, q)
		}
	}

	result := BootstrapResult{QueuedTenants: queued}
	if len(queued) == 0 || anySharedRequired(queued) {
		shared, err := b.findSharedKnowledgeBases(ctx)
		if err != nil {
			return BootstrapResult{}, err
		}
		result.SharedKnowledgeBases = shared
	}

	slog.Info("build bootstrapped",
		"queued_tenants", len(result.QueuedTenants),
		"shared_knowledge_bases", len(result.SharedKnowledgeBases),
	)
	return result, nil
}

func (b *Bootstrapper) findSharedKnowledgeBases(ctx context.Context) ([]SharedKnowledgeBase, error) {
	tenants, err := b.tenants.FindShared(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding shared knowledge bases: %w", err)
	}

	out := []SharedKnowledgeBase{}
	seen := make(map[string]bool)
	for _, t := range tenants {
		kb, err := ParseKnowledgeBase(t.KnowledgeBase)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", t.TenantID, err)
		}
		if kb == nil {
			continue
		}
		hash, err := ConfigHash(*kb)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", t.TenantID, err)
		}
		if seen[hash] {
			continue
		}
		seen[hash] = true
		kb.KnowledgeBaseID, kb.ExistKnowledgeBaseID, kb.DataSourceIDs = "", "", nil
		out = append(out, SharedKnowledgeBase{Hash: hash, KnowledgeBase: *kb})
	}
	return out, nil
}

func queuedTenant(t store.Tenant) (QueuedTenant, error) {
	q := QueuedTenant{
		OwnerID:            t.OwnerID,
		TenantID:           t.TenantID,
		IndexID:            t.IndexID,
		DataSourceIDs:      t.DataSourceIDs,
		SyncSharedRequired: true,
	}
	kb, err := ParseKnowledgeBase(t.KnowledgeBase)
	if err != nil {
		return QueuedTenant{}, fmt.Errorf("tenant %s: %w", t.TenantID, err)
	}
	if kb == nil {
		return q, nil
	}

	q.KnowledgeBaseType = kb.Type
	if kb.Type == store.KnowledgeBaseShared {
		if q.KnowledgeBaseHash, err = ConfigHash(*kb); err != nil {
			return QueuedTenant{}, fmt.Errorf("tenant %s: %w", t.TenantID, err)
		}
	}
	return q, nil
}

func anySharedRequired(queued []QueuedTenant) bool {
	for _, q := range queued {
		if q.SyncSharedRequired {
			return true
		}
	}
	return false
}
