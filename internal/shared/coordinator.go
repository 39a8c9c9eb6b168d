// Package shared coordinates tenants whose knowledge bases resolve to the
// same provisioned index, and resolves the index ids of freshly provisioned
// tenants.
package shared

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/leonunix/kbsync/internal/index"
	"github.com/leonunix/kbsync/internal/ingest"
	"github.com/leonunix/kbsync/internal/store"
)

// QueuedTenant is a tenant taking part in a build.
type QueuedTenant struct {
	OwnerID  string `json:"owner_id"`
	TenantID string `json:"tenant_id"`

	// FilesDiff is set when only specific files changed. Without it the
	// tenant's data sources are fully synchronized.
	FilesDiff *ingest.FilesDiff `json:"files_diff,omitempty"`

	// KnowledgeBaseType is store.KnowledgeBaseShared, store.KnowledgeBaseDedicated
	// or empty when the tenant has no knowledge base.
	KnowledgeBaseType string `json:"knowledge_base_type,omitempty"`
	// KnowledgeBaseHash is the ConfigHash of a shared knowledge base.
	KnowledgeBaseHash string `json:"knowledge_base_hash,omitempty"`

	// Index ids currently stored for the tenant.
	IndexID       string   `json:"index_id,omitempty"`
	DataSourceIDs []string `json:"data_source_ids,omitempty"`

	// DataSources are shared data sources assigned to this tenant so its
	// own diff can be applied to them.
	DataSources []index.DataSourceRef `json:"data_sources,omitempty"`

	// SyncSharedRequired is false when the tenant's change does not touch
	// shared knowledge bases.
	SyncSharedRequired bool `json:"sync_shared_required"`
}

// TaggedDiff returns the tenant's diff tagged with its ids, or nil.
func (q QueuedTenant) TaggedDiff() []ingest.TenantFilesDiff {
	if q.FilesDiff == nil {
		return nil
	}
	return []ingest.TenantFilesDiff{{OwnerID: q.OwnerID, TenantID: q.TenantID, FilesDiff: *q.FilesDiff}}
}

// SharedKnowledgeBase is one distinct shared configuration.
type SharedKnowledgeBase struct {
	Hash          string        `json:"knowledge_base_hash"`
	KnowledgeBase KnowledgeBase `json:"knowledge_base"`
}

// DataSourcePlan is one data source to synchronize. Without FilesDiffs it
// is fully synchronized.
type DataSourcePlan struct {
	Ref        index.DataSourceRef      `json:"data_source"`
	FilesDiffs []ingest.TenantFilesDiff `json:"files_diffs,omitempty"`
}

// Plan is the result of coordinating shared knowledge bases.
type Plan struct {
	Tenants     []QueuedTenant   `json:"queued_tenants"`
	DataSources []DataSourcePlan `json:"data_sources"`
}

// IndexWriter records provisioned index ids on tenants.
type IndexWriter interface {
	UpdateIndexIDs(ctx context.Context, ownerID, tenantID, indexID string, dataSourceIDs []string) error
}

// Coordinator resolves provisioned indexes and plans their synchronization.
type Coordinator struct {
	resolver        Resolver
	tenants         IndexWriter
	sharedStack     string
	dedicatedPrefix string
}

// CoordinatorOption configures optional Coordinator behavior.
type CoordinatorOption func(*Coordinator)

// WithSharedStack overrides the name of the stack holding shared indexes.
func WithSharedStack(name string) CoordinatorOption {
	return func(c *Coordinator) {
		c.sharedStack = name
	}
}

// WithDedicatedStackPrefix overrides the prefix of per-tenant stacks.
func WithDedicatedStackPrefix(prefix string) CoordinatorOption {
	return func(c *Coordinator) {
		c.dedicatedPrefix = prefix
	}
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(resolver Resolver, tenants IndexWriter, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		resolver:        resolver,
		tenants:         tenants,
		sharedStack:     "BrChatSharedKbStack",
		dedicatedPrefix: "BrChatKbStack",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Coordinate resolves every shared knowledge base once and plans its
// synchronization.
//
// With queued tenants, only the shared indexes they reference are touched.
// A tenant with a diff is assigned the shared data sources so the diff can
// be applied per tenant; a tenant without one makes those data sources fully
// resynchronized. Every referencing tenant gets the resolved ids written
// back. Without queued tenants every shared data source is resynchronized.
func (c *Coordinator) Coordinate(ctx context.Context, queued []QueuedTenant, sharedKBs []SharedKnowledgeBase) (Plan, error) {
	resolved := make(map[string]provisioned, len(sharedKBs))
	if len(sharedKBs) > 0 {
		outputs, err := c.resolver.StackOutputs(ctx, c.sharedStack)
		if err != nil {
			return Plan{}, err
		}
		for _, kb := range sharedKBs {
			if p, ok := lookupIndex(outputs, kb.Hash); ok {
				resolved[kb.Hash] = p
			} else {
				slog.Warn("shared knowledge base not provisioned", "stack", c.sharedStack, "hash", kb.Hash)
			}
		}
	}

	plan := Plan{Tenants: slices.Clone(queued)}
	fullSync := newDataSourceSet()

	if len(queued) == 0 {
		for _, kb := range sharedKBs {
			if p, ok := resolved[kb.Hash]; ok {
				fullSync.add(p.refs()...)
			}
		}
		plan.DataSources = fullSync.plans()
		return plan, nil
	}

	for i := range plan.Tenants {
		t := &plan.Tenants[i]
		p, ok := resolved[t.KnowledgeBaseHash]
		if t.KnowledgeBaseHash == "" || !ok {
			continue
		}

		if t.FilesDiff != nil {
			t.DataSources = p.refs()
		} else {
			fullSync.add(p.refs()...)
		}

		if t.FilesDiff == nil && t.IndexID == p.IndexID && slices.Equal(t.DataSourceIDs, p.DataSourceIDs) {
			slog.Debug("tenant already points at shared index", "tenant", t.TenantID, "index", p.IndexID)
			continue
		}
		if err := c.tenants.UpdateIndexIDs(ctx, t.OwnerID, t.TenantID, p.IndexID, p.DataSourceIDs); err != nil {
			return Plan{}, fmt.Errorf("recording shared index on tenant %s: %w", t.TenantID, err)
		}
		t.IndexID = p.IndexID
		t.DataSourceIDs = slices.Clone(p.DataSourceIDs)
		slog.Info("tenant linked to shared index", "tenant", t.TenantID, "hash", t.KnowledgeBaseHash, "index", p.IndexID)
	}

	plan.DataSources = fullSync.plans()
	return plan, nil
}

// FinalizeDedicated returns the data sources to synchronize for one tenant:
// the shared data sources it inherited from Coordinate, plus the data
// sources of its own stack when it has a dedicated knowledge base. The
// dedicated index ids are written back to the tenant.
func (c *Coordinator) FinalizeDedicated(ctx context.Context, tenant QueuedTenant, inherited []index.DataSourceRef) ([]DataSourcePlan, error) {
	diffs := tenant.TaggedDiff()

	var plans []DataSourcePlan
	for _, ref := range inherited {
		plans = append(plans, DataSourcePlan{Ref: ref, FilesDiffs: diffs})
	}
	if tenant.KnowledgeBaseType != store.KnowledgeBaseDedicated {
		return plans, nil
	}

	stack := c.dedicatedPrefix + tenant.TenantID
	outputs, err := c.resolver.StackOutputs(ctx, stack)
	if err != nil {
		return nil, err
	}
	p, ok := lookupIndex(outputs, "")
	if !ok {
		slog.Warn("dedicated stack has no knowledge base", "stack", stack, "tenant", tenant.TenantID)
		return plans, nil
	}

	for _, ref := range p.refs() {
		plans = append(plans, DataSourcePlan{Ref: ref, FilesDiffs: diffs})
	}
	if err := c.tenants.UpdateIndexIDs(ctx, tenant.OwnerID, tenant.TenantID, p.IndexID, p.DataSourceIDs); err != nil {
		return nil, fmt.Errorf("recording dedicated index on tenant %s: %w", tenant.TenantID, err)
	}
	slog.Info("dedicated index resolved", "tenant", tenant.TenantID, "index", p.IndexID, "data_sources", len(p.DataSourceIDs))
	return plans, nil
}

// dataSourceSet keeps data sources in insertion order without duplicates.
type dataSourceSet struct {
	seen map[string]bool
	refs []index.DataSourceRef
}

func newDataSourceSet() *dataSourceSet {
	return &dataSourceSet{seen: make(map[string]bool)}
}

func (s *dataSourceSet) add(refs ...index.DataSourceRef) {
	for _, r := range refs {
		if s.seen[r.DataSourceID] {
			continue
		}
		s.seen[r.DataSourceID] = true
		s.refs = append(s.refs, r)
	}
}

func (s *dataSourceSet) plans() []DataSourcePlan {
	out := make([]DataSourcePlan, 0, len(s.refs))
	for _, r := range s.refs {
		out = append(out, DataSourcePlan{Ref: r})
	}
	return out
}
