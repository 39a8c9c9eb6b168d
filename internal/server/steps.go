package server

import (
	"context"
	"errors"

	"github.com/leonunix/kbsync/internal/index"
	"github.com/leonunix/kbsync/internal/ingest"
	"github.com/leonunix/kbsync/internal/lock"
	"github.com/leonunix/kbsync/internal/shared"
	"github.com/leonunix/kbsync/internal/status"
)

// BootstrapRequest starts a build. A missing queued_tenants field builds
// every QUEUED tenant.
type BootstrapRequest struct {
	QueuedTenants []shared.TenantRequest `json:"queued_tenants"`
}

func (s *Server) bootstrap(ctx context.Context, body []byte) (any, error) {
	var req BootstrapRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	return s.steps.Bootstrapper.Bootstrap(ctx, req.QueuedTenants)
}

// LockRequest acquires or releases a lock.
type LockRequest struct {
	LockName string     `json:"lock_name"`
	Owner    string     `json:"owner,omitempty"`
	LockID   lock.Token `json:"lock_id,omitempty"`
}

// LockResult is returned by a successful acquire.
type LockResult struct {
	LockID lock.Token `json:"lock_id"`
}

func (s *Server) acquire(ctx context.Context, body []byte) (any, error) {
	var req LockRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	if req.LockName == "" || req.Owner == "" {
		return nil, &badRequestError{err: errors.New("lock_name and owner are required")}
	}
	token, err := s.steps.Locker.Acquire(ctx, req.LockName, req.Owner)
	if err != nil {
		return nil, err
	}
	return LockResult{LockID: token}, nil
}

func (s *Server) release(ctx context.Context, body []byte) (any, error) {
	var req LockRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	if req.LockName == "" || req.LockID == "" {
		return nil, &badRequestError{err: errors.New("lock_name and lock_id are required")}
	}
	return nil, s.steps.Locker.Release(ctx, req.LockName, req.LockID)
}

func (s *Server) finalizeShared(ctx context.Context, body []byte) (any, error) {
	var req shared.BootstrapResult
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	return s.steps.Coordinator.Coordinate(ctx, req.QueuedTenants, req.SharedKnowledgeBases)
}

// DedicatedRequest finalizes one tenant.
type DedicatedRequest struct {
	Tenant      shared.QueuedTenant   `json:"tenant"`
	DataSources []index.DataSourceRef `json:"data_sources,omitempty"`
}

// DedicatedResult lists the data sources to synchronize for one tenant.
type DedicatedResult struct {
	DataSources []shared.DataSourcePlan `json:"data_sources"`
}

func (s *Server) finalizeDedicated(ctx context.Context, body []byte) (any, error) {
	var req DedicatedRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	inherited := req.DataSources
	if inherited == nil {
		inherited = req.Tenant.DataSources
	}
	plans, err := s.steps.Coordinator.FinalizeDedicated(ctx, req.Tenant, inherited)
	if err != nil {
		return nil, err
	}
	return DedicatedResult{DataSources: plans}, nil
}

func (s *Server) ingest(ctx context.Context, body []byte) (any, error) {
	var req shared.DataSourcePlan
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	if req.Ref.IndexID == "" || req.Ref.DataSourceID == "" {
		return nil, &badRequestError{err: errors.New("data_source is required")}
	}
	return s.steps.Ingester.Ingest(ctx, req.Ref, req.FilesDiffs)
}

// CheckRequest polls a dispatch.
type CheckRequest struct {
	Token ingest.Token `json:"token"`
}

func (s *Server) check(ctx context.Context, body []byte) (any, error) {
	var req CheckRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	out, err := s.steps.Poller.Poll(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// StatusResult lists the status records written.
type StatusResult struct {
	Written []status.SyncStatus `json:"written"`
}

func (s *Server) propagate(ctx context.Context, body []byte) (any, error) {
	var req status.Update
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	if req.Status == "" {
		return nil, &badRequestError{err: errors.New("status is required")}
	}
	written, err := s.steps.Propagator.Propagate(ctx, req)
	if err != nil {
		return nil, err
	}
	return StatusResult{Written: written}, nil
}
