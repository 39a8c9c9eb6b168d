package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/leonunix/kbsync/internal/backend"
)

const objectIndex = ".kbsync-objects"

// DocumentAPI is the subset of the OpenSearch document client used by
// OpenSearchStore.
type DocumentAPI interface {
	Get(ctx context.Context, index, id string) (*backend.Document, error)
	Create(ctx context.Context, index, id string, doc any) (*backend.Document, error)
	DeleteIfVersion(ctx context.Context, index, id string, seqNo, primaryTerm int64) (bool, error)
	EnsureIndex(ctx context.Context, index, body string) error
}

// OpenSearchStore keeps objects as OpenSearch documents. op_type=create gives
// create-if-absent, and _seq_no + _primary_term serve as the revision for
// compare-and-delete. OpenSearch has no object lifecycle, so every document
// carries expires_at and expired ones are removed before a create.
type OpenSearchStore struct {
	client DocumentAPI
	ttl    time.Duration
	now    func() time.Time
}

// NewOpenSearchStore creates a store whose objects expire after ttl.
func NewOpenSearchStore(client DocumentAPI, ttl time.Duration) *OpenSearchStore {
	return &OpenSearchStore{client: client, ttl: ttl, now: time.Now}
}

type objectDoc struct {
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *OpenSearchStore) PutIfAbsent(ctx context.Context, key string, body []byte) (string, error) {
	if err := s.cleanupExpired(ctx, key); err != nil {
		slog.Debug("expired object cleanup failed (non-fatal)", "key", key, "error", err)
	}

	now := s.now().UTC()
	doc := objectDoc{Body: string(body), CreatedAt: now, ExpiresAt: now.Add(s.ttl)}

	created, err := s.client.Create(ctx, objectIndex, key, doc)
	if err != nil && errors.Is(err, backend.ErrIndexMissing) {
		// auto_create_index may be disabled on the cluster.
		if createErr := s.client.EnsureIndex(ctx, objectIndex, ""); createErr != nil {
			return "", fmt.Errorf("creating object index: %w", createErr)
		}
		created, err = s.client.Create(ctx, objectIndex, key, doc)
	}
	if err != nil {
		if errors.Is(err, backend.ErrVersionConflict) {
			return "", fmt.Errorf("putting %s: %w", key, ErrPreconditionFailed)
		}
		return "", fmt.Errorf("putting %s: %w", key, transient(err))
	}
	return formatRevision(created.SeqNo, created.PrimaryTerm), nil
}

func (s *OpenSearchStore) Get(ctx context.Context, key string) (*Object, error) {
	doc, err := s.client.Get(ctx, objectIndex, key)
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", key, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("getting %s: %w", key, ErrNotFound)
	}

	var od objectDoc
	if err := json.Unmarshal(doc.Source, &od); err != nil {
		return nil, fmt.Errorf("parsing object %s: %w", key, err)
	}
	return &Object{Body: []byte(od.Body), Revision: formatRevision(doc.SeqNo, doc.PrimaryTerm)}, nil
}

func (s *OpenSearchStore) DeleteIfMatch(ctx context.Context, key, rev string) error {
	seqNo, primaryTerm, err := parseRevision(rev)
	if err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}

	deleted, err := s.client.DeleteIfVersion(ctx, objectIndex, key, seqNo, primaryTerm)
	switch {
	case errors.Is(err, backend.ErrVersionConflict):
		return fmt.Errorf("deleting %s: %w", key, ErrPreconditionFailed)
	case err != nil:
		return fmt.Errorf("deleting %s: %w", key, transient(err))
	case !deleted:
		return fmt.Errorf("deleting %s: %w", key, ErrNotFound)
	}
	return nil
}

// cleanupExpired deletes the object at key if it is past expires_at, using
// optimistic concurrency control so a concurrently re-created object survives.
func (s *OpenSearchStore) cleanupExpired(ctx context.Context, key string) error {
	doc, err := s.client.Get(ctx, objectIndex, key)
	if err != nil || doc == nil {
		return err
	}

	var od objectDoc
	if err := json.Unmarshal(doc.Source, &od); err != nil {
		return err
	}
	if !s.now().UTC().After(od.ExpiresAt) {
		return nil
	}

	slog.Info("cleaning up expired object",
		"key", key,
		"body", od.Body,
		"expired_at", od.ExpiresAt,
	)
	_, err = s.client.DeleteIfVersion(ctx, objectIndex, key, doc.SeqNo, doc.PrimaryTerm)
	if errors.Is(err, backend.ErrVersionConflict) {
		// Another instance cleaned it up or replaced it already.
		return nil
	}
	return err
}

// transient reports throttling and server errors as ErrConflict so callers
// retry them like any other contended conditional request.
func transient(err error) error {
	if backend.IsTransient(err) {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}

func formatRevision(seqNo, primaryTerm int64) string {
	return fmt.Sprintf("%d:%d", seqNo, primaryTerm)
}

func parseRevision(rev string) (int64, int64, error) {
	seq, term, ok := strings.Cut(rev, ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed revision %q", rev)
	}
	seqNo, err := strconv.ParseInt(seq, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed revision %q: %w", rev, err)
	}
	primaryTerm, err := strconv.ParseInt(term, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed revision %q: %w", rev, err)
	}
	return seqNo, primaryTerm, nil
}

var _ Store = (*OpenSearchStore)(nil)
