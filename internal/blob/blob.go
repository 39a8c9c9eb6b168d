// Package blob abstracts the object store that holds lock objects. Every
// implementation must provide an atomic create-if-absent write and an atomic
// compare-and-delete keyed on the object's revision.
package blob

import (
	"context"
	"errors"
)

var (
	// ErrPreconditionFailed is returned when a conditional write or delete
	// does not hold (object exists on create, revision differs on delete).
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrConflict is returned when the store rejected a conditional request
	// because another conditional request on the same key was in flight.
	ErrConflict = errors.New("conditional request conflict")

	// ErrNotFound is returned when the object does not exist.
	ErrNotFound = errors.New("object not found")
)

// Object is a stored blob together with its revision (ETag).
type Object struct {
	Body     []byte
	Revision string
}

// Store is the conditional-write surface the lock needs.
type Store interface {
	// PutIfAbsent creates key with body only if it does not exist and
	// returns the new revision.
	PutIfAbsent(ctx context.Context, key string, body []byte) (string, error)

	// Get reads key.
	Get(ctx context.Context, key string) (*Object, error)

	// DeleteIfMatch deletes key only if its current revision equals revision.
	DeleteIfMatch(ctx context.Context, key, revision string) error
}
