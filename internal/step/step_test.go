package step

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, KindDone, Classify(nil).Kind)

	wrapped := fmt.Errorf("acquiring lock: %w", Retryf("held by %s", "tenantA"))
	got := Classify(wrapped)
	assert.Equal(t, KindRetry, got.Kind)
	assert.Contains(t, got.Reason, "held by tenantA")

	fatal := Classify(&FatalError{Subject: "j1", Status: "FAILED"})
	assert.Equal(t, KindFatal, fatal.Kind)
	assert.Equal(t, "j1: FAILED", fatal.Reason)
	assert.Equal(t, "j1", fatal.Subject)
	assert.Equal(t, "FAILED", fatal.Status)

	other := Classify(errors.New("connection reset"))
	assert.True(t, other.IsFatal())
	assert.Equal(t, "connection reset", other.Reason)
}

func TestOutcome_ErrRoundTrip(t *testing.T) {
	assert.NoError(t, Done().Err())
	assert.ErrorIs(t, Retry("pending").Err(), ErrRetry)

	var fe *FatalError
	assert.ErrorAs(t, Fatal("boom").Err(), &fe)
	assert.Equal(t, "boom", fe.Error())
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "done", Done().String())
	assert.Equal(t, "retry: x", Retry("x").String())
	assert.Equal(t, "unknown", Kind(42).String())
}

func TestFatalStatus_CarriesSubject(t *testing.T) {
	out := FatalStatus("s3://b/o/t/documents/a.pdf", "FAILED", "File s3://b/o/t/documents/a.pdf: Bad status 'FAILED'")
	assert.True(t, out.IsFatal())

	var fe *FatalError
	assert.ErrorAs(t, out.Err(), &fe)
	assert.Equal(t, "s3://b/o/t/documents/a.pdf", fe.Subject)
	assert.Equal(t, "FAILED", fe.Status)
	assert.Equal(t, out.Reason, fe.Error())

	back := Classify(fmt.Errorf("data source kb/ds: %w", out.Err()))
	assert.Equal(t, "s3://b/o/t/documents/a.pdf", back.Subject)
	assert.Equal(t, "FAILED", back.Status)
}
