package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonunix/kbsync/internal/index"
	"github.com/leonunix/kbsync/internal/index/indextest"
	"github.com/leonunix/kbsync/internal/step"
)

var testRef = index.DataSourceRef{IndexID: "kb-1", DataSourceID: "ds-1"}

func files(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%02d.pdf", prefix, i)
	}
	return out
}

func TestDocumentURI(t *testing.T) {
	assert.Equal(t, "s3://docs/user-1/bot-1/documents/a.pdf", DocumentURI("docs", "user-1", "bot-1", "a.pdf"))
}

func TestFilesDiff_Validate(t *testing.T) {
	assert.NoError(t, FilesDiff{Added: []string{"a"}, Unchanged: []string{"b"}, Deleted: []string{"c"}}.Validate())
	assert.Error(t, FilesDiff{Added: []string{"a"}, Deleted: []string{"a"}}.Validate())
	assert.Error(t, FilesDiff{Added: []string{"a", "a"}}.Validate())
	assert.True(t, FilesDiff{}.Empty())
}

func TestToken_Validate(t *testing.T) {
	assert.NoError(t, Token{Kind: TokenDocuments, Documents: &DocumentsDiff{}}.Validate())
	assert.NoError(t, Token{Kind: TokenJob, JobID: "j1"}.Validate())
	assert.Error(t, Token{}.Validate())
	assert.Error(t, Token{Kind: TokenJob}.Validate())
	assert.Error(t, Token{Kind: TokenDocuments}.Validate())
	assert.Error(t, Token{Kind: TokenJob, JobID: "j1", Documents: &DocumentsDiff{}}.Validate())
}

func TestPlanner_ReclassifiesMissingUnchanged(t *testing.T) {
	fake := indextest.NewFake()
	p := NewPlanner(fake, "docs")

	present := DocumentURI("docs", "u1", "t1", "kept.pdf")
	fake.SetStatus(present, index.StatusIndexed)

	diff, err := p.Plan(context.Background(), testRef, []TenantFilesDiff{
		{OwnerID: "u1", TenantID: "t1", FilesDiff: FilesDiff{
			Added:     []string{"new.pdf"},
			Unchanged: []string{"kept.pdf", "lost.pdf"},
			Deleted:   []string{"old.pdf"},
		}},
		{OwnerID: "u2", TenantID: "t2", FilesDiff: FilesDiff{Added: []string{"new.pdf"}}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"s3://docs/u1/t1/documents/new.pdf",
		"s3://docs/u2/t2/documents/new.pdf",
		"s3://docs/u1/t1/documents/lost.pdf",
	}, diff.Added)
	assert.Equal(t, []string{"s3://docs/u1/t1/documents/old.pdf"}, diff.Deleted)
}

func TestPlanner_BatchesExistenceChecks(t *testing.T) {
	fake := indextest.NewFake()
	p := NewPlanner(fake, "docs")

	_, err := p.Plan(context.Background(), testRef, []TenantFilesDiff{
		{OwnerID: "u", TenantID: "t", FilesDiff: FilesDiff{Unchanged: files("a", 15)}},
		{OwnerID: "u", TenantID: "t2", FilesDiff: FilesDiff{Unchanged: files("b", 6)}},
	})
	require.NoError(t, err)

	require.Len(t, fake.StatusCalls, 3)
	for _, c := range fake.StatusCalls {
		assert.LessOrEqual(t, len(c), index.BatchSize)
	}
	assert.Len(t, fake.StatusCalls[2], 1)
}

func TestPlanner_RejectsOverlappingDiff(t *testing.T) {
	p := NewPlanner(indextest.NewFake(), "docs")
	_, err := p.Plan(context.Background(), testRef, []TenantFilesDiff{
		{OwnerID: "u", TenantID: "t", FilesDiff: FilesDiff{Added: []string{"a"}, Unchanged: []string{"a"}}},
	})
	assert.Error(t, err)
}

func TestDispatcher_BatchesOf10(t *testing.T) {
	fake := indextest.NewFake()
	d := NewDispatcher(fake, nil)

	added := make([]string, 23)
	for i := range added {
		added[i] = fmt.Sprintf("s3://docs/u/t/documents/%02d", i)
	}
	tok, err := d.Dispatch(context.Background(), testRef, &DocumentsDiff{Added: added, Deleted: added[:4]})
	require.NoError(t, err)

	require.Len(t, fake.IngestCalls, 3)
	assert.Len(t, fake.IngestCalls[0], 10)
	assert.Len(t, fake.IngestCalls[1], 10)
	assert.Len(t, fake.IngestCalls[2], 3)
	require.Len(t, fake.DeleteCalls, 1)

	assert.Equal(t, TokenDocuments, tok.Kind)
	assert.Equal(t, testRef, tok.Ref)
	assert.Len(t, tok.Documents.Added, 23)
	assert.Len(t, tok.Documents.Deleted, 4)
	assert.NoError(t, tok.Validate())
}

func TestDispatcher_DropsIgnored(t *testing.T) {
	fake := indextest.NewFake()
	fake.Ignore("s3://docs/u/t/documents/b")
	d := NewDispatcher(fake, nil)

	tok, err := d.Dispatch(context.Background(), testRef, &DocumentsDiff{
		Added: []string{"s3://docs/u/t/documents/a", "s3://docs/u/t/documents/b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"s3://docs/u/t/documents/a"}, tok.Documents.Added)
	assert.Empty(t, tok.Documents.Deleted)
}

func TestDispatcher_FullSync(t *testing.T) {
	fake := indextest.NewFake()
	d := NewDispatcher(fake, nil)

	tok, err := d.Dispatch(context.Background(), testRef, nil)
	require.NoError(t, err)
	assert.Equal(t, TokenJob, tok.Kind)
	assert.NotEmpty(t, tok.JobID)
	assert.Nil(t, tok.Documents)
	assert.Equal(t, []index.DataSourceRef{testRef}, fake.FullSyncs)
	assert.Zero(t, fake.ConnectorCalls)
}

func TestDispatcher_NonS3ConnectorFullSyncs(t *testing.T) {
	fake := indextest.NewFake()
	fake.SetConnector(testRef.DataSourceID, "WEB")
	d := NewDispatcher(fake, NewPlanner(fake, "docs"))

	tok, err := d.Ingest(context.Background(), testRef, []TenantFilesDiff{
		{OwnerID: "u", TenantID: "t", FilesDiff: FilesDiff{Added: []string{"a"}, Unchanged: []string{"b"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, TokenJob, tok.Kind)
	assert.Empty(t, fake.IngestCalls)
	assert.Empty(t, fake.StatusCalls, "planning is skipped for full sync connectors")
}

func TestDispatcher_IngestPlansThenDispatches(t *testing.T) {
	fake := indextest.NewFake()
	d := NewDispatcher(fake, NewPlanner(fake, "docs"))

	tok, err := d.Ingest(context.Background(), testRef, []TenantFilesDiff{
		{OwnerID: "u", TenantID: "t", FilesDiff: FilesDiff{Added: []string{"a"}, Unchanged: []string{"b"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, TokenDocuments, tok.Kind)
	assert.ElementsMatch(t, []string{
		"s3://docs/u/t/documents/a",
		"s3://docs/u/t/documents/b",
	}, tok.Documents.Added)
}

func TestDispatcher_IngestWithoutDiffsFullSyncs(t *testing.T) {
	fake := indextest.NewFake()
	d := NewDispatcher(fake, NewPlanner(fake, "docs"))

	tok, err := d.Ingest(context.Background(), testRef, nil)
	require.NoError(t, err)
	assert.Equal(t, TokenJob, tok.Kind)
}

func TestDispatcher_IndexError(t *testing.T) {
	fake := indextest.NewFake()
	fake.Err = errors.New("throttled")
	d := NewDispatcher(fake, nil)

	_, err := d.Dispatch(context.Background(), testRef, &DocumentsDiff{Added: []string{"x"}})
	assert.ErrorIs(t, err, fake.Err)
}

func TestPoller_PartiallyIndexedThenIndexed(t *testing.T) {
	fake := indextest.NewFake()
	p := NewPoller(fake)
	d1 := "s3://docs/u/t/documents/d1"

	fake.SetStatus(d1, index.StatusPartiallyIndexed)
	tok := Token{Kind: TokenDocuments, Ref: testRef, Documents: &DocumentsDiff{Added: []string{d1}}}

	out, err := p.Poll(context.Background(), tok)
	require.NoError(t, err)
	assert.True(t, out.IsRetry())
	assert.ErrorIs(t, out.Err(), step.ErrRetry)

	fake.SetStatus(d1, index.StatusIndexed)
	out, err = p.Poll(context.Background(), tok)
	require.NoError(t, err)
	assert.True(t, out.IsDone())
}

func TestPoller_AnyPendingRetriesWholePoll(t *testing.T) {
	fake := indextest.NewFake()
	p := NewPoller(fake)

	added := make([]string, 25)
	for i := range added {
		added[i] = fmt.Sprintf("s3://docs/u/t/documents/%02d", i)
		fake.SetStatus(added[i], index.StatusIndexed)
	}
	fake.SetStatus(added[24], index.StatusPending)

	out, err := p.Poll(context.Background(), Token{Kind: TokenDocuments, Documents: &DocumentsDiff{Added: added}})
	require.NoError(t, err)
	assert.True(t, out.IsRetry())
	require.Len(t, fake.StatusCalls, 3)
	for _, c := range fake.StatusCalls {
		assert.LessOrEqual(t, len(c), index.BatchSize)
	}
}

func TestPoller_BadAddedStatusIsFatal(t *testing.T) {
	fake := indextest.NewFake()
	p := NewPoller(fake)
	d1 := "s3://docs/u/t/documents/d1"
	fake.SetStatus(d1, index.StatusFailed)

	out, err := p.Poll(context.Background(), Token{Kind: TokenDocuments, Documents: &DocumentsDiff{Added: []string{d1}}})
	require.NoError(t, err)
	assert.True(t, out.IsFatal())
	assert.Equal(t, "File s3://docs/u/t/documents/d1: Bad status 'FAILED'", out.Reason)
}

func TestPoller_Deleted(t *testing.T) {
	fake := indextest.NewFake()
	p := NewPoller(fake)
	d1 := "s3://docs/u/t/documents/d1"
	tok := Token{Kind: TokenDocuments, Documents: &DocumentsDiff{Deleted: []string{d1}}}

	fake.SetStatus(d1, index.StatusDeleteInProgress)
	out, err := p.Poll(context.Background(), tok)
	require.NoError(t, err)
	assert.True(t, out.IsRetry())

	fake.SetStatus(d1, index.StatusIndexed)
	out, err = p.Poll(context.Background(), tok)
	require.NoError(t, err)
	assert.True(t, out.IsFatal())

	fake.SetStatus(d1, index.StatusNotFound)
	out, err = p.Poll(context.Background(), tok)
	require.NoError(t, err)
	assert.True(t, out.IsDone())
}

func TestPoller_JobFailed(t *testing.T) {
	fake := indextest.NewFake()
	fake.SetJobStatus("j1", index.JobFailed)
	p := NewPoller(fake)

	out, err := p.Poll(context.Background(), Token{Kind: TokenJob, Ref: testRef, JobID: "j1"})
	require.NoError(t, err)
	assert.True(t, out.IsFatal())
	assert.Equal(t, "j1: FAILED", out.Reason)

	var fatal *step.FatalError
	require.ErrorAs(t, out.Err(), &fatal)
	assert.Equal(t, "j1: FAILED", fatal.Error())
	assert.Equal(t, "j1", fatal.Subject)
	assert.Equal(t, index.JobFailed, fatal.Status)
}

func TestPoller_JobLifecycle(t *testing.T) {
	fake := indextest.NewFake()
	fake.SetJobStatus("j1", index.JobInProgress)
	p := NewPoller(fake)
	tok := Token{Kind: TokenJob, JobID: "j1"}

	out, err := p.Poll(context.Background(), tok)
	require.NoError(t, err)
	assert.True(t, out.IsRetry())

	fake.Settle()
	out, err = p.Poll(context.Background(), tok)
	require.NoError(t, err)
	assert.True(t, out.IsDone())
}

func TestPoller_InvalidToken(t *testing.T) {
	out, err := NewPoller(indextest.NewFake()).Poll(context.Background(), Token{})
	require.NoError(t, err)
	assert.True(t, out.IsFatal())
	assert.Equal(t, "invalid ingestion token", out.Reason)
}

func TestPoller_TransportError(t *testing.T) {
	fake := indextest.NewFake()
	fake.Err = errors.New("connection reset")
	_, err := NewPoller(fake).Poll(context.Background(), Token{Kind: TokenJob, JobID: "j1"})
	assert.ErrorIs(t, err, fake.Err)
}

func TestClassify_TablesAreTotal(t *testing.T) {
	docStatuses := []string{
		index.StatusIndexed, index.StatusPartiallyIndexed, index.StatusMetadataPartiallyIndexed,
		index.StatusMetadataUpdateFailed, index.StatusPending, index.StatusStarting,
		index.StatusInProgress, index.StatusFailed, index.StatusIgnored, index.StatusNotFound,
		index.StatusDeleting, index.StatusDeleteInProgress, "SOMETHING_NEW", "",
	}
	doneAdded, doneDeleted := 0, 0
	for _, s := range docStatuses {
		a := ClassifyAdded("u", s)
		assert.Contains(t, []step.Kind{step.KindDone, step.KindRetry, step.KindFatal}, a.Kind)
		if a.IsDone() {
			doneAdded++
		}
		d := ClassifyDeleted("u", s)
		if d.IsDone() {
			doneDeleted++
		}
	}
	assert.Equal(t, 1, doneAdded, "only INDEXED resolves an added document")
	assert.Equal(t, 1, doneDeleted, "only NOT_FOUND resolves a deleted document")

	assert.True(t, ClassifyAdded("u", "SOMETHING_NEW").IsFatal())
	assert.True(t, ClassifyDeleted("u", "SOMETHING_NEW").IsFatal())

	failed := ClassifyAdded("s3://docs/u/t/a.pdf", index.StatusFailed)
	assert.Equal(t, "s3://docs/u/t/a.pdf", failed.Subject)
	assert.Equal(t, index.StatusFailed, failed.Status)
	assert.Equal(t, "File s3://docs/u/t/a.pdf: Bad status 'FAILED'", failed.Reason)

	jobs := map[string]step.Kind{
		index.JobStarting:   step.KindRetry,
		index.JobInProgress: step.KindRetry,
		index.JobComplete:   step.KindDone,
		index.JobFailed:     step.KindFatal,
		index.JobStopping:   step.KindFatal,
		index.JobStopped:    step.KindFatal,
		"SOMETHING_NEW":     step.KindFatal,
	}
	for s, want := range jobs {
		assert.Equal(t, want, ClassifyJob("j", s).Kind, s)
	}
}
