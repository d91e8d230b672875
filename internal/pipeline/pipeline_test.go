package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/finance-ingest/internal/extract"
	"github.com/sells-group/finance-ingest/internal/model"
	"github.com/sells-group/finance-ingest/internal/notify"
	"github.com/sells-group/finance-ingest/internal/session"
	"github.com/sells-group/finance-ingest/internal/storage"
	"github.com/sells-group/finance-ingest/internal/store"
)

// textSource serves pages split on form feeds, the way pdftotext
// separates them.
type textSource struct {
	pages []string
}

func (s *textSource) PageCount() int { return len(s.pages) }

func (s *textSource) Text(_ context.Context, page int) (string, error) {
	if page < 1 || page > len(s.pages) {
		return "", eris.Errorf("page %d out of range", page)
	}
	return s.pages[page-1], nil
}

type textOpener struct{}

func (textOpener) Open(_ context.Context, path string, _ model.FileFormat) (extract.Source, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(string(b), "CORRUPT") {
		return nil, eris.New("malformed document")
	}
	return &textSource{pages: strings.Split(string(b), "\f")}, nil
}

type captureNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *captureNotifier) Notify(_ context.Context, ev notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureNotifier) byType(t notify.EventType) []notify.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []notify.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	p        *Pipeline
	st       *store.SQLiteStore
	root     string
	incoming string
	notes    *captureNotifier
	company  model.Company
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	ref := int64(10042)
	_, err = st.UpsertCompanies(ctx, []model.Company{{Name: "Acme Ltd", Code: "ACME01", ReferenceNumber: &ref}})
	require.NoError(t, err)
	c, err := st.FindCompanyByCode(ctx, "ACME01")
	require.NoError(t, err)
	require.NotNil(t, c)

	h := &harness{
		st:       st,
		root:     t.TempDir(),
		incoming: t.TempDir(),
		notes:    &captureNotifier{},
		company:  *c,
	}
	rec := NewRecorder(session.NewRegistry(), st, h.notes)
	h.p = New(opts, st, textOpener{}, model.NewFieldRegistry(model.DefaultFields()), storage.NewRouter(h.root), rec)
	return h
}

// file writes content under a unique temp name and returns a job that
// carries name as the original upload name.
func (h *harness) file(t *testing.T, name, content string) model.Job {
	t.Helper()
	tmp := filepath.Join(h.incoming, fmt.Sprintf("%d-%s", time.Now().UnixNano(), name))
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o600))
	return model.Job{FilePath: tmp, FileName: filepath.Base(tmp), OriginalName: name, ImportID: "imp-1", UserID: "u-1"}
}

func invoiceText(number, account string) string {
	return strings.Join([]string{
		"ACME SUPPLIES",
		"TAX INVOICE",
		"Invoice No: " + number,
		"Invoice Date: 04/03/2024",
		"Account No: " + account,
		"Order No: PO-77",
		"Net: 100.00",
		"VAT: 20.00",
		"Total Due: 120.00",
	}, "\n")
}

func today() string { return time.Now().Format("2006-01-02") }

func TestProcess_ReadyInvoice(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	var seen []int
	out, err := h.p.Process(ctx, h.file(t, "inv-1001.pdf", invoiceText("INV-1001", "10042")), func(pct int) {
		seen = append(seen, pct)
	})
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeSucceeded, out.Outcome)
	assert.Equal(t, model.StatusParsed, out.Status)
	assert.False(t, out.Review)
	assert.Equal(t, h.company.ID, out.CompanyID)
	assert.NotEmpty(t, out.DocumentID)
	assert.Contains(t, filepath.ToSlash(out.StoragePath), "/processed/invoice/")
	assert.Equal(t, "inv-1001.pdf", filepath.Base(out.StoragePath))
	assert.FileExists(t, out.StoragePath)

	require.NotEmpty(t, seen)
	assert.Equal(t, 0, seen[0])
	assert.Equal(t, 100, seen[len(seen)-1])
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1])
	}

	doc, err := h.st.GetDocument(ctx, out.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, "INV-1001", doc.Number)
	assert.Equal(t, "PO-77", doc.PurchaseOrder)
	assert.Equal(t, "120", doc.TotalAmount.String())
	assert.Equal(t, out.FileID, doc.ContentRecordID)
	assert.Equal(t, out.StoragePath, doc.FileRef)
	assert.Equal(t, doc.RetentionStart.AddDate(7, 0, 0), doc.RetentionExpiry)

	rec, err := h.st.GetContent(ctx, out.FileID)
	require.NoError(t, err)
	require.NotNil(t, rec.DocumentID)
	assert.Equal(t, out.DocumentID, *rec.DocumentID)
	assert.Equal(t, model.DocInvoice, rec.DocumentType)
	assert.Equal(t, "GENERIC", rec.Metadata["template"])

	outcomes, err := h.st.ListOutcomes(ctx, "imp-1")
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, model.OutcomeSucceeded, outcomes[0].Outcome)
}

func TestProcess_IdenticalContentIsDuplicate(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	content := invoiceText("INV-2001", "10042")

	first, err := h.p.Process(ctx, h.file(t, "a.pdf", content), nil)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeSucceeded, first.Outcome)

	job := h.file(t, "a-copy.pdf", content)
	job.ImportID = "imp-2"
	second, err := h.p.Process(ctx, job, nil)
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeDuplicate, second.Outcome)
	assert.Equal(t, model.StatusUnallocated, second.Status)
	assert.Equal(t, model.ReasonDuplicate, second.Reason)
	assert.Equal(t, first.DocumentID, second.DocumentID)
	assert.Equal(t, filepath.Join(h.root, "unprocessed", "failed", today()), filepath.Dir(second.StoragePath))

	dups, err := h.st.ListContentByImport(ctx, "imp-2")
	require.NoError(t, err)
	require.Len(t, dups, 1)
	require.NotNil(t, dups[0].DuplicateOf)
	assert.Equal(t, first.FileID, *dups[0].DuplicateOf)

	events := h.notes.byType(notify.EventDuplicateDetected)
	require.Len(t, events, 1)
	assert.Equal(t, "imp-2", events[0].ImportID)
}

func TestProcess_UnmatchedCompany(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	out, err := h.p.Process(ctx, h.file(t, "stranger.pdf", invoiceText("INV-3001", "99999")), nil)
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeUnallocated, out.Outcome)
	assert.Equal(t, model.StatusUnallocated, out.Status)
	assert.Equal(t, model.ReasonUnallocated, out.Reason)
	assert.Empty(t, out.DocumentID)
	assert.Contains(t, out.Message, "99999")
	assert.Equal(t, filepath.Join(h.root, "unprocessed", "failed", today(), "stranger.pdf"), out.StoragePath)

	rec, err := h.st.GetContent(ctx, out.FileID)
	require.NoError(t, err)
	assert.Nil(t, rec.DocumentID)
	assert.Equal(t, model.StatusUnallocated, rec.Status)
}

func TestProcess_BusinessNumberDuplicate(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.p.Process(ctx, h.file(t, "one.pdf", invoiceText("INV-4001", "10042")), nil)
	require.NoError(t, err)

	other := invoiceText("INV-4001", "10042") + "\nReprinted copy"
	out, err := h.p.Process(ctx, h.file(t, "two.pdf", other), nil)
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeUnallocated, out.Outcome)
	assert.Equal(t, model.ReasonDuplicate, out.Reason)
	assert.Empty(t, out.DocumentID)
	assert.Contains(t, out.Message, "INV-4001 already exists")
	assert.Contains(t, filepath.ToSlash(out.StoragePath), "/unprocessed/failed/")
}

func TestProcess_OrphanIsReprocessed(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	content := invoiceText("INV-5001", "10042")

	first, err := h.p.Process(ctx, h.file(t, "orphan.pdf", content), nil)
	require.NoError(t, err)
	require.NoError(t, h.st.SoftDeleteDocument(ctx, first.DocumentID))

	job := h.file(t, "orphan.pdf", content)
	job.ImportID = "imp-2"
	again, err := h.p.Process(ctx, job, nil)
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeSucceeded, again.Outcome)
	assert.Equal(t, first.FileID, again.FileID, "record is reused")
	assert.NotEqual(t, first.DocumentID, again.DocumentID)
	assert.Equal(t, "orphan_1.pdf", filepath.Base(again.StoragePath))

	rec, err := h.st.GetContent(ctx, again.FileID)
	require.NoError(t, err)
	assert.Equal(t, "orphaned", rec.Metadata["dedup"])
}

func TestProcess_ResumedInSameImport(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	content := invoiceText("INV-5501", "10042")

	first, err := h.p.Process(ctx, h.file(t, "resume.pdf", content), nil)
	require.NoError(t, err)

	again, err := h.p.Process(ctx, h.file(t, "resume.pdf", content), nil)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeResumed, again.Outcome)
	assert.Equal(t, first.DocumentID, again.DocumentID)
	assert.Equal(t, first.StoragePath, again.StoragePath)
}

func TestProcess_NameCollision(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	a, err := h.p.Process(ctx, h.file(t, "invoice.pdf", invoiceText("INV-6001", "10042")), nil)
	require.NoError(t, err)
	b, err := h.p.Process(ctx, h.file(t, "invoice.pdf", invoiceText("INV-6002", "10042")), nil)
	require.NoError(t, err)

	assert.Equal(t, filepath.Dir(a.StoragePath), filepath.Dir(b.StoragePath))
	assert.Equal(t, "invoice.pdf", filepath.Base(a.StoragePath))
	assert.Equal(t, "invoice_1.pdf", filepath.Base(b.StoragePath))
}

func TestProcess_EarlyExit(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	out, err := h.p.Process(ctx, h.file(t, "blank.pdf", "INVOICE\nInvoice No: INV-7001\nTotal Due: 10.00"), nil)
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeUnallocated, out.Outcome)
	assert.Equal(t, model.ReasonParsingError, out.Reason)
	assert.Contains(t, out.Missing, model.FieldAccountNumber)
	assert.Contains(t, out.Message, "crucial fields missing")
	assert.Contains(t, filepath.ToSlash(out.StoragePath), "/unprocessed/failed/")

	rec, err := h.st.GetContent(ctx, out.FileID)
	require.NoError(t, err)
	assert.Equal(t, "true", rec.Fields["_earlyExit"])
	assert.Nil(t, rec.DocumentID)
}

func TestProcess_NoTemplateForWorkbook(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	out, err := h.p.Process(ctx, h.file(t, "sheet.xlsx", "INVOICE"), nil)
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeFailed, out.Outcome)
	assert.Equal(t, model.ReasonParsingError, out.Reason)
	require.NotEmpty(t, out.FileID)

	rec, err := h.st.GetContent(ctx, out.FileID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Equal(t, model.FormatExcel, rec.Format)
}

func TestProcess_UnreadableDocument(t *testing.T) {
	h := newHarness(t, Options{})

	out, err := h.p.Process(context.Background(), h.file(t, "bad.pdf", "CORRUPT bytes"), nil)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFailed, out.Outcome)
	assert.Equal(t, model.ReasonOther, out.Reason)
	assert.NotEmpty(t, out.FileID)
	assert.Contains(t, filepath.ToSlash(out.StoragePath), "/unprocessed/failed/")
}

func TestProcess_InputErrors(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	t.Run("missing file", func(t *testing.T) {
		out, err := h.p.Process(ctx, model.Job{FilePath: filepath.Join(h.incoming, "gone.pdf"), FileName: "gone.pdf"}, nil)
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeFailed, out.Outcome)
		assert.Empty(t, out.FileID)
		assert.Empty(t, out.StoragePath)
	})

	t.Run("unsupported type", func(t *testing.T) {
		out, err := h.p.Process(ctx, h.file(t, "notes.txt", "hello"), nil)
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeFailed, out.Outcome)
		assert.Empty(t, out.FileID)
		assert.Equal(t, filepath.Join(h.root, "unprocessed", "failed", today(), "notes.txt"), out.StoragePath)
	})
}

func TestProcess_RemoveSource(t *testing.T) {
	h := newHarness(t, Options{RemoveSource: true})
	job := h.file(t, "gone-after.pdf", invoiceText("INV-8001", "10042"))

	_, err := h.p.Process(context.Background(), job, nil)
	require.NoError(t, err)
	assert.NoFileExists(t, job.FilePath)
}

func TestProcess_CancelledKeepsSource(t *testing.T) {
	h := newHarness(t, Options{RemoveSource: true})
	job := h.file(t, "late.pdf", invoiceText("INV-8101", "10042"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.p.Process(ctx, job, nil)
	require.Error(t, err)
	assert.FileExists(t, job.FilePath)
}

func TestProcess_CancelledImportSkipsQueuedFiles(t *testing.T) {
	h := newHarness(t, Options{RemoveSource: true})
	ctx := context.Background()

	first := h.file(t, "q1.pdf", invoiceText("INV-8201", "10042"))
	first.ID, first.BatchSize = "job-1", 2
	second := h.file(t, "q2.pdf", invoiceText("INV-8202", "10042"))
	second.ID, second.BatchSize = "job-2", 2

	h.p.Recorder().Sessions().Start("imp-1", "u-1")
	require.True(t, h.p.Recorder().Sessions().Cancel("imp-1"))

	for _, job := range []model.Job{first, second} {
		out, err := h.p.Process(ctx, job, nil)
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeSkipped, out.Outcome)
		assert.Empty(t, out.DocumentID)
		assert.False(t, out.Result().Success)
		assert.NoFileExists(t, job.FilePath)
	}

	recs, err := h.st.ListContentByImport(ctx, "imp-1")
	require.NoError(t, err)
	assert.Empty(t, recs, "no file of a cancelled import is stored")

	sess, ok := h.p.Recorder().Sessions().Get("imp-1")
	require.True(t, ok)
	snap := sess.Snapshot()
	assert.Equal(t, 2, snap.Counters.Skipped)
	assert.True(t, snap.Finished)

	done := h.notes.byType(notify.EventBatchComplete)
	require.Len(t, done, 1)
	assert.Contains(t, done[0].Message, "cancelled")
}

// hookedStore lets a test step in front of SaveContent, standing in for a
// concurrent writer or a failing document insert.
type hookedStore struct {
	*store.SQLiteStore
	saveContent func(ctx context.Context, rec *model.ContentRecord, doc *model.BusinessDocument) error
}

func (s *hookedStore) SaveContent(ctx context.Context, rec *model.ContentRecord, doc *model.BusinessDocument) error {
	if s.saveContent != nil {
		return s.saveContent(ctx, rec, doc)
	}
	return s.SQLiteStore.SaveContent(ctx, rec, doc)
}

func (h *harness) useStore(st Store) {
	rec := NewRecorder(session.NewRegistry(), h.st, h.notes)
	h.p = New(Options{}, st, textOpener{}, model.NewFieldRegistry(model.DefaultFields()), storage.NewRouter(h.root), rec)
}

func TestProcess_ContentStoredConcurrentlyBecomesDuplicate(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	issue := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	winner := &model.ContentRecord{OriginalName: "winner.pdf", Status: model.StatusParsed}
	winnerDoc := &model.BusinessDocument{Type: model.DocInvoice, Number: "INV-6000", CompanyID: h.company.ID,
		FileRef: "winner.pdf", IssueDate: issue, RetentionStart: issue, RetentionExpiry: issue.AddDate(7, 0, 0)}

	hs := &hookedStore{SQLiteStore: h.st}
	raced := false
	hs.saveContent = func(ctx context.Context, rec *model.ContentRecord, doc *model.BusinessDocument) error {
		if !raced {
			raced = true
			winner.Hash = rec.Hash
			require.NoError(t, h.st.SaveContent(ctx, winner, winnerDoc))
		}
		return h.st.SaveContent(ctx, rec, doc)
	}
	h.useStore(hs)

	out, err := h.p.Process(ctx, h.file(t, "late.pdf", invoiceText("INV-6001", "10042")), nil)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDuplicate, out.Outcome)
	assert.Equal(t, model.ReasonDuplicate, out.Reason)
	assert.Equal(t, winnerDoc.ID, out.DocumentID)
	assert.FileExists(t, out.StoragePath)

	got, err := h.st.GetContent(ctx, winner.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DocumentID)
	assert.Equal(t, winnerDoc.ID, *got.DocumentID)
	assert.Equal(t, "winner.pdf", got.OriginalName)

	exists, err := h.st.BusinessNumberExists(ctx, model.DocInvoice, "INV-6001")
	require.NoError(t, err)
	assert.False(t, exists, "the late file must not attach a second document")

	dups, err := h.st.ListContentByImport(ctx, "imp-1")
	require.NoError(t, err)
	require.Len(t, dups, 1)
	require.NotNil(t, dups[0].DuplicateOf)
	assert.Equal(t, winner.ID, *dups[0].DuplicateOf)
}

func TestProcess_DocumentInsertFailureKeepsRecord(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	hs := &hookedStore{SQLiteStore: h.st}
	hs.saveContent = func(ctx context.Context, rec *model.ContentRecord, doc *model.BusinessDocument) error {
		if doc == nil {
			return h.st.SaveContent(ctx, rec, nil)
		}
		// The store commits the record and reports the detached document.
		rec.Metadata["document_error"] = "disk I/O error"
		return h.st.SaveContent(ctx, rec, nil)
	}
	h.useStore(hs)

	out, err := h.p.Process(ctx, h.file(t, "inv.pdf", invoiceText("INV-7001", "10042")), nil)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeUnallocated, out.Outcome)
	assert.Empty(t, out.DocumentID)
	assert.Contains(t, out.Message, "business document could not be created")
	assert.FileExists(t, out.StoragePath)

	rec, err := h.st.GetContent(ctx, out.FileID)
	require.NoError(t, err)
	assert.Nil(t, rec.DocumentID)
	assert.Equal(t, "disk I/O error", rec.Metadata["document_error"])
}

func TestBatch_Counts(t *testing.T) {
	h := newHarness(t, Options{})
	jobs := []model.Job{
		h.file(t, "b1.pdf", invoiceText("INV-9001", "10042")),
		h.file(t, "b2.pdf", invoiceText("INV-9002", "99999")),
		h.file(t, "b3.pdf", "CORRUPT"),
		h.file(t, "b4.pdf", invoiceText("INV-9003", "10042")),
	}

	snap := h.p.Batch(context.Background(), "imp-batch", "u-9", jobs, 2)

	assert.True(t, snap.Finished)
	assert.Equal(t, 100, snap.Percent)
	assert.Equal(t, session.Counters{
		Total: 4, Processed: 4, Succeeded: 2, Unallocated: 1, Failed: 1,
	}, snap.Counters)
	assert.Len(t, snap.Outcomes, 4)

	done := h.notes.byType(notify.EventBatchComplete)
	require.Len(t, done, 1)
	assert.Equal(t, "imp-batch", done[0].ImportID)
	assert.Equal(t, "u-9", done[0].UserID)
}

func TestBatch_CancelledSkipsRemaining(t *testing.T) {
	h := newHarness(t, Options{RemoveSource: true})
	jobs := []model.Job{
		h.file(t, "c1.pdf", invoiceText("INV-9101", "10042")),
		h.file(t, "c2.pdf", invoiceText("INV-9102", "10042")),
		h.file(t, "c3.pdf", invoiceText("INV-9103", "10042")),
	}

	h.p.Recorder().Sessions().Start("imp-cancel", "u-1").Cancel()
	snap := h.p.Batch(context.Background(), "imp-cancel", "u-1", jobs, 1)

	assert.True(t, snap.Cancelled)
	assert.Equal(t, 3, snap.Counters.Skipped)
	assert.Equal(t, 0, snap.Counters.Processed)
	for _, j := range jobs {
		assert.NoFileExists(t, j.FilePath)
	}

	done := h.notes.byType(notify.EventBatchComplete)
	require.Len(t, done, 1)
	assert.Contains(t, done[0].Message, "cancelled")
}

func TestDescribe(t *testing.T) {
	h := newHarness(t, Options{})
	out, err := h.p.Process(context.Background(), h.file(t, "review.pdf",
		"TAX INVOICE\nInvoice No: INV-9901\nInvoice Date: 04/03/2024\nAccount No: 10042\nTotal Due: 50.00"), nil)
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeSucceeded, out.Outcome)
	assert.True(t, out.Review)
	assert.True(t, strings.HasPrefix(out.Message, "parsed, needs review: "))
	assert.Contains(t, out.Missing, model.FieldPurchaseOrder)
}
