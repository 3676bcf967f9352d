package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mdimg-client/internal/convert"
	"github.com/JakeFAU/mdimg-client/internal/store"
)

var historyColumns = []string{
	"id", "task_id", "client_id", "kind", "source", "started_at", "finished_at", "status",
	"current", "total", "items_succeeded", "items_failed", "download_url", "artifact_uri", "error_message",
}

func newMockStore(t *testing.T) (*HistoryStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	hs, err := NewHistoryStoreWithPool(mock, "")
	require.NoError(t, err)
	return hs, mock
}

func TestNewHistoryStoreWithPoolValidates(t *testing.T) {
	t.Parallel()

	_, err := NewHistoryStoreWithPool(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewHistoryStoreWithPool(mock, "runs; DROP TABLE x")
	require.ErrorContains(t, err, "invalid table name")
}

func TestRecordStartInsertsRow(t *testing.T) {
	t.Parallel()

	hs, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	run := store.JobRun{
		ID:        uuid.New(),
		TaskID:    "42",
		ClientID:  "client-1",
		Kind:      convert.KindFileUpload,
		Source:    "doc.md",
		StartedAt: now,
	}

	mock.ExpectExec("INSERT INTO job_history").
		WithArgs(run.ID.String(), "42", "client-1", "file_upload", "doc.md", now, "running").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, hs.RecordStart(context.Background(), run))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProgressUnknownRun(t *testing.T) {
	t.Parallel()

	hs, mock := newMockStore(t)
	id := uuid.New()
	delta := store.ProgressDelta{Current: 2, Total: 5, HasProgress: true, Items: convert.JobCounters{ItemsSucceeded: 2}}

	mock.ExpectExec("UPDATE job_history SET").
		WithArgs(true, 2, 5, 2, 0, id.String()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE job_history SET").
		WithArgs(true, 2, 5, 2, 0, id.String()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, hs.UpdateProgress(context.Background(), id, delta))
	require.ErrorIs(t, hs.UpdateProgress(context.Background(), id, delta), store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteWrapsErrors(t *testing.T) {
	t.Parallel()

	hs, mock := newMockStore(t)
	id := uuid.New()
	now := time.Unix(1700000100, 0).UTC()
	msg := "connection lost"

	mock.ExpectExec("UPDATE job_history SET").
		WithArgs(now, "failed", 1, 2, "", "", &msg, id.String()).
		WillReturnError(errors.New("conn reset"))

	err := hs.Complete(context.Background(), id, store.Completion{
		FinishedAt:   now,
		Status:       convert.JobStatusFailed,
		Counters:     convert.JobCounters{ItemsSucceeded: 1, ItemsFailed: 2},
		ErrorMessage: &msg,
	})
	require.ErrorContains(t, err, "complete job: conn reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobScansRow(t *testing.T) {
	t.Parallel()

	hs, mock := newMockStore(t)
	id := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)

	mock.ExpectQuery("(?s)SELECT (.+) FROM job_history WHERE id").
		WithArgs(id.String()).
		WillReturnRows(mock.NewRows(historyColumns).AddRow(
			id.String(), "42", "client-1", "url_convert", "https://example.com/a.md",
			started, &finished, "succeeded", 3, 3, 3, 0, "/api/download/a.md", "gs://b/a.md", (*string)(nil),
		))

	run, err := hs.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, id, run.ID)
	require.Equal(t, convert.KindURLConvert, run.Kind)
	require.Equal(t, convert.JobStatusSucceeded, run.Status)
	require.Equal(t, finished, *run.FinishedAt)
	require.Equal(t, 3, run.Counters.ItemsSucceeded)
	require.Nil(t, run.ErrorMessage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	hs, mock := newMockStore(t)
	id := uuid.New()
	mock.ExpectQuery("(?s)SELECT (.+) FROM job_history WHERE id").
		WithArgs(id.String()).
		WillReturnRows(mock.NewRows(historyColumns))

	_, err := hs.GetJob(context.Background(), id)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListJobsFiltersByStatus(t *testing.T) {
	t.Parallel()

	hs, mock := newMockStore(t)
	started := time.Unix(1700000000, 0).UTC()
	running := convert.JobStatusRunning
	want := string(running)
	rows := mock.NewRows(historyColumns)
	for i := 0; i < 2; i++ {
		rows.AddRow(uuid.NewString(), "", "client-1", "file_upload", "doc.md",
			started, (*time.Time)(nil), "running", 0, 0, 0, 0, "", "", (*string)(nil))
	}

	mock.ExpectQuery("ORDER BY started_at DESC").
		WithArgs(&want, 10, 0).
		WillReturnRows(rows)
	mock.ExpectQuery("ORDER BY started_at DESC").
		WithArgs(pgxmock.AnyArg(), 50, 5).
		WillReturnRows(mock.NewRows(historyColumns))

	runs, err := hs.ListJobs(context.Background(), &running, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Nil(t, runs[0].FinishedAt)

	empty, err := hs.ListJobs(context.Background(), nil, 0, 5)
	require.NoError(t, err)
	require.Empty(t, empty)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	hs, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS job_history").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, hs.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
