package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/harvestlab/qacrawl/internal/crawl"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestCreateTaskInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	task := crawl.Task{
		ID:           "task-1",
		Spec:         crawl.TaskSpec{Keywords: []string{"rice", "cooker"}, MaxPages: 100},
		Status:       crawl.TaskStatusPending,
		SearchStatus: crawl.StagePending,
		QAStatus:     crawl.StagePending,
		Submitted:    now,
		Updated:      now,
	}

	mock.ExpectExec("INSERT INTO tasks").
		WithArgs(
			task.ID,
			task.Spec.Keywords,
			task.Spec.DateFrom,
			task.Spec.DateTo,
			task.Spec.MaxPages,
			task.Spec.HeavyPath,
			"pending",
			"pending",
			"pending",
			"",
			"",
			now,
			now,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateTask(context.Background(), task))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTask_NotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM tasks").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err := store.GetTask(context.Background(), "missing")
	require.ErrorIs(t, err, crawl.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkTargetProcessed_CompareAndSet(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	// first flip wins
	mock.ExpectExec("UPDATE targets SET processed").
		WithArgs("task-1", "q1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.MarkTargetProcessed(context.Background(), "task-1", "q1"))

	// second flip loses and is told why
	mock.ExpectExec("UPDATE targets SET processed").
		WithArgs("task-1", "q1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT processed FROM targets").
		WithArgs("task-1", "q1").
		WillReturnRows(pgxmock.NewRows([]string{"processed"}).AddRow(true))
	require.ErrorIs(t,
		store.MarkTargetProcessed(context.Background(), "task-1", "q1"),
		crawl.ErrAlreadyProcessed)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkTargetProcessed_Missing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE targets SET processed").
		WithArgs("task-1", "gone").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT processed FROM targets").
		WithArgs("task-1", "gone").
		WillReturnRows(pgxmock.NewRows([]string{"processed"}))

	require.ErrorIs(t,
		store.MarkTargetProcessed(context.Background(), "task-1", "gone"),
		crawl.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertItems_CountsChangedRowsOnly(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	items := []crawl.Item{
		{TaskID: "task-1", ID: "a1", TargetID: "q1", Content: "one", Hash: "h1"},
		{TaskID: "task-1", ID: "a2", TargetID: "q1", Content: "two", Hash: "h2"},
	}

	// a1 is new, a2 replays unchanged
	mock.ExpectExec("INSERT INTO items").
		WithArgs("task-1", "a1", "q1", "", "one", 0, 0, time.Time{}, "h1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO items").
		WithArgs("task-1", "a2", "q1", "", "two", 0, 0, time.Time{}, "h2").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	n, err := store.UpsertItems(context.Background(), items)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTargetCursor_NotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE targets SET cursor").
		WithArgs("cur-1", "task-1", "gone").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.ErrorIs(t,
		store.UpdateTargetCursor(context.Background(), "task-1", "gone", "cur-1"),
		crawl.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskProgress(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("task-1").
		WillReturnRows(pgxmock.NewRows([]string{"total", "processed", "failed"}).AddRow(3, 2, 1))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("task-1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(25))

	progress, err := store.TaskProgress(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, crawl.TaskProgress{
		TargetsTotal:     3,
		TargetsProcessed: 2,
		TargetsFailed:    1,
		ItemsTotal:       25,
	}, progress)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUnprocessedTargets_ScansRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	discovered := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{
		"task_id", "id", "title", "expected_items", "cursor", "processed",
		"soft_blocks", "retries", "failed", "escalated", "last_error", "discovered_at",
	}).
		AddRow("task-1", "q1", "first", 10, "cur-1", false, 1, 0, false, false, "", discovered).
		AddRow("task-1", "q2", "second", 5, "", false, 0, 0, false, false, "", discovered)

	mock.ExpectQuery("SELECT (.+) FROM targets").
		WithArgs("task-1").
		WillReturnRows(rows)

	targets, err := store.UnprocessedTargets(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, targets, 2)
	require.Equal(t, "q1", targets[0].ID)
	require.Equal(t, "cur-1", targets[0].Cursor)
	require.Equal(t, 1, targets[0].SoftBlocks)
	require.NoError(t, mock.ExpectationsWereMet())
}
