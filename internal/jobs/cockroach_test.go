package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nexus-agent/corectl/pkg/models"
)

func newMockStore(t *testing.T) (*CockroachStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &CockroachStore{db: db}, mock
}

func sampleJob() *Job {
	return &Job{
		ID:         "job-1",
		ToolName:   "exec",
		ToolCallID: "tc-1",
		Status:     StatusQueued,
		CreatedAt:  time.Now(),
	}
}

func TestCockroachStoreCreate(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO tool_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Create(context.Background(), sampleJob()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}

	// Nil jobs are a no-op, not a query.
	if err := store.Create(context.Background(), nil); err != nil {
		t.Errorf("Create(nil): %v", err)
	}
}

func TestCockroachStoreUpdate(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE tool_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	job := sampleJob()
	job.Status = StatusSucceeded
	job.FinishedAt = time.Now()
	job.Result = &models.ToolResult{ToolCallID: "tc-1", Content: "done"}

	if err := store.Update(context.Background(), job); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func jobColumns() []string {
	return []string{"id", "tool_name", "tool_call_id", "status", "created_at", "started_at", "finished_at", "result", "error_message"}
}

func TestCockroachStoreGet(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Now()
	rows := sqlmock.NewRows(jobColumns()).
		AddRow("job-1", "exec", "tc-1", "succeeded", created, created, created,
			[]byte(`{"tool_call_id":"tc-1","content":"done"}`), nil)
	mock.ExpectQuery("SELECT (.+) FROM tool_jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(rows)

	job, err := store.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job == nil || job.Status != StatusSucceeded {
		t.Fatalf("job = %+v", job)
	}
	if job.Result == nil || job.Result.Content != "done" {
		t.Errorf("result = %+v", job.Result)
	}
}

func TestCockroachStoreGetMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM tool_jobs WHERE id").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(jobColumns()))

	job, err := store.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job != nil {
		t.Errorf("expected nil for missing job, got %+v", job)
	}

	// An empty id never touches the database.
	if job, err := store.Get(context.Background(), ""); err != nil || job != nil {
		t.Errorf("Get(\"\") = %+v, %v", job, err)
	}
}

func TestCockroachStoreList(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Now()
	rows := sqlmock.NewRows(jobColumns()).
		AddRow("job-2", "read", "tc-2", "queued", created, nil, nil, nil, nil).
		AddRow("job-1", "exec", "tc-1", "failed", created, created, created, nil, "boom")
	mock.ExpectQuery("SELECT (.+) FROM tool_jobs").
		WithArgs(10).
		WillReturnRows(rows)

	jobs, err := store.List(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs", len(jobs))
	}
	if jobs[1].Error != "boom" || jobs[1].Status != StatusFailed {
		t.Errorf("jobs[1] = %+v", jobs[1])
	}
	if !jobs[0].StartedAt.IsZero() {
		t.Errorf("null started_at should stay zero, got %v", jobs[0].StartedAt)
	}
}
