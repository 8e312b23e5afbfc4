package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harvestlab/qacrawl/internal/clock/system"
	"github.com/harvestlab/qacrawl/internal/crawl"
	iduuid "github.com/harvestlab/qacrawl/internal/id/uuid"
	"github.com/harvestlab/qacrawl/internal/orchestrator"
	"github.com/harvestlab/qacrawl/internal/session"
	"github.com/harvestlab/qacrawl/internal/storage/memory"
)

type fakeRunner struct {
	mu    sync.Mutex
	runs  []string
	block chan struct{}
}

func (f *fakeRunner) RunTask(ctx context.Context, taskID string) error {
	f.mu.Lock()
	f.runs = append(f.runs, taskID)
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	return nil
}

func (f *fakeRunner) Runs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.runs...)
}

type fakePool struct{}

func (fakePool) Stats() session.Stats {
	return session.Stats{Active: 2, Degraded: 1, AvgScore: 0.9}
}

type importPool struct {
	fakePool
	mu    sync.Mutex
	added []crawl.Credential
}

func (p *importPool) Add(_ context.Context, cred crawl.Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.added = append(p.added, cred)
}

func (p *importPool) Added() []crawl.Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]crawl.Credential(nil), p.added...)
}

func newTestServer(t *testing.T, runner TaskRunner) (*Server, *memory.Store, *orchestrator.Orchestrator) {
	t.Helper()
	store := memory.New()
	orch := orchestrator.New(store, iduuid.New(), system.New(), nil, zap.NewNop(), orchestrator.Config{})
	return NewServer(orch, runner, fakePool{}, zap.NewNop()), store, orch
}

func submitTask(t *testing.T, srv *Server, keywords []string) string {
	t.Helper()
	body, err := json.Marshal(crawl.TaskSpec{Keywords: keywords})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["task_id"])
	return resp["task_id"]
}

func TestSubmitTask_StartsRun(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	srv, _, _ := newTestServer(t, runner)

	taskID := submitTask(t, srv, []string{"rice", "price"})

	require.Eventually(t, func() bool {
		runs := runner.Runs()
		return len(runs) == 1 && runs[0] == taskID
	}, time.Second, 10*time.Millisecond)
}

func TestSubmitTask_RejectsEmptyKeywords(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, &fakeRunner{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewReader([]byte(`{}`))))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetProgress_IncludesPoolStats(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, &fakeRunner{})
	taskID := submitTask(t, srv, []string{"rice"})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tasks/"+taskID+"/progress", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		TaskID         string             `json:"task_id"`
		Status         string             `json:"status"`
		Progress       crawl.TaskProgress `json:"progress"`
		CredentialPool session.Stats      `json:"credential_pool"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, taskID, resp.TaskID)
	require.Equal(t, 2, resp.CredentialPool.Active)
}

func TestGetProgress_UnknownTask(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, &fakeRunner{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tasks/nope/progress", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelThenResume(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{block: make(chan struct{})}
	t.Cleanup(func() { close(runner.block) })
	srv, _, orch := newTestServer(t, runner)
	taskID := submitTask(t, srv, []string{"rice"})

	// the fake runner never drives stages, so mark the task running directly
	_, err := orch.BeginStage(context.Background(), taskID, crawl.StageSearch)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/tasks/"+taskID+"/cancel", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var cancelResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cancelResp))
	require.Equal(t, string(crawl.TaskStatusPaused), cancelResp["status"])

	// the canceled run must drain before a resume may relaunch
	require.NoError(t, srv.Shutdown(context.Background()))

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/tasks/"+taskID+"/resume", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		return len(runner.Runs()) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestResume_RejectsCompletedTask(t *testing.T) {
	t.Parallel()

	srv, store, orch := newTestServer(t, &fakeRunner{})
	taskID := submitTask(t, srv, []string{"rice"})

	for _, stage := range []crawl.Stage{crawl.StageSearch, crawl.StageQA} {
		_, err := orch.BeginStage(context.Background(), taskID, stage)
		require.NoError(t, err)
		_, err = orch.CompleteStage(context.Background(), taskID, stage)
		require.NoError(t, err)
	}
	task, err := store.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, crawl.TaskStatusCompleted, task.Status)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/tasks/"+taskID+"/resume", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestImportCredential(t *testing.T) {
	t.Parallel()

	store := memory.New()
	orch := orchestrator.New(store, iduuid.New(), system.New(), nil, zap.NewNop(), orchestrator.Config{})
	pool := &importPool{}
	srv := NewServer(orch, &fakeRunner{}, pool, zap.NewNop())

	rec := httptest.NewRecorder()
	body := []byte(`{"token":"z_c0=abc; d_c0=def"}`)
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/credentials", bytes.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	added := pool.Added()
	require.Len(t, added, 1)
	require.Equal(t, "z_c0=abc; d_c0=def", added[0].Token)
}

func TestImportCredential_RejectsEmptyToken(t *testing.T) {
	t.Parallel()

	store := memory.New()
	orch := orchestrator.New(store, iduuid.New(), system.New(), nil, zap.NewNop(), orchestrator.Config{})
	srv := NewServer(orch, &fakeRunner{}, &importPool{}, zap.NewNop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/credentials", bytes.NewReader([]byte(`{}`))))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImportCredential_PoolWithoutImport(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, &fakeRunner{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/credentials", bytes.NewReader([]byte(`{"token":"x"}`))))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, nil)
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}
