package main

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/reframe/internal/cache"
	"github.com/kiranshivaraju/reframe/internal/config"
	"github.com/kiranshivaraju/reframe/pkg/models"
)

// sqliteEnv points the configuration at a throwaway SQLite database and
// leaves Redis unset so the in-process queue is used.
func sqliteEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", filepath.Join(dir, "reframe.db"))
	t.Setenv("STORAGE_ROOT", filepath.Join(dir, "data"))
	t.Setenv("REDIS_URL", "")
	t.Setenv("REFRAME_PIPELINE_CONFIG", "")
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionSkipsConfig(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "oracle")

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "reframe dev\n", out)
}

func TestInvalidConfigFailsCommand(t *testing.T) {
	sqliteEnv(t)
	t.Setenv("DATABASE_DRIVER", "oracle")

	_, err := execute(t, "migrate", "--status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_DRIVER")
}

func TestMigrateCommand(t *testing.T) {
	sqliteEnv(t)

	out, err := execute(t, "migrate", "--status")
	require.NoError(t, err)
	assert.Equal(t, "sqlite schema version 0 (clean)\n", out)

	out, err = execute(t, "migrate")
	require.NoError(t, err)
	assert.Equal(t, "sqlite schema version 1 (clean)\n", out)
}

func TestPipelineConfigFlag(t *testing.T) {
	dir := sqliteEnv(t)
	path := filepath.Join(dir, "pipeline.toml")
	require.NoError(t, os.WriteFile(path, []byte("[encoder]\npreset = \"nope\"\n"), 0o644))

	_, err := execute(t, "--pipeline-config", path, "migrate", "--status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENCODER_PRESET")
}

func TestJobsListCommand_Empty(t *testing.T) {
	sqliteEnv(t)

	out, err := execute(t, "jobs", "list")
	require.NoError(t, err)
	assert.Equal(t, "No jobs found\n", out)

	_, err = execute(t, "jobs", "list", "--status", "bogus")
	assert.ErrorContains(t, err, "unknown status")
}

func TestJobsShowCommand_BadID(t *testing.T) {
	sqliteEnv(t)
	_, err := execute(t, "jobs", "show", "not-a-uuid")
	assert.ErrorContains(t, err, "invalid job id")
}

func uploadRequest(t *testing.T, name string, body []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(body)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestServeRouter_UploadThenStatus(t *testing.T) {
	sqliteEnv(t)
	cfg, err := config.Load()
	require.NoError(t, err)

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	require.True(t, a.inProcessQueue())

	router := newRouter(a, cache.NewMemoryCache())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "clip.mp4", []byte("not really a video")))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))

	var submitted struct {
		Data struct {
			JobID  uuid.UUID `json:"job_id"`
			Status string    `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	assert.Equal(t, "queued", submitted.Data.Status)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+submitted.Data.JobID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var status struct {
		Data struct {
			JobID  uuid.UUID `json:"job_id"`
			Status string    `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, submitted.Data.JobID, status.Data.JobID)
	assert.Equal(t, models.JobStatusPending, status.Data.Status)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "notes.txt", []byte("hello")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNewProcessor_RequiresCascade(t *testing.T) {
	sqliteEnv(t)
	t.Setenv("FACE_CASCADE_PATH", "")
	cfg, err := config.Load()
	require.NoError(t, err)

	_, err = newProcessor(cfg, nil)
	assert.ErrorContains(t, err, "FACE_CASCADE_PATH")
}

func TestPipelineConfigMapping(t *testing.T) {
	p := config.DefaultPipeline()
	p.Analysis.GroupSubjects = true

	got := pipelineConfig(p)
	assert.Equal(t, p.Scene.MinFrames, got.Scene.MinSceneFrames)
	assert.Equal(t, p.Reframe.MinCropRatio, got.Reframe.MinCropHeightRatio)
	assert.True(t, got.Analysis.GroupSubjects)
	assert.Equal(t, p.DetectWidth, got.DetectWidth)
}

func TestRenderJobsTable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	output := filepath.Join(dir, "out.mp4")
	require.NoError(t, os.WriteFile(output, make([]byte, 2048), 0o644))

	jobs := []*models.Job{
		{
			ID:        uuid.New(),
			State:     models.Completed{Result: models.Result{OutputPath: output}},
			CreatedAt: now.Add(-2 * time.Hour),
		},
		{
			ID:        uuid.New(),
			State:     models.Processing{Progress: models.Progress{Step: models.StepFrameProcessing, Percent: 50}},
			CreatedAt: now.Add(-time.Minute),
		},
		{
			ID:        uuid.New(),
			State:     models.Failed{Error: "media probe: input missing"},
			CreatedAt: now,
		},
		{
			ID:        uuid.New(),
			State:     models.Completed{Result: models.Result{OutputPath: filepath.Join(dir, "gone.mp4")}},
			CreatedAt: now,
		},
	}

	table := renderJobsTable(jobs, now, false)
	for _, job := range jobs {
		assert.Contains(t, table, job.ID.String())
	}
	assert.Contains(t, table, "2.0 KiB")
	assert.Contains(t, table, "100%")
	assert.Contains(t, table, "50%")
	assert.Contains(t, table, "2 hours ago")
	assert.Contains(t, table, "media probe: input missing")
	assert.Contains(t, table, "missing")
	assert.NotContains(t, table, "\x1b[")
}

func TestStatusText(t *testing.T) {
	assert.Equal(t, "failed", statusText(models.JobStatusFailed, false))
	colored := statusText(models.JobStatusFailed, true)
	assert.True(t, strings.HasPrefix(colored, "\x1b["))
	assert.Contains(t, colored, "failed")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
