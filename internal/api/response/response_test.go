package response_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/reframe/internal/api/response"
)

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	response.JSON(w, map[string]string{"status": "healthy"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, "healthy", data["status"])
}

func TestAccepted(t *testing.T) {
	w := httptest.NewRecorder()
	response.Accepted(w, map[string]string{"job_id": "j1", "status": "queued"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, "j1", data["job_id"])
	assert.Equal(t, "queued", data["status"])
}

func TestCollection(t *testing.T) {
	w := httptest.NewRecorder()
	items := []map[string]string{{"job_id": "1"}, {"job_id": "2"}}
	response.Collection(w, items, response.NewPaginationMeta(1, 20, 50))

	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Len(t, body["data"].([]any), 2)

	m := body["meta"].(map[string]any)
	assert.Equal(t, float64(1), m["page"])
	assert.Equal(t, float64(20), m["limit"])
	assert.Equal(t, float64(50), m["total"])
	assert.Equal(t, true, m["has_next"])
}

func TestNewPaginationMeta(t *testing.T) {
	assert.True(t, response.NewPaginationMeta(1, 20, 21).HasNext)
	assert.False(t, response.NewPaginationMeta(2, 20, 40).HasNext)
	assert.False(t, response.NewPaginationMeta(1, 20, 0).HasNext)
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	response.Error(w, http.StatusConflict, "JOB_NOT_COMPLETE", "Job not complete", map[string]string{
		"status": "processing",
	})

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	errObj := decode(t, w)["error"].(map[string]any)
	assert.Equal(t, "JOB_NOT_COMPLETE", errObj["code"])
	assert.Equal(t, "Job not complete", errObj["message"])
	assert.Equal(t, "processing", errObj["details"].(map[string]any)["status"])
}

func TestError_NoDetails(t *testing.T) {
	w := httptest.NewRecorder()
	response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	errObj := decode(t, w)["error"].(map[string]any)
	assert.Equal(t, "JOB_NOT_FOUND", errObj["code"])
	_, hasDetails := errObj["details"]
	assert.False(t, hasDetails)
}
