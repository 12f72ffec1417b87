package response_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiranshivaraju/jobcore/internal/api/response"
	"github.com/kiranshivaraju/jobcore/internal/taxonomy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	response.JSON(w, map[string]string{"name": "test"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data := body["data"].(map[string]any)
	assert.Equal(t, "test", data["name"])
}

func TestCreated(t *testing.T) {
	w := httptest.NewRecorder()
	response.Created(w, map[string]string{"id": "abc"})
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestAccepted(t *testing.T) {
	w := httptest.NewRecorder()
	response.Accepted(w, map[string]string{"task_id": "t1"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data := body["data"].(map[string]any)
	assert.Equal(t, "t1", data["task_id"])
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	response.Error(w, taxonomy.New(taxonomy.TaskNotFound, "trace-1", language.English))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "TASK_NOT_FOUND", w.Header().Get("X-Error-Code"))
	assert.Empty(t, w.Header().Get("Retry-After"))

	var body taxonomy.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "TASK_NOT_FOUND", body.ErrorCode)
	assert.Equal(t, "trace-1", body.TraceID)
	assert.NotEmpty(t, body.UserTitle)
	assert.NotEmpty(t, body.UserMessage)
}

func TestError_RetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	resp := taxonomy.New(taxonomy.DailyLimitExceeded, "trace-2", language.English).WithRetryAfter(3600)
	response.Error(w, resp)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "3600", w.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.EqualValues(t, 3600, body["retry_after_seconds"])
}
