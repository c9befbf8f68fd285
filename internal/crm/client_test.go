package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stefanvoss/taskbridge/internal/model"
)

func envelopeOK(data interface{}) []byte {
	raw, _ := json.Marshal(data)
	out, _ := json.Marshal(map[string]interface{}{
		"success": true,
		"data":    json.RawMessage(raw),
	})
	return out
}

func TestListTasksChangedSince(t *testing.T) {
	var gotPath, gotToken, gotSince string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.URL.Query().Get("api_token")
		gotSince = r.URL.Query().Get("updated_since")
		_, _ = w.Write(envelopeOK([]map[string]interface{}{
			{
				"id": 501, "subject": "Call Jane", "type": "call",
				"person_id": 7, "person_name": "Jane Doe", "deal_id": 42,
				"due_date": "2026-03-05", "update_time": "2026-03-01T12:00:00Z",
			},
		}))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", 0)
	tasks, err := c.ListTasksChangedSince(context.Background(),
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, "/activities", gotPath)
	assert.Equal(t, "secret", gotToken)
	assert.Equal(t, "2026-03-01T00:00:00Z", gotSince)

	require.Len(t, tasks, 1)
	assert.Equal(t, int64(501), tasks[0].ID)
	assert.Equal(t, "Call Jane", tasks[0].Title)
	assert.Equal(t, "Jane Doe", tasks[0].PersonName)
	assert.True(t, tasks[0].UpdatedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
}

func TestListTasksChangedSince_ZeroSinceOmitsParam(t *testing.T) {
	var hasSince bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hasSince = r.URL.Query().Has("updated_since")
		_, _ = w.Write(envelopeOK([]map[string]interface{}{}))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", 0)
	_, err := c.ListTasksChangedSince(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.False(t, hasSince, "first poll must request the full window")
}

func TestCreateTask(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write(envelopeOK(map[string]interface{}{
			"id": 777, "subject": gotBody["subject"], "update_time": "2026-03-01T12:00:00Z",
		}))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", 0)
	task, err := c.CreateTask(context.Background(), 7, model.NewCRMTask{
		Title: "Follow up", Type: "task", DueDate: "2026-03-10", DealID: 42,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(777), task.ID)
	assert.Equal(t, "Follow up", gotBody["subject"])
	assert.Equal(t, float64(7), gotBody["person_id"])
	assert.Equal(t, float64(42), gotBody["deal_id"])
	assert.Equal(t, "2026-03-10", gotBody["due_date"])
}

func TestUpdateTask_EmptyPatchSkipsRequest(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", 0)
	require.NoError(t, c.UpdateTask(context.Background(), 501, model.CRMTaskPatch{}))
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestCompleteAndReopenTask(t *testing.T) {
	var bodies []map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		_, _ = w.Write(envelopeOK(map[string]interface{}{"id": 501}))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", 0)
	require.NoError(t, c.CompleteTask(context.Background(), 501))
	require.NoError(t, c.ReopenTask(context.Background(), 501))

	require.Len(t, bodies, 2)
	assert.Equal(t, true, bodies[0]["done"])
	assert.Equal(t, false, bodies[1]["done"])
}

func TestGetDeal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/deals/42", r.URL.Path)
		_, _ = w.Write(envelopeOK(map[string]interface{}{
			"id": 42, "pipeline_id": 1, "stage_id": 10, "person_id": 7, "title": "Acme renewal",
		}))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", 0)
	deal, err := c.GetDeal(context.Background(), 42)
	require.NoError(t, err)

	assert.Equal(t, int64(1), deal.PipelineID)
	assert.Equal(t, int64(10), deal.StageID)
	assert.Equal(t, "Acme renewal", deal.Title)
	assert.False(t, deal.FetchedAt.IsZero())
}

func TestDo_RetriesTransientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write(envelopeOK(map[string]interface{}{"id": 501}))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", 0)
	_, err := c.GetTask(context.Background(), 501)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDo_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", 0)
	_, err := c.GetTask(context.Background(), 999)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDo_APIRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success": false, "error": "scope insufficient"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", 0)
	_, err := c.GetTask(context.Background(), 501)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scope insufficient")
}
