package devremote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekay/nekaysync/internal/models"
	"github.com/nekay/nekaysync/internal/remote"
)

func setupServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := New()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func putDoc(t *testing.T, ts *httptest.Server, kind models.Kind, rec *models.Record) {
	t.Helper()
	b, err := json.Marshal(rec)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut,
		fmt.Sprintf("%s/v1/%s/%s", ts.URL, kind, rec.ID), bytes.NewReader(b))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestServer_HealthAndUnknownCollection(t *testing.T) {
	_, ts := setupServer(t)

	resp, err := http.Head(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/v1/bogus")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_PutGetDelete(t *testing.T) {
	s, ts := setupServer(t)

	rec := &models.Record{ID: "t1", Status: models.StatusSynced, LastModified: 100, CreatedAt: 100}
	putDoc(t, ts, models.KindTask, rec)

	stored, ok := s.Get(models.KindTask, "t1")
	require.True(t, ok)
	assert.Equal(t, models.KindTask, stored.Kind)
	assert.Equal(t, int64(100), stored.LastModified)

	resp, err := http.Get(ts.URL + "/v1/tasks/t1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got models.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "t1", got.ID)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/tasks/t1", nil)
	require.NoError(t, err)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp2.StatusCode)
	assert.Equal(t, 0, s.Count(models.KindTask))

	// Deleting again stays a no-op.
	resp3, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp3.StatusCode)
}

func TestServer_GetMissingReturns404(t *testing.T) {
	_, ts := setupServer(t)
	resp, err := http.Get(ts.URL + "/v1/tasks/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_BatchIsAtomic(t *testing.T) {
	s, ts := setupServer(t)

	body := `{"records":[{"id":"a","lastModified":1},{"id":"","lastModified":2}]}`
	resp, err := http.Post(ts.URL+"/v1/tasks/batch", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, s.Count(models.KindTask), "a rejected batch must commit nothing")

	body = `{"records":[{"id":"a","lastModified":1},{"id":"b","lastModified":2}]}`
	resp, err = http.Post(ts.URL+"/v1/tasks/batch", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 2, s.Count(models.KindTask))
}

func TestServer_ChangedSinceOrderedAndExclusive(t *testing.T) {
	_, ts := setupServer(t)

	putDoc(t, ts, models.KindTask, &models.Record{ID: "a", LastModified: 10})
	putDoc(t, ts, models.KindTask, &models.Record{ID: "b", LastModified: 30})
	putDoc(t, ts, models.KindTask, &models.Record{ID: "c", LastModified: 20})

	resp, err := http.Get(ts.URL + "/v1/tasks?changedSince=10")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Records []*models.Record `json:"records"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Records, 2, "changedSince is strictly greater-than")
	assert.Equal(t, "c", list.Records[0].ID)
	assert.Equal(t, "b", list.Records[1].ID)
}

func TestServer_WatchStreamsDeltas(t *testing.T) {
	_, ts := setupServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/watch?collection=tasks"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	putDoc(t, ts, models.KindTask, &models.Record{ID: "w1", LastModified: 1})
	putDoc(t, ts, models.KindTask, &models.Record{ID: "w1", LastModified: 2})
	// A different collection must not reach this subscriber.
	putDoc(t, ts, models.KindNote, &models.Record{ID: "n1", LastModified: 3})

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/tasks/w1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	read := func() remote.Delta {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var d remote.Delta
		require.NoError(t, conn.ReadJSON(&d))
		return d
	}

	d := read()
	assert.Equal(t, remote.DeltaAdded, d.Type)
	assert.Equal(t, "w1", d.ID)
	require.NotNil(t, d.Record)
	assert.Equal(t, int64(1), d.Record.LastModified)

	d = read()
	assert.Equal(t, remote.DeltaModified, d.Type)
	assert.Equal(t, int64(2), d.Record.LastModified)

	d = read()
	assert.Equal(t, remote.DeltaRemoved, d.Type)
	assert.Equal(t, "w1", d.ID)
	assert.Nil(t, d.Record)
}
