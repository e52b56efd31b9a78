package remote_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekay/nekaysync/internal/common"
	"github.com/nekay/nekaysync/internal/models"
	"github.com/nekay/nekaysync/internal/remote"
	"github.com/nekay/nekaysync/internal/remote/devremote"
)

func setupClient(t *testing.T) (*devremote.Server, *remote.Client) {
	t.Helper()
	s := devremote.New()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, remote.NewClient(ts.URL)
}

func taskRecord(id string, stamp int64) *models.Record {
	return &models.Record{
		ID:           id,
		Kind:         models.KindTask,
		Status:       models.StatusSynced,
		LastModified: stamp,
		CreatedAt:    stamp,
		Fields:       json.RawMessage(`{"taskContent":"x","completed":false}`),
	}
}

func TestClient_PingAndPutGet(t *testing.T) {
	_, c := setupClient(t)
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))

	rec := taskRecord("t1", 100)
	require.NoError(t, c.Put(ctx, models.KindTask, rec))

	got, err := c.Get(ctx, models.KindTask, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)
	assert.Equal(t, int64(100), got.LastModified)
	assert.JSONEq(t, string(rec.Fields), string(got.Fields))
}

func TestClient_GetMissingIsNotFound(t *testing.T) {
	_, c := setupClient(t)
	_, err := c.Get(context.Background(), models.KindTask, "absent")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestClient_DeleteIsIdempotent(t *testing.T) {
	srv, c := setupClient(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, models.KindTask, taskRecord("t1", 1)))
	require.NoError(t, c.Delete(ctx, models.KindTask, "t1"))
	assert.Equal(t, 0, srv.Count(models.KindTask))
	require.NoError(t, c.Delete(ctx, models.KindTask, "t1"))
}

func TestClient_BatchPut(t *testing.T) {
	srv, c := setupClient(t)
	ctx := context.Background()

	require.NoError(t, c.BatchPut(ctx, models.KindTask, nil), "empty batch is a no-op")

	recs := []*models.Record{taskRecord("a", 1), taskRecord("b", 2)}
	require.NoError(t, c.BatchPut(ctx, models.KindTask, recs))
	assert.Equal(t, 2, srv.Count(models.KindTask))

	bad := []*models.Record{taskRecord("c", 3), {ID: "", LastModified: 4}}
	err := c.BatchPut(ctx, models.KindTask, bad)
	assert.ErrorIs(t, err, common.ErrValidation)
	assert.Equal(t, 2, srv.Count(models.KindTask), "rejected batch commits nothing")
}

func TestClient_ChangedSince(t *testing.T) {
	_, c := setupClient(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, models.KindTask, taskRecord("a", 10)))
	require.NoError(t, c.Put(ctx, models.KindTask, taskRecord("b", 30)))
	require.NoError(t, c.Put(ctx, models.KindTask, taskRecord("c", 20)))

	recs, err := c.ChangedSince(ctx, models.KindTask, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "c", recs[0].ID)
	assert.Equal(t, "b", recs[1].ID)

	recs, err = c.ChangedSince(ctx, models.KindTask, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestClient_UnreachableMapsToUnavailable(t *testing.T) {
	c := remote.NewClient("http://127.0.0.1:1")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.ErrorIs(t, c.Ping(ctx), common.ErrUnavailable)
	_, err := c.Get(ctx, models.KindTask, "t1")
	assert.ErrorIs(t, err, common.ErrUnavailable)
}

func TestClient_WatchReceivesDeltas(t *testing.T) {
	_, c := setupClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deltas, err := c.Watch(ctx, models.KindTask)
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, models.KindTask, taskRecord("w1", 5)))

	select {
	case d := <-deltas:
		assert.Equal(t, remote.DeltaAdded, d.Type)
		assert.Equal(t, "w1", d.ID)
		require.NotNil(t, d.Record)
		assert.Equal(t, int64(5), d.Record.LastModified)
	case <-time.After(2 * time.Second):
		t.Fatal("no delta received")
	}

	cancel()
	select {
	case _, ok := <-deltas:
		assert.False(t, ok, "channel closes after cancel")
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close after cancel")
	}
}

func TestClient_WatchReleasesGoroutinesWhenConnectionDrops(t *testing.T) {
	s := devremote.New()
	ts := httptest.NewServer(s.Handler())
	c := remote.NewClient(ts.URL)

	// The context stays alive for the whole test: subscription teardown
	// must come from the dropped connection alone.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	baseline := runtime.NumGoroutine()

	var subs []<-chan remote.Delta
	for i := 0; i < 8; i++ {
		deltas, err := c.Watch(ctx, models.KindTask)
		require.NoError(t, err)
		subs = append(subs, deltas)
	}

	ts.CloseClientConnections()
	ts.Close()

	for _, deltas := range subs {
		select {
		case _, ok := <-deltas:
			assert.False(t, ok, "channel closes when the connection drops")
		case <-time.After(2 * time.Second):
			t.Fatal("channel did not close after connection drop")
		}
	}

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= baseline+2
	}, 2*time.Second, 20*time.Millisecond, "watch goroutines must exit without waiting for the context")
}

func TestClient_WatchUnknownCollection(t *testing.T) {
	_, c := setupClient(t)
	_, err := c.Watch(context.Background(), models.Kind("bogus"))
	assert.Error(t, err)
}
