package cache_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"wisefido-vitals/internal/cache"
	"wisefido-vitals/internal/connection"
	"wisefido-vitals/internal/models"
	"wisefido-vitals/internal/session"
	"wisefido-vitals/internal/view"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testVitals() *view.PatientVitals {
	return view.FromUpdate(session.Update{
		PatientID:       "p1",
		State:           session.Subscribed,
		ConnectionState: connection.Connected,
		Status:          session.StatusLive,
		Snapshot: &models.TelemetrySnapshot{
			HeartRate:       &models.Reading{Value: 72, Unit: "bpm", SourceTimestamp: "100", HasTimestamp: true},
			RespiratoryRate: &models.Reading{Value: 16, Unit: "br/min"},
		},
		At: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
	})
}

func TestSnapshotCache_PutWritesJSON(t *testing.T) {
	kv := newFakeKVStore()
	c := cache.NewSnapshotCache(kv, 0, zap.NewNop())

	require.NoError(t, c.Put(context.Background(), testVitals()))

	raw, err := kv.Get(context.Background(), "vital-focus:patient:p1:snapshot")
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	assert.Equal(t, "p1", decoded["patient_id"])
	assert.Equal(t, "live", decoded["status"])
	assert.InDelta(t, cache.DefaultSnapshotTTL.Seconds(), kv.ttl(cache.SnapshotKey("p1")).Seconds(), 1)
}

func TestSnapshotCache_GetRoundTrip(t *testing.T) {
	kv := newFakeKVStore()
	c := cache.NewSnapshotCache(kv, time.Minute, zap.NewNop())
	ctx := context.Background()

	_, err := c.Get(ctx, "p1")
	assert.True(t, errors.Is(err, cache.ErrCacheMiss))

	require.NoError(t, c.Put(ctx, testVitals()))
	got, err := c.Get(ctx, "p1")
	require.NoError(t, err)

	assert.Equal(t, session.Subscribed, got.State)
	assert.Equal(t, connection.Connected, got.ConnectionState)
	require.NotNil(t, got.Snapshot.HeartRate)
	assert.Equal(t, 72.0, got.Snapshot.HeartRate.Value)
	assert.Len(t, got.Gauges, len(models.AllFields))

	require.NoError(t, c.Delete(ctx, "p1"))
	_, err = c.Get(ctx, "p1")
	assert.True(t, errors.Is(err, cache.ErrCacheMiss))
}

func TestSnapshotCache_PutRequiresPatient(t *testing.T) {
	c := cache.NewSnapshotCache(newFakeKVStore(), 0, zap.NewNop())
	assert.Error(t, c.Put(context.Background(), nil))
	assert.Error(t, c.Put(context.Background(), &view.PatientVitals{}))
}

func TestSnapshotCache_StoreFailure(t *testing.T) {
	kv := newFakeKVStore()
	kv.err = errors.New("redis down")
	c := cache.NewSnapshotCache(kv, 0, zap.NewNop())

	err := c.Put(context.Background(), testVitals())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
}

func TestSnapshotCache_RedisKVStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := cache.NewSnapshotCache(cache.NewRedisKVStore(client), 10*time.Second, zap.NewNop())
	ctx := context.Background()

	_, err := c.Get(ctx, "p1")
	assert.True(t, errors.Is(err, cache.ErrCacheMiss))

	require.NoError(t, c.Put(ctx, testVitals()))
	assert.True(t, mr.Exists("vital-focus:patient:p1:snapshot"))
	assert.Equal(t, 10*time.Second, mr.TTL("vital-focus:patient:p1:snapshot"))

	got, err := c.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusLive, got.Status)

	mr.FastForward(11 * time.Second)
	_, err = c.Get(ctx, "p1")
	assert.True(t, errors.Is(err, cache.ErrCacheMiss))
}
