package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"wisefido-vitals/common/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishJSONToStream_ReadLatest(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewRedisClient(&config.RedisConfig{Addr: mr.Addr()})
	defer Close(client)

	ctx := context.Background()
	require.NoError(t, Ping(ctx, client, time.Second))

	_, err := PublishJSONToStream(ctx, client, "vitals:snapshot:stream", 100, map[string]interface{}{"patient_id": "p1", "seq": 1})
	require.NoError(t, err)
	_, err = PublishJSONToStream(ctx, client, "vitals:snapshot:stream", 100, map[string]interface{}{"patient_id": "p1", "seq": 2})
	require.NoError(t, err)

	msgs, err := ReadLatest(ctx, client, "vitals:snapshot:stream", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &decoded))
	assert.Equal(t, "p1", decoded["patient_id"])
	assert.Equal(t, float64(2), decoded["seq"])
}

func TestToStreamValue(t *testing.T) {
	cases := map[string]interface{}{
		"42":        42,
		"36.6":      36.6,
		"true":      true,
		"raw":       []byte("raw"),
		`{"a":1}`:   map[string]int{"a": 1},
		"123456789": int64(123456789),
	}
	for want, in := range cases {
		got, err := toStreamValue(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}
