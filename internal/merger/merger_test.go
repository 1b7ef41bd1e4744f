package merger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"wisefido-vitals/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testTopics = Topics{
	Health:   "telemetry/health/p1",
	Wearable: "telemetry/wearable-heart/p1",
}

func newTestMerger() *Merger {
	m := New(testTopics, zap.NewNop())
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	calls := 0
	m.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Second)
	}
	return m
}

func TestMerger_NoSnapshotUntilFirstUpdate(t *testing.T) {
	m := newTestMerger()
	assert.Nil(t, m.CurrentSnapshot())

	res := m.ApplyHealthUpdate([]byte(`{"timestamp": 5}`))
	assert.Equal(t, Empty, res.Outcome)
	assert.Nil(t, m.CurrentSnapshot())
}

func TestMerger_WearableThenHealthScenario(t *testing.T) {
	m := newTestMerger()

	res := m.ApplyWearableUpdate([]byte(`{"heartRate": 72, "timestamp": 100}`))
	require.Equal(t, Applied, res.Outcome)
	res = m.ApplyHealthUpdate([]byte(`{"respiratoryRate": 16, "timestamp": 101}`))
	require.Equal(t, Applied, res.Outcome)

	snap := m.CurrentSnapshot()
	require.NotNil(t, snap)
	require.NotNil(t, snap.HeartRate)
	require.NotNil(t, snap.RespiratoryRate)
	assert.Equal(t, 72.0, snap.HeartRate.Value)
	assert.Equal(t, "bpm", snap.HeartRate.Unit)
	assert.Equal(t, testTopics.Wearable, snap.HeartRate.SourceTopic)
	assert.Equal(t, 16.0, snap.RespiratoryRate.Value)
	assert.Equal(t, testTopics.Health, snap.RespiratoryRate.SourceTopic)
	assert.Nil(t, snap.Temperature)
	assert.Nil(t, snap.OxygenSaturation)
	assert.Nil(t, snap.BloodPressure)
	assert.Equal(t, snap.RespiratoryRate.UpdatedAt, snap.LastUpdated)
}

func TestMerger_PartialUpdateLeavesOtherFieldsUntouched(t *testing.T) {
	m := newTestMerger()

	m.ApplyHealthUpdate([]byte(`{"respiratoryRate": 16, "temperature": 36.8, "oxygenSaturation": 98, "bloodPressure": "120/80", "timestamp": 10}`))
	m.ApplyWearableUpdate([]byte(`{"heartRate": 70, "timestamp": 10}`))
	before := m.CurrentSnapshot()

	updates := []struct {
		payload string
		health  bool
		changed models.Field
	}{
		{`{"temperature": 37.2, "timestamp": 11}`, true, models.FieldTemperature},
		{`{"heartRate": 88, "timestamp": 12}`, false, models.FieldHeartRate},
		{`{"oxygenSaturation": 95, "timestamp": 13}`, true, models.FieldOxygenSaturation},
		{`{"bloodPressure": 130, "timestamp": 14}`, true, models.FieldBloodPressure},
	}

	for _, u := range updates {
		var res Result
		if u.health {
			res = m.ApplyHealthUpdate([]byte(u.payload))
		} else {
			res = m.ApplyWearableUpdate([]byte(u.payload))
		}
		require.Equal(t, Applied, res.Outcome, u.payload)
		require.Equal(t, []models.Field{u.changed}, res.Updated)

		after := m.CurrentSnapshot()
		for _, f := range models.AllFields {
			if f == u.changed {
				continue
			}
			assert.Equal(t, before.Get(f), after.Get(f), "field %s clobbered by %s", f, u.payload)
		}
		before = after
	}
}

func TestMerger_OutOfOrderDeliveryKeepsNewest(t *testing.T) {
	older := []byte(`{"temperature": 36.5, "timestamp": 100}`)
	newer := []byte(`{"temperature": 38.1, "timestamp": 200}`)

	for name, order := range map[string][][]byte{
		"in-order":     {older, newer},
		"out-of-order": {newer, older},
	} {
		t.Run(name, func(t *testing.T) {
			m := newTestMerger()
			for _, p := range order {
				m.ApplyHealthUpdate(p)
			}
			snap := m.CurrentSnapshot()
			require.NotNil(t, snap.Temperature)
			assert.Equal(t, 38.1, snap.Temperature.Value)
			assert.Equal(t, json.Number("200"), snap.Temperature.SourceTimestamp)
		})
	}
}

func TestMerger_FractionalTimestampsKeepNewest(t *testing.T) {
	older := []byte(`{"heartRate": 60, "timestamp": 100.2}`)
	newer := []byte(`{"heartRate": 80, "timestamp": 100.7}`)

	for name, order := range map[string][][]byte{
		"in-order":     {older, newer},
		"out-of-order": {newer, older},
	} {
		t.Run(name, func(t *testing.T) {
			m := newTestMerger()
			for _, p := range order {
				m.ApplyWearableUpdate(p)
			}
			snap := m.CurrentSnapshot()
			assert.Equal(t, 80.0, snap.HeartRate.Value)
			assert.Equal(t, json.Number("100.7"), snap.HeartRate.SourceTimestamp)
		})
	}
}

func TestMerger_TimestampOrderingIsExact(t *testing.T) {
	cases := []struct {
		name  string
		newer string
		older string
	}{
		{"beyond int64", "9223372036854775808", "5"},
		{"beyond float64 precision", "1700000000000000002", "1700000000000000001"},
		{"exponent form", "1.5e3", "1499.999"},
		{"numeric strings", `"100.7"`, `"100.2"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMerger()
			m.ApplyWearableUpdate([]byte(`{"heartRate": 80, "timestamp": ` + tc.newer + `}`))
			res := m.ApplyWearableUpdate([]byte(`{"heartRate": 60, "timestamp": ` + tc.older + `}`))

			assert.Equal(t, Stale, res.Outcome)
			assert.Equal(t, 80.0, m.CurrentSnapshot().HeartRate.Value)
			assert.Zero(t, m.MalformedCount())
		})
	}
}

func TestMerger_OlderMessageReportsStale(t *testing.T) {
	m := newTestMerger()
	m.ApplyWearableUpdate([]byte(`{"heartRate": 80, "timestamp": 50}`))

	res := m.ApplyWearableUpdate([]byte(`{"heartRate": 60, "timestamp": 40}`))
	assert.Equal(t, Stale, res.Outcome)
	assert.Equal(t, []models.Field{models.FieldHeartRate}, res.Skipped)
	assert.Equal(t, 80.0, m.CurrentSnapshot().HeartRate.Value)
}

func TestMerger_EqualTimestampLastWriterWins(t *testing.T) {
	m := newTestMerger()
	m.ApplyWearableUpdate([]byte(`{"heartRate": 80, "timestamp": 50}`))
	m.ApplyWearableUpdate([]byte(`{"heartRate": 81, "timestamp": 50}`))

	assert.Equal(t, 81.0, m.CurrentSnapshot().HeartRate.Value)
}

func TestMerger_MissingTimestampUsesArrivalOrder(t *testing.T) {
	m := newTestMerger()
	m.ApplyWearableUpdate([]byte(`{"heartRate": 80, "timestamp": 500}`))
	m.ApplyWearableUpdate([]byte(`{"heartRate": 65}`))

	snap := m.CurrentSnapshot()
	assert.Equal(t, 65.0, snap.HeartRate.Value)
	assert.False(t, snap.HeartRate.HasTimestamp)

	m.ApplyWearableUpdate([]byte(`{"heartRate": 66, "timestamp": 1}`))
	assert.Equal(t, 66.0, m.CurrentSnapshot().HeartRate.Value)
}

func TestMerger_HealthTopicDoesNotOverrideHeartRate(t *testing.T) {
	m := newTestMerger()
	m.ApplyWearableUpdate([]byte(`{"heartRate": 72, "timestamp": 100}`))
	m.ApplyHealthUpdate([]byte(`{"heartRate": 140, "respiratoryRate": 18, "timestamp": 200}`))

	snap := m.CurrentSnapshot()
	assert.Equal(t, 72.0, snap.HeartRate.Value)
	assert.Equal(t, 18.0, snap.RespiratoryRate.Value)
}

func TestMerger_MalformedPayloadsAreCountedAndDropped(t *testing.T) {
	m := newTestMerger()
	m.ApplyHealthUpdate([]byte(`{"respiratoryRate": 16, "timestamp": 1}`))
	m.ApplyWearableUpdate([]byte(`{"heartRate": 72, "timestamp": 1}`))
	before := m.CurrentSnapshot()

	health := []string{
		``,
		`not json`,
		`[1,2,3]`,
		`"72"`,
		`null`,
		`{"respiratoryRate": "fast"}`,
		`{"temperature": true}`,
		`{"oxygenSaturation": {"value": 98}}`,
		`{"bloodPressure": "120/"}`,
		`{"respiratoryRate": 16, "timestamp": "yesterday"}`,
		`{"respiratoryRate": 16, "timestamp": 1e-400000000}`,
		`{"respiratoryRate": 16, "timestamp": "1/3"}`,
		`{"respiratoryRate": 16, "timestamp": 1e400}`,
		`{"respiratoryRate": 16,`,
	}
	wearable := []string{
		`{}`,
		`{"timestamp": 3}`,
		`{"heartRate": null}`,
		`{"heartRate": [72]}`,
	}

	for i, p := range health {
		res := m.ApplyHealthUpdate([]byte(p))
		assert.Equal(t, Malformed, res.Outcome, p)
		assert.True(t, errors.Is(res.Err, ErrMalformedMessage), p)
		assert.Equal(t, uint64(i+1), m.MalformedCount(), p)
		assert.Equal(t, before, m.CurrentSnapshot(), p)
	}
	for i, p := range wearable {
		res := m.ApplyWearableUpdate([]byte(p))
		assert.Equal(t, Malformed, res.Outcome, p)
		assert.Equal(t, uint64(len(health)+i+1), m.MalformedCount(), p)
		assert.Equal(t, before, m.CurrentSnapshot(), p)
	}
}

func TestMerger_BloodPressureFormats(t *testing.T) {
	cases := map[string]struct {
		sys float64
		dia *float64
	}{
		`{"bloodPressure": "120/80"}`:                          {120, floatPtr(80)},
		`{"bloodPressure": {"systolic": 118, "diastolic": 76}}`: {118, floatPtr(76)},
		`{"bloodPressure": 125}`:                                {125, nil},
		`{"bloodPressure": "131"}`:                              {131, nil},
	}

	for payload, want := range cases {
		m := newTestMerger()
		res := m.ApplyHealthUpdate([]byte(payload))
		require.Equal(t, Applied, res.Outcome, payload)

		bp := m.CurrentSnapshot().BloodPressure
		require.NotNil(t, bp, payload)
		assert.Equal(t, want.sys, bp.Value, payload)
		assert.Equal(t, want.dia, bp.Diastolic, payload)
		assert.Equal(t, "mmHg", bp.Unit)
	}
}

func TestMerger_RFC3339Timestamps(t *testing.T) {
	m := newTestMerger()
	m.ApplyHealthUpdate([]byte(`{"temperature": 37.5, "timestamp": "2026-03-01T10:00:05Z"}`))
	m.ApplyHealthUpdate([]byte(`{"temperature": 36.9, "timestamp": "2026-03-01T10:00:01Z"}`))

	snap := m.CurrentSnapshot()
	assert.Equal(t, 37.5, snap.Temperature.Value)
	want := time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC).UnixMilli()
	assert.Equal(t, json.Number(strconv.FormatInt(want, 10)), snap.Temperature.SourceTimestamp)
}

func TestMerger_SnapshotIsACopy(t *testing.T) {
	m := newTestMerger()
	m.ApplyWearableUpdate([]byte(`{"heartRate": 72, "timestamp": 1}`))

	snap := m.CurrentSnapshot()
	snap.HeartRate.Value = 999

	assert.Equal(t, 72.0, m.CurrentSnapshot().HeartRate.Value)
}

func TestMerger_InterleavedStreamsConverge(t *testing.T) {
	// 两路数据以任意交错顺序到达，最终结果只取决于每个字段的最大时间戳
	health := make([][]byte, 0, 20)
	wearable := make([][]byte, 0, 20)
	for i := 1; i <= 20; i++ {
		health = append(health, []byte(fmt.Sprintf(`{"respiratoryRate": %d, "timestamp": %d}`, 10+i, i)))
		wearable = append(wearable, []byte(fmt.Sprintf(`{"heartRate": %d, "timestamp": %d}`, 60+i, i)))
	}

	orders := []func(i int) int{
		func(i int) int { return i },
		func(i int) int { return 19 - i },
		func(i int) int { return (i * 7) % 20 },
	}

	for _, hOrder := range orders {
		for _, wOrder := range orders {
			m := newTestMerger()
			for i := 0; i < 20; i++ {
				m.ApplyHealthUpdate(health[hOrder(i)])
				m.ApplyWearableUpdate(wearable[wOrder(i)])
			}
			snap := m.CurrentSnapshot()
			assert.Equal(t, 30.0, snap.RespiratoryRate.Value)
			assert.Equal(t, 80.0, snap.HeartRate.Value)
		}
	}
}

func floatPtr(v float64) *float64 { return &v }
