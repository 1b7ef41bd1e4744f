// Package merger 维护患者的生命体征快照
//
// 两路独立的数据源（床旁监护仪、可穿戴心率设备）各自上报部分字段，Merger 按字段合并：
// 只有不比已存值更旧的消息才会覆盖该字段，消息中未出现的字段保持不变。
package merger

import (
	"encoding/json"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"wisefido-vitals/internal/models"

	"go.uber.org/zap"
)

// Outcome 合并结果类型
type Outcome int

const (
	// Applied 至少一个字段被写入
	Applied Outcome = iota
	// Stale 所有字段都比已存值旧，被忽略
	Stale
	// Empty 合法消息但不包含任何字段
	Empty
	// Malformed 消息无法解析，已计数并丢弃
	Malformed
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case Empty:
		return "empty"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Result 单条消息的合并结果
type Result struct {
	Outcome Outcome
	Updated []models.Field
	Skipped []models.Field
	Err     error
}

// Topics 两路数据源的主题，写入 Reading.SourceTopic
type Topics struct {
	Health   string
	Wearable string
}

// Merger 快照合并器
type Merger struct {
	mu        sync.Mutex
	snapshot  *models.TelemetrySnapshot
	seq       uint64
	malformed atomic.Uint64
	topics    Topics
	now       func() time.Time
	logger    *zap.Logger
}

// New 创建合并器
func New(topics Topics, logger *zap.Logger) *Merger {
	return &Merger{
		topics: topics,
		now:    time.Now,
		logger: logger,
	}
}

// ApplyHealthUpdate 合并床旁监护仪消息
func (m *Merger) ApplyHealthUpdate(payload []byte) Result {
	p, err := ParseHealthPayload(payload)
	if err != nil {
		return m.reject(m.topics.Health, payload, err)
	}
	return m.merge(m.topics.Health, p.Fields(), p.Timestamp)
}

// ApplyWearableUpdate 合并可穿戴心率消息
func (m *Merger) ApplyWearableUpdate(payload []byte) Result {
	p, err := ParseWearablePayload(payload)
	if err != nil {
		return m.reject(m.topics.Wearable, payload, err)
	}
	return m.merge(m.topics.Wearable, map[models.Field]models.Measurement{
		models.FieldHeartRate: p.HeartRate,
	}, p.Timestamp)
}

// CurrentSnapshot 返回快照副本；尚未合并任何字段时返回 nil
func (m *Merger) CurrentSnapshot() *models.TelemetrySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot.Clone()
}

// MalformedCount 已丢弃的畸形消息数量
func (m *Merger) MalformedCount() uint64 {
	return m.malformed.Load()
}

func (m *Merger) reject(topic string, payload []byte, err error) Result {
	m.malformed.Add(1)
	m.logger.Warn("Discarding malformed telemetry message",
		zap.String("topic", topic),
		zap.Int("payload_size", len(payload)),
		zap.Error(err),
	)
	return Result{Outcome: Malformed, Err: err}
}

func (m *Merger) merge(topic string, fields map[models.Field]models.Measurement, ts json.Number) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	now := m.now()
	res := Result{Outcome: Empty}

	for _, f := range models.AllFields {
		meas, ok := fields[f]
		if !ok {
			continue
		}
		if !supersedes(m.snapshot.Get(f), ts) {
			res.Skipped = append(res.Skipped, f)
			continue
		}
		if m.snapshot == nil {
			m.snapshot = &models.TelemetrySnapshot{}
		}
		r := &models.Reading{
			Value:       meas.Value,
			Unit:        f.Unit(),
			Sequence:    m.seq,
			UpdatedAt:   now,
			SourceTopic: topic,
		}
		if meas.Diastolic != nil {
			d := *meas.Diastolic
			r.Diastolic = &d
		}
		if ts != "" {
			r.SourceTimestamp = ts
			r.HasTimestamp = true
		}
		m.snapshot.Set(f, r)
		res.Updated = append(res.Updated, f)
	}

	switch {
	case len(res.Updated) > 0:
		res.Outcome = Applied
		m.snapshot.LastUpdated = now
	case len(res.Skipped) > 0:
		res.Outcome = Stale
		m.logger.Debug("Ignoring out-of-order telemetry",
			zap.String("topic", topic),
			zap.String("timestamp", ts.String()),
		)
	}
	return res
}

// supersedes 新消息是否可以覆盖已存读数
// 双方都有时间戳时比较时间戳（相等时后到者胜出）；任一方缺少时间戳时按到达顺序，后到者胜出
func supersedes(current *models.Reading, ts json.Number) bool {
	if current == nil || ts == "" || !current.HasTimestamp {
		return true
	}
	return compareTimestamps(ts, current.SourceTimestamp) >= 0
}

// compareTimestamps 按数值精确比较两个时间戳原文（parseTimestamp 已校验格式）
func compareTimestamps(a, b json.Number) int {
	x, okA := new(big.Rat).SetString(a.String())
	y, okB := new(big.Rat).SetString(b.String())
	if !okA || !okB {
		return 0
	}
	return x.Cmp(y)
}
