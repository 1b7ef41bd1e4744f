package cache

import (
	"context"
	"fmt"

	rediscommon "wisefido-vitals/common/redis"
	"wisefido-vitals/internal/view"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	// DefaultSnapshotStream 视图变更流
	DefaultSnapshotStream = "vitals:snapshot:stream"
	// DefaultStreamMaxLen 流的近似最大长度
	DefaultStreamMaxLen int64 = 10000
)

// StreamPublisher 把视图变更写入 Redis Streams，供告警等下游服务消费
type StreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewStreamPublisher 创建流发布器
func NewStreamPublisher(client *redis.Client, stream string, maxLen int64, logger *zap.Logger) *StreamPublisher {
	if stream == "" {
		stream = DefaultSnapshotStream
	}
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &StreamPublisher{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logger,
	}
}

// Publish 发布视图，返回消息 ID
func (p *StreamPublisher) Publish(ctx context.Context, v *view.PatientVitals) (string, error) {
	id, err := rediscommon.PublishJSONToStream(ctx, p.client, p.stream, p.maxLen, v)
	if err != nil {
		return "", fmt.Errorf("failed to publish to stream %s: %w", p.stream, err)
	}
	p.logger.Debug("Published patient vitals to stream",
		zap.String("stream", p.stream),
		zap.String("patient_id", v.PatientID),
		zap.String("message_id", id),
	)
	return id, nil
}

// Stream 流名称
func (p *StreamPublisher) Stream() string {
	return p.stream
}
