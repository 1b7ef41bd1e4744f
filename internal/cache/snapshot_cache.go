// Package cache 把患者生命体征视图写入 Redis，供其他服务读取
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wisefido-vitals/internal/view"

	"go.uber.org/zap"
)

// DefaultSnapshotTTL 快照缓存过期时间
const DefaultSnapshotTTL = 30 * time.Second

// SnapshotKey 患者快照缓存 key
func SnapshotKey(patientID string) string {
	return fmt.Sprintf("vital-focus:patient:%s:snapshot", patientID)
}

// SnapshotCache 患者最新视图缓存
type SnapshotCache struct {
	kv     KVStore
	ttl    time.Duration
	logger *zap.Logger
}

// NewSnapshotCache 创建快照缓存
func NewSnapshotCache(kv KVStore, ttl time.Duration, logger *zap.Logger) *SnapshotCache {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &SnapshotCache{
		kv:     kv,
		ttl:    ttl,
		logger: logger,
	}
}

// Put 写入患者视图
func (c *SnapshotCache) Put(ctx context.Context, v *view.PatientVitals) error {
	if v == nil || v.PatientID == "" {
		return fmt.Errorf("failed to cache snapshot: missing patient id")
	}
	key := SnapshotKey(v.PatientID)

	jsonData, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal patient vitals: %w", err)
	}
	if err := c.kv.Set(ctx, key, string(jsonData), c.ttl); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}

	c.logger.Debug("Updated patient snapshot cache",
		zap.String("patient_id", v.PatientID),
		zap.String("key", key),
	)
	return nil
}

// Get 读取患者视图；不存在时返回 ErrCacheMiss
func (c *SnapshotCache) Get(ctx context.Context, patientID string) (*view.PatientVitals, error) {
	raw, err := c.kv.Get(ctx, SnapshotKey(patientID))
	if err != nil {
		return nil, err
	}
	var v view.PatientVitals
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal patient vitals: %w", err)
	}
	return &v, nil
}

// Delete 删除患者缓存（停止监控时调用）
func (c *SnapshotCache) Delete(ctx context.Context, patientID string) error {
	if err := c.kv.Del(ctx, SnapshotKey(patientID)); err != nil {
		return fmt.Errorf("failed to delete cache: %w", err)
	}
	return nil
}
