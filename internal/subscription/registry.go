// Package subscription 管理会话级主题订阅，并把入站消息按主题路由到对应的处理函数
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	mqttcommon "wisefido-vitals/common/mqtt"
	"wisefido-vitals/internal/epoch"

	"go.uber.org/zap"
)

// ErrNoRoute 主题没有注册处理函数
var ErrNoRoute = errors.New("no handler registered for topic")

// DefaultRetryDelay 单个主题订阅失败后的重试间隔
const DefaultRetryDelay = 500 * time.Millisecond

// Transport 订阅所需的传输层能力（由 common/mqtt.Client 实现）
type Transport interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// Handler 消息处理函数，收到的是原始 payload
type Handler func(topic string, payload []byte)

// SubscriptionFailedError 主题在重试后仍然订阅失败
type SubscriptionFailedError struct {
	Topic string
	Err   error
}

func (e *SubscriptionFailedError) Error() string {
	return fmt.Sprintf("subscription failed for topic %s: %v", e.Topic, e.Err)
}

func (e *SubscriptionFailedError) Unwrap() error {
	return e.Err
}

// FailedTopics 从 Subscribe 返回的错误中提取失败的主题
func FailedTopics(err error) []string {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var topics []string
		for _, e := range joined.Unwrap() {
			topics = append(topics, FailedTopics(e)...)
		}
		return topics
	}
	var sfe *SubscriptionFailedError
	if errors.As(err, &sfe) {
		return []string{sfe.Topic}
	}
	return nil
}

// Subscription 主题订阅状态
type Subscription struct {
	Topic   string
	Handler Handler
	Active  bool
	wanted  bool
	// pending 订阅请求已经发出但还没有结果
	pending bool
}

// Options 订阅选项
type Options struct {
	QoS        byte
	RetryDelay time.Duration
}

// Registry 会话的订阅表；同一主题最多一个活跃订阅
type Registry struct {
	mu        sync.Mutex
	transport Transport
	epoch     *epoch.Counter
	subs      map[string]*Subscription
	opts      Options
	sleep     func(ctx context.Context, d time.Duration) error
	logger    *zap.Logger
}

// NewRegistry 创建订阅表，routes 是固定的 主题 -> 处理函数 映射
func NewRegistry(
	transport Transport,
	routes map[string]Handler,
	ep *epoch.Counter,
	opts Options,
	logger *zap.Logger,
) *Registry {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	subs := make(map[string]*Subscription, len(routes))
	for topic, h := range routes {
		subs[topic] = &Subscription{Topic: topic, Handler: h}
	}
	return &Registry{
		transport: transport,
		epoch:     ep,
		subs:      subs,
		opts:      opts,
		sleep:     sleepContext,
		logger:    logger,
	}
}

// Subscribe 订阅一组主题
//
// 已活跃的主题直接跳过。失败的主题在 RetryDelay 后重试一次，仍失败则返回
// *SubscriptionFailedError，已成功的主题保持活跃（部分监控优于没有监控）。
func (r *Registry) Subscribe(ctx context.Context, topics []string) error {
	var errs []error
	for _, topic := range topics {
		if err := r.subscribeOne(ctx, topic); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) subscribeOne(ctx context.Context, topic string) error {
	r.mu.Lock()
	sub, ok := r.subs[topic]
	if !ok {
		r.mu.Unlock()
		r.logger.Error("Cannot subscribe to topic without handler", zap.String("topic", topic))
		return &SubscriptionFailedError{Topic: topic, Err: ErrNoRoute}
	}
	sub.wanted = true
	if sub.Active || sub.pending {
		r.mu.Unlock()
		return nil
	}
	sub.pending = true
	tag := r.epoch.Current()
	r.mu.Unlock()

	err := r.subscribeWithRetry(ctx, topic, tag)

	r.mu.Lock()
	sub.pending = false
	if err == nil {
		sub.Active = true
	}
	r.mu.Unlock()

	if err != nil {
		return err
	}
	r.logger.Info("Subscribed to topic", zap.String("topic", topic))
	return nil
}

func (r *Registry) subscribeWithRetry(ctx context.Context, topic string, tag uint64) error {
	handler := r.deliver(tag)
	err := r.transport.Subscribe(topic, r.opts.QoS, handler)
	if err != nil {
		r.logger.Warn("Subscribe failed, retrying once",
			zap.String("topic", topic),
			zap.Duration("retry_delay", r.opts.RetryDelay),
			zap.Error(err),
		)
		if sleepErr := r.sleep(ctx, r.opts.RetryDelay); sleepErr != nil {
			return &SubscriptionFailedError{Topic: topic, Err: sleepErr}
		}
		err = r.transport.Subscribe(topic, r.opts.QoS, handler)
	}
	if err != nil {
		r.logger.Error("Subscribe failed after retry", zap.String("topic", topic), zap.Error(err))
		return &SubscriptionFailedError{Topic: topic, Err: err}
	}
	return nil
}

// Unsubscribe 取消订阅；未活跃的主题是 no-op
// 传输层失败只记录日志，本地状态仍视为已取消
func (r *Registry) Unsubscribe(topics []string) error {
	var active []string
	r.mu.Lock()
	for _, topic := range topics {
		sub, ok := r.subs[topic]
		if !ok {
			continue
		}
		sub.wanted = false
		if sub.Active {
			sub.Active = false
			active = append(active, topic)
		}
	}
	r.mu.Unlock()

	if len(active) == 0 {
		return nil
	}
	if err := r.transport.Unsubscribe(active...); err != nil {
		r.logger.Warn("Unsubscribe failed", zap.Strings("topics", active), zap.Error(err))
		return fmt.Errorf("failed to unsubscribe %v: %w", active, err)
	}
	return nil
}

// UnsubscribeAll 取消全部订阅
func (r *Registry) UnsubscribeAll() error {
	return r.Unsubscribe(r.Topics())
}

// Restore 重连后恢复订阅：订阅不会在重连后保留，所以全部标记为未活跃后重新订阅
// 正在进行中的订阅不会重复发出
func (r *Registry) Restore(ctx context.Context) error {
	var wanted []string
	r.mu.Lock()
	for topic, sub := range r.subs {
		sub.Active = false
		if sub.wanted {
			wanted = append(wanted, topic)
		}
	}
	r.mu.Unlock()

	sort.Strings(wanted)
	if len(wanted) == 0 {
		return nil
	}
	r.logger.Info("Restoring subscriptions", zap.Strings("topics", wanted))
	return r.Subscribe(ctx, wanted)
}

// Route 按主题精确匹配路由消息；未知主题记录告警后丢弃，处理函数的 panic 会被恢复
func (r *Registry) Route(topic string, payload []byte) {
	r.mu.Lock()
	sub, ok := r.subs[topic]
	var handler Handler
	active := false
	if ok {
		handler = sub.Handler
		active = sub.Active
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Warn("Dropping message for unknown topic",
			zap.String("topic", topic),
			zap.Int("payload_size", len(payload)),
		)
		return
	}
	if !active || handler == nil {
		r.logger.Debug("Dropping message for inactive topic", zap.String("topic", topic))
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Telemetry handler panicked",
				zap.String("topic", topic),
				zap.Any("panic", rec),
			)
		}
	}()
	handler(topic, payload)
}

// Active 主题是否处于活跃订阅
func (r *Registry) Active(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[topic]
	return ok && sub.Active
}

// ActiveTopics 活跃主题（排序）
func (r *Registry) ActiveTopics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for topic, sub := range r.subs {
		if sub.Active {
			out = append(out, topic)
		}
	}
	sort.Strings(out)
	return out
}

// Topics 全部已注册主题（排序）
func (r *Registry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subs))
	for topic := range r.subs {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// deliver 返回带 epoch 标记的传输层回调；epoch 前进后收到的消息直接丢弃
func (r *Registry) deliver(tag uint64) mqttcommon.MessageHandler {
	return func(topic string, payload []byte) error {
		if !r.epoch.Valid(tag) {
			r.logger.Debug("Dropping message from stale epoch",
				zap.String("topic", topic),
				zap.Uint64("epoch", tag),
			)
			return nil
		}
		r.Route(topic, payload)
		return nil
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
