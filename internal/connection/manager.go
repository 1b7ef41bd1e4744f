// Package connection 管理单个会话的 MQTT 连接生命周期
//
// 每个会话持有自己的 Manager 和传输层实例，不存在进程级共享的客户端。
// 意外断线后按 BackoffPolicy 无限重连，直到 Disconnect；每次重连成功后重新发布在线标记并恢复订阅。
package connection

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

var (
	// ErrConnectFailed 握手失败或超时
	ErrConnectFailed = errors.New("connect failed")
	// ErrAuthRejected broker 拒绝凭据
	ErrAuthRejected = errors.New("auth rejected")
	// ErrLinkLost 连接意外断开（触发自动重连）
	ErrLinkLost = errors.New("link lost")
	// ErrClosed Manager 已关闭
	ErrClosed = errors.New("connection manager closed")
	// ErrInProgress 已有连接尝试在进行
	ErrInProgress = errors.New("connection attempt already in progress")
)

// DefaultConnectTimeout 握手超时
const DefaultConnectTimeout = 10 * time.Second

// presenceQoS 在线标记需要 broker 确认送达
const presenceQoS byte = 1

// Credentials broker 凭据
type Credentials struct {
	Username string
	Password string
}

// Transport 连接所需的传输层能力（由 common/mqtt.Client 实现）
type Transport interface {
	Connect(ctx context.Context, username, password string, onLost func(error)) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Disconnect()
}

// Listener 状态变化回调
type Listener func(from, to State)

// Options Manager 选项
type Options struct {
	PatientID      string
	PresenceTopic  string // 为空时不发布在线标记
	ConnectTimeout time.Duration
	Backoff        BackoffPolicy
}

type listenerEntry struct {
	fn  Listener
	tag uint64
}

// Manager 连接管理器
type Manager struct {
	mu              sync.Mutex
	transport       Transport
	epoch           *epoch.Counter
	opts            Options
	state           State
	creds           Credentials
	listeners       map[int]listenerEntry
	nextListener    int
	restore         func(ctx context.Context) error
	reconnectCancel context.CancelFunc
	// reconnectGen 标识当前 reconnectCancel 属于哪一轮重连
	reconnectGen uint64
	reconnects   int
	sleep           func(ctx context.Context, d time.Duration) error
	logger          *zap.Logger
}

// NewManager 创建连接管理器
func NewManager(transport Transport, ep *epoch.Counter, opts Options, logger *zap.Logger) *Manager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	return &Manager{
		transport: transport,
		epoch:     ep,
		opts:      opts,
		state:     Disconnected,
		listeners: make(map[int]listenerEntry),
		sleep:     sleepContext,
		logger:    logger.With(zap.String("patient_id", opts.PatientID)),
	}
}

// SetRestoreHook 设置重连成功后的订阅恢复函数
func (m *Manager) SetRestoreHook(fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restore = fn
}

// OnStateChange 注册状态变化监听，返回注销函数
// 监听在注册时记录 epoch，epoch 前进后不再收到通知
func (m *Manager) OnStateChange(listener Listener) func() {
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = listenerEntry{fn: listener, tag: m.epoch.Current()}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// State 当前状态
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reconnects 成功重连次数
func (m *Manager) Reconnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnects
}

// Connect 建立连接，握手受 ConnectTimeout 限制
// 失败返回包装了 ErrConnectFailed 或 ErrAuthRejected 的错误，状态回到 Disconnected，可再次调用
func (m *Manager) Connect(ctx context.Context, creds Credentials) error {
	m.mu.Lock()
	switch m.state {
	case Closed:
		m.mu.Unlock()
		return ErrClosed
	case Connected:
		m.mu.Unlock()
		return nil
	case Connecting, Reconnecting:
		m.mu.Unlock()
		return ErrInProgress
	}
	m.creds = creds
	tag := m.epoch.Current()
	from := m.setStateLocked(Connecting)
	m.mu.Unlock()
	m.notify(from, Connecting)

	err := m.dial(ctx, tag)

	m.mu.Lock()
	if m.state == Closed || !m.epoch.Valid(tag) {
		m.mu.Unlock()
		if err == nil {
			m.transport.Disconnect()
		}
		return ErrClosed
	}
	if err != nil {
		from = m.setStateLocked(Disconnected)
		m.mu.Unlock()
		m.notify(from, Disconnected)
		m.logger.Error("Failed to connect", zap.Error(err))
		return err
	}
	from = m.setStateLocked(Connected)
	m.mu.Unlock()

	m.announcePresence()
	m.notify(from, Connected)
	return nil
}

// Disconnect 主动断开，幂等；之后状态为 Closed（终态）
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return
	}
	from := m.setStateLocked(Closed)
	cancel := m.reconnectCancel
	m.reconnectCancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.transport.Disconnect()
	m.notify(from, Closed)
	m.logger.Info("Disconnected from MQTT broker")
}

func (m *Manager) dial(ctx context.Context, tag uint64) error {
	m.mu.Lock()
	creds := m.creds
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	err := m.transport.Connect(dialCtx, creds.Username, creds.Password, m.lostHandler(tag))
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, mqttcommon.ErrAuthRejected):
		return fmt.Errorf("%w: %w", ErrAuthRejected, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, mqttcommon.ErrConnectTimeout):
		return fmt.Errorf("%w: handshake did not complete within %s: %w", ErrConnectFailed, m.opts.ConnectTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
}

// lostHandler 返回带 epoch 标记的断线回调
func (m *Manager) lostHandler(tag uint64) func(error) {
	return func(cause error) {
		if !m.epoch.Valid(tag) {
			m.logger.Debug("Ignoring link loss from stale epoch", zap.Uint64("epoch", tag))
			return
		}
		m.handleLinkLost(tag, cause)
	}
}

func (m *Manager) handleLinkLost(tag uint64, cause error) {
	m.mu.Lock()
	if m.state != Connected {
		m.mu.Unlock()
		return
	}
	from := m.setStateLocked(Reconnecting)
	// 上一轮重连可能还在恢复订阅，链路已经断了，直接取消
	prev := m.reconnectCancel
	ctx, cancel := context.WithCancel(context.Background())
	m.reconnectCancel = cancel
	m.reconnectGen++
	gen := m.reconnectGen
	m.mu.Unlock()

	if prev != nil {
		prev()
	}
	m.logger.Warn("MQTT link lost, reconnecting", zap.Error(fmt.Errorf("%w: %v", ErrLinkLost, cause)))
	m.notify(from, Reconnecting)

	go m.reconnectLoop(ctx, cancel, tag, gen)
}

// reconnectLoop 退避重连；恢复订阅结束前 reconnectCancel 保持有效，Disconnect 可以中断恢复
func (m *Manager) reconnectLoop(ctx context.Context, cancel context.CancelFunc, tag, gen uint64) {
	defer cancel()
	for attempt := 0; ; attempt++ {
		delay := m.opts.Backoff.Delay(attempt)
		if err := m.sleep(ctx, delay); err != nil {
			return
		}
		if !m.epoch.Valid(tag) {
			return
		}

		err := m.dial(ctx, tag)
		if err != nil {
			m.logger.Warn("Reconnect attempt failed",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			continue
		}

		m.mu.Lock()
		if ctx.Err() != nil || m.state != Reconnecting || !m.epoch.Valid(tag) {
			m.mu.Unlock()
			m.transport.Disconnect()
			return
		}
		from := m.setStateLocked(Connected)
		m.reconnects++
		restore := m.restore
		m.mu.Unlock()

		m.logger.Info("Reconnected to MQTT broker", zap.Int("attempts", attempt+1))
		m.announcePresence()
		if restore != nil {
			if err := restore(ctx); err != nil {
				m.logger.Warn("Subscription restore after reconnect incomplete", zap.Error(err))
			}
		}

		m.mu.Lock()
		if m.reconnectGen == gen {
			m.reconnectCancel = nil
		}
		m.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		m.notify(from, Connected)
		return
	}
}

// announcePresence 发布保留的“当前监控患者”标记；失败只记录日志
func (m *Manager) announcePresence() {
	if m.opts.PresenceTopic == "" {
		return
	}
	err := m.transport.Publish(m.opts.PresenceTopic, presenceQoS, true, []byte(m.opts.PatientID))
	if err != nil {
		m.logger.Error("Failed to publish presence marker",
			zap.String("topic", m.opts.PresenceTopic),
			zap.Error(err),
		)
		return
	}
	m.logger.Debug("Published presence marker", zap.String("topic", m.opts.PresenceTopic))
}

func (m *Manager) setStateLocked(to State) State {
	from := m.state
	m.state = to
	return from
}

func (m *Manager) notify(from, to State) {
	if from == to {
		return
	}
	m.mu.Lock()
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	entries := make([]listenerEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, m.listeners[id])
	}
	m.mu.Unlock()

	for _, e := range entries {
		if !m.epoch.Valid(e.tag) {
			continue
		}
		m.callListener(e.fn, from, to)
	}
}

func (m *Manager) callListener(fn Listener, from, to State) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("State listener panicked", zap.Any("panic", rec))
		}
	}()
	fn(from, to)
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
