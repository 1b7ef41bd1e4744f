// Package session 是界面绑定的患者遥测会话
//
// 一个 Session 只对应一个患者：Start 建立连接、订阅两路遥测主题并发布在线标记，
// 入站消息经订阅表路由到合并器；Stop 使所有在途回调失效后拆除连接。Closed 为终态。
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"wisefido-vitals/internal/connection"
	"wisefido-vitals/internal/epoch"
	"wisefido-vitals/internal/merger"
	"wisefido-vitals/internal/models"
	"wisefido-vitals/internal/subscription"

	"go.uber.org/zap"
)

var (
	ErrClosed           = errors.New("session closed")
	ErrAlreadyStarted   = errors.New("session already started")
	ErrInvalidPatientID = errors.New("patient id is required")
	ErrPatientMismatch  = errors.New("session is bound to another patient")
)

const (
	DefaultHealthTopicPrefix   = "telemetry/health/"
	DefaultWearableTopicPrefix = "telemetry/wearable-heart/"
	DefaultPresenceTopic       = "telemetry/presence"
	DefaultStaleAfter          = 30 * time.Second
)

// Config 会话配置
type Config struct {
	HealthTopicPrefix   string
	WearableTopicPrefix string
	PresenceTopic       string

	Credentials         connection.Credentials
	QoS                 byte
	ConnectTimeout      time.Duration
	Backoff             connection.BackoffPolicy
	SubscribeRetryDelay time.Duration

	// StaleAfter 超过该时长没有新数据时状态显示为 stale，0 表示不判断
	StaleAfter time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		HealthTopicPrefix:   DefaultHealthTopicPrefix,
		WearableTopicPrefix: DefaultWearableTopicPrefix,
		PresenceTopic:       DefaultPresenceTopic,
		QoS:                 1,
		ConnectTimeout:      connection.DefaultConnectTimeout,
		Backoff:             connection.DefaultBackoff(),
		SubscribeRetryDelay: subscription.DefaultRetryDelay,
		StaleAfter:          DefaultStaleAfter,
	}
}

// Topics 患者的两路遥测主题
func (c Config) Topics(patientID string) merger.Topics {
	return merger.Topics{
		Health:   c.HealthTopicPrefix + patientID,
		Wearable: c.WearableTopicPrefix + patientID,
	}
}

// Session 患者遥测会话
type Session struct {
	cfg     Config
	factory TransportFactory
	logger  *zap.Logger
	epoch   epoch.Counter
	now     func() time.Time

	// mergeMu 串行化合并，并保证 Stop 返回后旧 epoch 的消息不会再写入快照
	mergeMu sync.Mutex

	mu        sync.Mutex
	state     State
	patientID string
	err       error
	manager   *connection.Manager
	registry  *subscription.Registry
	merger    *merger.Merger
	unlisten  func()

	watchMu     sync.Mutex
	watchers    map[int]chan Update
	nextWatcher int
}

// New 创建会话（未启动）
func New(cfg Config, factory TransportFactory, logger *zap.Logger) *Session {
	def := DefaultConfig()
	if cfg.HealthTopicPrefix == "" {
		cfg.HealthTopicPrefix = def.HealthTopicPrefix
	}
	if cfg.WearableTopicPrefix == "" {
		cfg.WearableTopicPrefix = def.WearableTopicPrefix
	}
	return &Session{
		cfg:      cfg,
		factory:  factory,
		logger:   logger,
		now:      time.Now,
		state:    Idle,
		watchers: make(map[int]chan Update),
	}
}

// Start 绑定患者并开始监控
//
// 连接失败时返回错误并回到 Idle，可以再次调用 Start 手动重试；
// 部分主题订阅失败时进入 Degraded 并返回 *subscription.SubscriptionFailedError。
func (s *Session) Start(ctx context.Context, patientID string) error {
	if patientID == "" {
		return ErrInvalidPatientID
	}

	s.mu.Lock()
	switch {
	case s.state == Closed:
		s.mu.Unlock()
		return ErrClosed
	case s.state != Idle:
		s.mu.Unlock()
		return ErrAlreadyStarted
	case s.patientID != "" && s.patientID != patientID:
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPatientMismatch, s.patientID)
	}

	s.patientID = patientID
	tag := s.epoch.Advance()
	logger := s.logger.With(zap.String("patient_id", patientID), zap.Uint64("epoch", tag))
	topics := s.cfg.Topics(patientID)

	transport := s.factory(patientID)
	m := merger.New(topics, logger)
	reg := subscription.NewRegistry(transport, map[string]subscription.Handler{
		topics.Health:   s.handler(tag, m.ApplyHealthUpdate),
		topics.Wearable: s.handler(tag, m.ApplyWearableUpdate),
	}, &s.epoch, subscription.Options{
		QoS:        s.cfg.QoS,
		RetryDelay: s.cfg.SubscribeRetryDelay,
	}, logger)
	mgr := connection.NewManager(transport, &s.epoch, connection.Options{
		PatientID:      patientID,
		PresenceTopic:  s.cfg.PresenceTopic,
		ConnectTimeout: s.cfg.ConnectTimeout,
		Backoff:        s.cfg.Backoff,
	}, logger)
	mgr.SetRestoreHook(s.restoreHook(tag, reg))
	unlisten := mgr.OnStateChange(func(from, to connection.State) {
		logger.Info("Connection state changed",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
		s.publish()
	})

	s.manager, s.registry, s.merger, s.unlisten = mgr, reg, m, unlisten
	s.err = nil
	s.state = Connecting
	s.mu.Unlock()
	s.publish()

	if err := mgr.Connect(ctx, s.cfg.Credentials); err != nil {
		s.mu.Lock()
		if !s.epoch.Valid(tag) || s.state == Closed {
			s.mu.Unlock()
			return ErrClosed
		}
		s.state = Idle
		s.err = err
		s.manager, s.registry, s.unlisten = nil, nil, nil
		s.mu.Unlock()

		unlisten()
		mgr.Disconnect()
		s.publish()
		return err
	}

	subErr := reg.Subscribe(ctx, []string{topics.Health, topics.Wearable})

	s.mu.Lock()
	if !s.epoch.Valid(tag) || s.state == Closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if subErr != nil {
		s.state = Degraded
		s.err = subErr
	} else {
		s.state = Subscribed
	}
	s.mu.Unlock()
	s.publish()

	if subErr != nil {
		logger.Warn("Monitoring with partial subscriptions",
			zap.Strings("failed_topics", subscription.FailedTopics(subErr)),
			zap.Error(subErr),
		)
		return subErr
	}
	logger.Info("Monitoring started", zap.String("health_topic", topics.Health), zap.String("wearable_topic", topics.Wearable))
	return nil
}

// Stop 停止监控，幂等
// epoch 先前进，之后到达的任何旧消息都不会修改快照
func (s *Session) Stop() {
	s.mergeMu.Lock()
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		s.mergeMu.Unlock()
		return
	}
	s.epoch.Advance()
	s.state = Closed
	mgr, reg, unlisten := s.manager, s.registry, s.unlisten
	s.unlisten = nil
	s.mu.Unlock()
	s.mergeMu.Unlock()

	if reg != nil && mgr != nil && mgr.State() == connection.Connected {
		if err := reg.UnsubscribeAll(); err != nil {
			s.logger.Warn("Failed to unsubscribe telemetry topics", zap.String("patient_id", s.PatientID()), zap.Error(err))
		}
	}
	if unlisten != nil {
		unlisten()
	}
	if mgr != nil {
		mgr.Disconnect()
	}

	s.publish()
	s.closeWatchers()
	s.logger.Info("Monitoring stopped", zap.String("patient_id", s.PatientID()))
}

// PatientID 绑定的患者
func (s *Session) PatientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patientID
}

// State 会话状态
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnectionState 连接状态
func (s *Session) ConnectionState() connection.State {
	s.mu.Lock()
	mgr, state := s.manager, s.state
	s.mu.Unlock()
	if mgr == nil {
		if state == Closed {
			return connection.Closed
		}
		return connection.Disconnected
	}
	return mgr.State()
}

// Snapshot 当前快照副本；尚无数据时为 nil
func (s *Session) Snapshot() *models.TelemetrySnapshot {
	s.mu.Lock()
	m := s.merger
	s.mu.Unlock()
	if m == nil {
		return nil
	}
	return m.CurrentSnapshot()
}

// Err 最近一次 Start 或订阅恢复的错误
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// MalformedCount 已丢弃的畸形消息数量
func (s *Session) MalformedCount() uint64 {
	s.mu.Lock()
	m := s.merger
	s.mu.Unlock()
	if m == nil {
		return 0
	}
	return m.MalformedCount()
}

// Epoch 当前 epoch
func (s *Session) Epoch() uint64 {
	return s.epoch.Current()
}

// ActiveTopics 活跃订阅的主题
func (s *Session) ActiveTopics() []string {
	s.mu.Lock()
	reg := s.registry
	s.mu.Unlock()
	if reg == nil {
		return nil
	}
	return reg.ActiveTopics()
}

// Status 界面展示状态
func (s *Session) Status() Status {
	return s.Current().Status
}

// Current 当前会话信息
func (s *Session) Current() Update {
	s.mu.Lock()
	u := Update{
		PatientID: s.patientID,
		State:     s.state,
		Err:       s.err,
	}
	mgr, m := s.manager, s.merger
	s.mu.Unlock()

	switch {
	case mgr != nil:
		u.ConnectionState = mgr.State()
	case u.State == Closed:
		u.ConnectionState = connection.Closed
	default:
		u.ConnectionState = connection.Disconnected
	}
	if m != nil {
		u.Snapshot = m.CurrentSnapshot()
		u.MalformedCount = m.MalformedCount()
	}
	u.At = s.now()
	u.Status = deriveStatus(u.State, u.ConnectionState, u.Err, u.Snapshot, u.At, s.cfg.StaleAfter)
	return u
}

// Watch 订阅会话变化，通道只保留最新一条；会话关闭后通道被关闭
func (s *Session) Watch() (<-chan Update, func()) {
	ch := make(chan Update, 1)
	ch <- s.Current()

	s.watchMu.Lock()
	if s.State() == Closed {
		s.watchMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = ch
	s.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.watchMu.Lock()
			defer s.watchMu.Unlock()
			if c, ok := s.watchers[id]; ok {
				delete(s.watchers, id)
				close(c)
			}
		})
	}
}

// handler 返回带 epoch 标记的主题处理函数
func (s *Session) handler(tag uint64, apply func([]byte) merger.Result) subscription.Handler {
	return func(topic string, payload []byte) {
		s.mergeMu.Lock()
		if !s.epoch.Valid(tag) {
			s.mergeMu.Unlock()
			return
		}
		res := apply(payload)
		s.mergeMu.Unlock()

		if res.Outcome == merger.Applied {
			s.publish()
		}
	}
}

// restoreHook 重连后恢复订阅并更新会话状态
func (s *Session) restoreHook(tag uint64, reg *subscription.Registry) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		err := reg.Restore(ctx)

		s.mu.Lock()
		if !s.epoch.Valid(tag) || (s.state != Subscribed && s.state != Degraded) {
			s.mu.Unlock()
			return err
		}
		if err != nil {
			s.state = Degraded
			s.err = err
		} else {
			s.state = Subscribed
			s.err = nil
		}
		s.mu.Unlock()
		s.publish()
		return err
	}
}

func (s *Session) publish() {
	u := s.Current()

	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	ids := make([]int, 0, len(s.watchers))
	for id := range s.watchers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		sendLatest(s.watchers[id], u)
	}
}

func (s *Session) closeWatchers() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for id, ch := range s.watchers {
		delete(s.watchers, id)
		close(ch)
	}
}

// sendLatest 非阻塞发送，通道满时丢弃旧值
func sendLatest(ch chan Update, u Update) {
	select {
	case ch <- u:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- u:
	default:
	}
}
