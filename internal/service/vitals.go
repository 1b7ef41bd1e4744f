package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"wisefido-vitals/internal/models"
	"wisefido-vitals/internal/session"
	"wisefido-vitals/internal/view"

	"go.uber.org/zap"
)

var (
	// ErrNotMonitored 患者没有正在监控的会话
	ErrNotMonitored = errors.New("patient is not monitored")
	// ErrHistoryDisabled 未配置数据库
	ErrHistoryDisabled = errors.New("vitals history is disabled")
	// ErrServiceStopped 服务已停止
	ErrServiceStopped = errors.New("vitals service stopped")
)

const (
	// DefaultHistoryInterval 历史记录写入间隔
	DefaultHistoryInterval = 60 * time.Second
	// DefaultHistoryRetention 历史记录保留时长
	DefaultHistoryRetention = 7 * 24 * time.Hour
	// DefaultRefreshInterval 没有推送时重新计算状态并续期缓存的间隔
	DefaultRefreshInterval = 10 * time.Second
	pruneInterval          = time.Hour
	sinkTimeout             = 5 * time.Second
)

// SnapshotStore 最新视图缓存（cache.SnapshotCache）
type SnapshotStore interface {
	Put(ctx context.Context, v *view.PatientVitals) error
	Delete(ctx context.Context, patientID string) error
}

// StreamSink 视图变更流（cache.StreamPublisher）
type StreamSink interface {
	Publish(ctx context.Context, v *view.PatientVitals) (string, error)
}

// HistoryStore 历史记录存储（repository.VitalsRepository）
type HistoryStore interface {
	InsertSnapshot(ctx context.Context, patientID string, snap *models.TelemetrySnapshot, recordedAt time.Time) (int64, error)
	ListHistory(ctx context.Context, patientID string, since time.Time, limit int) ([]*models.VitalsRecord, error)
	GetLatest(ctx context.Context, patientID string) (*models.VitalsRecord, error)
	GetLatestForPatients(ctx context.Context, patientIDs []string) (map[string]*models.VitalsRecord, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Options 服务选项
type Options struct {
	Session         session.Config
	HistoryInterval time.Duration
	// HistoryRetention 小于 0 时不清理
	HistoryRetention time.Duration
	// RefreshInterval 不超过 StaleAfter 的一半，也应小于缓存 TTL
	RefreshInterval time.Duration
}

// Deps 外部依赖；Cache、Stream、History 为空时对应功能关闭
type Deps struct {
	Transports session.TransportFactory
	Cache      SnapshotStore
	Stream     StreamSink
	History    HistoryStore
}

type monitored struct {
	session *session.Session
	cancel  func()
	done    chan struct{}

	mu          sync.Mutex
	latest      *models.TelemetrySnapshot
	dirty       bool
	lastStatus  session.Status
	lastUpdated time.Time
}

// VitalsService 管理所有患者的遥测会话，并把视图分发到缓存、流和历史表
type VitalsService struct {
	opts   Options
	deps   Deps
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*monitored
	stopped  bool

	loopCancel context.CancelFunc
	loopDone   chan struct{}
	now        func() time.Time
}

// NewVitalsService 创建服务
func NewVitalsService(opts Options, deps Deps, logger *zap.Logger) *VitalsService {
	if opts.HistoryInterval <= 0 {
		opts.HistoryInterval = DefaultHistoryInterval
	}
	if opts.HistoryRetention == 0 {
		opts.HistoryRetention = DefaultHistoryRetention
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if half := opts.Session.StaleAfter / 2; half > 0 && opts.RefreshInterval > half {
		opts.RefreshInterval = half
	}
	return &VitalsService{
		opts:     opts,
		deps:     deps,
		logger:   logger,
		sessions: make(map[string]*monitored),
		now:      time.Now,
	}
}

// Start 启动历史记录定时任务
func (s *VitalsService) Start(ctx context.Context) {
	if s.deps.History == nil {
		s.logger.Info("Vitals history disabled")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.loopCancel = cancel
	s.loopDone = make(chan struct{})
	done := s.loopDone
	s.mu.Unlock()

	go s.historyLoop(loopCtx, done)
}

func (s *VitalsService) historyLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.opts.HistoryInterval)
	defer ticker.Stop()

	s.logger.Info("Starting vitals history writer",
		zap.Duration("interval", s.opts.HistoryInterval),
		zap.Duration("retention", s.opts.HistoryRetention),
	)
	var lastPrune time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.FlushHistory(ctx)
			if now := s.now(); now.Sub(lastPrune) >= pruneInterval {
				lastPrune = now
				_, _ = s.PruneHistory(ctx)
			}
		}
	}
}

// PruneHistory 删除超过保留时长的历史记录
func (s *VitalsService) PruneHistory(ctx context.Context) (int64, error) {
	if s.deps.History == nil {
		return 0, ErrHistoryDisabled
	}
	if s.opts.HistoryRetention < 0 {
		return 0, nil
	}
	n, err := s.deps.History.DeleteBefore(ctx, s.now().Add(-s.opts.HistoryRetention))
	if err != nil {
		s.logger.Error("Failed to prune vitals history", zap.Error(err))
		return 0, err
	}
	if n > 0 {
		s.logger.Info("Pruned vitals history", zap.Int64("deleted", n))
	}
	return n, nil
}

// Monitor 开始监控患者；已有可用会话时直接返回
// 之前关闭或连接失败的会话会被替换
func (s *VitalsService) Monitor(ctx context.Context, patientID string) (*session.Session, error) {
	if patientID == "" {
		return nil, session.ErrInvalidPatientID
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrServiceStopped
	}
	if m, ok := s.sessions[patientID]; ok {
		state := m.session.State()
		if state != session.Closed && !(state == session.Idle && m.session.Err() != nil) {
			s.mu.Unlock()
			return m.session, nil
		}
		delete(s.sessions, patientID)
		s.mu.Unlock()
		s.shutdown(patientID, m)

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return nil, ErrServiceStopped
		}
		if other, ok := s.sessions[patientID]; ok {
			s.mu.Unlock()
			return other.session, nil
		}
	}

	sess := session.New(s.opts.Session, s.deps.Transports, s.logger)
	ch, cancel := sess.Watch()
	m := &monitored{
		session: sess,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.sessions[patientID] = m
	s.mu.Unlock()

	go s.pump(patientID, m, ch)

	if err := sess.Start(ctx, patientID); err != nil {
		s.logger.Warn("Failed to start monitoring",
			zap.String("patient_id", patientID),
			zap.Error(err),
		)
		return sess, fmt.Errorf("failed to monitor patient %s: %w", patientID, err)
	}
	return sess, nil
}

// Release 停止监控患者
func (s *VitalsService) Release(patientID string) error {
	s.mu.Lock()
	m, ok := s.sessions[patientID]
	if ok {
		delete(s.sessions, patientID)
	}
	s.mu.Unlock()

	if !ok {
		return ErrNotMonitored
	}
	s.shutdown(patientID, m)
	return nil
}

// Switch 切换监控患者（界面上下文切换）
func (s *VitalsService) Switch(ctx context.Context, from, to string) (*session.Session, error) {
	if from != "" && from != to {
		if err := s.Release(from); err != nil && !errors.Is(err, ErrNotMonitored) {
			return nil, err
		}
	}
	return s.Monitor(ctx, to)
}

// Session 患者当前会话
func (s *VitalsService) Session(patientID string) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sessions[patientID]
	if !ok {
		return nil, false
	}
	return m.session, true
}

// Patients 正在监控的患者（排序）
func (s *VitalsService) Patients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// History 患者历史记录
func (s *VitalsService) History(ctx context.Context, patientID string, since time.Time, limit int) ([]*models.VitalsRecord, error) {
	if s.deps.History == nil {
		return nil, ErrHistoryDisabled
	}
	return s.deps.History.ListHistory(ctx, patientID, since, limit)
}

// LatestHistory 患者最近一条历史记录
func (s *VitalsService) LatestHistory(ctx context.Context, patientID string) (*models.VitalsRecord, error) {
	if s.deps.History == nil {
		return nil, ErrHistoryDisabled
	}
	return s.deps.History.GetLatest(ctx, patientID)
}

// LatestHistoryFor 多个患者各自最近一条历史记录
func (s *VitalsService) LatestHistoryFor(ctx context.Context, patientIDs []string) (map[string]*models.VitalsRecord, error) {
	if s.deps.History == nil {
		return nil, ErrHistoryDisabled
	}
	return s.deps.History.GetLatestForPatients(ctx, patientIDs)
}

// FlushHistory 把有变化的最新快照写入历史表，返回写入条数
func (s *VitalsService) FlushHistory(ctx context.Context) int {
	if s.deps.History == nil {
		return 0
	}

	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	entries := make([]*monitored, 0, len(s.sessions))
	for id, m := range s.sessions {
		ids = append(ids, id)
		entries = append(entries, m)
	}
	s.mu.Unlock()

	written := 0
	for i, m := range entries {
		if s.flushOne(ctx, ids[i], m) {
			written++
		}
	}
	if written > 0 {
		s.logger.Debug("Flushed vitals history", zap.Int("count", written))
	}
	return written
}

func (s *VitalsService) flushOne(ctx context.Context, patientID string, m *monitored) bool {
	m.mu.Lock()
	snap, dirty := m.latest, m.dirty
	m.dirty = false
	m.mu.Unlock()

	if !dirty || snap == nil {
		return false
	}
	if _, err := s.deps.History.InsertSnapshot(ctx, patientID, snap, s.now()); err != nil {
		s.logger.Error("Failed to write vitals history",
			zap.String("patient_id", patientID),
			zap.Error(err),
		)
		m.mu.Lock()
		if m.latest == snap {
			m.dirty = true
		}
		m.mu.Unlock()
		return false
	}
	return true
}

// Stop 停止所有会话；最后一次写入历史记录
func (s *VitalsService) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel, done := s.loopCancel, s.loopDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.FlushHistory(ctx)

	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*monitored)
	s.mu.Unlock()

	for id, m := range sessions {
		s.shutdown(id, m)
	}
	s.logger.Info("Vitals service stopped", zap.Int("sessions", len(sessions)))
}

func (s *VitalsService) shutdown(patientID string, m *monitored) {
	m.session.Stop()
	m.cancel()
	<-m.done
	s.logger.Info("Released patient", zap.String("patient_id", patientID))
}

// pump 消费会话推送，分发到各个 sink；会话关闭后清理缓存
// 患者长时间没有数据时会话不会推送，定时重新读取状态，让 stale 能送达并续期缓存
func (s *VitalsService) pump(patientID string, m *monitored, ch <-chan session.Update) {
	defer close(m.done)
	ticker := time.NewTicker(s.opts.RefreshInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				break loop
			}
			s.dispatch(m, u, false)
		case <-ticker.C:
			if u := m.session.Current(); u.State != session.Closed {
				s.dispatch(m, u, true)
			}
		}
	}

	if s.deps.Cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		defer cancel()
		if err := s.deps.Cache.Delete(ctx, patientID); err != nil {
			s.logger.Warn("Failed to clear snapshot cache", zap.String("patient_id", patientID), zap.Error(err))
		}
	}
}

// dispatch 状态或数据变化时写缓存并发布到流；refresh 时即使没有变化也重写缓存
func (s *VitalsService) dispatch(m *monitored, u session.Update, refresh bool) {
	if u.PatientID == "" {
		return
	}

	var lastUpdated time.Time
	if u.Snapshot != nil {
		lastUpdated = u.Snapshot.LastUpdated
	}

	m.mu.Lock()
	changed := u.Status != m.lastStatus || !lastUpdated.Equal(m.lastUpdated)
	m.lastStatus = u.Status
	if !lastUpdated.Equal(m.lastUpdated) && u.Snapshot != nil {
		m.latest = u.Snapshot
		m.dirty = true
	}
	m.lastUpdated = lastUpdated
	m.mu.Unlock()

	if !changed && !refresh {
		return
	}

	v := view.FromUpdate(u)
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	if s.deps.Cache != nil {
		if err := s.deps.Cache.Put(ctx, v); err != nil {
			s.logger.Warn("Failed to update snapshot cache", zap.String("patient_id", u.PatientID), zap.Error(err))
		}
	}
	if changed && s.deps.Stream != nil {
		if _, err := s.deps.Stream.Publish(ctx, v); err != nil {
			s.logger.Warn("Failed to publish vitals stream", zap.String("patient_id", u.PatientID), zap.Error(err))
		}
	}
}
