package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"wisefido-vitals/internal/cache"
	"wisefido-vitals/internal/models"
	"wisefido-vitals/internal/repository"
	"wisefido-vitals/internal/service"
	"wisefido-vitals/internal/session"
	"wisefido-vitals/internal/subscription"
	"wisefido-vitals/internal/view"

	"go.uber.org/zap"
)

// VitalsService 处理器依赖的服务能力（service.VitalsService）
type VitalsService interface {
	Monitor(ctx context.Context, patientID string) (*session.Session, error)
	Release(patientID string) error
	Session(patientID string) (*session.Session, bool)
	Patients() []string
	History(ctx context.Context, patientID string, since time.Time, limit int) ([]*models.VitalsRecord, error)
	LatestHistory(ctx context.Context, patientID string) (*models.VitalsRecord, error)
	LatestHistoryFor(ctx context.Context, patientIDs []string) (map[string]*models.VitalsRecord, error)
}

// SnapshotReader 读取其他实例写入的缓存（cache.SnapshotCache），可为空
type SnapshotReader interface {
	Get(ctx context.Context, patientID string) (*view.PatientVitals, error)
}

// VitalsHandler 生命体征 API
type VitalsHandler struct {
	svc    VitalsService
	cache  SnapshotReader
	logger *zap.Logger
}

func NewVitalsHandler(svc VitalsService, cache SnapshotReader, logger *zap.Logger) *VitalsHandler {
	return &VitalsHandler{svc: svc, cache: cache, logger: logger}
}

// ListPatients GET /vitals/api/v1/patients
func (h *VitalsHandler) ListPatients(w http.ResponseWriter, r *http.Request) {
	ids := h.svc.Patients()
	items := make([]*view.PatientVitals, 0, len(ids))
	for _, id := range ids {
		if sess, ok := h.svc.Session(id); ok {
			items = append(items, view.FromSession(sess))
		}
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": items,
		"total": len(items),
	}))
}

// GetPatient GET /vitals/api/v1/patients/{id}
// 本实例没有监控该患者时回退到 Redis 缓存
func (h *VitalsHandler) GetPatient(w http.ResponseWriter, r *http.Request, patientID string) {
	if sess, ok := h.svc.Session(patientID); ok {
		writeJSON(w, http.StatusOK, Ok(view.FromSession(sess)))
		return
	}

	if h.cache != nil {
		v, err := h.cache.Get(r.Context(), patientID)
		if err == nil {
			writeJSON(w, http.StatusOK, Ok(v))
			return
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			h.logger.Warn("Failed to read snapshot cache", zap.String("patient_id", patientID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusNotFound, Fail("patient is not monitored"))
}

// Monitor POST /vitals/api/v1/patients/{id}/monitor
func (h *VitalsHandler) Monitor(w http.ResponseWriter, r *http.Request, patientID string) {
	sess, err := h.svc.Monitor(r.Context(), patientID)
	if err != nil {
		var sfe *subscription.SubscriptionFailedError
		switch {
		case errors.As(err, &sfe) && sess != nil:
			// 部分订阅：继续监控，由视图中的 degraded 状态告知前端
			writeJSON(w, http.StatusOK, Ok(view.FromSession(sess)))
		case errors.Is(err, session.ErrInvalidPatientID):
			writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
		case errors.Is(err, service.ErrServiceStopped):
			writeJSON(w, http.StatusServiceUnavailable, Fail(err.Error()))
		default:
			h.logger.Warn("Monitor request failed", zap.String("patient_id", patientID), zap.Error(err))
			writeJSON(w, http.StatusBadGateway, Fail(err.Error()))
		}
		return
	}
	writeJSON(w, http.StatusOK, Ok(view.FromSession(sess)))
}

// Release DELETE /vitals/api/v1/patients/{id}/monitor
func (h *VitalsHandler) Release(w http.ResponseWriter, r *http.Request, patientID string) {
	if err := h.svc.Release(patientID); err != nil {
		if errors.Is(err, service.ErrNotMonitored) {
			writeJSON(w, http.StatusNotFound, Fail(err.Error()))
			return
		}
		writeJSON(w, http.StatusInternalServerError, Fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]string{"patient_id": patientID}))
}

// History GET /vitals/api/v1/patients/{id}/history?since=&limit=
func (h *VitalsHandler) History(w http.ResponseWriter, r *http.Request, patientID string) {
	q := r.URL.Query()
	since, ok := parseTime(q.Get("since"), time.Now().Add(-24*time.Hour))
	if !ok {
		writeJSON(w, http.StatusBadRequest, Fail("invalid since"))
		return
	}
	limit := parseInt(q.Get("limit"), 100)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	items, err := h.svc.History(r.Context(), patientID, since, limit)
	if err != nil {
		if errors.Is(err, service.ErrHistoryDisabled) {
			writeJSON(w, http.StatusNotImplemented, Fail(err.Error()))
			return
		}
		h.logger.Error("Failed to query vitals history", zap.String("patient_id", patientID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to query history"))
		return
	}
	if items == nil {
		items = []*models.VitalsRecord{}
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": items,
		"total": len(items),
	}))
}

// LatestHistory GET /vitals/api/v1/patients/{id}/history/latest
func (h *VitalsHandler) LatestHistory(w http.ResponseWriter, r *http.Request, patientID string) {
	rec, err := h.svc.LatestHistory(r.Context(), patientID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrHistoryDisabled):
			writeJSON(w, http.StatusNotImplemented, Fail(err.Error()))
		case errors.Is(err, repository.ErrNotFound):
			writeJSON(w, http.StatusNotFound, Fail("no history for patient"))
		default:
			h.logger.Error("Failed to query latest vitals", zap.String("patient_id", patientID), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, Fail("failed to query history"))
		}
		return
	}
	writeJSON(w, http.StatusOK, Ok(rec))
}

// LatestHistoryFor GET /vitals/api/v1/history/latest?patient_ids=p1,p2
// 不传 patient_ids 时查询本实例正在监控的患者
func (h *VitalsHandler) LatestHistoryFor(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("patient_ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		ids = h.svc.Patients()
	}

	items, err := h.svc.LatestHistoryFor(r.Context(), ids)
	if err != nil {
		if errors.Is(err, service.ErrHistoryDisabled) {
			writeJSON(w, http.StatusNotImplemented, Fail(err.Error()))
			return
		}
		h.logger.Error("Failed to query latest vitals", zap.Int("patients", len(ids)), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to query history"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": items,
		"total": len(items),
	}))
}
