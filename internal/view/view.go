// Package view 组装界面和下游消费者使用的患者生命体征视图
package view

import (
	"time"

	"wisefido-vitals/internal/connection"
	"wisefido-vitals/internal/gauge"
	"wisefido-vitals/internal/models"
	"wisefido-vitals/internal/session"
)

// PatientVitals 患者生命体征视图
type PatientVitals struct {
	PatientID       string                    `json:"patient_id"`
	Status          session.Status            `json:"status"`
	State           session.State             `json:"state"`
	ConnectionState connection.State          `json:"connection_state"`
	Snapshot        *models.TelemetrySnapshot `json:"snapshot"`
	Gauges          []gauge.VitalGauge        `json:"gauges"`
	MalformedCount  uint64                    `json:"malformed_count"`
	Error           string                    `json:"error,omitempty"`
	UpdatedAt       time.Time                 `json:"updated_at"`
}

// FromUpdate 由会话推送构建视图
func FromUpdate(u session.Update) *PatientVitals {
	v := &PatientVitals{
		PatientID:       u.PatientID,
		Status:          u.Status,
		State:           u.State,
		ConnectionState: u.ConnectionState,
		Snapshot:        u.Snapshot,
		Gauges:          gauge.ProjectSnapshot(u.Snapshot),
		MalformedCount:  u.MalformedCount,
		UpdatedAt:       u.At,
	}
	if u.Err != nil {
		v.Error = u.Err.Error()
	}
	return v
}

// FromSession 会话当前视图
func FromSession(s *session.Session) *PatientVitals {
	return FromUpdate(s.Current())
}
