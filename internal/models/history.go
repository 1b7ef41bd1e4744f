package models

import "time"

// VitalsRecord patient_vitals_history 表中的一行
type VitalsRecord struct {
	ID               int64              `json:"id"`
	PatientID        string             `json:"patient_id"`
	RecordedAt       time.Time          `json:"recorded_at"`
	HeartRate        *float64           `json:"heart_rate,omitempty"`
	RespiratoryRate  *float64           `json:"respiratory_rate,omitempty"`
	Temperature      *float64           `json:"temperature,omitempty"`
	OxygenSaturation *float64           `json:"oxygen_saturation,omitempty"`
	Systolic         *float64           `json:"systolic,omitempty"`
	Diastolic        *float64           `json:"diastolic,omitempty"`
	Snapshot         *TelemetrySnapshot `json:"snapshot,omitempty"` // 原始快照（JSONB）
}
