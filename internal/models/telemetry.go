package models

import (
	"encoding/json"
	"time"
)

// Field 生命体征字段
type Field string

const (
	FieldHeartRate        Field = "heartRate"
	FieldRespiratoryRate  Field = "respiratoryRate"
	FieldTemperature      Field = "temperature"
	FieldOxygenSaturation Field = "oxygenSaturation"
	FieldBloodPressure    Field = "bloodPressure"
)

// AllFields 按界面展示顺序排列
var AllFields = []Field{
	FieldHeartRate,
	FieldRespiratoryRate,
	FieldTemperature,
	FieldOxygenSaturation,
	FieldBloodPressure,
}

// Unit 各字段的默认单位
func (f Field) Unit() string {
	switch f {
	case FieldHeartRate:
		return "bpm"
	case FieldRespiratoryRate:
		return "br/min"
	case FieldTemperature:
		return "°C"
	case FieldOxygenSaturation:
		return "%"
	case FieldBloodPressure:
		return "mmHg"
	default:
		return ""
	}
}

// Reading 单个生命体征读数
//
// SourceTimestamp 是设备上报的时间戳原文（HasTimestamp=false 表示消息未携带时间戳），按十进制精确比较；
// Sequence 是本会话内的到达序号，UpdatedAt 是写入快照时的本地时间。
type Reading struct {
	Value           float64     `json:"value"`
	Diastolic       *float64    `json:"diastolic,omitempty"` // 仅血压
	Unit            string      `json:"unit"`
	SourceTimestamp json.Number `json:"source_timestamp,omitempty"`
	HasTimestamp    bool        `json:"has_timestamp"`
	Sequence        uint64      `json:"sequence"`
	UpdatedAt       time.Time   `json:"updated_at"`
	SourceTopic     string      `json:"source_topic"`
}

// Clone 深拷贝
func (r *Reading) Clone() *Reading {
	if r == nil {
		return nil
	}
	c := *r
	if r.Diastolic != nil {
		d := *r.Diastolic
		c.Diastolic = &d
	}
	return &c
}

// TelemetrySnapshot 合并后的患者生命体征快照
type TelemetrySnapshot struct {
	HeartRate        *Reading  `json:"heart_rate,omitempty"`
	RespiratoryRate  *Reading  `json:"respiratory_rate,omitempty"`
	Temperature      *Reading  `json:"temperature,omitempty"`
	OxygenSaturation *Reading  `json:"oxygen_saturation,omitempty"`
	BloodPressure    *Reading  `json:"blood_pressure,omitempty"`
	LastUpdated      time.Time `json:"last_updated"`
}

// Get 按字段读取
func (s *TelemetrySnapshot) Get(f Field) *Reading {
	if s == nil {
		return nil
	}
	switch f {
	case FieldHeartRate:
		return s.HeartRate
	case FieldRespiratoryRate:
		return s.RespiratoryRate
	case FieldTemperature:
		return s.Temperature
	case FieldOxygenSaturation:
		return s.OxygenSaturation
	case FieldBloodPressure:
		return s.BloodPressure
	default:
		return nil
	}
}

// Set 按字段写入（只应由 merger 调用）
func (s *TelemetrySnapshot) Set(f Field, r *Reading) {
	switch f {
	case FieldHeartRate:
		s.HeartRate = r
	case FieldRespiratoryRate:
		s.RespiratoryRate = r
	case FieldTemperature:
		s.Temperature = r
	case FieldOxygenSaturation:
		s.OxygenSaturation = r
	case FieldBloodPressure:
		s.BloodPressure = r
	}
}

// Clone 深拷贝，供只读方使用
func (s *TelemetrySnapshot) Clone() *TelemetrySnapshot {
	if s == nil {
		return nil
	}
	return &TelemetrySnapshot{
		HeartRate:        s.HeartRate.Clone(),
		RespiratoryRate:  s.RespiratoryRate.Clone(),
		Temperature:      s.Temperature.Clone(),
		OxygenSaturation: s.OxygenSaturation.Clone(),
		BloodPressure:    s.BloodPressure.Clone(),
		LastUpdated:      s.LastUpdated,
	}
}
