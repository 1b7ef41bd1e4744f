package models

import "encoding/json"

// Measurement 解析后的单项测量值
type Measurement struct {
	Value     float64
	Diastolic *float64
}

// HealthPayload 床旁监护仪消息（telemetry/health/{P}）
// 所有字段可选；nil 表示消息中未出现该字段
type HealthPayload struct {
	RespiratoryRate  *Measurement
	Temperature      *Measurement
	OxygenSaturation *Measurement
	BloodPressure    *Measurement
	Timestamp        json.Number // 为空表示未携带
}

// Fields 返回消息中出现的字段
func (p *HealthPayload) Fields() map[Field]Measurement {
	out := make(map[Field]Measurement, 4)
	if p.RespiratoryRate != nil {
		out[FieldRespiratoryRate] = *p.RespiratoryRate
	}
	if p.Temperature != nil {
		out[FieldTemperature] = *p.Temperature
	}
	if p.OxygenSaturation != nil {
		out[FieldOxygenSaturation] = *p.OxygenSaturation
	}
	if p.BloodPressure != nil {
		out[FieldBloodPressure] = *p.BloodPressure
	}
	return out
}

// WearablePayload 可穿戴心率设备消息（telemetry/wearable-heart/{P}）
type WearablePayload struct {
	HeartRate Measurement
	Timestamp json.Number
}
