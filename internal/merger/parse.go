package merger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"wisefido-vitals/internal/models"
)

// ErrMalformedMessage 消息无法解析或字段类型不符
var ErrMalformedMessage = errors.New("malformed telemetry message")

// ParseHealthPayload 校验并解析床旁监护仪消息
//
// 必须是 JSON 对象；出现的字段必须是数值（或数值字符串），null 视为未出现。
// heartRate 不在此消息中处理：心率以可穿戴设备为准。
func ParseHealthPayload(payload []byte) (*models.HealthPayload, error) {
	obj, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}

	p := &models.HealthPayload{}
	if p.RespiratoryRate, err = parseMeasurement(obj, "respiratoryRate", false); err != nil {
		return nil, err
	}
	if p.Temperature, err = parseMeasurement(obj, "temperature", false); err != nil {
		return nil, err
	}
	if p.OxygenSaturation, err = parseMeasurement(obj, "oxygenSaturation", false); err != nil {
		return nil, err
	}
	if p.BloodPressure, err = parseMeasurement(obj, "bloodPressure", true); err != nil {
		return nil, err
	}
	if p.Timestamp, err = parseTimestamp(obj); err != nil {
		return nil, err
	}
	return p, nil
}

// ParseWearablePayload 校验并解析可穿戴心率消息，heartRate 必填
func ParseWearablePayload(payload []byte) (*models.WearablePayload, error) {
	obj, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}

	hr, err := parseMeasurement(obj, "heartRate", false)
	if err != nil {
		return nil, err
	}
	if hr == nil {
		return nil, fmt.Errorf("%w: heartRate is required", ErrMalformedMessage)
	}

	ts, err := parseTimestamp(obj)
	if err != nil {
		return nil, err
	}
	return &models.WearablePayload{HeartRate: *hr, Timestamp: ts}, nil
}

func decodeObject(payload []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrMalformedMessage)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return obj, nil
}

func parseMeasurement(obj map[string]json.RawMessage, key string, allowPair bool) (*models.Measurement, error) {
	raw, ok := obj[key]
	if !ok || isNull(raw) {
		return nil, nil
	}

	if v, ok := decodeNumber(raw); ok {
		return &models.Measurement{Value: v}, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if m, ok := parseMeasurementString(s, allowPair); ok {
			return m, nil
		}
		return nil, fmt.Errorf("%w: %s is not numeric: %q", ErrMalformedMessage, key, s)
	}

	if allowPair {
		var pair struct {
			Systolic  *float64 `json:"systolic"`
			Diastolic *float64 `json:"diastolic"`
		}
		if err := json.Unmarshal(raw, &pair); err == nil && pair.Systolic != nil && finite(*pair.Systolic) {
			m := &models.Measurement{Value: *pair.Systolic}
			if pair.Diastolic != nil && finite(*pair.Diastolic) {
				d := *pair.Diastolic
				m.Diastolic = &d
			}
			return m, nil
		}
	}

	return nil, fmt.Errorf("%w: %s has unsupported type", ErrMalformedMessage, key)
}

// parseMeasurementString 接受 "72"、" 36.8 "，血压额外接受 "120/80"
func parseMeasurementString(s string, allowPair bool) (*models.Measurement, bool) {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseFloat(s, 64); err == nil && finite(v) {
		return &models.Measurement{Value: v}, true
	}
	if !allowPair {
		return nil, false
	}
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return nil, false
	}
	sys, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil || !finite(sys) {
		return nil, false
	}
	dia, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil || !finite(dia) {
		return nil, false
	}
	return &models.Measurement{Value: sys, Diastolic: &dia}, true
}

const (
	maxTimestampLen      = 64
	maxTimestampExponent = 32
)

// parseTimestamp 数值（或数值字符串）原样保留为排序键，不做截断；RFC3339 字符串转换为 Unix 毫秒
func parseTimestamp(obj map[string]json.RawMessage) (json.Number, error) {
	raw, ok := obj["timestamp"]
	if !ok || isNull(raw) {
		return "", nil
	}

	if n, ok := timestampNumber(raw); ok {
		return n, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if n, ok := timestampNumber([]byte(s)); ok {
			return n, nil
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return json.Number(strconv.FormatInt(t.UnixMilli(), 10)), nil
		}
		return "", fmt.Errorf("%w: invalid timestamp %q", ErrMalformedMessage, s)
	}

	return "", fmt.Errorf("%w: timestamp has unsupported type", ErrMalformedMessage)
}

// timestampNumber 校验 JSON 数值字面量；指数过大或过长的数值视为非法
func timestampNumber(raw []byte) (json.Number, bool) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil || n == "" || len(n) > maxTimestampLen {
		return "", false
	}
	if _, err := n.Float64(); err != nil {
		return "", false
	}
	if i := strings.IndexAny(n.String(), "eE"); i >= 0 {
		exp, err := strconv.Atoi(n.String()[i+1:])
		if err != nil || exp > maxTimestampExponent || exp < -maxTimestampExponent {
			return "", false
		}
	}
	return n, true
}

func decodeNumber(raw json.RawMessage) (float64, bool) {
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return 0, false
	}
	v, err := n.Float64()
	if err != nil || !finite(v) {
		return 0, false
	}
	return v, true
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
