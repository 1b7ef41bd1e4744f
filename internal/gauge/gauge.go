// Package gauge 把生命体征数值映射为界面仪表盘使用的归一化值
//
// 纯函数：输出总是 [0,100] 内的有限值，不会 panic。
package gauge

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"wisefido-vitals/internal/models"
)

// Gauge 仪表盘投影结果
type Gauge struct {
	Percentage      float64 `json:"percentage"`
	NormalizedAngle float64 `json:"normalized_angle"` // 扫过的角度（0-360 度）
}

// Bounds 仪表盘上下限
type Bounds struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Unit string  `json:"unit"`
}

// DefaultBounds 与门户界面保持一致的上下限
var DefaultBounds = map[models.Field]Bounds{
	models.FieldHeartRate:        {Min: 40, Max: 180, Unit: models.FieldHeartRate.Unit()},
	models.FieldRespiratoryRate:  {Min: 8, Max: 30, Unit: models.FieldRespiratoryRate.Unit()},
	models.FieldTemperature:      {Min: 35, Max: 40, Unit: models.FieldTemperature.Unit()},
	models.FieldOxygenSaturation: {Min: 80, Max: 100, Unit: models.FieldOxygenSaturation.Unit()},
	models.FieldBloodPressure:    {Min: 90, Max: 180, Unit: models.FieldBloodPressure.Unit()},
}

var leadingNumber = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?`)

// Project 计算 value 在 [min,max] 区间内的百分比
// value 缺失或不是数值时按 min 处理（空表盘）
func Project(value any, min, max float64) Gauge {
	v, ok := toFloat(value)
	if !ok {
		v = min
	}
	return fromPercentage(percentage(v, min, max))
}

// DashOffset 圆形进度条的 stroke-dashoffset
func (g Gauge) DashOffset(radius float64) float64 {
	if radius <= 0 || math.IsNaN(radius) || math.IsInf(radius, 0) {
		return 0
	}
	circumference := 2 * math.Pi * radius
	return circumference - (g.Percentage/100)*circumference
}

func percentage(v, min, max float64) float64 {
	if math.IsNaN(min) || math.IsNaN(max) || math.IsInf(min, 0) || math.IsInf(max, 0) || max <= min {
		return 0
	}
	p := (v - min) / (max - min) * 100
	if math.IsNaN(p) {
		return 0
	}
	return math.Min(math.Max(p, 0), 100)
}

func fromPercentage(p float64) Gauge {
	return Gauge{Percentage: p, NormalizedAngle: p * 3.6}
}

func toFloat(value any) (float64, bool) {
	var f float64
	switch v := value.(type) {
	case nil:
		return 0, false
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int32:
		f = float64(v)
	case int64:
		f = float64(v)
	case uint:
		f = float64(v)
	case uint32:
		f = float64(v)
	case uint64:
		f = float64(v)
	case *float64:
		if v == nil {
			return 0, false
		}
		f = *v
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, ok := parseLeadingFloat(v)
		if !ok {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// parseLeadingFloat 解析字符串开头的数字，"120/80" 得到 120
func parseLeadingFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, true
	}
	m := leadingNumber.FindString(s)
	if m == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
