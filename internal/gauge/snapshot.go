package gauge

import "wisefido-vitals/internal/models"

// VitalGauge 单个生命体征的展示数据
type VitalGauge struct {
	Field     models.Field `json:"field"`
	Value     *float64     `json:"value"`
	Diastolic *float64     `json:"diastolic,omitempty"`
	Unit      string       `json:"unit"`
	Min       float64      `json:"min"`
	Max       float64      `json:"max"`
	Gauge
}

// ProjectSnapshot 按 DefaultBounds 投影快照中的全部字段
// 快照为 nil 或字段缺失时给出空表盘
func ProjectSnapshot(s *models.TelemetrySnapshot) []VitalGauge {
	out := make([]VitalGauge, 0, len(models.AllFields))
	for _, f := range models.AllFields {
		b := DefaultBounds[f]
		vg := VitalGauge{
			Field: f,
			Unit:  b.Unit,
			Min:   b.Min,
			Max:   b.Max,
		}

		var value any
		if r := s.Get(f); r != nil {
			v := r.Value
			vg.Value = &v
			if r.Diastolic != nil {
				d := *r.Diastolic
				vg.Diastolic = &d
			}
			if r.Unit != "" {
				vg.Unit = r.Unit
			}
			value = v
		}
		vg.Gauge = Project(value, b.Min, b.Max)
		out = append(out, vg)
	}
	return out
}
