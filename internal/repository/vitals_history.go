package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wisefido-vitals/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// ErrNotFound 没有历史记录
var ErrNotFound = errors.New("vitals record not found")

// DefaultHistoryLimit 历史查询默认条数
const DefaultHistoryLimit = 100

const selectColumns = `
	id,
	patient_id,
	recorded_at,
	heart_rate,
	respiratory_rate,
	temperature,
	oxygen_saturation,
	systolic,
	diastolic,
	snapshot
`

// VitalsRepository 生命体征历史仓库
type VitalsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewVitalsRepository 创建生命体征历史仓库
func NewVitalsRepository(db *sql.DB, logger *zap.Logger) *VitalsRepository {
	return &VitalsRepository{
		db:     db,
		logger: logger,
	}
}

// InsertSnapshot 写入一条快照记录
func (r *VitalsRepository) InsertSnapshot(ctx context.Context, patientID string, snap *models.TelemetrySnapshot, recordedAt time.Time) (int64, error) {
	if snap == nil {
		return 0, fmt.Errorf("failed to insert vitals history: empty snapshot")
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	var diastolic *float64
	if snap.BloodPressure != nil {
		diastolic = snap.BloodPressure.Diastolic
	}

	query := `
		INSERT INTO patient_vitals_history (
			patient_id,
			recorded_at,
			heart_rate,
			respiratory_rate,
			temperature,
			oxygen_saturation,
			systolic,
			diastolic,
			snapshot
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`

	var id int64
	err = r.db.QueryRowContext(ctx, query,
		patientID,
		recordedAt,
		valueOf(snap.HeartRate),
		valueOf(snap.RespiratoryRate),
		valueOf(snap.Temperature),
		valueOf(snap.OxygenSaturation),
		valueOf(snap.BloodPressure),
		diastolic,
		raw,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert patient_vitals_history: %w", err)
	}

	r.logger.Debug("Inserted vitals history",
		zap.String("patient_id", patientID),
		zap.Int64("id", id),
	)
	return id, nil
}

// GetLatest 患者最新一条记录
func (r *VitalsRepository) GetLatest(ctx context.Context, patientID string) (*models.VitalsRecord, error) {
	query := `SELECT ` + selectColumns + `
		FROM patient_vitals_history
		WHERE patient_id = $1
		ORDER BY recorded_at DESC
		LIMIT 1
	`
	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, patientID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest vitals: %w", err)
	}
	return rec, nil
}

// ListHistory 按时间倒序列出患者历史记录
func (r *VitalsRepository) ListHistory(ctx context.Context, patientID string, since time.Time, limit int) ([]*models.VitalsRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	query := `SELECT ` + selectColumns + `
		FROM patient_vitals_history
		WHERE patient_id = $1 AND recorded_at >= $2
		ORDER BY recorded_at DESC
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, patientID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query vitals history: %w", err)
	}
	defer rows.Close()

	var out []*models.VitalsRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vitals history: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate vitals history: %w", err)
	}
	return out, nil
}

// GetLatestForPatients 批量获取多个患者的最新记录，没有记录的患者不出现在结果中
func (r *VitalsRepository) GetLatestForPatients(ctx context.Context, patientIDs []string) (map[string]*models.VitalsRecord, error) {
	out := make(map[string]*models.VitalsRecord, len(patientIDs))
	if len(patientIDs) == 0 {
		return out, nil
	}
	query := `SELECT DISTINCT ON (patient_id) ` + selectColumns + `
		FROM patient_vitals_history
		WHERE patient_id = ANY($1)
		ORDER BY patient_id, recorded_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(patientIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query latest vitals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan latest vitals: %w", err)
		}
		out[rec.PatientID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate latest vitals: %w", err)
	}
	return out, nil
}

// DeleteBefore 清理早于 cutoff 的历史记录，返回删除条数
func (r *VitalsRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM patient_vitals_history WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete vitals history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.VitalsRecord, error) {
	var (
		rec                                 models.VitalsRecord
		hr, rr, temp, spo2, systolic, diast sql.NullFloat64
		raw                                 []byte
	)
	if err := row.Scan(
		&rec.ID,
		&rec.PatientID,
		&rec.RecordedAt,
		&hr,
		&rr,
		&temp,
		&spo2,
		&systolic,
		&diast,
		&raw,
	); err != nil {
		return nil, err
	}

	rec.HeartRate = nullFloat(hr)
	rec.RespiratoryRate = nullFloat(rr)
	rec.Temperature = nullFloat(temp)
	rec.OxygenSaturation = nullFloat(spo2)
	rec.Systolic = nullFloat(systolic)
	rec.Diastolic = nullFloat(diast)

	if len(raw) > 0 {
		var snap models.TelemetrySnapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
		rec.Snapshot = &snap
	}
	return &rec, nil
}

func valueOf(r *models.Reading) *float64 {
	if r == nil {
		return nil
	}
	v := r.Value
	return &v
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
