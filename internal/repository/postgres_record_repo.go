package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/receteci/internal/model"
)

// PostgresRecordRepo はPostgreSQLを使用した処方箋キャッシュリポジトリ。
type PostgresRecordRepo struct {
	db *sql.DB
}

// NewPostgresRecordRepo はPostgresRecordRepoを生成する。
func NewPostgresRecordRepo(db *sql.DB) *PostgresRecordRepo {
	return &PostgresRecordRepo{db: db}
}

// FindByReceteNo は指定処方箋番号のキャッシュを取得する。見つからない場合はnilを返す。
func (r *PostgresRecordRepo) FindByReceteNo(ctx context.Context, receteNo string) (*model.PrescriptionRecord, error) {
	records, err := r.FindByReceteNos(ctx, []string{receteNo})
	if err != nil {
		return nil, err
	}
	return records[receteNo], nil
}

// FindByReceteNos は複数の処方箋番号のキャッシュをまとめて取得する。
func (r *PostgresRecordRepo) FindByReceteNos(ctx context.Context, receteNos []string) (map[string]*model.PrescriptionRecord, error) {
	records := make(map[string]*model.PrescriptionRecord, len(receteNos))
	if len(receteNos) == 0 {
		return records, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT recete_no, record_date, last_transaction_date, facility_code, department_code, cached_at
		 FROM record_details WHERE recete_no = ANY($1)`,
		pq.Array(receteNos),
	)
	if err != nil {
		return nil, fmt.Errorf("処方箋キャッシュの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec := &model.PrescriptionRecord{}
		var recordDate, lastTx sql.NullTime
		if err := rows.Scan(&rec.ReceteNo, &recordDate, &lastTx, &rec.FacilityCode, &rec.DepartmentCode, &rec.CachedAt); err != nil {
			return nil, fmt.Errorf("処方箋キャッシュのスキャンに失敗しました: %w", err)
		}
		rec.RecordDate = nullTimeValue(recordDate)
		rec.LastTransactionDate = nullTimeValue(lastTx)
		records[rec.ReceteNo] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("処方箋キャッシュの読み取りに失敗しました: %w", err)
	}
	if len(records) == 0 {
		return records, nil
	}

	if err := r.loadMedicines(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

// loadMedicines は取得済み処方箋の薬品行を表示順で読み込む。
func (r *PostgresRecordRepo) loadMedicines(ctx context.Context, records map[string]*model.PrescriptionRecord) error {
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT recete_no, barkod, name, quantity, dose, period, eligible_from,
		        is_report_required, report_no, report_diagnoses, report_department
		 FROM record_medicines WHERE recete_no = ANY($1)
		 ORDER BY recete_no, line_no`,
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("薬品行の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m model.MedicineLine
		var eligibleFrom sql.NullTime
		var reportNo, reportDept sql.NullString
		var diagnoses pq.StringArray
		if err := rows.Scan(
			&m.ReceteNo, &m.Barkod, &m.Name, &m.Quantity, &m.Dose, &m.Period, &eligibleFrom,
			&m.IsReportRequired, &reportNo, &diagnoses, &reportDept,
		); err != nil {
			return fmt.Errorf("薬品行のスキャンに失敗しました: %w", err)
		}
		m.EligibleFrom = nullTimeValue(eligibleFrom)
		if reportNo.Valid {
			m.Report = &model.ReportDetail{
				ReportNo:             reportNo.String,
				Diagnoses:            []string(diagnoses),
				PrescriberDepartment: nullStringValue(reportDept),
			}
		}
		rec := records[m.ReceteNo]
		rec.Medicines = append(rec.Medicines, m)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("薬品行の読み取りに失敗しました: %w", err)
	}
	return nil
}

// Replace は処方箋と薬品行を1トランザクションで置き換える。
// CachedAtがゼロ値の場合は現在時刻を設定する。
func (r *PostgresRecordRepo) Replace(ctx context.Context, record *model.PrescriptionRecord) error {
	if record.CachedAt.IsZero() {
		record.CachedAt = time.Now()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO record_details (recete_no, record_date, last_transaction_date, facility_code, department_code, cached_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (recete_no) DO UPDATE SET
		     record_date = EXCLUDED.record_date,
		     last_transaction_date = EXCLUDED.last_transaction_date,
		     facility_code = EXCLUDED.facility_code,
		     department_code = EXCLUDED.department_code,
		     cached_at = EXCLUDED.cached_at`,
		record.ReceteNo, nullTime(record.RecordDate), nullTime(record.LastTransactionDate),
		record.FacilityCode, record.DepartmentCode, record.CachedAt,
	)
	if err != nil {
		return fmt.Errorf("処方箋キャッシュの保存に失敗しました: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM record_medicines WHERE recete_no = $1`, record.ReceteNo); err != nil {
		return fmt.Errorf("既存の薬品行の削除に失敗しました: %w", err)
	}

	for i, m := range record.Medicines {
		var reportNo, reportDept sql.NullString
		var diagnoses interface{}
		if m.Report != nil {
			reportNo = sql.NullString{String: m.Report.ReportNo, Valid: true}
			reportDept = nullString(m.Report.PrescriberDepartment)
			diagnoses = pq.Array(m.Report.Diagnoses)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO record_medicines (recete_no, barkod, line_no, name, quantity, dose, period,
			                               eligible_from, is_report_required, report_no, report_diagnoses, report_department)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			record.ReceteNo, m.Barkod, i, m.Name, m.Quantity, m.Dose, m.Period,
			nullTime(m.EligibleFrom), m.IsReportRequired, reportNo, diagnoses, reportDept,
		)
		if err != nil {
			return fmt.Errorf("薬品行の保存に失敗しました (barkod=%s): %w", m.Barkod, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteAll は処方箋キャッシュを全件削除する。薬品行はCASCADE削除される。
func (r *PostgresRecordRepo) DeleteAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM record_details`); err != nil {
		return fmt.Errorf("処方箋キャッシュの削除に失敗しました: %w", err)
	}
	return nil
}
