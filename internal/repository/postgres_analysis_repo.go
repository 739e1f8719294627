package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/receteci/internal/model"
)

// PostgresAnalysisRepo はPostgreSQLを使用した評価結果キャッシュリポジトリ。
type PostgresAnalysisRepo struct {
	db *sql.DB
}

// NewPostgresAnalysisRepo はPostgresAnalysisRepoを生成する。
func NewPostgresAnalysisRepo(db *sql.DB) *PostgresAnalysisRepo {
	return &PostgresAnalysisRepo{db: db}
}

// FindByKeys は指定処方箋のうち、barkodsに含まれる評価結果をまとめて取得する。
func (r *PostgresAnalysisRepo) FindByKeys(ctx context.Context, receteNo string, barkods []string) (map[string]*model.AnalysisResult, error) {
	results := make(map[string]*model.AnalysisResult, len(barkods))
	if len(barkods) == 0 {
		return results, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT recete_no, barkod, is_valid, validity_score, evolution_details, processed_at, issuer_id, cached_at
		 FROM analyses WHERE recete_no = $1 AND barkod = ANY($2)`,
		receteNo, pq.Array(barkods),
	)
	if err != nil {
		return nil, fmt.Errorf("評価結果の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		res := &model.AnalysisResult{}
		if err := rows.Scan(
			&res.ReceteNo, &res.Barkod, &res.IsValid, &res.ValidityScore,
			&res.EvolutionDetails, &res.ProcessedAt, &res.IssuerID, &res.CachedAt,
		); err != nil {
			return nil, fmt.Errorf("評価結果のスキャンに失敗しました: %w", err)
		}
		results[res.Barkod] = res
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("評価結果の読み取りに失敗しました: %w", err)
	}
	return results, nil
}

// Upsert は評価結果を冪等にUPSERTする。
// CachedAtがゼロ値の場合は現在時刻を設定する。
func (r *PostgresAnalysisRepo) Upsert(ctx context.Context, result *model.AnalysisResult) error {
	if result.CachedAt.IsZero() {
		result.CachedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO analyses (recete_no, barkod, is_valid, validity_score, evolution_details, processed_at, issuer_id, cached_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (recete_no, barkod) DO UPDATE SET
		     is_valid = EXCLUDED.is_valid,
		     validity_score = EXCLUDED.validity_score,
		     evolution_details = EXCLUDED.evolution_details,
		     processed_at = EXCLUDED.processed_at,
		     issuer_id = EXCLUDED.issuer_id,
		     cached_at = EXCLUDED.cached_at`,
		result.ReceteNo, result.Barkod, result.IsValid, result.ValidityScore,
		result.EvolutionDetails, result.ProcessedAt, result.IssuerID, result.CachedAt,
	)
	if err != nil {
		return fmt.Errorf("評価結果の保存に失敗しました (recete_no=%s, barkod=%s): %w", result.ReceteNo, result.Barkod, err)
	}
	return nil
}

// DeleteAll は評価結果キャッシュを全件削除する。
func (r *PostgresAnalysisRepo) DeleteAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM analyses`); err != nil {
		return fmt.Errorf("評価結果キャッシュの削除に失敗しました: %w", err)
	}
	return nil
}
