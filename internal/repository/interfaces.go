// Package repository はローカルキャッシュの永続化インターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/receteci/internal/model"
)

// RecordRepository は処方箋詳細キャッシュの永続化インターフェース。
// キーはreceteNo。再取得時はレコードと薬品行をまとめて置き換える。
type RecordRepository interface {
	// FindByReceteNo は指定処方箋番号のキャッシュを取得する。見つからない場合はnilを返す。
	FindByReceteNo(ctx context.Context, receteNo string) (*model.PrescriptionRecord, error)

	// FindByReceteNos は複数の処方箋番号のキャッシュをまとめて取得する。
	// 存在しない番号は結果のmapに含まれない。
	FindByReceteNos(ctx context.Context, receteNos []string) (map[string]*model.PrescriptionRecord, error)

	// Replace は処方箋と薬品行を1トランザクションで置き換える。
	// 既存の薬品行はすべて削除され、フィールド単位のマージは行わない。
	Replace(ctx context.Context, record *model.PrescriptionRecord) error

	// DeleteAll は処方箋キャッシュを全件削除する。
	DeleteAll(ctx context.Context) error
}

// AnalysisRepository は評価結果キャッシュの永続化インターフェース。
// キーは(receteNo, barkod)。1キーにつき最新の1件のみ保持する。
type AnalysisRepository interface {
	// FindByKeys は指定処方箋のうち、barkodsに含まれる評価結果をまとめて取得する。
	// 結果はbarkodをキーとするmapで、キャッシュがないbarkodは含まれない。
	FindByKeys(ctx context.Context, receteNo string, barkods []string) (map[string]*model.AnalysisResult, error)

	// Upsert は評価結果を冪等にUPSERTする。既存の結果とprocessed_atは上書きされる。
	Upsert(ctx context.Context, result *model.AnalysisResult) error

	// DeleteAll は評価結果キャッシュを全件削除する。
	DeleteAll(ctx context.Context) error
}
