package repository

import (
	"context"
	"fmt"
)

// Cache は処方箋キャッシュと評価結果キャッシュをまとめて扱う。
type Cache struct {
	Records  RecordRepository
	Analyses AnalysisRepository
}

// Clear はすべてのキャッシュを削除する。
// 2つのテーブルにまたがる不変条件はないため、トランザクションは使わない。
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.Analyses.DeleteAll(ctx); err != nil {
		return fmt.Errorf("キャッシュのクリアに失敗しました: %w", err)
	}
	if err := c.Records.DeleteAll(ctx); err != nil {
		return fmt.Errorf("キャッシュのクリアに失敗しました: %w", err)
	}
	return nil
}
