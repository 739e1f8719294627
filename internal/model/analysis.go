package model

import "time"

// AnalysisResult は薬品ごとのレポート妥当性評価の結果を表す。
// (ReceteNo, Barkod) ごとに最新の1件のみを保持する。
type AnalysisResult struct {
	ReceteNo         string
	Barkod           string
	IsValid          bool
	ValidityScore    float64 // 0〜100
	EvolutionDetails string  // サニタイズ済みHTML
	ProcessedAt      time.Time
	IssuerID         string
	CachedAt         time.Time
}

// AnalysisKey は評価結果のキーを表す。
type AnalysisKey struct {
	ReceteNo string
	Barkod   string
}
