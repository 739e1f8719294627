// Package events はUIと外部連携向けのイベント配信を提供する。
//
// 進捗イベントは購読者が遅い場合に破棄してよい。完了イベントは購読者ごとに上限なくキューに積み、
// ハンドラーが成功するまで再送する（少なくとも1回の配信）。
package events

import (
	"context"
	"time"
)

// Kind はイベントの種類。
type Kind string

const (
	KindBrowserInstallProgress  Kind = "browser_install_progress"
	KindAutomationStatusChanged Kind = "automation_status_changed"
	KindAnalysisItemStarted     Kind = "analysis_item_started"

	KindBrowserInstallCompleted Kind = "browser_install_completed"
	KindRecordFetched           Kind = "record_fetched"
	KindUnitConsumed            Kind = "unit_consumed"
)

// Completion は完了イベント（再送対象）かどうかを返す。
func (k Kind) Completion() bool {
	switch k {
	case KindBrowserInstallCompleted, KindRecordFetched, KindUnitConsumed:
		return true
	}
	return false
}

// Event はバスに流れるイベント。IDは配信の重複排除に使う。
type Event struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	OccurredAt time.Time `json:"occurredAt"`
	Payload    any       `json:"payload,omitempty"`
}

// Handler はイベントを処理する。完了イベントでエラーを返すと後で再送される。
type Handler func(ctx context.Context, e Event) error

// InstallProgress はブラウザのインストール進捗。
type InstallProgress struct {
	Stage   string `json:"stage"`
	Message string `json:"message,omitempty"`
}

// InstallCompleted はブラウザのインストール完了。
type InstallCompleted struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// AutomationStatus は自動化エンジンとセッションの状態。
type AutomationStatus struct {
	Ready         bool   `json:"ready"`
	SessionStatus string `json:"sessionStatus"`
	AttemptCount  int    `json:"attemptCount"`
	LastError     string `json:"lastError,omitempty"`
}

// AnalysisItemStarted は薬品の評価開始。
type AnalysisItemStarted struct {
	ReceteNo string `json:"receteNo"`
	Barkod   string `json:"barkod"`
}

// RecordFetched は処方箋の取得完了。
type RecordFetched struct {
	ReceteNo      string `json:"receteNo"`
	MedicineCount int    `json:"medicineCount"`
	Auto          bool   `json:"auto"`
}

// UnitConsumed は評価1件分のクレジット消費。評価結果の保存後にのみ発行する。
type UnitConsumed struct {
	ReceteNo string `json:"receteNo"`
	Barkod   string `json:"barkod"`
	Units    int    `json:"units"`
}
