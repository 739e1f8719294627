package model

import (
	"strings"
	"time"
)

// PortalDateLayout はポータルが画面に表示する日付の書式（gg.aa.yyyy）。
const PortalDateLayout = "02.01.2006"

// PrescriptionRecord はポータルから取得した処方箋（reçete）を表す。
// ReceteNoは作成後に変更しない。再取得時はレコード全体を置き換える。
type PrescriptionRecord struct {
	ReceteNo            string
	RecordDate          time.Time // 処方箋日付
	LastTransactionDate time.Time // 最終処理日付
	FacilityCode        string    // 医療機関コード（tesis kodu）
	DepartmentCode      string    // 処方科コード
	Medicines           []MedicineLine
	CachedAt            time.Time
}

// MedicineLine は処方箋内の薬品行を表す。(ReceteNo, Barkod) で一意。
type MedicineLine struct {
	ReceteNo         string
	Barkod           string
	Name             string
	Quantity         int
	Dose             string
	Period           string
	EligibleFrom     time.Time // 受給可能日
	IsReportRequired bool
	Report           *ReportDetail // レポート詳細（取得できた場合のみ）
}

// ReportDetail は薬品行にひもづく医療レポートの詳細。
type ReportDetail struct {
	ReportNo             string
	Diagnoses            []string
	PrescriberDepartment string
}

// ReportRequiredBarkods はレポート確認が必要な薬品のバーコード一覧を表示順で返す。
func (r *PrescriptionRecord) ReportRequiredBarkods() []string {
	var codes []string
	for _, m := range r.Medicines {
		if m.IsReportRequired {
			codes = append(codes, m.Barkod)
		}
	}
	return codes
}

// Medicine は指定バーコードの薬品行を返す。見つからない場合はnilを返す。
func (r *PrescriptionRecord) Medicine(barkod string) *MedicineLine {
	for i := range r.Medicines {
		if r.Medicines[i].Barkod == barkod {
			return &r.Medicines[i]
		}
	}
	return nil
}

// ParsePortalDate はポータル表示形式の日付を解析する。
// 空文字列や解析できない値はゼロ値を返す。
func ParsePortalDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation(PortalDateLayout, s, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}

// NormalizeText は画面から読み取った文字列のノーブレークスペースを通常の空白に置き換え、前後の空白を除去する。
func NormalizeText(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\u00a0", " "))
}
