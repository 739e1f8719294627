// Package portal はMedulaポータルの画面を操作する部品を提供する。
// 画面状態の判定、セキュリティコードの解読、ログインの状態機械、処方箋詳細の読み取りを含む。
//
// ポータルの画面は予告なく変更されるため、セレクタとページ内スクリプトはすべてこのファイルに置く。
package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/hitoshi/receteci/internal/browser"
)

// Selectors はポータル画面のCSSセレクタ。
type Selectors struct {
	// ログイン画面
	LoginForm       string
	Username        string
	Password        string
	CaptchaImage    string
	CaptchaInput    string
	ConsentCheckbox string
	LoginSubmit     string
	ErrorBanner     string

	// 処方箋検索
	SearchInput  string
	SearchSubmit string
	NoResult     string

	// 処方箋詳細
	DetailContainer     string
	DetailTable         string
	DetailReceteNo      string
	RecordDate          string
	LastTransactionDate string
	FacilityCode        string
	DepartmentCode      string
	MedicineRows        string
	ReportLink          string

	// レポート詳細（ネストしたビュー）
	ReportPanel      string
	ReportNo         string
	ReportDiagnoses  string
	ReportDepartment string
	ReportClose      string
}

// DefaultSelectors は現行のポータル画面に対応するセレクタを返す。
func DefaultSelectors() Selectors {
	return Selectors{
		LoginForm:       "form#loginForm",
		Username:        "#kullaniciAdi",
		Password:        "#sifre",
		CaptchaImage:    "img#guvenlikKoduResmi",
		CaptchaInput:    "#guvenlikKodu",
		ConsentCheckbox: "input#kvkkOnay[type=checkbox]",
		LoginSubmit:     "#girisButonu",
		ErrorBanner:     "#hataMesaji, .hata-mesaji",

		SearchInput:  "#receteNoInput",
		SearchSubmit: "#receteSorgulaButonu",
		NoResult:     "#kayitBulunamadi, .kayit-bulunamadi",

		DetailContainer:     "#receteDetayPanel",
		DetailTable:         "table#receteDetayTablosu",
		DetailReceteNo:      "#receteNoDeger",
		RecordDate:          "#receteTarihiDeger",
		LastTransactionDate: "#sonIslemTarihiDeger",
		FacilityCode:        "#tesisKoduDeger",
		DepartmentCode:      "#bransKoduDeger",
		MedicineRows:        "table#ilacListesi tbody tr",
		ReportLink:          "a.rapor-detay",

		ReportPanel:      "#raporDetayPanel",
		ReportNo:         "#raporNoDeger",
		ReportDiagnoses:  "#teshisListesi li",
		ReportDepartment: "#raporBransDeger",
		ReportClose:      "#raporDetayKapat",
	}
}

// 薬品テーブル（ilacListesi）の列位置
const (
	colBarkod = iota
	colName
	colQuantity
	colDose
	colPeriod
	colEligibleFrom
	colReport
)

// 以下はページ内で評価するスクリプト。セレクタは引数で渡し、結果はJSON文字列で返す。

// detectScript は画面判定に使うマーカーの有無と、詳細画面の処方箋番号を返す。
const detectScript = `(s) => {
	const text = (sel) => { const el = document.querySelector(sel); return el ? el.textContent : ""; };
	return JSON.stringify({
		loginForm: !!document.querySelector(s.loginForm),
		detailTable: !!document.querySelector(s.detailTable),
		receteNo: text(s.receteNo)
	});
}`

// fillCredentialsScript はユーザー名とパスワードを入力し、ポータルのスクリプトが監視する
// input/changeイベントを発火させる。
const fillCredentialsScript = `(a) => {
	const set = (sel, v) => {
		const el = document.querySelector(sel);
		if (!el) return false;
		el.focus();
		el.value = v;
		el.dispatchEvent(new Event("input", { bubbles: true }));
		el.dispatchEvent(new Event("change", { bubbles: true }));
		el.blur();
		return true;
	};
	return JSON.stringify({ username: set(a.usernameSel, a.username), password: set(a.passwordSel, a.password) });
}`

// submitLoginScript はセキュリティコードを入力し、同意チェックボックスが未チェックならチェックして送信する。
const submitLoginScript = `(a) => {
	const code = document.querySelector(a.codeSel);
	if (!code) return JSON.stringify({ code: false, consent: false, submitted: false });
	code.value = a.code;
	code.dispatchEvent(new Event("input", { bubbles: true }));
	code.dispatchEvent(new Event("change", { bubbles: true }));
	let consent = false;
	const box = document.querySelector(a.consentSel);
	if (box && !box.checked) {
		box.click();
		if (!box.checked) { box.checked = true; box.dispatchEvent(new Event("change", { bubbles: true })); }
		consent = true;
	}
	const btn = document.querySelector(a.submitSel);
	if (btn) { btn.click(); } else if (code.form) { code.form.submit(); } else { return JSON.stringify({ code: true, consent: consent, submitted: false }); }
	return JSON.stringify({ code: true, consent: consent, submitted: true });
}`

// bannerScript はエラーバナーの文言を返す。表示されていない場合は空文字列。
const bannerScript = `(sel) => {
	const el = document.querySelector(sel);
	if (!el) return JSON.stringify("");
	const style = window.getComputedStyle(el);
	if (style.display === "none" || style.visibility === "hidden") return JSON.stringify("");
	return JSON.stringify(el.textContent || "");
}`

// submitSearchScript は処方箋番号を入力して検索を送信する。
const submitSearchScript = `(a) => {
	const input = document.querySelector(a.inputSel);
	if (!input) return JSON.stringify(false);
	input.value = a.receteNo;
	input.dispatchEvent(new Event("input", { bubbles: true }));
	input.dispatchEvent(new Event("change", { bubbles: true }));
	const btn = document.querySelector(a.submitSel);
	if (btn) { btn.click(); } else if (input.form) { input.form.submit(); } else { return JSON.stringify(false); }
	return JSON.stringify(true);
}`

// outerHTMLScript は要素のHTMLを返す。存在しない場合は空文字列。
const outerHTMLScript = `(sel) => {
	const el = document.querySelector(sel);
	return JSON.stringify(el ? el.outerHTML : "");
}`

// openReportScript は薬品テーブルのrow行目にあるレポート詳細リンクをクリックする。
const openReportScript = `(a) => {
	const rows = document.querySelectorAll(a.rowsSel);
	const row = rows[a.row];
	if (!row) return JSON.stringify(false);
	const link = row.querySelector(a.linkSel);
	if (!link) return JSON.stringify(false);
	link.click();
	return JSON.stringify(true);
}`

// closeReportScript はレポート詳細を閉じる。閉じるボタンがなければ何もしない。
const closeReportScript = `(sel) => {
	const btn = document.querySelector(sel);
	if (btn) btn.click();
	return JSON.stringify(!!btn);
}`

// evalJSON はスクリプトを評価し、JSON文字列の戻り値をoutにデコードする。
func evalJSON(ctx context.Context, d browser.Driver, script string, arg any, out any) error {
	v, err := d.Evaluate(ctx, script, arg)
	if err != nil {
		return err
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("スクリプトの戻り値が文字列ではありません: %T", v)
	}
	if err := json.Unmarshal([]byte(s), out); err != nil {
		return fmt.Errorf("スクリプトの戻り値のパースに失敗しました: %w", err)
	}
	return nil
}

// bannerKind はエラーバナーの分類。
type bannerKind int

const (
	bannerNone bannerKind = iota
	bannerIPNotAuthorized
	bannerInvalidSecurityCode
	bannerOther
)

// invalidCodePhrases はセキュリティコード不一致を表す文言（正規化後）。
var invalidCodePhrases = []string{
	"geçersiz güvenlik kodu",
	"güvenlik kodu hatali",
	"güvenlik kodunu hatali",
	"invalid security code",
}

// ipNotAuthorizedPhrases はIPアドレス未許可を表す文言（正規化後）。
var ipNotAuthorizedPhrases = []string{
	"ip adresiniz",
	"ip adresi yetkili değil",
	"yetkisiz ip",
	"ip not authorized",
	"ip address is not authorized",
}

// normalizeBanner はトルコ語の大文字小文字規則で小文字化し、点なしのıをiに寄せる。
// "IP"はトルコ語規則では"ıp"になるため、照合前にiへ揃える。
func normalizeBanner(s string) string {
	s = strings.ToLowerSpecial(unicode.TurkishCase, strings.TrimSpace(strings.ReplaceAll(s, "\u00a0", " ")))
	s = strings.ReplaceAll(s, "ı", "i")
	return strings.Join(strings.Fields(s), " ")
}

// classifyBanner はエラーバナーの文言を分類する。
func classifyBanner(text string) bannerKind {
	n := normalizeBanner(text)
	if n == "" {
		return bannerNone
	}
	for _, p := range ipNotAuthorizedPhrases {
		if strings.Contains(n, p) {
			return bannerIPNotAuthorized
		}
	}
	for _, p := range invalidCodePhrases {
		if strings.Contains(n, p) {
			return bannerInvalidSecurityCode
		}
	}
	return bannerOther
}
