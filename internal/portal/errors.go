package portal

import "errors"

var (
	errProbePanicked      = errors.New("page probe panicked")
	errAmbiguousLogin     = errors.New("ログインフォームが残っていますがエラーメッセージがありません")
	errReportLinkNotFound = errors.New("レポート詳細のリンクが見つかりません")
)
