package security

import (
	"strings"
	"testing"
)

// TestSanitize_AllowedTags は許可タグが正しく通過することを検証する。
func TestSanitize_AllowedTags(t *testing.T) {
	sanitizer := NewContentSanitizer()

	tests := []struct {
		name         string
		input        string
		wantContains []string
	}{
		{
			name:         "pタグが許可される",
			input:        "<p>Hasta stabil seyrediyor</p>",
			wantContains: []string{"<p>Hasta stabil seyrediyor</p>"},
		},
		{
			name:         "リストが許可される",
			input:        "<ul><li>I10</li><li>E11</li></ul>",
			wantContains: []string{"<ul>", "<li>I10</li>", "<li>E11</li>", "</ul>"},
		},
		{
			name:         "強調タグが許可される",
			input:        "<strong>Uygun</strong> <em>değil</em>",
			wantContains: []string{"<strong>Uygun</strong>", "<em>değil</em>"},
		},
		{
			name:         "表が許可される",
			input:        "<table><thead><tr><th>Tarih</th></tr></thead><tbody><tr><td>01.03.2024</td></tr></tbody></table>",
			wantContains: []string{"<table>", "<thead>", "<th>Tarih</th>", "<tbody>", "<td>01.03.2024</td>", "</table>"},
		},
		{
			name:         "colspanは数値のみ許可される",
			input:        `<table><tr><td colspan="2">Özet</td></tr></table>`,
			wantContains: []string{`colspan="2"`, "Özet"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizer.Sanitize(tt.input)
			for _, want := range tt.wantContains {
				if !strings.Contains(got, want) {
					t.Errorf("Sanitize(%q) = %q, want to contain %q", tt.input, got, want)
				}
			}
		})
	}
}

// TestSanitize_ForbiddenTags は禁止タグが除去されることを検証する。
func TestSanitize_ForbiddenTags(t *testing.T) {
	sanitizer := NewContentSanitizer()

	tests := []struct {
		name       string
		input      string
		wantAbsent []string
	}{
		{"scriptタグが除去される", `<p>ok</p><script>alert(1)</script>`, []string{"<script", "alert(1)"}},
		{"iframeタグが除去される", `<iframe src="https://evil.example"></iframe>`, []string{"<iframe"}},
		{"styleタグが除去される", `<style>p{color:red}</style><p>x</p>`, []string{"<style", "color:red"}},
		{"imgタグが除去される", `<img src="https://example.com/a.png">`, []string{"<img"}},
		{"aタグが除去される", `<a href="https://example.com">link</a>`, []string{"<a", "href"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizer.Sanitize(tt.input)
			for _, absent := range tt.wantAbsent {
				if strings.Contains(got, absent) {
					t.Errorf("Sanitize(%q) = %q, should not contain %q", tt.input, got, absent)
				}
			}
		})
	}
}

// TestSanitize_OnEventAttributes はon*イベント属性が除去されることを検証する。
func TestSanitize_OnEventAttributes(t *testing.T) {
	sanitizer := NewContentSanitizer()

	got := sanitizer.Sanitize(`<p onclick="steal()">Rapor</p><td onmouseover="x()">1</td>`)
	if strings.Contains(got, "onclick") || strings.Contains(got, "onmouseover") {
		t.Errorf("イベント属性が残っています: %q", got)
	}
	if !strings.Contains(got, "Rapor") {
		t.Errorf("テキストが失われています: %q", got)
	}
}

// TestSanitize_NonNumericColspan は数値以外のcolspanが除去されることを検証する。
func TestSanitize_NonNumericColspan(t *testing.T) {
	sanitizer := NewContentSanitizer()

	got := sanitizer.Sanitize(`<table><tr><td colspan="javascript:1">x</td></tr></table>`)
	if strings.Contains(got, "colspan") {
		t.Errorf("数値以外のcolspanが残っています: %q", got)
	}
}

// TestSanitize_EmptyInput は空文字列に空文字列を返すことを検証する。
func TestSanitize_EmptyInput(t *testing.T) {
	sanitizer := NewContentSanitizer()

	if got := sanitizer.Sanitize(""); got != "" {
		t.Errorf("Sanitize(\"\") = %q, want empty", got)
	}
}

// TestSanitize_PlainText はプレーンテキストがそのまま返ることを検証する。
func TestSanitize_PlainText(t *testing.T) {
	sanitizer := NewContentSanitizer()

	input := "Rapor geçerli"
	if got := sanitizer.Sanitize(input); got != input {
		t.Errorf("Sanitize(%q) = %q", input, got)
	}
}

// TestSanitize_Idempotent は2回サニタイズしても結果が変わらないことを検証する。
func TestSanitize_Idempotent(t *testing.T) {
	sanitizer := NewContentSanitizer()

	input := `<p onclick="x()">A</p><script>y()</script><table><tr><td>B</td></tr></table>`
	first := sanitizer.Sanitize(input)
	second := sanitizer.Sanitize(first)
	if first != second {
		t.Errorf("not idempotent: first=%q second=%q", first, second)
	}
}

// TestContentSanitizerInterface は実装がインターフェースを満たすことを検証する。
func TestContentSanitizerInterface(t *testing.T) {
	var _ ContentSanitizerService = NewContentSanitizer()
}
