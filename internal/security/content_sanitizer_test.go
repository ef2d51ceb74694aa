package security

import (
	"testing"
)

// TestSanitize_StripsHTML はHTMLタグが除去されることを検証する。
func TestSanitize_StripsHTML(t *testing.T) {
	sanitizer := NewContentSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"タグを除去して本文を残す", "<b>太字</b>テキスト", "太字テキスト"},
		{"scriptは中身ごと除去", "前<script>alert('xss')</script>後", "前後"},
		{"styleは中身ごと除去", "<style>body{}</style>本文", "本文"},
		{"イベント属性付きのタグ", `<img src=x onerror="alert(1)">画像`, "画像"},
		{"iframeを除去", `<iframe src="https://evil.example"></iframe>ok`, "ok"},
		{"コードの外側のタグは除去", "<b>x</b> `<b>y</b>` <i>z</i>", "x `<b>y</b>` z"},
		{"閉じていないバッククォートの後のタグ", "`<script>alert(1)</script>", "`"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizer.Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// TestSanitize_PreservesDiscordMarkup はDiscord固有の記法とMarkdown記号が保持されることを検証する。
func TestSanitize_PreservesDiscordMarkup(t *testing.T) {
	sanitizer := NewContentSanitizer()

	tests := []struct {
		name  string
		input string
	}{
		{"ユーザーメンション", "hi <@123456789012345678>"},
		{"ニックネームメンション", "hi <@!123456789012345678>"},
		{"ロールメンション", "<@&987654321> please review"},
		{"チャンネルメンション", "see <#111222333>"},
		{"カスタム絵文字", "nice <:party:444555666>"},
		{"アニメーション絵文字", "<a:dance:777888999>"},
		{"タイムスタンプ", "starts <t:1700000000:R>"},
		{"埋め込み抑止リンク", "<https://example.com/path?q=1>"},
		{"引用", "> quoted line\nreply"},
		{"比較と記号", "a < b && c > d"},
		{"文字参照風の文字列", "write &amp; literally"},
		{"引用符", `he said "yes" and 'no'`},
		{"インラインコードとコードブロック内のタグ", "wrap it in `<div class=\"x\">` then ```html\n<span>hi</span>\n```"},
		{"二重バッククォートのコード", "use ``<a href=\"`x`\">`` here"},
		{"コード内の文字参照", "`&amp; <b>` stays"},
		{"閉じていないバッククォート", "a ` b && c > d"},
		{"記号なし", "plain text"},
		{"空文字列", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizer.Sanitize(tt.input); got != tt.input {
				t.Errorf("Sanitize(%q) = %q, want unchanged", tt.input, got)
			}
		})
	}
}

// TestSanitize_Idempotent は同一入力に対して常に同一出力を返すことを検証する。
func TestSanitize_Idempotent(t *testing.T) {
	sanitizer := NewContentSanitizer()

	input := "<p>hello <@1></p> & <i>bye</i>"
	first := sanitizer.Sanitize(input)
	second := sanitizer.Sanitize(first)
	if first != second {
		t.Errorf("not idempotent: %q -> %q", first, second)
	}
	if first != "hello <@1> & bye" {
		t.Errorf("Sanitize = %q", first)
	}
}

// TestSanitizer_ImplementsInterface は実装がインターフェースを満たすことを検証する。
func TestSanitizer_ImplementsInterface(t *testing.T) {
	var _ ContentSanitizer = NewContentSanitizer()
}
