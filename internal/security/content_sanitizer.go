// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizer はDiscordメッセージ本文に混入したHTMLマークアップを除去する。
// Discordの本文はMarkdownのプレーンテキストであり、タグは一切許可しない。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizer はメッセージ本文のサニタイズ機能のインターフェース。
// メッセージの保存前に使用される。
type ContentSanitizer interface {
	// Sanitize は全てのHTMLタグを除去したプレーンテキストを返す。
	// script, styleなどの要素は中身ごと除去する。
	// bluemondayがエスケープした文字参照は元の文字に戻すため、
	// Markdownの記号（>, &, <@id> のメンションなど）はそのまま残る。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(content string) string
}

type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerを生成する。
// bluemondayのStrictPolicyを使用する。
func NewContentSanitizer() *contentSanitizer {
	return &contentSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はHTMLタグを除去したプレーンテキストを返す。
func (s *contentSanitizer) Sanitize(content string) string {
	if content == "" || !strings.ContainsAny(content, "<&") {
		return content
	}
	// メンションや絵文字の記法はタグとして解釈されないよう事前に保護する
	protected := protectDiscordMarkup(content)
	return html.UnescapeString(s.policy.Sanitize(protected))
}

// protectDiscordMarkup は <@123> <#123> <:name:123> <t:123:R> などの
// Discord固有記法の山括弧と、`code` や ```code``` の中身を文字参照に置き換える。
func protectDiscordMarkup(content string) string {
	var b strings.Builder
	b.Grow(len(content))

	for i := 0; i < len(content); i++ {
		// コードスパンとコードブロックの中身はタグも含めて文字どおりに残す
		if content[i] == '`' {
			run := backtickRun(content[i:])
			if end := codeSpanEnd(content[i:], run); end > 0 {
				b.WriteString(escapeAll(content[i : i+end]))
				i += end - 1
				continue
			}
			b.WriteString(content[i : i+run])
			i += run - 1
			continue
		}
		if content[i] == '<' {
			if end := discordMarkupEnd(content[i:]); end > 0 {
				b.WriteString("&lt;")
				b.WriteString(strings.ReplaceAll(content[i+1:i+end], "&", "&amp;"))
				b.WriteString("&gt;")
				i += end
				continue
			}
		}
		// 単独の&は文字参照の開始と誤認されないようにエスケープする
		if content[i] == '&' {
			b.WriteString("&amp;")
			continue
		}
		b.WriteByte(content[i])
	}
	return b.String()
}

// discordMarkupEnd はsが "<@", "<#", "<:", "<a:", "<t:", "<http" で始まる記法なら閉じ括弧の位置を返す。
func discordMarkupEnd(s string) int {
	prefixes := []string{"<@", "<#", "<:", "<a:", "<t:", "<http://", "<https://"}
	matched := false
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			matched = true
			break
		}
	}
	if !matched {
		return -1
	}
	end := strings.IndexByte(s, '>')
	if end < 0 || strings.ContainsAny(s[1:end], " \n<") {
		return -1
	}
	return end
}

// backtickRun はsの先頭から連続するバッククォートの数を返す。
func backtickRun(s string) int {
	n := 0
	for n < len(s) && s[n] == '`' {
		n++
	}
	return n
}

// codeSpanEnd はsの先頭にあるrun個のバッククォートと同じ長さの閉じ記号を探し、
// 閉じ記号の直後の位置を返す。閉じていなければ-1を返す。
func codeSpanEnd(s string, run int) int {
	for i := run; i < len(s); {
		if s[i] != '`' {
			i++
			continue
		}
		n := backtickRun(s[i:])
		if n == run {
			return i + n
		}
		i += n
	}
	return -1
}

var codeEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeAll(s string) string {
	return codeEscaper.Replace(s)
}
