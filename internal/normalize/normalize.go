// Package normalize turns any email body representation into a single
// well-formed HTML document suitable for the Brevo htmlContent field.
package normalize

import (
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strings"

	"github.com/shineum/brevo-relay/internal/email"
)

// NoContentNotice is returned when no body content could be found.
const NoContentNotice = "<html><body><p>The email content could not be extracted.</p></body></html>"

var (
	htmlSpan = regexp.MustCompile(`(?is)<html[^>]*>(.*?)</html>`)
	bodySpan = regexp.MustCompile(`(?is)<body[^>]*>(.*?)</body>`)
)

// HTML normalizes body into an HTML document. It never fails: unexpected
// internal failures degrade to an HTML error notice. The result is valid
// UTF-8 without NUL bytes.
func HTML(body email.Body) (out string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("body normalization failed", "error", r)
			out = errorNotice(fmt.Sprint(r))
		}
	}()

	return clean(render(body))
}

func render(body email.Body) string {
	switch b := body.(type) {
	case email.PlainText:
		return fromPlainText(string(b))
	case email.MultiPart:
		if content, ok := fromParts(b); ok {
			return content
		}
	case email.RawFallback:
		if content, ok := fromRaw(string(b)); ok {
			return content
		}
	}

	return NoContentNotice
}

// clean drops NUL bytes and replaces invalid UTF-8 with U+FFFD.
func clean(s string) string {
	return strings.ToValidUTF8(strings.ReplaceAll(s, "\x00", ""), "\uFFFD")
}

// fromPlainText handles a body that arrived as a single string.
func fromPlainText(body string) string {
	if hasQPMarkers(body) {
		body = decodeQuotedPrintable(body)
	}
	if !containsFold(body, "<html") {
		return wrapText(body)
	}
	return body
}

// fromParts picks the best part of a multipart body: HTML first, then plain
// text, then anything with content.
func fromParts(parts email.MultiPart) (string, bool) {
	for _, p := range parts {
		if !containsFold(p.Type, "text/html") {
			continue
		}
		content := decodePart(p)
		if content == "" {
			continue
		}
		if !containsFold(content, "<html") {
			content = wrapHTML(content)
		}
		return content, true
	}

	for _, p := range parts {
		if !containsFold(p.Type, "text/plain") {
			continue
		}
		if content := decodePart(p); content != "" {
			return wrapText(content), true
		}
	}

	for _, p := range parts {
		if p.Content == "" {
			continue
		}
		content := decodePart(p)
		if containsFold(content, "<html") || containsFold(content, "<body") {
			return content, true
		}
		return wrapText(content), true
	}

	return "", false
}

// fromRaw digs an HTML document out of a serialized message.
func fromRaw(raw string) (string, bool) {
	if strings.TrimSpace(raw) == "" {
		return "", false
	}
	if m := htmlSpan.FindStringSubmatch(raw); m != nil {
		return "<html>" + m[1] + "</html>", true
	}
	if m := bodySpan.FindStringSubmatch(raw); m != nil {
		return wrapHTML(m[1]), true
	}
	if hasQPMarkers(raw) {
		return wrapText(decodeQuotedPrintable(raw)), true
	}
	return wrapText(raw), true
}

func wrapHTML(content string) string {
	return "<html><body>" + content + "</body></html>"
}

// wrapText escapes plain text and keeps its line structure visible.
func wrapText(text string) string {
	return wrapHTML(nl2br(html.EscapeString(text)))
}

func errorNotice(msg string) string {
	return "<html><body><p>Error extracting content: " + html.EscapeString(msg) + "</p></body></html>"
}

// nl2br inserts a <br /> before every line break, keeping the break itself.
// CRLF and LFCR pairs count as one break.
func nl2br(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\r' && c != '\n' {
			b.WriteByte(c)
			continue
		}
		b.WriteString("<br />")
		b.WriteByte(c)
		if i+1 < len(s) && (s[i+1] == '\r' || s[i+1] == '\n') && s[i+1] != c {
			i++
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func hasQPMarkers(s string) bool {
	return strings.Contains(s, "=0A") || strings.Contains(s, "=0D")
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), substr)
}
