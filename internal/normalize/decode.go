package normalize

import (
	"encoding/base64"
	"io"
	"log/slog"
	"mime"
	"strings"

	"github.com/emersion/go-message/charset"

	"github.com/shineum/brevo-relay/internal/email"
)

// decodePart undoes the part's transfer encoding and converts its charset to
// UTF-8. Undecodable base64 yields an empty string.
func decodePart(p email.Part) string {
	var content string

	switch strings.ToLower(strings.TrimSpace(p.Encoding)) {
	case "quoted-printable":
		content = decodeQuotedPrintable(p.Content)
	case "base64":
		decoded, err := decodeBase64(p.Content)
		if err != nil {
			slog.Warn("failed to decode base64 part",
				"content_type", p.Type,
				"error", err,
			)
			return ""
		}
		content = decoded
	default:
		content = p.Content
	}

	return toUTF8(p.Type, content)
}

func decodeBase64(s string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', ' ', '\t':
			return -1
		}
		return r
	}, s)

	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(cleaned, "="))
		if err != nil {
			return "", err
		}
	}
	return string(decoded), nil
}

// toUTF8 converts content from the charset named in contentType. Unknown or
// missing charsets leave the content untouched.
func toUTF8(contentType, content string) string {
	if contentType == "" || content == "" {
		return content
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return content
	}
	cs := strings.ToLower(params["charset"])
	if cs == "" || cs == "utf-8" || cs == "utf8" || cs == "us-ascii" {
		return content
	}

	r, err := charset.Reader(cs, strings.NewReader(content))
	if err != nil {
		slog.Debug("unsupported charset, keeping raw bytes", "charset", cs, "error", err)
		return content
	}
	converted, err := io.ReadAll(r)
	if err != nil {
		return content
	}
	return string(converted)
}

// decodeQuotedPrintable decodes =XX escapes and soft line breaks. Malformed
// escapes are copied through unchanged instead of failing the whole body.
func decodeQuotedPrintable(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '=' {
			b.WriteByte(c)
			continue
		}

		if i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
			continue
		}

		// Soft line break: "=" followed by optional whitespace and a line ending.
		j := i + 1
		for j < len(s) && (s[j] == ' ' || s[j] == '\t') {
			j++
		}
		switch {
		case j < len(s) && s[j] == '\n':
			i = j
			continue
		case j < len(s) && s[j] == '\r':
			if j+1 < len(s) && s[j+1] == '\n' {
				j++
			}
			i = j
			continue
		case j == len(s) && j > i+1:
			i = j - 1
			continue
		}

		b.WriteByte(c)
	}

	return b.String()
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
