// Package recipient decides where a message is actually delivered and marks
// redirected test-mode mail with the address it was meant for.
package recipient

import (
	"errors"
	"html"
	"regexp"
	"strings"

	"github.com/shineum/brevo-relay/internal/email"
	"github.com/shineum/brevo-relay/internal/settings"
)

// ErrNoRecipient is returned when neither the message nor the test-mode
// settings provide a delivery address.
var ErrNoRecipient = errors.New("no recipient email address found")

const bannerStyle = "background-color:#f8f9fa;padding:10px;margin-bottom:15px;border-left:4px solid #007bff;"

var (
	bodyOpenTag = regexp.MustCompile(`(?i)<body[^>]*>`)
	htmlOpenTag = regexp.MustCompile(`(?i)<html[^>]*>`)
)

// Resolution is the outcome of recipient resolution.
type Resolution struct {
	// Recipient is the address the message is delivered to.
	Recipient string
	// Original is the first To address of the message, possibly empty.
	Original string
}

// Redirected reports whether test mode replaced the original recipient.
func (r Resolution) Redirected() bool {
	return r.Recipient != r.Original
}

// Resolve picks the delivery address for msg under s.
func Resolve(msg *email.Message, s settings.Settings) (Resolution, error) {
	var res Resolution
	if to, ok := msg.FirstTo(); ok {
		res.Original = strings.TrimSpace(to.Email)
	}

	res.Recipient = res.Original
	if s.TestMode {
		res.Recipient = strings.TrimSpace(s.TestEmail)
	}

	if res.Recipient == "" {
		return res, ErrNoRecipient
	}
	return res, nil
}

// Banner renders the notice naming the original recipient.
func Banner(original string) string {
	return `<div style="` + bannerStyle + `"><strong>Original recipient:</strong> ` +
		html.EscapeString(original) + `</div>`
}

// InjectBanner places the original-recipient banner right after the opening
// body tag of doc. Documents without a body tag get one.
func InjectBanner(doc, original string) string {
	banner := Banner(original)

	if loc := bodyOpenTag.FindStringIndex(doc); loc != nil {
		return doc[:loc[1]] + banner + doc[loc[1]:]
	}

	if loc := htmlOpenTag.FindStringIndex(doc); loc != nil {
		doc = doc[:loc[1]] + "<body>" + banner + doc[loc[1]:]
		if j := strings.LastIndex(strings.ToLower(doc), "</html>"); j >= 0 {
			return doc[:j] + "</body></html>" + doc[j+len("</html>"):]
		}
		return doc + "</body>"
	}

	return "<html><body>" + banner + doc + "</body></html>"
}
