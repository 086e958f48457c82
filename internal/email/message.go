// Package email defines the core email data model used throughout the relay.
package email

// Address is a mailbox with an optional display name.
type Address struct {
	Name  string
	Email string
}

// Message represents an outgoing email handed to the relay by the mail pipeline.
type Message struct {
	From      []Address
	To        []Address
	Subject   string
	MessageID string

	// Scope selects the store settings used to deliver this message.
	// Empty means the default scope.
	Scope string

	Body Body
}

// FirstFrom returns the primary sender, if any.
func (m *Message) FirstFrom() (Address, bool) {
	if len(m.From) == 0 {
		return Address{}, false
	}
	return m.From[0], true
}

// FirstTo returns the primary recipient, if any.
func (m *Message) FirstTo() (Address, bool) {
	if len(m.To) == 0 {
		return Address{}, false
	}
	return m.To[0], true
}

// Body is the closed set of body representations a Message can carry:
// PlainText, MultiPart or RawFallback. A nil Body means no content is
// obtainable.
type Body interface {
	isBody()
}

// PlainText is a body that arrived as a single string. It may already be HTML.
type PlainText string

// MultiPart is a structured body made of ordered leaf parts.
type MultiPart []Part

// RawFallback is the serialized message, used when no structured body could
// be extracted.
type RawFallback string

func (PlainText) isBody()   {}
func (MultiPart) isBody()   {}
func (RawFallback) isBody() {}

// Part is a single leaf of a multipart body. Content is kept in its
// transfer encoding; Encoding names it (e.g. "base64", "quoted-printable").
type Part struct {
	// Type is the full Content-Type value, parameters included.
	Type     string
	Encoding string
	Content  string
}
