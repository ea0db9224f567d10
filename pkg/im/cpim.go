// Package im implements the messaging services built on the core
// session layer: chat sessions, the CPIM and IMDN codecs, the HTTP file
// sharing sessions that bridge transfers into chat, and the dequeue
// tasks that flush queued work once a contact becomes reachable.
package im

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ContentTypeCPIM is the MIME type of a CPIM envelope.
const ContentTypeCPIM = "message/cpim"

// imdnNamespace is the NS declaration CPIM carries for imdn.* headers.
const imdnNamespace = "imdn <urn:ietf:params:imdn>"

// CpimMessage is one CPIM envelope: addressing headers, the IMDN
// message id and disposition request, and the wrapped payload.
type CpimMessage struct {
	From string
	To   string
	// MessageID is the imdn.Message-ID header.
	MessageID string
	DateTime  time.Time
	// DispositionNotification lists the requested IMDN dispositions
	// ("positive-delivery", "display"), empty when none requested.
	DispositionNotification []string
	ContentType             string
	Body                    []byte
}

// NewCpimMessage wraps a payload with a fresh message ID and the current
// time.
func NewCpimMessage(from, to, contentType string, body []byte) *CpimMessage {
	return &CpimMessage{
		From:        from,
		To:          to,
		MessageID:   uuid.NewString(),
		DateTime:    time.Now(),
		ContentType: contentType,
		Body:        body,
	}
}

// Encode renders the envelope in wire order: CPIM headers, blank line,
// content headers, blank line, payload.
func (m *CpimMessage) Encode() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: <%s>\r\n", m.From)
	fmt.Fprintf(&b, "To: <%s>\r\n", m.To)
	fmt.Fprintf(&b, "NS: %s\r\n", imdnNamespace)
	if m.MessageID != "" {
		fmt.Fprintf(&b, "imdn.Message-ID: %s\r\n", m.MessageID)
	}
	if !m.DateTime.IsZero() {
		fmt.Fprintf(&b, "DateTime: %s\r\n", m.DateTime.UTC().Format(time.RFC3339))
	}
	if len(m.DispositionNotification) > 0 {
		fmt.Fprintf(&b, "imdn.Disposition-Notification: %s\r\n",
			strings.Join(m.DispositionNotification, ", "))
	}
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "Content-Type: %s\r\n", m.ContentType)
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(m.Body))
	b.WriteString("\r\n")
	b.Write(m.Body)
	return b.Bytes()
}

// ParseCpim decodes a CPIM envelope. Unknown headers are skipped; the
// payload is everything after the second blank line.
func ParseCpim(data []byte) (*CpimMessage, error) {
	msg := &CpimMessage{}
	r := bufio.NewReader(bytes.NewReader(data))

	// Envelope headers up to the first blank line.
	if err := readHeaders(r, func(name, value string) {
		switch strings.ToLower(name) {
		case "from":
			msg.From = trimAddress(value)
		case "to":
			msg.To = trimAddress(value)
		case "imdn.message-id":
			msg.MessageID = value
		case "datetime":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				msg.DateTime = t
			}
		case "imdn.disposition-notification":
			for _, d := range strings.Split(value, ",") {
				if d = strings.TrimSpace(d); d != "" {
					msg.DispositionNotification = append(msg.DispositionNotification, d)
				}
			}
		}
	}); err != nil {
		return nil, fmt.Errorf("decoding cpim envelope: %w", err)
	}

	// Content headers up to the second blank line.
	if err := readHeaders(r, func(name, value string) {
		if strings.EqualFold(name, "content-type") {
			msg.ContentType = value
		}
	}); err != nil {
		return nil, fmt.Errorf("decoding cpim content headers: %w", err)
	}

	var body bytes.Buffer
	if _, err := body.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("reading cpim body: %w", err)
	}
	msg.Body = body.Bytes()

	if msg.From == "" && msg.To == "" && msg.ContentType == "" {
		return nil, fmt.Errorf("not a cpim envelope")
	}
	return msg, nil
}

// RequestsDisposition reports whether the sender asked for the given
// IMDN disposition.
func (m *CpimMessage) RequestsDisposition(disposition string) bool {
	for _, d := range m.DispositionNotification {
		if strings.EqualFold(d, disposition) {
			return true
		}
	}
	return false
}

func readHeaders(r *bufio.Reader, visit func(name, value string)) error {
	for {
		line, err := r.ReadString('\n')
		if err != nil && line == "" {
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return nil
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		visit(strings.TrimSpace(name), strings.TrimSpace(value))
	}
}

func trimAddress(v string) string {
	// Strip an optional display name and the angle brackets.
	if i := strings.IndexByte(v, '<'); i >= 0 {
		if j := strings.IndexByte(v[i:], '>'); j > 0 {
			return v[i+1 : i+j]
		}
	}
	return v
}
