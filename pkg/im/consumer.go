package im

import (
	"encoding/xml"
	"log/slog"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rcs_client/pkg/ims"
)

// MessageDispositionListener is told when a contact reports a message
// delivered or displayed.
type MessageDispositionListener interface {
	HandleMessageDisposition(contact, messageID, status string)
}

// PagerMessageConsumer processes the pager-mode MESSAGE payloads the
// dispatcher routes to the messaging plane: IMDN reports and end-user
// confirmation requests.
type PagerMessageConsumer struct {
	// Listener receives parsed dispositions; nil means log-only.
	Listener MessageDispositionListener
	Logger   *slog.Logger
}

var _ ims.MessageHandler = (*PagerMessageConsumer)(nil)

// HandleDeliveryReport parses an IMDN report, unwrapping a CPIM envelope
// when the sender used one, and forwards the disposition.
func (c *PagerMessageConsumer) HandleDeliveryReport(req *sip.Request) error {
	body := req.Body()
	if msg, err := ParseCpim(body); err == nil && strings.HasPrefix(msg.ContentType, ContentTypeIMDN) {
		body = msg.Body
	}
	report, err := ParseImdnReport(body)
	if err != nil {
		return err
	}
	contact := requestSender(req)
	c.logger().Info("message disposition received",
		"contact", contact, "message_id", report.MessageID, "status", report.Status)
	if c.Listener != nil {
		c.Listener.HandleMessageDisposition(contact, report.MessageID, report.Status)
	}
	return nil
}

// endUserConfirmationRequest is the operator-pushed confirmation dialog
// (terms acceptance and the like).
type endUserConfirmationRequest struct {
	XMLName xml.Name `xml:"EndUserConfirmationRequest"`
	ID      string   `xml:"id,attr"`
	Type    string   `xml:"type,attr"`
	Subject string   `xml:"Subject"`
	Text    string   `xml:"Text"`
}

// HandleUserConfirmation acknowledges an end-user confirmation request.
// The request is surfaced in the log; answering it is a UI concern.
func (c *PagerMessageConsumer) HandleUserConfirmation(req *sip.Request) error {
	var conf endUserConfirmationRequest
	if err := xml.Unmarshal(req.Body(), &conf); err != nil {
		return err
	}
	c.logger().Info("end-user confirmation request",
		"contact", requestSender(req), "id", conf.ID, "type", conf.Type, "subject", conf.Subject)
	return nil
}

func (c *PagerMessageConsumer) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func requestSender(req *sip.Request) string {
	if from := req.From(); from != nil {
		return from.Address.String()
	}
	return ""
}
