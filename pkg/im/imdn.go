package im

import (
	"encoding/xml"
	"fmt"
	"time"
)

// ContentTypeIMDN is the MIME type of an IMDN report payload.
const ContentTypeIMDN = "message/imdn+xml"

// IMDN disposition values exchanged in reports and
// Disposition-Notification requests.
const (
	DispositionDelivery = "positive-delivery"
	DispositionDisplay  = "display"
)

// IMDN report statuses.
const (
	ImdnDelivered = "delivered"
	ImdnDisplayed = "displayed"
	ImdnFailed    = "failed"
	ImdnError     = "error"
)

// ImdnReport is one delivery or display notification for a message.
type ImdnReport struct {
	MessageID string
	Status    string
	DateTime  time.Time
}

type xmlImdn struct {
	XMLName   xml.Name      `xml:"urn:ietf:params:xml:ns:imdn imdn"`
	MessageID string        `xml:"message-id"`
	DateTime  string        `xml:"datetime"`
	Delivery  *xmlImdnNotif `xml:"delivery-notification,omitempty"`
	Display   *xmlImdnNotif `xml:"display-notification,omitempty"`
}

type xmlImdnNotif struct {
	Status xmlImdnStatus `xml:"status"`
}

type xmlImdnStatus struct {
	Delivered *struct{} `xml:"delivered,omitempty"`
	Displayed *struct{} `xml:"displayed,omitempty"`
	Failed    *struct{} `xml:"failed,omitempty"`
	Error     *struct{} `xml:"error,omitempty"`
}

// BuildImdnReport serializes a report for the message.
func BuildImdnReport(report ImdnReport) ([]byte, error) {
	if report.DateTime.IsZero() {
		report.DateTime = time.Now()
	}
	doc := xmlImdn{
		MessageID: report.MessageID,
		DateTime:  report.DateTime.UTC().Format(time.RFC3339),
	}
	status := xmlImdnStatus{}
	switch report.Status {
	case ImdnDelivered:
		status.Delivered = &struct{}{}
		doc.Delivery = &xmlImdnNotif{Status: status}
	case ImdnFailed:
		status.Failed = &struct{}{}
		doc.Delivery = &xmlImdnNotif{Status: status}
	case ImdnError:
		status.Error = &struct{}{}
		doc.Delivery = &xmlImdnNotif{Status: status}
	case ImdnDisplayed:
		status.Displayed = &struct{}{}
		doc.Display = &xmlImdnNotif{Status: status}
	default:
		return nil, fmt.Errorf("unknown imdn status %q", report.Status)
	}
	out, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding imdn report: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// ParseImdnReport decodes a report payload.
func ParseImdnReport(data []byte) (*ImdnReport, error) {
	var doc xmlImdn
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding imdn report: %w", err)
	}
	report := &ImdnReport{MessageID: doc.MessageID}
	if t, err := time.Parse(time.RFC3339, doc.DateTime); err == nil {
		report.DateTime = t
	}
	switch {
	case doc.Display != nil && doc.Display.Status.Displayed != nil:
		report.Status = ImdnDisplayed
	case doc.Delivery != nil && doc.Delivery.Status.Delivered != nil:
		report.Status = ImdnDelivered
	case doc.Delivery != nil && doc.Delivery.Status.Failed != nil:
		report.Status = ImdnFailed
	case doc.Delivery != nil && doc.Delivery.Status.Error != nil:
		report.Status = ImdnError
	default:
		return nil, fmt.Errorf("imdn report carries no status")
	}
	if report.MessageID == "" {
		return nil, fmt.Errorf("imdn report carries no message id")
	}
	return report, nil
}
