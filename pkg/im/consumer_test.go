package im

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispositions struct {
	contacts []string
	messages []string
	statuses []string
}

func (r *recordingDispositions) HandleMessageDisposition(contact, messageID, status string) {
	r.contacts = append(r.contacts, contact)
	r.messages = append(r.messages, messageID)
	r.statuses = append(r.statuses, status)
}

func newMessageRequest(t *testing.T, from string, body []byte) *sip.Request {
	t.Helper()
	var local, remote sip.Uri
	require.NoError(t, sip.ParseUri("sip:alice@ims.example.com", &local))
	require.NoError(t, sip.ParseUri(from, &remote))
	req := sip.NewRequest(sip.MESSAGE, local)
	fromHeader := &sip.FromHeader{Address: remote, Params: sip.NewParams()}
	fromHeader.Params.Add("tag", "ft-1")
	req.AppendHeader(fromHeader)
	req.AppendHeader(&sip.ToHeader{Address: local, Params: sip.NewParams()})
	callID := sip.CallIDHeader("msg-call-1")
	req.AppendHeader(&callID)
	req.SetBody(body)
	return req
}

func TestHandleDeliveryReportForwardsDisposition(t *testing.T) {
	report, err := BuildImdnReport(ImdnReport{MessageID: "m-42", Status: ImdnDelivered})
	require.NoError(t, err)

	listener := &recordingDispositions{}
	consumer := &PagerMessageConsumer{Listener: listener, Logger: discardLogger()}
	req := newMessageRequest(t, "sip:bob@ims.example.com", report)

	require.NoError(t, consumer.HandleDeliveryReport(req))
	assert.Equal(t, []string{"sip:bob@ims.example.com"}, listener.contacts)
	assert.Equal(t, []string{"m-42"}, listener.messages)
	assert.Equal(t, []string{ImdnDelivered}, listener.statuses)
}

func TestHandleDeliveryReportUnwrapsCpim(t *testing.T) {
	report, err := BuildImdnReport(ImdnReport{MessageID: "m-43", Status: ImdnDisplayed})
	require.NoError(t, err)
	envelope := NewCpimMessage("sip:bob@x", "sip:alice@x", ContentTypeIMDN, report)

	listener := &recordingDispositions{}
	consumer := &PagerMessageConsumer{Listener: listener, Logger: discardLogger()}
	req := newMessageRequest(t, "sip:bob@x", envelope.Encode())

	require.NoError(t, consumer.HandleDeliveryReport(req))
	assert.Equal(t, []string{"m-43"}, listener.messages)
	assert.Equal(t, []string{ImdnDisplayed}, listener.statuses)
}

func TestHandleDeliveryReportRejectsGarbage(t *testing.T) {
	consumer := &PagerMessageConsumer{Logger: discardLogger()}
	req := newMessageRequest(t, "sip:bob@x", []byte("not xml at all"))
	assert.Error(t, consumer.HandleDeliveryReport(req))
}

func TestHandleUserConfirmation(t *testing.T) {
	body := []byte(`<?xml version="1.0"?>
<EndUserConfirmationRequest id="req-1" type="volatile">
  <Subject>Terms update</Subject>
  <Text>Please accept the new terms.</Text>
</EndUserConfirmationRequest>`)
	consumer := &PagerMessageConsumer{Logger: discardLogger()}
	req := newMessageRequest(t, "sip:operator@ims.example.com", body)

	require.NoError(t, consumer.HandleUserConfirmation(req))
	assert.Error(t, consumer.HandleUserConfirmation(newMessageRequest(t, "sip:operator@x", []byte("<broken"))))
}
