package ims

import (
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capabilityRecorder struct {
	updates chan Capabilities
}

func (r *capabilityRecorder) HandleCapabilitiesUpdated(caps Capabilities) {
	r.updates <- caps
}

func TestHandleOptionsAdvertisesLocalTags(t *testing.T) {
	svc := NewCapabilityService(&fakeTransactor{}, "sip:alice@ims.example.com",
		NewFeatureTagSet(FeatureTagOMAIM, FeatureTagFileTransferHTTP), discardLogger())

	req := newRequest(t, sip.OPTIONS, "sip:alice@ims.example.com")
	tx := newFakeServerTx(req)
	svc.HandleOptions(req, tx)

	require.Len(t, tx.Responses(), 1)
	res := tx.Responses()[0]
	assert.Equal(t, 200, int(res.StatusCode))
	contact := res.GetHeader("Contact")
	require.NotNil(t, contact)
	assert.Contains(t, contact.Value(), FeatureTagOMAIM)
	assert.Contains(t, contact.Value(), "iari.rcs.fthttp")
}

func TestRequestCapabilitiesParsesContactTags(t *testing.T) {
	tr := &fakeTransactor{}
	tr.script(replyWith(200, "OK",
		withHeader("Contact", "<sip:bob@10.0.0.2>;"+FeatureTagOMAIM+";"+FeatureTagFileTransferHTTP),
	))
	svc := NewCapabilityService(tr, "sip:alice@ims.example.com",
		NewFeatureTagSet(FeatureTagOMAIM), discardLogger())
	recorder := &capabilityRecorder{updates: make(chan Capabilities, 1)}
	svc.SetObserver(recorder)

	svc.RequestCapabilities("sip:bob@ims.example.com")

	select {
	case caps := <-recorder.updates:
		assert.True(t, caps.Online)
		assert.True(t, caps.SupportsIM())
		assert.True(t, caps.SupportsFileTransferHTTP())
		assert.Equal(t, "sip:bob@ims.example.com", caps.Contact)
	case <-time.After(time.Second):
		t.Fatal("capability observer not notified")
	}

	sent := tr.sentRequests()
	require.Len(t, sent, 1)
	assert.Equal(t, sip.OPTIONS, sent[0].Method)
	require.NotNil(t, sent[0].From(), "outbound OPTIONS must identify the local party")
	assert.Equal(t, "alice", sent[0].From().Address.User)
}

func TestRequestCapabilitiesOfflineOn480(t *testing.T) {
	tr := &fakeTransactor{}
	tr.script(replyWith(480, "Temporarily Unavailable"))
	svc := NewCapabilityService(tr, "sip:alice@ims.example.com",
		NewFeatureTagSet(FeatureTagOMAIM), discardLogger())
	recorder := &capabilityRecorder{updates: make(chan Capabilities, 1)}
	svc.SetObserver(recorder)

	svc.RequestCapabilities("sip:bob@ims.example.com")

	select {
	case caps := <-recorder.updates:
		assert.False(t, caps.Online)
		assert.False(t, caps.SupportsIM())
	case <-time.After(time.Second):
		t.Fatal("capability observer not notified")
	}
}
