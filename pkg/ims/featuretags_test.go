package ims

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeatureTagSetContains(t *testing.T) {
	set := NewFeatureTagSet(FeatureTagOMAIM, FeatureTagFileTransferHTTP)

	assert.True(t, set.Contains(FeatureTagOMAIM))
	assert.True(t, set.Contains(FeatureTagFileTransferHTTP))
	// A bare IARI prefix matches any IARI-qualified tag.
	assert.True(t, set.Contains(FeatureTag3GPPIARI))
	assert.False(t, set.Contains(FeatureTagIPCall))
}

func TestRequestFeatureTagsFromContactAndAcceptContact(t *testing.T) {
	var to sip.Uri
	require.NoError(t, sip.ParseUri("sip:alice@ims.example.com", &to))
	req := sip.NewRequest(sip.INVITE, to)
	req.AppendHeader(sip.NewHeader("Contact", "<sip:bob@10.0.0.2:5060>;"+FeatureTagOMAIM+";expires=3600"))
	req.AppendHeader(sip.NewHeader("Accept-Contact", "*;"+FeatureTagFileTransferHTTP+";require"))

	tags := RequestFeatureTags(req)

	assert.True(t, tags.Contains(FeatureTagOMAIM))
	assert.True(t, tags.Contains(FeatureTagFileTransferHTTP))
	// Non feature-tag parameters are dropped.
	assert.False(t, tags.Contains("expires=3600"))
	assert.Len(t, tags.List(), 2)
}

func TestCollectFeatureTagsHonorsQuotedSemicolons(t *testing.T) {
	set := make(FeatureTagSet)
	collectFeatureTags(set, `<sip:bob@10.0.0.2>;+g.3gpp.iari-ref="urn%3Aa;b";+g.oma.sip-im`)

	assert.True(t, set.Contains(`+g.3gpp.iari-ref="urn%3Aa;b"`))
	assert.True(t, set.Contains(FeatureTagOMAIM))
	assert.Len(t, set.List(), 2)
}
