package ims

import (
	"strings"

	"github.com/emiago/sipgo/sip"
)

// GSMA/3GPP feature tags advertised in Contact and Accept-Contact headers.
// The dispatcher matches inbound INVITEs against these to pick a service.
const (
	FeatureTag3GPPVideoShare   = "+g.3gpp.cs-voice"
	FeatureTag3GPPImageShare   = "+g.3gpp.app_ref=\"urn%3Aurn-7%3A3gpp-application.ims.iari.gsma-is\""
	FeatureTagOMAIM            = "+g.oma.sip-im"
	FeatureTag3GPPIARI         = "+g.3gpp.iari-ref"
	FeatureTagFileTransfer     = "+g.3gpp.iari-ref=\"urn%3Aurn-7%3A3gpp-application.ims.iari.rcse.ft\""
	FeatureTagFileTransferHTTP = "+g.3gpp.iari-ref=\"urn%3Aurn-7%3A3gpp-application.ims.iari.rcs.fthttp\""
	FeatureTagGeolocPush       = "+g.3gpp.iari-ref=\"urn%3Aurn-7%3A3gpp-application.ims.iari.rcs.geopush\""
	FeatureTagIPCall           = "+g.gsma.rcs.ipcall"
)

// FeatureTagSet is the unordered set of feature tags found on a request or
// configured for the local device.
type FeatureTagSet map[string]struct{}

func NewFeatureTagSet(tags ...string) FeatureTagSet {
	s := make(FeatureTagSet, len(tags))
	for _, t := range tags {
		s[t] = struct{}{}
	}
	return s
}

// Contains reports whether the set carries the tag. Tags that embed quoted
// IARI values match on the IARI part as well, so a bare
// "+g.3gpp.iari-ref" query matches any IARI-qualified tag.
func (s FeatureTagSet) Contains(tag string) bool {
	if _, ok := s[tag]; ok {
		return true
	}
	for t := range s {
		if strings.HasPrefix(t, tag) {
			return true
		}
	}
	return false
}

// List returns the tags in unspecified order.
func (s FeatureTagSet) List() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	return out
}

// RequestFeatureTags collects feature tags from the Contact and
// Accept-Contact headers of a request. Header parameters that do not start
// with "+g." are ignored.
func RequestFeatureTags(req *sip.Request) FeatureTagSet {
	set := make(FeatureTagSet)
	for _, name := range []string{"Contact", "Accept-Contact"} {
		for _, h := range req.GetHeaders(name) {
			collectFeatureTags(set, h.Value())
		}
	}
	return set
}

func collectFeatureTags(set FeatureTagSet, headerValue string) {
	// Parameters follow the addr-spec; quoted IARI values may contain
	// semicolons, so split carefully on top-level ';' only.
	depth := false
	start := 0
	parts := make([]string, 0, 4)
	for i := 0; i < len(headerValue); i++ {
		switch headerValue[i] {
		case '"':
			depth = !depth
		case ';':
			if !depth {
				parts = append(parts, headerValue[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, headerValue[start:])
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if strings.HasPrefix(p, "+g.") {
			set[p] = struct{}{}
		}
	}
}
