package ims

import (
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// DialogPath holds one SIP dialog's identifying and routing state:
// Call-ID, local/remote tags, CSeq counter, route set and the negotiated
// session description. It is owned by exactly one session; only that
// session's goroutine and the dispatcher mutate it.
type DialogPath struct {
	mu sync.Mutex

	callID    string
	localURI  sip.Uri
	remoteURI sip.Uri
	localTag  string
	remoteTag string

	// target is the remote Contact URI subsequent requests are sent to.
	target   sip.Uri
	routeSet []sip.Uri

	cseq uint32

	localContent  string
	remoteContent string

	invite *sip.Request

	sessionExpire    int // seconds, RFC 4028
	minSessionExpire int

	sigEstablished     bool
	sessionEstablished bool
	sessionTerminated  bool
	sessionCancelled   bool
}

// MinSessionExpirePeriod is the RFC 4028 floor for Session-Expires.
const MinSessionExpirePeriod = 90

// NewOriginatingDialogPath builds the dialog state for an outbound INVITE.
func NewOriginatingDialogPath(localURI, remoteURI sip.Uri) *DialogPath {
	return &DialogPath{
		callID:           uuid.NewString() + "@" + localURI.Host,
		localURI:         localURI,
		remoteURI:        remoteURI,
		target:           remoteURI,
		localTag:         generateTag(),
		cseq:             1,
		minSessionExpire: MinSessionExpirePeriod,
	}
}

// NewTerminatingDialogPath builds the dialog state from an inbound INVITE.
// Local and remote sides are swapped relative to the request.
func NewTerminatingDialogPath(invite *sip.Request) *DialogPath {
	p := &DialogPath{
		callID:           invite.CallID().Value(),
		localTag:         generateTag(),
		cseq:             1,
		invite:           invite,
		remoteContent:    string(invite.Body()),
		minSessionExpire: MinSessionExpirePeriod,
	}
	if from := invite.From(); from != nil {
		p.remoteURI = from.Address
		p.remoteTag, _ = from.Params.Get("tag")
	}
	if to := invite.To(); to != nil {
		p.localURI = to.Address
	}
	if contact := invite.Contact(); contact != nil {
		p.target = contact.Address
	} else {
		p.target = p.remoteURI
	}
	if cseq := invite.CSeq(); cseq != nil {
		p.cseq = cseq.SeqNo
	}
	return p
}

func generateTag() string {
	return uuid.NewString()[:8]
}

func (p *DialogPath) CallID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callID
}

func (p *DialogPath) LocalTag() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localTag
}

func (p *DialogPath) RemoteTag() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteTag
}

// SetRemoteTag records the peer tag learned from a response To header.
func (p *DialogPath) SetRemoteTag(tag string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteTag = tag
}

func (p *DialogPath) LocalURI() sip.Uri {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localURI
}

func (p *DialogPath) RemoteURI() sip.Uri {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteURI
}

func (p *DialogPath) Target() sip.Uri {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target
}

// SetTarget updates the remote Contact learned from a 2xx response.
func (p *DialogPath) SetTarget(target sip.Uri) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = target
}

// SetRouteSet installs the route set built from Record-Route headers.
func (p *DialogPath) SetRouteSet(routes []sip.Uri) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routeSet = routes
}

func (p *DialogPath) RouteSet() []sip.Uri {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]sip.Uri, len(p.routeSet))
	copy(out, p.routeSet)
	return out
}

func (p *DialogPath) CSeq() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cseq
}

// IncrementCSeq bumps the local sequence number and returns the new value.
func (p *DialogPath) IncrementCSeq() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cseq++
	return p.cseq
}

func (p *DialogPath) LocalContent() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localContent
}

func (p *DialogPath) SetLocalContent(content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localContent = content
}

func (p *DialogPath) RemoteContent() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteContent
}

func (p *DialogPath) SetRemoteContent(content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteContent = content
}

// Invite returns the dialog-creating INVITE request.
func (p *DialogPath) Invite() *sip.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.invite
}

func (p *DialogPath) SetInvite(req *sip.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invite = req
}

func (p *DialogPath) SessionExpire() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionExpire
}

// SetSessionExpire clamps the period to the RFC 4028 floor.
func (p *DialogPath) SetSessionExpire(secs int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if secs != 0 && secs < p.minSessionExpire {
		secs = p.minSessionExpire
	}
	p.sessionExpire = secs
}

func (p *DialogPath) MinSessionExpire() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.minSessionExpire
}

func (p *DialogPath) SetMinSessionExpire(secs int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minSessionExpire = secs
}

func (p *DialogPath) IsSigEstablished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sigEstablished
}

func (p *DialogPath) SetSigEstablished() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sigEstablished = true
}

func (p *DialogPath) IsSessionEstablished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionEstablished
}

func (p *DialogPath) SetSessionEstablished() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionEstablished = true
}

func (p *DialogPath) IsSessionTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionTerminated
}

// SetSessionTerminated marks the dialog terminal. Returns false when the
// dialog was already terminated, making termination idempotent for
// callers.
func (p *DialogPath) SetSessionTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessionTerminated {
		return false
	}
	p.sessionTerminated = true
	return true
}

func (p *DialogPath) IsSessionCancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionCancelled
}

func (p *DialogPath) SetSessionCancelled() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionCancelled = true
}

// BuildRequest creates an in-dialog request for the given method: dialog
// From/To with tags, Call-ID, incremented CSeq, route set, recipient set
// to the remote target.
func (p *DialogPath) BuildRequest(method sip.RequestMethod) *sip.Request {
	p.mu.Lock()
	defer p.mu.Unlock()

	req := sip.NewRequest(method, p.target)
	p.cseq++

	from := &sip.FromHeader{Address: p.localURI, Params: sip.NewParams()}
	from.Params.Add("tag", p.localTag)
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: p.remoteURI, Params: sip.NewParams()}
	if p.remoteTag != "" {
		to.Params.Add("tag", p.remoteTag)
	}
	req.AppendHeader(to)

	callID := sip.CallIDHeader(p.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: p.cseq, MethodName: method})
	req.AppendHeader(&sip.ContactHeader{Address: p.localURI})
	for _, route := range p.routeSet {
		req.AppendHeader(&sip.RouteHeader{Address: route})
	}
	return req
}
