package ims

import (
	"github.com/emiago/sipgo/sip"
)

// newAckRequest builds the ACK for a 2xx final response. Per RFC 3261
// 13.2.2.4 the ACK is its own transaction: same Request-URI, Call-ID,
// From and CSeq number as the INVITE, To copied from the response so it
// carries the remote tag.
func newAckRequest(invite *sip.Request, res *sip.Response) *sip.Request {
	ack := sip.NewRequest(sip.ACK, invite.Recipient)
	ack.SipVersion = invite.SipVersion

	sip.CopyHeaders("Route", invite, ack)
	maxForwards := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxForwards)

	if h := invite.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := res.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.ACK})
	}

	ack.SetTransport(invite.Transport())
	ack.SetSource(invite.Source())
	ack.SetDestination(invite.Destination())
	return ack
}

// newCancelRequest builds the CANCEL for a pending INVITE. Per RFC 3261
// 9.1 it mirrors the INVITE's Request-URI, Via, Route, From, To, Call-ID
// and CSeq number, with the method swapped to CANCEL.
func newCancelRequest(invite *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)
	cancel.SipVersion = invite.SipVersion

	if via := invite.Via(); via != nil {
		cancel.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", invite, cancel)
	maxForwards := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxForwards)

	if h := invite.From(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.To(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		cseq := sip.HeaderClone(h).(*sip.CSeqHeader)
		cseq.MethodName = sip.CANCEL
		cancel.AppendHeader(cseq)
	}

	cancel.SetTransport(invite.Transport())
	cancel.SetSource(invite.Source())
	cancel.SetDestination(invite.Destination())
	return cancel
}

// setHeader replaces an existing header or appends it when absent;
// sip.Request.ReplaceHeader silently does nothing for a header the
// request does not carry yet.
func setHeader(req *sip.Request, h sip.Header) {
	if req.GetHeader(h.Name()) != nil {
		req.ReplaceHeader(h)
		return
	}
	req.AppendHeader(h)
}
