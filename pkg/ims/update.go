package ims

import (
	"context"
	"strconv"

	"github.com/emiago/sipgo/sip"
)

// UpdateResultHandler receives the outcome of a re-INVITE or UPDATE
// renegotiation started through the UpdateSessionManager.
type UpdateResultHandler interface {
	HandleUpdateAccepted(res *sip.Response)
	HandleUpdateFailed(err *ServiceError)
}

// UpdateSessionManager drives mid-session renegotiation (re-INVITE and
// UPDATE) for session subtypes that need it, reusing the owning session's
// dialog path and authentication agent. One 407 challenge is answered per
// request; every other non-2xx is terminal for that negotiation.
type UpdateSessionManager struct {
	session *Session
}

func NewUpdateSessionManager(s *Session) *UpdateSessionManager {
	return &UpdateSessionManager{session: s}
}

// SendReInvite negotiates a new session description over a re-INVITE. On
// 200 the answer is stored as remote content and ACKed before the handler
// fires.
func (u *UpdateSessionManager) SendReInvite(ctx context.Context, contentType, content string, handler UpdateResultHandler) {
	d := u.session.Dialog()
	if d == nil || d.IsSessionTerminated() {
		handler.HandleUpdateFailed(NewServiceError(ErrUnexpected, ErrorCategorySession, "no active dialog to renegotiate"))
		return
	}
	req := d.BuildRequest(sip.INVITE)
	req.SetBody([]byte(content))
	req.AppendHeader(sip.NewHeader("Content-Type", contentType))
	d.SetLocalContent(content)

	res, serr := u.negotiate(ctx, req)
	if serr != nil {
		handler.HandleUpdateFailed(serr)
		return
	}
	d.SetRemoteContent(string(res.Body()))
	ack := newAckRequest(req, res)
	if err := u.session.cfg.Transactor.WriteRequest(ack); err != nil {
		handler.HandleUpdateFailed(NewServiceError(ErrUnexpected, ErrorCategoryTransport, "re-INVITE ACK failed").WithCause(err))
		return
	}
	handler.HandleUpdateAccepted(res)
}

// SendUpdate renegotiates through an UPDATE request, optionally carrying a
// refreshed Session-Expires.
func (u *UpdateSessionManager) SendUpdate(ctx context.Context, sessionExpire int, handler UpdateResultHandler) {
	d := u.session.Dialog()
	if d == nil || d.IsSessionTerminated() {
		handler.HandleUpdateFailed(NewServiceError(ErrUnexpected, ErrorCategorySession, "no active dialog to update"))
		return
	}
	req := d.BuildRequest(sip.UPDATE)
	if sessionExpire > 0 {
		req.AppendHeader(sip.NewHeader("Session-Expires", strconv.Itoa(sessionExpire)))
		req.AppendHeader(sip.NewHeader("Supported", "timer"))
	}
	res, serr := u.negotiate(ctx, req)
	if serr != nil {
		handler.HandleUpdateFailed(serr)
		return
	}
	handler.HandleUpdateAccepted(res)
}

// negotiate sends the request and runs the shared 200/407 ladder.
func (u *UpdateSessionManager) negotiate(ctx context.Context, req *sip.Request) (*sip.Response, *ServiceError) {
	s := u.session
	d := s.Dialog()
	authRetried := false
	for {
		tctx, cancel := context.WithTimeout(ctx, s.cfg.TransportTimeout)
		tx, err := s.cfg.Transactor.TransactionRequest(tctx, req)
		if err != nil {
			cancel()
			return nil, NewServiceError(ErrUnexpected, ErrorCategoryTransport, "renegotiation send failed").WithCause(err)
		}
		res, err := awaitFinalResponse(tctx, tx, s.cfg.TransportTimeout)
		tx.Terminate()
		cancel()
		if err != nil {
			serr, ok := err.(*ServiceError)
			if !ok {
				serr = NewServiceError(ErrUnexpected, ErrorCategoryTransport, "renegotiation wait failed").WithCause(err)
			}
			return nil, serr
		}
		switch int(res.StatusCode) {
		case 200:
			return res, nil
		case 407, 401:
			if authRetried || !s.auth.ReadChallenge(res) {
				return nil, NewServiceError(ErrAuthFailed, ErrorCategoryAuth, "renegotiation authentication failed")
			}
			authRetried = true
			bumpCSeq(req, d.IncrementCSeq())
			if err := s.auth.SetAuthorizationHeader(req); err != nil {
				return nil, err.(*ServiceError)
			}
		default:
			return nil, NewServiceError(ErrUnexpected, ErrorCategoryProtocol,
				"renegotiation rejected: %d %s", int(res.StatusCode), res.Reason)
		}
	}
}
