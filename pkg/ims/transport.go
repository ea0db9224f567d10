package ims

import (
	"context"
	"fmt"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// Transactor is the outbound side of the SIP stack as the core consumes
// it: fire-and-forget writes plus transaction sends. *sipgo.Client is
// wrapped by SipgoTransactor; tests install scripted fakes.
type Transactor interface {
	// TransactionRequest sends the request and returns the client
	// transaction whose Responses channel yields provisional and final
	// responses.
	TransactionRequest(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error)

	// WriteRequest sends a request outside any transaction (ACK).
	WriteRequest(req *sip.Request) error
}

// SipgoTransactor adapts *sipgo.Client to the Transactor interface.
type SipgoTransactor struct {
	client *sipgo.Client
}

func NewSipgoTransactor(client *sipgo.Client) *SipgoTransactor {
	return &SipgoTransactor{client: client}
}

func (t *SipgoTransactor) TransactionRequest(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	return t.client.TransactionRequest(ctx, req)
}

func (t *SipgoTransactor) WriteRequest(req *sip.Request) error {
	return t.client.WriteRequest(req)
}

// ErrResponseTimeout reports that no final response arrived within the
// transaction wait deadline.
var ErrResponseTimeout = NewServiceError(ErrSessionInitiationFailed, ErrorCategoryTimeout, "response timeout")

// AwaitFinalResponse is the exported form of awaitFinalResponse; a
// non-positive timeout falls back to 30 seconds.
func AwaitFinalResponse(ctx context.Context, tx sip.ClientTransaction, timeout time.Duration) (*sip.Response, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return awaitFinalResponse(ctx, tx, timeout)
}

// awaitFinalResponse drains the client transaction until a final response
// arrives, skipping 100/180/183 provisionals. A nil response with nil
// error never happens: timeouts surface as ErrResponseTimeout.
func awaitFinalResponse(ctx context.Context, tx sip.ClientTransaction, timeout time.Duration) (*sip.Response, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			tx.Terminate()
			return nil, ctx.Err()
		case <-deadline.C:
			tx.Terminate()
			return nil, ErrResponseTimeout
		case <-tx.Done():
			return nil, NewServiceError(ErrSessionInitiationFailed, ErrorCategoryTransport,
				"transaction terminated without final response").WithCause(tx.Err())
		case res := <-tx.Responses():
			switch res.StatusCode {
			case 100, 180, 183:
				// provisional, keep waiting
			default:
				return res, nil
			}
		}
	}
}

// respond answers a server transaction with the given status. Used by the
// dispatcher for interim and error responses; failures are returned so the
// caller can log them without killing its loop.
func respond(tx sip.ServerTransaction, req *sip.Request, status int, reason string) error {
	res := sip.NewResponseFromRequest(req, sip.StatusCode(status), reason, nil)
	return tx.Respond(res)
}

// respondWithBody is respond with a typed payload attached.
func respondWithBody(tx sip.ServerTransaction, req *sip.Request, status int, reason, contentType string, body []byte) error {
	res := sip.NewResponseFromRequest(req, sip.StatusCode(status), reason, body)
	res.AppendHeader(sip.NewHeader("Content-Type", contentType))
	return tx.Respond(res)
}

// reasonPhrase returns the canonical phrase for the handful of status
// codes the stack emits itself.
func reasonPhrase(status int) string {
	switch status {
	case 100:
		return "Trying"
	case 180:
		return "Ringing"
	case 200:
		return "OK"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 415:
		return "Unsupported Media Type"
	case 422:
		return "Session Interval Too Small"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 603:
		return "Decline"
	case 606:
		return "Not Acceptable"
	default:
		return fmt.Sprintf("Status %d", status)
	}
}
