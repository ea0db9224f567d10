package ims

import (
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSessionUnderTest(t *testing.T, tr *fakeTransactor) *Session {
	t.Helper()
	svc := NewService("chat", discardLogger())
	var local, remote sip.Uri
	require.NoError(t, sip.ParseUri("sip:alice@ims.example.com", &local))
	require.NoError(t, sip.ParseUri("sip:bob@ims.example.com", &remote))
	cfg := SessionConfig{
		Transactor:       tr,
		LocalURI:         local,
		FeatureTags:      []string{FeatureTagOMAIM},
		RingingPeriod:    100 * time.Millisecond,
		TransportTimeout: 100 * time.Millisecond,
		Logger:           discardLogger(),
	}
	return NewSession(svc, "sip:bob@ims.example.com", remote, NewAuthenticationAgent("alice", "secret"), cfg)
}

func newInboundInvite(t *testing.T) *sip.Request {
	t.Helper()
	var from, to sip.Uri
	require.NoError(t, sip.ParseUri("sip:bob@ims.example.com", &from))
	require.NoError(t, sip.ParseUri("sip:alice@ims.example.com", &to))
	req := sip.NewRequest(sip.INVITE, to)
	f := &sip.FromHeader{Address: from, Params: sip.NewParams()}
	f.Params.Add("tag", "remote-tag")
	req.AppendHeader(f)
	req.AppendHeader(&sip.ToHeader{Address: to, Params: sip.NewParams()})
	callID := sip.CallIDHeader("inbound-call-1@ims.example.com")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: from})
	req.SetBody([]byte("remote-offer"))
	return req
}

func newTerminatingSession(t *testing.T, tr *fakeTransactor) (*Session, *fakeServerTx) {
	t.Helper()
	s := newSessionUnderTest(t, tr)
	invite := newInboundInvite(t)
	stx := newFakeServerTx(invite)
	s.CreateTerminatingDialogPath(invite, stx)
	return s, stx
}

func TestCreateInviteCarriesDialogHeaders(t *testing.T) {
	s := newSessionUnderTest(t, &fakeTransactor{})
	s.CreateOriginatingDialogPath()
	d := s.Dialog()
	d.SetSessionExpire(1800)
	d.SetLocalContent("local-sdp")

	req := s.CreateInvite("application/sdp")

	from := req.From()
	require.NotNil(t, from, "INVITE must carry a typed From header")
	tag, ok := from.Params.Get("tag")
	assert.True(t, ok)
	assert.Equal(t, d.LocalTag(), tag)

	to := req.To()
	require.NotNil(t, to)
	_, hasTag := to.Params.Get("tag")
	assert.False(t, hasTag, "dialog-creating INVITE must not carry a To tag")

	require.NotNil(t, req.CallID())
	assert.Equal(t, d.CallID(), req.CallID().Value())

	cseq := req.CSeq()
	require.NotNil(t, cseq)
	assert.Equal(t, uint32(1), cseq.SeqNo)
	assert.Equal(t, sip.INVITE, cseq.MethodName)

	require.NotNil(t, req.Contact())

	require.NotNil(t, req.GetHeader("Session-Expires"))
	assert.Equal(t, "1800", req.GetHeader("Session-Expires").Value())
	assert.Equal(t, "90", req.GetHeader("Min-SE").Value())
	assert.Equal(t, "local-sdp", string(req.Body()))
}

func TestSendInviteEstablishesOn200(t *testing.T) {
	tr := &fakeTransactor{}
	tr.script(replyWith(200, "OK",
		withToTag("totag-1"),
		withBody("application/sdp", []byte("remote-answer")),
		withContact("sip:bob@10.0.0.5:5080"),
	))
	s := newSessionUnderTest(t, tr)
	listener := &recordingListener{}
	s.AddListener(listener)
	s.CreateOriginatingDialogPath()
	s.Dialog().SetLocalContent("local-offer")

	req := s.CreateInvite("application/sdp")
	require.NoError(t, s.SendInvite(req))

	d := s.Dialog()
	assert.True(t, d.IsSigEstablished())
	assert.True(t, d.IsSessionEstablished())
	assert.Equal(t, "totag-1", d.RemoteTag())
	assert.Equal(t, "remote-answer", d.RemoteContent())
	assert.Equal(t, "10.0.0.5", d.Target().Host)

	written := tr.writtenRequests()
	require.Len(t, written, 1, "2xx must be ACKed outside the transaction")
	ack := written[0]
	assert.Equal(t, sip.ACK, ack.Method)
	require.NotNil(t, ack.CallID())
	assert.Equal(t, d.CallID(), ack.CallID().Value())
	require.NotNil(t, ack.CSeq())
	assert.Equal(t, uint32(1), ack.CSeq().SeqNo, "ACK reuses the INVITE sequence number")
	assert.Equal(t, sip.ACK, ack.CSeq().MethodName)
	require.NotNil(t, ack.To())
	ackTag, _ := ack.To().Params.Get("tag")
	assert.Equal(t, "totag-1", ackTag, "ACK To carries the remote tag")

	assert.Equal(t, 1, listener.startedCount())
	assert.Equal(t, 0, listener.terminalCount())
}

func TestSendInviteAnswersChallengeOnce(t *testing.T) {
	challenge := `Digest realm="ims.example.com", nonce="abc123", algorithm=MD5, qop="auth"`
	tr := &fakeTransactor{}
	tr.script(
		replyWith(401, "Unauthorized", withHeader("WWW-Authenticate", challenge)),
		replyWith(200, "OK", withToTag("totag-2")),
	)
	s := newSessionUnderTest(t, tr)
	s.CreateOriginatingDialogPath()
	s.Dialog().SetLocalContent("local-offer")

	req := s.CreateInvite("application/sdp")
	require.NoError(t, s.SendInvite(req))

	require.Len(t, tr.sentRequests(), 2)
	auth := req.GetHeader("Authorization")
	require.NotNil(t, auth, "resent INVITE must carry credentials")
	assert.Contains(t, auth.Value(), `username="alice"`)
	assert.Equal(t, uint32(2), req.CSeq().SeqNo, "resend must bump CSeq")
}

func TestSendInviteRepeatedChallengeFails(t *testing.T) {
	challenge := `Digest realm="ims.example.com", nonce="abc123", algorithm=MD5`
	tr := &fakeTransactor{}
	tr.script(
		replyWith(401, "Unauthorized", withHeader("WWW-Authenticate", challenge)),
		replyWith(401, "Unauthorized", withHeader("WWW-Authenticate", challenge)),
	)
	s := newSessionUnderTest(t, tr)
	listener := &recordingListener{}
	s.AddListener(listener)
	s.CreateOriginatingDialogPath()

	err := s.SendInvite(s.CreateInvite("application/sdp"))
	require.Error(t, err)
	assert.Equal(t, ErrAuthFailed, CodeOf(err))
	assert.Equal(t, 1, listener.errCount())
}

func TestSendInviteRaisesSessionInterval(t *testing.T) {
	tr := &fakeTransactor{}
	tr.script(
		replyWith(422, "Session Interval Too Small", withHeader("Min-SE", "1800")),
		replyWith(200, "OK", withToTag("totag-3")),
	)
	s := newSessionUnderTest(t, tr)
	s.CreateOriginatingDialogPath()
	d := s.Dialog()
	d.SetSessionExpire(120)
	s.Dialog().SetLocalContent("local-offer")

	req := s.CreateInvite("application/sdp")
	require.NoError(t, s.SendInvite(req))

	require.Len(t, tr.sentRequests(), 2)
	assert.Equal(t, "1800", req.GetHeader("Session-Expires").Value())
	assert.Equal(t, "1800", req.GetHeader("Min-SE").Value())
	assert.Equal(t, uint32(2), req.CSeq().SeqNo)
	assert.Equal(t, 1800, d.SessionExpire())
	assert.Equal(t, 1800, d.MinSessionExpire())
}

func TestSendInviteBusyIsTerminal(t *testing.T) {
	tr := &fakeTransactor{}
	tr.script(replyWith(486, "Busy Here"))
	s := newSessionUnderTest(t, tr)
	listener := &recordingListener{}
	s.AddListener(listener)
	s.CreateOriginatingDialogPath()

	err := s.SendInvite(s.CreateInvite("application/sdp"))
	require.Error(t, err)
	assert.Equal(t, ErrSessionInitiationBusy, CodeOf(err))
	assert.Equal(t, []int{486}, listener.rejectedRemoteCodes())
	assert.Equal(t, 1, listener.terminalCount(), "exactly one terminal callback")
}

func TestTerminateSessionSendsSingleBye(t *testing.T) {
	tr := &fakeTransactor{}
	tr.script(
		replyWith(200, "OK", withToTag("totag-4"), withContact("sip:bob@10.0.0.5:5080")),
		replyWith(200, "OK"), // BYE
	)
	s := newSessionUnderTest(t, tr)
	s.CreateOriginatingDialogPath()
	s.Dialog().SetLocalContent("local-offer")
	require.NoError(t, s.SendInvite(s.CreateInvite("application/sdp")))

	s.TerminateSession(TerminationByUser)
	s.TerminateSession(TerminationByUser)

	methods := tr.sentMethods()
	byes := 0
	for _, m := range methods {
		if m == "BYE" {
			byes++
		}
	}
	assert.Equal(t, 1, byes, "termination is idempotent, one BYE only")

	bye := tr.sentRequests()[1]
	require.NotNil(t, bye.CSeq())
	assert.Equal(t, uint32(2), bye.CSeq().SeqNo)
	require.NotNil(t, bye.To())
	tag, _ := bye.To().Params.Get("tag")
	assert.Equal(t, "totag-4", tag, "in-dialog BYE carries the remote tag")
}

func TestTerminateBeforeAnswerCancels(t *testing.T) {
	tr := &fakeTransactor{}
	tr.script(func(tx *fakeClientTx, req *sip.Request) {
		tx.onCancel = func(tx *fakeClientTx) {
			tx.responses <- sip.NewResponseFromRequest(req, 487, "Request Terminated", nil)
		}
	})
	s := newSessionUnderTest(t, tr)
	s.CreateOriginatingDialogPath()

	errCh := make(chan error, 1)
	go func() { errCh <- s.SendInvite(s.CreateInvite("application/sdp")) }()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.inviteTx != nil
	}, time.Second, 2*time.Millisecond)

	s.TerminateSession(TerminationByUser)

	select {
	case err := <-errCh:
		assert.Equal(t, ErrSessionInitiationCanceled, CodeOf(err))
	case <-time.After(time.Second):
		t.Fatal("SendInvite did not finish after CANCEL")
	}

	sent := tr.sentRequests()
	require.Len(t, sent, 2)
	cancel := sent[1]
	assert.Equal(t, sip.CANCEL, cancel.Method)
	require.NotNil(t, cancel.CallID())
	assert.Equal(t, sent[0].CallID().Value(), cancel.CallID().Value())
	require.NotNil(t, cancel.CSeq())
	assert.Equal(t, sent[0].CSeq().SeqNo, cancel.CSeq().SeqNo, "CANCEL reuses the INVITE sequence number")
	assert.Equal(t, sip.CANCEL, cancel.CSeq().MethodName)
	assert.True(t, tr.txs[0].Cancelled())
}

func TestWaitInvitationAnswerTimesOut(t *testing.T) {
	s, _ := newTerminatingSession(t, &fakeTransactor{})
	start := time.Now()
	status := s.WaitInvitationAnswer()
	assert.Equal(t, InvitationNotAnswered, status)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestAcceptSessionWakesWaiter(t *testing.T) {
	s, _ := newTerminatingSession(t, &fakeTransactor{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.AcceptSession()
	}()
	assert.Equal(t, InvitationAccepted, s.WaitInvitationAnswer())
}

func TestInvitationStatusTransitionsOnce(t *testing.T) {
	s, stx := newTerminatingSession(t, &fakeTransactor{})
	s.AcceptSession()
	s.RejectSession(486)
	assert.Equal(t, InvitationAccepted, s.InvitationStatus())
	assert.Empty(t, stx.Responses(), "reject after accept must not answer the INVITE")
}

func TestRejectSessionAnswersOnce(t *testing.T) {
	s, stx := newTerminatingSession(t, &fakeTransactor{})
	s.RejectSession(486)
	s.RejectSession(603)

	require.Len(t, stx.Responses(), 1)
	assert.Equal(t, 486, stx.LastStatus())
	assert.Equal(t, InvitationRejected, s.InvitationStatus())
}

func TestTerminatingAnswerFlow(t *testing.T) {
	s, stx := newTerminatingSession(t, &fakeTransactor{})
	s.Send180Ringing()
	s.Dialog().SetLocalContent("local-answer")
	require.NoError(t, s.Answer200OK("application/sdp"))

	responses := stx.Responses()
	require.Len(t, responses, 2)
	assert.Equal(t, 180, int(responses[0].StatusCode))

	ok := responses[1]
	assert.Equal(t, 200, int(ok.StatusCode))
	assert.Equal(t, "local-answer", string(ok.Body()))
	require.NotNil(t, ok.To())
	tag, hasTag := ok.To().Params.Get("tag")
	assert.True(t, hasTag)
	assert.Equal(t, s.Dialog().LocalTag(), tag)

	assert.True(t, s.Dialog().IsSigEstablished())
	assert.True(t, s.Dialog().IsSessionEstablished())
}

func TestAnswer200OKEchoesSessionTimer(t *testing.T) {
	s := newSessionUnderTest(t, &fakeTransactor{})
	invite := newInboundInvite(t)
	invite.AppendHeader(sip.NewHeader("Session-Expires", "120;refresher=uac"))
	stx := newFakeServerTx(invite)
	s.CreateTerminatingDialogPath(invite, stx)
	s.Dialog().SetLocalContent("local-answer")

	require.NoError(t, s.Answer200OK("application/sdp"))
	defer s.SessionTimer().Stop()

	responses := stx.Responses()
	require.Len(t, responses, 1)
	ok := responses[0]
	require.NotNil(t, ok.GetHeader("Session-Expires"))
	assert.Equal(t, "120;refresher=uac", ok.GetHeader("Session-Expires").Value())
	require.NotNil(t, ok.GetHeader("Require"))
	assert.Equal(t, "timer", ok.GetHeader("Require").Value())
	assert.Equal(t, 120, s.Dialog().SessionExpire())
	assert.True(t, s.SessionTimer().IsRunning(), "answering side watches for refreshes")
}

func TestReceiveCancelBeforeAnswer(t *testing.T) {
	s, stx := newTerminatingSession(t, &fakeTransactor{})
	listener := &recordingListener{}
	s.AddListener(listener)

	s.ReceiveCancel(newInboundInvite(t))

	assert.Equal(t, 487, stx.LastStatus())
	assert.Equal(t, InvitationCanceled, s.InvitationStatus())
	assert.Equal(t, 1, listener.remoteCount())
	assert.Equal(t, 1, listener.terminalCount())
}

func TestReceiveCancelAfterAnswerIsStale(t *testing.T) {
	s, stx := newTerminatingSession(t, &fakeTransactor{})
	s.Dialog().SetLocalContent("local-answer")
	require.NoError(t, s.Answer200OK("application/sdp"))

	s.ReceiveCancel(newInboundInvite(t))

	require.Len(t, stx.Responses(), 1, "stale CANCEL must not add a 487")
	assert.Equal(t, 200, stx.LastStatus())
}

func TestReceiveByeFiresTerminalOnce(t *testing.T) {
	s, _ := newTerminatingSession(t, &fakeTransactor{})
	listener := &recordingListener{}
	s.AddListener(listener)
	s.Dialog().SetLocalContent("local-answer")
	require.NoError(t, s.Answer200OK("application/sdp"))

	bye := newInboundInvite(t)
	s.ReceiveBye(bye)
	s.ReceiveBye(bye)

	assert.True(t, s.IsTerminatedByRemote())
	assert.Equal(t, 1, listener.remoteCount())
	assert.Equal(t, 1, listener.terminalCount())
}

func TestReceiveReInviteEchoesTimer(t *testing.T) {
	s, _ := newTerminatingSession(t, &fakeTransactor{})
	s.Dialog().SetLocalContent("local-answer")
	require.NoError(t, s.Answer200OK("application/sdp"))

	reinvite := newInboundInvite(t)
	reinvite.AppendHeader(sip.NewHeader("Session-Expires", "1800;refresher=uac"))
	reinvite.SetBody([]byte("refreshed-offer"))
	stx := newFakeServerTx(reinvite)

	s.ReceiveReInvite(reinvite, stx)

	require.Len(t, stx.Responses(), 1)
	res := stx.Responses()[0]
	assert.Equal(t, 200, int(res.StatusCode))
	assert.Equal(t, "local-answer", string(res.Body()))
	require.NotNil(t, res.GetHeader("Session-Expires"))
	assert.Equal(t, "1800;refresher=uac", res.GetHeader("Session-Expires").Value())
	assert.Equal(t, "refreshed-offer", s.Dialog().RemoteContent())
}

func TestReceiveReInviteAfterTermination(t *testing.T) {
	s, _ := newTerminatingSession(t, &fakeTransactor{})
	s.TerminateSession(TerminationByUser)

	reinvite := newInboundInvite(t)
	stx := newFakeServerTx(reinvite)
	s.ReceiveReInvite(reinvite, stx)

	assert.Equal(t, 481, stx.LastStatus())
}

func TestReceiveUpdateRefreshesExpire(t *testing.T) {
	s, _ := newTerminatingSession(t, &fakeTransactor{})
	update := newInboundInvite(t)
	update.AppendHeader(sip.NewHeader("Session-Expires", "600;refresher=uac"))
	stx := newFakeServerTx(update)

	s.ReceiveUpdate(update, stx)

	assert.Equal(t, 200, stx.LastStatus())
	assert.Equal(t, 600, s.Dialog().SessionExpire())
}

type fakeMedia struct {
	closed chan struct{}
}

func (m *fakeMedia) CloseMedia() { close(m.closed) }

func TestAbortSessionClosesMediaOnce(t *testing.T) {
	tr := &fakeTransactor{}
	tr.script(
		replyWith(200, "OK", withToTag("totag-5")),
		replyWith(200, "OK"), // BYE
	)
	s := newSessionUnderTest(t, tr)
	listener := &recordingListener{}
	s.AddListener(listener)
	media := &fakeMedia{closed: make(chan struct{})}
	s.SetMediaController(media)
	s.CreateOriginatingDialogPath()
	s.Dialog().SetLocalContent("local-offer")
	require.NoError(t, s.SendInvite(s.CreateInvite("application/sdp")))

	s.AbortSession(TerminationByUser)

	select {
	case <-media.closed:
	default:
		t.Fatal("abort must close the media plane")
	}
	assert.True(t, s.IsInterrupted())
	assert.Equal(t, 1, listener.abortedCount())
	assert.Equal(t, 1, listener.terminalCount())
}

func TestAbortBeforeSignalingRejectsByUser(t *testing.T) {
	s, _ := newTerminatingSession(t, &fakeTransactor{})
	listener := &recordingListener{}
	s.AddListener(listener)

	s.AbortSession(TerminationByUser)

	listener.mu.Lock()
	rejected := listener.rejectedUser
	listener.mu.Unlock()
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 1, listener.terminalCount())
	assert.Equal(t, InvitationRejected, s.InvitationStatus())
}
