package ims

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

// Dialog lifecycle states driven through the looplab FSM.
const (
	stateCreated     = "created"
	stateSignaling   = "signaling-established"
	stateEstablished = "session-established"
	stateTerminated  = "terminated"
)

// SessionRunner is the lifecycle body of a concrete session subtype.
// StartSession spawns it on its own goroutine; cancellation is delivered
// through the context, not a thread interrupt.
type SessionRunner interface {
	Run(ctx context.Context)
}

// SessionRunnerFunc adapts a function to SessionRunner.
type SessionRunnerFunc func(ctx context.Context)

func (f SessionRunnerFunc) Run(ctx context.Context) { f(ctx) }

// MediaController is implemented by session subtypes that own a media or
// transfer plane. CloseMedia is called during abort and remote
// termination.
type MediaController interface {
	CloseMedia()
}

// SessionConfig carries the collaborators and timing knobs a session
// needs. RingingPeriod bounds WaitInvitationAnswer; the response timeout
// for an INVITE is RingingPeriod+TransportTimeout.
type SessionConfig struct {
	Transactor       Transactor
	LocalURI         sip.Uri
	LocalContact     string
	FeatureTags      []string
	RingingPeriod    time.Duration
	TransportTimeout time.Duration
	Logger           *slog.Logger
	Metrics          *Metrics
}

func (c *SessionConfig) normalize() {
	if c.RingingPeriod <= 0 {
		c.RingingPeriod = 60 * time.Second
	}
	if c.TransportTimeout <= 0 {
		c.TransportTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Session is the IMS service session state machine. Concrete session
// subtypes (chat, file transfer, capability exchange) embed it and provide
// a SessionRunner. The invitation status transitions exactly once; the
// dialog lifecycle runs created → signaling-established →
// session-established → terminated.
type Session struct {
	id          string
	service     *Service
	contact     string
	displayName string
	remoteURI   sip.Uri

	cfg    SessionConfig
	auth   *AuthenticationAgent
	dialog *DialogPath
	fsm    *fsm.FSM
	logger *slog.Logger
	timer  *SessionTimerManager

	ctx    context.Context
	cancel context.CancelFunc

	mu                 sync.Mutex
	invitationStatus   InvitationStatus
	answered           chan struct{}
	answerOnce         sync.Once
	terminalOnce       sync.Once
	interrupted        bool
	terminatedByRemote bool
	listeners          []SessionListener
	inviteTx           sip.ClientTransaction
	inviteReq          *sip.Request
	metricsStarted     bool
	serverTx           sip.ServerTransaction
	runner             SessionRunner
	media              MediaController

	// Chat bridging identifiers for FT-over-HTTP sessions.
	chatSessionID  string
	contributionID string
}

// NewSession creates a session owned by svc for the given remote contact.
// The session is not registered with the service until StartSession.
func NewSession(svc *Service, contact string, remoteURI sip.Uri, auth *AuthenticationAgent, cfg SessionConfig) *Session {
	cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        uuid.NewString(),
		service:   svc,
		contact:   contact,
		remoteURI: remoteURI,
		cfg:       cfg,
		auth:      auth,
		ctx:       ctx,
		cancel:    cancel,
		answered:  make(chan struct{}),
		logger:    cfg.Logger.With("component", "session", "contact", contact),
	}
	s.logger = s.logger.With("session_id", s.id)
	s.fsm = fsm.NewFSM(
		stateCreated,
		fsm.Events{
			{Name: "signal", Src: []string{stateCreated}, Dst: stateSignaling},
			{Name: "establish", Src: []string{stateCreated, stateSignaling}, Dst: stateEstablished},
			{Name: "terminate", Src: []string{stateCreated, stateSignaling, stateEstablished}, Dst: stateTerminated},
		},
		fsm.Callbacks{},
	)
	s.timer = newSessionTimerManager(s)
	return s
}

func (s *Session) ID() string            { return s.id }
func (s *Session) RemoteContact() string { return s.contact }
func (s *Session) RemoteURI() sip.Uri    { return s.remoteURI }
func (s *Session) Service() *Service     { return s.service }
func (s *Session) Context() context.Context { return s.ctx }

// RemoteDisplayName is resolved best-effort from the local contact store
// when the dialog path is created; empty when unknown.
func (s *Session) RemoteDisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayName
}

func (s *Session) SetRemoteDisplayName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.displayName = name
}

// Dialog returns the session's dialog path, nil before one is created.
func (s *Session) Dialog() *DialogPath {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialog
}

// DialogCallID is the dispatcher's routing key; empty without a dialog.
func (s *Session) DialogCallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dialog == nil {
		return ""
	}
	return s.dialog.CallID()
}

// SessionTimer returns the RFC 4028 refresh manager for this session.
func (s *Session) SessionTimer() *SessionTimerManager { return s.timer }

func (s *Session) AuthenticationAgent() *AuthenticationAgent { return s.auth }

func (s *Session) Transactor() Transactor { return s.cfg.Transactor }

// ChatSessionID links an FT-over-HTTP session to its carrying chat
// session; empty when the transfer is standalone.
func (s *Session) ChatSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatSessionID
}

func (s *Session) SetChatSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatSessionID = id
}

func (s *Session) ContributionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contributionID
}

func (s *Session) SetContributionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contributionID = id
}

// SetRunner installs the lifecycle body; concrete subtypes call this from
// their constructor.
func (s *Session) SetRunner(r SessionRunner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runner = r
}

// SetMediaController installs the media/transfer plane hook.
func (s *Session) SetMediaController(m MediaController) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media = m
}

// AddListener subscribes a lifecycle listener.
func (s *Session) AddListener(l SessionListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Session) snapshotListeners() []SessionListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionListener, len(s.listeners))
	copy(out, s.listeners)
	return out
}

// CreateOriginatingDialogPath initializes the dialog state for an outbound
// invitation. The remote display name is resolved best-effort; resolver
// failures are ignored.
func (s *Session) CreateOriginatingDialogPath() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialog = NewOriginatingDialogPath(s.cfg.LocalURI, s.remoteURI)
}

// CreateTerminatingDialogPath initializes the dialog state from the
// inbound INVITE and keeps the server transaction for the final response.
func (s *Session) CreateTerminatingDialogPath(invite *sip.Request, tx sip.ServerTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialog = NewTerminatingDialogPath(invite)
	s.serverTx = tx
	if from := invite.From(); from != nil && from.DisplayName != "" {
		s.displayName = from.DisplayName
	}
}

// StartSession registers the session in its owning service's table and
// starts the lifecycle goroutine. Callers invoke it exactly once.
func (s *Session) StartSession() {
	s.service.AddSession(s)
	s.cfg.Metrics.sessionStarted(s.service.Name())
	s.mu.Lock()
	s.metricsStarted = true
	runner := s.runner
	s.mu.Unlock()
	if runner == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				// One broken session must not take the stack down.
				s.logger.Error("session run panic", "panic", r)
				s.handleUnexpected(fmt.Errorf("session panic: %v", r))
			}
		}()
		runner.Run(s.ctx)
	}()
}

// InvitationStatus returns the current answer state.
func (s *Session) InvitationStatus() InvitationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invitationStatus
}

// setInvitationStatus performs the single allowed transition away from
// NotAnswered and wakes WaitInvitationAnswer. Later calls are no-ops.
func (s *Session) setInvitationStatus(status InvitationStatus) bool {
	s.mu.Lock()
	changed := false
	if s.invitationStatus == InvitationNotAnswered && status != InvitationNotAnswered {
		s.invitationStatus = status
		changed = true
	}
	s.mu.Unlock()
	if changed {
		s.answerOnce.Do(func() { close(s.answered) })
	}
	return changed
}

// AcceptSession marks the invitation accepted and wakes the waiter.
func (s *Session) AcceptSession() {
	s.setInvitationStatus(InvitationAccepted)
}

// RejectSession answers the inbound INVITE with the given error code,
// marks the invitation rejected and removes the session from its service.
func (s *Session) RejectSession(code int) {
	if !s.setInvitationStatus(InvitationRejected) {
		return
	}
	s.mu.Lock()
	tx := s.serverTx
	invite := (*sip.Request)(nil)
	if s.dialog != nil {
		invite = s.dialog.Invite()
	}
	s.mu.Unlock()
	if tx != nil && invite != nil {
		if err := respond(tx, invite, code, reasonPhrase(code)); err != nil {
			s.logger.Warn("reject response send failed", "error", err)
		}
	}
	if s.dialog != nil {
		s.dialog.SetSessionTerminated()
	}
	_ = s.fsm.Event(context.Background(), "terminate")
	s.service.RemoveSession(s)
	s.markEnded("rejected")
}

// WaitInvitationAnswer blocks until the invitation is answered or the
// ringing period elapses, returning the status current at that point.
// Interruption marks the session interrupted and returns immediately.
func (s *Session) WaitInvitationAnswer() InvitationStatus {
	select {
	case <-s.answered:
	case <-time.After(s.cfg.RingingPeriod):
	case <-s.ctx.Done():
		s.mu.Lock()
		s.interrupted = true
		s.mu.Unlock()
	}
	return s.InvitationStatus()
}

// IsInterrupted reports whether the session was interrupted while waiting
// or aborted.
func (s *Session) IsInterrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}

// IsTerminatedByRemote reports whether the peer ended the session.
func (s *Session) IsTerminatedByRemote() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminatedByRemote
}

// ResponseTimeout is the bound on waiting for an INVITE final response.
func (s *Session) ResponseTimeout() time.Duration {
	return s.cfg.RingingPeriod + s.cfg.TransportTimeout
}

// CreateInvite builds the dialog-creating INVITE carrying the local
// session description and the service feature tags.
func (s *Session) CreateInvite(contentType string) *sip.Request {
	d := s.Dialog()
	req := sip.NewRequest(sip.INVITE, d.Target())
	from := &sip.FromHeader{Address: d.LocalURI(), Params: sip.NewParams()}
	from.Params.Add("tag", d.LocalTag())
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: d.RemoteURI(), Params: sip.NewParams()})
	callID := sip.CallIDHeader(d.CallID())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.CSeq(), MethodName: sip.INVITE})
	contact := &sip.ContactHeader{Address: d.LocalURI(), Params: sip.NewParams()}
	for _, tag := range s.cfg.FeatureTags {
		name, value, _ := strings.Cut(tag, "=")
		contact.Params.Add(name, value)
	}
	req.AppendHeader(contact)
	if expire := d.SessionExpire(); expire > 0 {
		req.AppendHeader(sip.NewHeader("Session-Expires", strconv.Itoa(expire)))
		req.AppendHeader(sip.NewHeader("Min-SE", strconv.Itoa(d.MinSessionExpire())))
		req.AppendHeader(sip.NewHeader("Supported", "timer"))
	}
	if content := d.LocalContent(); content != "" {
		req.SetBody([]byte(content))
		req.AppendHeader(sip.NewHeader("Content-Type", contentType))
	}
	if id := s.ContributionID(); id != "" {
		req.AppendHeader(sip.NewHeader("Contribution-ID", id))
	}
	return req
}

// SendInvite sends the INVITE and drives the response ladder until the
// session is established or a terminal failure is surfaced through
// HandleError. 401/407 are answered once per challenge; 422 raises the
// session interval once per Min-SE and resends.
func (s *Session) SendInvite(req *sip.Request) error {
	d := s.Dialog()
	for {
		tx, err := s.cfg.Transactor.TransactionRequest(s.ctx, req)
		if err != nil {
			serr := NewServiceError(ErrSessionInitiationFailed, ErrorCategoryTransport, "INVITE send failed").WithCause(err)
			s.handleError(serr)
			return serr
		}
		s.mu.Lock()
		s.inviteTx = tx
		s.inviteReq = req
		s.mu.Unlock()

		res, err := awaitFinalResponse(s.ctx, tx, s.ResponseTimeout())
		if err != nil {
			tx.Terminate()
			serr, ok := err.(*ServiceError)
			if !ok {
				serr = NewServiceError(ErrSessionInitiationFailed, ErrorCategoryTransport, "INVITE wait failed").WithCause(err)
			} else if serr == ErrResponseTimeout {
				serr = ErrInitiationTimeout(int64(s.ResponseTimeout() / time.Second))
			}
			s.cfg.Metrics.inviteResult("timeout")
			s.handleError(serr)
			return serr
		}

		switch int(res.StatusCode) {
		case 200:
			tx.Terminate()
			s.cfg.Metrics.inviteResult("ok")
			return s.handle200OK(req, res)

		case 401, 407:
			tx.Terminate()
			if !s.auth.ReadChallenge(res) {
				serr := NewServiceError(ErrAuthFailed, ErrorCategoryAuth, "authentication failed after challenge resend")
				s.cfg.Metrics.inviteResult("auth_failed")
				s.handleError(serr)
				return serr
			}
			bumpCSeq(req, d.IncrementCSeq())
			if err := s.auth.SetAuthorizationHeader(req); err != nil {
				serr := err.(*ServiceError)
				s.handleError(serr)
				return serr
			}
			s.logger.Debug("INVITE challenged, resending with credentials", "status", int(res.StatusCode))
			continue

		case 422:
			tx.Terminate()
			minSE := d.MinSessionExpire()
			if h := res.GetHeader("Min-SE"); h != nil {
				if v, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil {
					minSE = v
				}
			}
			d.SetMinSessionExpire(minSE)
			d.SetSessionExpire(minSE)
			setHeader(req, sip.NewHeader("Session-Expires", strconv.Itoa(minSE)))
			setHeader(req, sip.NewHeader("Min-SE", strconv.Itoa(minSE)))
			bumpCSeq(req, d.IncrementCSeq())
			s.logger.Debug("session interval too small, resending", "min_se", minSE)
			continue

		case 480, 486, 487, 603:
			tx.Terminate()
			serr := ErrInitiationRejected(int(res.StatusCode), res.Reason)
			s.cfg.Metrics.inviteResult("rejected")
			s.notifyRejectedByRemote(int(res.StatusCode))
			s.handleError(serr)
			return serr

		default:
			tx.Terminate()
			serr := ErrInitiationRejected(int(res.StatusCode), res.Reason)
			s.cfg.Metrics.inviteResult("failed")
			s.handleError(serr)
			return serr
		}
	}
}

// handle200OK establishes the dialog from the 2xx: learns the remote tag,
// contact target and route set, ACKs, starts the session timer when
// negotiated and notifies the listeners.
func (s *Session) handle200OK(req *sip.Request, res *sip.Response) error {
	d := s.Dialog()
	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			d.SetRemoteTag(tag)
		}
	}
	if contact := res.Contact(); contact != nil {
		d.SetTarget(contact.Address)
	}
	if rrs := res.GetHeaders("Record-Route"); len(rrs) > 0 {
		// Route set is the reversed Record-Route list for a UAC.
		routes := make([]sip.Uri, 0, len(rrs))
		for i := len(rrs) - 1; i >= 0; i-- {
			if rr, ok := rrs[i].(*sip.RecordRouteHeader); ok {
				routes = append(routes, rr.Address)
			}
		}
		d.SetRouteSet(routes)
	}
	d.SetRemoteContent(string(res.Body()))
	d.SetSigEstablished()

	ack := newAckRequest(req, res)
	if err := s.cfg.Transactor.WriteRequest(ack); err != nil {
		serr := NewServiceError(ErrSessionInitiationFailed, ErrorCategoryTransport, "ACK send failed").WithCause(err)
		s.handleError(serr)
		return serr
	}

	d.SetSessionEstablished()
	_ = s.fsm.Event(context.Background(), "establish")

	if h := res.GetHeader("Session-Expires"); h != nil {
		secs, refresher := ParseSessionExpires(h.Value())
		if secs > 0 {
			d.SetSessionExpire(secs)
			role := RefresherUAC
			if refresher == "uas" {
				role = RefresherUAS
			}
			s.timer.Start(role, time.Duration(secs)*time.Second)
		}
	}

	for _, l := range s.snapshotListeners() {
		l.HandleSessionStarted()
	}
	return nil
}

// SignalEstablished marks the signaling plane up for terminating sessions
// that answered the INVITE themselves.
func (s *Session) SignalEstablished() {
	d := s.Dialog()
	if d != nil {
		d.SetSigEstablished()
		d.SetSessionEstablished()
	}
	_ = s.fsm.Event(context.Background(), "establish")
}

// Send180Ringing notifies the caller that the invitation is being
// presented.
func (s *Session) Send180Ringing() {
	s.mu.Lock()
	tx := s.serverTx
	var invite *sip.Request
	if s.dialog != nil {
		invite = s.dialog.Invite()
	}
	localTag := ""
	if s.dialog != nil {
		localTag = s.dialog.LocalTag()
	}
	s.mu.Unlock()
	if tx == nil || invite == nil {
		return
	}
	res := sip.NewResponseFromRequest(invite, 180, "Ringing", nil)
	if to := res.To(); to != nil && localTag != "" {
		to.Params.Add("tag", localTag)
	}
	if err := tx.Respond(res); err != nil {
		s.logger.Warn("180 Ringing send failed", "error", err)
	}
}

// Answer200OK sends the 2xx for a terminating session carrying the local
// session description.
func (s *Session) Answer200OK(contentType string) error {
	s.mu.Lock()
	tx := s.serverTx
	var invite *sip.Request
	localTag := ""
	if s.dialog != nil {
		invite = s.dialog.Invite()
		localTag = s.dialog.LocalTag()
	}
	s.mu.Unlock()
	if tx == nil || invite == nil {
		return NewServiceError(ErrUnexpected, ErrorCategorySession, "no pending invitation to answer")
	}
	var body []byte
	if content := s.Dialog().LocalContent(); content != "" {
		body = []byte(content)
	}
	res := sip.NewResponseFromRequest(invite, 200, "OK", body)
	if to := res.To(); to != nil && localTag != "" {
		to.Params.Add("tag", localTag)
	}
	res.AppendHeader(&sip.ContactHeader{Address: s.cfg.LocalURI})
	if body != nil && contentType != "" {
		res.AppendHeader(sip.NewHeader("Content-Type", contentType))
	}
	timerSecs, refresher := 0, ""
	if h := invite.GetHeader("Session-Expires"); h != nil {
		timerSecs, refresher = ParseSessionExpires(h.Value())
		if timerSecs > 0 {
			res.AppendHeader(sip.NewHeader("Session-Expires", h.Value()))
			res.AppendHeader(sip.NewHeader("Require", "timer"))
		}
	}
	if err := tx.Respond(res); err != nil {
		return NewServiceError(ErrSessionInitiationFailed, ErrorCategoryTransport, "200 OK send failed").WithCause(err)
	}
	s.SignalEstablished()
	if timerSecs > 0 {
		s.Dialog().SetSessionExpire(timerSecs)
		// Caller refreshes unless the INVITE nominated us with
		// refresher=uas; without a nomination we watch for refreshes.
		role := RefresherUAS
		if refresher == "uas" {
			role = RefresherUAC
		}
		s.timer.Start(role, time.Duration(timerSecs)*time.Second)
	}
	return nil
}

// TerminateSession stops the session timer, marks the dialog terminated
// and sends BYE when signaling is established, CANCEL otherwise.
// Idempotent: a second call is a no-op, transport failures are logged and
// swallowed.
func (s *Session) TerminateSession(reason TerminationReason) {
	d := s.Dialog()
	if d == nil || !d.SetSessionTerminated() {
		return
	}
	s.timer.Stop()
	_ = s.fsm.Event(context.Background(), "terminate")
	s.markEnded(reason.String())

	if d.IsSigEstablished() {
		bye := d.BuildRequest(sip.BYE)
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TransportTimeout)
		defer cancel()
		tx, err := s.cfg.Transactor.TransactionRequest(ctx, bye)
		if err != nil {
			s.logger.Warn("BYE send failed", "error", err)
			return
		}
		defer tx.Terminate()
		if _, err := awaitFinalResponse(ctx, tx, s.cfg.TransportTimeout); err != nil {
			s.logger.Warn("BYE response wait failed", "error", err)
		}
		return
	}

	s.mu.Lock()
	inviteTx := s.inviteTx
	inviteReq := s.inviteReq
	s.mu.Unlock()
	if inviteTx == nil || inviteReq == nil {
		return
	}
	// The CANCEL is its own transaction against the pending INVITE; the
	// 487 then surfaces through the INVITE transaction.
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TransportTimeout)
	defer cancel()
	tx, err := s.cfg.Transactor.TransactionRequest(ctx, newCancelRequest(inviteReq))
	if err != nil {
		s.logger.Warn("CANCEL send failed", "error", err)
		return
	}
	tx.Terminate()
}

// AbortSession interrupts the session, terminates the dialog, closes the
// media plane, removes the session from its service and fires exactly one
// terminal listener callback.
func (s *Session) AbortSession(reason TerminationReason) {
	s.mu.Lock()
	s.interrupted = true
	media := s.media
	s.mu.Unlock()
	s.cancel()

	sigEstablished := false
	if d := s.Dialog(); d != nil {
		sigEstablished = d.IsSigEstablished()
	}
	s.TerminateSession(reason)
	if media != nil {
		media.CloseMedia()
	}
	s.service.RemoveSession(s)

	s.terminalOnce.Do(func() {
		listeners := s.snapshotListeners()
		if reason == TerminationByUser && !sigEstablished {
			s.setInvitationStatus(InvitationRejected)
			for _, l := range listeners {
				l.HandleSessionRejectedByUser()
			}
			return
		}
		for _, l := range listeners {
			l.HandleSessionAborted(reason)
		}
	})
}

// ReceiveBye handles a dispatcher-routed in-dialog BYE. The SIP-level 200
// is sent by the dispatcher.
func (s *Session) ReceiveBye(req *sip.Request) {
	d := s.Dialog()
	if d == nil || !d.SetSessionTerminated() {
		return
	}
	s.timer.Stop()
	s.mu.Lock()
	s.terminatedByRemote = true
	media := s.media
	s.mu.Unlock()
	_ = s.fsm.Event(context.Background(), "terminate")
	s.cancel()
	if media != nil {
		media.CloseMedia()
	}
	s.service.RemoveSession(s)
	s.markEnded("remote")
	s.terminalOnce.Do(func() {
		for _, l := range s.snapshotListeners() {
			l.HandleSessionTerminatedByRemote()
		}
	})
}

// ReceiveCancel handles a CANCEL racing the invitation. Once signaling is
// established the CANCEL is stale and ignored.
func (s *Session) ReceiveCancel(req *sip.Request) {
	d := s.Dialog()
	if d == nil {
		return
	}
	if d.IsSigEstablished() {
		s.logger.Info("stale CANCEL after 200 OK, ignored")
		return
	}
	d.SetSessionCancelled()
	s.mu.Lock()
	tx := s.serverTx
	invite := d.Invite()
	s.mu.Unlock()
	if tx != nil && invite != nil {
		if err := respond(tx, invite, 487, reasonPhrase(487)); err != nil {
			s.logger.Warn("487 send failed", "error", err)
		}
	}
	s.setInvitationStatus(InvitationCanceled)
	d.SetSessionTerminated()
	_ = s.fsm.Event(context.Background(), "terminate")
	s.cancel()
	s.service.RemoveSession(s)
	s.markEnded("canceled")
	s.terminalOnce.Do(func() {
		for _, l := range s.snapshotListeners() {
			l.HandleSessionTerminatedByRemote()
		}
	})
}

// ReceiveReInvite handles a mid-dialog INVITE: refreshes the session
// timer, updates the remote description and answers with the local one.
func (s *Session) ReceiveReInvite(req *sip.Request, tx sip.ServerTransaction) {
	d := s.Dialog()
	if d == nil || d.IsSessionTerminated() {
		_ = respond(tx, req, 481, "Call/Transaction Does Not Exist")
		return
	}
	if body := req.Body(); len(body) > 0 {
		d.SetRemoteContent(string(body))
	}
	res := sip.NewResponseFromRequest(req, 200, "OK", []byte(d.LocalContent()))
	if h := req.GetHeader("Session-Expires"); h != nil {
		res.AppendHeader(sip.NewHeader("Session-Expires", h.Value()))
		res.AppendHeader(sip.NewHeader("Require", "timer"))
	}
	if err := tx.Respond(res); err != nil {
		s.logger.Warn("re-INVITE response failed", "error", err)
		return
	}
	s.timer.SessionRefreshed()
}

// ReceiveUpdate handles a mid-dialog UPDATE, typically a session-timer
// refresh.
func (s *Session) ReceiveUpdate(req *sip.Request, tx sip.ServerTransaction) {
	d := s.Dialog()
	if d == nil || d.IsSessionTerminated() {
		_ = respond(tx, req, 481, "Call/Transaction Does Not Exist")
		return
	}
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if h := req.GetHeader("Session-Expires"); h != nil {
		secs, _ := ParseSessionExpires(h.Value())
		if secs > 0 {
			d.SetSessionExpire(secs)
		}
		res.AppendHeader(sip.NewHeader("Session-Expires", h.Value()))
		res.AppendHeader(sip.NewHeader("Require", "timer"))
	}
	if err := tx.Respond(res); err != nil {
		s.logger.Warn("UPDATE response failed", "error", err)
		return
	}
	s.timer.SessionRefreshed()
}

// markEnded records the end-of-life metrics at most once per session,
// and only when StartSession counted it as active. Repeated terminal
// paths (CANCEL retransmits, error after termination) must not
// double-decrement the active gauge.
func (s *Session) markEnded(outcome string) {
	s.mu.Lock()
	started := s.metricsStarted
	s.metricsStarted = false
	s.mu.Unlock()
	if started {
		s.cfg.Metrics.sessionEnded(s.service.Name(), outcome)
	}
}

func (s *Session) handleError(err *ServiceError) {
	s.logger.Warn("session error", "code", err.Code, "error", err)
	if d := s.Dialog(); d != nil {
		d.SetSessionTerminated()
	}
	_ = s.fsm.Event(context.Background(), "terminate")
	s.service.RemoveSession(s)
	s.markEnded("failed")
	s.terminalOnce.Do(func() {
		for _, l := range s.snapshotListeners() {
			l.HandleError(err)
		}
	})
}

func (s *Session) handleUnexpected(cause error) {
	s.handleError(NewServiceError(ErrUnexpected, ErrorCategorySystem, "unexpected session failure").WithCause(cause))
}

func (s *Session) notifyRejectedByRemote(status int) {
	s.terminalOnce.Do(func() {
		for _, l := range s.snapshotListeners() {
			l.HandleSessionRejectedByRemote(status)
		}
	})
}

// NotifyRejectedByTimeout fires the ringing-timeout terminal callback;
// invoked by terminating session runners when WaitInvitationAnswer ends
// without an answer.
func (s *Session) NotifyRejectedByTimeout() {
	s.terminalOnce.Do(func() {
		for _, l := range s.snapshotListeners() {
			l.HandleSessionRejectedByTimeout()
		}
	})
}

// DialogState exposes the lifecycle FSM state, mainly for logging and
// tests.
func (s *Session) DialogState() string {
	return s.fsm.Current()
}

func bumpCSeq(req *sip.Request, seq uint32) {
	if h := req.CSeq(); h != nil {
		h.SeqNo = seq
		return
	}
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: req.Method})
}
