package im

import (
	"context"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/rcs_client/pkg/ims"
	"github.com/arzzra/rcs_client/pkg/storage"
)

// ChatMessageCarrier delivers a chat payload to a contact. The pager
// carrier below sends a standalone SIP MESSAGE; an established media
// session can substitute its own path.
type ChatMessageCarrier interface {
	SendChatMessage(ctx context.Context, remoteURI sip.Uri, contentType string, body []byte) error
}

// PagerMessageCarrier delivers payloads as standalone SIP MESSAGE
// requests, re-authenticating once on a 401/407 challenge.
type PagerMessageCarrier struct {
	Transactor ims.Transactor
	LocalURI   string
	Auth       *ims.AuthenticationAgent
	Logger     *slog.Logger
}

func (c *PagerMessageCarrier) SendChatMessage(ctx context.Context, remoteURI sip.Uri, contentType string, body []byte) error {
	req := sip.NewRequest(sip.MESSAGE, remoteURI)
	var local sip.Uri
	if err := sip.ParseUri(c.LocalURI, &local); err != nil {
		return ims.NewServiceError(ims.ErrUnexpected, ims.ErrorCategorySystem, "bad local uri").WithCause(err)
	}
	from := &sip.FromHeader{Address: local, Params: sip.NewParams()}
	from.Params.Add("tag", uuid.NewString()[:8])
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: remoteURI, Params: sip.NewParams()})
	callID := sip.CallIDHeader(uuid.NewString())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.MESSAGE})
	req.AppendHeader(sip.NewHeader("Content-Type", contentType))
	req.SetBody(body)

	authRetried := false
	for {
		tx, err := c.Transactor.TransactionRequest(ctx, req)
		if err != nil {
			return ims.NewServiceError(ims.ErrMessageDeliveryFailed, ims.ErrorCategoryTransport,
				"sending MESSAGE failed").WithCause(err)
		}
		res, err := ims.AwaitFinalResponse(ctx, tx, 0)
		tx.Terminate()
		if err != nil {
			return ims.NewServiceError(ims.ErrMessageDeliveryFailed, ims.ErrorCategoryTimeout,
				"no final response to MESSAGE").WithCause(err)
		}
		switch {
		case res.StatusCode >= 200 && res.StatusCode < 300:
			return nil
		case (res.StatusCode == 401 || res.StatusCode == 407) && !authRetried && c.Auth != nil:
			if !c.Auth.ReadChallenge(res) {
				return ims.NewServiceError(ims.ErrAuthFailed, ims.ErrorCategoryAuth,
					"MESSAGE challenge repeated")
			}
			authRetried = true
			if cseq := req.CSeq(); cseq != nil {
				cseq.SeqNo++
			}
			if err := c.Auth.SetAuthorizationHeader(req); err != nil {
				return ims.NewServiceError(ims.ErrAuthFailed, ims.ErrorCategoryAuth,
					"computing MESSAGE credentials").WithCause(err)
			}
		default:
			return ims.NewServiceError(ims.ErrMessageDeliveryFailed, ims.ErrorCategoryProtocol,
				"MESSAGE rejected with status %d", int(res.StatusCode))
		}
	}
}

// ChatSession is the behavior shared by one-to-one and group chat: a
// core session plus CPIM message carriage and IMDN reporting.
type ChatSession struct {
	*ims.Session

	carrier ChatMessageCarrier
	local   string
	logger  *slog.Logger

	mu sync.Mutex
	// suppressDisplayedReports is set for group chat, where displayed
	// notifications are not sent back to the originator.
	suppressDisplayedReports bool
}

func newChatSession(core *ims.Session, carrier ChatMessageCarrier, localURI string, logger *slog.Logger) ChatSession {
	if logger == nil {
		logger = slog.Default()
	}
	return ChatSession{
		Session: core,
		carrier: carrier,
		local:   localURI,
		logger:  logger,
	}
}

// SendTextMessage wraps text in CPIM (requesting a delivery
// notification) and hands it to the carrier. The CPIM message id is
// returned for IMDN correlation.
func (s *ChatSession) SendTextMessage(ctx context.Context, text string) (string, error) {
	remoteURI := s.RemoteURI()
	msg := NewCpimMessage(s.local, remoteURI.String(), "text/plain; charset=utf-8", []byte(text))
	msg.DispositionNotification = []string{DispositionDelivery}
	if err := s.carrier.SendChatMessage(ctx, s.RemoteURI(), ContentTypeCPIM, msg.Encode()); err != nil {
		return "", err
	}
	return msg.MessageID, nil
}

// SendCpim hands an already-built envelope to the carrier.
func (s *ChatSession) SendCpim(ctx context.Context, msg *CpimMessage) error {
	return s.carrier.SendChatMessage(ctx, s.RemoteURI(), ContentTypeCPIM, msg.Encode())
}

// SendImdnReport reports a message disposition back to the sender.
// Displayed reports are silently dropped when suppressed (group chat).
func (s *ChatSession) SendImdnReport(ctx context.Context, messageID, status string) error {
	s.mu.Lock()
	suppressed := s.suppressDisplayedReports && status == ImdnDisplayed
	s.mu.Unlock()
	if suppressed {
		s.logger.Debug("displayed report suppressed", "message_id", messageID)
		return nil
	}
	body, err := BuildImdnReport(ImdnReport{MessageID: messageID, Status: status})
	if err != nil {
		return err
	}
	return s.carrier.SendChatMessage(ctx, s.RemoteURI(), ContentTypeIMDN, body)
}

// OneToOneChatSession is a chat session with a single contact.
type OneToOneChatSession struct {
	ChatSession
}

func NewOneToOneChatSession(core *ims.Session, carrier ChatMessageCarrier, localURI string, logger *slog.Logger) *OneToOneChatSession {
	s := &OneToOneChatSession{ChatSession: newChatSession(core, carrier, localURI, logger)}
	if s.ChatSessionID() == "" {
		s.SetChatSessionID(uuid.NewString())
	}
	return s
}

// GroupChatSession is a chat session against a conference focus, with
// participant bookkeeping and a persisted rejoin identifier.
type GroupChatSession struct {
	ChatSession

	chatID string
	store  storage.Store

	pmu          sync.Mutex
	participants map[string]struct{}
	maxCount     int
	// permanentFailure marks a group the focus refused to rejoin or
	// restart; further automatic rejoin attempts stop.
	permanentFailure bool
}

func NewGroupChatSession(core *ims.Session, carrier ChatMessageCarrier, localURI, chatID string, store storage.Store, maxCount int, logger *slog.Logger) *GroupChatSession {
	if chatID == "" {
		chatID = uuid.NewString()
	}
	if maxCount <= 0 {
		maxCount = 100
	}
	s := &GroupChatSession{
		ChatSession:  newChatSession(core, carrier, localURI, logger),
		chatID:       chatID,
		store:        store,
		participants: make(map[string]struct{}),
		maxCount:     maxCount,
	}
	s.suppressDisplayedReports = true
	s.SetChatSessionID(chatID)
	return s
}

func (s *GroupChatSession) ChatID() string { return s.chatID }

func (s *GroupChatSession) Participants() []string {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	out := make([]string, 0, len(s.participants))
	for p := range s.participants {
		out = append(out, p)
	}
	return out
}

func (s *GroupChatSession) AddParticipant(contact string) {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	s.participants[contact] = struct{}{}
}

func (s *GroupChatSession) RemoveParticipant(contact string) {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	delete(s.participants, contact)
}

func (s *GroupChatSession) SetPermanentFailure() {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	s.permanentFailure = true
}

func (s *GroupChatSession) PermanentFailure() bool {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	return s.permanentFailure
}

// StoreRejoinID persists the focus URI the conference server assigned,
// used to rejoin the group after a restart.
func (s *GroupChatSession) StoreRejoinID(rejoinID string) error {
	if s.store == nil {
		return nil
	}
	return s.store.SetGroupChatRejoinID(s.chatID, rejoinID)
}

// InviteParticipant asks the focus to add one contact, as an in-dialog
// REFER. The focus answers the REFER itself; the actual join arrives as
// a conference NOTIFY.
func (s *GroupChatSession) InviteParticipant(ctx context.Context, contact string) error {
	s.pmu.Lock()
	count := len(s.participants)
	failed := s.permanentFailure
	s.pmu.Unlock()
	if failed {
		return ims.NewServiceError(ims.ErrSessionTerminated, ims.ErrorCategorySession,
			"group chat permanently failed")
	}
	if count >= s.maxCount {
		return ims.NewServiceError(ims.ErrUnexpected, ims.ErrorCategorySession,
			"group chat is full")
	}

	refer := s.Dialog().BuildRequest(sip.REFER)
	refer.AppendHeader(sip.NewHeader("Refer-To", "<"+contact+">"))
	refer.AppendHeader(sip.NewHeader("Subject", "invite"))

	tx, err := s.Transactor().TransactionRequest(ctx, refer)
	if err != nil {
		return ims.NewServiceError(ims.ErrUnexpected, ims.ErrorCategoryTransport,
			"sending REFER failed").WithCause(err)
	}
	defer tx.Terminate()
	res, err := ims.AwaitFinalResponse(ctx, tx, 0)
	if err != nil {
		return ims.NewServiceError(ims.ErrUnexpected, ims.ErrorCategoryTimeout,
			"no final response to REFER").WithCause(err)
	}
	if res.StatusCode >= 300 {
		return ims.NewServiceError(ims.ErrUnexpected, ims.ErrorCategoryProtocol,
			"REFER rejected with status %d", int(res.StatusCode))
	}
	s.AddParticipant(contact)
	return nil
}
