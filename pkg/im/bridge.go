package im

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/rcs_client/pkg/fthttp"
	"github.com/arzzra/rcs_client/pkg/ims"
	"github.com/arzzra/rcs_client/pkg/storage"
)

// ChatManager tracks the live chat sessions and implements the bridge
// the file sharing sessions talk to. When a descriptor must reach a
// contact with no active session, a fresh one-to-one chat session is
// spawned on the fly.
type ChatManager struct {
	service    *ims.Service
	transactor ims.Transactor
	carrier    ChatMessageCarrier
	auth       *ims.AuthenticationAgent
	localURI   string
	cfg        ims.SessionConfig
	store      storage.Store
	logger     *slog.Logger

	mu     sync.Mutex
	oneOne map[string]*OneToOneChatSession // keyed by contact
	groups map[string]*GroupChatSession    // keyed by chat id

	gate         CapabilityGate
	groupDequeue *GroupChatInviteQueuedParticipantsTask
}

func NewChatManager(service *ims.Service, carrier ChatMessageCarrier, auth *ims.AuthenticationAgent,
	localURI string, cfg ims.SessionConfig, store storage.Store, logger *slog.Logger) *ChatManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatManager{
		service:    service,
		transactor: cfg.Transactor,
		carrier:    carrier,
		auth:       auth,
		localURI:   localURI,
		cfg:        cfg,
		store:      store,
		logger:     logger.With("component", "chat_manager"),
		oneOne:     make(map[string]*OneToOneChatSession),
		groups:     make(map[string]*GroupChatSession),
	}
}

// SetCapabilityGate installs the reachability gate the send-or-queue
// paths consult. Without one, every contact counts as reachable.
func (m *ChatManager) SetCapabilityGate(g CapabilityGate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = g
}

// SetGroupDequeueTask installs the task that flushes queued participants
// whenever a group session registers.
func (m *ChatManager) SetGroupDequeueTask(t *GroupChatInviteQueuedParticipantsTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groupDequeue = t
}

// OneToOneSession returns the live session for a contact, creating one
// when absent.
func (m *ChatManager) OneToOneSession(contact string, remoteURI sip.Uri) (*OneToOneChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.oneOne[contact]; ok {
		return s, nil
	}
	core := ims.NewSession(m.service, contact, remoteURI, m.auth, m.cfg)
	s := NewOneToOneChatSession(core, m.carrier, m.localURI, m.logger)
	m.oneOne[contact] = s
	return s, nil
}

// adoptOneToOne tracks a terminating session built by the invite router.
func (m *ChatManager) adoptOneToOne(contact string, s *OneToOneChatSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.oneOne[contact] = s
}

// GroupSession returns the live group session for a chat id, nil when
// none is active.
func (m *ChatManager) GroupSession(chatID string) *GroupChatSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groups[chatID]
}

// RegisterGroupSession tracks an established group chat and flushes the
// participants queued while no session was up.
func (m *ChatManager) RegisterGroupSession(s *GroupChatSession) {
	m.mu.Lock()
	m.groups[s.ChatID()] = s
	task := m.groupDequeue
	m.mu.Unlock()
	if task != nil {
		go task.Run(context.Background(), s.ChatID())
	}
}

// GroupSessionByCallID resolves the group session owning a SIP dialog,
// nil when no live group matches. The conference watcher routes NOTIFYs
// with it.
func (m *ChatManager) GroupSessionByCallID(callID string) *GroupChatSession {
	if callID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.groups {
		if g.DialogCallID() == callID {
			return g
		}
	}
	return nil
}

// ReleaseSession drops a finished session from tracking.
func (m *ChatManager) ReleaseSession(contact, chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.oneOne, contact)
	if chatID != "" {
		delete(m.groups, chatID)
	}
}

var _ ChatBridge = (*ChatManager)(nil)

// DeliverFileDescriptor sends the FT-HTTP descriptor inside CPIM through
// the group session when chatID names a live one, otherwise through a
// (possibly fresh) one-to-one session.
func (m *ChatManager) DeliverFileDescriptor(ctx context.Context, contact, chatID string, descriptor []byte) (string, error) {
	if chatID != "" {
		if g := m.GroupSession(chatID); g != nil {
			remoteURI := g.RemoteURI()
			msg := NewCpimMessage(m.localURI, remoteURI.String(), fthttp.FileTransferHTTPInfoType, descriptor)
			msg.DispositionNotification = []string{DispositionDelivery}
			return msg.MessageID, g.SendCpim(ctx, msg)
		}
	}
	var remote sip.Uri
	if err := sip.ParseUri(contact, &remote); err != nil {
		return "", ims.NewServiceError(ims.ErrMessageDeliveryFailed, ims.ErrorCategorySystem,
			"bad contact uri").WithCause(err)
	}
	s, err := m.OneToOneSession(contact, remote)
	if err != nil {
		return "", err
	}
	msg := NewCpimMessage(m.localURI, contact, fthttp.FileTransferHTTPInfoType, descriptor)
	msg.DispositionNotification = []string{DispositionDelivery, DispositionDisplay}
	return msg.MessageID, s.SendCpim(ctx, msg)
}

// SendDispositionReport routes an IMDN report back to the sender.
// Displayed reports for group chats are suppressed.
func (m *ChatManager) SendDispositionReport(ctx context.Context, contact, chatID, messageID, status string) error {
	if chatID != "" {
		if g := m.GroupSession(chatID); g != nil {
			return g.SendImdnReport(ctx, messageID, status)
		}
		if status == ImdnDisplayed {
			// Group chat without a live session: displayed reports stay
			// suppressed.
			return nil
		}
	}
	body, err := BuildImdnReport(ImdnReport{MessageID: messageID, Status: status})
	if err != nil {
		return err
	}
	var remote sip.Uri
	if err := sip.ParseUri(contact, &remote); err != nil {
		return ims.NewServiceError(ims.ErrMessageDeliveryFailed, ims.ErrorCategorySystem,
			"bad contact uri").WithCause(err)
	}
	return m.carrier.SendChatMessage(ctx, remote, ContentTypeIMDN, body)
}

var (
	_ MessageDeliverer = (*ChatManager)(nil)
	_ GroupInviter     = (*ChatManager)(nil)
)

// DeliverQueuedMessage replays one queued chat message through a
// (possibly fresh) one-to-one session. The stored message id is kept so
// IMDN reports still correlate after the queue round trip.
func (m *ChatManager) DeliverQueuedMessage(ctx context.Context, msg storage.QueuedMessage) error {
	var remote sip.Uri
	if err := sip.ParseUri(msg.Contact, &remote); err != nil {
		return ims.NewServiceError(ims.ErrMessageDeliveryFailed, ims.ErrorCategorySystem,
			"bad contact uri").WithCause(err)
	}
	s, err := m.OneToOneSession(msg.Contact, remote)
	if err != nil {
		return err
	}
	contentType := msg.ContentType
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	cpim := NewCpimMessage(m.localURI, msg.Contact, contentType, []byte(msg.Content))
	cpim.MessageID = msg.MessageID
	cpim.DispositionNotification = []string{DispositionDelivery}
	return s.SendCpim(ctx, cpim)
}

// SendOrQueueTextMessage sends text to a contact when the capability
// gate says it is reachable, and queues it for a later dequeue
// otherwise. A send that fails in flight is queued too. The returned
// message id identifies the message in IMDN reports either way.
func (m *ChatManager) SendOrQueueTextMessage(ctx context.Context, contact string, text string) (messageID string, queued bool, err error) {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()

	if gate == nil || gate.IsImSessionSupported(contact) {
		var remote sip.Uri
		if err := sip.ParseUri(contact, &remote); err != nil {
			return "", false, ims.NewServiceError(ims.ErrMessageDeliveryFailed, ims.ErrorCategorySystem,
				"bad contact uri").WithCause(err)
		}
		s, err := m.OneToOneSession(contact, remote)
		if err != nil {
			return "", false, err
		}
		id, sendErr := s.SendTextMessage(ctx, text)
		if sendErr == nil {
			return id, false, nil
		}
		m.logger.Info("send failed, queueing message", "contact", contact, "error", sendErr)
	}

	queuedMsg := &storage.QueuedMessage{
		MessageID:   uuid.NewString(),
		Contact:     contact,
		Content:     text,
		ContentType: "text/plain; charset=utf-8",
	}
	if m.store == nil {
		return "", false, ims.NewServiceError(ims.ErrMessageDeliveryFailed, ims.ErrorCategorySystem,
			"contact unreachable and no queue store configured")
	}
	if err := m.store.QueueMessage(queuedMsg); err != nil {
		return "", false, ims.NewServiceError(ims.ErrMessageDeliveryFailed, ims.ErrorCategorySystem,
			"queueing message").WithCause(err)
	}
	return queuedMsg.MessageID, true, nil
}

// InviteQueuedParticipant replays one queued group invite. Without a
// live session for the chat the participant stays queued for the next
// registration.
func (m *ChatManager) InviteQueuedParticipant(ctx context.Context, chatID, contact string) error {
	g := m.GroupSession(chatID)
	if g == nil {
		return ims.NewServiceError(ims.ErrSessionTerminated, ims.ErrorCategorySession,
			"no live session for group chat %s", chatID)
	}
	return g.InviteParticipant(ctx, contact)
}

// InviteOrQueueParticipant invites a contact into a group chat right
// away when a live session exists, and queues the invite otherwise.
// Transport-level failures queue too; a focus refusal surfaces as the
// error it is.
func (m *ChatManager) InviteOrQueueParticipant(ctx context.Context, chatID, contact string) (queued bool, err error) {
	if g := m.GroupSession(chatID); g != nil {
		err := g.InviteParticipant(ctx, contact)
		if err == nil {
			return false, nil
		}
		var serr *ims.ServiceError
		if errors.As(err, &serr) &&
			(serr.Category == ims.ErrorCategoryTransport || serr.Category == ims.ErrorCategoryTimeout) {
			m.logger.Info("invite failed, queueing participant", "chat_id", chatID, "contact", contact, "error", err)
		} else {
			return false, err
		}
	}
	if m.store == nil {
		return false, ims.NewServiceError(ims.ErrUnexpected, ims.ErrorCategorySystem,
			"no live group session and no queue store configured")
	}
	if err := m.store.QueueGroupChatParticipant(chatID, contact); err != nil {
		return false, ims.NewServiceError(ims.ErrUnexpected, ims.ErrorCategorySystem,
			"queueing participant").WithCause(err)
	}
	return true, nil
}

// QueuedFileTransferStarter rebuilds outgoing upload sessions from
// queued records and, going the other way, queues uploads aimed at
// contacts that cannot take them yet.
type QueuedFileTransferStarter struct {
	UploadConfig fthttp.UploadConfig
	Bridge       ChatBridge
	Gate         CapabilityGate
	Store        storage.Store
	// MaxFileSize refuses queued transfers above it for good; 0 means
	// unlimited.
	MaxFileSize int64
	Logger      *slog.Logger
}

var _ TransferStarter = (*QueuedFileTransferStarter)(nil)

// StartQueuedTransfer runs one queued upload to completion. An oversized
// file is refused permanently; other failures are transient and leave
// the item queued.
func (s *QueuedFileTransferStarter) StartQueuedTransfer(ctx context.Context, t storage.QueuedFileTransfer) error {
	if s.MaxFileSize > 0 && t.Size > s.MaxFileSize {
		return ims.NewServiceError(ims.ErrTransferNotAllowed, ims.ErrorCategorySession,
			"file exceeds the %d byte transfer limit", s.MaxFileSize)
	}
	file := fthttp.UploadFile{
		Path:     t.FilePath,
		Name:     t.FileName,
		Size:     t.Size,
		MimeType: t.MimeType,
	}
	sess := NewOriginatingHTTPFileSharingSession(s.UploadConfig, file, nil, t.Contact, "", s.Bridge, s.Store, s.logger())
	if outcome := sess.Run(ctx); outcome != fthttp.OutcomeDone {
		return ims.NewServiceError(ims.ErrTransferFailed, ims.ErrorCategoryTransport,
			"queued upload ended %s", outcome.String())
	}
	return nil
}

// StartOrQueueTransfer uploads right away when the contact is
// FT-capable, otherwise persists the transfer for a later dequeue. The
// immediate upload runs in its own goroutine; callers observe it through
// the session listener.
func (s *QueuedFileTransferStarter) StartOrQueueTransfer(ctx context.Context, contact, chatID string,
	file fthttp.UploadFile, listener FileTransferListener) (queued bool, err error) {
	if s.Gate == nil || s.Gate.IsFileTransferSupported(contact) {
		sess := NewOriginatingHTTPFileSharingSession(s.UploadConfig, file, nil, contact, chatID, s.Bridge, s.Store, s.logger())
		if listener != nil {
			sess.SetListener(listener)
		}
		go sess.Run(ctx)
		return false, nil
	}
	if err := s.Store.QueueFileTransfer(&storage.QueuedFileTransfer{
		SessionID: uuid.NewString(),
		Contact:   contact,
		FilePath:  file.Path,
		FileName:  file.Name,
		Size:      file.Size,
		MimeType:  file.MimeType,
	}); err != nil {
		return false, ims.NewServiceError(ims.ErrTransferFailed, ims.ErrorCategorySystem,
			"queueing transfer").WithCause(err)
	}
	return true, nil
}

func (s *QueuedFileTransferStarter) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// FileTransferResumeLauncher rebuilds file sharing sessions from
// persisted records for the resume manager. Each resume runs in its own
// goroutine; the done callback fires on the terminal outcome.
type FileTransferResumeLauncher struct {
	UploadConfig   fthttp.UploadConfig
	DownloadConfig fthttp.DownloadConfig
	Bridge         ChatBridge
	Logger         *slog.Logger
}

var _ fthttp.ResumeLauncher = (*FileTransferResumeLauncher)(nil)

func (l *FileTransferResumeLauncher) ResumeUpload(record storage.FtHTTPResume, done func(fthttp.TransferOutcome)) {
	go func() {
		s := &OriginatingHTTPFileSharingSession{
			id:      record.TID,
			contact: record.Contact,
			chatID:  record.ChatID,
			file: fthttp.UploadFile{
				Path:     record.FilePath,
				Name:     record.FileName,
				MimeType: record.MimeType,
				Size:     record.Size,
			},
			bridge:          l.Bridge,
			logger:          l.logger().With("component", "ft_resume_session", "tid", record.TID),
			managedByResume: true,
		}
		s.upload = fthttp.NewUploadManager(l.UploadConfig, s.file, nil, record.TID)
		s.listener = FileTransferListenerBase{}
		done(s.Resume(context.Background()))
	}()
}

func (l *FileTransferResumeLauncher) ResumeDownload(record storage.FtHTTPResume, done func(fthttp.TransferOutcome)) {
	go func() {
		info := &fthttp.FileTransferHTTPInfo{
			FileName:    record.FileName,
			FileSize:    record.Size,
			ContentType: record.MimeType,
			URL:         record.FileURL,
		}
		s := &TerminatingHTTPFileSharingSession{
			id:              record.TID,
			contact:         record.Contact,
			chatID:          record.ChatID,
			info:            info,
			destPath:        record.FilePath,
			recordTID:       record.TID,
			bridge:          l.Bridge,
			logger:          l.logger().With("component", "ft_resume_session", "tid", record.TID),
			managedByResume: true,
		}
		s.download = fthttp.NewDownloadManager(l.DownloadConfig, record.FileURL, record.FilePath, record.Size)
		s.listener = FileTransferListenerBase{}
		done(s.Resume(context.Background()))
	}()
}

func (l *FileTransferResumeLauncher) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}
