package im

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/arzzra/rcs_client/pkg/fthttp"
	"github.com/arzzra/rcs_client/pkg/ims"
	"github.com/arzzra/rcs_client/pkg/storage"
)

// FileTransferListener observes one file sharing session.
type FileTransferListener interface {
	HandleTransferStarted()
	HandleTransferProgress(transferred, total int64)
	// HandleFileTransferred delivers the final descriptor; localPath is
	// empty for uploads.
	HandleFileTransferred(info *fthttp.FileTransferHTTPInfo, localPath string)
	HandleTransferAborted()
	HandleTransferPaused()
	HandleTransferError(err *ims.ServiceError)
}

// FileTransferListenerBase is a no-op embed for partial listeners.
type FileTransferListenerBase struct{}

func (FileTransferListenerBase) HandleTransferStarted()                                     {}
func (FileTransferListenerBase) HandleTransferProgress(int64, int64)                        {}
func (FileTransferListenerBase) HandleFileTransferred(*fthttp.FileTransferHTTPInfo, string) {}
func (FileTransferListenerBase) HandleTransferAborted()                                     {}
func (FileTransferListenerBase) HandleTransferPaused()                                      {}
func (FileTransferListenerBase) HandleTransferError(*ims.ServiceError)                      {}

// ChatBridge is how file sharing sessions reach the messaging plane: the
// uploaded descriptor travels to the contact inside a chat message, and
// incoming transfers report their disposition the same way.
type ChatBridge interface {
	// DeliverFileDescriptor sends the CPIM-wrapped descriptor, spawning
	// a one-to-one chat when no session exists for the contact. The CPIM
	// message id is returned for IMDN correlation.
	DeliverFileDescriptor(ctx context.Context, contact, chatID string, descriptor []byte) (string, error)
	// SendDispositionReport reports delivery or display of the received
	// file. Displayed reports are dropped for group chats.
	SendDispositionReport(ctx context.Context, contact, chatID, messageID, status string) error
}

// OriginatingHTTPFileSharingSession uploads one file and announces the
// result inside a chat session.
type OriginatingHTTPFileSharingSession struct {
	id      string
	contact string
	chatID  string
	file    fthttp.UploadFile

	upload   *fthttp.HttpUploadManager
	bridge   ChatBridge
	store    storage.Store
	listener FileTransferListener
	logger   *slog.Logger

	// managedByResume suppresses the session's own store writes; the
	// resume manager owns the record lifecycle then.
	managedByResume bool
}

func NewOriginatingHTTPFileSharingSession(cfg fthttp.UploadConfig, file fthttp.UploadFile, thumbnail *fthttp.UploadFile,
	contact, chatID string, bridge ChatBridge, store storage.Store, logger *slog.Logger) *OriginatingHTTPFileSharingSession {
	if logger == nil {
		logger = slog.Default()
	}
	tid := uuid.NewString()
	s := &OriginatingHTTPFileSharingSession{
		id:      uuid.NewString(),
		contact: contact,
		chatID:  chatID,
		file:    file,
		upload:  fthttp.NewUploadManager(cfg, file, thumbnail, tid),
		bridge:  bridge,
		store:   store,
		logger:  logger.With("component", "ft_session", "tid", tid),
	}
	s.listener = FileTransferListenerBase{}
	s.upload.SetProgressListener(fthttp.ProgressFunc(func(transferred, total int64) {
		s.listener.HandleTransferProgress(transferred, total)
	}))
	return s
}

func (s *OriginatingHTTPFileSharingSession) ID() string  { return s.id }
func (s *OriginatingHTTPFileSharingSession) TID() string { return s.upload.TID() }

func (s *OriginatingHTTPFileSharingSession) SetListener(l FileTransferListener) {
	if l != nil {
		s.listener = l
	}
}

// Cancel stops the transfer at the next chunk boundary.
func (s *OriginatingHTTPFileSharingSession) Cancel() { s.upload.Cancel() }

// Run performs the upload and bridges the result into chat. It returns
// the terminal outcome; listener callbacks fire along the way.
func (s *OriginatingHTTPFileSharingSession) Run(ctx context.Context) fthttp.TransferOutcome {
	if !s.managedByResume && s.store != nil {
		record := &storage.FtHTTPResume{
			TID:       s.upload.TID(),
			Direction: storage.DirectionOutgoing,
			FilePath:  s.file.Path,
			FileName:  s.file.Name,
			Size:      s.file.Size,
			MimeType:  s.file.MimeType,
			Contact:   s.contact,
			ChatID:    s.chatID,
			State:     storage.ResumeStateStarted,
		}
		if err := s.store.AddFtHTTPResume(record); err != nil {
			s.logger.Warn("persisting transfer record failed", "error", err)
		}
	}
	s.listener.HandleTransferStarted()

	info, outcome, err := s.upload.Upload(ctx)
	return s.finish(ctx, info, outcome, err)
}

// Resume continues an interrupted upload from where the server stopped
// seeing bytes.
func (s *OriginatingHTTPFileSharingSession) Resume(ctx context.Context) fthttp.TransferOutcome {
	s.listener.HandleTransferStarted()
	info, outcome, err := s.upload.Resume(ctx)
	return s.finish(ctx, info, outcome, err)
}

func (s *OriginatingHTTPFileSharingSession) finish(ctx context.Context, info *fthttp.FileTransferHTTPInfo, outcome fthttp.TransferOutcome, err error) fthttp.TransferOutcome {
	switch outcome {
	case fthttp.OutcomeDone:
		descriptor, encErr := info.Encode()
		if encErr != nil {
			s.fail(ims.NewServiceError(ims.ErrTransferFailed, ims.ErrorCategorySystem,
				"encoding file descriptor").WithCause(encErr))
			return fthttp.OutcomeFailed
		}
		if _, sendErr := s.bridge.DeliverFileDescriptor(ctx, s.contact, s.chatID, descriptor); sendErr != nil {
			// The file is on the server; only the announcement failed.
			s.fail(ims.NewServiceError(ims.ErrMessageDeliveryFailed, ims.ErrorCategoryTransport,
				"announcing uploaded file").WithCause(sendErr))
			return fthttp.OutcomeFailed
		}
		s.removeRecord()
		s.listener.HandleFileTransferred(info, "")
	case fthttp.OutcomeCancelled:
		s.removeRecord()
		s.listener.HandleTransferAborted()
	case fthttp.OutcomePaused:
		s.setState(storage.ResumeStatePaused)
		s.listener.HandleTransferPaused()
	default:
		s.setState(storage.ResumeStateFailed)
		s.fail(ims.NewServiceError(ims.ErrTransferFailed, ims.ErrorCategoryTransport,
			"upload failed").WithCause(err))
	}
	return outcome
}

func (s *OriginatingHTTPFileSharingSession) fail(serr *ims.ServiceError) {
	s.logger.Warn("file sharing session failed", "error", serr)
	s.listener.HandleTransferError(serr)
}

func (s *OriginatingHTTPFileSharingSession) removeRecord() {
	if s.managedByResume || s.store == nil {
		return
	}
	if err := s.store.RemoveFtHTTPResume(s.upload.TID()); err != nil {
		s.logger.Warn("removing transfer record failed", "error", err)
	}
}

func (s *OriginatingHTTPFileSharingSession) setState(state storage.ResumeState) {
	if s.managedByResume || s.store == nil {
		return
	}
	if err := s.store.SetFtHTTPResumeState(s.upload.TID(), state); err != nil {
		s.logger.Warn("updating transfer record failed", "error", err)
	}
}

// TerminatingHTTPFileSharingSession downloads a file announced by the
// remote side and reports its disposition through chat.
type TerminatingHTTPFileSharingSession struct {
	id      string
	contact string
	chatID  string
	// messageID correlates IMDN reports with the announcing message.
	messageID string
	info      *fthttp.FileTransferHTTPInfo
	destPath  string
	recordTID string

	download *fthttp.HttpDownloadManager
	bridge   ChatBridge
	store    storage.Store
	listener FileTransferListener
	logger   *slog.Logger

	managedByResume bool
}

func NewTerminatingHTTPFileSharingSession(cfg fthttp.DownloadConfig, info *fthttp.FileTransferHTTPInfo,
	contact, chatID, messageID, destDir string, bridge ChatBridge, store storage.Store, logger *slog.Logger) *TerminatingHTTPFileSharingSession {
	if logger == nil {
		logger = slog.Default()
	}
	destPath := filepath.Join(destDir, info.FileName)
	s := &TerminatingHTTPFileSharingSession{
		id:        uuid.NewString(),
		contact:   contact,
		chatID:    chatID,
		messageID: messageID,
		info:      info,
		destPath:  destPath,
		download:  fthttp.NewDownloadManager(cfg, info.URL, destPath, info.FileSize),
		bridge:    bridge,
		store:     store,
		logger:    logger.With("component", "ft_session", "url", info.URL),
	}
	s.listener = FileTransferListenerBase{}
	s.download.SetProgressListener(fthttp.ProgressFunc(func(transferred, total int64) {
		s.listener.HandleTransferProgress(transferred, total)
	}))
	return s
}

func (s *TerminatingHTTPFileSharingSession) ID() string       { return s.id }
func (s *TerminatingHTTPFileSharingSession) DestPath() string { return s.destPath }

func (s *TerminatingHTTPFileSharingSession) SetListener(l FileTransferListener) {
	if l != nil {
		s.listener = l
	}
}

func (s *TerminatingHTTPFileSharingSession) Cancel() { s.download.Cancel() }

// Thumbnail fetches the preview into memory, when the descriptor carries
// one.
func (s *TerminatingHTTPFileSharingSession) Thumbnail(ctx context.Context) ([]byte, error) {
	if s.info.Thumbnail == nil {
		return nil, nil
	}
	return s.download.DownloadThumbnail(ctx, s.info.Thumbnail.URL)
}

// Run downloads the file and reports delivery through the chat bridge.
func (s *TerminatingHTTPFileSharingSession) Run(ctx context.Context) fthttp.TransferOutcome {
	if s.info.Expired(time.Now()) {
		s.fail(ims.NewServiceError(ims.ErrTransferFailed, ims.ErrorCategorySession,
			"download url expired"))
		return fthttp.OutcomeFailed
	}
	if !s.managedByResume && s.store != nil {
		record := &storage.FtHTTPResume{
			TID:       uuid.NewString(),
			Direction: storage.DirectionIncoming,
			FileURL:   s.info.URL,
			FilePath:  s.destPath,
			FileName:  s.info.FileName,
			Size:      s.info.FileSize,
			MimeType:  s.info.ContentType,
			Contact:   s.contact,
			ChatID:    s.chatID,
			State:     storage.ResumeStateStarted,
		}
		if err := s.store.AddFtHTTPResume(record); err != nil {
			s.logger.Warn("persisting transfer record failed", "error", err)
		}
		s.recordTID = record.TID
	}
	s.listener.HandleTransferStarted()

	outcome, err := s.download.Download(ctx)
	return s.finish(ctx, outcome, err)
}

// Resume continues from the bytes already on disk.
func (s *TerminatingHTTPFileSharingSession) Resume(ctx context.Context) fthttp.TransferOutcome {
	s.listener.HandleTransferStarted()
	outcome, err := s.download.Resume(ctx)
	return s.finish(ctx, outcome, err)
}

func (s *TerminatingHTTPFileSharingSession) finish(ctx context.Context, outcome fthttp.TransferOutcome, err error) fthttp.TransferOutcome {
	switch outcome {
	case fthttp.OutcomeDone:
		s.removeRecord()
		if s.messageID != "" {
			if repErr := s.bridge.SendDispositionReport(ctx, s.contact, s.chatID, s.messageID, ImdnDelivered); repErr != nil {
				s.logger.Warn("delivery report failed", "error", repErr)
			}
		}
		s.listener.HandleFileTransferred(s.info, s.destPath)
	case fthttp.OutcomeCancelled:
		s.removeRecord()
		s.listener.HandleTransferAborted()
	case fthttp.OutcomePaused:
		s.setState(storage.ResumeStatePaused)
		s.listener.HandleTransferPaused()
	default:
		s.setState(storage.ResumeStateFailed)
		s.fail(ims.NewServiceError(ims.ErrTransferFailed, ims.ErrorCategoryTransport,
			"download failed").WithCause(err))
	}
	return outcome
}

// MarkDisplayed reports that the user opened the file. Group chats
// suppress this inside the bridge.
func (s *TerminatingHTTPFileSharingSession) MarkDisplayed(ctx context.Context) error {
	if s.messageID == "" {
		return nil
	}
	return s.bridge.SendDispositionReport(ctx, s.contact, s.chatID, s.messageID, ImdnDisplayed)
}

func (s *TerminatingHTTPFileSharingSession) fail(serr *ims.ServiceError) {
	s.logger.Warn("file sharing session failed", "error", serr)
	s.listener.HandleTransferError(serr)
}

func (s *TerminatingHTTPFileSharingSession) removeRecord() {
	if s.managedByResume || s.store == nil || s.recordTID == "" {
		return
	}
	if err := s.store.RemoveFtHTTPResume(s.recordTID); err != nil {
		s.logger.Warn("removing transfer record failed", "error", err)
	}
}

func (s *TerminatingHTTPFileSharingSession) setState(state storage.ResumeState) {
	if s.managedByResume || s.store == nil || s.recordTID == "" {
		return
	}
	if err := s.store.SetFtHTTPResumeState(s.recordTID, state); err != nil {
		s.logger.Warn("updating transfer record failed", "error", err)
	}
}
