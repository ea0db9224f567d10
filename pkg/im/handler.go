package im

import (
	"context"
	"log/slog"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rcs_client/pkg/fthttp"
	"github.com/arzzra/rcs_client/pkg/ims"
	"github.com/arzzra/rcs_client/pkg/storage"
)

// InviteRouter accepts the messaging invite targets the dispatcher
// routes here: one-to-one chat, store-and-forward delivery and file
// transfer over HTTP. Other targets are declined.
type InviteRouter struct {
	ChatService *ims.Service
	FtService   *ims.Service
	Chat        *ChatManager
	Auth        *ims.AuthenticationAgent
	SessionCfg  ims.SessionConfig
	DownloadCfg fthttp.DownloadConfig
	DownloadDir string
	// MaxFileSize declines transfers above it; 0 means unlimited.
	MaxFileSize int64
	Store       storage.Store
	Logger      *slog.Logger
}

var _ ims.InviteHandler = (*InviteRouter)(nil)

func (r *InviteRouter) HandleInvite(req *sip.Request, tx sip.ServerTransaction, target ims.InviteTarget) {
	switch target {
	case ims.TargetOneToOneChat, ims.TargetStoreAndForward:
		r.handleChatInvite(req, tx)
	case ims.TargetHTTPFileTransfer:
		r.handleFileTransferInvite(req, tx)
	default:
		r.logger().Info("declining unsupported invite", "target", target.String())
		res := sip.NewResponseFromRequest(req, 603, "Decline", nil)
		if err := tx.Respond(res); err != nil {
			r.logger().Warn("declining invite failed", "error", err)
		}
	}
}

// handleChatInvite builds a terminating chat session around the INVITE
// and auto-accepts it: ringing, accept, 200 with the local tag.
func (r *InviteRouter) handleChatInvite(req *sip.Request, tx sip.ServerTransaction) {
	from := req.From()
	if from == nil {
		res := sip.NewResponseFromRequest(req, 400, "Bad Request", nil)
		_ = tx.Respond(res)
		return
	}
	contact := from.Address.String()
	core := ims.NewSession(r.ChatService, contact, from.Address, r.Auth, r.SessionCfg)
	core.CreateTerminatingDialogPath(req, tx)
	chat := NewOneToOneChatSession(core, r.Chat.carrier, r.Chat.localURI, r.logger())
	r.Chat.adoptOneToOne(contact, chat)

	core.SetRunner(ims.SessionRunnerFunc(func(ctx context.Context) {
		core.Send180Ringing()
		core.AcceptSession()
		if core.WaitInvitationAnswer() != ims.InvitationAccepted {
			return
		}
		if err := core.Answer200OK(""); err != nil {
			r.logger().Warn("answering chat invite failed", "error", err)
			core.AbortSession(ims.TerminationBySystem)
		}
	}))
	core.StartSession()
}

// handleFileTransferInvite accepts the session, extracts the FT-HTTP
// descriptor from the INVITE payload and spawns the terminating download
// session.
func (r *InviteRouter) handleFileTransferInvite(req *sip.Request, tx sip.ServerTransaction) {
	descriptor, messageID, ok := extractDescriptor(req.Body())
	if !ok {
		res := sip.NewResponseFromRequest(req, 606, "Not Acceptable", nil)
		_ = tx.Respond(res)
		return
	}
	info, err := fthttp.ParseFileTransferHTTPInfo(descriptor)
	if err != nil {
		r.logger().Warn("bad file transfer descriptor", "error", err)
		res := sip.NewResponseFromRequest(req, 606, "Not Acceptable", nil)
		_ = tx.Respond(res)
		return
	}
	if r.MaxFileSize > 0 && info.FileSize > r.MaxFileSize {
		r.logger().Info("declining oversized transfer", "size", info.FileSize)
		res := sip.NewResponseFromRequest(req, 603, "Decline", nil)
		_ = tx.Respond(res)
		return
	}

	from := req.From()
	if from == nil {
		res := sip.NewResponseFromRequest(req, 400, "Bad Request", nil)
		_ = tx.Respond(res)
		return
	}
	contact := from.Address.String()
	chatID := ""
	if h := req.GetHeader("Contribution-ID"); h != nil {
		chatID = h.Value()
	}

	core := ims.NewSession(r.FtService, contact, from.Address, r.Auth, r.SessionCfg)
	core.CreateTerminatingDialogPath(req, tx)
	core.SetRunner(ims.SessionRunnerFunc(func(ctx context.Context) {
		core.Send180Ringing()
		core.AcceptSession()
		if core.WaitInvitationAnswer() != ims.InvitationAccepted {
			return
		}
		if err := core.Answer200OK(""); err != nil {
			r.logger().Warn("answering transfer invite failed", "error", err)
			core.AbortSession(ims.TerminationBySystem)
			return
		}
		ft := NewTerminatingHTTPFileSharingSession(r.DownloadCfg, info, contact, chatID,
			messageID, r.DownloadDir, r.Chat, r.Store, r.logger())
		ft.Run(ctx)
		core.TerminateSession(ims.TerminationBySystem)
	}))
	core.StartSession()
}

// extractDescriptor pulls the FT-HTTP XML out of the INVITE payload,
// unwrapping a CPIM envelope when present. The CPIM message id rides
// along for IMDN correlation.
func extractDescriptor(body []byte) (descriptor []byte, messageID string, ok bool) {
	if len(body) == 0 {
		return nil, "", false
	}
	if msg, err := ParseCpim(body); err == nil && strings.HasPrefix(msg.ContentType, fthttp.FileTransferHTTPInfoType) {
		return msg.Body, msg.MessageID, true
	}
	if strings.Contains(string(body), "file-info") {
		return body, "", true
	}
	return nil, "", false
}

func (r *InviteRouter) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
