package im

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/arzzra/rcs_client/pkg/ims"
	"github.com/arzzra/rcs_client/pkg/storage"
)

// DequeueLock serializes the dequeue tasks: at most one scan runs at a
// time across all of them, so a capability change firing several
// triggers cannot double-send queued work.
type DequeueLock struct {
	mu sync.Mutex
}

func (l *DequeueLock) Lock()   { l.mu.Lock() }
func (l *DequeueLock) Unlock() { l.mu.Unlock() }

// CapabilityGate answers whether a contact can receive a service right
// now. The dequeue tasks consult it before touching the queue.
type CapabilityGate interface {
	IsImSessionSupported(contact string) bool
	IsFileTransferSupported(contact string) bool
}

// MessageDeliverer sends one previously queued chat message.
type MessageDeliverer interface {
	DeliverQueuedMessage(ctx context.Context, msg storage.QueuedMessage) error
}

// TransferStarter launches one previously queued file transfer.
type TransferStarter interface {
	StartQueuedTransfer(ctx context.Context, t storage.QueuedFileTransfer) error
}

// GroupInviter invites one queued participant into a group chat.
type GroupInviter interface {
	InviteQueuedParticipant(ctx context.Context, chatID, contact string) error
}

// OneToOneChatMessageDequeueTask flushes queued chat messages for a
// contact once it becomes IM-capable. Item failures are isolated: a
// failed send is logged and the scan moves on.
type OneToOneChatMessageDequeueTask struct {
	Lock      *DequeueLock
	Store     storage.Store
	Gate      CapabilityGate
	Deliverer MessageDeliverer
	Logger    *slog.Logger
}

func (t *OneToOneChatMessageDequeueTask) Run(ctx context.Context, contact string) {
	t.Lock.Lock()
	defer t.Lock.Unlock()
	logger := t.logger().With("task", "dequeue_messages", "contact", contact)

	if !t.Gate.IsImSessionSupported(contact) {
		logger.Debug("contact not im-capable, leaving queue untouched")
		return
	}
	msgs, err := t.Store.QueuedMessages(contact)
	if err != nil {
		logger.Warn("loading queued messages failed", "error", err)
		return
	}
	for _, msg := range msgs {
		if err := t.Deliverer.DeliverQueuedMessage(ctx, msg); err != nil {
			logger.Warn("queued message delivery failed", "message_id", msg.MessageID, "error", err)
			continue
		}
		if err := t.Store.SetMessageState(msg.ID, storage.MessageStateSent); err != nil {
			logger.Warn("marking message sent failed", "message_id", msg.MessageID, "error", err)
		}
	}
}

func (t *OneToOneChatMessageDequeueTask) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// FileTransferDequeueTask flushes queued outgoing transfers for a
// contact once it becomes FT-capable. A not-allowed error marks that
// single item FAILED; any other error is logged and the scan continues.
type FileTransferDequeueTask struct {
	Lock    *DequeueLock
	Store   storage.Store
	Gate    CapabilityGate
	Starter TransferStarter
	Logger  *slog.Logger
}

func (t *FileTransferDequeueTask) Run(ctx context.Context, contact string) {
	t.Lock.Lock()
	defer t.Lock.Unlock()
	logger := t.logger().With("task", "dequeue_transfers", "contact", contact)

	if !t.Gate.IsFileTransferSupported(contact) {
		logger.Debug("contact not ft-capable, leaving queue untouched")
		return
	}
	transfers, err := t.Store.QueuedFileTransfers(contact)
	if err != nil {
		logger.Warn("loading queued transfers failed", "error", err)
		return
	}
	for _, tr := range transfers {
		err := t.Starter.StartQueuedTransfer(ctx, tr)
		if err == nil {
			if err := t.Store.SetFileTransferState(tr.ID, storage.MessageStateSent); err != nil {
				logger.Warn("marking transfer sent failed", "session_id", tr.SessionID, "error", err)
			}
			continue
		}
		var serr *ims.ServiceError
		if errors.As(err, &serr) && serr.Code == ims.ErrTransferNotAllowed {
			logger.Info("transfer not allowed, marking failed", "session_id", tr.SessionID)
			if err := t.Store.SetFileTransferState(tr.ID, storage.MessageStateFailed); err != nil {
				logger.Warn("marking transfer failed failed", "session_id", tr.SessionID, "error", err)
			}
			continue
		}
		logger.Warn("queued transfer start failed", "session_id", tr.SessionID, "error", err)
	}
}

func (t *FileTransferDequeueTask) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// GroupChatInviteQueuedParticipantsTask invites the participants queued
// while a group session was down. Successfully invited participants
// leave the queue; failures stay for the next trigger.
type GroupChatInviteQueuedParticipantsTask struct {
	Lock    *DequeueLock
	Store   storage.Store
	Inviter GroupInviter
	Logger  *slog.Logger
}

func (t *GroupChatInviteQueuedParticipantsTask) Run(ctx context.Context, chatID string) {
	t.Lock.Lock()
	defer t.Lock.Unlock()
	logger := t.logger().With("task", "dequeue_participants", "chat_id", chatID)

	participants, err := t.Store.QueuedGroupChatParticipants(chatID)
	if err != nil {
		logger.Warn("loading queued participants failed", "error", err)
		return
	}
	for _, contact := range participants {
		if err := t.Inviter.InviteQueuedParticipant(ctx, chatID, contact); err != nil {
			logger.Warn("queued participant invite failed", "contact", contact, "error", err)
			continue
		}
		if err := t.Store.RemoveGroupChatParticipant(chatID, contact); err != nil {
			logger.Warn("removing queued participant failed", "contact", contact, "error", err)
		}
	}
}

func (t *GroupChatInviteQueuedParticipantsTask) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}
