// Package storage persists the client state that must survive a restart:
// interrupted HTTP file transfers, queued pager and chat messages, queued
// file transfer invitations and group chat bookkeeping.
package storage

import "time"

// Direction of a file transfer.
type Direction int

const (
	DirectionIncoming Direction = iota
	DirectionOutgoing
)

func (d Direction) String() string {
	if d == DirectionOutgoing {
		return "outgoing"
	}
	return "incoming"
}

// ResumeState tracks an interrupted HTTP file transfer.
type ResumeState string

const (
	// ResumeStateStarted means the transfer is believed to be in flight.
	ResumeStateStarted ResumeState = "STARTED"
	// ResumeStatePaused means the transfer was interrupted and is
	// eligible for resume.
	ResumeStatePaused ResumeState = "PAUSED"
	// ResumeStateFailed means resuming was attempted and gave up.
	ResumeStateFailed ResumeState = "FAILED"
)

// FtHTTPResume is one interrupted HTTP file transfer.
type FtHTTPResume struct {
	ID        int64
	TID       string
	Direction Direction
	// FileURL is the download URL (incoming) or the upload result URL
	// (outgoing, empty until the upload finished).
	FileURL  string
	FilePath string
	FileName string
	Size     int64
	MimeType string
	Contact  string
	// ChatID is set when the transfer belongs to a group chat.
	ChatID    string
	State     ResumeState
	Timestamp time.Time
}

// MessageState tracks a queued one-to-one chat message.
type MessageState string

const (
	MessageStateQueued MessageState = "QUEUED"
	MessageStateSent   MessageState = "SENT"
	MessageStateFailed MessageState = "FAILED"
)

// QueuedMessage is a chat message waiting for the contact to become
// reachable.
type QueuedMessage struct {
	ID          int64
	MessageID   string
	Contact     string
	Content     string
	ContentType string
	State       MessageState
	Timestamp   time.Time
}

// QueuedFileTransfer is an outgoing file transfer waiting for the
// contact to become reachable.
type QueuedFileTransfer struct {
	ID        int64
	SessionID string
	Contact   string
	FilePath  string
	FileName  string
	Size      int64
	MimeType  string
	State     MessageState
	Timestamp time.Time
}

// Store is the persistence surface the dequeue tasks and the resume
// manager run against.
type Store interface {
	// AddFtHTTPResume records an interrupted-transfer candidate; its ID
	// is filled on return.
	AddFtHTTPResume(r *FtHTTPResume) error
	// SetFtHTTPResumeState moves one record by transfer ID.
	SetFtHTTPResumeState(tid string, state ResumeState) error
	// SetFtHTTPResumeURL stores the server URL once phase one of an
	// upload produced it.
	SetFtHTTPResumeURL(tid, url string) error
	// RemoveFtHTTPResume deletes a finished record.
	RemoveFtHTTPResume(tid string) error
	// PauseStartedFtHTTPResumes flips every STARTED record to PAUSED and
	// returns how many changed. Called once at startup.
	PauseStartedFtHTTPResumes() (int64, error)
	// PausedFtHTTPResumes lists PAUSED records oldest first.
	PausedFtHTTPResumes() ([]FtHTTPResume, error)

	// QueueMessage enqueues a chat message for a later dequeue.
	QueueMessage(m *QueuedMessage) error
	// QueuedMessages lists QUEUED messages for the contact oldest first.
	QueuedMessages(contact string) ([]QueuedMessage, error)
	// SetMessageState moves one queued message.
	SetMessageState(id int64, state MessageState) error
	// ContactsWithQueuedMessages lists the contacts holding at least one
	// QUEUED message. Probed at startup to trigger dequeues.
	ContactsWithQueuedMessages() ([]string, error)

	// QueueFileTransfer enqueues an outgoing transfer for a later
	// dequeue.
	QueueFileTransfer(t *QueuedFileTransfer) error
	// QueuedFileTransfers lists QUEUED transfers for the contact oldest
	// first.
	QueuedFileTransfers(contact string) ([]QueuedFileTransfer, error)
	// SetFileTransferState moves one queued transfer.
	SetFileTransferState(id int64, state MessageState) error
	// ContactsWithQueuedFileTransfers lists the contacts holding at least
	// one QUEUED transfer.
	ContactsWithQueuedFileTransfers() ([]string, error)

	// QueueGroupChatParticipant remembers a participant that could not
	// be invited while the group session was down.
	QueueGroupChatParticipant(chatID, contact string) error
	// QueuedGroupChatParticipants lists pending invitees for a group.
	QueuedGroupChatParticipants(chatID string) ([]string, error)
	// RemoveGroupChatParticipant drops one pending invitee.
	RemoveGroupChatParticipant(chatID, contact string) error

	// SetGroupChatRejoinID stores the rejoin focus URI for a group chat.
	SetGroupChatRejoinID(chatID, rejoinID string) error
	// GroupChatRejoinID loads the rejoin focus URI, empty when unknown.
	GroupChatRejoinID(chatID string) (string, error)

	Close() error
}
