package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a single sqlite database file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and ensures
// the schema.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// sqlite allows one writer; keep the pool at a single connection to
	// avoid SQLITE_BUSY under concurrent dequeue tasks.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db, logger: logger.With("component", "storage")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ft_http_resume (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tid TEXT NOT NULL UNIQUE,
			direction INTEGER NOT NULL,
			file_url TEXT NOT NULL DEFAULT '',
			file_path TEXT NOT NULL,
			file_name TEXT NOT NULL,
			size INTEGER NOT NULL,
			mime_type TEXT NOT NULL,
			contact TEXT NOT NULL,
			chat_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			ts INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS queued_message (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL,
			contact TEXT NOT NULL,
			content TEXT NOT NULL,
			content_type TEXT NOT NULL,
			state TEXT NOT NULL,
			ts INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS queued_file_transfer (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			contact TEXT NOT NULL,
			file_path TEXT NOT NULL,
			file_name TEXT NOT NULL,
			size INTEGER NOT NULL,
			mime_type TEXT NOT NULL,
			state TEXT NOT NULL,
			ts INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS group_chat_participant (
			chat_id TEXT NOT NULL,
			contact TEXT NOT NULL,
			PRIMARY KEY (chat_id, contact)
		)`,
		`CREATE TABLE IF NOT EXISTS group_chat (
			chat_id TEXT PRIMARY KEY,
			rejoin_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queued_message_contact ON queued_message (contact, state)`,
		`CREATE INDEX IF NOT EXISTS idx_queued_ft_contact ON queued_file_transfer (contact, state)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("initializing schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) AddFtHTTPResume(r *FtHTTPResume) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	res, err := s.db.Exec(
		`INSERT INTO ft_http_resume (tid, direction, file_url, file_path, file_name, size, mime_type, contact, chat_id, state, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TID, int(r.Direction), r.FileURL, r.FilePath, r.FileName, r.Size, r.MimeType, r.Contact, r.ChatID, string(r.State), r.Timestamp.Unix())
	if err != nil {
		return fmt.Errorf("inserting resume record: %w", err)
	}
	r.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) SetFtHTTPResumeState(tid string, state ResumeState) error {
	_, err := s.db.Exec(`UPDATE ft_http_resume SET state = ? WHERE tid = ?`, string(state), tid)
	if err != nil {
		return fmt.Errorf("updating resume state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetFtHTTPResumeURL(tid, url string) error {
	_, err := s.db.Exec(`UPDATE ft_http_resume SET file_url = ? WHERE tid = ?`, url, tid)
	if err != nil {
		return fmt.Errorf("updating resume url: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RemoveFtHTTPResume(tid string) error {
	_, err := s.db.Exec(`DELETE FROM ft_http_resume WHERE tid = ?`, tid)
	if err != nil {
		return fmt.Errorf("deleting resume record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PauseStartedFtHTTPResumes() (int64, error) {
	res, err := s.db.Exec(`UPDATE ft_http_resume SET state = ? WHERE state = ?`,
		string(ResumeStatePaused), string(ResumeStateStarted))
	if err != nil {
		return 0, fmt.Errorf("pausing started transfers: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) PausedFtHTTPResumes() ([]FtHTTPResume, error) {
	rows, err := s.db.Query(
		`SELECT id, tid, direction, file_url, file_path, file_name, size, mime_type, contact, chat_id, state, ts
		 FROM ft_http_resume WHERE state = ? ORDER BY ts ASC, id ASC`, string(ResumeStatePaused))
	if err != nil {
		return nil, fmt.Errorf("listing paused transfers: %w", err)
	}
	defer rows.Close()

	var out []FtHTTPResume
	for rows.Next() {
		var r FtHTTPResume
		var dir int
		var state string
		var ts int64
		if err := rows.Scan(&r.ID, &r.TID, &dir, &r.FileURL, &r.FilePath, &r.FileName,
			&r.Size, &r.MimeType, &r.Contact, &r.ChatID, &state, &ts); err != nil {
			return nil, fmt.Errorf("scanning resume record: %w", err)
		}
		r.Direction = Direction(dir)
		r.State = ResumeState(state)
		r.Timestamp = time.Unix(ts, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) QueueMessage(m *QueuedMessage) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	if m.State == "" {
		m.State = MessageStateQueued
	}
	res, err := s.db.Exec(
		`INSERT INTO queued_message (message_id, contact, content, content_type, state, ts)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.Contact, m.Content, m.ContentType, string(m.State), m.Timestamp.Unix())
	if err != nil {
		return fmt.Errorf("queueing message: %w", err)
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) QueuedMessages(contact string) ([]QueuedMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, message_id, contact, content, content_type, state, ts
		 FROM queued_message WHERE contact = ? AND state = ? ORDER BY ts ASC, id ASC`,
		contact, string(MessageStateQueued))
	if err != nil {
		return nil, fmt.Errorf("listing queued messages: %w", err)
	}
	defer rows.Close()

	var out []QueuedMessage
	for rows.Next() {
		var m QueuedMessage
		var state string
		var ts int64
		if err := rows.Scan(&m.ID, &m.MessageID, &m.Contact, &m.Content, &m.ContentType, &state, &ts); err != nil {
			return nil, fmt.Errorf("scanning queued message: %w", err)
		}
		m.State = MessageState(state)
		m.Timestamp = time.Unix(ts, 0)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetMessageState(id int64, state MessageState) error {
	_, err := s.db.Exec(`UPDATE queued_message SET state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return fmt.Errorf("updating message state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ContactsWithQueuedMessages() ([]string, error) {
	return s.distinctQueuedContacts("queued_message")
}

func (s *SQLiteStore) ContactsWithQueuedFileTransfers() ([]string, error) {
	return s.distinctQueuedContacts("queued_file_transfer")
}

func (s *SQLiteStore) distinctQueuedContacts(table string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT contact FROM `+table+` WHERE state = ? ORDER BY contact`,
		string(MessageStateQueued))
	if err != nil {
		return nil, fmt.Errorf("listing queued contacts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scanning queued contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) QueueFileTransfer(t *QueuedFileTransfer) error {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	if t.State == "" {
		t.State = MessageStateQueued
	}
	res, err := s.db.Exec(
		`INSERT INTO queued_file_transfer (session_id, contact, file_path, file_name, size, mime_type, state, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.SessionID, t.Contact, t.FilePath, t.FileName, t.Size, t.MimeType, string(t.State), t.Timestamp.Unix())
	if err != nil {
		return fmt.Errorf("queueing file transfer: %w", err)
	}
	t.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) QueuedFileTransfers(contact string) ([]QueuedFileTransfer, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, contact, file_path, file_name, size, mime_type, state, ts
		 FROM queued_file_transfer WHERE contact = ? AND state = ? ORDER BY ts ASC, id ASC`,
		contact, string(MessageStateQueued))
	if err != nil {
		return nil, fmt.Errorf("listing queued transfers: %w", err)
	}
	defer rows.Close()

	var out []QueuedFileTransfer
	for rows.Next() {
		var t QueuedFileTransfer
		var state string
		var ts int64
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Contact, &t.FilePath, &t.FileName,
			&t.Size, &t.MimeType, &state, &ts); err != nil {
			return nil, fmt.Errorf("scanning queued transfer: %w", err)
		}
		t.State = MessageState(state)
		t.Timestamp = time.Unix(ts, 0)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetFileTransferState(id int64, state MessageState) error {
	_, err := s.db.Exec(`UPDATE queued_file_transfer SET state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return fmt.Errorf("updating transfer state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) QueueGroupChatParticipant(chatID, contact string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO group_chat_participant (chat_id, contact) VALUES (?, ?)`,
		chatID, contact)
	if err != nil {
		return fmt.Errorf("queueing participant: %w", err)
	}
	return nil
}

func (s *SQLiteStore) QueuedGroupChatParticipants(chatID string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT contact FROM group_chat_participant WHERE chat_id = ? ORDER BY contact`, chatID)
	if err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scanning participant: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RemoveGroupChatParticipant(chatID, contact string) error {
	_, err := s.db.Exec(
		`DELETE FROM group_chat_participant WHERE chat_id = ? AND contact = ?`, chatID, contact)
	if err != nil {
		return fmt.Errorf("removing participant: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetGroupChatRejoinID(chatID, rejoinID string) error {
	_, err := s.db.Exec(
		`INSERT INTO group_chat (chat_id, rejoin_id) VALUES (?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET rejoin_id = excluded.rejoin_id`,
		chatID, rejoinID)
	if err != nil {
		return fmt.Errorf("storing rejoin id: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GroupChatRejoinID(chatID string) (string, error) {
	var rejoin string
	err := s.db.QueryRow(`SELECT rejoin_id FROM group_chat WHERE chat_id = ?`, chatID).Scan(&rejoin)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading rejoin id: %w", err)
	}
	return rejoin, nil
}
