package ims

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
)

// sessionShardCount must be a power of two for the mask in getShard.
const sessionShardCount = 16

type sessionShard struct {
	sessions map[string]*Session
	mu       sync.RWMutex
}

// SessionTable is the concurrent session container of a service: add,
// remove, iterate and the lookups the dispatcher needs are all safe under
// concurrent use. Sessions are sharded by ID to keep contention low when
// many sessions start and stop at once.
type SessionTable struct {
	shards [sessionShardCount]*sessionShard
	count  atomic.Int64
}

func NewSessionTable() *SessionTable {
	t := &SessionTable{}
	for i := range t.shards {
		t.shards[i] = &sessionShard{sessions: make(map[string]*Session)}
	}
	return t
}

func (t *SessionTable) getShard(id string) *sessionShard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return t.shards[h.Sum32()&(sessionShardCount-1)]
}

// Add registers the session under its ID, replacing any previous entry
// with the same ID.
func (t *SessionTable) Add(s *Session) {
	shard := t.getShard(s.ID())
	shard.mu.Lock()
	_, existed := shard.sessions[s.ID()]
	shard.sessions[s.ID()] = s
	shard.mu.Unlock()
	if !existed {
		t.count.Add(1)
	}
}

// Remove drops the session; a session not in the table is a no-op.
func (t *SessionTable) Remove(id string) bool {
	shard := t.getShard(id)
	shard.mu.Lock()
	_, existed := shard.sessions[id]
	if existed {
		delete(shard.sessions, id)
	}
	shard.mu.Unlock()
	if existed {
		t.count.Add(-1)
	}
	return existed
}

// Get looks a session up by its session ID.
func (t *SessionTable) Get(id string) (*Session, bool) {
	shard := t.getShard(id)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	s, ok := shard.sessions[id]
	return s, ok
}

// Count returns the number of registered sessions.
func (t *SessionTable) Count() int {
	return int(t.count.Load())
}

// ForEach calls fn for every session. Iteration runs over a snapshot so
// fn may add or remove sessions.
func (t *SessionTable) ForEach(fn func(*Session)) {
	snapshot := make([]*Session, 0, t.Count())
	for _, shard := range t.shards {
		shard.mu.RLock()
		for _, s := range shard.sessions {
			snapshot = append(snapshot, s)
		}
		shard.mu.RUnlock()
	}
	for _, s := range snapshot {
		fn(s)
	}
}

// FindByCallID returns the session owning the dialog with the given
// Call-ID, the dispatcher's in-dialog routing key.
func (t *SessionTable) FindByCallID(callID string) (*Session, bool) {
	var found *Session
	t.ForEach(func(s *Session) {
		if found == nil && s.DialogCallID() == callID {
			found = s
		}
	})
	return found, found != nil
}

// FindByContact returns all sessions with the given remote contact.
func (t *SessionTable) FindByContact(contact string) []*Session {
	var out []*Session
	t.ForEach(func(s *Session) {
		if s.RemoteContact() == contact {
			out = append(out, s)
		}
	})
	return out
}

// Service is a container of concurrently active sessions for one service
// type (chat, capability, richcall…). Concrete services embed it.
type Service struct {
	name    string
	table   *SessionTable
	logger  *slog.Logger
	started atomic.Bool
}

func NewService(name string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		name:   name,
		table:  NewSessionTable(),
		logger: logger.With("component", "service", "service", name),
	}
}

func (s *Service) Name() string { return s.name }

func (s *Service) Sessions() *SessionTable { return s.table }

func (s *Service) Logger() *slog.Logger { return s.logger }

// Start marks the service active. Idempotent.
func (s *Service) Start() {
	s.started.Store(true)
}

// Stop aborts every active session and marks the service inactive.
func (s *Service) Stop() {
	if !s.started.Swap(false) {
		return
	}
	s.table.ForEach(func(sess *Session) {
		sess.AbortSession(TerminationBySystem)
	})
}

func (s *Service) IsStarted() bool { return s.started.Load() }

// AddSession registers a session; called from Session.StartSession.
func (s *Service) AddSession(sess *Session) {
	s.table.Add(sess)
	s.logger.Debug("session added", "session_id", sess.ID(), "active", s.table.Count())
}

// RemoveSession drops a session from the table. Tolerates sessions that
// were never added or already removed.
func (s *Service) RemoveSession(sess *Session) {
	if s.table.Remove(sess.ID()) {
		s.logger.Debug("session removed", "session_id", sess.ID(), "active", s.table.Count())
	}
}

// ServiceRegistry is the explicit session-registry object handed to the
// dispatcher: it exposes only the narrow lookups routing needs.
type ServiceRegistry struct {
	mu       sync.RWMutex
	services []*Service
}

func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{}
}

func (r *ServiceRegistry) Register(svc *Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services = append(r.services, svc)
}

func (r *ServiceRegistry) Services() []*Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Service, len(r.services))
	copy(out, r.services)
	return out
}

// FindSessionByCallID searches every registered service for the session
// owning the dialog with the given Call-ID.
func (r *ServiceRegistry) FindSessionByCallID(callID string) (*Session, bool) {
	for _, svc := range r.Services() {
		if s, ok := svc.Sessions().FindByCallID(callID); ok {
			return s, true
		}
	}
	return nil, false
}

// SessionsByContact collects the active sessions for a contact across all
// services.
func (r *ServiceRegistry) SessionsByContact(contact string) []*Session {
	var out []*Session
	for _, svc := range r.Services() {
		out = append(out, svc.Sessions().FindByContact(contact)...)
	}
	return out
}
