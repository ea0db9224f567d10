package fthttp

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rcs_client/pkg/storage"
)

// fakeStore implements only the resume slice of storage.Store.
type fakeStore struct {
	storage.Store

	mu      sync.Mutex
	paused  []storage.FtHTTPResume
	started int64
	states  map[string]storage.ResumeState
	removed []string
}

func newFakeStore(records ...storage.FtHTTPResume) *fakeStore {
	return &fakeStore{paused: records, states: make(map[string]storage.ResumeState)}
}

func (s *fakeStore) PauseStartedFtHTTPResumes() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started, nil
}

func (s *fakeStore) PausedFtHTTPResumes() ([]storage.FtHTTPResume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.FtHTTPResume, len(s.paused))
	copy(out, s.paused)
	s.paused = nil
	return out, nil
}

func (s *fakeStore) SetFtHTTPResumeState(tid string, state storage.ResumeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[tid] = state
	return nil
}

func (s *fakeStore) RemoveFtHTTPResume(tid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, tid)
	return nil
}

func (s *fakeStore) removedTIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.removed))
	copy(out, s.removed)
	return out
}

func (s *fakeStore) stateOf(tid string) storage.ResumeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[tid]
}

// scriptedLauncher records launch order and finishes each transfer with a
// scripted outcome. Completion is synchronous unless hold is set.
type scriptedLauncher struct {
	mu       sync.Mutex
	order    []string
	inFlight int
	maxSeen  int
	outcomes map[string]TransferOutcome
	hold     map[string]func(TransferOutcome) // deferred done callbacks
}

func newScriptedLauncher() *scriptedLauncher {
	return &scriptedLauncher{
		outcomes: make(map[string]TransferOutcome),
		hold:     make(map[string]func(TransferOutcome)),
	}
}

func (l *scriptedLauncher) launch(record storage.FtHTTPResume, done func(TransferOutcome)) {
	l.mu.Lock()
	l.order = append(l.order, record.TID)
	l.inFlight++
	if l.inFlight > l.maxSeen {
		l.maxSeen = l.inFlight
	}
	outcome, scripted := l.outcomes[record.TID]
	if !scripted {
		outcome = OutcomeDone
	}
	wrapped := func(o TransferOutcome) {
		l.mu.Lock()
		l.inFlight--
		l.mu.Unlock()
		done(o)
	}
	if _, deferred := l.hold[record.TID]; deferred {
		l.hold[record.TID] = wrapped
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	wrapped(outcome)
}

func (l *scriptedLauncher) ResumeUpload(record storage.FtHTTPResume, done func(TransferOutcome)) {
	l.launch(record, done)
}

func (l *scriptedLauncher) ResumeDownload(record storage.FtHTTPResume, done func(TransferOutcome)) {
	l.launch(record, done)
}

func (l *scriptedLauncher) launchOrder() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.order))
	copy(out, l.order)
	return out
}

func (l *scriptedLauncher) release(tid string, outcome TransferOutcome) {
	l.mu.Lock()
	done := l.hold[tid]
	l.mu.Unlock()
	if done != nil {
		done(outcome)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func record(tid string, dir storage.Direction) storage.FtHTTPResume {
	return storage.FtHTTPResume{TID: tid, Direction: dir, State: storage.ResumeStatePaused}
}

func TestResumeManagerWalksRecordsInOrder(t *testing.T) {
	store := newFakeStore(
		record("tid-a", storage.DirectionOutgoing),
		record("tid-b", storage.DirectionIncoming),
		record("tid-c", storage.DirectionOutgoing),
	)
	launcher := newScriptedLauncher()
	mgr := NewResumeManager(store, launcher, quietLogger())

	require.NoError(t, mgr.Start())

	assert.Equal(t, []string{"tid-a", "tid-b", "tid-c"}, launcher.launchOrder())
	assert.ElementsMatch(t, []string{"tid-a", "tid-b", "tid-c"}, store.removedTIDs())
	assert.Equal(t, 1, launcher.maxSeen, "resumes must never overlap")
}

func TestResumeManagerSerializesAcrossSlowTransfer(t *testing.T) {
	store := newFakeStore(
		record("tid-slow", storage.DirectionIncoming),
		record("tid-next", storage.DirectionIncoming),
	)
	launcher := newScriptedLauncher()
	launcher.hold["tid-slow"] = func(TransferOutcome) {}
	mgr := NewResumeManager(store, launcher, quietLogger())

	require.NoError(t, mgr.Start())

	// The slow transfer is in flight; the second must not have launched.
	assert.Equal(t, []string{"tid-slow"}, launcher.launchOrder())

	launcher.release("tid-slow", OutcomeDone)
	assert.Equal(t, []string{"tid-slow", "tid-next"}, launcher.launchOrder())
}

func TestResumeManagerOutcomeMapping(t *testing.T) {
	store := newFakeStore(
		record("tid-done", storage.DirectionOutgoing),
		record("tid-paused", storage.DirectionOutgoing),
		record("tid-failed", storage.DirectionIncoming),
		record("tid-cancelled", storage.DirectionIncoming),
	)
	launcher := newScriptedLauncher()
	launcher.outcomes["tid-paused"] = OutcomePaused
	launcher.outcomes["tid-failed"] = OutcomeFailed
	launcher.outcomes["tid-cancelled"] = OutcomeCancelled
	mgr := NewResumeManager(store, launcher, quietLogger())

	require.NoError(t, mgr.Start())

	assert.ElementsMatch(t, []string{"tid-done", "tid-cancelled"}, store.removedTIDs(),
		"completed and cancelled transfers drop their records")
	assert.Equal(t, storage.ResumeStatePaused, store.stateOf("tid-paused"))
	assert.Equal(t, storage.ResumeStateFailed, store.stateOf("tid-failed"))
}

func TestResumeManagerStopHaltsWalk(t *testing.T) {
	store := newFakeStore(
		record("tid-1", storage.DirectionIncoming),
		record("tid-2", storage.DirectionIncoming),
	)
	launcher := newScriptedLauncher()
	launcher.hold["tid-1"] = func(TransferOutcome) {}
	mgr := NewResumeManager(store, launcher, quietLogger())

	require.NoError(t, mgr.Start())
	mgr.Stop()
	launcher.release("tid-1", OutcomeDone)

	assert.Equal(t, []string{"tid-1"}, launcher.launchOrder(),
		"records queued behind Stop must not launch")
}

func TestResumeManagerDoubleDoneIsIgnored(t *testing.T) {
	store := newFakeStore(
		record("tid-x", storage.DirectionOutgoing),
		record("tid-y", storage.DirectionOutgoing),
	)
	launcher := newScriptedLauncher()
	launcher.hold["tid-x"] = func(TransferOutcome) {}
	mgr := NewResumeManager(store, launcher, quietLogger())

	require.NoError(t, mgr.Start())

	// A buggy launcher calling done twice must not double-advance the
	// walk or double-count the record.
	launcher.release("tid-x", OutcomeDone)
	launcher.release("tid-x", OutcomeFailed)

	assert.Equal(t, []string{"tid-x", "tid-y"}, launcher.launchOrder())
	assert.ElementsMatch(t, []string{"tid-x", "tid-y"}, store.removedTIDs())
	assert.Equal(t, storage.ResumeState(""), store.stateOf("tid-x"),
		"the late failed outcome must not overwrite anything")
}
