package fthttp

import (
	"log/slog"
	"sync"

	"github.com/arzzra/rcs_client/pkg/storage"
)

// ResumeLauncher restarts one interrupted transfer. Implementations
// rebuild the session around the record and MUST call done exactly once
// when the transfer reaches a terminal state; the manager will not move
// to the next record before that.
type ResumeLauncher interface {
	ResumeUpload(record storage.FtHTTPResume, done func(outcome TransferOutcome))
	ResumeDownload(record storage.FtHTTPResume, done func(outcome TransferOutcome))
}

// FtHttpResumeManager replays interrupted transfers one at a time. On
// Start it first flips every STARTED record to PAUSED (a transfer
// recorded as in-flight across a restart is by definition interrupted),
// then walks the PAUSED list strictly serially: the next resume only
// launches after the previous one terminated.
type FtHttpResumeManager struct {
	store    storage.Store
	launcher ResumeLauncher
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	queue   []storage.FtHTTPResume
}

func NewResumeManager(store storage.Store, launcher ResumeLauncher, logger *slog.Logger) *FtHttpResumeManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &FtHttpResumeManager{
		store:    store,
		launcher: launcher,
		logger:   logger.With("component", "ft_resume"),
	}
}

// Start normalizes the stored state and kicks off the serialized resume
// walk. Calling it while a walk is in progress only reloads the queue.
func (m *FtHttpResumeManager) Start() error {
	paused, err := m.store.PauseStartedFtHTTPResumes()
	if err != nil {
		return err
	}
	if paused > 0 {
		m.logger.Info("marked in-flight transfers as paused", "count", paused)
	}
	records, err := m.store.PausedFtHTTPResumes()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.stopped = false
	m.queue = records
	launch := !m.running && len(m.queue) > 0
	if launch {
		m.running = true
	}
	m.mu.Unlock()

	if launch {
		m.next()
	}
	return nil
}

// Stop prevents further resumes from launching. The transfer currently
// in flight is not interrupted.
func (m *FtHttpResumeManager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.queue = nil
	m.mu.Unlock()
}

// next pops one record and hands it to the launcher. The terminal
// callback recurses into next, which is what serializes the walk.
func (m *FtHttpResumeManager) next() {
	m.mu.Lock()
	if m.stopped || len(m.queue) == 0 {
		m.running = false
		m.mu.Unlock()
		return
	}
	record := m.queue[0]
	m.queue = m.queue[1:]
	m.mu.Unlock()

	logger := m.logger.With("tid", record.TID, "direction", record.Direction.String())
	logger.Info("resuming transfer")

	var once sync.Once
	done := func(outcome TransferOutcome) {
		once.Do(func() {
			m.finish(record, outcome, logger)
			m.next()
		})
	}
	if record.Direction == storage.DirectionOutgoing {
		m.launcher.ResumeUpload(record, done)
	} else {
		m.launcher.ResumeDownload(record, done)
	}
}

func (m *FtHttpResumeManager) finish(record storage.FtHTTPResume, outcome TransferOutcome, logger *slog.Logger) {
	logger.Info("resume finished", "outcome", outcome.String())
	var err error
	switch outcome {
	case OutcomeDone, OutcomeCancelled:
		err = m.store.RemoveFtHTTPResume(record.TID)
	case OutcomePaused:
		// Still resumable, keep the record for the next round.
		err = m.store.SetFtHTTPResumeState(record.TID, storage.ResumeStatePaused)
	default:
		err = m.store.SetFtHTTPResumeState(record.TID, storage.ResumeStateFailed)
	}
	if err != nil {
		logger.Warn("updating resume record failed", "error", err)
	}
}
