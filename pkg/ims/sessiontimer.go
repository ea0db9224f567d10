package ims

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

// RefresherRole says which side drives the RFC 4028 refresh.
type RefresherRole int

const (
	RefresherUAC RefresherRole = iota
	RefresherUAS
)

func (r RefresherRole) String() string {
	if r == RefresherUAS {
		return "uas"
	}
	return "uac"
}

// CapabilityRequester re-queries a contact's capabilities; the timer uses
// it after a timeout abort to learn whether the peer is still reachable.
type CapabilityRequester interface {
	RequestCapabilities(contact string)
}

// SessionTimerManager keeps one established session alive per RFC 4028.
// As refresher (UAC role) it sends an UPDATE at half the expire period; as
// refreshee (UAS role) it waits the full period and aborts the session by
// timeout when no refresh arrived. It only ever touches its owning
// session's state.
type SessionTimerManager struct {
	session *Session

	mu        sync.Mutex
	role      RefresherRole
	expire    time.Duration
	refreshed bool
	running   bool
	cancel    context.CancelFunc
	// useReinvite is set once the peer answered an UPDATE with 405;
	// refreshes continue as re-INVITEs from then on.
	useReinvite bool

	capabilities CapabilityRequester
}

func newSessionTimerManager(s *Session) *SessionTimerManager {
	return &SessionTimerManager{session: s}
}

// SetCapabilityRequester wires the capability service used after a
// timeout abort.
func (m *SessionTimerManager) SetCapabilityRequester(c CapabilityRequester) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capabilities = c
}

// Start launches the refresh loop. Active only while the session is
// established; a second Start replaces the previous loop.
func (m *SessionTimerManager) Start(role RefresherRole, expire time.Duration) {
	if expire <= 0 {
		return
	}
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.role = role
	m.expire = expire
	m.refreshed = false
	m.running = true
	m.cancel = cancel
	m.mu.Unlock()

	m.session.logger.Debug("session timer started", "role", role.String(), "expire", expire)
	go m.loop(ctx)
}

// Stop halts the refresh loop. Safe to call repeatedly.
func (m *SessionTimerManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.running = false
}

// IsRunning reports whether the refresh loop is active.
func (m *SessionTimerManager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// SessionRefreshed records an inbound refresh (re-INVITE or UPDATE); the
// UAS loop checks this flag at each expiry.
func (m *SessionTimerManager) SessionRefreshed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshed = true
}

func (m *SessionTimerManager) loop(ctx context.Context) {
	for {
		m.mu.Lock()
		role := m.role
		expire := m.expire
		m.mu.Unlock()

		// Refresher fires at half the period, refreshee checks at the
		// full period.
		wait := expire
		if role == RefresherUAC {
			wait = expire / 2
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if role == RefresherUAC {
			if !m.sendRefresh(ctx) {
				return
			}
			continue
		}

		m.mu.Lock()
		refreshed := m.refreshed
		m.refreshed = false
		m.mu.Unlock()
		if !refreshed {
			m.session.logger.Info("no session refresh received, aborting by timeout")
			m.abortByTimeout()
			return
		}
	}
}

// sendRefresh issues one UPDATE refresh. Returns false when the loop must
// stop (session aborted or refresh no longer needed).
func (m *SessionTimerManager) sendRefresh(ctx context.Context) bool {
	s := m.session
	d := s.Dialog()
	if d == nil || d.IsSessionTerminated() {
		return false
	}

	m.mu.Lock()
	expireSecs := int(m.expire / time.Second)
	reinvite := m.useReinvite
	m.mu.Unlock()

	method := sip.UPDATE
	if reinvite {
		method = sip.INVITE
	}
	req := d.BuildRequest(method)
	if reinvite {
		if content := d.LocalContent(); content != "" {
			req.SetBody([]byte(content))
			req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
		}
	}
	req.AppendHeader(sip.NewHeader("Session-Expires", strconv.Itoa(expireSecs)+";refresher=uac"))
	req.AppendHeader(sip.NewHeader("Supported", "timer"))

	res, err := m.transact(ctx, req)
	if err != nil {
		m.session.logger.Warn("session refresh failed", "error", err)
		m.abortByTimeout()
		return false
	}

	switch int(res.StatusCode) {
	case 200:
		m.acknowledge(req, res, reinvite)
		if h := res.GetHeader("Session-Expires"); h != nil {
			if secs, _ := ParseSessionExpires(h.Value()); secs > 0 {
				m.mu.Lock()
				m.expire = time.Duration(secs) * time.Second
				m.mu.Unlock()
			}
		}
		return true
	case 405:
		if reinvite {
			m.session.logger.Info("re-INVITE refresh refused, refresh disabled")
			return false
		}
		// Peer does not support UPDATE; fall back to re-INVITE refreshes.
		m.session.logger.Info("UPDATE not allowed by peer, refreshing with re-INVITE")
		m.mu.Lock()
		m.useReinvite = true
		m.mu.Unlock()
		return m.sendRefresh(ctx)
	case 407:
		if !s.auth.ReadChallenge(res) {
			m.abortByTimeout()
			return false
		}
		bumpCSeq(req, d.IncrementCSeq())
		if err := s.auth.SetAuthorizationHeader(req); err != nil {
			m.abortByTimeout()
			return false
		}
		res, err = m.transact(ctx, req)
		if err != nil || int(res.StatusCode) != 200 {
			m.abortByTimeout()
			return false
		}
		m.acknowledge(req, res, reinvite)
		return true
	default:
		m.session.logger.Warn("session refresh rejected", "status", int(res.StatusCode))
		m.abortByTimeout()
		return false
	}
}

// acknowledge completes a re-INVITE refresh; UPDATE needs no ACK.
func (m *SessionTimerManager) acknowledge(req *sip.Request, res *sip.Response, reinvite bool) {
	if !reinvite {
		return
	}
	ack := newAckRequest(req, res)
	if err := m.session.cfg.Transactor.WriteRequest(ack); err != nil {
		m.session.logger.Warn("acking refresh failed", "error", err)
	}
}

func (m *SessionTimerManager) transact(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tctx, cancel := context.WithTimeout(ctx, m.session.cfg.TransportTimeout)
	defer cancel()
	tx, err := m.session.cfg.Transactor.TransactionRequest(tctx, req)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()
	return awaitFinalResponse(tctx, tx, m.session.cfg.TransportTimeout)
}

func (m *SessionTimerManager) abortByTimeout() {
	m.mu.Lock()
	capabilities := m.capabilities
	m.mu.Unlock()
	m.session.AbortSession(TerminationByTimeout)
	if capabilities != nil {
		capabilities.RequestCapabilities(m.session.RemoteContact())
	}
}

// ParseSessionExpires splits a Session-Expires header value into the
// period in seconds and the refresher parameter ("" when absent).
func ParseSessionExpires(value string) (secs int, refresher string) {
	parts := strings.Split(value, ";")
	secs, _ = strconv.Atoi(strings.TrimSpace(parts[0]))
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if v, ok := strings.CutPrefix(p, "refresher="); ok {
			refresher = strings.ToLower(strings.TrimSpace(v))
		}
	}
	return secs, refresher
}
