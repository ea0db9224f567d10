package ims

// TerminationReason records who or what ended a session.
type TerminationReason int

const (
	TerminationBySystem TerminationReason = iota
	TerminationByUser
	TerminationByTimeout
)

func (r TerminationReason) String() string {
	switch r {
	case TerminationByUser:
		return "user"
	case TerminationByTimeout:
		return "timeout"
	default:
		return "system"
	}
}

// InvitationStatus is the answer state of a session invitation. It
// transitions exactly once away from InvitationNotAnswered.
type InvitationStatus int

const (
	InvitationNotAnswered InvitationStatus = iota
	InvitationAccepted
	InvitationRejected
	InvitationCanceled
)

func (s InvitationStatus) String() string {
	switch s {
	case InvitationAccepted:
		return "accepted"
	case InvitationRejected:
		return "rejected"
	case InvitationCanceled:
		return "canceled"
	default:
		return "not-answered"
	}
}

// SessionListener receives session lifecycle events. The persistence/UI
// layer subscribes through this interface; the core never depends on it in
// the other direction. Every terminal session outcome produces exactly one
// terminal callback.
type SessionListener interface {
	HandleSessionStarted()
	HandleSessionAborted(reason TerminationReason)
	HandleSessionTerminatedByRemote()
	HandleSessionRejectedByUser()
	HandleSessionRejectedByTimeout()
	HandleSessionRejectedByRemote(statusCode int)
	HandleError(err *ServiceError)
}

// SessionListenerBase is a no-op implementation; embed it to subscribe to
// a subset of events.
type SessionListenerBase struct{}

func (SessionListenerBase) HandleSessionStarted()                      {}
func (SessionListenerBase) HandleSessionAborted(TerminationReason)     {}
func (SessionListenerBase) HandleSessionTerminatedByRemote()           {}
func (SessionListenerBase) HandleSessionRejectedByUser()               {}
func (SessionListenerBase) HandleSessionRejectedByTimeout()            {}
func (SessionListenerBase) HandleSessionRejectedByRemote(int)          {}
func (SessionListenerBase) HandleError(*ServiceError)                  {}
