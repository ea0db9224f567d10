package im

import (
	"encoding/xml"
	"log/slog"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rcs_client/pkg/ims"
)

// ContentTypeConferenceInfo is the MIME type of a conference event body.
const ContentTypeConferenceInfo = "application/conference-info+xml"

// ConferenceEventWatcher applies conference NOTIFYs to the group chat
// roster: the focus reports joins and departures, the watcher updates
// the owning GroupChatSession's participant set.
type ConferenceEventWatcher struct {
	Chat   *ChatManager
	Logger *slog.Logger
}

var _ ims.NotifyHandler = (*ConferenceEventWatcher)(nil)

type xmlConferenceInfo struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:conference-info conference-info"`
	Users   struct {
		Users []xmlConferenceUser `xml:"user"`
	} `xml:"users"`
}

type xmlConferenceUser struct {
	Entity    string `xml:"entity,attr"`
	State     string `xml:"state,attr"`
	Endpoints []struct {
		Status string `xml:"status"`
	} `xml:"endpoint"`
}

func (w *ConferenceEventWatcher) HandleNotify(req *sip.Request) {
	logger := w.logger().With("call_id", callIDValue(req))

	g := w.Chat.GroupSessionByCallID(callIDValue(req))
	if g == nil {
		logger.Debug("conference notify matches no group session")
		return
	}
	var doc xmlConferenceInfo
	if err := xml.Unmarshal(req.Body(), &doc); err != nil {
		logger.Warn("bad conference info body", "error", err)
		return
	}

	for _, user := range doc.Users.Users {
		if user.Entity == "" {
			continue
		}
		if userDeparted(user) {
			logger.Info("participant left", "chat_id", g.ChatID(), "participant", user.Entity)
			g.RemoveParticipant(user.Entity)
			continue
		}
		logger.Info("participant joined", "chat_id", g.ChatID(), "participant", user.Entity)
		g.AddParticipant(user.Entity)
	}
}

// userDeparted reports whether the roster entry means the participant is
// gone: a deleted user element, or every endpoint in a terminal status.
func userDeparted(user xmlConferenceUser) bool {
	if strings.EqualFold(user.State, "deleted") {
		return true
	}
	if len(user.Endpoints) == 0 {
		return false
	}
	for _, ep := range user.Endpoints {
		switch strings.ToLower(strings.TrimSpace(ep.Status)) {
		case "disconnected", "departed", "booted", "failed":
		default:
			return false
		}
	}
	return true
}

func (w *ConferenceEventWatcher) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func callIDValue(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}
