package ims

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/pion/sdp/v3"
)

// InviteTarget identifies the service an inbound INVITE is routed to.
type InviteTarget int

const (
	TargetImageShare InviteTarget = iota
	TargetFileTransferMSRP
	TargetHTTPFileTransfer
	TargetStoreAndForward
	TargetGroupChat
	TargetOneToOneChat
	TargetVideoShare
	TargetGeolocShare
	TargetIPCall
	TargetGenericSIP
)

func (t InviteTarget) String() string {
	switch t {
	case TargetImageShare:
		return "image-share"
	case TargetFileTransferMSRP:
		return "file-transfer-msrp"
	case TargetHTTPFileTransfer:
		return "file-transfer-http"
	case TargetStoreAndForward:
		return "store-and-forward"
	case TargetGroupChat:
		return "group-chat"
	case TargetOneToOneChat:
		return "one-to-one-chat"
	case TargetVideoShare:
		return "video-share"
	case TargetGeolocShare:
		return "geoloc-share"
	case TargetIPCall:
		return "ip-call"
	default:
		return "generic-sip"
	}
}

// InviteHandler receives dialog-creating INVITEs for a routing target.
type InviteHandler interface {
	HandleInvite(req *sip.Request, tx sip.ServerTransaction, target InviteTarget)
}

// OptionsHandler answers capability queries (OPTIONS).
type OptionsHandler interface {
	HandleOptions(req *sip.Request, tx sip.ServerTransaction)
}

// MessageHandler consumes pager-mode MESSAGE payloads the dispatcher
// recognizes.
type MessageHandler interface {
	// HandleDeliveryReport processes an IMDN delivery/display report.
	HandleDeliveryReport(req *sip.Request) error
	// HandleUserConfirmation processes an end-user confirmation request.
	HandleUserConfirmation(req *sip.Request) error
}

// NotifyHandler consumes NOTIFY requests for one Event package.
type NotifyHandler interface {
	HandleNotify(req *sip.Request)
}

// Content types the MESSAGE router recognizes.
const (
	ContentTypeIMDN             = "message/imdn+xml"
	ContentTypeUserConfirmation = "application/end-user-confirmation-request+xml"
	ContentTypeCPIM             = "message/cpim"
	ContentTypeFTHTTPInfo       = "application/vnd.gsma.rcs-ft-http+xml"
)

// DispatcherConfig identifies this device on the network and bounds the
// inbound FIFO.
type DispatcherConfig struct {
	// LocalAddrs are the host[:port] values a Request-URI may carry to be
	// accepted, including the NAT-discovered public address.
	LocalAddrs []string
	// InstanceID is this device's +sip.instance value; requests pinned to
	// another instance are answered 486.
	InstanceID string
	// PublicGRUU is this device's public GRUU, matched against the
	// Request-URI gr parameter.
	PublicGRUU string
	// StoreForwardURI marks store-and-forward INVITEs when present in
	// P-Asserted-Identity.
	StoreForwardURI string
	// QueueCapacity bounds the FIFO; 0 means the 128 default.
	QueueCapacity int

	Logger  *slog.Logger
	Metrics *Metrics
}

type inboundRequest struct {
	req *sip.Request
	tx  sip.ServerTransaction
}

// Dispatcher drains a FIFO of inbound SIP requests on a single consumer
// goroutine and routes each to the right service or session. One bad
// request never kills the loop: every dispatch is isolated with a recover.
type Dispatcher struct {
	cfg      DispatcherConfig
	registry *ServiceRegistry
	logger   *slog.Logger

	mu             sync.RWMutex
	inviteHandlers map[InviteTarget]InviteHandler
	options        OptionsHandler
	messages       MessageHandler
	notify         map[string]NotifyHandler

	queue     chan inboundRequest
	closeOnce sync.Once
	done      chan struct{}
}

func NewDispatcher(cfg DispatcherConfig, registry *ServiceRegistry) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 128
	}
	return &Dispatcher{
		cfg:            cfg,
		registry:       registry,
		logger:         cfg.Logger.With("component", "dispatcher"),
		inviteHandlers: make(map[InviteTarget]InviteHandler),
		notify:         make(map[string]NotifyHandler),
		queue:          make(chan inboundRequest, capacity),
		done:           make(chan struct{}),
	}
}

// RegisterInviteHandler binds a routing target to its service.
func (d *Dispatcher) RegisterInviteHandler(target InviteTarget, h InviteHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inviteHandlers[target] = h
}

// RegisterOptionsHandler binds the capability service.
func (d *Dispatcher) RegisterOptionsHandler(h OptionsHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.options = h
}

// RegisterMessageHandler binds the pager-mode MESSAGE consumer.
func (d *Dispatcher) RegisterMessageHandler(h MessageHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = h
}

// RegisterNotifyHandler binds a NOTIFY Event package (presence,
// conference…) to its watcher.
func (d *Dispatcher) RegisterNotifyHandler(event string, h NotifyHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notify[strings.ToLower(event)] = h
}

// Start launches the consumer goroutine.
func (d *Dispatcher) Start() {
	go d.consume()
}

// Close terminates the FIFO; the consumer drains what is queued and
// exits. Safe to call repeatedly.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.queue) })
	<-d.done
}

// PostSipRequest enqueues an inbound request. This is the only
// producer-side API and never blocks: when the FIFO is full the request
// is answered 503 and dropped.
func (d *Dispatcher) PostSipRequest(req *sip.Request, tx sip.ServerTransaction) {
	defer func() {
		if r := recover(); r != nil {
			// Posting to a closed FIFO during shutdown.
			d.logger.Debug("request dropped, dispatcher closed", "method", string(req.Method))
		}
	}()
	select {
	case d.queue <- inboundRequest{req: req, tx: tx}:
		d.cfg.Metrics.queueDepth(len(d.queue))
	default:
		d.logger.Warn("dispatch queue full, rejecting request", "method", string(req.Method))
		_ = respond(tx, req, 503, "Service Unavailable")
	}
}

func (d *Dispatcher) consume() {
	defer close(d.done)
	for item := range d.queue {
		d.cfg.Metrics.queueDepth(len(d.queue))
		d.dispatchSafe(item.req, item.tx)
	}
}

// dispatchSafe isolates one request: a panic is logged, never propagated.
func (d *Dispatcher) dispatchSafe(req *sip.Request, tx sip.ServerTransaction) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch panic", "method", string(req.Method), "panic", r)
			d.cfg.Metrics.dispatched(string(req.Method), "panic")
		}
	}()
	d.dispatch(req, tx)
}

func (d *Dispatcher) dispatch(req *sip.Request, tx sip.ServerTransaction) {
	method := string(req.Method)
	logger := d.logger.With("method", method, "call_id", callIDOf(req))
	logger.Debug("dispatching request")

	// 1. The Request-URI must point at us.
	if !d.matchesLocalAddress(req) {
		logger.Info("request-URI does not match local address", "uri", req.Recipient.String())
		_ = respond(tx, req, 404, reasonPhrase(404))
		d.cfg.Metrics.dispatched(method, "not_local")
		return
	}

	// 2. A request pinned to another device instance is refused early to
	// avoid multidevice conflicts.
	if !d.matchesInstance(req) {
		logger.Info("request targets another device instance")
		_ = respond(tx, req, 486, reasonPhrase(486))
		d.cfg.Metrics.dispatched(method, "wrong_instance")
		return
	}

	switch req.Method {
	case sip.OPTIONS:
		d.routeOptions(req, tx, logger)
	case sip.INVITE:
		d.routeInvite(req, tx, logger)
	case sip.MESSAGE:
		d.routeMessage(req, tx, logger)
	case sip.NOTIFY:
		d.routeNotify(req, tx, logger)
	case sip.BYE:
		if s, ok := d.registry.FindSessionByCallID(callIDOf(req)); ok {
			s.ReceiveBye(req)
		} else {
			logger.Info("BYE for unknown session")
		}
		// The SIP-level 200 is sent whether or not a session matched.
		_ = respond(tx, req, 200, reasonPhrase(200))
		d.cfg.Metrics.dispatched(method, "ok")
	case sip.CANCEL:
		if s, ok := d.registry.FindSessionByCallID(callIDOf(req)); ok {
			s.ReceiveCancel(req)
		} else {
			logger.Info("CANCEL for unknown session")
		}
		_ = respond(tx, req, 200, reasonPhrase(200))
		d.cfg.Metrics.dispatched(method, "ok")
	case sip.UPDATE:
		if s, ok := d.registry.FindSessionByCallID(callIDOf(req)); ok {
			s.ReceiveUpdate(req, tx)
		} else {
			_ = respond(tx, req, 481, "Call/Transaction Does Not Exist")
		}
		d.cfg.Metrics.dispatched(method, "ok")
	case sip.ACK:
		// In-dialog ACK completes a 2xx we sent; nothing to answer.
		logger.Debug("ACK received")
		d.cfg.Metrics.dispatched(method, "ok")
	default:
		logger.Info("unknown method")
		_ = respond(tx, req, 403, reasonPhrase(403))
		d.cfg.Metrics.dispatched(method, "unknown_method")
	}
}

func (d *Dispatcher) routeOptions(req *sip.Request, tx sip.ServerTransaction, logger *slog.Logger) {
	d.mu.RLock()
	h := d.options
	d.mu.RUnlock()
	if h == nil {
		_ = respond(tx, req, 200, reasonPhrase(200))
		d.cfg.Metrics.dispatched("OPTIONS", "unhandled")
		return
	}
	h.HandleOptions(req, tx)
	d.cfg.Metrics.dispatched("OPTIONS", "ok")
}

func (d *Dispatcher) routeInvite(req *sip.Request, tx sip.ServerTransaction, logger *slog.Logger) {
	// An INVITE for a known dialog is a re-INVITE for that session.
	if s, ok := d.registry.FindSessionByCallID(callIDOf(req)); ok {
		logger.Debug("re-INVITE for existing session", "session_id", s.ID())
		s.ReceiveReInvite(req, tx)
		d.cfg.Metrics.dispatched("INVITE", "reinvite")
		return
	}

	if len(req.Body()) == 0 {
		_ = respond(tx, req, 606, reasonPhrase(606))
		d.cfg.Metrics.dispatched("INVITE", "no_sdp")
		return
	}

	target, ok := d.classifyInvite(req)
	if !ok {
		logger.Info("INVITE matches no known service")
		_ = respond(tx, req, 403, reasonPhrase(403))
		d.cfg.Metrics.dispatched("INVITE", "unknown_service")
		return
	}

	d.mu.RLock()
	h := d.inviteHandlers[target]
	d.mu.RUnlock()
	if h == nil {
		logger.Info("service not supported", "target", target.String())
		_ = respond(tx, req, 603, reasonPhrase(603))
		d.cfg.Metrics.dispatched("INVITE", "unsupported")
		return
	}
	logger.Info("INVITE routed", "target", target.String())
	h.HandleInvite(req, tx, target)
	d.cfg.Metrics.dispatched("INVITE", target.String())
}

// classifyInvite picks exactly one target from SDP media and feature
// tags. The branch order is load-bearing: image share is checked before
// MSRP file transfer, which is checked before the generic IM branches, so
// a request satisfying several tag sets resolves to the first match.
func (d *Dispatcher) classifyInvite(req *sip.Request) (InviteTarget, bool) {
	tags := RequestFeatureTags(req)
	media := parseSDPMedia(req.Body())

	switch {
	case media.hasMSRP && hasIARI(tags, "gsma-is"):
		return TargetImageShare, true
	case media.hasMSRP && hasIARI(tags, "rcse.ft"):
		return TargetFileTransferMSRP, true
	case media.hasMSRP && tags.Contains(FeatureTagOMAIM):
		return d.classifyIMInvite(req, tags), true
	case media.has("video") && tags.Contains(FeatureTag3GPPVideoShare):
		return TargetVideoShare, true
	case media.hasMSRP && hasIARI(tags, "geopush"):
		return TargetGeolocShare, true
	case (media.has("audio") || media.has("video")) && tags.Contains(FeatureTagIPCall):
		return TargetIPCall, true
	case len(tags) > 0:
		// Tagged but not one of ours: hand to the generic SIP session
		// service when present.
		return TargetGenericSIP, true
	default:
		return 0, false
	}
}

// classifyIMInvite sub-routes an IM INVITE: FT-over-HTTP invitation,
// store-and-forward, group chat, then 1-1 chat.
func (d *Dispatcher) classifyIMInvite(req *sip.Request, tags FeatureTagSet) InviteTarget {
	body := string(req.Body())
	if hasIARI(tags, "fthttp") || strings.Contains(body, ContentTypeFTHTTPInfo) {
		return TargetHTTPFileTransfer
	}
	if d.cfg.StoreForwardURI != "" {
		if h := req.GetHeader("P-Asserted-Identity"); h != nil && strings.Contains(h.Value(), d.cfg.StoreForwardURI) {
			return TargetStoreAndForward
		}
	}
	if contact := req.GetHeader("Contact"); contact != nil && strings.Contains(contact.Value(), "isfocus") {
		return TargetGroupChat
	}
	return TargetOneToOneChat
}

func (d *Dispatcher) routeMessage(req *sip.Request, tx sip.ServerTransaction, logger *slog.Logger) {
	d.mu.RLock()
	h := d.messages
	d.mu.RUnlock()

	contentType := ""
	if ct := req.GetHeader("Content-Type"); ct != nil {
		contentType = strings.ToLower(strings.TrimSpace(ct.Value()))
	}
	switch {
	case h != nil && strings.HasPrefix(contentType, ContentTypeIMDN):
		if err := h.HandleDeliveryReport(req); err != nil {
			logger.Warn("delivery report handling failed", "error", err)
		}
		_ = respond(tx, req, 200, reasonPhrase(200))
		d.cfg.Metrics.dispatched("MESSAGE", "imdn")
	case h != nil && strings.HasPrefix(contentType, ContentTypeUserConfirmation):
		if err := h.HandleUserConfirmation(req); err != nil {
			logger.Warn("user confirmation handling failed", "error", err)
		}
		_ = respond(tx, req, 200, reasonPhrase(200))
		d.cfg.Metrics.dispatched("MESSAGE", "confirmation")
	default:
		_ = respond(tx, req, 403, reasonPhrase(403))
		d.cfg.Metrics.dispatched("MESSAGE", "forbidden")
	}
}

func (d *Dispatcher) routeNotify(req *sip.Request, tx sip.ServerTransaction, logger *slog.Logger) {
	// NOTIFY is always acknowledged before routing.
	_ = respond(tx, req, 200, reasonPhrase(200))

	event := ""
	if h := req.GetHeader("Event"); h != nil {
		event = strings.ToLower(strings.TrimSpace(strings.Split(h.Value(), ";")[0]))
	}
	d.mu.RLock()
	h := d.notify[event]
	d.mu.RUnlock()
	if h == nil {
		logger.Debug("NOTIFY with no watcher", "event", event)
		d.cfg.Metrics.dispatched("NOTIFY", "unwatched")
		return
	}
	h.HandleNotify(req)
	d.cfg.Metrics.dispatched("NOTIFY", "ok")
}

func (d *Dispatcher) matchesLocalAddress(req *sip.Request) bool {
	if len(d.cfg.LocalAddrs) == 0 {
		return true
	}
	host := req.Recipient.Host
	port := req.Recipient.Port
	if port == 0 {
		port = 5060
	}
	hostPort := host + ":" + strconv.Itoa(port)
	for _, addr := range d.cfg.LocalAddrs {
		if addr == host || addr == hostPort {
			return true
		}
	}
	return false
}

func (d *Dispatcher) matchesInstance(req *sip.Request) bool {
	if h := req.GetHeader("Accept-Contact"); h != nil {
		if inst := paramValue(h.Value(), "+sip.instance"); inst != "" && d.cfg.InstanceID != "" {
			if strings.Trim(inst, "\"<>") != strings.Trim(d.cfg.InstanceID, "\"<>") {
				return false
			}
		}
	}
	if d.cfg.PublicGRUU != "" {
		if gr := paramValue(req.Recipient.String(), "gr"); gr != "" {
			if !strings.Contains(d.cfg.PublicGRUU, gr) {
				return false
			}
		}
	}
	return true
}

// sdpMedia summarizes the media sections of an inbound SDP offer.
type sdpMedia struct {
	kinds   map[string]struct{}
	hasMSRP bool
}

func (m sdpMedia) has(kind string) bool {
	_, ok := m.kinds[kind]
	return ok
}

func parseSDPMedia(body []byte) sdpMedia {
	out := sdpMedia{kinds: make(map[string]struct{})}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return out
	}
	for _, md := range desc.MediaDescriptions {
		out.kinds[strings.ToLower(md.MediaName.Media)] = struct{}{}
		for _, proto := range md.MediaName.Protos {
			if strings.Contains(strings.ToUpper(proto), "MSRP") {
				out.hasMSRP = true
			}
		}
	}
	return out
}

// hasIARI reports whether any feature tag embeds the IARI fragment.
func hasIARI(tags FeatureTagSet, fragment string) bool {
	for t := range tags {
		if strings.Contains(t, fragment) {
			return true
		}
	}
	return false
}

func paramValue(value, name string) string {
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, name+"="); ok {
			return v
		}
	}
	return ""
}

func callIDOf(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}
