package ims

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// Capabilities is the service set a contact advertised in an OPTIONS
// exchange.
type Capabilities struct {
	Contact     string
	Tags        FeatureTagSet
	Online      bool
	LastRefresh time.Time
}

// SupportsIM reports whether the contact can receive chat sessions.
func (c Capabilities) SupportsIM() bool {
	return c.Online && c.Tags.Contains(FeatureTagOMAIM)
}

// SupportsFileTransferHTTP reports whether the contact accepts FT over
// HTTP invitations.
func (c Capabilities) SupportsFileTransferHTTP() bool {
	return c.Online && c.Tags.Contains(FeatureTagFileTransferHTTP)
}

// CapabilityObserver is told when a capability exchange completes.
type CapabilityObserver interface {
	HandleCapabilitiesUpdated(caps Capabilities)
}

// CapabilityService answers inbound OPTIONS with the local feature tags
// and probes remote contacts with outbound OPTIONS. It satisfies the
// refresh hook the session timer fires after a timeout abort.
type CapabilityService struct {
	tr        Transactor
	localURI  string
	localTags FeatureTagSet
	timeout   time.Duration
	logger    *slog.Logger

	observer CapabilityObserver
}

func NewCapabilityService(tr Transactor, localURI string, tags FeatureTagSet, logger *slog.Logger) *CapabilityService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CapabilityService{
		tr:        tr,
		localURI:  localURI,
		localTags: tags,
		timeout:   30 * time.Second,
		logger:    logger.With("component", "capability"),
	}
}

func (c *CapabilityService) SetObserver(o CapabilityObserver) { c.observer = o }

// HandleOptions answers a capability query with a 200 carrying the local
// feature tags on Contact.
func (c *CapabilityService) HandleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	contact := "<" + c.localURI + ">"
	for _, tag := range c.localTags.List() {
		contact += ";" + tag
	}
	res.AppendHeader(sip.NewHeader("Contact", contact))
	if err := tx.Respond(res); err != nil {
		c.logger.Warn("answering OPTIONS failed", "error", err)
	}
}

// RequestCapabilities probes a contact with an outbound OPTIONS. Runs in
// its own goroutine so callers (the session timer among them) never
// block on the exchange.
func (c *CapabilityService) RequestCapabilities(contact string) {
	go func() {
		caps, err := c.query(contact)
		if err != nil {
			c.logger.Info("capability query failed", "contact", contact, "error", err)
			caps = Capabilities{Contact: contact, Online: false, LastRefresh: time.Now()}
		}
		if c.observer != nil {
			c.observer.HandleCapabilitiesUpdated(caps)
		}
	}()
}

func (c *CapabilityService) query(contact string) (Capabilities, error) {
	uri := sip.Uri{}
	if err := sip.ParseUri(contact, &uri); err != nil {
		return Capabilities{}, NewServiceError(ErrUnexpected, ErrorCategorySystem, "bad contact uri").WithCause(err)
	}
	var local sip.Uri
	if err := sip.ParseUri(c.localURI, &local); err != nil {
		return Capabilities{}, NewServiceError(ErrUnexpected, ErrorCategorySystem, "bad local uri").WithCause(err)
	}
	req := sip.NewRequest(sip.OPTIONS, uri)
	from := &sip.FromHeader{Address: local, Params: sip.NewParams()}
	from.Params.Add("tag", generateTag())
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: uri, Params: sip.NewParams()})
	callID := sip.CallIDHeader(uuid.NewString())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.OPTIONS})
	req.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	localContact := "<" + c.localURI + ">"
	for _, tag := range c.localTags.List() {
		localContact += ";" + tag
	}
	req.AppendHeader(sip.NewHeader("Contact", localContact))

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	tx, err := c.tr.TransactionRequest(ctx, req)
	if err != nil {
		return Capabilities{}, NewServiceError(ErrUnexpected, ErrorCategoryTransport, "sending OPTIONS failed").WithCause(err)
	}
	defer tx.Terminate()

	res, err := awaitFinalResponse(ctx, tx, c.timeout)
	if err != nil {
		return Capabilities{}, err
	}

	caps := Capabilities{Contact: contact, Tags: make(FeatureTagSet), LastRefresh: time.Now()}
	switch {
	case res.StatusCode == 200:
		caps.Online = true
		for _, h := range res.GetHeaders("Contact") {
			collectFeatureTags(caps.Tags, h.Value())
		}
	case res.StatusCode == 480 || res.StatusCode == 408:
		// Temporarily unavailable: known contact, currently offline.
		caps.Online = false
	default:
		caps.Online = false
	}
	c.logger.Debug("capability query done", "contact", contact,
		"status", int(res.StatusCode), "tags", strings.Join(caps.Tags.List(), ","))
	return caps, nil
}
