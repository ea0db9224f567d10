package im

import (
	"context"
	"log/slog"
	"sync"

	"github.com/arzzra/rcs_client/pkg/ims"
)

// CapabilityCache remembers the last capability exchange per contact and
// gates the dequeue tasks on it. It observes the capability service, so
// every completed OPTIONS exchange both refreshes the cache and triggers
// a queue flush for the contact that just came online.
type CapabilityCache struct {
	logger *slog.Logger

	mu   sync.Mutex
	caps map[string]ims.Capabilities

	msgTask *OneToOneChatMessageDequeueTask
	ftTask  *FileTransferDequeueTask
}

var (
	_ CapabilityGate         = (*CapabilityCache)(nil)
	_ ims.CapabilityObserver = (*CapabilityCache)(nil)
)

func NewCapabilityCache(logger *slog.Logger) *CapabilityCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &CapabilityCache{
		logger: logger.With("component", "capability_cache"),
		caps:   make(map[string]ims.Capabilities),
	}
}

// SetDequeueTasks installs the tasks fired when a contact turns capable.
// Called once during wiring, before the capability service starts
// reporting.
func (c *CapabilityCache) SetDequeueTasks(msg *OneToOneChatMessageDequeueTask, ft *FileTransferDequeueTask) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgTask = msg
	c.ftTask = ft
}

// HandleCapabilitiesUpdated stores the snapshot and flushes the contact's
// queues for each service it now supports. The capability service calls
// this from its own goroutine, so the scans run off the SIP path.
func (c *CapabilityCache) HandleCapabilitiesUpdated(caps ims.Capabilities) {
	c.mu.Lock()
	c.caps[caps.Contact] = caps
	msgTask, ftTask := c.msgTask, c.ftTask
	c.mu.Unlock()

	c.logger.Debug("capabilities refreshed", "contact", caps.Contact,
		"online", caps.Online, "im", caps.SupportsIM(), "ft", caps.SupportsFileTransferHTTP())

	if caps.SupportsIM() && msgTask != nil {
		msgTask.Run(context.Background(), caps.Contact)
	}
	if caps.SupportsFileTransferHTTP() && ftTask != nil {
		ftTask.Run(context.Background(), caps.Contact)
	}
}

// Lookup returns the cached snapshot for a contact.
func (c *CapabilityCache) Lookup(contact string) (ims.Capabilities, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	caps, ok := c.caps[contact]
	return caps, ok
}

func (c *CapabilityCache) IsImSessionSupported(contact string) bool {
	caps, ok := c.Lookup(contact)
	return ok && caps.SupportsIM()
}

func (c *CapabilityCache) IsFileTransferSupported(contact string) bool {
	caps, ok := c.Lookup(contact)
	return ok && caps.SupportsFileTransferHTTP()
}
