// Package notify surfaces operator events. Delivery is best effort: a full
// queue drops the event and a failing backend is only logged.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"naira-ramp/internal/clock"
	"naira-ramp/internal/metrics"
)

// Type tags an event.
type Type string

const (
	OnRampAwaitingApproval  Type = "onramp_awaiting_approval"
	OffRampAwaitingApproval Type = "offramp_awaiting_approval"
	LatePayment             Type = "late_payment"
	ChainUnresolved         Type = "chain_unresolved"
	PayoutFailed            Type = "payout_failed"
	PayoutPending           Type = "payout_pending"
	FundingShortfall        Type = "funding_shortfall"
	ReconMismatch           Type = "recon_mismatch"
	ReconOverdue            Type = "recon_overdue"
)

// Event is an ephemeral operator notification. It is never consulted for
// settlement decisions.
type Event struct {
	ID            string    `json:"id"`
	Type          Type      `json:"type"`
	CorrelationID string    `json:"correlation_id"`
	Message       string    `json:"message"`
	CreatedAt     time.Time `json:"created_at"`
	Read          bool      `json:"read"`
}

// Sink accepts events without blocking or failing the caller.
type Sink interface {
	Notify(e Event)
}

// Backend delivers events to an external channel.
type Backend interface {
	Name() string
	Deliver(ctx context.Context, e Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Notify(Event) {}

// Dispatcher records events in the inbox and fans them out to backends from
// a single background goroutine.
type Dispatcher struct {
	queue    chan Event
	inbox    *Inbox
	backends []Backend
	clock    clock.Clock
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// DispatcherConfig tunes a Dispatcher.
type DispatcherConfig struct {
	QueueSize       int
	DeliveryTimeout time.Duration
	Clock           clock.Clock
	Metrics         *metrics.Metrics
}

// NewDispatcher returns a dispatcher. Run must be started for backends to
// receive anything; the inbox is updated synchronously.
func NewDispatcher(cfg DispatcherConfig, inbox *Inbox, logger *slog.Logger, backends ...Backend) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Dispatcher{
		queue:    make(chan Event, cfg.QueueSize),
		inbox:    inbox,
		backends: backends,
		clock:    cfg.Clock,
		timeout:  cfg.DeliveryTimeout,
		logger:   logger.With("component", "notify"),
		metrics:  cfg.Metrics,
	}
}

// Notify stamps and enqueues e.
func (d *Dispatcher) Notify(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = d.clock.Now().UTC()
	}
	if d.inbox != nil {
		d.inbox.Notify(e)
	}
	if len(d.backends) == 0 {
		return
	}
	select {
	case d.queue <- e:
	default:
		d.metrics.NotificationDropped()
		d.logger.Warn("notification dropped", "type", e.Type, "correlation_id", e.CorrelationID)
	}
}

// Run delivers queued events until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-d.queue:
			d.deliver(ctx, e)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, e Event) {
	for _, b := range d.backends {
		dctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := b.Deliver(dctx, e)
		cancel()
		if err != nil {
			d.metrics.Notification(b.Name(), "error")
			d.logger.Warn("deliver notification", "backend", b.Name(), "type", e.Type, "error", err)
			continue
		}
		d.metrics.Notification(b.Name(), "ok")
	}
}

// Inbox keeps the most recent events for the admin API.
type Inbox struct {
	mu     sync.Mutex
	limit  int
	events []Event
}

// NewInbox returns an inbox holding at most limit events.
func NewInbox(limit int) *Inbox {
	if limit <= 0 {
		limit = 500
	}
	return &Inbox{limit: limit}
}

// Notify appends e, evicting the oldest event when full.
func (i *Inbox) Notify(e Event) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	i.events = append(i.events, e)
	if over := len(i.events) - i.limit; over > 0 {
		i.events = append(i.events[:0:0], i.events[over:]...)
	}
}

// List returns events newest first.
func (i *Inbox) List(unreadOnly bool, limit int) []Event {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]Event, 0, len(i.events))
	for idx := len(i.events) - 1; idx >= 0; idx-- {
		e := i.events[idx]
		if unreadOnly && e.Read {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// MarkRead flags an event as read. It reports whether the event exists.
func (i *Inbox) MarkRead(id string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx := range i.events {
		if i.events[idx].ID == id {
			i.events[idx].Read = true
			return true
		}
	}
	return false
}

// Count returns the number of events of type t.
func (i *Inbox) Count(t Type) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := 0
	for _, e := range i.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// LogBackend writes events to the service log.
type LogBackend struct {
	logger *slog.Logger
}

// NewLogBackend returns a backend logging through logger.
func NewLogBackend(logger *slog.Logger) *LogBackend {
	return &LogBackend{logger: logger.With("component", "notify_log")}
}

func (b *LogBackend) Name() string { return "log" }

func (b *LogBackend) Deliver(_ context.Context, e Event) error {
	b.logger.Info("notification", "type", e.Type, "correlation_id", e.CorrelationID, "message", e.Message)
	return nil
}
