package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// outboxCapacity bounds the number of events held while disconnected.
	// When full, the oldest entry is dropped.
	outboxCapacity = 1000

	// maxReconnectWait caps the exponential reconnect backoff.
	maxReconnectWait = 2 * time.Second

	// defaultSubscriptionBuffer is the per-subscription channel depth.
	defaultSubscriptionBuffer = 256
)

// Client is the bus client used by every component that publishes or
// consumes pipeline events. Delivery is at-least-once to connected
// subscribers; events published while disconnected are queued in a bounded
// FIFO outbox and flushed in order once the connection recovers.
type Client struct {
	nc     *nats.Conn
	logger *slog.Logger

	outboxMu sync.Mutex
	outbox   []outboxEntry
	dropped  int64
}

type outboxEntry struct {
	subject string
	data    []byte
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	logger *slog.Logger
	name   string
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithName sets the NATS connection name (visible in server monitoring).
func WithName(name string) Option {
	return func(o *clientOptions) {
		o.name = name
	}
}

// Connect establishes a NATS connection with unlimited reconnects and an
// exponential backoff capped at 2s between attempts. The client's internal
// reconnect buffer is disabled so that the outbox is the single queueing
// layer during disconnects.
func Connect(url string, opts ...Option) (*Client, error) {
	options := clientOptions{
		logger: slog.Default(),
		name:   "prospector",
	}
	for _, opt := range opts {
		opt(&options)
	}

	c := &Client{logger: options.logger}

	nc, err := nats.Connect(url,
		nats.Name(options.name),
		nats.MaxReconnects(-1),
		nats.ReconnectBufSize(-1), // publishes fail while down; the outbox takes over
		nats.CustomReconnectDelay(reconnectDelay),
		nats.ReconnectHandler(func(*nats.Conn) {
			c.logger.Info("Bus reconnected, flushing outbox")
			c.flushOutbox()
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("Bus disconnected", "error", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to bus at %s: %w", url, err)
	}
	c.nc = nc

	return c, nil
}

// reconnectDelay implements exponential backoff capped at maxReconnectWait.
func reconnectDelay(attempts int) time.Duration {
	delay := 100 * time.Millisecond
	for i := 0; i < attempts && delay < maxReconnectWait; i++ {
		delay *= 2
	}
	if delay > maxReconnectWait {
		delay = maxReconnectWait
	}
	return delay
}

// Ready reports whether the underlying connection is usable.
func (c *Client) Ready() bool {
	return c.nc != nil && c.nc.Status() == nats.CONNECTED
}

// Publish sends an event on its type's subject. While disconnected the
// event is queued in the outbox instead; a full outbox drops the oldest
// entry and logs the loss.
func (c *Client) Publish(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := ev.Type.Subject()
	if !c.Ready() {
		c.enqueue(subject, data)
		return nil
	}

	if err := c.nc.Publish(subject, data); err != nil {
		// Connection dropped between the Ready check and the publish.
		c.enqueue(subject, data)
		c.logger.Debug("Publish failed, queued to outbox",
			"type", ev.Type,
			"error", err)
		return nil
	}

	return nil
}

// enqueue appends to the outbox, dropping the oldest entry when full.
func (c *Client) enqueue(subject string, data []byte) {
	c.outboxMu.Lock()
	defer c.outboxMu.Unlock()

	if len(c.outbox) >= outboxCapacity {
		dropped := c.outbox[0]
		c.outbox = c.outbox[1:]
		c.dropped++
		c.logger.Warn("Outbox full, dropping oldest event",
			"subject", dropped.subject,
			"total_dropped", c.dropped)
	}
	c.outbox = append(c.outbox, outboxEntry{subject: subject, data: data})
}

// flushOutbox publishes queued events in order. Entries that fail to send
// are put back at the front for the next reconnect.
func (c *Client) flushOutbox() {
	c.outboxMu.Lock()
	pending := c.outbox
	c.outbox = nil
	c.outboxMu.Unlock()

	for i, entry := range pending {
		if err := c.nc.Publish(entry.subject, entry.data); err != nil {
			c.logger.Warn("Outbox flush interrupted",
				"sent", i,
				"remaining", len(pending)-i,
				"error", err)
			c.outboxMu.Lock()
			c.outbox = append(pending[i:], c.outbox...)
			c.outboxMu.Unlock()
			return
		}
	}

	if len(pending) > 0 {
		c.logger.Info("Outbox flushed", "events", len(pending))
	}
}

// OutboxLen returns the number of events currently queued.
func (c *Client) OutboxLen() int {
	c.outboxMu.Lock()
	defer c.outboxMu.Unlock()
	return len(c.outbox)
}

// Subscription delivers decoded events for a set of event types.
type Subscription struct {
	subs   []*nats.Subscription
	events chan Event
	logger *slog.Logger

	closeOnce sync.Once
}

// Events returns the channel of decoded bus events.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Unsubscribe tears down the NATS subscriptions. The events channel is
// left open because in-flight handlers may still be delivering; consumers
// should stop on their own context rather than on channel close.
func (s *Subscription) Unsubscribe() {
	s.closeOnce.Do(func() {
		for _, sub := range s.subs {
			_ = sub.Unsubscribe()
		}
	})
}

// Subscribe consumes the given event types. An empty type list subscribes
// to every prospector event. Events that cannot be decoded are logged and
// skipped; a slow consumer loses events rather than blocking the bus.
func (c *Client) Subscribe(types ...EventType) (*Subscription, error) {
	sub := &Subscription{
		events: make(chan Event, defaultSubscriptionBuffer),
		logger: c.logger,
	}

	subjects := make([]string, 0, len(types))
	if len(types) == 0 {
		subjects = append(subjects, subjectPrefix+".>")
	} else {
		for _, t := range types {
			subjects = append(subjects, t.Subject())
		}
	}

	for _, subject := range subjects {
		ns, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
			var ev Event
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				c.logger.Warn("Dropping undecodable bus message",
					"subject", msg.Subject,
					"error", err)
				return
			}
			select {
			case sub.events <- ev:
			default:
				c.logger.Warn("Subscriber channel full, dropping event",
					"type", ev.Type,
					"project_id", ev.ProjectID)
			}
		})
		if err != nil {
			sub.Unsubscribe()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		sub.subs = append(sub.subs, ns)
	}

	return sub, nil
}

// Close drains the connection so in-flight messages are delivered before
// the connection is torn down.
func (c *Client) Close() {
	if c.nc == nil {
		return
	}
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
	}
}
