package notification

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsgate/opsgate/internal/alerting"
	"github.com/opsgate/opsgate/internal/logger"
)

// Filter narrows Notifications results. Zero values mean "any".
type Filter struct {
	Status    string
	Kind      string
	ChannelID string
	AlertID   string
	Limit     int
}

// Options configures a Dispatcher.
type Options struct {
	MaxAttempts     int           // retries after the initial attempt, default 3
	BackoffBase     time.Duration // default 30s
	Workers         int           // default 4
	SendTimeout     time.Duration // per-delivery timeout, default 10s
	DefaultChannels []string      // channel names used when an alert names none
	Retention       time.Duration // how long terminal notifications are kept, default 24h
}

func (o *Options) defaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 30 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
}

// Dispatcher owns the channel registry and the notification queue. The
// scheduler's dispatch task moves due notifications onto a worker pool;
// the tick thread itself never performs network I/O.
type Dispatcher struct {
	log   logger.Logger
	clock func() time.Time
	opts  Options
	bus   *alerting.Bus
	sinks map[string]Sink

	mu       sync.Mutex
	channels map[string]*Channel // by id
	queue    map[string]*Notification
	inflight map[string]struct{}

	jobs   chan string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. bus may be nil.
func NewDispatcher(log logger.Logger, bus *alerting.Bus, opts Options) *Dispatcher {
	opts.defaults()
	httpSink := NewHTTPSink(nil)
	shoutrrr := NewShoutrrrSink()
	return &Dispatcher{
		log:   log.With(logger.String("component", "dispatcher")),
		clock: time.Now,
		opts:  opts,
		bus:   bus,
		sinks: map[string]Sink{
			ChannelEmail:     shoutrrr,
			ChannelSlack:     shoutrrr,
			ChannelWebhook:   httpSink,
			ChannelSMS:       httpSink,
			ChannelPagerDuty: httpSink,
		},
		channels: make(map[string]*Channel),
		queue:    make(map[string]*Notification),
		inflight: make(map[string]struct{}),
		jobs:     make(chan string, 256),
	}
}

// SetClock overrides the dispatcher clock. Test use only.
func (d *Dispatcher) SetClock(clock func() time.Time) { d.clock = clock }

// SetSink replaces the sink for a channel type. Test use only.
func (d *Dispatcher) SetSink(channelType string, sink Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks[channelType] = sink
}

// --- channel registry ---

// AddChannel validates and registers a channel.
func (d *Dispatcher) AddChannel(channel *Channel) (*Channel, error) {
	if err := channel.Validate(); err != nil {
		return nil, err
	}
	if channel.ID == "" {
		channel.ID = uuid.New().String()
	}
	d.mu.Lock()
	d.channels[channel.ID] = channel
	d.mu.Unlock()

	d.publish(alerting.EventChannelAdded, channel.ID, map[string]any{"name": channel.Name, "type": channel.Type})
	return cloneChannel(channel), nil
}

// UpdateChannel replaces an existing channel's configuration.
func (d *Dispatcher) UpdateChannel(id string, channel *Channel) (*Channel, error) {
	if err := channel.Validate(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	if _, ok := d.channels[id]; !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	channel.ID = id
	d.channels[id] = channel
	d.mu.Unlock()

	d.publish(alerting.EventChannelUpdated, id, map[string]any{"name": channel.Name})
	return cloneChannel(channel), nil
}

// RemoveChannel deletes a channel. Pending notifications for it fail on
// their next attempt.
func (d *Dispatcher) RemoveChannel(id string) error {
	d.mu.Lock()
	_, ok := d.channels[id]
	if ok {
		delete(d.channels, id)
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	d.publish(alerting.EventChannelRemoved, id, nil)
	return nil
}

// GetChannel returns a copy of the channel with the given id.
func (d *Dispatcher) GetChannel(id string) (*Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	channel, ok := d.channels[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	return cloneChannel(channel), nil
}

// Channels returns all channels sorted by name.
func (d *Dispatcher) Channels() []*Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Channel, 0, len(d.channels))
	for _, c := range d.channels {
		out = append(out, cloneChannel(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func cloneChannel(c *Channel) *Channel {
	copy := *c
	return &copy
}

// resolve maps channel names (or ids) to enabled channels, falling back
// to the configured defaults when names is empty.
func (d *Dispatcher) resolve(names []string) []*Channel {
	if len(names) == 0 {
		names = d.opts.DefaultChannels
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Channel
	for _, name := range names {
		for _, c := range d.channels {
			if (c.ID == name || c.Name == name) && c.Enabled {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// --- enqueueing ---

// NotifyAlert queues one notification per resolved channel for an alert
// that passed deduplication and suppression.
func (d *Dispatcher) NotifyAlert(alert *alerting.Alert) {
	channels := d.resolve(alert.Channels)
	if len(channels) == 0 {
		d.log.Debug("alert has no deliverable channels",
			logger.String("alert_id", alert.ID))
		return
	}
	payload := AlertPayload(alert)
	for _, channel := range channels {
		if !channel.Accepts(alert.Severity) {
			continue
		}
		subject, body := FormatAlert(channel.Type, alert)
		d.enqueue(&Notification{
			Kind:      KindAlert,
			ChannelID: channel.ID,
			AlertID:   alert.ID,
			Subject:   subject,
			Body:      body,
			Severity:  alert.Severity,
			Payload:   payload,
		})
	}
}

// NotifyEscalation queues escalation pages on the level's channels, or
// the alert's own channels when the level names none.
func (d *Dispatcher) NotifyEscalation(alert *alerting.Alert, policy *alerting.EscalationPolicy, level alerting.EscalationLevel) {
	names := level.Channels
	if len(names) == 0 {
		names = alert.Channels
	}
	payload := AlertPayload(alert)
	payload["escalation_level"] = level.Level
	for _, channel := range d.resolve(names) {
		subject, body := FormatEscalation(channel.Type, alert, policy, level)
		d.enqueue(&Notification{
			Kind:      KindEscalation,
			ChannelID: channel.ID,
			AlertID:   alert.ID,
			Subject:   subject,
			Body:      body,
			Severity:  alert.Severity,
			Payload:   payload,
		})
	}
}

// NotifyIncident queues an incident communication (creation, assignment,
// escalation, resolution) on the named channels.
func (d *Dispatcher) NotifyIncident(incidentID, severity, subject, body string, channels []string) {
	for _, channel := range d.resolve(channels) {
		if !channel.Accepts(severity) {
			continue
		}
		d.enqueue(&Notification{
			Kind:       KindIncident,
			ChannelID:  channel.ID,
			IncidentID: incidentID,
			Subject:    subject,
			Body:       body,
			Severity:   severity,
		})
	}
}

func (d *Dispatcher) enqueue(n *Notification) {
	now := d.clock()
	n.ID = uuid.New().String()
	n.Status = StatusPending
	n.MaxAttempts = d.opts.MaxAttempts
	n.NextAttempt = now
	n.CreatedAt = now

	d.mu.Lock()
	d.queue[n.ID] = n
	d.mu.Unlock()

	d.publish(alerting.EventNotificationQueued, n.ID, map[string]any{
		"kind":    n.Kind,
		"channel": n.ChannelID,
	})
}

// Notifications returns queued and historical notifications matching the
// filter, newest first.
func (d *Dispatcher) Notifications(filter Filter) []*Notification {
	d.mu.Lock()
	out := make([]*Notification, 0, len(d.queue))
	for _, n := range d.queue {
		if filter.Status != "" && n.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && n.Kind != filter.Kind {
			continue
		}
		if filter.ChannelID != "" && n.ChannelID != filter.ChannelID {
			continue
		}
		if filter.AlertID != "" && n.AlertID != filter.AlertID {
			continue
		}
		out = append(out, n.Clone())
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// --- delivery ---

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Stop shuts the worker pool down and waits for in-flight sends.
func (d *Dispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
}

// Tick hands every due pending notification to the worker pool. A
// notification already in flight is never handed out twice.
func (d *Dispatcher) Tick(ctx context.Context) error {
	now := d.clock()
	var due []string

	d.mu.Lock()
	for id, n := range d.queue {
		if n.Status != StatusPending {
			continue
		}
		if n.NextAttempt.After(now) {
			continue
		}
		if _, busy := d.inflight[id]; busy {
			continue
		}
		d.inflight[id] = struct{}{}
		due = append(due, id)
	}
	// Prune terminal notifications past retention while we hold the lock.
	for id, n := range d.queue {
		if n.Terminal() && now.Sub(n.CreatedAt) > d.opts.Retention {
			delete(d.queue, id)
		}
	}
	d.mu.Unlock()

	for _, id := range due {
		select {
		case d.jobs <- id:
		case <-ctx.Done():
			d.unmark(id)
			return ctx.Err()
		default:
			// Worker backlog is full; retry on the next tick.
			d.unmark(id)
		}
	}
	return nil
}

func (d *Dispatcher) unmark(id string) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.jobs:
			d.deliver(ctx, id)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, id string) {
	defer d.unmark(id)

	d.mu.Lock()
	n, ok := d.queue[id]
	if !ok || n.Status != StatusPending {
		d.mu.Unlock()
		return
	}
	work := n.Clone()
	channel, haveChannel := d.channels[n.ChannelID]
	var sink Sink
	if haveChannel {
		sink = d.sinks[channel.Type]
	}
	d.mu.Unlock()

	var err error
	switch {
	case !haveChannel:
		err = fmt.Errorf("%w: %s", ErrChannelNotFound, work.ChannelID)
	case sink == nil:
		err = fmt.Errorf("no sink for channel type %q", channel.Type)
	default:
		sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
		err = sink.Send(sendCtx, channel, work)
		cancel()
	}

	if err == nil {
		d.markSent(id)
		return
	}
	// A channel we cannot route is a permanent failure; retrying cannot help.
	permanent := !haveChannel || sink == nil
	d.markFailed(id, err, permanent)
}

func (d *Dispatcher) markSent(id string) {
	now := d.clock()
	d.mu.Lock()
	if n, ok := d.queue[id]; ok {
		n.Status = StatusSent
		n.SentAt = &now
		n.LastError = ""
	}
	d.mu.Unlock()
	d.publish(alerting.EventNotificationSent, id, nil)
}

func (d *Dispatcher) markFailed(id string, sendErr error, permanent bool) {
	now := d.clock()
	var terminal bool
	var attempt int

	d.mu.Lock()
	n, ok := d.queue[id]
	if ok {
		n.Attempt++
		n.LastError = sendErr.Error()
		attempt = n.Attempt
		if permanent || n.Attempt > n.MaxAttempts {
			n.Status = StatusFailed
			terminal = true
		} else {
			n.NextAttempt = now.Add(d.opts.BackoffBase * (1 << n.Attempt))
		}
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	if terminal {
		d.log.Error("notification delivery failed permanently",
			logger.String("notification_id", id),
			logger.Int("attempts", attempt),
			logger.Error(sendErr))
		d.publish(alerting.EventNotificationFailed, id, map[string]any{"error": sendErr.Error()})
		return
	}
	d.log.Warn("notification delivery failed, will retry",
		logger.String("notification_id", id),
		logger.Int("attempt", attempt),
		logger.Error(sendErr))
}

func (d *Dispatcher) publish(eventType, id string, data map[string]any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventType, "notification", id, data)
}
