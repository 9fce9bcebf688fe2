package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"emberwatch/internal/logger"
	"emberwatch/internal/metrics"
	"emberwatch/internal/models"
)

var (
	// ErrNoRecipients means there was nobody to notify. The event stays unsent.
	ErrNoRecipients     = errors.New("no active recipients")
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// Directory lists the operators that currently receive notifications.
type Directory interface {
	ActiveOperators(ctx context.Context) ([]models.Operator, error)
}

// SentMarker records that dispatch was attempted for an event.
type SentMarker interface {
	MarkSent(ctx context.Context, eventID int64, at time.Time) error
}

// Outcome is the delivery result for one recipient.
type Outcome struct {
	Recipient string
	Err       error
}

// Sent reports whether delivery to the recipient succeeded.
func (o Outcome) Sent() bool { return o.Err == nil }

// Delivery tracks one fan-out. It completes once every recipient was
// attempted and the event was marked sent.
type Delivery struct {
	EventID int64

	done     chan struct{}
	outcomes []Outcome
	sentAt   time.Time
	err      error
}

func finished(eventID int64, err error) *Delivery {
	d := &Delivery{EventID: eventID, done: make(chan struct{}), err: err}
	close(d.done)
	return d
}

// Done is closed when the delivery has finished.
func (d *Delivery) Done() <-chan struct{} { return d.done }

// Wait blocks until the delivery finishes or ctx ends. The error is
// ErrNoRecipients, a lookup or mark-sent failure, or ctx.Err(). Per-recipient
// failures are reported in the outcomes, not as an error.
func (d *Delivery) Wait(ctx context.Context) ([]Outcome, error) {
	select {
	case <-d.done:
		return d.outcomes, d.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SentAt returns when the event was marked sent; zero if it was not.
func (d *Delivery) SentAt() time.Time {
	select {
	case <-d.done:
		return d.sentAt
	default:
		return time.Time{}
	}
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Channel   Channel
	Directory Directory
	Marker    SentMarker
	// SendTimeout bounds each recipient attempt. Zero means 30s.
	SendTimeout time.Duration
	Now         func() time.Time
}

// Dispatcher fans an alert out to every active operator concurrently. Each
// fan-out is a task group sized to its recipient count, owned by the
// dispatcher so Close can join or cancel it.
type Dispatcher struct {
	channel     Channel
	directory   Directory
	marker      SentMarker
	sendTimeout time.Duration
	now         func() time.Time

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// Metrics
	dispatched atomic.Uint64
	delivered  atomic.Uint64
	failed     atomic.Uint64
	inFlight   atomic.Int64
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Channel == nil {
		cfg.Channel = LogChannel{}
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		channel:     cfg.Channel,
		directory:   cfg.Directory,
		marker:      cfg.Marker,
		sendTimeout: cfg.SendTimeout,
		now:         cfg.Now,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Dispatch looks up recipients and starts the fan-out in the background. It
// returns without waiting for delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, alert Alert) *Delivery {
	log := logger.WithComponent("dispatcher").With().
		Int64("event_id", alert.Event.ID).
		Int64("rule_id", alert.Rule.ID).
		Logger()

	recipients, err := d.directory.ActiveOperators(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to load recipients")
		metrics.StorageErrorsTotal.WithLabelValues("active_operators").Inc()
		return finished(alert.Event.ID, fmt.Errorf("load recipients: %w", err))
	}
	if len(recipients) == 0 {
		log.Warn().Msg("no active operators to notify, event stays unsent")
		return finished(alert.Event.ID, ErrNoRecipients)
	}

	msg, err := Render(alert)
	if err != nil {
		log.Error().Err(err).Msg("failed to render notification")
		return finished(alert.Event.ID, err)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return finished(alert.Event.ID, ErrDispatcherClosed)
	}
	d.wg.Add(1)
	d.mu.Unlock()

	delivery := &Delivery{EventID: alert.Event.ID, done: make(chan struct{})}
	d.dispatched.Add(1)

	go d.fanOut(delivery, recipients, msg)

	return delivery
}

func (d *Dispatcher) fanOut(delivery *Delivery, recipients []models.Operator, msg Message) {
	defer d.wg.Done()
	defer close(delivery.done)

	log := logger.WithComponent("dispatcher").With().Int64("event_id", delivery.EventID).Logger()

	d.inFlight.Add(1)
	metrics.DispatchInFlight.Inc()
	defer func() {
		d.inFlight.Add(-1)
		metrics.DispatchInFlight.Dec()
	}()

	outcomes := make([]Outcome, len(recipients))

	var g errgroup.Group
	g.SetLimit(len(recipients))

	for i, r := range recipients {
		i, r := i, r
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(d.ctx, d.sendTimeout)
			defer cancel()

			err := d.send(ctx, r, msg)
			outcomes[i] = Outcome{Recipient: r.Email, Err: err}

			if err != nil {
				d.failed.Add(1)
				metrics.DispatchOutcomesTotal.WithLabelValues(d.channel.Name(), "failed").Inc()
				log.Error().Err(err).Str("recipient", r.Email).Msg("notification delivery failed")
			} else {
				d.delivered.Add(1)
				metrics.DispatchOutcomesTotal.WithLabelValues(d.channel.Name(), "sent").Inc()
			}
			// Failures are isolated per recipient; never cancel siblings.
			return nil
		})
	}
	_ = g.Wait()

	delivery.outcomes = outcomes
	sentAt := d.now().UTC()

	if d.marker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := d.marker.MarkSent(ctx, delivery.EventID, sentAt)
		cancel()
		if err != nil {
			log.Error().Err(err).Msg("failed to mark event sent")
			metrics.StorageErrorsTotal.WithLabelValues("mark_sent").Inc()
			delivery.err = fmt.Errorf("mark sent: %w", err)
			return
		}
	}
	delivery.sentAt = sentAt

	log.Info().
		Int("recipients", len(recipients)).
		Str("channel", d.channel.Name()).
		Msg("notification dispatched")
}

func (d *Dispatcher) send(ctx context.Context, to models.Operator, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.WithLabelValues("dispatcher").Inc()
			err = fmt.Errorf("channel panic: %v", r)
		}
	}()
	return d.channel.Send(ctx, to, msg)
}

// Close stops accepting dispatches and waits for in-flight fan-outs. If ctx
// ends first the remaining sends are cancelled and Close still waits for them
// to return.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// Stats returns dispatcher statistics
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched: d.dispatched.Load(),
		Delivered:  d.delivered.Load(),
		Failed:     d.failed.Load(),
		InFlight:   d.inFlight.Load(),
	}
}

// Stats holds dispatcher counters
type Stats struct {
	Dispatched uint64 `json:"dispatched"`
	Delivered  uint64 `json:"delivered"`
	Failed     uint64 `json:"failed"`
	InFlight   int64  `json:"in_flight"`
}
