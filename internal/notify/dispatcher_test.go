package notify_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emberwatch/internal/models"
	"emberwatch/internal/notify"
)

type staticDirectory struct {
	operators []models.Operator
	err       error
}

func (d staticDirectory) ActiveOperators(context.Context) ([]models.Operator, error) {
	return d.operators, d.err
}

type recordingMarker struct {
	mu     sync.Mutex
	marked map[int64]time.Time
	err    error
}

func (m *recordingMarker) MarkSent(_ context.Context, eventID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.marked == nil {
		m.marked = make(map[int64]time.Time)
	}
	m.marked[eventID] = at
	return nil
}

func (m *recordingMarker) get(eventID int64) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.marked[eventID]
	return at, ok
}

// scriptedChannel fails for the listed recipients and can block until released.
type scriptedChannel struct {
	mu      sync.Mutex
	fail    map[string]bool
	sent    []string
	release chan struct{}
}

func (c *scriptedChannel) Name() string { return "scripted" }

func (c *scriptedChannel) Send(ctx context.Context, to models.Operator, _ notify.Message) error {
	if c.release != nil {
		select {
		case <-c.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail[to.Email] {
		return errors.New("mailbox unavailable")
	}
	c.sent = append(c.sent, to.Email)
	return nil
}

func (c *scriptedChannel) sentTo() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func testAlert(eventID int64) notify.Alert {
	return notify.Alert{
		Event: models.AlertEvent{ID: eventID, RuleID: 3, ReadingID: 9, MeasuredValue: 5, Message: "max_threshold: value 5 above maximum threshold 4", CreatedAt: time.Now()},
		Rule:  models.AlertRule{ID: 3, SensorID: 7, Kind: models.RuleMaxThreshold, Severity: models.SeverityCritical, Notify: true, Active: true},
		Reading: models.Reading{
			ID: 9, NodeID: 1, SensorID: 7, SensorType: models.SensorTemperature, Value: 5,
		},
	}
}

func operators(emails ...string) []models.Operator {
	ops := make([]models.Operator, len(emails))
	for i, e := range emails {
		ops[i] = models.Operator{ID: int64(i + 1), Email: e, Active: true}
	}
	return ops
}

func TestDispatchFansOutAndMarksSent(t *testing.T) {
	ch := &scriptedChannel{fail: map[string]bool{"b@example.com": true}}
	marker := &recordingMarker{}
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	d := notify.NewDispatcher(notify.DispatcherConfig{
		Channel:   ch,
		Directory: staticDirectory{operators: operators("a@example.com", "b@example.com", "c@example.com")},
		Marker:    marker,
		Now:       func() time.Time { return fixed },
	})
	defer d.Close(context.Background())

	delivery := d.Dispatch(context.Background(), testAlert(11))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	outcomes, err := delivery.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	failed := 0
	for _, o := range outcomes {
		if !o.Sent() {
			failed++
			assert.Equal(t, "b@example.com", o.Recipient)
		}
	}
	assert.Equal(t, 1, failed)
	assert.ElementsMatch(t, []string{"a@example.com", "c@example.com"}, ch.sentTo())

	at, ok := marker.get(11)
	require.True(t, ok, "event is marked sent once every recipient was attempted")
	assert.Equal(t, fixed, at)
	assert.Equal(t, fixed, delivery.SentAt())

	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.Dispatched)
	assert.Equal(t, uint64(2), stats.Delivered)
	assert.Equal(t, uint64(1), stats.Failed)
}

func TestDispatchNoRecipients(t *testing.T) {
	marker := &recordingMarker{}
	d := notify.NewDispatcher(notify.DispatcherConfig{
		Channel:   &scriptedChannel{},
		Directory: staticDirectory{},
		Marker:    marker,
	})
	defer d.Close(context.Background())

	delivery := d.Dispatch(context.Background(), testAlert(12))
	outcomes, err := delivery.Wait(context.Background())

	assert.ErrorIs(t, err, notify.ErrNoRecipients)
	assert.Empty(t, outcomes)
	_, ok := marker.get(12)
	assert.False(t, ok, "event must stay unsent")
	assert.True(t, delivery.SentAt().IsZero())
}

func TestDispatchDirectoryFailure(t *testing.T) {
	marker := &recordingMarker{}
	d := notify.NewDispatcher(notify.DispatcherConfig{
		Directory: staticDirectory{err: errors.New("db down")},
		Marker:    marker,
	})
	defer d.Close(context.Background())

	_, err := d.Dispatch(context.Background(), testAlert(13)).Wait(context.Background())
	assert.Error(t, err)
	_, ok := marker.get(13)
	assert.False(t, ok)
}

func TestDispatchReturnsBeforeDelivery(t *testing.T) {
	ch := &scriptedChannel{release: make(chan struct{})}
	marker := &recordingMarker{}
	d := notify.NewDispatcher(notify.DispatcherConfig{
		Channel:   ch,
		Directory: staticDirectory{operators: operators("a@example.com")},
		Marker:    marker,
	})

	delivery := d.Dispatch(context.Background(), testAlert(14))

	select {
	case <-delivery.Done():
		t.Fatal("delivery finished while the channel was still blocked")
	default:
	}
	_, ok := marker.get(14)
	assert.False(t, ok)

	close(ch.release)
	_, err := delivery.Wait(context.Background())
	require.NoError(t, err)
	_, ok = marker.get(14)
	assert.True(t, ok)

	require.NoError(t, d.Close(context.Background()))
}

func TestCloseCancelsStuckSends(t *testing.T) {
	ch := &scriptedChannel{release: make(chan struct{})}
	marker := &recordingMarker{}
	d := notify.NewDispatcher(notify.DispatcherConfig{
		Channel:   ch,
		Directory: staticDirectory{operators: operators("a@example.com", "b@example.com")},
		Marker:    marker,
	})

	delivery := d.Dispatch(context.Background(), testAlert(15))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)

	// Close returned only after the fan-out finished.
	select {
	case <-delivery.Done():
	default:
		t.Fatal("fan-out leaked past Close")
	}
	outcomes, _ := delivery.Wait(context.Background())
	for _, o := range outcomes {
		assert.False(t, o.Sent())
	}

	_, err := d.Dispatch(context.Background(), testAlert(16)).Wait(context.Background())
	assert.ErrorIs(t, err, notify.ErrDispatcherClosed)
}

func TestDispatchMarkSentFailure(t *testing.T) {
	d := notify.NewDispatcher(notify.DispatcherConfig{
		Channel:   &scriptedChannel{},
		Directory: staticDirectory{operators: operators("a@example.com")},
		Marker:    &recordingMarker{err: errors.New("write failed")},
	})
	defer d.Close(context.Background())

	outcomes, err := d.Dispatch(context.Background(), testAlert(17)).Wait(context.Background())
	assert.Error(t, err)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Sent())
}
