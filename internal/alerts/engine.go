package alerts

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"emberwatch/internal/classifier"
	"emberwatch/internal/logger"
	"emberwatch/internal/metrics"
	"emberwatch/internal/models"
	"emberwatch/internal/notify"
	"emberwatch/internal/rules"
	"emberwatch/internal/storage"
)

var (
	// ErrMissingAggregationData means the node has no reading yet for one of
	// the classifier inputs. Only the anomaly branch is skipped.
	ErrMissingAggregationData = errors.New("missing aggregation data")
	// ErrNoMatchingAnomalyRule means risk was detected but the node has no
	// active anomaly rule. No event is created.
	ErrNoMatchingAnomalyRule = errors.New("no matching anomaly rule")
)

// Gas input modes
const (
	GasInputSmoke = "smoke"
	GasInputRaw   = "raw"
)

// Event sources
const (
	SourceAnomaly   = "anomaly"
	SourceThreshold = "threshold"
)

// Store is the storage the engine reads and writes.
type Store interface {
	LatestReading(ctx context.Context, nodeID int64, t models.SensorType) (*models.Reading, error)
	ActiveRulesFor(ctx context.Context, sensorID, nodeID int64) ([]models.AlertRule, error)
	FindAnomalyRule(ctx context.Context, nodeID int64) (*models.AlertRule, error)
	InsertAlertEvent(ctx context.Context, e *models.AlertEvent) (int64, error)
}

// Assessor classifies node-level fire risk.
type Assessor interface {
	Assess(in classifier.Input) classifier.Assessment
}

// Admitter gates notifications per rule.
type Admitter interface {
	Admit(alertID int64) bool
}

// Dispatcher starts notification delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, alert notify.Alert) *notify.Delivery
}

// Config wires an Engine.
type Config struct {
	Store      Store
	Classifier Assessor
	Gate       Admitter
	Dispatcher Dispatcher
	// Envelopes receives every persisted event for the alert stream. Sends
	// never block; a full channel drops the envelope. Nil disables it.
	Envelopes chan<- *models.AlertEnvelope
	// GasInput says whether the latest gas_level value is a smoke level or a
	// raw ADC value.
	GasInput string
	Now      func() time.Time
}

// Engine evaluates each recorded reading against the fire-risk classifier
// and the threshold rules, persists every trigger and requests notification.
type Engine struct {
	store      Store
	classifier Assessor
	gate       Admitter
	dispatcher Dispatcher
	envelopes  chan<- *models.AlertEnvelope
	gasInput   string
	now        func() time.Time

	// Metrics
	evaluated  atomic.Uint64
	events     atomic.Uint64
	suppressed atomic.Uint64
	dispatched atomic.Uint64
	failures   atomic.Uint64
}

// New creates an engine.
func New(cfg Config) *Engine {
	if cfg.GasInput == "" {
		cfg.GasInput = GasInputSmoke
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Engine{
		store:      cfg.Store,
		classifier: cfg.Classifier,
		gate:       cfg.Gate,
		dispatcher: cfg.Dispatcher,
		envelopes:  cfg.Envelopes,
		gasInput:   cfg.GasInput,
		now:        cfg.Now,
	}
}

// Outcome summarizes one evaluation.
type Outcome struct {
	EvaluationID string
	// Assessment is nil when classification was skipped.
	Assessment *classifier.Assessment
	AnomalyErr error
	RuleErr    error
	Events     []*models.AlertEvent
	Deliveries []*notify.Delivery
	Suppressed int
}

// OnReadingRecorded is the ingestion hook. It never fails visibly: every
// error is logged and ingestion carries on.
func (e *Engine) OnReadingRecorded(ctx context.Context, r models.Reading) {
	_ = e.Evaluate(ctx, r)
}

// Evaluate runs both branches for r and reports what happened. The anomaly
// and threshold branches are isolated: an error or panic in one does not
// stop the other.
func (e *Engine) Evaluate(ctx context.Context, r models.Reading) *Outcome {
	start := time.Now()
	out := &Outcome{EvaluationID: uuid.New().String()}
	log := logger.WithEvaluation(out.EvaluationID, r.NodeID, r.SensorID).With().
		Int64("reading_id", r.ID).
		Logger()

	e.evaluated.Add(1)
	metrics.ReadingsEvaluatedTotal.Inc()
	defer func() {
		metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	}()

	log.Debug().
		Str("sensor_type", string(r.SensorType)).
		Float64("value", r.Value).
		Msg("reading received")

	if err := e.safely(log, "anomaly", func() error { return e.anomalyBranch(ctx, log, r, out) }); err != nil {
		out.AnomalyErr = err
	}
	if err := e.safely(log, "threshold", func() error { return e.ruleBranch(ctx, log, r, out) }); err != nil {
		out.RuleErr = err
	}

	return out
}

func (e *Engine) safely(log zerolog.Logger, branch string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("branch", branch).
				Msg("alert evaluation panic recovered")
			metrics.PanicsRecovered.WithLabelValues("alerts").Inc()
			e.failures.Add(1)
			err = fmt.Errorf("%s branch panic: %v", branch, rec)
		}
	}()
	return fn()
}

// anomalyBranch: AGGREGATED -> CLASSIFIED -> anomaly event.
func (e *Engine) anomalyBranch(ctx context.Context, log zerolog.Logger, r models.Reading, out *Outcome) error {
	in, err := e.aggregate(ctx, r.NodeID)
	if err != nil {
		if errors.Is(err, ErrMissingAggregationData) {
			log.Debug().Err(err).Msg("skipping classification")
			metrics.AnomalySkippedTotal.WithLabelValues("missing_data").Inc()
		} else {
			log.Error().Err(err).Msg("aggregation failed, anomaly branch aborted")
			metrics.AnomalySkippedTotal.WithLabelValues("storage_error").Inc()
			e.failures.Add(1)
		}
		return err
	}

	a := e.classifier.Assess(in)
	out.Assessment = &a

	log.Info().
		Str("status", string(a.Status)).
		Float64("risk_percent", a.RiskPercent).
		Float64("confidence", a.Confidence).
		Str("path", a.Path).
		Msg("node classified")

	if !a.Status.Alerting() {
		return nil
	}

	rule, err := e.store.FindAnomalyRule(ctx, r.NodeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn().
				Str("status", string(a.Status)).
				Float64("risk_percent", a.RiskPercent).
				Msg("risk detected but no active anomaly rule configured for node")
			metrics.AnomalySkippedTotal.WithLabelValues("no_rule").Inc()
			return ErrNoMatchingAnomalyRule
		}
		log.Error().Err(err).Msg("anomaly rule lookup failed")
		metrics.AnomalySkippedTotal.WithLabelValues("storage_error").Inc()
		e.failures.Add(1)
		return fmt.Errorf("find anomaly rule: %w", err)
	}

	e.record(ctx, log, *rule, r, a.RiskPercent, anomalyMessage(a, in), SourceAnomaly, out)
	return nil
}

// aggregate collects the latest temperature, humidity and gas reading of
// the node.
func (e *Engine) aggregate(ctx context.Context, nodeID int64) (classifier.Input, error) {
	var values [3]float64
	for i, t := range models.ClassifierInputs {
		latest, err := e.store.LatestReading(ctx, nodeID, t)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return classifier.Input{}, fmt.Errorf("%w: no %s reading for node %d", ErrMissingAggregationData, t, nodeID)
			}
			return classifier.Input{}, fmt.Errorf("latest %s reading: %w", t, err)
		}
		values[i] = latest.Value
	}

	in := classifier.Input{
		Temperature: &values[0],
		Humidity:    &values[1],
	}
	if e.gasInput == GasInputRaw {
		raw := int(math.Round(values[2]))
		in.RawGas = &raw
	} else {
		in.Smoke = &values[2]
	}
	return in, nil
}

func anomalyMessage(a classifier.Assessment, in classifier.Input) string {
	return fmt.Sprintf("risk %s - %.1f%% | T=%s°C, H=%s%%, smoke=%.0fppm",
		a.Status, a.RiskPercent,
		strconv.FormatFloat(*in.Temperature, 'g', -1, 64),
		strconv.FormatFloat(*in.Humidity, 'g', -1, 64),
		a.SmokeLevel)
}

// ruleBranch: RULED. Only the just-arrived reading is evaluated.
func (e *Engine) ruleBranch(ctx context.Context, log zerolog.Logger, r models.Reading, out *Outcome) error {
	candidates, err := e.store.ActiveRulesFor(ctx, r.SensorID, r.NodeID)
	if err != nil {
		log.Error().Err(err).Msg("rule lookup failed, threshold branch aborted")
		e.failures.Add(1)
		return fmt.Errorf("active rules: %w", err)
	}

	for _, t := range rules.Evaluate(r, candidates) {
		log.Warn().
			Int64("rule_id", t.Rule.ID).
			Str("kind", string(t.Rule.Kind)).
			Float64("threshold", t.Threshold).
			Msg(t.Message)
		e.record(ctx, log, t.Rule, r, r.Value, t.Message, SourceThreshold, out)
	}
	return nil
}

// record persists one trigger, publishes it to the alert stream and, unless
// the rule opts out, passes it through the gate to the dispatcher.
func (e *Engine) record(ctx context.Context, log zerolog.Logger, rule models.AlertRule, r models.Reading, measured float64, msg, source string, out *Outcome) {
	log = log.With().Int64("rule_id", rule.ID).Str("source", source).Logger()

	event := models.NewAlertEvent(rule, r, measured, msg, e.now())
	if _, err := e.store.InsertAlertEvent(ctx, event); err != nil {
		log.Error().Err(err).Msg("failed to persist alert event")
		metrics.AlertEventPersistFailures.Inc()
		e.failures.Add(1)
		return
	}

	e.events.Add(1)
	metrics.AlertEventsTotal.WithLabelValues(source).Inc()
	out.Events = append(out.Events, event)
	log = log.With().Int64("event_id", event.ID).Logger()

	e.publish(log, event, rule, r, out.EvaluationID)

	if !rule.Notify {
		metrics.GateDecisionsTotal.WithLabelValues("skipped").Inc()
		log.Debug().Msg("rule does not notify")
		return
	}

	if !e.gate.Admit(rule.ID) {
		e.suppressed.Add(1)
		out.Suppressed++
		return
	}

	delivery := e.dispatcher.Dispatch(ctx, notify.Alert{Event: *event, Rule: rule, Reading: r})
	e.dispatched.Add(1)
	out.Deliveries = append(out.Deliveries, delivery)
}

func (e *Engine) publish(log zerolog.Logger, event *models.AlertEvent, rule models.AlertRule, r models.Reading, evaluationID string) {
	if e.envelopes == nil {
		return
	}

	env := models.NewAlertEnvelope(event, rule, r, evaluationID)
	select {
	case e.envelopes <- env:
	default:
		metrics.WorkerDroppedTotal.Inc()
		log.Warn().Msg("alert stream queue full, envelope dropped")
	}
}

// Stats returns engine statistics
func (e *Engine) Stats() Stats {
	return Stats{
		Evaluated:  e.evaluated.Load(),
		Events:     e.events.Load(),
		Suppressed: e.suppressed.Load(),
		Dispatched: e.dispatched.Load(),
		Failures:   e.failures.Load(),
	}
}

// Stats holds engine counters
type Stats struct {
	Evaluated  uint64 `json:"evaluated"`
	Events     uint64 `json:"events"`
	Suppressed uint64 `json:"suppressed"`
	Dispatched uint64 `json:"dispatched"`
	Failures   uint64 `json:"failures"`
}
