package classifier

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"emberwatch/internal/logger"
	"emberwatch/internal/metrics"
)

// Status is the coarse risk level attached to an assessment.
type Status string

const (
	StatusSafe     Status = "SAFE"
	StatusWarning  Status = "WARNING"
	StatusCritical Status = "CRITICAL"
)

// Alerting reports whether the status should raise an anomaly alert.
func (s Status) Alerting() bool {
	return s == StatusWarning || s == StatusCritical
}

// Assessment path labels
const (
	PathModel    = "model"
	PathFallback = "fallback"
)

var (
	ErrClassifierUnavailable = errors.New("classifier unavailable")
	ErrInvalidFeatures       = errors.New("invalid classifier features")
	ErrInvocation            = errors.New("classifier invocation failed")
	ErrModelNotFound         = errors.New("model file not found")
)

// Input carries the environmental values for one assessment. Nil fields are
// absent. Smoke takes precedence over RawGas when both are set.
type Input struct {
	Temperature *float64
	Humidity    *float64
	RawGas      *int
	Smoke       *float64
}

// Assessment is the transient outcome of classifying one Input.
type Assessment struct {
	Prediction  int     `json:"prediction"`
	RiskPercent float64 `json:"risk_percent"`
	Status      Status  `json:"status"`
	Confidence  float64 `json:"confidence"`
	SmokeLevel  float64 `json:"smoke_level"`
	Path        string  `json:"path"`
}

// Features is the fixed-order vector handed to a model backend.
type Features [3]float64

const (
	FeatureTemperature = iota
	FeatureHumidity
	FeatureSmoke
)

// Predictor returns the predicted class and per-class probabilities for a
// feature vector, with index 1 being the fire class.
type Predictor interface {
	Predict(f Features) (int, []float64, error)
}

// Backend is a loaded or absent model. The two implementations are
// LoadedModel and Unavailable.
type Backend interface {
	Predictor
	Describe() string
}

// LoadedModel is a Backend backed by a trained model.
type LoadedModel struct {
	Model  Predictor
	Source string
}

// Predict delegates to the wrapped model.
func (m LoadedModel) Predict(f Features) (int, []float64, error) {
	return m.Model.Predict(f)
}

func (m LoadedModel) Describe() string { return "model:" + m.Source }

// Unavailable is the Backend used when no model could be loaded.
type Unavailable struct {
	Reason error
}

// Predict always fails with ErrClassifierUnavailable.
func (u Unavailable) Predict(Features) (int, []float64, error) {
	if u.Reason != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrClassifierUnavailable, u.Reason)
	}
	return 0, nil, ErrClassifierUnavailable
}

func (u Unavailable) Describe() string { return "unavailable" }

// ResultKind distinguishes the outcomes of Evaluate.
type ResultKind int

const (
	ResultAssessed ResultKind = iota
	ResultUnavailable
	ResultInvalidInput
)

func (k ResultKind) String() string {
	switch k {
	case ResultAssessed:
		return "assessed"
	case ResultUnavailable:
		return "unavailable"
	case ResultInvalidInput:
		return "invalid_input"
	default:
		return "unknown"
	}
}

// Result is the model-path outcome. Assessment is only meaningful when Kind
// is ResultAssessed.
type Result struct {
	Kind       ResultKind
	Assessment Assessment
	Err        error
}

// Calibration maps raw gas ADC values to a smoke level.
type Calibration struct {
	RawGasMax float64
	SmokeMax  float64
}

// DefaultCalibration matches a 12-bit ADC gas sensor reporting 0..1000 ppm.
var DefaultCalibration = Calibration{RawGasMax: 4095, SmokeMax: 1000}

// Config holds classifier tuning.
type Config struct {
	Calibration        Calibration
	FallbackConfidence float64
}

// Classifier produces risk assessments. The backend can be swapped at any
// time; each call sees exactly one backend.
type Classifier struct {
	backend atomic.Pointer[backendRef]
	cfg     Config
}

type backendRef struct {
	b Backend
}

// New creates a classifier around backend. A nil backend is treated as
// Unavailable.
func New(cfg Config, backend Backend) *Classifier {
	if cfg.Calibration.RawGasMax <= 0 || cfg.Calibration.SmokeMax <= 0 {
		cfg.Calibration = DefaultCalibration
	}
	if cfg.FallbackConfidence <= 0 {
		cfg.FallbackConfidence = DefaultFallbackConfidence
	}

	c := &Classifier{cfg: cfg}
	c.Swap(backend)
	return c
}

// Swap replaces the active backend.
func (c *Classifier) Swap(b Backend) {
	if b == nil {
		b = Unavailable{}
	}
	c.backend.Store(&backendRef{b: b})
}

// Backend returns the active backend.
func (c *Classifier) Backend() Backend {
	return c.backend.Load().b
}

// Available reports whether a trained model is loaded.
func (c *Classifier) Available() bool {
	_, ok := c.Backend().(LoadedModel)
	return ok
}

// Evaluate runs the model path only. Missing temperature or humidity is an
// input error here; no defaults are substituted.
func (c *Classifier) Evaluate(in Input) Result {
	if in.Temperature == nil || in.Humidity == nil {
		return Result{Kind: ResultInvalidInput, Err: fmt.Errorf("%w: temperature and humidity are required", ErrInvalidFeatures)}
	}

	smoke := resolveSmoke(in, c.cfg.Calibration)
	f := Features{*in.Temperature, *in.Humidity, smoke}
	for _, v := range f {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Result{Kind: ResultInvalidInput, Err: fmt.Errorf("%w: non-finite value", ErrInvalidFeatures)}
		}
	}

	class, probs, err := c.Backend().Predict(f)
	if err != nil {
		if errors.Is(err, ErrClassifierUnavailable) {
			return Result{Kind: ResultUnavailable, Err: err}
		}
		return Result{Kind: ResultInvalidInput, Err: fmt.Errorf("%w: %v", ErrInvocation, err)}
	}

	if len(probs) < 2 {
		return Result{Kind: ResultInvalidInput, Err: fmt.Errorf("%w: expected 2 class probabilities, got %d", ErrInvocation, len(probs))}
	}

	maxP := 0.0
	for _, p := range probs {
		if math.IsNaN(p) || p < 0 || p > 1 {
			return Result{Kind: ResultInvalidInput, Err: fmt.Errorf("%w: probability %v out of range", ErrInvocation, p)}
		}
		maxP = math.Max(maxP, p)
	}

	risk := probs[1] * 100

	var status Status
	switch {
	case class == 1:
		status = StatusCritical
	case risk > 50:
		status = StatusWarning
	default:
		status = StatusSafe
	}

	return Result{
		Kind: ResultAssessed,
		Assessment: Assessment{
			Prediction:  class,
			RiskPercent: round2(risk),
			Status:      status,
			Confidence:  round2(maxP * 100),
			SmokeLevel:  round2(smoke),
			Path:        PathModel,
		},
	}
}

// Assess never fails: when the model path does not produce an assessment it
// falls back to deterministic scoring.
func (c *Classifier) Assess(in Input) Assessment {
	res := c.Evaluate(in)
	if res.Kind == ResultAssessed {
		metrics.ClassifierAssessmentsTotal.WithLabelValues(PathModel, string(res.Assessment.Status)).Inc()
		return res.Assessment
	}

	log := logger.WithComponent("classifier")
	ev := log.Debug()
	if res.Kind == ResultInvalidInput {
		ev = log.Warn()
	}
	ev.Err(res.Err).Str("result", res.Kind.String()).Msg("model path unavailable, using fallback scoring")

	a := fallback(in, c.cfg.Calibration, c.cfg.FallbackConfidence)
	metrics.ClassifierAssessmentsTotal.WithLabelValues(PathFallback, string(a.Status)).Inc()
	return a
}

// MapRange linearly maps x from [inMin, inMax] to [outMin, outMax].
func MapRange(x, inMin, inMax, outMin, outMax float64) float64 {
	if inMax == inMin {
		return outMin
	}
	return (x-inMin)*(outMax-outMin)/(inMax-inMin) + outMin
}

// resolveSmoke picks the explicit smoke level if present, else the remapped
// raw gas value, else zero.
func resolveSmoke(in Input, cal Calibration) float64 {
	switch {
	case in.Smoke != nil:
		return *in.Smoke
	case in.RawGas != nil:
		return MapRange(float64(*in.RawGas), 0, cal.RawGasMax, 0, cal.SmokeMax)
	default:
		return 0
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
