package classifier

// DefaultFallbackConfidence is reported by fallback scoring, which has no
// probabilistic basis.
const DefaultFallbackConfidence = 75.0

// Neutral values substituted for missing inputs, fallback path only.
const (
	NeutralTemperature = 25.0
	NeutralHumidity    = 50.0
)

// Fallback scores in with the deterministic additive rule set using the
// default gas calibration. It is pure and never fails.
func Fallback(in Input) Assessment {
	return fallback(in, DefaultCalibration, DefaultFallbackConfidence)
}

func fallback(in Input, cal Calibration, confidence float64) Assessment {
	temperature := NeutralTemperature
	if in.Temperature != nil {
		temperature = *in.Temperature
	}
	humidity := NeutralHumidity
	if in.Humidity != nil {
		humidity = *in.Humidity
	}
	smoke := resolveSmoke(in, cal)

	risk := Score(temperature, humidity, smoke)

	a := Assessment{
		RiskPercent: risk,
		Confidence:  confidence,
		SmokeLevel:  round2(smoke),
		Path:        PathFallback,
	}
	switch {
	case risk >= 70:
		a.Status = StatusCritical
		a.Prediction = 1
	case risk >= 40:
		a.Status = StatusWarning
	default:
		a.Status = StatusSafe
	}
	return a
}

// Score is the additive fire-risk score, capped at 100. Non-finite inputs
// fail every comparison and contribute nothing.
func Score(temperature, humidity, smoke float64) float64 {
	risk := 0.0

	if temperature > 35 {
		risk += 20
	}
	if temperature > 40 {
		risk += 20
	}
	if temperature > 50 {
		risk += 30
	}

	if humidity < 30 {
		risk += 10
	}
	if humidity < 20 {
		risk += 10
	}

	if smoke > 200 {
		risk += 20
	}
	if smoke > 400 {
		risk += 30
	}

	if risk > 100 {
		risk = 100
	}
	return risk
}
