// Package estimator defines the swappable delay-prediction contract and its
// implementations. Trainers produce Models; Models are pure functions from a
// feature vector to a prediction and serialize to bytes for the model store.
package estimator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"busdelay/internal/feature"
)

var (
	ErrUnknownEstimator = errors.New("unknown estimator")
	ErrNoSamples        = errors.New("no training samples")
)

// Prediction is a model's output for one feature vector.
type Prediction struct {
	Minutes    float64 // >= 0
	Confidence float64 // in [0, 1]
}

// Model predicts delays. Predict must be deterministic and free of side effects.
type Model interface {
	Predict(v feature.Vector) Prediction
	MarshalBinary() ([]byte, error)
}

// Trainer fits a Model to labelled samples.
type Trainer interface {
	Name() string
	Train(ctx context.Context, samples []feature.Sample) (Model, error)
}

// Options tunes trainers. Zero values get defaults.
type Options struct {
	MinHistory int     // record count at which confidence reaches one half of its variance term
	Lambda     float64 // ridge penalty for linear-regression
}

type variant struct {
	newTrainer func(Options) Trainer
	decode     func([]byte) (Model, error)
}

var registry = map[string]variant{
	HistoricalAverageName: {
		newTrainer: func(o Options) Trainer { return &HistoricalAverageTrainer{opts: o.withDefaults()} },
		decode:     decodeHistoricalAverage,
	},
	LinearRegressionName: {
		newTrainer: func(o Options) Trainer { return &LinearRegressionTrainer{opts: o.withDefaults()} },
		decode:     decodeLinearRegression,
	},
}

// Names returns the registered estimator names.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewTrainer returns the trainer registered under name.
func NewTrainer(name string, opts Options) (Trainer, error) {
	v, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEstimator, name)
	}
	return v.newTrainer(opts), nil
}

// Decode rebuilds a Model serialized by the estimator registered under name.
func Decode(name string, data []byte) (Model, error) {
	v, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEstimator, name)
	}
	m, err := v.decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s parameters: %w", name, err)
	}
	return m, nil
}

// RMSE is the root mean squared error of m over samples.
func RMSE(m Model, samples []feature.Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		d := m.Predict(s.Vector).Minutes - s.Label
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func (o Options) withDefaults() Options {
	if o.MinHistory <= 0 {
		o.MinHistory = 10
	}
	if o.Lambda <= 0 {
		o.Lambda = 1.0
	}
	return o
}

// spreadScale is the standard deviation in minutes at which the variance term
// of confidence drops to one half.
const spreadScale = 5.0

var levelWeight = map[feature.Level]float64{
	feature.LevelStop:   1.0,
	feature.LevelRoute:  0.75,
	feature.LevelGlobal: 0.5,
}

// confidence grows with the number of supporting records and shrinks with
// their spread and with coarser fallback levels.
func confidence(count int, variance float64, level feature.Level, minHistory int) float64 {
	if count <= 0 {
		return 0
	}
	support := float64(count) / float64(count+minHistory)
	spread := 1 / (1 + math.Sqrt(math.Max(variance, 0))/spreadScale)
	w, ok := levelWeight[level]
	if !ok {
		w = 0.5
	}
	return clamp01(support * spread * w)
}

func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x):
		return 0
	case x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}

func nonNegative(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	return x
}
