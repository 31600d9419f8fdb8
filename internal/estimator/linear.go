package estimator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"busdelay/internal/feature"
)

// LinearRegressionName is the registry name of the ridge regression estimator.
const LinearRegressionName = "linear-regression"

// featureCount is the length of a design row.
const featureCount = 6

// design maps a vector onto [1, mean, stddev, sin(tod), cos(tod), weekend].
func design(v feature.Vector) [featureCount]float64 {
	tod := 2 * math.Pi * float64(v.MinuteOfDay) / (24 * 60)
	weekend := 0.0
	if v.Weekday == time.Saturday || v.Weekday == time.Sunday {
		weekend = 1
	}
	return [featureCount]float64{
		1,
		v.MeanDelay,
		math.Sqrt(math.Max(v.Variance, 0)),
		math.Sin(tod),
		math.Cos(tod),
		weekend,
	}
}

// LinearRegressionTrainer fits ridge-regularized least squares over the
// design row of each sample.
type LinearRegressionTrainer struct {
	opts Options
}

func (t *LinearRegressionTrainer) Name() string { return LinearRegressionName }

func (t *LinearRegressionTrainer) Train(ctx context.Context, samples []feature.Sample) (Model, error) {
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}

	// normal equations: (XᵀX + λI) w = Xᵀy, intercept unpenalized
	var xtx [featureCount][featureCount]float64
	var xty [featureCount]float64
	for n, s := range samples {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		x := design(s.Vector)
		for i := 0; i < featureCount; i++ {
			xty[i] += x[i] * s.Label
			for j := 0; j < featureCount; j++ {
				xtx[i][j] += x[i] * x[j]
			}
		}
	}
	for i := 1; i < featureCount; i++ {
		xtx[i][i] += t.opts.Lambda
	}

	w, err := solve(xtx, xty)
	if err != nil {
		return nil, fmt.Errorf("fit linear regression: %w", err)
	}
	return &LinearRegression{Weights: w[:], MinHistory: t.opts.MinHistory}, nil
}

var errSingular = errors.New("singular system")

// solve runs Gaussian elimination with partial pivoting.
func solve(a [featureCount][featureCount]float64, b [featureCount]float64) ([featureCount]float64, error) {
	const eps = 1e-12
	for col := 0; col < featureCount; col++ {
		pivot := col
		for r := col + 1; r < featureCount; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < eps {
			return b, errSingular
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]

		for r := col + 1; r < featureCount; r++ {
			f := a[r][col] / a[col][col]
			for c := col; c < featureCount; c++ {
				a[r][c] -= f * a[col][c]
			}
			b[r] -= f * b[col]
		}
	}

	var x [featureCount]float64
	for r := featureCount - 1; r >= 0; r-- {
		sum := b[r]
		for c := r + 1; c < featureCount; c++ {
			sum -= a[r][c] * x[c]
		}
		x[r] = sum / a[r][r]
	}
	return x, nil
}

// LinearRegression is a fitted ridge model.
type LinearRegression struct {
	Weights    []float64 `json:"weights"`
	MinHistory int       `json:"min_history"`
}

func (m *LinearRegression) Predict(v feature.Vector) Prediction {
	x := design(v)
	var y float64
	for i, w := range m.Weights {
		if i >= featureCount {
			break
		}
		y += w * x[i]
	}
	return Prediction{
		Minutes:    nonNegative(y),
		Confidence: confidence(v.SampleCount, v.Variance, v.Level, m.MinHistory),
	}
}

func (m *LinearRegression) MarshalBinary() ([]byte, error) {
	return json.Marshal(m)
}

func decodeLinearRegression(data []byte) (Model, error) {
	var m LinearRegression
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if len(m.Weights) != featureCount {
		return nil, fmt.Errorf("want %d weights, got %d", featureCount, len(m.Weights))
	}
	if m.MinHistory <= 0 {
		m.MinHistory = 10
	}
	return &m, nil
}
