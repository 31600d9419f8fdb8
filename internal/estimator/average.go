package estimator

import (
	"context"
	"encoding/json"

	"busdelay/internal/feature"
)

// HistoricalAverageName is the registry name of the reference estimator.
const HistoricalAverageName = "historical-average"

// HistoricalAverageTrainer learns the mean observed delay of each
// (route, direction, stop, weekday, bucket) cell.
type HistoricalAverageTrainer struct {
	opts Options
}

func (t *HistoricalAverageTrainer) Name() string { return HistoricalAverageName }

func (t *HistoricalAverageTrainer) Train(ctx context.Context, samples []feature.Sample) (Model, error) {
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}
	type acc struct {
		n   int
		sum float64
	}
	sums := make(map[string]*acc)
	for i, s := range samples {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		k := s.Vector.Key()
		a, ok := sums[k]
		if !ok {
			a = &acc{}
			sums[k] = a
		}
		a.n++
		a.sum += s.Label
	}

	m := &HistoricalAverage{
		Cells:      make(map[string]AverageCell, len(sums)),
		MinHistory: t.opts.MinHistory,
	}
	for k, a := range sums {
		m.Cells[k] = AverageCell{Mean: a.sum / float64(a.n), Count: a.n}
	}
	return m, nil
}

// AverageCell is the learned mean of one cell.
type AverageCell struct {
	Mean  float64 `json:"mean"`
	Count int     `json:"count"`
}

// HistoricalAverage predicts the learned cell mean, or the vector's own
// historical mean for cells unseen in training.
type HistoricalAverage struct {
	Cells      map[string]AverageCell `json:"cells"`
	MinHistory int                    `json:"min_history"`
}

func (m *HistoricalAverage) Predict(v feature.Vector) Prediction {
	if c, ok := m.Cells[v.Key()]; ok && v.Level == feature.LevelStop {
		return Prediction{
			Minutes:    nonNegative(c.Mean),
			Confidence: confidence(c.Count, v.Variance, feature.LevelStop, m.MinHistory),
		}
	}
	return Prediction{
		Minutes:    nonNegative(v.MeanDelay),
		Confidence: confidence(v.SampleCount, v.Variance, v.Level, m.MinHistory),
	}
}

func (m *HistoricalAverage) MarshalBinary() ([]byte, error) {
	return json.Marshal(m)
}

func decodeHistoricalAverage(data []byte) (Model, error) {
	var m HistoricalAverage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.Cells == nil {
		m.Cells = map[string]AverageCell{}
	}
	if m.MinHistory <= 0 {
		m.MinHistory = 10
	}
	return &m, nil
}
