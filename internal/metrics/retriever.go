package metrics

import (
	"context"
	"math"
	"regexp"
	"sort"
	"time"

	"gpuledger/internal/model"
	"gpuledger/pkg/config"
	"gpuledger/pkg/interfaces"
)

var (
	gpuUtilPattern   = regexp.MustCompile(`^system\.gpu\.\d+\.gpu$`)
	gpuMemoryPattern = regexp.MustCompile(`^system\.gpu\.\d+\.memory$`)
)

// Retriever reduces a run's raw telemetry stream to one sample per calendar
// day, folding all accelerators of the run into per-metric averages and
// maxima.
type Retriever struct {
	client  interfaces.TrackingClient
	samples int
	loc     *time.Location
}

// NewRetriever creates a metrics retriever.
func NewRetriever(client interfaces.TrackingClient, cfg *config.CollectorConfig, loc *time.Location) *Retriever {
	return &Retriever{
		client:  client,
		samples: cfg.HistorySamples,
		loc:     loc,
	}
}

type dayAccumulator struct {
	date      time.Time
	util      []float64
	memory    []float64
	minTs     float64
	maxTs     float64
	hasPoints bool
}

// Fetch returns the run's daily GPU metric samples within [start, end].
// Fewer than 2 raw points or no GPU series means the run was too short or
// had no accelerator telemetry; that yields an empty result, not an error.
func (r *Retriever) Fetch(ctx context.Context, runPath string, start, end time.Time) ([]model.DailyMetricSample, error) {
	points, err := r.client.RunHistory(ctx, runPath, r.samples)
	if err != nil {
		return nil, err
	}
	if len(points) <= 1 {
		return nil, nil
	}

	start = model.DateOf(start)
	end = model.DateOf(end)

	days := make(map[string]*dayAccumulator)
	sawGPUSeries := false

	for _, point := range points {
		ts := time.Unix(int64(point.Timestamp), 0).In(r.loc)
		day := model.DateOf(ts)
		if day.Before(start) || day.After(end) {
			continue
		}

		var util, memory []float64
		for key, value := range point.Metrics {
			switch {
			case gpuUtilPattern.MatchString(key):
				util = append(util, value)
			case gpuMemoryPattern.MatchString(key):
				memory = append(memory, value)
			}
		}
		if len(util) == 0 && len(memory) == 0 {
			continue
		}
		sawGPUSeries = true

		key := day.Format("2006-01-02")
		acc, ok := days[key]
		if !ok {
			acc = &dayAccumulator{date: day, minTs: point.Timestamp, maxTs: point.Timestamp}
			days[key] = acc
		}
		acc.util = append(acc.util, util...)
		acc.memory = append(acc.memory, memory...)
		if !acc.hasPoints || point.Timestamp < acc.minTs {
			acc.minTs = point.Timestamp
		}
		if !acc.hasPoints || point.Timestamp > acc.maxTs {
			acc.maxTs = point.Timestamp
		}
		acc.hasPoints = true
	}

	if !sawGPUSeries || len(days) == 0 {
		return nil, nil
	}

	samples := make([]model.DailyMetricSample, 0, len(days))
	for _, acc := range days {
		samples = append(samples, model.DailyMetricSample{
			Date:                  acc.date,
			AverageGPUUtilization: mean(acc.util),
			MaxGPUUtilization:     maxOf(acc.util),
			AverageGPUMemory:      mean(acc.memory),
			MaxGPUMemory:          maxOf(acc.memory),
			MetricsHour:           (acc.maxTs - acc.minTs) / 3600,
		})
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Date.Before(samples[j].Date) })
	return samples, nil
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func maxOf(values []float64) float64 {
	m := math.Inf(-1)
	for _, v := range values {
		if v > m {
			m = v
		}
	}
	if math.IsInf(m, -1) {
		return 0
	}
	return m
}
