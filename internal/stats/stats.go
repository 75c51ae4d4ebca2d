// Package stats keeps per-stream byte totals and smoothed transfer rates.
package stats

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultPeriod is the rate recomputation interval.
	DefaultPeriod = time.Second
	// Alpha is the smoothing factor applied to the previous rate.
	Alpha = 0.8
)

// Values is a point-in-time copy of a stream's counters.
type Values struct {
	Name     string  `json:"name"`
	TotalIn  uint64  `json:"total_in"`
	TotalOut uint64  `json:"total_out"`
	RateIn   float64 `json:"rate_in"`
	RateOut  float64 `json:"rate_out"`
}

// Stream is a handle returned by Registry.New. Increment is safe from any
// goroutine; readers may observe values up to one period stale.
type Stream struct {
	name      string
	totalIn   atomic.Uint64
	totalOut  atomic.Uint64
	periodIn  atomic.Uint64
	periodOut atomic.Uint64
	rateIn    atomic.Uint64 // float64 bits
	rateOut   atomic.Uint64 // float64 bits
}

// Name returns the stream name.
func (s *Stream) Name() string { return s.name }

// Increment adds in/out byte counts.
func (s *Stream) Increment(in, out int) {
	if in > 0 {
		s.totalIn.Add(uint64(in))
		s.periodIn.Add(uint64(in))
	}
	if out > 0 {
		s.totalOut.Add(uint64(out))
		s.periodOut.Add(uint64(out))
	}
}

// Values snapshots the counters.
func (s *Stream) Values() Values {
	return Values{
		Name:     s.name,
		TotalIn:  s.totalIn.Load(),
		TotalOut: s.totalOut.Load(),
		RateIn:   math.Float64frombits(s.rateIn.Load()),
		RateOut:  math.Float64frombits(s.rateOut.Load()),
	}
}

func decay(rate *atomic.Uint64, count uint64, scale float64) {
	prev := math.Float64frombits(rate.Load())
	next := prev*Alpha + float64(count)*(1-Alpha)*scale
	rate.Store(math.Float64bits(next))
}

// Registry owns every stream and the period task.
type Registry struct {
	mu      sync.RWMutex
	streams []*Stream
	byName  map[string]*Stream
	period  time.Duration

	totalDesc *prometheus.Desc
	rateDesc  *prometheus.Desc
}

// NewRegistry returns an empty registry using period (DefaultPeriod if <= 0).
func NewRegistry(period time.Duration) *Registry {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Registry{
		byName: make(map[string]*Stream),
		period: period,
		totalDesc: prometheus.NewDesc("stream_bytes_total",
			"Cumulative bytes per stream and direction.", []string{"stream", "direction"}, nil),
		rateDesc: prometheus.NewDesc("stream_rate_bytes_per_second",
			"Exponentially smoothed byte rate per stream and direction.", []string{"stream", "direction"}, nil),
	}
}

// New registers a stream. Registering an existing name returns the same handle.
func (r *Registry) New(name string) *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byName[name]; ok {
		return s
	}
	s := &Stream{name: name}
	r.streams = append(r.streams, s)
	r.byName[name] = s
	return s
}

// Get looks a stream up by name.
func (r *Registry) Get(name string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	return s, ok
}

// All returns snapshots in registration order.
func (r *Registry) All() []Values {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Values, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s.Values())
	}
	return out
}

// Tick recomputes every rate from the counts gathered since the last tick.
func (r *Registry) Tick() {
	scale := float64(time.Second) / float64(r.period)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.streams {
		decay(&s.rateIn, s.periodIn.Swap(0), scale)
		decay(&s.rateOut, s.periodOut.Swap(0), scale)
	}
}

// Run ticks every period until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	t := time.NewTicker(r.period)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.Tick()
		case <-ctx.Done():
			return
		}
	}
}

// Describe implements prometheus.Collector.
func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	ch <- r.totalDesc
	ch <- r.rateDesc
}

// Collect implements prometheus.Collector.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	for _, v := range r.All() {
		ch <- prometheus.MustNewConstMetric(r.totalDesc, prometheus.CounterValue, float64(v.TotalIn), v.Name, "in")
		ch <- prometheus.MustNewConstMetric(r.totalDesc, prometheus.CounterValue, float64(v.TotalOut), v.Name, "out")
		ch <- prometheus.MustNewConstMetric(r.rateDesc, prometheus.GaugeValue, v.RateIn, v.Name, "in")
		ch <- prometheus.MustNewConstMetric(r.rateDesc, prometheus.GaugeValue, v.RateOut, v.Name, "out")
	}
}
