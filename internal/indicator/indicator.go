// Package indicator tracks the per-adapter status lights. There is no
// hardware behind it here: the state is exported through /stats and
// Prometheus so operators can see which adapters are connected.
package indicator

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Mode int32

const (
	Static Mode = iota
	Blink
	Fade
)

// Default animation timing used by the adapters.
const (
	DefaultInterval = 500 * time.Millisecond
	DefaultDuration = 2 * time.Second
)

func (m Mode) String() string {
	switch m {
	case Static:
		return "static"
	case Blink:
		return "blink"
	case Fade:
		return "fade"
	}
	return "unknown"
}

// Light is one registered indicator. All methods are nil-safe so adapters
// can run without a registry.
type Light struct {
	adapter  string
	color    uint32
	interval time.Duration
	duration time.Duration
	mode     atomic.Int32
	active   atomic.Bool
}

func (l *Light) SetActive(on bool) {
	if l != nil {
		l.active.Store(on)
	}
}

func (l *Light) SetMode(m Mode) {
	if l != nil {
		l.mode.Store(int32(m))
	}
}

func (l *Light) Active() bool { return l != nil && l.active.Load() }

func (l *Light) Mode() Mode {
	if l == nil {
		return Static
	}
	return Mode(l.mode.Load())
}

// State is the exported view of a light.
type State struct {
	Adapter string `json:"adapter"`
	Color   string `json:"color"`
	Mode    string `json:"mode"`
	Active  bool   `json:"active"`
}

// Registry holds the registered lights.
type Registry struct {
	mu     sync.RWMutex
	lights []*Light
	desc   *prometheus.Desc
}

func NewRegistry() *Registry {
	return &Registry{
		desc: prometheus.NewDesc("adapter_indicator_active",
			"Whether an adapter's status indicator is lit (1) or idle (0).", []string{"adapter", "color", "mode"}, nil),
	}
}

// Add registers a light. A zero color means "no indicator" and yields nil.
func (r *Registry) Add(adapter string, color uint32, mode Mode, interval, duration time.Duration) *Light {
	if r == nil || color == 0 {
		return nil
	}
	l := &Light{adapter: adapter, color: color, interval: interval, duration: duration}
	l.mode.Store(int32(mode))
	r.mu.Lock()
	r.lights = append(r.lights, l)
	r.mu.Unlock()
	return l
}

// Remove unregisters l.
func (r *Registry) Remove(l *Light) {
	if r == nil || l == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, x := range r.lights {
		if x == l {
			r.lights = append(r.lights[:i], r.lights[i+1:]...)
			return
		}
	}
}

// Snapshot lists every light in registration order.
func (r *Registry) Snapshot() []State {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]State, 0, len(r.lights))
	for _, l := range r.lights {
		out = append(out, State{
			Adapter: l.adapter,
			Color:   fmt.Sprintf("#%08X", l.color),
			Mode:    l.Mode().String(),
			Active:  l.Active(),
		})
	}
	return out
}

// Describe implements prometheus.Collector.
func (r *Registry) Describe(ch chan<- *prometheus.Desc) { ch <- r.desc }

// Collect implements prometheus.Collector.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	for _, s := range r.Snapshot() {
		v := 0.0
		if s.Active {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(r.desc, prometheus.GaugeValue, v, s.Adapter, s.Color, s.Mode)
	}
}
