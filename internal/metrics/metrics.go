// Package metrics wraps a Prometheus registry for pipeline components.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric registered through a Registry.
const Namespace = "testseq"

// ErrDuplicate is returned when a component registers the same metric twice.
var ErrDuplicate = errors.New("metric already registered")

// Registry owns a Prometheus registry and remembers what each component registered.
type Registry struct {
	prom       *prometheus.Registry
	mu         sync.Mutex
	registered map[string]prometheus.Collector
}

// NewRegistry returns a registry preloaded with Go runtime and process collectors.
func NewRegistry() *Registry {
	r := &Registry{
		prom:       prometheus.NewRegistry(),
		registered: make(map[string]prometheus.Collector),
	}
	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Prometheus returns the underlying registry.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.prom
}

func (r *Registry) register(component, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := component + "." + name
	if _, ok := r.registered[key]; ok {
		return fmt.Errorf("%s: %w", key, ErrDuplicate)
	}
	if err := r.prom.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return fmt.Errorf("%s: %w", key, ErrDuplicate)
		}
		return fmt.Errorf("registering %s: %w", key, err)
	}
	r.registered[key] = c
	return nil
}

// Counter creates and registers a counter named testseq_<component>_<name>.
func (r *Registry) Counter(component, name, help string) (prometheus.Counter, error) {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: component,
		Name:      name,
		Help:      help,
	})
	if err := r.register(component, name, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Gauge creates and registers a gauge named testseq_<component>_<name>.
func (r *Registry) Gauge(component, name, help string) (prometheus.Gauge, error) {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: component,
		Name:      name,
		Help:      help,
	})
	if err := r.register(component, name, g); err != nil {
		return nil, err
	}
	return g, nil
}

// CounterVec creates and registers a labelled counter.
func (r *Registry) CounterVec(component, name, help string, labels ...string) (*prometheus.CounterVec, error) {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: component,
		Name:      name,
		Help:      help,
	}, labels)
	if err := r.register(component, name, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Unregister removes a metric registered by component.
func (r *Registry) Unregister(component, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := component + "." + name
	c, ok := r.registered[key]
	if !ok {
		return false
	}
	delete(r.registered, key)
	return r.prom.Unregister(c)
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{Registry: r.prom})
}
