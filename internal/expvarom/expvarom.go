// Package expvarom exposes counters both via the standard expvar
// registry and, additionally, in OpenMetrics text exposition format,
// suitable for scraping by a Prometheus-compatible collector. It does
// not replace expvar: every value registered here is also visible at
// /debug/vars, exactly like a plain expvar.Int.
package expvarom

import (
	"expvar"
	"fmt"
	"net/http"
	"sort"
	"sync"
)

// metric is implemented by every value this package creates, so
// MetricsHandler can walk them uniformly.
type metric interface {
	name() string
	help() string
	writeOpenMetrics(w http.ResponseWriter)
}

var (
	registryMu sync.Mutex
	registry   []metric
)

func register(m metric) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = append(registry, m)
}

// Int is a monotonically-adjusted integer counter, registered both as
// an expvar.Int and as an OpenMetrics counter.
type Int struct {
	varName  string
	helpText string
	ev       *expvar.Int
}

// NewInt creates and registers a new counter named name, with the given
// help text. name should use the "component/metric" convention already
// used throughout this codebase (e.g. "kannader/queue/putCount").
func NewInt(name, help string) *Int {
	i := &Int{varName: name, helpText: help, ev: expvar.NewInt(name)}
	register(i)
	return i
}

// Add delta to the counter.
func (i *Int) Add(delta int64) { i.ev.Add(delta) }

func (i *Int) name() string { return i.varName }
func (i *Int) help() string { return i.helpText }

func (i *Int) writeOpenMetrics(w http.ResponseWriter) {
	fmt.Fprintf(w, "# HELP %s %s\n", metricName(i.varName), i.helpText)
	fmt.Fprintf(w, "# TYPE %s counter\n", metricName(i.varName))
	fmt.Fprintf(w, "%s %s\n", metricName(i.varName), i.ev.String())
}

// Map is a counter broken down by a single label, registered both as an
// expvar.Map (of expvar.Int) and as an OpenMetrics counter family.
type Map struct {
	varName  string
	helpText string
	label    string
	ev       *expvar.Map

	mu     sync.Mutex
	values map[string]*expvar.Int
}

// NewMap creates and registers a new labelled counter family. labelName
// is the OpenMetrics label key attached to every value (e.g. "result",
// "recipient_type").
func NewMap(name, labelName, help string) *Map {
	m := &Map{
		varName:  name,
		helpText: help,
		label:    labelName,
		ev:       expvar.NewMap(name),
		values:   map[string]*expvar.Int{},
	}
	register(m)
	return m
}

// Add delta to the counter for the given label value, creating it if
// necessary.
func (m *Map) Add(value string, delta int64) {
	m.mu.Lock()
	v, ok := m.values[value]
	if !ok {
		v = new(expvar.Int)
		m.values[value] = v
		m.ev.Set(value, v)
	}
	m.mu.Unlock()
	v.Add(delta)
}

func (m *Map) name() string { return m.varName }
func (m *Map) help() string { return m.helpText }

func (m *Map) writeOpenMetrics(w http.ResponseWriter) {
	mn := metricName(m.varName)
	fmt.Fprintf(w, "# HELP %s %s\n", mn, m.helpText)
	fmt.Fprintf(w, "# TYPE %s counter\n", mn)

	m.mu.Lock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s{%s=%q} %s\n", mn, m.label, k, m.values[k].String())
	}
	m.mu.Unlock()
}

// metricName turns a "kannader/queue/putCount"-style expvar name into an
// OpenMetrics-friendly identifier.
func metricName(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// MetricsHandler serves every registered counter in OpenMetrics text
// exposition format. Mount it at /metrics.
func MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/openmetrics-text; version=1.0.0; charset=utf-8")

	registryMu.Lock()
	snapshot := make([]metric, len(registry))
	copy(snapshot, registry)
	registryMu.Unlock()

	for _, m := range snapshot {
		m.writeOpenMetrics(w)
	}
	fmt.Fprint(w, "# EOF\n")
}
