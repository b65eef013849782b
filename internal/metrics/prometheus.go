package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const eventsMetric = "aero_webrtc_signal_relay_events_total"

// Gauge is a point-in-time value sampled on every scrape.
type Gauge struct {
	Name  string
	Help  string
	Value func() float64
}

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// All counters share one metric with an `event` label. Gauges are emitted as
// their own metrics after the counters.
func PrometheusHandler(m *Metrics, gauges ...Gauge) http.Handler {
	labelEscaper := strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintf(w, "# HELP %s Signaling relay event counters.\n", eventsMetric)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", eventsMetric)
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", eventsMetric, labelEscaper.Replace(k), snap[k])
		}

		for _, g := range gauges {
			if g.Value == nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "# HELP %s %s\n", g.Name, g.Help)
			_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", g.Name)
			_, _ = fmt.Fprintf(w, "%s %g\n", g.Name, g.Value())
		}
	})
}
