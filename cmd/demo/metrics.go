package main

import "github.com/prometheus/client_golang/prometheus"

// demoMetrics mirrors the counter/gauge catalogue the original agent's
// hand-rolled Prometheus text exporter tracked (connection attempts,
// reconnects, registrations, alerts sent), adapted to this core's domain and
// backed by the real client_golang registry instead of a hand-written
// exposition-format writer.
type demoMetrics struct {
	attemptsTotal  prometheus.Counter
	retriesTotal   prometheus.Counter
	throttledTotal prometheus.Counter
	picksTotal     *prometheus.CounterVec
}

func newDemoMetrics(reg prometheus.Registerer) *demoMetrics {
	m := &demoMetrics{
		attemptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaygrpc",
			Name:      "attempts_total",
			Help:      "Total RPC attempts issued by the demo executor, across every retry and hedge.",
		}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaygrpc",
			Name:      "retries_total",
			Help:      "Total retry attempts (attempts beyond the first) issued by the demo executor.",
		}),
		throttledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaygrpc",
			Name:      "throttled_total",
			Help:      "Total retries refused by the retry throttle.",
		}),
		picksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaygrpc",
			Name:      "picks_total",
			Help:      "Total successful balancer picks, by backend address.",
		}, []string{"address"}),
	}
	reg.MustRegister(m.attemptsTotal, m.retriesTotal, m.throttledTotal, m.picksTotal)
	return m
}
