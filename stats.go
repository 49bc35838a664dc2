package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rcrowley/go-metrics"
)

const metricsNamespace = "ocelot"

// trackerStats holds the operator-visible counters. Every client error class
// has a counter of its own.
type trackerStats struct {
	registry metrics.Registry

	announcements metrics.Counter
	scrapes       metrics.Counter
	updates       metrics.Counter
	reports       metrics.Counter
	snatches      metrics.Counter

	httpErrors           metrics.Counter
	invalidActions       metrics.Counter
	authErrorsSecret     metrics.Counter
	authErrorsPasskey    metrics.Counter
	unregisteredTorrents metrics.Counter
	clientRejections     metrics.Counter
	leechDenied          metrics.Counter
	internalErrors       metrics.Counter

	reapedLeechers   metrics.Counter
	reapedSeeders    metrics.Counter
	reapedDelReasons metrics.Counter
}

func newTrackerStats(tr *Tracker) *trackerStats {
	r := metrics.NewRegistry()
	s := &trackerStats{
		registry: r,

		announcements: metrics.NewRegisteredCounter("announcements", r),
		scrapes:       metrics.NewRegisteredCounter("scrapes", r),
		updates:       metrics.NewRegisteredCounter("updates", r),
		reports:       metrics.NewRegisteredCounter("reports", r),
		snatches:      metrics.NewRegisteredCounter("snatches", r),

		httpErrors:           metrics.NewRegisteredCounter("http_errors", r),
		invalidActions:       metrics.NewRegisteredCounter("invalid_actions", r),
		authErrorsSecret:     metrics.NewRegisteredCounter("auth_errors_secret", r),
		authErrorsPasskey:    metrics.NewRegisteredCounter("auth_errors_passkey", r),
		unregisteredTorrents: metrics.NewRegisteredCounter("unregistered_torrents", r),
		clientRejections:     metrics.NewRegisteredCounter("client_rejections", r),
		leechDenied:          metrics.NewRegisteredCounter("leech_denied", r),
		internalErrors:       metrics.NewRegisteredCounter("internal_errors", r),

		reapedLeechers:   metrics.NewRegisteredCounter("reaped_leechers", r),
		reapedSeeders:    metrics.NewRegisteredCounter("reaped_seeders", r),
		reapedDelReasons: metrics.NewRegisteredCounter("reaped_del_reasons", r),
	}

	metrics.NewRegisteredFunctionalGauge("uptime", r, func() int64 {
		return int64(time.Since(tr.startedAt) / time.Second)
	})
	metrics.NewRegisteredFunctionalGauge("torrents", r, func() int64 {
		return int64(tr.reg.counts().torrents)
	})
	metrics.NewRegisteredFunctionalGauge("users", r, func() int64 {
		return int64(tr.reg.counts().users)
	})
	metrics.NewRegisteredFunctionalGauge("seeders", r, func() int64 {
		return int64(tr.reg.counts().seeders)
	})
	metrics.NewRegisteredFunctionalGauge("leechers", r, func() int64 {
		return int64(tr.reg.counts().leechers)
	})
	metrics.NewRegisteredFunctionalGauge("status", r, func() int64 {
		return int64(tr.lifecycle.Status())
	})
	return s
}

type statValue struct {
	name  string
	value int64
	gauge bool
}

// snapshot returns every counter and gauge sorted by name.
func (s *trackerStats) snapshot() []statValue {
	var out []statValue
	s.registry.Each(func(name string, m any) {
		switch v := m.(type) {
		case metrics.Counter:
			out = append(out, statValue{name: name, value: v.Count()})
		case metrics.Gauge:
			out = append(out, statValue{name: name, value: v.Value(), gauge: true})
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (s *trackerStats) String() string {
	var b strings.Builder
	for _, v := range s.snapshot() {
		fmt.Fprintf(&b, "%d %s\n", v.value, strings.ReplaceAll(v.name, "_", " "))
	}
	return b.String()
}

// statsCollector exports the go-metrics registry to Prometheus.
type statsCollector struct {
	stats *trackerStats
}

func newStatsCollector(s *trackerStats) prometheus.Collector {
	return statsCollector{stats: s}
}

func (c statsCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c statsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, v := range c.stats.snapshot() {
		name := prometheus.BuildFQName(metricsNamespace, "", v.name)
		valueType := prometheus.GaugeValue
		if !v.gauge {
			name += "_total"
			valueType = prometheus.CounterValue
		}
		desc := prometheus.NewDesc(name, "Tracker "+strings.ReplaceAll(v.name, "_", " ")+".", nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, valueType, float64(v.value))
	}
}
