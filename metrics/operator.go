// Package metrics exposes the channel-layer's counters and gauges as
// Prometheus collectors. The core never hosts an HTTP server itself (that
// remains an external collaborator); it only registers collectors and hands
// back a handler an embedding application can mount wherever it likes.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	lib "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	xlog "github.com/channel-layer/core/log"
)

// Label values: Reason* for the "kind" label on DeadLetters, Outcome* for the
// "outcome" label on Receives.
const (
	ReasonExpireMarker   = "expire_marker"
	ReasonChannelExpiry  = "channel_expiry"
	ReasonIgnoredMaxLen  = "ignored_maxlen"
	OutcomeHit           = "hit"
	OutcomeMiss          = "miss"
)

// Operator instances collect and expose channel-layer metrics.
type Operator interface {
	// GatherMetrics tries to collect metrics available on a best-effort manner.
	GatherMetrics() ([]*dto.MetricFamily, error)

	// MetricsHandler returns an interface to gather metrics via HTTP. Mounting
	// it is the embedding application's responsibility.
	MetricsHandler() http.Handler

	// Sends counts a Send call outcome; ok=false counts a ChannelFull rejection.
	Sends(ok bool)

	// Receives counts a Receive call outcome.
	Receives(outcome string)

	// GroupAdds counts a successful GroupAdd.
	GroupAdds()

	// GroupDiscards counts a successful GroupDiscard, irrespective of whether
	// it was caller-initiated or triggered by an expire marker.
	GroupDiscards()

	// DeadLetters counts a processed dead letter by kind.
	DeadLetters(kind string)

	// ReplySinkOpened/ReplySinkClosed track in-flight reply sinks.
	ReplySinkOpened()
	ReplySinkClosed()
}

type handler struct {
	registry *lib.Registry

	sendsTotal       *lib.CounterVec
	receivesTotal    *lib.CounterVec
	groupAddsTotal   lib.Counter
	groupDiscTotal   lib.Counter
	deadLettersTotal *lib.CounterVec
	replySinksGauge  lib.Gauge
}

// NewOperator returns a ready-to-use operator instance. Host and runtime
// process metrics are collected by default alongside the channel-layer's own
// collectors. If reg is nil a new empty registry is created.
func NewOperator(reg *lib.Registry) (Operator, error) {
	if reg == nil {
		reg = lib.NewRegistry()
	}
	h := &handler{
		registry: reg,
		sendsTotal: lib.NewCounterVec(lib.CounterOpts{
			Name: "chanlayer_sends_total",
			Help: "Send calls, partitioned by whether they succeeded.",
		}, []string{"result"}),
		receivesTotal: lib.NewCounterVec(lib.CounterOpts{
			Name: "chanlayer_receives_total",
			Help: "Receive calls, partitioned by hit/miss outcome.",
		}, []string{"outcome"}),
		groupAddsTotal: lib.NewCounter(lib.CounterOpts{
			Name: "chanlayer_group_adds_total",
			Help: "Successful GroupAdd calls.",
		}),
		groupDiscTotal: lib.NewCounter(lib.CounterOpts{
			Name: "chanlayer_group_discards_total",
			Help: "Successful GroupDiscard calls, caller- or expiry-triggered.",
		}),
		deadLettersTotal: lib.NewCounterVec(lib.CounterOpts{
			Name: "chanlayer_dead_letters_total",
			Help: "Dead letters processed, partitioned by kind.",
		}, []string{"kind"}),
		replySinksGauge: lib.NewGauge(lib.GaugeOpts{
			Name: "chanlayer_reply_sinks_in_flight",
			Help: "Reply sinks currently awaiting a dispatcher result.",
		}),
	}
	if err := h.init(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *handler) init() (err error) {
	if err = h.registry.Register(collectors.NewGoCollector()); err != nil {
		return err
	}
	if runtime.GOOS == "linux" || runtime.GOOS == "windows" {
		po := collectors.ProcessCollectorOpts{ReportErrors: true}
		if err = h.registry.Register(collectors.NewProcessCollector(po)); err != nil {
			return err
		}
	}
	for _, c := range []lib.Collector{
		h.sendsTotal, h.receivesTotal, h.groupAddsTotal,
		h.groupDiscTotal, h.deadLettersTotal, h.replySinksGauge,
	} {
		if err = h.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (h *handler) GatherMetrics() ([]*dto.MetricFamily, error) {
	return h.registry.Gather()
}

func (h *handler) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{
		ErrorLog:            &errorLogger{ll: xlog.Discard()},
		ErrorHandling:       promhttp.ContinueOnError,
		Registry:            h.registry,
		DisableCompression:  false,
		MaxRequestsInFlight: 10,
		Timeout:             5 * time.Second,
		EnableOpenMetrics:   false,
	})
}

func (h *handler) Sends(ok bool) {
	if ok {
		h.sendsTotal.WithLabelValues("ok").Inc()
		return
	}
	h.sendsTotal.WithLabelValues("channel_full").Inc()
}

func (h *handler) Receives(outcome string) {
	h.receivesTotal.WithLabelValues(outcome).Inc()
}

func (h *handler) GroupAdds() {
	h.groupAddsTotal.Inc()
}

func (h *handler) GroupDiscards() {
	h.groupDiscTotal.Inc()
}

func (h *handler) DeadLetters(kind string) {
	h.deadLettersTotal.WithLabelValues(kind).Inc()
}

func (h *handler) ReplySinkOpened() {
	h.replySinksGauge.Inc()
}

func (h *handler) ReplySinkClosed() {
	h.replySinksGauge.Dec()
}

// Minimal prometheus error logger implementation.
type errorLogger struct {
	ll xlog.Logger
}

func (el *errorLogger) Println(v ...any) {
	el.ll.Print(xlog.Warning, v...)
}
