// Package metrics exposes Prometheus instrumentation for task processing,
// channel delivery and provider email events.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrymomot/notifykit/internal/mailer"
	"github.com/dmitrymomot/notifykit/internal/notify"
	"github.com/dmitrymomot/notifykit/pkg/queue"
)

// Metrics holds the collectors. Create one per registry.
type Metrics struct {
	gatherer prometheus.Gatherer

	tasksFinished *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	deliveries    *prometheus.CounterVec
	deliveryTime  *prometheus.HistogramVec
	emailEvents   *prometheus.CounterVec
}

// New registers the collectors on reg. With a nil reg a private registry is used.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		gatherer: reg,
		tasksFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notifykit_tasks_finished_total",
			Help: "Total number of queue task runs by outcome",
		}, []string{"task", "outcome"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notifykit_task_duration_seconds",
			Help:    "Duration of queue task runs in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notifykit_deliveries_total",
			Help: "Total number of channel delivery attempts by result",
		}, []string{"channel", "result"}),
		deliveryTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notifykit_delivery_duration_seconds",
			Help:    "Duration of channel deliveries in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),
		emailEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notifykit_email_events_total",
			Help: "Total number of provider email events ingested",
		}, []string{"type"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// TaskFinished implements queue.Observer.
func (m *Metrics) TaskFinished(taskName string, outcome queue.Outcome, _ int, duration time.Duration) {
	m.tasksFinished.WithLabelValues(taskName, string(outcome)).Inc()
	m.taskDuration.WithLabelValues(taskName).Observe(duration.Seconds())
}

// EmailEvent is a mailer.EventListener counting newly ingested events.
func (m *Metrics) EmailEvent(_ context.Context, ev mailer.Event, _ mailer.Tracking) {
	m.emailEvents.WithLabelValues(string(ev.Type)).Inc()
}

// Sender wraps next and records every delivery it makes.
func (m *Metrics) Sender(next notify.Sender) notify.Sender {
	return &instrumentedSender{next: next, m: m}
}

type instrumentedSender struct {
	next notify.Sender
	m    *Metrics
}

func (s *instrumentedSender) Channel() notify.Channel { return s.next.Channel() }

func (s *instrumentedSender) Send(ctx context.Context, n notify.Notification) error {
	channel := string(s.next.Channel())
	start := time.Now()
	err := s.next.Send(ctx, n)
	s.m.deliveryTime.WithLabelValues(channel).Observe(time.Since(start).Seconds())
	s.m.deliveries.WithLabelValues(channel, result(err)).Inc()
	return err
}

func result(err error) string {
	switch {
	case err == nil:
		return "delivered"
	case queue.IsPermanent(err), errors.Is(err, notify.ErrNoRecipient):
		return "rejected"
	default:
		return "failed"
	}
}

var _ queue.Observer = (*Metrics)(nil)
