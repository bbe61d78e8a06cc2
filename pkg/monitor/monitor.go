// Package monitor exports training progress as prometheus metrics.
package monitor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"submitter/pkg/estimator"
	"submitter/pkg/metrics"
)

const namespace = "submitter"

type Monitor struct {
	Registry *prometheus.Registry

	steps       prometheus.Counter
	globalStep  prometheus.Gauge
	loss        prometheus.Gauge
	evaluations prometheus.Counter
	eval        *prometheus.GaugeVec
}

// New registers the training metrics of one job on a fresh registry.
func New(estimatorKind string) *Monitor {
	labels := prometheus.Labels{"estimator": estimatorKind}
	m := &Monitor{
		Registry: prometheus.NewRegistry(),
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "train", Name: "steps_total",
			Help: "Training steps run by this process.", ConstLabels: labels,
		}),
		globalStep: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "train", Name: "global_step",
			Help: "Global step of the model.", ConstLabels: labels,
		}),
		loss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "train", Name: "loss",
			Help: "Loss of the last training batch.", ConstLabels: labels,
		}),
		evaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "eval", Name: "runs_total",
			Help: "Evaluations run.", ConstLabels: labels,
		}),
		eval: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "eval", Name: "metric",
			Help: "Last evaluation result by metric.", ConstLabels: labels,
		}, []string{"metric"}),
	}
	m.Registry.MustRegister(m.steps, m.globalStep, m.loss, m.evaluations, m.eval)
	return m
}

// Hooks feeds the metrics from the estimator, calling next afterwards.
func (m *Monitor) Hooks(next estimator.Hooks) estimator.Hooks {
	return estimator.Hooks{
		OnStep: func(step int, loss float64) {
			m.steps.Inc()
			m.globalStep.Set(float64(step))
			m.loss.Set(loss)
			if next.OnStep != nil {
				next.OnStep(step, loss)
			}
		},
		OnEvaluate: func(step int, result metrics.Result) {
			m.evaluations.Inc()
			for name, value := range result {
				m.eval.WithLabelValues(name).Set(value)
			}
			if next.OnEvaluate != nil {
				next.OnEvaluate(step, result)
			}
		},
	}
}

func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Monitor) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdown); err != nil {
			log.Debug().Err(err).Str("addr", addr).Msg("Metrics server shutdown")
		}
	}()
	log.Info().Str("addr", addr).Msg("Serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// WriteTextfile dumps the registry in the node exporter textfile format.
func (m *Monitor) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return err
	}
	log.Info().Str("path", path).Msg("Wrote metrics")
	return nil
}
