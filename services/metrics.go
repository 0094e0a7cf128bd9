package services

import (
	context2 "context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/requiem-ai/apiai/context"
	"github.com/rs/zerolog/log"
)

// MetricsService exposes the process registry on METRICS_ADDR when set.
type MetricsService struct {
	context.DefaultService

	registry *prometheus.Registry
	server   *http.Server
}

const METRICS_SVC = "metrics_svc"

func (svc MetricsService) Id() string {
	return METRICS_SVC
}

func (svc *MetricsService) Configure(ctx *context.Context) error {
	svc.registry = prometheus.NewRegistry()
	svc.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return svc.DefaultService.Configure(ctx)
}

func (svc *MetricsService) Registerer() prometheus.Registerer {
	return svc.registry
}

func (svc *MetricsService) Handler() http.Handler {
	return promhttp.HandlerFor(svc.registry, promhttp.HandlerOpts{})
}

func (svc *MetricsService) Start() error {
	addr := svc.Config().MetricsAddr
	if addr == "" {
		log.Info().Msg("metrics endpoint disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", svc.Handler())
	svc.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		if err := svc.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()

	return nil
}

func (svc *MetricsService) Shutdown() {
	if svc.server == nil {
		return
	}
	ctx, cancel := context2.WithTimeout(context2.Background(), 5*time.Second)
	defer cancel()
	if err := svc.server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("failed to stop metrics server")
	}
}
