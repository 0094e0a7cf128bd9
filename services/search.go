package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/requiem-ai/apiai/context"
	"github.com/requiem-ai/apiai/dispatch"
	"github.com/requiem-ai/apiai/llm"
	"github.com/rs/zerolog/log"
)

// SearchService owns the dispatcher shared by every front-end.
type SearchService struct {
	context.DefaultService

	dispatcher *dispatch.Dispatcher
}

const SEARCH_SVC = "search_svc"

func (svc SearchService) Id() string {
	return SEARCH_SVC
}

func (svc *SearchService) Configure(ctx *context.Context) error {
	if err := svc.DefaultService.Configure(ctx); err != nil {
		return err
	}

	var reg prometheus.Registerer
	if metrics, ok := svc.Service(METRICS_SVC).(*MetricsService); ok {
		reg = metrics.Registerer()
	}

	cfg := svc.Config()
	svc.dispatcher = dispatch.New(dispatch.Config{
		Workers:        cfg.Dispatch.Workers,
		RatePerSecond:  cfg.Dispatch.RatePerSecond,
		RequestTimeout: cfg.Dispatch.RequestTimeout.Duration,
		ClientOptions:  cfg.ClientOptions(),
		Registerer:     reg,
	})

	log.Info().
		Str("provider", cfg.Provider).
		Int("workers", cfg.Dispatch.Workers).
		Dur("request_timeout", cfg.Dispatch.RequestTimeout.Duration).
		Msg("search dispatcher ready")

	return nil
}

func (svc *SearchService) Shutdown() {
	if svc.dispatcher != nil {
		svc.dispatcher.Close()
	}
}

// Settings builds client settings from the current config.
func (svc *SearchService) Settings(provider string) (llm.Settings, error) {
	return svc.Config().Settings(provider)
}

func (svc *SearchService) Submit(req dispatch.Request) (string, bool) {
	return svc.dispatcher.Submit(req)
}

func (svc *SearchService) Poll() (dispatch.Outcome, bool) {
	return svc.dispatcher.Poll()
}

func (svc *SearchService) Cancel(id string) bool {
	return svc.dispatcher.Cancel(id)
}
