package context

import (
	context2 "context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/requiem-ai/apiai/config"
	"github.com/rs/zerolog/log"
)

// Context is a small service wrapper that handles the startup/shutdown of the services.
// Services are started in the order they were registered and shut down in reverse.
// Provides cross-service access and the shared config while keeping services separate.
type Context struct {
	startOrder []string
	serviceMap map[string]Service

	cfgMu sync.RWMutex
	cfg   *config.Config

	root     context2.Context
	cancel   context2.CancelFunc
	stopOnce sync.Once
}

// NewCtx Create a new context holding cfg and the given services.
func NewCtx(cfg *config.Config, svcs ...Service) (*Context, error) {
	root, cancel := context2.WithCancel(context2.Background())
	ctx := Context{
		startOrder: make([]string, 0, len(svcs)),
		serviceMap: make(map[string]Service, len(svcs)),
		cfg:        cfg,
		root:       root,
		cancel:     cancel,
	}

	for _, s := range svcs {
		if err := ctx.Register(s); err != nil {
			cancel()
			return nil, err
		}
	}

	return &ctx, nil
}

// Register a new service into the context and preserve the order passed
func (ctx *Context) Register(service Service) error {
	if _, ok := ctx.serviceMap[service.Id()]; ok {
		return fmt.Errorf("service %s already registered", service.Id())
	}

	ctx.startOrder = append(ctx.startOrder, service.Id())
	ctx.serviceMap[service.Id()] = service

	return nil
}

// Service Returns the given service, or nil when it is not registered.
// Note: once returned the service must be cast to the correct service
// Example: ctx.Service(SEARCH_SVC).(*SearchService)
func (ctx *Context) Service(id string) Service {
	return ctx.serviceMap[id]
}

// Config returns the current configuration.
func (ctx *Context) Config() *config.Config {
	ctx.cfgMu.RLock()
	defer ctx.cfgMu.RUnlock()
	return ctx.cfg
}

// SetConfig swaps the configuration, used by hot reload.
func (ctx *Context) SetConfig(cfg *config.Config) {
	ctx.cfgMu.Lock()
	ctx.cfg = cfg
	ctx.cfgMu.Unlock()
}

// Done is closed once the context starts shutting down.
func (ctx *Context) Done() <-chan struct{} {
	return ctx.root.Done()
}

// Root returns the context canceled at shutdown, for background loops.
func (ctx *Context) Root() context2.Context {
	return ctx.root
}

// Run Starts the context
// Each service is configured first, if any fail here the context will bail out
// Each service is started, if any fail here the context will bail out
// Run returns once every service has started; the last one may block until shutdown.
func (ctx *Context) Run() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("Received signal. Shutting down")
			ctx.Shutdown()
		case <-ctx.root.Done():
		}
		signal.Stop(sigChan)
	}()

	for _, svcId := range ctx.startOrder {
		if err := ctx.Configure(ctx.serviceMap[svcId]); err != nil {
			log.Error().Err(err).Str("service", svcId).Msg("Context Configure Error")
			return err
		}
	}

	for _, svcId := range ctx.startOrder {
		if err := ctx.Start(ctx.serviceMap[svcId]); err != nil {
			log.Error().Err(err).Str("service", svcId).Msg("Context Start Error")
			return err
		}
	}

	return nil
}

// Shutdown stops every service in reverse start order. Safe to call more than once.
func (ctx *Context) Shutdown() {
	ctx.stopOnce.Do(func() {
		for i := len(ctx.startOrder) - 1; i >= 0; i-- {
			svcId := ctx.startOrder[i]
			log.Info().Str("service", svcId).Msg("Shutting down")
			ctx.serviceMap[svcId].Shutdown()
		}
		ctx.cancel()
	})
}

// Configure the given service
func (ctx *Context) Configure(svc Service) error {
	log.Info().Str("service", svc.Id()).Msg("Context Configure")

	if err := svc.Configure(ctx); err != nil {
		return err
	}

	return nil
}

// Start the given service
func (ctx *Context) Start(svc Service) error {
	log.Info().Str("service", svc.Id()).Msg("Context Start")

	if err := svc.Start(); err != nil {
		return err
	}

	return nil
}

// Services lists the registered service ids in start order.
func (ctx *Context) Services() []string {
	return append([]string(nil), ctx.startOrder...)
}
