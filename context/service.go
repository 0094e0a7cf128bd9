package context

import "github.com/requiem-ai/apiai/config"

// Service is a unit managed by Context.
type Service interface {
	Id() string
	Configure(ctx *Context) error
	Start() error
	Shutdown()
}

// DefaultService gives embedding services the context plumbing and no-op
// lifecycle hooks. Services override what they need and call
// DefaultService.Configure so Service/Config lookups work.
type DefaultService struct {
	ctx *Context
}

func (svc *DefaultService) Configure(ctx *Context) error {
	svc.ctx = ctx
	return nil
}

func (svc *DefaultService) Start() error {
	return nil
}

func (svc *DefaultService) Shutdown() {}

// Service looks up another registered service.
func (svc *DefaultService) Service(id string) Service {
	if svc.ctx == nil {
		return nil
	}
	return svc.ctx.Service(id)
}

// Config returns the shared configuration.
func (svc *DefaultService) Config() *config.Config {
	if svc.ctx == nil {
		return nil
	}
	return svc.ctx.Config()
}

// Context returns the owning context, nil before Configure.
func (svc *DefaultService) Context() *Context {
	return svc.ctx
}
