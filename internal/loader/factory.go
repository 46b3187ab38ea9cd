package loader

import (
	"github.com/rs/zerolog"

	"github.com/torosent/dataloader/internal/auth"
	"github.com/torosent/dataloader/internal/request"
)

// Factory creates loaders sharing one service and one authoriser chain.
type Factory struct {
	service *Service
	chain   *auth.Chain
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithExecutor runs the loader's delegate callbacks on executor instead of a
// private SerialExecutor.
func WithExecutor(executor Executor) LoaderOption {
	return func(l *Loader) {
		if executor != nil {
			l.executor = executor
		}
	}
}

// WithLoaderLogger overrides the logger inherited from the service.
func WithLoaderLogger(logger zerolog.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// NewLoader returns a loader reporting to delegate.
func (f *Factory) NewLoader(delegate Delegate, opts ...LoaderOption) *Loader {
	l := &Loader{
		service:  f.service,
		chain:    f.chain,
		delegate: delegate,
		executor: NewSerialExecutor(),
		logger:   f.service.logger,
		requests: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Service returns the service the factory was created from.
func (f *Factory) Service() *Service {
	return f.service
}

// Authorisers returns the factory's authorisers in evaluation order.
func (f *Factory) Authorisers() []auth.Authoriser {
	return f.chain.Authorisers()
}

// AuthoriserFor returns the authoriser that would handle req, or nil.
func (f *Factory) AuthoriserFor(req *request.Request) auth.Authoriser {
	return f.chain.AuthoriserFor(req)
}

// Close releases the authorisers' resources.
func (f *Factory) Close() error {
	return f.chain.Close()
}
