package loader

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/torosent/dataloader/internal/auth"
	"github.com/torosent/dataloader/internal/cancel"
	"github.com/torosent/dataloader/internal/logging"
	"github.com/torosent/dataloader/internal/request"
	"github.com/torosent/dataloader/internal/task"
	"github.com/torosent/dataloader/internal/tracing"
)

// Loader performs requests on behalf of one delegate. It is safe for
// concurrent use; callbacks are serialised by its Executor.
type Loader struct {
	service  *Service
	chain    *auth.Chain
	delegate Delegate
	executor Executor
	logger   zerolog.Logger

	mu       sync.Mutex
	requests map[string]*entry
}

var _ cancel.Delegate = (*Loader)(nil)

// NewRequest parses rawURL into a GET request carrying the service's default
// timeout and retry budget.
func (l *Loader) NewRequest(rawURL string) (*request.Request, error) {
	req, err := request.New(rawURL)
	if err != nil {
		return nil, err
	}
	req.Timeout = l.service.defaultTimeout
	req.MaximumRetryCount = l.service.defaultRetries
	return req, nil
}

// PerformRequest starts req and returns the token that cancels it. An invalid
// request is answered synchronously with FailedResponse and a nil token.
func (l *Loader) PerformRequest(req *request.Request) *cancel.Token {
	if err := l.validate(req); err != nil {
		l.reject(req, err)
		return nil
	}

	token := cancel.New(l, req.ID())
	ctx, stop := context.WithCancel(context.Background())
	ctx, span := tracing.StartRequestSpan(ctx, l.service.tracer, req)
	e := &entry{
		loader: l,
		ctx:    ctx,
		stop:   stop,
		span:   span,
		logger: logging.WithRequest(l.logger, req),
	}
	e.handler = task.New(task.Config{
		Request:     req,
		Token:       token,
		Transport:   l.service.transport,
		RateLimiter: l.service.limiter,
		Timer:       l.service.newTimer(),
		Statuses:    l.service.statuses,
		Delegate:    e,
		Logger:      l.logger,
	})

	l.mu.Lock()
	if _, dup := l.requests[req.ID()]; dup {
		l.mu.Unlock()
		stop()
		span.End()
		l.reject(req, fmt.Errorf("%w: request %s is already in flight", request.ErrInvalidRequest, req.ID()))
		return nil
	}
	l.requests[req.ID()] = e
	l.mu.Unlock()

	req.SetCancellationToken(token)
	if l.service.userAgent != "" && req.Header("User-Agent") == "" {
		req.SetHeader("User-Agent", l.service.userAgent)
	}
	if l.service.propagate {
		tracing.InjectRequestHeaders(ctx, req)
	}

	e.logger.Debug().Msg("request accepted")
	e.authorise()
	return token
}

// CancelAllLoads cancels every request in flight.
func (l *Loader) CancelAllLoads() {
	l.mu.Lock()
	tokens := make([]*cancel.Token, 0, len(l.requests))
	for _, e := range l.requests {
		tokens = append(tokens, e.handler.Token())
	}
	l.mu.Unlock()

	for _, t := range tokens {
		t.Cancel()
	}
}

// CurrentRequests returns a snapshot of the requests in flight.
func (l *Loader) CurrentRequests() []*request.Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	reqs := make([]*request.Request, 0, len(l.requests))
	for _, e := range l.requests {
		reqs = append(reqs, e.handler.Request())
	}
	return reqs
}

// CancellationTokenDidCancel ends the request the token refers to.
func (l *Loader) CancellationTokenDidCancel(t *cancel.Token) {
	l.mu.Lock()
	e, ok := l.requests[t.Target()]
	l.mu.Unlock()
	if !ok {
		return
	}
	e.handler.Cancel()
}

func (l *Loader) validate(req *request.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if req.Chunks && !l.supportsChunks() {
		return fmt.Errorf("%w: chunked delivery requires a delegate that supports chunks", request.ErrInvalidRequest)
	}
	if req.CancellationToken() != nil && req.CancellationToken().Delegate() != nil {
		return fmt.Errorf("%w: request %s was already performed", request.ErrInvalidRequest, req.ID())
	}
	return nil
}

func (l *Loader) supportsChunks() bool {
	cd, ok := l.delegate.(ChunkDelegate)
	return ok && cd.SupportsChunks(l)
}

func (l *Loader) reject(req *request.Request, err error) {
	resp := request.NewResponse(req)
	resp.Error = err
	l.logger.Warn().Err(err).Msg("request rejected")
	l.delegate.FailedResponse(l, resp)
}

func (l *Loader) remove(e *entry) {
	id := e.handler.Request().ID()
	l.mu.Lock()
	if l.requests[id] == e {
		delete(l.requests, id)
	}
	l.mu.Unlock()
}

// informational runs fn on the executor unless the request was cancelled
// before or while it was queued.
func (l *Loader) informational(h *task.Handler, fn func()) {
	if h.Token().IsCancelled() {
		return
	}
	l.executor.Execute(func() {
		if h.Token().IsCancelled() {
			return
		}
		fn()
	})
}

// entry is the registry record of one request. It receives the handler's and
// the authoriser's events.
type entry struct {
	loader  *Loader
	handler *task.Handler
	ctx     context.Context
	stop    context.CancelFunc
	span    trace.Span
	logger  zerolog.Logger

	mu         sync.Mutex
	authoriser auth.Authoriser
	initial    *request.Response
}

var (
	_ task.Delegate = (*entry)(nil)
	_ auth.Delegate = (*entry)(nil)
)

// authorise runs the first matching authoriser, or dispatches directly.
func (e *entry) authorise() {
	req := e.handler.Request()
	a := e.loader.chain.AuthoriserFor(req)
	if a == nil {
		e.handler.Start()
		return
	}
	if !e.handler.BeginAuthorisation() {
		return
	}
	e.mu.Lock()
	e.authoriser = a
	e.mu.Unlock()

	e.logger.Debug().Str("authoriser", a.Identifier()).Msg("authorising request")
	a.AuthoriseRequest(e.ctx, req, e)
}

func (e *entry) AuthorisedRequest(a auth.Authoriser, req *request.Request) {
	e.handler.Start()
}

func (e *entry) FailedToAuthoriseRequest(a auth.Authoriser, req *request.Request, err error) {
	if e.handler.Token().IsCancelled() {
		return
	}
	if req.MarkRetriedAuthorisation() {
		e.logger.Warn().Err(err).Str("authoriser", a.Identifier()).Msg("authorisation failed, retrying")
		e.authorise()
		return
	}
	e.logger.Warn().Err(err).Str("authoriser", a.Identifier()).Msg("authorisation failed")
	e.handler.Fail(&request.AuthorisationError{Authoriser: a.Identifier(), Err: err})
}

func (e *entry) ReceivedInitialResponse(h *task.Handler, resp *request.Response) {
	e.mu.Lock()
	e.initial = resp
	e.mu.Unlock()

	d, ok := e.loader.delegate.(InitialResponseDelegate)
	if !ok {
		return
	}
	l := e.loader
	l.informational(h, func() { d.ReceivedInitialResponse(l, resp) })
}

func (e *entry) ReceivedDataChunk(h *task.Handler, p []byte) {
	d, ok := e.loader.delegate.(ChunkDelegate)
	if !ok {
		return
	}
	e.mu.Lock()
	resp := e.initial
	e.mu.Unlock()

	l := e.loader
	l.informational(h, func() { d.ReceivedDataChunk(l, p, resp) })
}

func (e *entry) WaitingForConnectivity(h *task.Handler) {
	d, ok := e.loader.delegate.(ConnectivityDelegate)
	if !ok {
		return
	}
	l := e.loader
	l.informational(h, func() { d.RequestIsWaitingForConnectivity(l, h.Request()) })
}

func (e *entry) NeedsNewBodyStream(h *task.Handler, completion func(io.Reader)) {
	d, ok := e.loader.delegate.(BodyStreamDelegate)
	if !ok || h.Token().IsCancelled() {
		completion(nil)
		return
	}
	l := e.loader
	l.executor.Execute(func() {
		if h.Token().IsCancelled() {
			completion(nil)
			return
		}
		d.NeedsNewBodyStream(l, h.Request(), completion)
	})
}

// Unauthorised tells the authoriser that its credentials were rejected and,
// while the request still has its authorisation retry, authorises it again.
func (e *entry) Unauthorised(h *task.Handler, resp *request.Response) bool {
	req := h.Request()
	e.mu.Lock()
	previous := e.authoriser
	e.mu.Unlock()
	if previous == nil {
		return false
	}

	previous.RequestFailedAuthorisation(req, resp)
	if e.loader.chain.AuthoriserFor(req) == nil {
		return false
	}
	if !req.MarkRetriedAuthorisation() {
		return false
	}
	e.logger.Info().Str("authoriser", previous.Identifier()).Msg("credentials rejected, authorising again")
	e.authorise()
	return true
}

func (e *entry) Finished(h *task.Handler, outcome task.Outcome, resp *request.Response) {
	l := e.loader
	l.remove(e)
	e.stop()

	downloaded, uploaded := h.BytesDownloaded(), h.BytesUploaded()
	tracing.EndRequestSpan(e.span, resp, tracing.RequestSummary{
		Outcome:    outcome.String(),
		Attempts:   h.Attempts(),
		Downloaded: downloaded,
		Uploaded:   uploaded,
	})
	l.service.notifyObservers(resp, downloaded, uploaded)

	e.logger.Debug().Str("outcome", outcome.String()).Int("status", resp.StatusCode).Msg("delivering outcome")
	switch outcome {
	case task.OutcomeSucceeded:
		l.executor.Execute(func() { l.delegate.SuccessfulResponse(l, resp) })
	case task.OutcomeCancelled:
		req := h.Request()
		l.executor.Execute(func() { l.delegate.CancelledRequest(l, req) })
	default:
		l.executor.Execute(func() { l.delegate.FailedResponse(l, resp) })
	}
}
