// Package task implements the per-request lifecycle: rate limited dispatch,
// response accumulation or chunk forwarding, retry with backoff, and a single
// terminal outcome.
package task

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/torosent/dataloader/internal/backoff"
	"github.com/torosent/dataloader/internal/cancel"
	"github.com/torosent/dataloader/internal/ratelimit"
	"github.com/torosent/dataloader/internal/request"
	"github.com/torosent/dataloader/internal/transport"
)

// Default backoff bounds used when no timer is supplied.
const (
	DefaultInitialBackoff = time.Second
	DefaultMaximumBackoff = 60 * time.Second
)

// Delegate receives the events of a handler. Calls are made without holding
// the handler lock, from transport or timer goroutines.
type Delegate interface {
	ReceivedInitialResponse(h *Handler, resp *request.Response)
	ReceivedDataChunk(h *Handler, p []byte)
	WaitingForConnectivity(h *Handler)
	NeedsNewBodyStream(h *Handler, completion func(io.Reader))
	// Unauthorised is offered a 401 response before it becomes terminal. Returning
	// true hands the request back to the delegate, which restarts it with Start
	// or ends it with Fail.
	Unauthorised(h *Handler, resp *request.Response) bool
	// Finished is called exactly once.
	Finished(h *Handler, outcome Outcome, resp *request.Response)
}

// Config holds the collaborators of a handler.
type Config struct {
	Request     *request.Request
	Token       *cancel.Token
	Transport   transport.Transport
	RateLimiter *ratelimit.RateLimiter
	Timer       *backoff.ExponentialTimer
	Statuses    *StatusPolicy
	Delegate    Delegate
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Handler drives one request through its lifecycle. It owns at most one live
// transport task at a time and reuses its identity across retries.
type Handler struct {
	req       *request.Request
	token     *cancel.Token
	transport transport.Transport
	limiter   *ratelimit.RateLimiter
	timer     *backoff.ExponentialTimer
	statuses  *StatusPolicy
	delegate  Delegate
	logger    zerolog.Logger
	now       func() time.Time

	mu                     sync.Mutex
	state                  State
	terminal               bool
	task                   transport.Task
	deferred               *time.Timer
	head                   *request.Response
	body                   bytes.Buffer
	attempts               int
	retries                int
	firstDispatch          time.Time
	providedOriginalStream bool

	bytesDownloaded atomic.Int64
	bytesUploaded   atomic.Int64
}

var _ transport.Events = (*Handler)(nil)

// New returns a handler in the Created state.
func New(cfg Config) *Handler {
	h := &Handler{
		req:       cfg.Request,
		token:     cfg.Token,
		transport: cfg.Transport,
		limiter:   cfg.RateLimiter,
		timer:     cfg.Timer,
		statuses:  cfg.Statuses,
		delegate:  cfg.Delegate,
		logger:    cfg.Logger.With().Str("request_id", cfg.Request.ID()).Logger(),
		now:       cfg.Now,
	}
	if h.token == nil {
		h.token = cancel.New(nil, cfg.Request.ID())
	}
	if h.limiter == nil {
		h.limiter = ratelimit.New(0)
	}
	if h.timer == nil {
		h.timer = backoff.NewExponentialTimer(DefaultInitialBackoff, DefaultMaximumBackoff)
	}
	if h.statuses == nil {
		h.statuses = ServerErrorPolicy()
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

func (h *Handler) Request() *request.Request { return h.req }

func (h *Handler) Token() *cancel.Token { return h.token }

// State returns the current lifecycle state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Attempts returns the number of transport tasks created so far.
func (h *Handler) Attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

// Retries returns the number of retries consumed from the request's budget.
func (h *Handler) Retries() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retries
}

func (h *Handler) BytesDownloaded() int64 { return h.bytesDownloaded.Load() }

func (h *Handler) BytesUploaded() int64 { return h.bytesUploaded.Load() }

// BeginAuthorisation moves the handler to Authorising. It returns false once the handler is terminal.
func (h *Handler) BeginAuthorisation() bool {
	if h.token.IsCancelled() {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminal {
		return false
	}
	h.state = StateAuthorising
	return true
}

// Start dispatches the next attempt, or defers it while the rate limiter asks to wait.
func (h *Handler) Start() {
	if h.token.IsCancelled() {
		return
	}

	h.mu.Lock()
	if h.terminal {
		h.mu.Unlock()
		return
	}
	if delay := h.limiter.TryExecute(h.req); delay > 0 {
		h.state = StateRateLimited
		h.scheduleLocked(delay)
		h.mu.Unlock()
		h.logger.Debug().Dur("delay", delay).Msg("rate limited")
		return
	}

	now := h.now()
	if h.firstDispatch.IsZero() {
		h.firstDispatch = now
	}
	h.attempts++
	attempt := h.attempts
	h.state = StateDispatched
	h.head = nil
	h.body.Reset()

	task, err := h.transport.CreateTask(h.req, h)
	if err != nil {
		h.mu.Unlock()
		h.CompleteWithError(&request.TransportError{Op: "create", Err: err})
		return
	}
	h.task = task
	h.mu.Unlock()

	h.logger.Debug().Int("attempt", attempt).Msg("dispatched")
	task.Resume()
}

// ReceiveResponse records the response head. For chunked requests the head is
// surfaced to the delegate before any data.
func (h *Handler) ReceiveResponse(statusCode int, headers http.Header) transport.Disposition {
	if h.token.IsCancelled() {
		return transport.DispositionCancel
	}

	h.mu.Lock()
	if h.terminal {
		h.mu.Unlock()
		return transport.DispositionCancel
	}
	h.state = StateReceivingResponse
	h.head = request.NewHTTPResponse(h.req, statusCode, headers, h.now())
	initial := h.head.Clone()
	h.mu.Unlock()

	if h.req.Chunks {
		h.delegate.ReceivedInitialResponse(h, initial)
	}
	return transport.DispositionAllow
}

// ReceiveData forwards p when chunked delivery was requested, otherwise buffers it.
func (h *Handler) ReceiveData(p []byte) {
	if h.token.IsCancelled() {
		return
	}
	h.bytesDownloaded.Add(int64(len(p)))

	h.mu.Lock()
	if h.terminal {
		h.mu.Unlock()
		return
	}
	h.state = StateReceivingData
	if !h.req.Chunks {
		h.body.Write(p)
	}
	h.mu.Unlock()

	if h.req.Chunks {
		h.delegate.ReceivedDataChunk(h, p)
	}
}

// DidSendBodyData adds n to the uploaded byte counter.
func (h *Handler) DidSendBodyData(n int64) {
	h.bytesUploaded.Add(n)
}

// DidTransferHeaders counts header bytes into the consumption totals.
func (h *Handler) DidTransferHeaders(sent, received int64) {
	if h.token.IsCancelled() {
		return
	}
	h.bytesUploaded.Add(sent)
	h.bytesDownloaded.Add(received)
}

// NoteWaitingForConnectivity is informational and only honoured for requests that opted in.
func (h *Handler) NoteWaitingForConnectivity() {
	if !h.req.WaitsForConnectivity || h.token.IsCancelled() {
		return
	}
	h.mu.Lock()
	if h.terminal {
		h.mu.Unlock()
		return
	}
	h.state = StateWaitingForConnectivity
	h.mu.Unlock()

	h.delegate.WaitingForConnectivity(h)
}

func (h *Handler) MayRedirect() bool {
	return !h.req.ForbidRedirects
}

// ProvideNewBodyStream hands out the request's own stream the first time and
// asks the delegate for a replacement afterwards.
func (h *Handler) ProvideNewBodyStream(completion func(io.Reader)) {
	h.mu.Lock()
	first := !h.providedOriginalStream
	h.providedOriginalStream = true
	h.mu.Unlock()

	if first && h.req.BodyStream != nil {
		completion(h.req.BodyStream)
		return
	}
	h.delegate.NeedsNewBodyStream(h, completion)
}

// CompleteWithError ends the current attempt. It returns the terminal response,
// or nil when the request is retried, was cancelled or already ended.
func (h *Handler) CompleteWithError(err error) *request.Response {
	if h.token.IsCancelled() {
		return nil
	}

	h.mu.Lock()
	if h.terminal {
		h.mu.Unlock()
		return nil
	}
	h.state = StateCompleting
	h.task = nil
	resp := h.responseLocked(err)

	now := h.now()
	deferredByServer := resp.RetryAfter.After(now)
	if deferredByServer {
		h.limiter.SetRetryAfter(resp.RetryAfter, h.req.URL)
	}

	if h.retryable(resp) && h.retries < h.req.MaximumRetryCount {
		h.retries++
		retries := h.retries
		var delay time.Duration
		// A Retry-After floor is enforced by the limiter when Start runs.
		if !deferredByServer {
			delay = h.timer.DelayAndCalculateNext()
		}
		h.state = StateRetrying
		h.scheduleLocked(delay)
		h.mu.Unlock()

		h.logger.Info().Err(resp.Error).Int("status", resp.StatusCode).Int("retry", retries).Dur("delay", delay).Msg("retrying request")
		return nil
	}

	if err == nil && resp.StatusCode == http.StatusUnauthorized && !h.req.RetriedAuthorisation() {
		h.state = StateAuthorising
		h.mu.Unlock()
		if h.delegate.Unauthorised(h, resp.Clone()) {
			return nil
		}
		h.mu.Lock()
		if h.terminal {
			h.mu.Unlock()
			return nil
		}
	}

	if resp.Error == nil && resp.StatusCode >= 400 && h.statuses.ShouldRetry(resp.StatusCode) {
		resp.Error = request.NewHTTPError(resp.StatusCode, resp.Body)
	}

	outcome := OutcomeFailed
	h.state = StateFailed
	if resp.Succeeded() {
		outcome = OutcomeSucceeded
		h.state = StateSucceeded
	}
	h.terminal = true
	h.mu.Unlock()

	h.logger.Debug().Str("outcome", outcome.String()).Int("status", resp.StatusCode).Err(resp.Error).Msg("request finished")
	h.delegate.Finished(h, outcome, resp)
	return resp
}

// Fail ends the request with err without a transport attempt. It returns false
// if the request already ended or was cancelled.
func (h *Handler) Fail(err error) bool {
	if h.token.IsCancelled() {
		return false
	}
	h.mu.Lock()
	if h.terminal {
		h.mu.Unlock()
		return false
	}
	h.terminal = true
	h.state = StateFailed
	h.stopDeferredLocked()
	resp := h.responseLocked(err)
	h.mu.Unlock()

	h.logger.Debug().Err(err).Msg("request failed before dispatch")
	h.delegate.Finished(h, OutcomeFailed, resp)
	return true
}

// Cancel ends the request as cancelled and aborts any live task. It returns false
// if the request had already ended.
func (h *Handler) Cancel() bool {
	h.mu.Lock()
	if h.terminal {
		h.mu.Unlock()
		return false
	}
	h.terminal = true
	h.state = StateCancelled
	h.stopDeferredLocked()
	task := h.task
	h.task = nil
	resp := h.responseLocked(request.ErrCancelled)
	h.mu.Unlock()

	if task != nil {
		task.Cancel()
	}
	h.logger.Debug().Msg("request cancelled")
	h.delegate.Finished(h, OutcomeCancelled, resp)
	return true
}

func (h *Handler) retryable(resp *request.Response) bool {
	if resp.Error != nil {
		return request.IsTransient(resp.Error)
	}
	return h.statuses.ShouldRetry(resp.StatusCode)
}

func (h *Handler) responseLocked(err error) *request.Response {
	var resp *request.Response
	if h.head != nil {
		resp = h.head.Clone()
	} else {
		resp = request.NewResponse(h.req)
	}
	resp.Error = err
	if !h.req.Chunks && h.body.Len() > 0 {
		resp.Body = bytes.Clone(h.body.Bytes())
	}
	if !h.firstDispatch.IsZero() {
		resp.RequestTime = h.now().Sub(h.firstDispatch)
	}
	if errors.Is(err, request.ErrCancelled) {
		resp.Body = nil
	}
	return resp
}

func (h *Handler) scheduleLocked(delay time.Duration) {
	h.stopDeferredLocked()
	h.deferred = time.AfterFunc(delay, h.Start)
}

func (h *Handler) stopDeferredLocked() {
	if h.deferred != nil {
		h.deferred.Stop()
		h.deferred = nil
	}
}
