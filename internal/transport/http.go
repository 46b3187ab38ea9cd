package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/torosent/dataloader/internal/request"
)

const (
	defaultChunkSize     = 32 * 1024
	defaultProbeInterval = 2 * time.Second
)

var (
	// ErrUntrustedServer is returned when a ServerTrustPolicy rejects a peer.
	ErrUntrustedServer = errors.New("server trust policy rejected peer")
	// ErrNoBodyStream is returned when a streaming body could not be replaced.
	ErrNoBodyStream = errors.New("no body stream provided")
	// ErrTaskCancelled completes a task cancelled through Cancel or a cancel disposition.
	ErrTaskCancelled = errors.New("task cancelled")
)

type eventsKey struct{}

// HTTPTransport runs tasks on a pooled net/http client.
type HTTPTransport struct {
	client        *http.Client
	dialer        *net.Dialer
	resolver      AddressResolver
	trust         ServerTrustPolicy
	tlsConfig     *tls.Config
	userAgent     string
	chunkSize     int
	probe         func(ctx context.Context, address string) error
	probeInterval time.Duration
	logger        zerolog.Logger
}

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithAddressResolver dials resolved addresses instead of the request host when one is known.
func WithAddressResolver(r AddressResolver) HTTPOption {
	return func(t *HTTPTransport) {
		t.resolver = r
	}
}

// WithServerTrustPolicy consults p after standard certificate verification.
func WithServerTrustPolicy(p ServerTrustPolicy) HTTPOption {
	return func(t *HTTPTransport) {
		t.trust = p
	}
}

// WithTLSConfig sets the base TLS client configuration.
func WithTLSConfig(cfg *tls.Config) HTTPOption {
	return func(t *HTTPTransport) {
		t.tlsConfig = cfg
	}
}

// WithUserAgent sets the User-Agent sent when a request does not carry one.
func WithUserAgent(ua string) HTTPOption {
	return func(t *HTTPTransport) {
		t.userAgent = ua
	}
}

// WithChunkSize sets the read buffer size used to deliver body data.
func WithChunkSize(n int) HTTPOption {
	return func(t *HTTPTransport) {
		if n > 0 {
			t.chunkSize = n
		}
	}
}

// WithConnectivityProbe replaces the reachability check used for requests that
// wait for connectivity, and the interval between checks.
func WithConnectivityProbe(probe func(ctx context.Context, address string) error, interval time.Duration) HTTPOption {
	return func(t *HTTPTransport) {
		t.probe = probe
		if interval > 0 {
			t.probeInterval = interval
		}
	}
}

// WithLogger sets the transport logger.
func WithLogger(logger zerolog.Logger) HTTPOption {
	return func(t *HTTPTransport) {
		t.logger = logger
	}
}

// NewHTTPTransport returns a transport tuned for many concurrent requests with connection reuse.
func NewHTTPTransport(opts ...HTTPOption) *HTTPTransport {
	t := &HTTPTransport{
		dialer: &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		},
		chunkSize:     defaultChunkSize,
		probeInterval: defaultProbeInterval,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.probe == nil {
		t.probe = t.dialProbe
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if t.tlsConfig != nil {
		tlsConfig = t.tlsConfig.Clone()
	}
	if t.trust != nil {
		trust := t.trust
		tlsConfig.VerifyConnection = func(cs tls.ConnectionState) error {
			if !trust.Validate(cs, cs.ServerName) {
				return fmt.Errorf("%w: %s", ErrUntrustedServer, cs.ServerName)
			}
			return nil
		}
	}

	httpTransport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           t.dialContext,
		TLSClientConfig:       tlsConfig,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	t.client = &http.Client{
		Transport:     httpTransport,
		CheckRedirect: checkRedirect,
	}
	return t
}

// CreateTask prepares a task for req. The task does nothing until resumed.
func (t *HTTPTransport) CreateTask(req *request.Request, events Events) (Task, error) {
	if req == nil || req.URL == nil {
		return nil, fmt.Errorf("%w: request has no URL", request.ErrInvalidRequest)
	}
	if events == nil {
		return nil, errors.New("events cannot be nil")
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &httpTask{
		transport: t,
		req:       req,
		events:    events,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// CloseIdleConnections closes pooled connections that are not in use.
func (t *HTTPTransport) CloseIdleConnections() {
	t.client.CloseIdleConnections()
}

func (t *HTTPTransport) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if t.resolver == nil {
		return t.dialer.DialContext(ctx, network, addr)
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return t.dialer.DialContext(ctx, network, addr)
	}
	resolved, ok := t.resolver.AddressForHost(host)
	if !ok {
		return t.dialer.DialContext(ctx, network, addr)
	}
	conn, err := t.dialer.DialContext(ctx, network, net.JoinHostPort(resolved, port))
	if err == nil {
		return conn, nil
	}
	t.resolver.MarkUnreachable(resolved)
	t.logger.Debug().Err(err).Str("host", host).Str("address", resolved).Msg("resolved address unreachable, falling back")
	return t.dialer.DialContext(ctx, network, addr)
}

func (t *HTTPTransport) dialProbe(ctx context.Context, address string) error {
	conn, err := t.dialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return conn.Close()
}

func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return errors.New("stopped after 10 redirects")
	}
	if events, ok := req.Context().Value(eventsKey{}).(Events); ok && !events.MayRedirect() {
		return http.ErrUseLastResponse
	}
	return nil
}

type httpTask struct {
	transport *HTTPTransport
	req       *request.Request
	events    Events
	ctx       context.Context
	cancel    context.CancelCauseFunc
	resume    sync.Once
}

func (task *httpTask) Resume() {
	task.resume.Do(func() {
		go task.run()
	})
}

func (task *httpTask) Cancel() {
	task.cancel(ErrTaskCancelled)
}

func (task *httpTask) run() {
	defer task.cancel(nil)
	task.events.CompleteWithError(task.do())
}

func (task *httpTask) do() error {
	ctx := context.WithValue(task.ctx, eventsKey{}, task.events)
	if task.req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.req.Timeout)
		defer cancel()
	}

	if task.req.WaitsForConnectivity {
		if err := task.awaitConnectivity(ctx); err != nil {
			return task.wrap("connect", err)
		}
	}

	httpReq, err := task.newHTTPRequest(ctx)
	if err != nil {
		return task.wrap("build", err)
	}

	task.transport.logger.Debug().Str("request_id", task.req.ID()).Str("method", httpReq.Method).Str("url", httpReq.URL.String()).Msg("dispatching")

	resp, err := task.transport.client.Do(httpReq)
	if err != nil {
		return task.wrap("do", err)
	}
	defer resp.Body.Close()

	sent := int64(0)
	if resp.Request != nil {
		sent = HeaderSize(resp.Request.Header)
	}
	task.events.DidTransferHeaders(sent, HeaderSize(resp.Header))

	if task.events.ReceiveResponse(resp.StatusCode, resp.Header) == DispositionCancel {
		return task.wrap("response", ErrTaskCancelled)
	}

	buf := make([]byte, task.transport.chunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			task.events.ReceiveData(bytes.Clone(buf[:n]))
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return task.wrap("read", err)
		}
	}
}

// HeaderSize returns the wire size of h as HTTP/1.1 header lines ("Name: value\r\n").
func HeaderSize(h http.Header) int64 {
	var n int64
	for name, values := range h {
		for _, v := range values {
			n += int64(len(name) + len(": ") + len(v) + len("\r\n"))
		}
	}
	return n
}

func (task *httpTask) wrap(op string, err error) error {
	if cause := context.Cause(task.ctx); cause != nil && errors.Is(cause, ErrTaskCancelled) {
		err = cause
	}
	return &request.TransportError{Op: op, Err: err}
}

func (task *httpTask) newHTTPRequest(ctx context.Context) (*http.Request, error) {
	method := task.req.Method
	if method == "" {
		method = http.MethodGet
	}

	body, getBody, length, err := task.body(ctx)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, task.req.URL.String(), body)
	if err != nil {
		return nil, err
	}
	httpReq.Header = task.req.Headers()
	if httpReq.Header.Get("User-Agent") == "" && task.transport.userAgent != "" {
		httpReq.Header.Set("User-Agent", task.transport.userAgent)
	}
	applyCachePolicy(httpReq.Header, task.req.CachePolicy)
	if body != nil {
		httpReq.ContentLength = length
		httpReq.GetBody = getBody
	}
	return httpReq, nil
}

// body returns the upload reader for this attempt. Streaming bodies are pulled
// from Events each time one is needed, including on redirects.
func (task *httpTask) body(ctx context.Context) (io.ReadCloser, func() (io.ReadCloser, error), int64, error) {
	switch {
	case len(task.req.Body) > 0:
		data := task.req.Body
		open := func() (io.ReadCloser, error) {
			return io.NopCloser(task.counting(bytes.NewReader(data))), nil
		}
		rc, _ := open()
		return rc, open, int64(len(data)), nil
	case task.req.BodyStream != nil:
		open := func() (io.ReadCloser, error) {
			r, err := task.newBodyStream(ctx)
			if err != nil {
				return nil, err
			}
			return io.NopCloser(task.counting(r)), nil
		}
		rc, err := open()
		if err != nil {
			return nil, nil, 0, err
		}
		return rc, open, -1, nil
	default:
		return nil, nil, 0, nil
	}
}

func (task *httpTask) newBodyStream(ctx context.Context) (io.Reader, error) {
	ch := make(chan io.Reader, 1)
	task.events.ProvideNewBodyStream(func(r io.Reader) {
		select {
		case ch <- r:
		default:
		}
	})
	select {
	case r := <-ch:
		if r == nil {
			return nil, ErrNoBodyStream
		}
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (task *httpTask) counting(r io.Reader) io.Reader {
	return &countingReader{r: r, sent: task.events.DidSendBodyData}
}

// awaitConnectivity blocks until the request host accepts a connection. The
// waiting event is emitted once, on the first failed probe.
func (task *httpTask) awaitConnectivity(ctx context.Context) error {
	address := hostPort(task.req)
	noted := false
	for {
		err := task.transport.probe(ctx, address)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !noted {
			noted = true
			task.transport.logger.Debug().Err(err).Str("request_id", task.req.ID()).Str("address", address).Msg("waiting for connectivity")
			task.events.NoteWaitingForConnectivity()
		}
		timer := time.NewTimer(task.transport.probeInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func hostPort(req *request.Request) string {
	port := req.URL.Port()
	if port == "" {
		port = "80"
		if req.URL.Scheme == "https" {
			port = "443"
		}
	}
	return net.JoinHostPort(req.URL.Hostname(), port)
}

func applyCachePolicy(h http.Header, policy request.CachePolicy) {
	if h.Get("Cache-Control") != "" {
		return
	}
	switch policy {
	case request.CachePolicyReloadIgnoringCache:
		h.Set("Cache-Control", "no-cache")
		h.Set("Pragma", "no-cache")
	case request.CachePolicyReturnCacheElseLoad:
		h.Set("Cache-Control", "max-stale")
	case request.CachePolicyReturnCacheDontLoad:
		h.Set("Cache-Control", "only-if-cached")
	}
}

type countingReader struct {
	r    io.Reader
	sent func(int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.sent(int64(n))
	}
	return n, err
}
