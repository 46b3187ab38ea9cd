package loader

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/torosent/dataloader/internal/auth"
	"github.com/torosent/dataloader/internal/ratelimit"
	"github.com/torosent/dataloader/internal/request"
	"github.com/torosent/dataloader/internal/transport"
)

type fakeTransport struct {
	mu        sync.Mutex
	created   []time.Time
	cancelled int
	script    func(req *request.Request, attempt int, ev transport.Events)
}

func (f *fakeTransport) CreateTask(req *request.Request, ev transport.Events) (transport.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, time.Now())
	return &fakeTask{transport: f, req: req, attempt: len(f.created), events: ev}, nil
}

func (f *fakeTransport) Created() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Time, len(f.created))
	copy(out, f.created)
	return out
}

type fakeTask struct {
	transport *fakeTransport
	req       *request.Request
	attempt   int
	events    transport.Events
	once      sync.Once
}

func (t *fakeTask) Resume() {
	t.once.Do(func() {
		if t.transport.script != nil {
			go t.transport.script(t.req, t.attempt, t.events)
		}
	})
}

func (t *fakeTask) Cancel() {
	t.transport.mu.Lock()
	defer t.transport.mu.Unlock()
	t.transport.cancelled++
}

func respond(status int, body string) func(*request.Request, int, transport.Events) {
	return func(_ *request.Request, _ int, ev transport.Events) {
		ev.ReceiveResponse(status, http.Header{"Content-Type": {"text/plain"}})
		if body != "" {
			ev.ReceiveData([]byte(body))
		}
		ev.CompleteWithError(nil)
	}
}

type result struct {
	kind string
	resp *request.Response
	req  *request.Request
}

type recordingDelegate struct {
	mu     sync.Mutex
	events []string
	counts map[string]int
	done   chan result
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{counts: make(map[string]int), done: make(chan result, 256)}
}

func (d *recordingDelegate) record(kind string, req *request.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, kind)
	if req != nil {
		d.counts[req.ID()]++
	}
}

func (d *recordingDelegate) Events() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.events...)
}

func (d *recordingDelegate) Count(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[id]
}

func (d *recordingDelegate) SuccessfulResponse(l *Loader, resp *request.Response) {
	d.record("success", resp.Request)
	d.done <- result{kind: "success", resp: resp, req: resp.Request}
}

func (d *recordingDelegate) FailedResponse(l *Loader, resp *request.Response) {
	d.record("failed", resp.Request)
	d.done <- result{kind: "failed", resp: resp, req: resp.Request}
}

func (d *recordingDelegate) CancelledRequest(l *Loader, req *request.Request) {
	d.record("cancelled", req)
	d.done <- result{kind: "cancelled", req: req}
}

func (d *recordingDelegate) wait(t *testing.T) result {
	t.Helper()
	select {
	case r := <-d.done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a terminal callback")
		return result{}
	}
}

// chunkDelegate opts in to every optional callback.
type chunkDelegate struct {
	*recordingDelegate
}

func (d chunkDelegate) SupportsChunks(l *Loader) bool { return true }

func (d chunkDelegate) ReceivedDataChunk(l *Loader, data []byte, resp *request.Response) {
	d.record("chunk:"+string(data)+":"+http.StatusText(resp.StatusCode), nil)
}

func (d chunkDelegate) ReceivedInitialResponse(l *Loader, resp *request.Response) {
	d.record("initial", nil)
}

func (d chunkDelegate) RequestIsWaitingForConnectivity(l *Loader, req *request.Request) {
	d.record("waiting", nil)
}

type fakeAuthoriser struct {
	mu       sync.Mutex
	failures int
	calls    int
	rejected int
}

func (a *fakeAuthoriser) Identifier() string { return "fake" }

func (a *fakeAuthoriser) RequestRequiresAuthorisation(req *request.Request) bool { return true }

func (a *fakeAuthoriser) AuthoriseRequest(ctx context.Context, req *request.Request, delegate auth.Delegate) {
	go func() {
		a.mu.Lock()
		a.calls++
		fail := a.calls <= a.failures
		a.mu.Unlock()
		if fail {
			delegate.FailedToAuthoriseRequest(a, req, errors.New("token endpoint unavailable"))
			return
		}
		req.SetHeader("Authorization", "Bearer secret")
		delegate.AuthorisedRequest(a, req)
	}()
}

func (a *fakeAuthoriser) RequestFailedAuthorisation(req *request.Request, resp *request.Response) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejected++
	req.RemoveHeader("Authorization")
}

func (a *fakeAuthoriser) Refresh(ctx context.Context) error { return nil }

func (a *fakeAuthoriser) stats() (calls, rejected int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls, a.rejected
}

func newLoader(t *testing.T, tr *fakeTransport, delegate Delegate, opts []Option, authorisers ...auth.Authoriser) *Loader {
	t.Helper()
	svc, err := NewService(tr, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc.NewFactory(authorisers...).NewLoader(delegate)
}

func mustRequest(t *testing.T, rawURL string) *request.Request {
	t.Helper()
	req, err := request.New(rawURL)
	if err != nil {
		t.Fatalf("request.New: %v", err)
	}
	return req
}

func TestPerformRequestSucceeds(t *testing.T) {
	tr := &fakeTransport{script: respond(http.StatusOK, "hello")}
	d := newRecordingDelegate()
	l := newLoader(t, tr, d, []Option{WithUserAgent("dataloader-test/1.0")})

	req := mustRequest(t, "https://api.example.com/v1/items")
	token := l.PerformRequest(req)
	if token == nil {
		t.Fatal("expected a cancellation token")
	}
	if req.CancellationToken() != token {
		t.Fatal("request should carry its token")
	}

	r := d.wait(t)
	if r.kind != "success" {
		t.Fatalf("expected success, got %s", r.kind)
	}
	if string(r.resp.Body) != "hello" {
		t.Fatalf("unexpected body %q", r.resp.Body)
	}
	if got := req.Header("User-Agent"); got != "dataloader-test/1.0" {
		t.Fatalf("unexpected user agent %q", got)
	}
	if n := len(l.CurrentRequests()); n != 0 {
		t.Fatalf("expected empty registry, got %d", n)
	}
}

func TestUserAgentNotOverridden(t *testing.T) {
	tr := &fakeTransport{script: respond(http.StatusOK, "")}
	d := newRecordingDelegate()
	l := newLoader(t, tr, d, []Option{WithUserAgent("dataloader")})

	req := mustRequest(t, "https://api.example.com/")
	req.SetHeader("User-Agent", "custom")
	l.PerformRequest(req)
	d.wait(t)

	if got := req.Header("User-Agent"); got != "custom" {
		t.Fatalf("caller user agent replaced with %q", got)
	}
}

func TestClientErrorDeliveredAsFailureWithoutError(t *testing.T) {
	tr := &fakeTransport{script: respond(http.StatusNotFound, "missing")}
	d := newRecordingDelegate()
	l := newLoader(t, tr, d, nil)

	l.PerformRequest(mustRequest(t, "https://api.example.com/missing"))
	r := d.wait(t)
	if r.kind != "failed" {
		t.Fatalf("expected failure, got %s", r.kind)
	}
	if r.resp.Error != nil {
		t.Fatalf("4xx should carry no error, got %v", r.resp.Error)
	}
	if r.resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status %d", r.resp.StatusCode)
	}
	if len(tr.Created()) != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", len(tr.Created()))
	}
}

func TestPerformRequestRejectsInvalidRequests(t *testing.T) {
	withBody := mustRequest(t, "https://api.example.com/upload")
	withBody.Body = []byte("payload")
	withBody.BodyStream = strings.NewReader("payload")

	chunked := mustRequest(t, "https://api.example.com/stream")
	chunked.Chunks = true

	tests := []struct {
		name string
		req  *request.Request
	}{
		{name: "nil request", req: nil},
		{name: "unsupported scheme", req: mustRequest(t, "ftp://files.example.com/a")},
		{name: "body and stream", req: withBody},
		{name: "chunks without chunk delegate", req: chunked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{script: respond(http.StatusOK, "")}
			d := newRecordingDelegate()
			l := newLoader(t, tr, d, nil)

			if token := l.PerformRequest(tt.req); token != nil {
				t.Fatal("expected nil token")
			}
			// Rejection is synchronous.
			select {
			case r := <-d.done:
				if r.kind != "failed" {
					t.Fatalf("expected failure, got %s", r.kind)
				}
				if !errors.Is(r.resp.Error, request.ErrInvalidRequest) {
					t.Fatalf("expected ErrInvalidRequest, got %v", r.resp.Error)
				}
			default:
				t.Fatal("expected a synchronous FailedResponse")
			}
			if len(tr.Created()) != 0 {
				t.Fatal("no transport task should be created")
			}
		})
	}
}

func TestPerformRequestRejectsRequestAlreadyPerformed(t *testing.T) {
	tr := &fakeTransport{}
	d := newRecordingDelegate()
	l := newLoader(t, tr, d, nil)

	req := mustRequest(t, "https://api.example.com/once")
	if l.PerformRequest(req) == nil {
		t.Fatal("first perform should be accepted")
	}
	if l.PerformRequest(req) != nil {
		t.Fatal("second perform should be rejected")
	}
	r := d.wait(t)
	if r.kind != "failed" || !errors.Is(r.resp.Error, request.ErrInvalidRequest) {
		t.Fatalf("unexpected rejection %s: %v", r.kind, r.resp.Error)
	}
	l.CancelAllLoads()
	if r := d.wait(t); r.kind != "cancelled" {
		t.Fatalf("expected cancellation, got %s", r.kind)
	}
}

func TestChunkedDelivery(t *testing.T) {
	tr := &fakeTransport{script: func(_ *request.Request, _ int, ev transport.Events) {
		ev.NoteWaitingForConnectivity()
		ev.ReceiveResponse(http.StatusOK, http.Header{})
		ev.ReceiveData([]byte("a"))
		ev.ReceiveData([]byte("b"))
		ev.CompleteWithError(nil)
	}}
	rec := newRecordingDelegate()
	l := newLoader(t, tr, chunkDelegate{rec}, nil)

	req := mustRequest(t, "https://api.example.com/stream")
	req.Chunks = true
	req.WaitsForConnectivity = true
	if l.PerformRequest(req) == nil {
		t.Fatal("chunked request should be accepted")
	}

	r := rec.wait(t)
	if r.kind != "success" {
		t.Fatalf("expected success, got %s", r.kind)
	}
	if len(r.resp.Body) != 0 {
		t.Fatalf("chunked response should not buffer the body, got %q", r.resp.Body)
	}
	want := []string{"waiting", "initial", "chunk:a:OK", "chunk:b:OK", "success"}
	got := rec.Events()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected events %v, want %v", got, want)
	}
}

func TestAuthorisationRetriedOnceThenDispatched(t *testing.T) {
	tr := &fakeTransport{script: respond(http.StatusOK, "ok")}
	d := newRecordingDelegate()
	a := &fakeAuthoriser{failures: 1}
	l := newLoader(t, tr, d, nil, a)

	req := mustRequest(t, "https://api.example.com/private")
	l.PerformRequest(req)

	if r := d.wait(t); r.kind != "success" {
		t.Fatalf("expected success, got %s", r.kind)
	}
	if n := len(tr.Created()); n != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", n)
	}
	if !req.RetriedAuthorisation() {
		t.Fatal("retried authorisation flag should be set")
	}
	if calls, _ := a.stats(); calls != 2 {
		t.Fatalf("expected two authorisation attempts, got %d", calls)
	}
	if got := req.Header("Authorization"); got != "Bearer secret" {
		t.Fatalf("unexpected Authorization header %q", got)
	}
}

func TestAuthorisationFailsTwice(t *testing.T) {
	tr := &fakeTransport{script: respond(http.StatusOK, "ok")}
	d := newRecordingDelegate()
	a := &fakeAuthoriser{failures: 2}
	l := newLoader(t, tr, d, nil, a)

	l.PerformRequest(mustRequest(t, "https://api.example.com/private"))

	r := d.wait(t)
	if r.kind != "failed" {
		t.Fatalf("expected failure, got %s", r.kind)
	}
	var authErr *request.AuthorisationError
	if !errors.As(r.resp.Error, &authErr) {
		t.Fatalf("expected AuthorisationError, got %v", r.resp.Error)
	}
	if authErr.Authoriser != "fake" {
		t.Fatalf("unexpected authoriser %q", authErr.Authoriser)
	}
	if n := len(tr.Created()); n != 0 {
		t.Fatalf("no transport attempt expected, got %d", n)
	}
}

func TestUnauthorisedResponseReauthorises(t *testing.T) {
	tr := &fakeTransport{}
	tr.script = func(req *request.Request, attempt int, ev transport.Events) {
		if attempt == 1 {
			respond(http.StatusUnauthorized, "")(req, attempt, ev)
			return
		}
		respond(http.StatusOK, "fresh")(req, attempt, ev)
	}
	d := newRecordingDelegate()
	a := &fakeAuthoriser{}
	l := newLoader(t, tr, d, nil, a)

	req := mustRequest(t, "https://api.example.com/private")
	l.PerformRequest(req)

	r := d.wait(t)
	if r.kind != "success" || string(r.resp.Body) != "fresh" {
		t.Fatalf("expected success after re-authorisation, got %s %q", r.kind, r.resp.Body)
	}
	calls, rejected := a.stats()
	if calls != 2 || rejected != 1 {
		t.Fatalf("expected 2 authorisations and 1 rejection, got %d and %d", calls, rejected)
	}
	if n := len(tr.Created()); n != 2 {
		t.Fatalf("expected two dispatches, got %d", n)
	}
}

func TestRepeatedUnauthorisedIsDelivered(t *testing.T) {
	tr := &fakeTransport{script: respond(http.StatusUnauthorized, "denied")}
	d := newRecordingDelegate()
	a := &fakeAuthoriser{}
	l := newLoader(t, tr, d, nil, a)

	l.PerformRequest(mustRequest(t, "https://api.example.com/private"))

	r := d.wait(t)
	if r.kind != "failed" || r.resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 failure, got %s %d", r.kind, r.resp.StatusCode)
	}
	if n := len(tr.Created()); n != 2 {
		t.Fatalf("expected two dispatches, got %d", n)
	}
}

func TestCancelAllLoads(t *testing.T) {
	tr := &fakeTransport{} // tasks never complete
	d := newRecordingDelegate()
	l := newLoader(t, tr, d, nil)

	for i := 0; i < 3; i++ {
		if l.PerformRequest(mustRequest(t, "https://api.example.com/slow")) == nil {
			t.Fatal("request should be accepted")
		}
	}
	if n := len(l.CurrentRequests()); n != 3 {
		t.Fatalf("expected 3 requests in flight, got %d", n)
	}

	l.CancelAllLoads()
	for i := 0; i < 3; i++ {
		if r := d.wait(t); r.kind != "cancelled" {
			t.Fatalf("expected cancellation, got %s", r.kind)
		}
	}
	if n := len(l.CurrentRequests()); n != 0 {
		t.Fatalf("expected empty registry, got %d", n)
	}
	tr.mu.Lock()
	cancelled := tr.cancelled
	tr.mu.Unlock()
	if cancelled != 3 {
		t.Fatalf("expected 3 cancelled tasks, got %d", cancelled)
	}
}

func TestObserverPanicDoesNotAffectDelivery(t *testing.T) {
	tr := &fakeTransport{script: respond(http.StatusOK, "body")}
	d := newRecordingDelegate()

	type observed struct {
		resp       *request.Response
		downloaded int64
	}
	seen := make(chan observed, 1)
	panicking := ConsumptionObserverFunc(func(*request.Response, int64, int64) { panic("boom") })
	recording := ConsumptionObserverFunc(func(resp *request.Response, down, up int64) {
		seen <- observed{resp: resp, downloaded: down}
	})

	l := newLoader(t, tr, d, []Option{WithConsumptionObserver(panicking), WithConsumptionObserver(recording)})
	l.PerformRequest(mustRequest(t, "https://api.example.com/data"))

	if r := d.wait(t); r.kind != "success" {
		t.Fatalf("expected success, got %s", r.kind)
	}
	select {
	case o := <-seen:
		if o.downloaded != 4 {
			t.Fatalf("expected 4 bytes downloaded, got %d", o.downloaded)
		}
	case <-time.After(time.Second):
		t.Fatal("second observer was not notified")
	}
}

func TestObserverSeesCancellation(t *testing.T) {
	tr := &fakeTransport{}
	d := newRecordingDelegate()
	seen := make(chan *request.Response, 1)

	l := newLoader(t, tr, d, []Option{WithConsumptionObserver(ConsumptionObserverFunc(func(resp *request.Response, _, _ int64) {
		seen <- resp
	}))})
	token := l.PerformRequest(mustRequest(t, "https://api.example.com/slow"))
	token.Cancel()

	if r := d.wait(t); r.kind != "cancelled" {
		t.Fatalf("expected cancellation, got %s", r.kind)
	}
	resp := <-seen
	if !errors.Is(resp.Error, request.ErrCancelled) {
		t.Fatalf("observer should see ErrCancelled, got %v", resp.Error)
	}
}

func TestRateLimitSpacesDispatches(t *testing.T) {
	tr := &fakeTransport{script: respond(http.StatusOK, "")}
	d := newRecordingDelegate()
	l := newLoader(t, tr, d, []Option{WithRateLimiter(ratelimit.New(2))})

	l.PerformRequest(mustRequest(t, "https://api.example.com/v1/a"))
	l.PerformRequest(mustRequest(t, "https://api.example.com/v1/b"))
	d.wait(t)
	d.wait(t)

	created := tr.Created()
	if len(created) != 2 {
		t.Fatalf("expected two dispatches, got %d", len(created))
	}
	// Allow for the gap between the limiter's clock reading and task creation.
	if gap := created[1].Sub(created[0]); gap < 495*time.Millisecond {
		t.Fatalf("dispatches only %s apart", gap)
	}
}

func TestCancelDuringRateLimitDelay(t *testing.T) {
	tr := &fakeTransport{script: respond(http.StatusOK, "")}
	d := newRecordingDelegate()
	l := newLoader(t, tr, d, []Option{WithRateLimiter(ratelimit.New(0.5))})

	l.PerformRequest(mustRequest(t, "https://api.example.com/v1/a"))
	if r := d.wait(t); r.kind != "success" {
		t.Fatalf("expected success, got %s", r.kind)
	}

	token := l.PerformRequest(mustRequest(t, "https://api.example.com/v1/b"))
	token.Cancel()
	if r := d.wait(t); r.kind != "cancelled" {
		t.Fatalf("expected cancellation, got %s", r.kind)
	}

	time.Sleep(50 * time.Millisecond)
	if n := len(tr.Created()); n != 1 {
		t.Fatalf("cancelled request must never be dispatched, got %d tasks", n)
	}
}

func TestExactlyOneTerminalCallbackUnderRace(t *testing.T) {
	tr := &fakeTransport{script: respond(http.StatusOK, "x")}
	d := newRecordingDelegate()
	l := newLoader(t, tr, d, nil)

	const n = 100
	reqs := make([]*request.Request, n)
	var wg sync.WaitGroup
	for i := range reqs {
		reqs[i] = mustRequest(t, "https://api.example.com/race")
		token := l.PerformRequest(reqs[i])
		wg.Add(1)
		go func() {
			defer wg.Done()
			token.Cancel()
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		d.wait(t)
	}
	time.Sleep(50 * time.Millisecond)
	for _, req := range reqs {
		if c := d.Count(req.ID()); c != 1 {
			t.Fatalf("request %s got %d terminal callbacks", req.ID(), c)
		}
	}
}

func TestNewRequestAppliesDefaults(t *testing.T) {
	l := newLoader(t, &fakeTransport{}, newRecordingDelegate(), []Option{WithRequestDefaults(5*time.Second, 2)})

	req, err := l.NewRequest("https://api.example.com/defaults")
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if req.Timeout != 5*time.Second || req.MaximumRetryCount != 2 {
		t.Fatalf("defaults not applied: %s %d", req.Timeout, req.MaximumRetryCount)
	}
}

func TestRetriesExhausted(t *testing.T) {
	tr := &fakeTransport{script: respond(http.StatusServiceUnavailable, "overloaded")}
	d := newRecordingDelegate()
	l := newLoader(t, tr, d, []Option{WithBackoff(time.Millisecond, 5*time.Millisecond, 0)})

	req := mustRequest(t, "https://api.example.com/flaky")
	req.MaximumRetryCount = 2
	l.PerformRequest(req)

	r := d.wait(t)
	if r.kind != "failed" || r.resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 failure, got %s %d", r.kind, r.resp.StatusCode)
	}
	if n := len(tr.Created()); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
	var httpErr *request.HTTPError
	if !errors.As(r.resp.Error, &httpErr) {
		t.Fatalf("exhausted server failure must carry an HTTPError, got %v", r.resp.Error)
	}
	if httpErr.StatusCode != http.StatusServiceUnavailable || httpErr.Body != "overloaded" {
		t.Errorf("unexpected error %+v", httpErr)
	}
}
