package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/torosent/dataloader/internal/request"
)

type recorder struct {
	mu          sync.Mutex
	status      int
	headers     http.Header
	body        bytes.Buffer
	chunks      int
	sent        int64
	headersOut  int64
	headersIn   int64
	waiting     int
	forbid      bool
	disposition Disposition
	streams     []func() io.Reader
	done        chan error
}

func newRecorder() *recorder {
	return &recorder{done: make(chan error, 1)}
}

func (r *recorder) ReceiveResponse(status int, headers http.Header) Disposition {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.headers = headers
	return r.disposition
}

func (r *recorder) ReceiveData(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks++
	r.body.Write(p)
}

func (r *recorder) DidSendBodyData(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent += n
}

func (r *recorder) DidTransferHeaders(sent, received int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.headersOut += sent
	r.headersIn += received
}

func (r *recorder) NoteWaitingForConnectivity() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waiting++
}

func (r *recorder) MayRedirect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.forbid
}

func (r *recorder) ProvideNewBodyStream(completion func(io.Reader)) {
	r.mu.Lock()
	var next func() io.Reader
	if len(r.streams) > 0 {
		next = r.streams[0]
		r.streams = r.streams[1:]
	}
	r.mu.Unlock()
	if next == nil {
		completion(nil)
		return
	}
	go completion(next())
}

func (r *recorder) CompleteWithError(err error) *request.Response {
	r.done <- err
	return nil
}

func (r *recorder) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task completion")
		return nil
	}
}

func run(t *testing.T, tr *HTTPTransport, req *request.Request, rec *recorder) (Task, error) {
	t.Helper()
	task, err := tr.CreateTask(req, rec)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	task.Resume()
	task.Resume()
	return task, rec.wait(t)
}

func mustRequest(t *testing.T, raw string) *request.Request {
	t.Helper()
	req, err := request.New(raw)
	if err != nil {
		t.Fatalf("request.New(%q): %v", raw, err)
	}
	return req
}

func TestHTTPTransportDeliversResponse(t *testing.T) {
	payload := strings.Repeat("x", 10000)
	var userAgent atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent.Store(r.Header.Get("User-Agent"))
		w.Header().Set("X-Test", "yes")
		io.WriteString(w, payload)
	}))
	defer server.Close()

	tr := NewHTTPTransport(WithUserAgent("dataloader-test/1.0"), WithChunkSize(1024))
	rec := newRecorder()
	_, err := run(t, tr, mustRequest(t, server.URL+"/data"), rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.status != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.status)
	}
	if rec.headers.Get("X-Test") != "yes" {
		t.Error("expected response headers to be delivered")
	}
	if rec.body.String() != payload {
		t.Errorf("body length = %d, want %d", rec.body.Len(), len(payload))
	}
	if rec.chunks < 2 {
		t.Errorf("expected body to arrive in several chunks, got %d", rec.chunks)
	}
	if ua, _ := userAgent.Load().(string); ua != "dataloader-test/1.0" {
		t.Errorf("User-Agent = %q", ua)
	}
}

func TestHTTPTransportSendsHeadersAndCachePolicy(t *testing.T) {
	got := make(chan http.Header, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Clone()
	}))
	defer server.Close()

	req := mustRequest(t, server.URL)
	req.SetHeader("X-Trace-Id", "12345")
	req.SetHeader("User-Agent", "caller/2.0")
	req.CachePolicy = request.CachePolicyReloadIgnoringCache

	if _, err := run(t, NewHTTPTransport(WithUserAgent("default/1.0")), req, newRecorder()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h := <-got
	if h.Get("X-Trace-Id") != "12345" {
		t.Error("expected request header to be sent")
	}
	if h.Get("User-Agent") != "caller/2.0" {
		t.Errorf("expected caller User-Agent to win, got %q", h.Get("User-Agent"))
	}
	if h.Get("Cache-Control") != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", h.Get("Cache-Control"))
	}
}

func TestHTTPTransportRedirectPolicy(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/end", http.StatusFound)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "arrived")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	tr := NewHTTPTransport()

	rec := newRecorder()
	if _, err := run(t, tr, mustRequest(t, server.URL+"/start"), rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.status != http.StatusOK || rec.body.String() != "arrived" {
		t.Errorf("expected redirect to be followed, got %d %q", rec.status, rec.body.String())
	}

	forbidden := newRecorder()
	forbidden.forbid = true
	if _, err := run(t, tr, mustRequest(t, server.URL+"/start"), forbidden); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if forbidden.status != http.StatusFound {
		t.Errorf("expected 302 to be delivered, got %d", forbidden.status)
	}
}

func TestHTTPTransportUploadCountsBytes(t *testing.T) {
	received := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		received <- string(b)
	}))
	defer server.Close()

	req := mustRequest(t, server.URL)
	req.Method = http.MethodPost
	req.Body = []byte(`{"hello":"world"}`)

	rec := newRecorder()
	if _, err := run(t, NewHTTPTransport(), req, rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := <-received; got != `{"hello":"world"}` {
		t.Errorf("server received %q", got)
	}
	if rec.sent != int64(len(req.Body)) {
		t.Errorf("sent = %d, want %d", rec.sent, len(req.Body))
	}
}

func TestHeaderSize(t *testing.T) {
	h := http.Header{"A": {"b", "cd"}, "Content-Type": {"text/plain"}}
	// "A: b\r\n" + "A: cd\r\n" + "Content-Type: text/plain\r\n"
	if got, want := HeaderSize(h), int64(6+7+26); got != want {
		t.Errorf("HeaderSize = %d, want %d", got, want)
	}
	if HeaderSize(nil) != 0 {
		t.Error("empty headers have no size")
	}
}

func TestHTTPTransportCountsHeaderBytes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Served-By", "test")
		io.WriteString(w, "ok")
	}))
	defer server.Close()

	req := mustRequest(t, server.URL)
	req.SetHeader("X-Trace", "abc")
	rec := newRecorder()
	if _, err := run(t, NewHTTPTransport(WithUserAgent("dataloader-test/1.0")), req, rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sentHeaders := http.Header{"X-Trace": {"abc"}, "User-Agent": {"dataloader-test/1.0"}}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.headersOut < HeaderSize(sentHeaders) {
		t.Errorf("sent header bytes = %d, want at least %d", rec.headersOut, HeaderSize(sentHeaders))
	}
	if want := HeaderSize(rec.headers); rec.headersIn != want || want == 0 {
		t.Errorf("received header bytes = %d, want %d", rec.headersIn, want)
	}
	if rec.sent != 0 {
		t.Errorf("header bytes must not be reported as body bytes, got %d", rec.sent)
	}
}

func TestHTTPTransportBodyStream(t *testing.T) {
	received := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		received <- string(b)
	}))
	defer server.Close()

	req := mustRequest(t, server.URL)
	req.Method = http.MethodPut
	req.BodyStream = strings.NewReader("unused")

	rec := newRecorder()
	rec.streams = []func() io.Reader{func() io.Reader { return strings.NewReader("streamed") }}
	if _, err := run(t, NewHTTPTransport(), req, rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := <-received; got != "streamed" {
		t.Errorf("server received %q", got)
	}

	empty := newRecorder()
	_, err := run(t, NewHTTPTransport(), req, empty)
	if !errors.Is(err, ErrNoBodyStream) {
		t.Errorf("expected ErrNoBodyStream, got %v", err)
	}
}

func TestHTTPTransportTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	req := mustRequest(t, server.URL)
	req.Timeout = 50 * time.Millisecond

	_, err := run(t, NewHTTPTransport(), req, newRecorder())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if !request.IsTransient(err) {
		t.Error("expected timeout to be transient")
	}
}

func TestHTTPTransportCancel(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer server.Close()

	rec := newRecorder()
	task, err := NewHTTPTransport().CreateTask(mustRequest(t, server.URL), rec)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	task.Resume()
	<-started
	task.Cancel()

	err = rec.wait(t)
	if !errors.Is(err, ErrTaskCancelled) {
		t.Fatalf("expected ErrTaskCancelled, got %v", err)
	}
	if request.IsTransient(err) {
		t.Error("cancellation must not be transient")
	}
}

func TestHTTPTransportCancelDisposition(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ignored")
	}))
	defer server.Close()

	rec := newRecorder()
	rec.disposition = DispositionCancel
	_, err := run(t, NewHTTPTransport(), mustRequest(t, server.URL), rec)
	if !errors.Is(err, ErrTaskCancelled) {
		t.Fatalf("expected ErrTaskCancelled, got %v", err)
	}
	if rec.body.Len() != 0 {
		t.Error("expected no data after a cancel disposition")
	}
}

func TestHTTPTransportWaitsForConnectivity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	var probes atomic.Int32
	probe := func(ctx context.Context, address string) error {
		if probes.Add(1) < 3 {
			return errors.New("network down")
		}
		return nil
	}

	req := mustRequest(t, server.URL)
	req.WaitsForConnectivity = true

	rec := newRecorder()
	if _, err := run(t, NewHTTPTransport(WithConnectivityProbe(probe, 5*time.Millisecond)), req, rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.waiting != 1 {
		t.Errorf("expected one waiting notification, got %d", rec.waiting)
	}
	if probes.Load() != 3 {
		t.Errorf("expected 3 probes, got %d", probes.Load())
	}
}

type staticResolver struct {
	addresses   map[string]string
	unreachable []string
	mu          sync.Mutex
}

func (r *staticResolver) AddressForHost(host string) (string, bool) {
	addr, ok := r.addresses[host]
	return addr, ok
}

func (r *staticResolver) MarkUnreachable(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unreachable = append(r.unreachable, address)
}

func TestHTTPTransportDialsResolvedAddress(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.Host)
	}))
	defer server.Close()

	u, _ := url.Parse(server.URL)
	_, port, _ := net.SplitHostPort(u.Host)

	resolver := &staticResolver{addresses: map[string]string{"api.dataloader.test": "127.0.0.1"}}
	tr := NewHTTPTransport(WithAddressResolver(resolver))

	rec := newRecorder()
	if _, err := run(t, tr, mustRequest(t, "http://api.dataloader.test:"+port+"/"), rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rec.body.String(); got != "api.dataloader.test:"+port {
		t.Errorf("expected original Host header, got %q", got)
	}
	if len(resolver.unreachable) != 0 {
		t.Errorf("unexpected unreachable marks: %v", resolver.unreachable)
	}
}

func TestHTTPTransportServerTrustPolicy(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "secure")
	}))
	defer server.Close()

	pool := x509.NewCertPool()
	pool.AddCert(server.Certificate())
	base := &tls.Config{RootCAs: pool}

	var calls atomic.Int32
	accept := ServerTrustPolicyFunc(func(tls.ConnectionState, string) bool {
		calls.Add(1)
		return true
	})
	rec := newRecorder()
	if _, err := run(t, NewHTTPTransport(WithTLSConfig(base), WithServerTrustPolicy(accept)), mustRequest(t, server.URL), rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.body.String() != "secure" || calls.Load() == 0 {
		t.Errorf("expected trusted response, got %q after %d policy calls", rec.body.String(), calls.Load())
	}

	reject := ServerTrustPolicyFunc(func(tls.ConnectionState, string) bool { return false })
	_, err := run(t, NewHTTPTransport(WithTLSConfig(base), WithServerTrustPolicy(reject)), mustRequest(t, server.URL), newRecorder())
	if err == nil || !strings.Contains(err.Error(), ErrUntrustedServer.Error()) {
		t.Fatalf("expected trust failure, got %v", err)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	tr := NewHTTPTransport()
	if _, err := tr.CreateTask(&request.Request{}, newRecorder()); !errors.Is(err, request.ErrInvalidRequest) {
		t.Errorf("expected invalid request error, got %v", err)
	}
	if _, err := tr.CreateTask(mustRequest(t, "http://example.com"), nil); err == nil {
		t.Error("expected error for nil events")
	}
}
