package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/torosent/dataloader/internal/request"
)

const (
	attrRequestID  = attribute.Key("dataloader.request_id")
	attrSource     = attribute.Key("dataloader.source")
	attrOutcome    = attribute.Key("dataloader.outcome")
	attrAttempts   = attribute.Key("dataloader.attempts")
	attrDownloaded = attribute.Key("dataloader.bytes_downloaded")
	attrUploaded   = attribute.Key("dataloader.bytes_uploaded")
)

// StartRequestSpan starts a client span covering every attempt of req.
func StartRequestSpan(ctx context.Context, tracer trace.Tracer, req *request.Request) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "HTTP "+req.Method,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	attrs := []attribute.KeyValue{
		semconv.HTTPRequestMethodKey.String(req.Method),
		attrRequestID.String(req.ID()),
	}
	if req.URL != nil {
		u := *req.URL
		u.User = nil
		attrs = append(attrs, semconv.URLFull(u.String()), semconv.ServerAddress(u.Hostname()))
	}
	if req.SourceIdentifier != "" {
		attrs = append(attrs, attrSource.String(req.SourceIdentifier))
	}
	span.SetAttributes(attrs...)
	return ctx, span
}

// RequestSummary carries what the loader knows once a request reached its terminal state.
type RequestSummary struct {
	Outcome    string
	Attempts   int
	Downloaded int64
	Uploaded   int64
}

// EndRequestSpan finishes a request span. Cancelled requests and 4xx/5xx statuses are not span errors
// unless the response carries an error value.
func EndRequestSpan(span trace.Span, resp *request.Response, summary RequestSummary) {
	span.SetAttributes(
		attrOutcome.String(summary.Outcome),
		attrAttempts.Int(summary.Attempts),
		attrDownloaded.Int64(summary.Downloaded),
		attrUploaded.Int64(summary.Uploaded),
	)
	var err error
	if resp != nil {
		if resp.HasStatus() {
			span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))
		}
		if !resp.Cancelled() {
			err = resp.Error
		}
	}
	EndSpan(span, err)
}

// EndSpan finishes a span, recording error status if applicable.
func EndSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// requestCarrier adapts a request's headers to the OTel TextMapCarrier interface.
type requestCarrier struct {
	req *request.Request
}

func (c requestCarrier) Get(key string) string {
	return c.req.Header(key)
}

func (c requestCarrier) Set(key, value string) {
	c.req.SetHeader(key, value)
}

func (c requestCarrier) Keys() []string {
	headers := c.req.Headers()
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	return keys
}

// InjectRequestHeaders injects W3C trace context into the request's headers.
func InjectRequestHeaders(ctx context.Context, req *request.Request) {
	otel.GetTextMapPropagator().Inject(ctx, requestCarrier{req: req})
}
