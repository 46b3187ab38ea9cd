package request

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Response is the terminal (or initial, for chunked delivery) description of a request.
type Response struct {
	Request     *Request
	Error       error
	StatusCode  int
	Headers     http.Header
	RetryAfter  time.Time
	Body        []byte
	RequestTime time.Duration
}

// NewResponse returns an empty response for req.
func NewResponse(req *Request) *Response {
	return &Response{Request: req}
}

// NewHTTPResponse returns a response populated from a server's status line and headers.
// Retry-After is resolved against now.
func NewHTTPResponse(req *Request, statusCode int, headers http.Header, now time.Time) *Response {
	resp := &Response{
		Request:    req,
		StatusCode: statusCode,
		Headers:    headers.Clone(),
	}
	if retryAt, ok := ParseRetryAfter(headers.Get("Retry-After"), now); ok {
		resp.RetryAfter = retryAt
	}
	return resp
}

// HasStatus reports whether any server answered.
func (r *Response) HasStatus() bool {
	return r.StatusCode != 0
}

// Succeeded reports a 2xx/3xx response without error.
func (r *Response) Succeeded() bool {
	return r.Error == nil && r.StatusCode >= 200 && r.StatusCode < 400
}

// Cancelled reports whether this response stands for a cancelled request.
func (r *Response) Cancelled() bool {
	return errors.Is(r.Error, ErrCancelled)
}

// Clone returns a shallow copy with its own header map and body slice.
func (r *Response) Clone() *Response {
	c := *r
	if r.Headers != nil {
		c.Headers = r.Headers.Clone()
	}
	c.Body = bytes.Clone(r.Body)
	return &c
}

// JSON returns the gjson result at path. "$" and "$.a.b" forms are accepted.
func (r *Response) JSON(path string) gjson.Result {
	return gjson.GetBytes(r.Body, normalizeJSONPath(path))
}

// JSONValue returns the string form of the value at path and whether it exists.
func (r *Response) JSONValue(path string) (string, bool) {
	result := r.JSON(path)
	if !result.Exists() {
		return "", false
	}
	return result.String(), true
}

// Decode unmarshals the body into v. A response carrying an error returns that error.
func (r *Response) Decode(v any) error {
	if r.Error != nil {
		return r.Error
	}
	if len(r.Body) == 0 {
		return ErrNoBody
	}
	return json.Unmarshal(r.Body, v)
}

// normalizeJSONPath strips a leading "$." and maps a bare "$" to the whole document.
func normalizeJSONPath(path string) string {
	if len(path) > 0 && path[0] == '$' {
		if len(path) > 1 && path[1] == '.' {
			return path[2:]
		} else if len(path) == 1 {
			return "@this"
		}
	}
	return path
}

// MaxRetryAfter caps how far in the future a server may push a retry.
const MaxRetryAfter = time.Hour

// ParseRetryAfter resolves a Retry-After header value (delta-seconds or HTTP-date) to an
// absolute time after now, capped at now+MaxRetryAfter. Values that resolve to now or
// the past are rejected.
func ParseRetryAfter(value string, now time.Time) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	limit := now.Add(MaxRetryAfter)
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		if seconds <= 0 {
			return time.Time{}, false
		}
		if seconds > int64(MaxRetryAfter/time.Second) {
			return limit, true
		}
		return now.Add(time.Duration(seconds) * time.Second), true
	}
	at, err := http.ParseTime(value)
	if err != nil || !at.After(now) {
		return time.Time{}, false
	}
	if at.After(limit) {
		return limit, true
	}
	return at, true
}
