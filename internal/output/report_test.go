package output

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/torosent/dataloader/internal/metrics"
	"github.com/torosent/dataloader/internal/request"
)

func TestPrintReportBasic(t *testing.T) {
	stats := metrics.Stats{
		Total:           10,
		Successes:       7,
		Failures:        2,
		Cancelled:       1,
		BytesDownloaded: 2048,
		RequestsPerSec:  5.0,
		Duration:        2 * time.Second,
	}

	var buf bytes.Buffer
	PrintReport(&buf, stats)

	output := buf.String()
	for _, want := range []string{"Total Requests:    10", "Successful:        7", "Cancelled:         1", "2048 bytes"} {
		if !strings.Contains(output, want) {
			t.Errorf("report missing %q:\n%s", want, output)
		}
	}
	if strings.Contains(output, "Errors:") {
		t.Error("empty error section should be omitted")
	}
}

func TestPrintReportBreakdowns(t *testing.T) {
	stats := metrics.Stats{
		Total:    4,
		Failures: 4,
		Errors:   map[string]int{"HTTP 503": 3, "Transport error": 1},
		Statuses: []metrics.StatusBucket{{Service: "https://api.example.com/v1", Code: "503", Count: 3}},
		Sources:  map[string]int64{"feed": 4},
	}

	var buf bytes.Buffer
	PrintReport(&buf, stats)

	output := buf.String()
	if !strings.Contains(output, "https://api.example.com/v1 503: 3") {
		t.Errorf("missing status row:\n%s", output)
	}
	if strings.Index(output, "HTTP 503: 3") > strings.Index(output, "Transport error: 1") {
		t.Errorf("errors should be sorted by count:\n%s", output)
	}
	if !strings.Contains(output, "feed: 4") {
		t.Errorf("missing source row:\n%s", output)
	}
}

func TestPrintJSONReport(t *testing.T) {
	stats := metrics.Stats{Total: 3, Successes: 3, Sources: map[string]int64{"feed": 3}}

	var buf bytes.Buffer
	if err := PrintJSONReport(&buf, stats); err != nil {
		t.Fatalf("PrintJSONReport failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if decoded["total"].(float64) != 3 {
		t.Errorf("total = %v, want 3", decoded["total"])
	}
	if _, ok := decoded["sources"]; !ok {
		t.Error("expected sources in JSON output")
	}
}

func TestPrintResponse(t *testing.T) {
	req, err := request.New("https://user:pw@api.example.com/items")
	if err != nil {
		t.Fatal(err)
	}

	ok := request.NewHTTPResponse(req, http.StatusOK, http.Header{}, time.Now())
	ok.Body = []byte("hello")
	ok.RequestTime = 12 * time.Millisecond

	failed := request.NewResponse(req)
	failed.Error = &request.TransportError{Op: "dial", Err: errors.New("refused")}

	cancelled := request.NewResponse(req)
	cancelled.Error = request.ErrCancelled

	tests := []struct {
		name string
		resp *request.Response
		want string
	}{
		{"success", ok, "200 GET https://api.example.com/items (12ms, 5 bytes)"},
		{"transport error", failed, "ERROR GET https://api.example.com/items: transport dial: refused"},
		{"cancelled", cancelled, "CANCELLED GET https://api.example.com/items"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			PrintResponse(&buf, tt.resp)
			if got := strings.TrimSpace(buf.String()); got != tt.want {
				t.Errorf("PrintResponse() = %q, want %q", got, tt.want)
			}
			if strings.Contains(buf.String(), "pw") {
				t.Error("user info leaked")
			}
		})
	}
}
