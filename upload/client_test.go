package upload

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"friendrec/audio"
)

func testArtifact() audio.Artifact {
	data := make([]byte, audio.WAVHeaderSize+8)
	copy(data, "RIFF")
	return audio.Artifact{Data: data, Path: "/tmp/recording.wav"}
}

func newTestClient(url string) *Client {
	c := New(url, 5*time.Second)
	c.newID = func() string { return "11111111-2222-3333-4444-555555555555" }
	return c
}

func TestSubmitRequestShape(t *testing.T) {
	a := testArtifact()
	var gotFile []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if got := r.Header.Get(APIKeyHeader); got != "secret" {
			t.Errorf("api key header = %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "multipart/form-data; boundary=Boundary-11111111-2222-3333-4444-555555555555" {
			t.Errorf("content type = %q", got)
		}
		mr, err := r.MultipartReader()
		if err != nil {
			t.Fatalf("multipart reader: %v", err)
		}
		parts := 0
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("next part: %v", err)
			}
			parts++
			if p.FormName() != FieldName || p.FileName() != FileName {
				t.Errorf("part name=%q filename=%q", p.FormName(), p.FileName())
			}
			if ct := p.Header.Get("Content-Type"); ct != ContentType {
				t.Errorf("part content type = %q", ct)
			}
			gotFile, _ = io.ReadAll(p)
		}
		if parts != 1 {
			t.Errorf("parts = %d, want 1", parts)
		}
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"job_id":"abc123"}`)
	}))
	defer srv.Close()

	job, err := newTestClient(srv.URL).Submit(context.Background(), "secret", a)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.ID != "abc123" {
		t.Errorf("job id = %q", job.ID)
	}
	if job.AttemptID != "11111111-2222-3333-4444-555555555555" {
		t.Errorf("attempt id = %q", job.AttemptID)
	}
	if job.Metrics == nil || job.Metrics.Total <= 0 {
		t.Errorf("metrics not captured: %+v", job.Metrics)
	}
	if string(gotFile) != string(a.Data) {
		t.Errorf("uploaded %d bytes, want %d", len(gotFile), len(a.Data))
	}
}

func TestSubmitEmptyJobIDIsAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"job_id":"","status":"queued"}`)
	}))
	defer srv.Close()

	job, err := newTestClient(srv.URL).Submit(context.Background(), "k", testArtifact())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.ID != "" {
		t.Errorf("job id = %q, want empty", job.ID)
	}
}

func TestSubmitEmptyKeySkipsNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Submit(context.Background(), "", testArtifact())
	if !errors.Is(err, ErrEmptyAPIKey) {
		t.Fatalf("err = %v, want ErrEmptyAPIKey", err)
	}
	if hits.Load() != 0 {
		t.Errorf("server hit %d times", hits.Load())
	}
}

func TestSubmitResponses(t *testing.T) {
	for _, tt := range []struct {
		name     string
		status   int
		body     string
		wantKind Kind
		wantBody string
	}{
		{"server error text", 500, "boom", KindServer, "boom"},
		{"server error empty", 503, "", KindServer, unknownServerError},
		{"server error binary", 400, "\xff\xfe", KindServer, unknownServerError},
		{"empty success", 200, "", KindInvalidData, ""},
		{"missing job id", 200, `{}`, KindInvalidData, ""},
		{"numeric job id", 200, `{"job_id":42}`, KindInvalidData, ""},
		{"null job id", 200, `{"job_id":null}`, KindInvalidData, ""},
		{"array", 200, `[]`, KindInvalidData, ""},
		{"malformed json", 200, `{"job_id":`, KindNetwork, ""},
	} {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			job, err := newTestClient(srv.URL).Submit(context.Background(), "k", testArtifact())
			if job != nil {
				t.Errorf("job = %+v, want nil", job)
			}
			var ue *Error
			if !errors.As(err, &ue) {
				t.Fatalf("err = %v, want *Error", err)
			}
			if ue.Kind != tt.wantKind {
				t.Errorf("kind = %v, want %v", ue.Kind, tt.wantKind)
			}
			if tt.wantKind == KindServer {
				if ue.StatusCode != tt.status || ue.Body != tt.wantBody {
					t.Errorf("got (%d, %q), want (%d, %q)", ue.StatusCode, ue.Body, tt.status, tt.wantBody)
				}
			}
		})
	}
}

func TestSubmitTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url).Submit(context.Background(), "k", testArtifact())
	if !IsKind(err, KindNetwork) {
		t.Fatalf("err = %v, want network error", err)
	}
	if errors.Unwrap(err) == nil {
		t.Error("network error does not wrap its cause")
	}
}

type statuslessTransport struct{}

func (statuslessTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return &http.Response{Body: io.NopCloser(strings.NewReader(`{"job_id":"x"}`)), Header: http.Header{}}, nil
}

func TestSubmitStatuslessResponse(t *testing.T) {
	c := newTestClient("http://example.invalid/jobs")
	c.http = newTracedClient(&http.Client{Transport: statuslessTransport{}})

	_, err := c.Submit(context.Background(), "k", testArtifact())
	if !IsKind(err, KindInvalidResponse) {
		t.Fatalf("err = %v, want invalid response", err)
	}
}

func TestSubmitCanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestClient(srv.URL).Submit(ctx, "k", testArtifact())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestNewDefaults(t *testing.T) {
	c := New("", 0)
	if c.Endpoint() != DefaultEndpoint {
		t.Errorf("endpoint = %q", c.Endpoint())
	}
}

func TestNetworkMetricsSum(t *testing.T) {
	m := &NetworkMetrics{
		ConnWait:   10 * time.Millisecond,
		DNS:        20 * time.Millisecond,
		TCP:        30 * time.Millisecond,
		TLS:        40 * time.Millisecond,
		ReqHeaders: 5 * time.Millisecond,
		ReqBody:    15 * time.Millisecond,
		TTFB:       50 * time.Millisecond,
		Download:   25 * time.Millisecond,
	}
	if got, want := m.Sum(), 195*time.Millisecond; got != want {
		t.Errorf("Sum() = %v, want %v", got, want)
	}
}

func TestErrorMessages(t *testing.T) {
	for _, tt := range []struct {
		err  *Error
		want string
	}{
		{&Error{Kind: KindServer, StatusCode: 500, Body: "boom"}, "server error 500: boom"},
		{&Error{Kind: KindInvalidResponse}, "invalid response from server"},
		{&Error{Kind: KindInvalidData}, "invalid data from server"},
	} {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}
