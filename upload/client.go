// Package upload submits finished recordings to the Hume batch API.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"friendrec/audio"
	"friendrec/log"
)

const (
	DefaultEndpoint = "https://api.hume.ai/v0/batch/jobs"
	APIKeyHeader    = "X-Hume-Api-Key"
	FieldName       = "file"
	FileName        = "audioFile.wav"
	ContentType     = "audio/wav"

	DefaultTimeout = 60 * time.Second
)

// Job is an accepted batch job.
type Job struct {
	ID        string
	AttemptID string
	Metrics   *NetworkMetrics
}

type Client struct {
	endpoint string
	http     *TracedClient
	newID    func() string
}

func New(endpoint string, timeout time.Duration) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		endpoint: endpoint,
		http:     NewTracedClient(timeout),
		newID:    uuid.NewString,
	}
}

func (c *Client) Endpoint() string { return c.endpoint }

// Submit makes exactly one POST carrying the artifact as a single multipart
// part and returns the job id from the response.
func (c *Client) Submit(ctx context.Context, apiKey string, a audio.Artifact) (*Job, error) {
	if apiKey == "" {
		return nil, ErrEmptyAPIKey
	}

	attempt := c.newID()
	body, contentType, err := encodeBody(attempt, a.Data)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Err: fmt.Errorf("encoding request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Err: err}
	}
	req.Header.Set(APIKeyHeader, apiKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		log.Warnf("upload %s failed: %v", attempt, err)
		return nil, &Error{Kind: KindNetwork, Err: err}
	}

	log.Upload(log.UploadMetrics{
		AttemptID:   attempt,
		SizeKB:      float64(len(body)) / 1024,
		DNSTimeMs:   ms(resp.Metrics.DNS),
		TLSTimeMs:   ms(resp.Metrics.TLS),
		TTFBMs:      ms(resp.Metrics.TTFB),
		TotalTimeMs: ms(resp.Metrics.Total),
		ConnReused:  resp.Metrics.ConnReused,
		StatusCode:  resp.StatusCode,
	})

	id, err := parseResponse(resp.StatusCode, resp.Body)
	if err != nil {
		return nil, err
	}
	log.JobID(id, a.Path)
	return &Job{ID: id, AttemptID: attempt, Metrics: resp.Metrics}, nil
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func encodeBody(attempt string, data []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.SetBoundary("Boundary-" + attempt); err != nil {
		return nil, "", err
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, FieldName, FileName))
	h.Set("Content-Type", ContentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func parseResponse(status int, body []byte) (string, error) {
	if status == 0 {
		return "", &Error{Kind: KindInvalidResponse}
	}
	if status < 200 || status > 299 {
		text := string(body)
		if len(body) == 0 || !utf8.Valid(body) {
			text = unknownServerError
		}
		return "", &Error{Kind: KindServer, StatusCode: status, Body: text}
	}
	if len(body) == 0 {
		return "", &Error{Kind: KindInvalidData, StatusCode: status}
	}

	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return "", &Error{Kind: KindNetwork, StatusCode: status, Err: fmt.Errorf("parsing response: %w", err)}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return "", &Error{Kind: KindInvalidData, StatusCode: status, Err: errors.New("response is not an object")}
	}
	id, ok := obj["job_id"].(string)
	if !ok {
		return "", &Error{Kind: KindInvalidData, StatusCode: status, Err: errors.New("missing job_id")}
	}
	return id, nil
}
