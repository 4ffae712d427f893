package upload

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"
)

// NetworkMetrics breaks one request down by phase.
type NetworkMetrics struct {
	DNS        time.Duration
	ConnWait   time.Duration
	TCP        time.Duration
	TLS        time.Duration
	ReqHeaders time.Duration
	ReqBody    time.Duration
	TTFB       time.Duration
	Download   time.Duration
	Total      time.Duration
	ConnReused bool
}

func (m *NetworkMetrics) Sum() time.Duration {
	return m.ConnWait + m.DNS + m.TCP + m.TLS + m.ReqHeaders + m.ReqBody + m.TTFB + m.Download
}

type TracedClient struct {
	client *http.Client
}

func NewTracedClient(timeout time.Duration) *TracedClient {
	return newTracedClient(&http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        2,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
		},
	})
}

func newTracedClient(c *http.Client) *TracedClient {
	return &TracedClient{client: c}
}

type TracedResponse struct {
	Body       []byte
	StatusCode int
	Header     http.Header
	Metrics    *NetworkMetrics
}

// Do runs req with an httptrace hooked in. The transport fires the hooks from
// its own read and write goroutines, so every timestamp is taken under mu.
func (c *TracedClient) Do(req *http.Request) (*TracedResponse, error) {
	metrics := &NetworkMetrics{}
	var mu sync.Mutex
	var getConnStart, dnsStart, tcpStart, tlsStart time.Time
	var gotConn, wroteHeaders, wroteRequest, firstByte time.Time

	locked := func(fn func(now time.Time)) {
		now := time.Now()
		mu.Lock()
		fn(now)
		mu.Unlock()
	}

	trace := &httptrace.ClientTrace{
		GetConn: func(_ string) { locked(func(now time.Time) { getConnStart = now }) },
		GotConn: func(info httptrace.GotConnInfo) {
			locked(func(now time.Time) {
				gotConn = now
				metrics.ConnWait = gotConn.Sub(getConnStart)
				metrics.ConnReused = info.Reused
			})
		},
		DNSStart: func(_ httptrace.DNSStartInfo) { locked(func(now time.Time) { dnsStart = now }) },
		DNSDone: func(_ httptrace.DNSDoneInfo) {
			locked(func(now time.Time) { metrics.DNS = now.Sub(dnsStart) })
		},
		ConnectStart: func(_, _ string) { locked(func(now time.Time) { tcpStart = now }) },
		ConnectDone: func(_, _ string, _ error) {
			locked(func(now time.Time) { metrics.TCP = now.Sub(tcpStart) })
		},
		TLSHandshakeStart: func() { locked(func(now time.Time) { tlsStart = now }) },
		TLSHandshakeDone: func(_ tls.ConnectionState, _ error) {
			locked(func(now time.Time) { metrics.TLS = now.Sub(tlsStart) })
		},
		WroteHeaders: func() {
			locked(func(now time.Time) {
				wroteHeaders = now
				metrics.ReqHeaders = wroteHeaders.Sub(gotConn)
			})
		},
		WroteRequest: func(_ httptrace.WroteRequestInfo) {
			locked(func(now time.Time) {
				wroteRequest = now
				metrics.ReqBody = wroteRequest.Sub(wroteHeaders)
			})
		},
		GotFirstResponseByte: func() {
			locked(func(now time.Time) {
				firstByte = now
				// The server may answer before the body is fully written.
				if !wroteRequest.IsZero() {
					metrics.TTFB = firstByte.Sub(wroteRequest)
				}
			})
		},
	}

	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))
	reqStart := time.Now()

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	if !firstByte.IsZero() {
		metrics.Download = time.Since(firstByte)
	}
	metrics.Total = time.Since(reqStart)

	return &TracedResponse{
		Body:       body,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Metrics:    metrics,
	}, nil
}
