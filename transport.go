package driftline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// BeaconSender is the fire-and-forget transport leg: non-blocking best-effort
// delivery with no response visibility beyond a success/failure bit.
// Returning false, or panicking, makes the requester fall back to the
// abortable HTTP path for the same payload.
type BeaconSender interface {
	Send(url string, body []byte) bool
}

// fasthttpBeacon sends through a fasthttp client. Any transport error or
// non-2xx status reports failure.
type fasthttpBeacon struct {
	client  *fasthttp.Client
	timeout time.Duration
}

func newFasthttpBeacon(timeout time.Duration) *fasthttpBeacon {
	return &fasthttpBeacon{
		client:  &fasthttp.Client{Name: "driftline-go"},
		timeout: timeout,
	}
}

func (b *fasthttpBeacon) Send(u string, body []byte) bool {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(u)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err := b.client.DoTimeout(req, resp, b.timeout); err != nil {
		return false
	}
	code := resp.StatusCode()
	return code >= 200 && code < 300
}

// requester sends one JSON payload to one path, preferring the beacon leg
// and falling back to an abortable request with a timeout.
type requester struct {
	baseURL string
	apiKey  string
	client  *http.Client
	beacon  BeaconSender
	timeout time.Duration
}

func newRequester(cfg *Config) *requester {
	r := &requester{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{},
		timeout: cfg.RequestTimeout,
	}
	if !cfg.DisableBeacon {
		r.beacon = newFasthttpBeacon(cfg.RequestTimeout)
	}
	return r
}

func (r *requester) endpoint(path string) string {
	return r.baseURL + path + "?api_key=" + url.QueryEscape(r.apiKey)
}

// send delivers body to path. Beacon first when available; on beacon failure
// or panic, exactly one fallback request is made for the same path and
// payload. Errors are classified into *APIError (HTTP-level) and
// *NetworkError (transport-level).
func (r *requester) send(ctx context.Context, path string, body []byte) error {
	u := r.endpoint(path)
	if r.beacon != nil && r.sendBeacon(u, body) {
		return nil
	}
	return r.sendHTTP(ctx, u, path, body)
}

func (r *requester) sendBeacon(u string, body []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return r.beacon.Send(u, body)
}

func (r *requester) sendHTTP(ctx context.Context, u, path string, body []byte) error {
	op := http.MethodPost + " " + path

	// The abort timer is tied to the context; cancel always releases it,
	// success or failure.
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "driftline-go/"+Version)

	resp, err := r.client.Do(req)
	if err != nil {
		return &NetworkError{
			Op:      op,
			Timeout: errors.Is(err, context.DeadlineExceeded),
			Err:     err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		respBody = nil
	}
	return parseAPIError(resp.StatusCode, respBody, RequestInfo{
		URL:     u,
		Method:  http.MethodPost,
		Payload: body,
	})
}
