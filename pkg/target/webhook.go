package target

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cuemby/mailroom/pkg/types"
)

// DefaultWebhookTimeout bounds a single webhook request
const DefaultWebhookTimeout = 30 * time.Second

// Headers set on every webhook request
const (
	HeaderEventSource = "X-Mailroom-Source"
	HeaderEventSeq    = "X-Mailroom-Seq"
	HeaderEventType   = "X-Mailroom-Type"
)

// Webhook delivers events by POSTing them as JSON to a URL.
//
// Response mapping: 2xx delivered; 409 rejected; 404 and 410 fatal;
// 400, 413 and 422 benign; anything else, including network errors,
// transient.
type Webhook struct {
	// URL is the endpoint events are posted to
	URL string

	// Headers are custom HTTP headers to include in every request
	Headers map[string]string

	// Client is the HTTP client to use (allows custom configuration)
	Client *http.Client
}

// NewWebhook creates a webhook target for url
func NewWebhook(url string) *Webhook {
	return &Webhook{
		URL:     url,
		Headers: make(map[string]string),
		Client: &http.Client{
			Timeout: DefaultWebhookTimeout,
		},
	}
}

// WithHeader adds a custom HTTP header
func (w *Webhook) WithHeader(key, value string) *Webhook {
	w.Headers[key] = value
	return w
}

// WithTimeout sets the HTTP client timeout
func (w *Webhook) WithTimeout(timeout time.Duration) *Webhook {
	w.Client.Timeout = timeout
	return w
}

// Deliver posts ev to the webhook URL
func (w *Webhook) Deliver(ctx context.Context, ev *types.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: failed to encode event: %v", ErrBenign, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %v", ErrFatal, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventSource, ev.Source)
	req.Header.Set(HeaderEventSeq, fmt.Sprintf("%d", ev.SeqID))
	if ev.Type != "" {
		req.Header.Set(HeaderEventType, ev.Type)
	}
	for key, value := range w.Headers {
		req.Header.Set(key, value)
	}

	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	return statusError(resp.StatusCode)
}

func statusError(code int) error {
	if code >= 200 && code < 300 {
		return nil
	}
	msg := fmt.Sprintf("HTTP %d %s", code, http.StatusText(code))
	switch code {
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrRejected, msg)
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("%w: %s", ErrFatal, msg)
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrBenign, msg)
	default:
		return fmt.Errorf("unexpected response: %s", msg)
	}
}

// HTTPResolver resolves http and https specs to webhooks
type HTTPResolver struct {
	Timeout time.Duration
	Client  *http.Client
}

// NewHTTPResolver creates a resolver whose webhooks share one client
func NewHTTPResolver(timeout time.Duration) *HTTPResolver {
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	return &HTTPResolver{
		Timeout: timeout,
		Client:  &http.Client{Timeout: timeout},
	}
}

// Resolve validates the spec URL and returns a webhook for it
func (r *HTTPResolver) Resolve(spec types.TargetSpec) (Target, error) {
	u, err := url.Parse(spec.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnresolvable, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrUnresolvable, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrUnresolvable, spec.URL)
	}

	hook := &Webhook{
		URL:     spec.URL,
		Headers: make(map[string]string, len(spec.Headers)),
		Client:  r.Client,
	}
	for k, v := range spec.Headers {
		hook.Headers[k] = v
	}
	return hook, nil
}
