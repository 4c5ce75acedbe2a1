package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPCall performs the api-call source: details url, method, headers, body.
type HTTPCall struct {
	Client *http.Client
	// AllowHosts lists permitted hosts. "*" allows any host and a leading
	// "*." matches subdomains. An empty list disables the runner.
	AllowHosts []string
}

// NewHTTPCall creates an HTTPCall with a 60s client.
func NewHTTPCall(allow []string) *HTTPCall {
	return &HTTPCall{Client: &http.Client{Timeout: 60 * time.Second}, AllowHosts: allow}
}

func (h *HTTPCall) allowed(host string) bool {
	host = strings.ToLower(host)
	for _, a := range h.AllowHosts {
		a = strings.ToLower(a)
		switch {
		case a == "*":
			return true
		case strings.HasPrefix(a, "*."):
			if strings.HasSuffix(host, a[1:]) {
				return true
			}
		case a == host:
			return true
		}
	}
	return false
}

func (h *HTTPCall) Run(ctx context.Context, req Request) (Output, error) {
	if len(h.AllowHosts) == 0 {
		return Output{}, fmt.Errorf("api-call: %w", ErrNotConfigured)
	}
	t := req.Task
	raw := t.Detail("url")
	if raw == "" {
		raw = t.Detail("endpoint")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Output{}, fmt.Errorf("api-call: invalid url %q", raw)
	}
	if !h.allowed(u.Hostname()) {
		return Output{}, fmt.Errorf("api-call: host %q not allowed", u.Hostname())
	}

	method := strings.ToUpper(t.Detail("method"))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	contentType := ""
	switch v := t.SourceDetails["body"].(type) {
	case nil:
	case string:
		body = strings.NewReader(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return Output{}, fmt.Errorf("api-call: encode body: %w", err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}

	hreq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return Output{}, fmt.Errorf("api-call: %w", err)
	}
	if contentType != "" {
		hreq.Header.Set("Content-Type", contentType)
	}
	for k, v := range detailMap(t, "headers") {
		hreq.Header.Set(k, fmt.Sprint(v))
	}

	resp, err := h.Client.Do(hreq)
	if err != nil {
		return Output{}, fmt.Errorf("api-call: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxOutput+1))
	if err != nil {
		return Output{}, fmt.Errorf("api-call: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Output{}, fmt.Errorf("api-call: %s %s returned %d: %s",
			method, u.Redacted(), resp.StatusCode, truncate(string(data), 500))
	}
	return Output{
		Text: string(data),
		Data: map[string]any{"status": resp.StatusCode, "content_type": resp.Header.Get("Content-Type")},
	}, nil
}
