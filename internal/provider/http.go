package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const maxResponseBytes = 1 << 20

// HTTPProvider POSTs the command payload to a fixed endpoint, authenticated
// with the tenant's OAuth2 token.
type HTTPProvider struct {
	name     string
	endpoint string
	base     *http.Client
}

func NewHTTPProvider(name, endpoint string, base *http.Client) (*HTTPProvider, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("provider name is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("endpoint must be http or https: %q", endpoint)
	}
	if base == nil {
		base = &http.Client{Transport: newTransport()}
	}
	return &HTTPProvider{name: name, endpoint: endpoint, base: base}, nil
}

func (p *HTTPProvider) Name() string { return p.name }

func (p *HTTPProvider) Execute(ctx context.Context, req Request) ([]byte, error) {
	if req.Credential.Token == nil {
		return nil, errors.New("credential token is required")
	}
	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, p.base), oauth2.StaticTokenSource(req.Credential.Token))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(req.Payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Command-Id", req.CommandID)
	httpReq.Header.Set("X-Tenant-Id", req.TenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s call: %w", p.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s read response: %w", p.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s returned status %d: %s", p.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
