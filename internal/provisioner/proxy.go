package provisioner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// ProxyAPI is the interface the Deployer drives to move traffic. A single
// route object per app is addressed by RouteID(appID).
type ProxyAPI interface {
	// UpsertSingleUpstream ensures the route exists and its single upstream
	// is exactly upstream. created reports whether the route had to be
	// created from scratch rather than updated in place.
	UpsertSingleUpstream(ctx context.Context, appID int64, slug, upstream string) (created bool, err error)
	// ReplaceUpstreamList atomically replaces the entire upstream list with
	// [upstream]. The cut-over primitive.
	ReplaceUpstreamList(ctx context.Context, appID int64, upstream string) error
	// AddUpstream appends upstream without removing existing entries.
	AddUpstream(ctx context.Context, appID int64, upstream string) error
	// RemoveRoute deletes the route entirely.
	RemoveRoute(ctx context.Context, appID int64) error
}

// route is the admin API's route payload schema.
type route struct {
	ID     string        `json:"id"`
	Match  []routeMatch  `json:"match"`
	Handle []routeHandle `json:"handle"`
}

type routeMatch struct {
	Host []string `json:"host"`
}

type routeHandle struct {
	Type      string     `json:"type"`
	Upstreams []upstream `json:"upstreams"`
}

type upstream struct {
	Dial string `json:"dial"`
}

// CaddyProxy implements ProxyAPI against a Caddy-shaped REST admin API.
type CaddyProxy struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewCaddyProxy constructs a CaddyProxy against baseURL (e.g.
// "http://localhost:2019").
func NewCaddyProxy(baseURL string, logger *slog.Logger) *CaddyProxy {
	return &CaddyProxy{
		baseURL: baseURL,
		client:  &http.Client{},
		logger:  logger,
	}
}

func (p *CaddyProxy) UpsertSingleUpstream(ctx context.Context, appID int64, slug, upstreamAddr string) (bool, error) {
	id := RouteID(appID)
	path := fmt.Sprintf("id/%s/handle/0/upstreams/0", id)
	body := upstream{Dial: upstreamAddr}

	err := p.do(ctx, http.MethodPut, path, body, nil)
	if err == nil {
		return false, nil
	}

	// Any PUT failure is read as "route does not exist" and answered with a
	// full route create, which the admin API treats as idempotent per id.
	p.logger.Info("route does not exist, creating", "app_id", appID, "route_id", id, "error", err)

	full := route{
		ID:    id,
		Match: []routeMatch{{Host: []string{RouteHost(slug)}}},
		Handle: []routeHandle{{
			Type:      "reverse_proxy",
			Upstreams: []upstream{{Dial: upstreamAddr}},
		}},
	}
	if err := p.do(ctx, http.MethodPost, "config/apps/http/servers/srv0/routes", full, nil); err != nil {
		return false, fmt.Errorf("failed to create route %s: %w", id, err)
	}
	return true, nil
}

func (p *CaddyProxy) ReplaceUpstreamList(ctx context.Context, appID int64, upstreamAddr string) error {
	path := fmt.Sprintf("id/%s/handle/0/upstreams", RouteID(appID))
	body := []upstream{{Dial: upstreamAddr}}
	if err := p.do(ctx, http.MethodPatch, path, body, nil); err != nil {
		return fmt.Errorf("failed to replace upstreams for %s: %w", RouteID(appID), err)
	}
	return nil
}

func (p *CaddyProxy) AddUpstream(ctx context.Context, appID int64, upstreamAddr string) error {
	// POSTing to an array path appends the body as a new element rather than
	// replacing the array, unlike PUT/PATCH against an index.
	path := fmt.Sprintf("id/%s/handle/0/upstreams", RouteID(appID))
	body := upstream{Dial: upstreamAddr}
	if err := p.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("failed to add upstream for %s: %w", RouteID(appID), err)
	}
	return nil
}

func (p *CaddyProxy) RemoveRoute(ctx context.Context, appID int64) error {
	path := fmt.Sprintf("id/%s", RouteID(appID))
	if err := p.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("failed to remove route %s: %w", RouteID(appID), err)
	}
	return nil
}

// IsNotFound reports whether err is the status the Caddy admin API
// returns for an unknown route id. The admin API has no dedicated
// existence probe, so error classification is all there is.
func IsNotFound(err error) bool {
	var httpErr *httpStatusError
	return errors.As(err, &httpErr) && httpErr.status == http.StatusNotFound
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("proxy API returned status %d: %s", e.status, e.body)
}

func (p *CaddyProxy) do(ctx context.Context, method, path string, reqBody, respBody any) error {
	var reader io.Reader
	if reqBody != nil {
		buf, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	url := fmt.Sprintf("%s/%s", p.baseURL, path)
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("proxy API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &httpStatusError{status: resp.StatusCode, body: string(body)}
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil && err != io.EOF {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
