// Package management is the HTTP client for the platform's management
// core: service registration, configuration categories, asset tracking,
// audit, and bearer-token verification. The management surface is a
// collaborator, never a dependency of the data path — every failure here
// is logged and retried later, not propagated into ingest.
package management

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Client talks to one management core. Safe for concurrent use; callers
// that want one client per worker can use a Pool instead.
type Client struct {
	base *url.URL
	http *http.Client
	log  *slog.Logger

	// tokenMu guards the verified-token cache shared by the HTTP
	// workers.
	tokenMu sync.Mutex
	tokens  map[string]TokenClaims
}

// Service describes this service to the management core.
type Service struct {
	ID             string `json:"id,omitempty"`
	Name           string `json:"name"`
	Type           string `json:"type"`
	Address        string `json:"address"`
	Port           int    `json:"service_port"`
	ManagementPort int    `json:"management_port"`
	Protocol       string `json:"protocol"`
}

// TokenClaims is the result of a bearer-token verification.
type TokenClaims struct {
	Aud string `json:"aud"`
	Sub string `json:"sub"`
	Iss string `json:"iss"`
	Exp int64  `json:"exp"`
}

const requestTimeout = 10 * time.Second

func NewClient(baseURL string, log *slog.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse management URL: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		base:   u,
		http:   &http.Client{Timeout: requestTimeout},
		log:    log,
		tokens: make(map[string]TokenClaims),
	}, nil
}

// permanentStatus reports whether an HTTP status is not worth retrying.
func permanentStatus(code int) bool {
	return code >= 400 && code < 500
}

// newRetryBackoff bounds how long a management call may keep retrying.
// The data path never waits on these calls, so a generous window is
// safe.
func newRetryBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 15 * time.Second
	return backoff.WithContext(bo, ctx)
}

// do performs one JSON request with retry on transport errors and 5xx
// responses. out may be nil for calls whose body is irrelevant.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}

	p, query, _ := strings.Cut(path, "?")
	u := c.base.JoinPath(p)
	u.RawQuery = query

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, u.String(),
			bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err // transport error, retryable
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 400 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err := fmt.Errorf("%s %s: %s: %s", method, path, resp.Status,
				strings.TrimSpace(string(msg)))
			if permanentStatus(resp.StatusCode) {
				return backoff.Permanent(err)
			}
			return err
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode %s %s: %w", method, path, err))
		}
		return nil
	}
	return backoff.Retry(op, newRetryBackoff(ctx))
}

// RegisterService announces the service and returns its registration ID.
// An empty svc.ID gets a fresh UUID so re-registration after a restart
// is always unambiguous.
func (c *Client) RegisterService(ctx context.Context, svc Service) (string, error) {
	if svc.ID == "" {
		svc.ID = uuid.NewString()
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/fledge/service", svc, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		resp.ID = svc.ID
	}
	return resp.ID, nil
}

// UnregisterService withdraws a registration.
func (c *Client) UnregisterService(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/fledge/service/"+url.PathEscape(id), nil, nil)
}

// GetServiceByName looks a service up in the registry.
func (c *Client) GetServiceByName(ctx context.Context, name string) (*Service, error) {
	var resp struct {
		Services []Service `json:"services"`
	}
	path := "/fledge/service?name=" + url.QueryEscape(name)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Services) == 0 {
		return nil, fmt.Errorf("service %q not registered", name)
	}
	return &resp.Services[0], nil
}

// GetServicesByType lists registered services of one type.
func (c *Client) GetServicesByType(ctx context.Context, typ string) ([]Service, error) {
	var resp struct {
		Services []Service `json:"services"`
	}
	path := "/fledge/service?type=" + url.QueryEscape(typ)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Services, nil
}

// RegisterProxy asks the core to forward a set of public API routes to
// this service's endpoints.
func (c *Client) RegisterProxy(ctx context.Context, serviceName string, routes map[string]string) error {
	in := map[string]any{"service_name": serviceName, "routes": routes}
	return c.do(ctx, http.MethodPost, "/fledge/proxy", in, nil)
}

// RegisterInterest subscribes the service to configuration-category
// change callbacks.
func (c *Client) RegisterInterest(ctx context.Context, category, serviceID string) error {
	in := map[string]string{"category": category, "service": serviceID}
	return c.do(ctx, http.MethodPost, "/fledge/interest", in, nil)
}

// GetCategory fetches a configuration category.
func (c *Client) GetCategory(ctx context.Context, name string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/fledge/service/category/"+url.PathEscape(name), nil, &out)
	return out, err
}

// UpdateCategoryItem writes one category item value.
func (c *Client) UpdateCategoryItem(ctx context.Context, category, item string, value any) error {
	in := map[string]any{"value": value}
	path := "/fledge/service/category/" + url.PathEscape(category) + "/" + url.PathEscape(item)
	return c.do(ctx, http.MethodPut, path, in, nil)
}

// AddAssetTrackingTuple records first sight of an asset flowing through
// a plugin.
func (c *Client) AddAssetTrackingTuple(ctx context.Context, service, plugin, asset, event string) error {
	in := map[string]string{
		"service": service,
		"plugin":  plugin,
		"asset":   asset,
		"event":   event,
	}
	return c.do(ctx, http.MethodPost, "/fledge/track", in, nil)
}

// AuditEntry submits an audit log entry.
func (c *Client) AuditEntry(ctx context.Context, code, severity string, details map[string]any) error {
	in := map[string]any{
		"source":   "tidemark",
		"code":     code,
		"severity": severity,
		"details":  details,
	}
	return c.do(ctx, http.MethodPost, "/fledge/audit", in, nil)
}

// VerifyToken validates a bearer token, serving repeats from the cache.
func (c *Client) VerifyToken(ctx context.Context, token string) (TokenClaims, error) {
	c.tokenMu.Lock()
	if claims, ok := c.tokens[token]; ok {
		if claims.Exp == 0 || time.Now().Unix() < claims.Exp {
			c.tokenMu.Unlock()
			return claims, nil
		}
		delete(c.tokens, token)
	}
	c.tokenMu.Unlock()

	var claims TokenClaims
	in := map[string]string{"token": token}
	if err := c.do(ctx, http.MethodPost, "/fledge/service/verify_token", in, &claims); err != nil {
		return TokenClaims{}, err
	}

	c.tokenMu.Lock()
	c.tokens[token] = claims
	c.tokenMu.Unlock()
	return claims, nil
}

// RefreshToken exchanges a bearer token for a fresh one, dropping the
// old cache entry.
func (c *Client) RefreshToken(ctx context.Context, token string) (string, error) {
	var resp struct {
		Bearer string `json:"bearer_token"`
	}
	in := map[string]string{"token": token}
	if err := c.do(ctx, http.MethodPost, "/fledge/service/refresh_token", in, &resp); err != nil {
		return "", err
	}
	c.tokenMu.Lock()
	delete(c.tokens, token)
	c.tokenMu.Unlock()
	return resp.Bearer, nil
}
