// Package auth resolves bearer credentials to principals and checks that a
// principal may run dedupe operations.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/lead-dedupe/internal/resilience"
)

var (
	// ErrUnauthenticated means the credential is missing or does not resolve.
	ErrUnauthenticated = eris.New("auth: unauthenticated")
	// ErrForbidden means the principal lacks the required role.
	ErrForbidden = eris.New("auth: forbidden")
)

// Principal is an authenticated caller.
type Principal struct {
	UserID string `json:"id"`
	Email  string `json:"email,omitempty"`
}

// Authenticator resolves a bearer token.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// Authorizer decides whether a principal may proceed.
type Authorizer interface {
	Authorize(ctx context.Context, p *Principal) error
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// APIError is a non-2xx response from the auth service.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("auth: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures an HTTPAuthenticator.
type Option func(*HTTPAuthenticator)

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(a *HTTPAuthenticator) { a.http = hc }
}

// WithRateLimit caps outbound lookups per second. Zero disables the cap.
func WithRateLimit(perSec float64) Option {
	return func(a *HTTPAuthenticator) {
		if perSec <= 0 {
			a.limiter = nil
			return
		}
		a.limiter = rate.NewLimiter(rate.Limit(perSec), max(1, int(perSec)))
	}
}

// WithRetry sets the retry policy for 5xx and 429 responses.
func WithRetry(p resilience.Policy) Option {
	return func(a *HTTPAuthenticator) { a.retry = p }
}

// HTTPAuthenticator validates tokens against the hosted auth API's user
// endpoint.
type HTTPAuthenticator struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	retry   resilience.Policy
}

// NewHTTPAuthenticator creates an authenticator for the auth API at baseURL.
func NewHTTPAuthenticator(baseURL, apiKey string, opts ...Option) *HTTPAuthenticator {
	a := &HTTPAuthenticator{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(10, 10),
		retry:   resilience.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate calls GET /auth/v1/user with the caller's token.
func (a *HTTPAuthenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}

	p, err := resilience.DoVal(ctx, a.retry.WithOperation("auth_user"), func(ctx context.Context) (*Principal, error) {
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return nil, eris.Wrap(err, "auth: rate limit")
			}
		}
		return a.lookup(ctx, token)
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
			return nil, ErrUnauthenticated
		}
		return nil, eris.Wrap(err, "auth: resolve token")
	}
	if p.UserID == "" {
		return nil, ErrUnauthenticated
	}
	return p, nil
}

func (a *HTTPAuthenticator) lookup(ctx context.Context, token string) (*Principal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if a.apiKey != "" {
		req.Header.Set("apikey", a.apiKey)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrap(err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(data)}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(apiErr, resp.StatusCode)
		}
		return nil, apiErr
	}

	var p Principal
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, eris.Wrap(err, "decode response")
	}
	return &p, nil
}

// StaticAuthenticator maps fixed tokens to user ids. It backs local runs and
// tests where no auth service is reachable.
type StaticAuthenticator map[string]string

// Authenticate looks the token up in the table.
func (s StaticAuthenticator) Authenticate(_ context.Context, token string) (*Principal, error) {
	userID, ok := s[token]
	if !ok || token == "" || userID == "" {
		return nil, ErrUnauthenticated
	}
	return &Principal{UserID: userID}, nil
}

// RoleChecker answers role membership. lead.Store satisfies it.
type RoleChecker interface {
	HasRole(ctx context.Context, userID, role string) (bool, error)
}

// RoleAuthorizer admits principals that hold one role.
type RoleAuthorizer struct {
	roles RoleChecker
	role  string
}

// NewRoleAuthorizer creates an authorizer requiring role.
func NewRoleAuthorizer(roles RoleChecker, role string) *RoleAuthorizer {
	return &RoleAuthorizer{roles: roles, role: role}
}

// Authorize returns ErrForbidden unless p holds the role.
func (r *RoleAuthorizer) Authorize(ctx context.Context, p *Principal) error {
	if p == nil || p.UserID == "" {
		return ErrUnauthenticated
	}
	ok, err := r.roles.HasRole(ctx, p.UserID, r.role)
	if err != nil {
		return eris.Wrapf(err, "auth: role lookup for %s", p.UserID)
	}
	if !ok {
		zap.L().Info("auth: role missing", zap.String("user_id", p.UserID), zap.String("role", r.role))
		return ErrForbidden
	}
	return nil
}
