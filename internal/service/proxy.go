// Package service implements the core proxy forwarding logic.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"api-proxy/internal/client"
	"api-proxy/internal/config"
	"api-proxy/internal/model"
	"api-proxy/internal/routes"
)

// APIPrefix is the path prefix handled by the proxy.
const APIPrefix = "/api/"

const userAgent = "api-proxy/1.0"

// ErrRouteNotFound is matched by *RouteNotFoundError.
var ErrRouteNotFound = errors.New("route not found")

// RouteNotFoundError reports a namespace missing from the route table.
// Its message is safe to return to clients.
type RouteNotFoundError struct {
	Namespace string
}

func (e *RouteNotFoundError) Error() string {
	return fmt.Sprintf("API route '%s' not found in configuration.", e.Namespace)
}

func (e *RouteNotFoundError) Is(target error) bool {
	return target == ErrRouteNotFound
}

// hopByHopHeaders are never forwarded upstream, whatever the header policy says.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Proxy-Connection":    true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
	"Host":                true,
}

// forwardableResponseHeaders are the only response headers relayed to the client.
// Content-Encoding travels with the body because the body is never decoded.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":     true,
	"Content-Encoding": true,
}

// ProxyService resolves namespaces and forwards requests to their upstream.
type ProxyService struct {
	client         *client.UpstreamClient
	routes         *routes.Table
	forwardHeaders []string
	setHeaders     http.Header
	logger         *slog.Logger
}

// NewProxyService creates a ProxyService bound to an already loaded route table.
func NewProxyService(c *client.UpstreamClient, table *routes.Table, cfg *config.Config, logger *slog.Logger) *ProxyService {
	set := make(http.Header, len(cfg.Upstream.SetHeaders))
	for k, v := range cfg.Upstream.SetHeaders {
		set.Set(k, v)
	}

	return &ProxyService{
		client:         c,
		routes:         table,
		forwardHeaders: cfg.Upstream.CanonicalForwardHeaders(),
		setHeaders:     set,
		logger:         logger.With("component", "proxy_service"),
	}
}

// SplitPath splits an escaped request path into its namespace and the rest.
// The remaining path keeps its leading slash and its escaping. ok is false
// when the path is not under APIPrefix.
func SplitPath(escapedPath string) (namespace, remaining string, ok bool) {
	rest, found := strings.CutPrefix(escapedPath, APIPrefix)
	if !found {
		return "", "", false
	}

	segment := rest
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		segment, remaining = rest[:i], rest[i:]
	}

	namespace, err := url.PathUnescape(segment)
	if err != nil {
		namespace = segment
	}
	return namespace, remaining, true
}

// QueryString returns the raw query of u with its leading '?', or an empty
// string when the query is empty.
func QueryString(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}
	return "?" + u.RawQuery
}

// BuildTargetURL concatenates base, remaining path and query verbatim.
// No slash is inserted or collapsed: base "https://x.test/svc" with
// remaining "/1" yields "https://x.test/svc/1", and a base ending in '/'
// yields a double slash.
func BuildTargetURL(base, remainingPath, rawQuery string) string {
	return base + remainingPath + rawQuery
}

// Forward resolves pr's namespace and sends the request upstream once.
// A reachable upstream always yields a response, whatever its status.
// Errors match ErrRouteNotFound, client.ErrSetup or client.ErrNoResponse.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	base, ok := s.routes.Resolve(pr.Namespace)
	if !ok {
		return nil, &RouteNotFoundError{Namespace: pr.Namespace}
	}

	target := BuildTargetURL(base, pr.RemainingPath, pr.RawQuery)

	s.logger.Info("proxying request",
		"namespace", pr.Namespace,
		"method", pr.Method,
		"target", client.Redact(target),
	)

	header := s.buildRequestHeaders(pr.Header)

	resp, err := s.client.Send(pr.Ctx, pr.Namespace, pr.Method, target, header, pr.Body, pr.ContentLength)
	if err != nil {
		return nil, fmt.Errorf("forward %q: %w", pr.Namespace, err)
	}

	resp.Header = s.filterResponseHeaders(resp.Header)
	return resp, nil
}

// Classify maps an error returned by Forward to its outcome.
func Classify(err error) model.Outcome {
	switch {
	case errors.Is(err, ErrRouteNotFound):
		return model.OutcomeRouteNotFound
	case errors.Is(err, client.ErrNoResponse):
		return model.OutcomeNetworkFailure
	default:
		return model.OutcomeSetupFailure
	}
}

// buildRequestHeaders applies the header policy: only configured inbound
// headers are copied, then static headers are set on top.
func (s *ProxyService) buildRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	dst.Set("User-Agent", userAgent)

	for _, key := range s.forwardHeaders {
		if hopByHopHeaders[key] {
			continue
		}
		if vals := src.Values(key); len(vals) > 0 {
			dst[key] = vals
		}
	}
	for key, vals := range s.setHeaders {
		dst[key] = vals
	}
	return dst
}

func (s *ProxyService) filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[key] = vals
		}
	}
	return dst
}
