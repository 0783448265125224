package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"api-proxy/internal/client"
	"api-proxy/internal/config"
	"api-proxy/internal/model"
	"api-proxy/internal/routes"
)

func newTestService(t *testing.T, entries map[string]string, cfg *config.Config) *ProxyService {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	cfg.Upstream.TimeoutSeconds = 5
	cfg.Upstream.IdleConnections = 10

	table, err := routes.New(entries)
	if err != nil {
		t.Fatalf("routes.New: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProxyService(client.NewUpstreamClient(cfg, logger, nil), table, cfg, logger)
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		path          string
		wantNamespace string
		wantRemaining string
		wantOK        bool
	}{
		{"/api/users", "users", "", true},
		{"/api/users/", "users", "/", true},
		{"/api/users/1", "users", "/1", true},
		{"/api/users/1/posts", "users", "/1/posts", true},
		{"/api/users//1", "users", "//1", true},
		{"/api/user%20list/a%2Fb", "user list", "/a%2Fb", true},
		{"/api/bad%zz/1", "bad%zz", "/1", true},
		{"/api/", "", "", true},
		{"/api//x", "", "/x", true},
		{"/api", "", "", false},
		{"/apis/users", "", "", false},
		{"/index.html", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			ns, rest, ok := SplitPath(tt.path)
			if ns != tt.wantNamespace || rest != tt.wantRemaining || ok != tt.wantOK {
				t.Errorf("SplitPath(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.path, ns, rest, ok, tt.wantNamespace, tt.wantRemaining, tt.wantOK)
			}
		})
	}
}

func TestQueryString(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"/api/n/extra?q=1", "?q=1"},
		{"/api/n/extra?a=1&b=%20x&a=2", "?a=1&b=%20x&a=2"},
		{"/api/n/extra", ""},
		{"/api/n/extra?", ""},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			u, err := url.ParseRequestURI(tt.raw)
			if err != nil {
				t.Fatal(err)
			}
			if got := QueryString(u); got != tt.want {
				t.Errorf("QueryString(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestBuildTargetURL(t *testing.T) {
	tests := []struct {
		name      string
		base      string
		remaining string
		query     string
		want      string
	}{
		{"path and query", "https://x.test/svc", "/extra", "?q=1", "https://x.test/svc/extra?q=1"},
		{"no slash inserted", "https://x.test/svc", "", "?q=1", "https://x.test/svc?q=1"},
		{"trailing slash base keeps double slash", "https://x.test/svc/", "/1", "", "https://x.test/svc//1"},
		{"base with its own query", "https://x.test/svc?key=k", "", "?q=1", "https://x.test/svc?key=k?q=1"},
		{"bare host", "http://127.0.0.1:9000", "/users/1", "", "http://127.0.0.1:9000/users/1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildTargetURL(tt.base, tt.remaining, tt.query); got != tt.want {
				t.Errorf("BuildTargetURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestForward_TargetURL(t *testing.T) {
	var gotURI string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.RequestURI
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	s := newTestService(t, map[string]string{"n": upstream.URL + "/svc"}, nil)

	_, err := s.Forward(&model.ProxyRequest{
		Ctx:           context.Background(),
		Method:        http.MethodGet,
		Namespace:     "n",
		RemainingPath: "/extra",
		RawQuery:      "?q=1",
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if gotURI != "/svc/extra?q=1" {
		t.Errorf("upstream RequestURI = %q, want %q", gotURI, "/svc/extra?q=1")
	}
}

func TestForward_RouteNotFound(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer upstream.Close()

	s := newTestService(t, map[string]string{"users": upstream.URL}, nil)

	_, err := s.Forward(&model.ProxyRequest{
		Ctx:       context.Background(),
		Method:    http.MethodGet,
		Namespace: "orders",
	})
	if !errors.Is(err, ErrRouteNotFound) {
		t.Fatalf("Forward() error = %v, want ErrRouteNotFound", err)
	}

	var rnf *RouteNotFoundError
	if !errors.As(err, &rnf) || rnf.Namespace != "orders" {
		t.Fatalf("errors.As(*RouteNotFoundError) failed or wrong namespace: %v", err)
	}
	if got := err.Error(); got != "API route 'orders' not found in configuration." {
		t.Errorf("Error() = %q", got)
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("upstream calls = %d, want 0", n)
	}
}

func TestForward_UpstreamErrorIsResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Set-Cookie", "session=abc")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{"x":1}`))
	}))
	defer upstream.Close()

	s := newTestService(t, map[string]string{"tea": upstream.URL}, nil)

	resp, err := s.Forward(&model.ProxyRequest{
		Ctx:       context.Background(),
		Method:    http.MethodGet,
		Namespace: "tea",
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusTeapot)
	}
	if string(resp.Body) != `{"x":1}` {
		t.Errorf("Body = %q, want %q", resp.Body, `{"x":1}`)
	}
	if resp.Outcome() != model.OutcomeUpstreamError {
		t.Errorf("Outcome() = %v, want %v", resp.Outcome(), model.OutcomeUpstreamError)
	}
	if resp.Header.Get("Set-Cookie") != "" {
		t.Error("Set-Cookie must not be relayed")
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", resp.Header.Get("Content-Type"))
	}
}

func TestForward_MethodAndBody(t *testing.T) {
	var gotMethod, gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	s := newTestService(t, map[string]string{"items": upstream.URL}, nil)
	payload := `{"id":7}`

	resp, err := s.Forward(&model.ProxyRequest{
		Ctx:           context.Background(),
		Method:        http.MethodPut,
		Namespace:     "items",
		RemainingPath: "/7",
		Body:          strings.NewReader(payload),
		ContentLength: int64(len(payload)),
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if gotMethod != http.MethodPut {
		t.Errorf("method = %q, want PUT", gotMethod)
	}
	if gotBody != payload {
		t.Errorf("body = %q, want %q", gotBody, payload)
	}
}

func TestForward_Failures(t *testing.T) {
	tests := []struct {
		name string
		base string
		want model.Outcome
	}{
		{"malformed base", "http://x.test/%zz", model.OutcomeSetupFailure},
		{"relative base", "x.test/svc", model.OutcomeSetupFailure},
		{"connection refused", "http://127.0.0.1:1", model.OutcomeNetworkFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestService(t, map[string]string{"n": tt.base}, nil)

			_, err := s.Forward(&model.ProxyRequest{
				Ctx:       context.Background(),
				Method:    http.MethodGet,
				Namespace: "n",
			})
			if err == nil {
				t.Fatal("Forward() expected error, got nil")
			}
			if got := Classify(err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", err, got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want model.Outcome
	}{
		{"route not found", &RouteNotFoundError{Namespace: "x"}, model.OutcomeRouteNotFound},
		{"no response", fmt.Errorf("forward: %w", client.ErrNoResponse), model.OutcomeNetworkFailure},
		{"setup", fmt.Errorf("forward: %w", client.ErrSetup), model.OutcomeSetupFailure},
		{"unknown", errors.New("boom"), model.OutcomeSetupFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildRequestHeaders(t *testing.T) {
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			ForwardHeaders: []string{"accept", "Content-Type", "Connection", "X-Trace"},
			SetHeaders:     map[string]string{"authorization": "Bearer k", "User-Agent": "custom/2"},
		},
	}
	s := newTestService(t, map[string]string{}, cfg)

	src := http.Header{
		"Accept":          {"application/json"},
		"Content-Type":    {"application/json"},
		"Connection":      {"keep-alive"},
		"Cookie":          {"session=abc"},
		"Authorization":   {"Basic client"},
		"X-Forwarded-For": {"1.2.3.4"},
	}

	dst := s.buildRequestHeaders(src)

	tests := []struct {
		key  string
		want string
	}{
		{"Accept", "application/json"},
		{"Content-Type", "application/json"},
		{"Connection", ""},
		{"Cookie", ""},
		{"X-Forwarded-For", ""},
		{"X-Trace", ""},
		{"Authorization", "Bearer k"},
		{"User-Agent", "custom/2"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := dst.Get(tt.key); got != tt.want {
				t.Errorf("header %q = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestBuildRequestHeaders_DefaultPolicy(t *testing.T) {
	s := newTestService(t, map[string]string{}, nil)

	dst := s.buildRequestHeaders(http.Header{
		"Content-Type":  {"application/json"},
		"Authorization": {"Bearer client"},
	})

	if len(dst) != 1 || dst.Get("User-Agent") != userAgent {
		t.Errorf("headers = %v, want only User-Agent %q", dst, userAgent)
	}
}
