// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest is an inbound /api/ request split into its routing parts.
type ProxyRequest struct {
	Ctx       context.Context
	Method    string
	Namespace string
	// RemainingPath is the escaped path after the namespace segment, including
	// its leading slash. Empty when the request targets the namespace itself.
	RemainingPath string
	// RawQuery is the query string with its leading '?', or empty.
	RawQuery      string
	Header        http.Header
	Body          io.Reader
	ContentLength int64
}

// ProxyResponse is a fully buffered upstream response.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Outcome reports how a single proxied request ended.
func (r *ProxyResponse) Outcome() Outcome {
	if r.StatusCode >= http.StatusBadRequest {
		return OutcomeUpstreamError
	}
	return OutcomeSuccess
}

// Outcome classifies the terminal state of a proxied request.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeUpstreamError
	OutcomeRouteNotFound
	OutcomeNetworkFailure
	OutcomeSetupFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeUpstreamError:
		return "upstream_error"
	case OutcomeRouteNotFound:
		return "route_not_found"
	case OutcomeNetworkFailure:
		return "network_failure"
	case OutcomeSetupFailure:
		return "setup_failure"
	default:
		return "unknown"
	}
}
