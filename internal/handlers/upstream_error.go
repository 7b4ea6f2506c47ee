package handlers

import (
	"context"
	"errors"
	"net"
	"net/http"

	"cryptoml/ml-service/internal/services"
)

// upstreamReply is what the API answers when the market-data service fails.
type upstreamReply struct {
	code       int
	retryAfter string
	body       map[string]any
}

func classifyUpstream(err error) upstreamReply {
	if errors.Is(err, services.ErrCircuitOpen) {
		return upstreamReply{code: http.StatusServiceUnavailable, retryAfter: "20", body: map[string]any{"error": err.Error()}}
	}

	var upErr *services.UpstreamError
	if errors.As(err, &upErr) {
		r := upstreamReply{code: http.StatusBadGateway, body: map[string]any{"error": err.Error(), "upstream_status": upErr.Status}}
		switch s := upErr.Status; {
		case s == http.StatusTooManyRequests:
			r.code, r.retryAfter = http.StatusTooManyRequests, "60"
		case s == http.StatusRequestTimeout, s == http.StatusGatewayTimeout:
			r.code = http.StatusGatewayTimeout
		case s >= 400 && s < 500:
			r.code = http.StatusUnprocessableEntity
		}
		return r
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return upstreamReply{code: http.StatusGatewayTimeout, body: map[string]any{"error": "upstream_timeout"}}
	}
	return upstreamReply{code: http.StatusBadGateway, body: map[string]any{"error": err.Error()}}
}

func writeUpstreamError(w http.ResponseWriter, err error) {
	r := classifyUpstream(err)
	if r.retryAfter != "" {
		w.Header().Set("Retry-After", r.retryAfter)
	}
	writeJSON(w, r.code, r.body)
}
