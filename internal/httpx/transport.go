package httpx

import (
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// RoundTripperFunc adapts a function to http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// Transport wraps an http.RoundTripper, the client-side twin of Middleware.
type Transport func(http.RoundTripper) http.RoundTripper

// ChainTransport wraps base with the given transports; the first one sees the
// request first.
func ChainTransport(base http.RoundTripper, transports ...Transport) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	for i := len(transports) - 1; i >= 0; i-- {
		base = transports[i](base)
	}
	return base
}

// RequestIDTransport stamps every outgoing request with X-Request-ID, taken from
// the request context when present and generated otherwise.
func RequestIDTransport(next http.RoundTripper) http.RoundTripper {
	return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
		if r.Header.Get(RequestIDHeader) != "" {
			return next.RoundTrip(r)
		}

		requestID := RequestIDFrom(r.Context())
		if requestID == "" {
			requestID = newRequestID()
		}

		r = r.Clone(WithRequestID(r.Context(), requestID))
		r.Header.Set(RequestIDHeader, requestID)
		return next.RoundTrip(r)
	})
}

// LoggingTransport logs every outgoing request at debug level and transport
// failures at warn level, with the fields AccessLog writes on the server.
func LoggingTransport(logger *slog.Logger) Transport {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			start := time.Now()
			resp, err := next.RoundTrip(r)

			attrs := requestAttrs(r.Header.Get(RequestIDHeader), r, start)
			if err != nil {
				logger.WarnContext(r.Context(), "api request failed", append(attrs, "error", err.Error())...)
				return nil, err
			}

			logger.DebugContext(r.Context(), "api request", append(attrs, "status", resp.StatusCode)...)
			return resp, nil
		})
	}
}

// RateLimitTransport paces outgoing requests. A request whose context ends while
// waiting fails with the context's error.
func RateLimitTransport(limiter *rate.Limiter) Transport {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			if err := limiter.Wait(r.Context()); err != nil {
				return nil, err
			}
			return next.RoundTrip(r)
		})
	}
}
