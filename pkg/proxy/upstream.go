package proxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"mercator-hq/warden/pkg/proxy/types"
	"mercator-hq/warden/pkg/telemetry/tracing"
)

// UpstreamConfig configures the protected upstream.
type UpstreamConfig struct {
	// URL is the upstream base URL, e.g. "http://127.0.0.1:9000".
	URL string

	// Timeout bounds the upstream response header wait. 0 means 30s.
	Timeout time.Duration
}

// NewUpstream returns a reverse proxy to the configured upstream.
// Admitted requests are forwarded with the current trace context injected.
// Transport failures become 502.
func NewUpstream(cfg UpstreamConfig, logger *slog.Logger) (http.Handler, error) {
	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url %q: %w", cfg.URL, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("invalid upstream url %q: scheme must be http or https", cfg.URL)
	}
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			tracing.Inject(pr.Out.Context(), pr.Out.Header)
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.ErrorContext(r.Context(), "upstream request failed",
				"method", r.Method,
				"path", r.URL.Path,
				"error", err,
			)
			_ = WriteErrorResponse(w, types.NewBadGatewayError("upstream unavailable"))
		},
	}
	return rp, nil
}
