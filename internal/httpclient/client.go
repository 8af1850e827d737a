package httpclient

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// LoggingRoundTripper logs every outbound request with its outcome and latency.
// Query strings are dropped from the logged URL because provider API keys travel there.
type LoggingRoundTripper struct {
	Proxied http.RoundTripper
	Log     *zap.Logger
}

func (lrt *LoggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	target := req.URL.Scheme + "://" + req.URL.Host + req.URL.Path

	resp, err := lrt.Proxied.RoundTrip(req)
	duration := time.Since(start)

	if err != nil {
		lrt.Log.Warn("http request failed",
			zap.String("method", req.Method),
			zap.String("url", target),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return nil, err
	}

	lrt.Log.Debug("http request completed",
		zap.String("method", req.Method),
		zap.String("url", target),
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("duration", duration),
	)
	return resp, nil
}

// New returns an http.Client with logging. timeout is a backstop; callers bound
// individual calls with their context.
func New(timeout time.Duration, log *zap.Logger) *http.Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &http.Client{
		Transport: &LoggingRoundTripper{Proxied: http.DefaultTransport, Log: log},
		Timeout:   timeout,
	}
}
