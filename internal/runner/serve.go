package runner

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// MetricsPath is where the metrics endpoint is mounted.
const MetricsPath = "/metrics"

// serveMetrics starts the metrics endpoint when an address is configured. The
// returned func shuts it down.
func (r *Runner) serveMetrics() (func(), error) {
	if r.cfg.MetricsAddr == "" || r.metrics == nil {
		return func() {}, nil
	}
	ln, err := net.Listen("tcp", r.cfg.MetricsAddr)
	if err != nil {
		return nil, err
	}
	return r.serve(ln), nil
}

func (r *Runner) serve(ln net.Listener) func() {
	mux := http.NewServeMux()
	mux.Handle(MetricsPath, r.metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Warn().Err(err).Msg("metrics server")
		}
	}()
	r.log.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-exited
	}
}
