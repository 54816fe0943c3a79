// Package metrics exposes daemon and serial link counters in the Prometheus
// text format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	promcollect "github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ozwdaemon"

// ///////////////////////////////////////////////
// Recorder
// ///////////////////////////////////////////////

// Recorder owns a private registry with the daemon's metrics. All methods
// are safe on a nil Recorder, which records nothing.
type Recorder struct {
	reg *prom.Registry

	state      *prom.GaugeVec
	controller *prom.GaugeVec
	frames     *prom.CounterVec
	removals   prom.Counter
}

// New creates a Recorder and registers its metrics together with the Go
// runtime and process collectors.
func New() *Recorder {
	r := &Recorder{
		reg: prom.NewRegistry(),
		state: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "supervisor_state",
			Help:      "1 for the supervisor's current lifecycle state, 0 otherwise",
		}, []string{"state"}),
		controller: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "controller_info",
			Help:      "Library version reported by the serving controller",
		}, []string{"library", "library_type"}),
		frames: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "serial_frames_total",
			Help:      "Serial API data frames by direction and result",
		}, []string{"direction", "result"}),
		removals: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "device_removals_total",
			Help:      "Times the controller device node disappeared",
		}),
	}
	r.reg.MustRegister(r.state, r.controller, r.frames, r.removals)
	r.reg.MustRegister(promcollect.NewGoCollector(), promcollect.NewProcessCollector(promcollect.ProcessCollectorOpts{}))
	return r
}

// SetState marks state as current and clears the previous one.
func (r *Recorder) SetState(from, to string) {
	if r == nil {
		return
	}
	if from != "" {
		r.state.WithLabelValues(from).Set(0)
	}
	r.state.WithLabelValues(to).Set(1)
}

// SetController records the library of the controller being served. A
// later controller replaces the earlier one.
func (r *Recorder) SetController(library string, libraryType byte) {
	if r == nil {
		return
	}
	r.controller.Reset()
	r.controller.WithLabelValues(library, strconv.Itoa(int(libraryType))).Set(1)
}

// IncFrame counts one serial frame.
func (r *Recorder) IncFrame(direction, result string) {
	if r == nil {
		return
	}
	r.frames.WithLabelValues(direction, result).Inc()
}

// IncDeviceRemoved counts a device removal.
func (r *Recorder) IncDeviceRemoved() {
	if r == nil {
		return
	}
	r.removals.Inc()
}

// Handler serves r's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ///////////////////////////////////////////////
// Server
// ///////////////////////////////////////////////

// Server serves /metrics on a TCP address.
type Server struct {
	srv  *http.Server
	ln   net.Listener
	log  *slog.Logger
	done chan struct{}
}

// Serve listens on addr and serves h at /metrics in the background. The
// listener is bound before Serve returns, so bind errors surface here.
func Serve(addr string, h http.Handler, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	s := &Server{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln:   ln,
		log:  log,
		done: make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("metrics server stopped", "error", err)
		}
	}()
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops accepting scrapes and waits for in-flight ones until ctx
// is done.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	<-s.done
	if err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}
