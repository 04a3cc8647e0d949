// Package web provides the controller's HTTP command surface: roof commands,
// limit and sensor reads, the streaming endpoint, a status page and metrics.
package web

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/sweeney/roofctl/internal/door"
	apperrors "github.com/sweeney/roofctl/internal/errors"
	"github.com/sweeney/roofctl/internal/hub"
	"github.com/sweeney/roofctl/internal/limit"
	"github.com/sweeney/roofctl/internal/logging"
	"github.com/sweeney/roofctl/internal/logic"
	"github.com/sweeney/roofctl/internal/metrics"
	"github.com/sweeney/roofctl/internal/poller"
	"github.com/sweeney/roofctl/internal/sensor"
	"github.com/sweeney/roofctl/internal/status"
)

// Door is the actuator as seen by the command surface.
type Door interface {
	Pulse(ctx context.Context, target logic.Target, d time.Duration) error
	Hold(ctx context.Context, target logic.Target) error
	Stop() error
	Status() door.Status
	ValidateDuration(d time.Duration) error
}

// Limit is the debounced limit input.
type Limit interface {
	Read() bool
	Snapshot() limit.Snapshot
	Info() limit.Info
}

// SensorReader performs one-shot unit reads.
type SensorReader interface {
	ReadUnit(ctx context.Context, slaveID int) (sensor.Reading, error)
}

// Options configures a Server.
type Options struct {
	Addr         string
	Version      string
	DefaultPulse time.Duration
	Units        []sensor.Unit
	// MaxWSPerSec limits new streaming connections; zero disables the limit.
	MaxWSPerSec int
	// Registry, if set, is served on /metrics.
	Registry *prometheus.Registry

	Logger *slog.Logger
}

// Server serves the command surface over HTTP.
type Server struct {
	httpServer *http.Server
	door       Door
	limit      Limit
	reader     SensorReader
	hub        *hub.Hub
	tracker    *status.Tracker
	opts       Options
	log        *slog.Logger

	upgrader  websocket.Upgrader
	wsLimiter *rate.Limiter

	// Detached pulses run on bgCtx and are joined by Shutdown.
	bg       sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// New creates a Server. All collaborators are required.
func New(d Door, l Limit, reader SensorReader, h *hub.Hub, tracker *status.Tracker, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.MaxWSPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.MaxWSPerSec), opts.MaxWSPerSec)
	}

	s := &Server{
		door:    d,
		limit:   l,
		reader:  reader,
		hub:     h,
		tracker: tracker,
		opts:    opts,
		log:     opts.Logger.With("component", "web"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		wsLimiter: limiter,
	}
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/index.html", s.handleIndex)
	r.Get("/index.json", s.handleStatusJSON)
	r.Get("/health", s.handleHealth)

	r.Route("/roof", func(r chi.Router) {
		r.Post("/open", s.handlePulse(logic.TargetOpen))
		r.Post("/close", s.handlePulse(logic.TargetClose))
		r.Post("/hold", s.handleHold)
		r.Post("/stop", s.handleStop)
		r.Get("/status", s.handleDoorStatus)
		r.Get("/limit/status", s.handleLimitStatus)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/sensor", s.handleSensorAll)
		r.Get("/sensor/{unitId}", s.handleSensorUnit)
		r.Get("/ws", s.handleWS)
	})
	r.Get("/ws/sensor", s.handleWS)

	if s.opts.Registry != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.opts.Registry))
	}
	return r
}

// Handler returns the router. Useful for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown stops accepting requests, cancels detached pulses and waits for
// them to release the lines.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.bgCancel()

	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, s.tracker.Snapshot(), s.opts.Units, s.opts.Version); err != nil {
		s.log.Warn("render index", "error", err)
	}
}

func (s *Server) handleStatusJSON(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(status.FormatJSON(s.tracker.Snapshot()))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.tracker.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"service":        logging.ServiceName,
		"version":        s.opts.Version,
		"uptime_seconds": int64(snap.Uptime().Truncate(time.Second).Seconds()),
		"door":           s.door.Status().State,
		"limit_active":   s.limit.Read(),
		"mqtt_connected": snap.MQTTConnected,
		"subscribers":    s.hub.Len(),
	})
}

// pulseDuration resolves body.ms, then ?ms=, then the default.
func (s *Server) pulseDuration(r *http.Request, body commandBody) (time.Duration, error) {
	if body.MS != nil {
		return msDuration(*body.MS)
	}
	ms, ok, err := parseMS(r.URL.Query().Get("ms"))
	if err != nil {
		return 0, err
	}
	if ok {
		return msDuration(ms)
	}
	return s.opts.DefaultPulse, nil
}

func (s *Server) handlePulse(target logic.Target) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := decodeCommand(r)
		if err != nil {
			writeError(w, err, nil)
			return
		}
		d, err := s.pulseDuration(r, body)
		if err != nil {
			writeError(w, err, nil)
			return
		}
		if err := s.door.ValidateDuration(d); err != nil {
			writeError(w, err, nil)
			return
		}

		resp := map[string]any{
			"ok":     true,
			"action": string(target),
			"target": target,
			"ms":     d.Milliseconds(),
		}

		if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
			s.bg.Add(1)
			go func() {
				defer s.bg.Done()
				if err := s.door.Pulse(s.bgCtx, target, d); err != nil {
					s.log.Warn("detached pulse failed", "target", target, "error", err)
				}
			}()
			resp["async"] = true
			writeJSON(w, http.StatusAccepted, resp)
			return
		}

		if err := s.door.Pulse(r.Context(), target, d); err != nil {
			writeError(w, err, nil)
			return
		}
		resp["state"] = s.door.Status().State
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleHold(w http.ResponseWriter, r *http.Request) {
	body, err := decodeCommand(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	raw := r.URL.Query().Get("target")
	if body.Target != nil {
		raw = *body.Target
	}
	target, err := door.ParseTarget(raw)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	if err := s.door.Hold(r.Context(), target); err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"action": "hold",
		"target": target,
		"state":  s.door.Status().State,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.door.Stop(); err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"action": "stop",
		"state":  s.door.Status().State,
	})
}

func (s *Server) handleDoorStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"roof": s.door.Status(),
	})
}

// limitJSON is the limit input as reported by /roof/limit/status.
type limitJSON struct {
	limit.Info
	State      string    `json:"state"`
	Value      int       `json:"value"`
	Raw        bool      `json:"raw"`
	LastChange time.Time `json:"last_change"`
	ReadErrors uint64    `json:"read_errors"`
}

func (s *Server) handleLimitStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.limit.Snapshot()
	out := limitJSON{
		Info:       s.limit.Info(),
		State:      "OFF",
		Raw:        snap.Raw,
		LastChange: snap.LastChange,
		ReadErrors: snap.ReadErrors,
	}
	if snap.Stable {
		out.State = "ON"
		out.Value = 1
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "limit": out})
}

func (s *Server) handleSensorUnit(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "unitId")
	id, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, apperrors.InvalidArgumentError("unit id must be an integer").WithContext("unit_id", raw), nil)
		return
	}

	name := sensor.NameFor(s.opts.Units, id)
	rd, err := s.reader.ReadUnit(r.Context(), id)
	if err != nil {
		s.log.Warn("sensor read failed", "unit", name, "unit_id", id, "error", err)
		writeError(w, err, map[string]any{"unit_id": id, "name": name})
		return
	}

	out, err := readingFields(rd)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	out["ok"] = true
	out["name"] = name
	writeJSON(w, http.StatusOK, out)
}

// handleSensorAll reads every configured unit. Per-unit failures are reported
// inline; ok is false if any unit failed.
func (s *Server) handleSensorAll(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	ok := true
	for _, u := range s.opts.Units {
		rd, err := s.reader.ReadUnit(r.Context(), u.SlaveID)
		if err != nil {
			ok = false
			out[u.Label] = poller.UnitResult{UnitID: u.SlaveID, Err: err}
			continue
		}
		out[u.Label] = poller.UnitResult{UnitID: u.SlaveID, Reading: &rd}
	}
	out["ok"] = ok
	writeJSON(w, http.StatusOK, out)
}
