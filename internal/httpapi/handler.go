// Package httpapi serves the application container's status surface on
// port 8000: liveness, readiness, dependency status, topology and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/socialsense/stack/internal/cache"
	"github.com/socialsense/stack/internal/compose"
	"github.com/socialsense/stack/internal/probe"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// StatusSource yields the latest report. *monitor.Monitor implements it.
type StatusSource interface {
	Latest() (probe.Report, bool)
	Subscribe(buffer int) (<-chan probe.Report, func())
}

// StatusStore is the shared fallback for reports. *cache.StatusCache
// implements it.
type StatusStore interface {
	Get(ctx context.Context, dest any) error
}

type Options struct {
	Source   StatusSource
	Store    StatusStore
	Topology *compose.Descriptor
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Logger  logrus.FieldLogger
	Version string
	// Origins restricts websocket upgrades. Empty or "*" accepts any origin.
	Origins []string
}

type handler struct {
	opts     Options
	log      logrus.FieldLogger
	started  time.Time
	upgrader websocket.Upgrader
}

// NewRouter returns the status API routes. Middleware is attached by the
// caller.
func NewRouter(opts Options) *mux.Router {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	h := &handler{opts: opts, log: log, started: time.Now()}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/readyz", h.readyz).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/status", h.status).Methods(http.MethodGet)
	r.HandleFunc("/status/stream", h.stream).Methods(http.MethodGet)
	r.HandleFunc("/status/{service}", h.serviceStatus).Methods(http.MethodGet)
	r.HandleFunc("/topology", h.topology).Methods(http.MethodGet)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("not found"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})
	return r
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"version":        h.opts.Version,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

func (h *handler) readyz(w http.ResponseWriter, r *http.Request) {
	report, _ := h.current(r.Context())
	code := http.StatusOK
	if !report.Ready() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	report, source := h.current(r.Context())
	w.Header().Set("X-Status-Source", source)
	writeJSON(w, http.StatusOK, report)
}

func (h *handler) serviceStatus(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["service"]
	report, _ := h.current(r.Context())
	res, ok := report.Result(name)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown service "+name))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) topology(w http.ResponseWriter, r *http.Request) {
	if h.opts.Topology == nil {
		writeError(w, http.StatusNotFound, errors.New("no descriptor loaded"))
		return
	}
	summary, err := h.opts.Topology.Summarize()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// current resolves the report from memory, then the shared cache, and
// reports which one answered.
func (h *handler) current(ctx context.Context) (probe.Report, string) {
	var pending probe.Report
	if h.opts.Source != nil {
		report, ok := h.opts.Source.Latest()
		if ok {
			return report, "memory"
		}
		pending = report
	}
	if h.opts.Store != nil {
		var cached probe.Report
		err := h.opts.Store.Get(ctx, &cached)
		switch {
		case err == nil:
			return cached, "cache"
		case !errors.Is(err, cache.ErrNotFound):
			h.log.WithError(err).Warn("read cached status")
		}
	}
	if pending.Status == "" {
		pending = probe.NewReport(nil)
	}
	return pending, "pending"
}

func (h *handler) stream(w http.ResponseWriter, r *http.Request) {
	if h.opts.Source == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("status stream unavailable"))
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade")
		return
	}
	defer conn.Close()

	updates, cancel := h.opts.Source.Subscribe(0)
	defer cancel()

	closed := make(chan struct{})
	go h.readPump(conn, closed)

	initial, _ := h.current(r.Context())
	if err := writeReport(conn, initial); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case report, ok := <-updates:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			if err := writeReport(conn, report); err != nil {
				h.log.WithError(err).Debug("websocket write")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// readPump drains client frames so pongs and close frames are processed.
func (h *handler) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeReport(conn *websocket.Conn, report probe.Report) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(report)
}

func (h *handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.Origins) == 0 {
		return true
	}
	for _, o := range h.opts.Origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
