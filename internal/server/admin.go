package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/grpchealth"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/dims-network/station/internal/dim"
	appversion "github.com/dims-network/station/internal/version"
)

// healthServiceName is the station's name in gRPC health checks.
const healthServiceName = "dims.station.v1.Station"

// StatsSource exposes the counters behind GET /v1/stats. Implemented by
// the barrack Book; kept as an interface so the admin server does not
// import the directory backend.
type StatsSource interface {
	Counts() (users, groups int)
}

// Admin is the operator-facing HTTP API: session snapshots, runtime
// stats, and gRPC health checking for load balancers.
type Admin struct {
	registry *dim.Registry
	guests   *dim.GuestQueue
	book     StatsSource
	logger   *slog.Logger
}

// NewAdmin creates the admin API over live station state.
func NewAdmin(registry *dim.Registry, guests *dim.GuestQueue, book StatsSource, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{
		registry: registry,
		guests:   guests,
		book:     book,
		logger:   logger,
	}
}

// NewServer builds the admin http.Server. The handler is wrapped with
// h2c so gRPC health clients can connect over plaintext HTTP/2, the way
// stationctl and load-balancer probes do.
func (a *Admin) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sessions", a.handleSessions)
	mux.HandleFunc("GET /v1/stats", a.handleStats)

	// gRPC health check handler (grpc.health.v1). Reports SERVING for
	// the overall server and the station service.
	checker := grpchealth.NewStaticChecker(
		grpchealth.HealthV1ServiceName,
		healthServiceName,
	)
	mux.Handle(grpchealth.NewHandler(checker))

	handler := a.withRecovery(a.withLogging(mux))
	return &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// sessionsResponse is the GET /v1/sessions body.
type sessionsResponse struct {
	Sessions []dim.SessionSnapshot `json:"sessions"`
}

// statsResponse is the GET /v1/stats body.
type statsResponse struct {
	Version     string `json:"version"`
	Connections int    `json:"connections"`
	Running     int    `json:"running_sessions"`
	GuestQueue  int    `json:"guest_queue"`
	Users       int    `json:"users"`
	Groups      int    `json:"groups"`
}

func (a *Admin) handleSessions(w http.ResponseWriter, _ *http.Request) {
	snaps := a.registry.Snapshots()
	if snaps == nil {
		snaps = []dim.SessionSnapshot{}
	}
	a.writeJSON(w, sessionsResponse{Sessions: snaps})
}

func (a *Admin) handleStats(w http.ResponseWriter, _ *http.Request) {
	handlers, running := a.registry.Counts()
	resp := statsResponse{
		Version:     appversion.Version,
		Connections: handlers,
		Running:     running,
		GuestQueue:  a.guests.Len(),
	}
	if a.book != nil {
		resp.Users, resp.Groups = a.book.Counts()
	}
	a.writeJSON(w, resp)
}

func (a *Admin) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("admin response write failed",
			slog.String("error", err.Error()),
		)
	}
}

// withLogging logs every admin request with method, path and duration.
func (a *Admin) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Info("admin request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

// withRecovery recovers handler panics, logs them at Error level, and
// answers 500 so one bad request cannot take the admin surface down.
func (a *Admin) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				a.logger.Error("panic recovered in admin handler",
					slog.String("path", r.URL.Path),
					slog.Any("panic", rec),
				)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
