package shadowguard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminServer exposes the local management API: statistics, recent
// decisions, rule reload, the root certificate for trust-store
// installation, probes, and Prometheus metrics. It binds to loopback
// only; the listener rejects anything else at startup.
type AdminServer struct {
	core *Core
	addr string

	server   *http.Server
	listener net.Listener
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is the JSON success envelope for mutations.
type MessageResponse struct {
	Message string `json:"message"`
}

// NewAdminServer wires the admin routes against a Core.
func NewAdminServer(core *Core, addr string) *AdminServer {
	a := &AdminServer{core: core, addr: addr}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", core.Health().HandleHealthz)
	r.Get("/readyz", core.Health().HandleReadyz)
	r.Method(http.MethodGet, "/metrics", core.Metrics().Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))
		r.Get("/stats", a.handleStats)
		r.Get("/decisions", a.handleDecisions)
		r.Post("/rules/reload", a.handleReload)
		r.Post("/ca/rotate", a.handleCARotate)
	})
	r.Get("/api/v1/ca.pem", a.handleCAPEM)

	a.server = &http.Server{
		Handler:           NewCompressHandler(r),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a
}

// Start binds the loopback listener and serves in the background.
func (a *AdminServer) Start() error {
	host, _, err := net.SplitHostPort(a.addr)
	if err != nil {
		return fmt.Errorf("%w: admin addr %q: %v", ErrConfig, a.addr, err)
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("%w: admin addr %q is not loopback", ErrConfig, a.addr)
	}

	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.addr, err)
	}
	a.listener = ln

	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.core.logger.Error("admin server failed", "error", err)
		}
	}()
	a.core.logger.Info("admin listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound admin address.
func (a *AdminServer) Addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.addr
}

// Stop shuts the server down gracefully.
func (a *AdminServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.server.Shutdown(ctx)
}

func (a *AdminServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.core.Stats())
}

func (a *AdminServer) handleDecisions(w http.ResponseWriter, _ *http.Request) {
	events := a.core.Decisions().Recent()
	a.writeJSON(w, http.StatusOK, struct {
		Count  int             `json:"count"`
		Events []DecisionEvent `json:"events"`
	}{Count: len(events), Events: events})
}

func (a *AdminServer) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := a.core.Reload(r.Context()); err != nil {
		a.core.logger.Error("admin reload failed", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "reload failed: " + err.Error()})
		return
	}
	a.core.logger.Info("rules reloaded via admin API")
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "reload successful"})
}

func (a *AdminServer) handleCARotate(w http.ResponseWriter, _ *http.Request) {
	if err := a.core.CertAuthority().RotateRoot(); err != nil {
		a.core.logger.Error("admin root rotation failed", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "rotation failed: " + err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "root rotated; reinstall the new certificate from /api/v1/ca.pem"})
}

func (a *AdminServer) handleCAPEM(w http.ResponseWriter, _ *http.Request) {
	pem, err := a.core.CertAuthority().ExportRootPEM()
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		a.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	w.Write(pem)
}

func (a *AdminServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.core.logger.Error("admin response write failed", "error", err)
	}
}
