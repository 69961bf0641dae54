package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bgdnvk/stormcloud/internal/auth"
	"github.com/bgdnvk/stormcloud/internal/deploy"
	"github.com/bgdnvk/stormcloud/internal/orchestrator"
	"github.com/bgdnvk/stormcloud/internal/permissions"
	"github.com/bgdnvk/stormcloud/internal/stream"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SessionHeader carries the id of the session a stream belongs to, so that
// clients can cancel it.
const SessionHeader = "X-Session-Id"

const maxBodyBytes = 1 << 20

// Orchestrator is the part of the orchestrator the routes use.
type Orchestrator interface {
	StartDeployment(ctx context.Context, req *deploy.Request) (*orchestrator.Session, error)
	GrantPermissions(ctx context.Context, projectID string, keys []string) (*orchestrator.Session, error)
	Cancel(id uuid.UUID) bool
}

type Config struct {
	AllowedOrigins []string
	Debug          bool
	// Metrics is served at /metrics when set.
	Metrics http.Handler
}

type Server struct {
	orch    Orchestrator
	authMW  auth.Middleware
	cfg     Config
	log     logrus.FieldLogger
	handler http.Handler
}

func New(orch Orchestrator, authMW auth.Middleware, cfg Config, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{orch: orch, authMW: authMW, cfg: cfg, log: log.WithField("component", "server")}
	s.handler = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	corsMW := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Goog-Iap-Jwt-Assertion"},
		ExposedHeaders:   []string{SessionHeader},
		AllowCredentials: true,
		Debug:            s.cfg.Debug,
	})

	api := http.NewServeMux()
	api.HandleFunc("POST /api/google/deploy", s.deploy)
	api.HandleFunc("POST /api/google/permissions", s.permissions)
	api.HandleFunc("DELETE /api/sessions/{id}", s.cancel)

	mux := http.NewServeMux()
	mux.Handle("/api/", corsMW.Handler(s.authMW(api)))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics)
	}
	return mux
}

func (s *Server) deploy(w http.ResponseWriter, r *http.Request) {
	var req deploy.Request
	if err := decode(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := s.orch.StartDeployment(r.Context(), &req)
	if err != nil {
		s.startError(w, err)
		return
	}
	s.stream(w, r, sess, stream.NewWriter(w))
}

// permissionRequest accepts both the flat key list and the apis/roles form.
// Naming any role asks for the iam capability; the roles bound are the
// configured ones.
type permissionRequest struct {
	ProjectID           string   `json:"projectId"`
	Permissions         []string `json:"permissions"`
	RequiredPermissions *struct {
		APIs  []string `json:"apis"`
		Roles []string `json:"roles"`
	} `json:"requiredPermissions"`
}

func (p permissionRequest) keys() []string {
	if len(p.Permissions) > 0 || p.RequiredPermissions == nil {
		return p.Permissions
	}
	keys := append([]string(nil), p.RequiredPermissions.APIs...)
	if len(p.RequiredPermissions.Roles) > 0 {
		keys = append(keys, permissions.IAMKey)
	}
	return keys
}

func (s *Server) permissions(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if err := decode(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := s.orch.GrantPermissions(r.Context(), req.ProjectID, req.keys())
	if err != nil {
		s.startError(w, err)
		return
	}
	s.stream(w, r, sess, stream.NewEventWriter(w))
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid session id")
		return
	}
	if !s.orch.Cancel(id) {
		writeMessage(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// stream commits the response and forwards the session's events. Once the
// status is written every failure is reported in-band. A client that goes
// away detaches the stream; the session keeps running.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, sess *orchestrator.Session, sw *stream.Writer) {
	log := s.log.WithField("session", sess.ID.String())
	if err := sess.Events.Claim(); err != nil {
		writeMessage(w, http.StatusConflict, err.Error())
		return
	}

	h := w.Header()
	h.Set("Content-Type", stream.ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set(SessionHeader, sess.ID.String())
	w.WriteHeader(http.StatusOK)

	err := stream.Pump(r.Context(), sess.Events, sw, log)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, stream.ErrDisconnected):
		log.WithError(err).Info("client disconnected, session continues")
	default:
		log.WithError(err).Warn("streaming session events")
	}
}

func (s *Server) startError(w http.ResponseWriter, err error) {
	var verr *deploy.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, orchestrator.ErrInvalidRequest):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrUnauthenticated):
		writeMessage(w, http.StatusUnauthorized, "unauthenticated")
	default:
		s.log.WithError(err).Error("starting session")
		writeMessage(w, http.StatusInternalServerError, "could not start session")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

// Run serves handler on addr until ctx is cancelled, then shuts down
// gracefully. The onShutdown hooks run after the listener has stopped.
func Run(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration, log logrus.FieldLogger, onShutdown ...func(context.Context) error) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		for _, fn := range onShutdown {
			err = errors.Join(err, fn(sctx))
		}
		return err
	})
	return g.Wait()
}
