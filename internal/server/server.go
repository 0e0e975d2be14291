// Package server is the thin HTTP ingress: credential validation, commit
// history reads, and a health endpoint. All scheduling happens elsewhere;
// this layer only reads and writes documents.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"commitpulse/internal/eventbus"
	"commitpulse/internal/github"
	"commitpulse/internal/scheduler"
	"commitpulse/internal/store"
	logx "commitpulse/pkg/logx"
)

const maxAuthBodySize = 64 << 10

// HostValidator is the slice of the repository host API the auth endpoint
// needs to validate credentials.
type HostValidator interface {
	GetUser(ctx context.Context, token, username string) (string, error)
	ListRepos(ctx context.Context, token, username string) ([]github.Repo, error)
}

type Deps struct {
	Store store.Store
	Host  HostValidator

	// Scheduler is optional; when present /health includes its snapshot.
	Scheduler *scheduler.Service
	Bus       eventbus.Bus

	Token   string
	Limiter *FixedWindowLimiter
	Log     logx.Logger

	StartedAt time.Time
}

// NewHandler builds the ingress router.
func NewHandler(deps Deps) http.Handler {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Limiter == nil {
		deps.Limiter = NewFixedWindowLimiter(time.Minute, 60)
	}
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))

	r.Route("/api", func(r chi.Router) {
		r.Use(deps.Limiter.Middleware)
		r.Use(BearerAuth(deps.Token))
		r.Post("/auth/github", handleAuthGitHub(deps))
		r.Get("/history", handleHistory(deps))
	})

	return r
}

type authRequest struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

type authResponse struct {
	Success      bool             `json:"success"`
	UserID       string           `json:"user_id"`
	Username     string           `json:"username"`
	Repositories []store.RepoInfo `json:"repositories"`
}

func handleAuthGitHub(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxAuthBodySize)
		defer r.Body.Close()

		var req authRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		req.UserID = strings.TrimSpace(req.UserID)
		req.Username = strings.TrimSpace(req.Username)
		if req.UserID == "" || req.Username == "" || strings.TrimSpace(req.Token) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "userId, username and token are required")
			return
		}

		login, err := deps.Host.GetUser(r.Context(), req.Token, req.Username)
		if err != nil {
			var apiErr *github.APIError
			if errors.As(err, &apiErr) && (apiErr.IsAuth() || apiErr.IsNotFound()) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "host rejected credentials")
				return
			}
			deps.Log.Warn("auth: host lookup failed", logx.String("user", req.UserID), logx.Err(err))
			httpError(w, http.StatusBadGateway, "api_error", "host lookup failed")
			return
		}

		repos, err := deps.Host.ListRepos(r.Context(), req.Token, login)
		if err != nil {
			deps.Log.Warn("auth: repo listing failed", logx.String("user", req.UserID), logx.Err(err))
			httpError(w, http.StatusBadGateway, "api_error", "repository listing failed")
			return
		}

		infos := make([]store.RepoInfo, 0, len(repos))
		for _, rp := range repos {
			infos = append(infos, store.RepoInfo{
				Name:          rp.FullName,
				Description:   rp.Description,
				DefaultBranch: rp.DefaultBranch,
				Private:       rp.Private,
				Stars:         rp.Stars,
				Forks:         rp.Forks,
				Language:      rp.Language,
				LastUpdated:   rp.UpdatedAt,
			})
		}

		u := &store.User{
			ID:           req.UserID,
			Username:     login,
			Token:        req.Token,
			Repositories: infos,
			UpdatedAt:    time.Now(),
		}
		if err := deps.Store.PutUser(r.Context(), u); err != nil {
			deps.Log.Error("auth: storing user failed", logx.String("user", req.UserID), logx.Err(err))
			httpError(w, http.StatusInternalServerError, "api_error", "storing credentials failed")
			return
		}

		deps.Log.Info("credentials validated",
			logx.String("user", req.UserID),
			logx.Int("repos", len(infos)))
		writeJSON(w, http.StatusOK, authResponse{
			Success:      true,
			UserID:       req.UserID,
			Username:     login,
			Repositories: infos,
		})
	}
}

func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.URL.Query().Get("user"))
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user is required")
			return
		}

		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid limit")
				return
			}
			limit = n
		}
		var before int64
		if v := r.URL.Query().Get("before"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid before timestamp")
				return
			}
			before = n
		}

		records, err := deps.Store.ListRecords(r.Context(), userID, limit, before)
		if err != nil {
			deps.Log.Warn("history: listing failed", logx.String("user", userID), logx.Err(err))
			httpError(w, http.StatusInternalServerError, "api_error", "listing history failed")
			return
		}
		if records == nil {
			records = []store.CommitRecord{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id": userID,
			"records": records,
		})
	}
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)

		resp := map[string]any{
			"status":     "ok",
			"uptime":     time.Since(deps.StartedAt).Round(time.Second).String(),
			"goroutines": runtime.NumGoroutine(),
			"memory": map[string]any{
				"alloc_bytes": ms.Alloc,
				"sys_bytes":   ms.Sys,
				"num_gc":      ms.NumGC,
			},
			"rate_limit_clients": deps.Limiter.Clients(),
		}
		if deps.Scheduler != nil {
			resp["scheduler"] = deps.Scheduler.Snapshot()
		}
		if deps.Bus != nil {
			resp["events_dropped"] = deps.Bus.Dropped()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// Service wraps the ingress http.Server lifecycle.
type Service struct {
	srv *http.Server
	log logx.Logger
}

func New(addr string, handler http.Handler, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// Start runs the listener until Stop or a listener error.
func (s *Service) Start() error {
	s.log.Info("http server listening", logx.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
