package server

import (
	"net"
	"net/http"
	"time"

	"github.com/ralphdev/ralphd/internal/github"
	"github.com/ralphdev/ralphd/internal/logindex"
	"github.com/ralphdev/ralphd/internal/logs"
	"github.com/ralphdev/ralphd/internal/orchestrator"
	"github.com/ralphdev/ralphd/internal/state"
	"github.com/ralphdev/ralphd/internal/workspace"
)

// Config holds server dependencies. State, Workspaces, Orchestrator and Logs
// are required; the rest degrade gracefully when nil.
type Config struct {
	State        *state.Manager
	Workspaces   *workspace.Store
	Orchestrator *orchestrator.Orchestrator
	Logs         *logs.Store
	// Index serves per-task log summaries and run activity. Optional.
	Index *logindex.DB
	// GitHub wraps the gh CLI for auth and repository listing. Optional;
	// when nil the /api/github endpoints return 503.
	GitHub *github.CLI
	// Hub is the WebSocket hub for real-time updates. When non-nil, the
	// /api/ws endpoint is registered.
	Hub *Hub
}

// Server is the localhost HTTP daemon surface.
type Server struct {
	mux      *http.ServeMux
	listener net.Listener
}

// New creates a Server bound to the given address (e.g. "127.0.0.1:7777").
// It does not start serving; call Serve() for that.
func New(addr string, cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	s := &Server{mux: mux, listener: ln}
	s.registerRoutes(cfg)
	return s, nil
}

// Addr returns the listener's address (useful when binding to :0 in tests).
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve starts accepting connections. It blocks until the listener is closed.
func (s *Server) Serve() error {
	return http.Serve(s.listener, s.mux)
}

// Close shuts down the listener.
func (s *Server) Close() error {
	return s.listener.Close()
}

// Handler exposes the route mux for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes(cfg Config) {
	api := &apiHandler{
		state:      cfg.State,
		workspaces: cfg.Workspaces,
		orc:        cfg.Orchestrator,
		logs:       cfg.Logs,
		index:      cfg.Index,
		gh:         cfg.GitHub,
		startAt:    time.Now(),
	}

	s.mux.HandleFunc("GET /api/status", api.handleStatus)

	s.mux.HandleFunc("GET /api/state", api.handleGetState)
	s.mux.HandleFunc("PUT /api/state", api.handleSaveState)
	s.mux.HandleFunc("GET /api/settings", api.handleGetSettings)
	s.mux.HandleFunc("PATCH /api/settings", api.handleUpdateSettings)

	s.mux.HandleFunc("GET /api/repositories", api.handleListRepositories)
	s.mux.HandleFunc("POST /api/repositories", api.handleCreateRepository)
	s.mux.HandleFunc("DELETE /api/repositories/{id}", api.handleDeleteRepository)

	s.mux.HandleFunc("GET /api/projects", api.handleListProjects)
	s.mux.HandleFunc("POST /api/projects", api.handleCreateProject)
	s.mux.HandleFunc("GET /api/projects/{id}", api.handleGetProject)
	s.mux.HandleFunc("PATCH /api/projects/{id}", api.handleUpdateProject)
	s.mux.HandleFunc("DELETE /api/projects/{id}", api.handleDeleteProject)
	s.mux.HandleFunc("POST /api/projects/{id}/clear-loop-logs", api.handleClearLoopLogs)
	s.mux.HandleFunc("GET /api/projects/{id}/workspace-logs", api.handleWorkspaceLogs)

	s.mux.HandleFunc("GET /api/projects/{id}/tasks", api.handleListTasks)
	s.mux.HandleFunc("POST /api/projects/{id}/tasks", api.handleCreateTask)
	s.mux.HandleFunc("POST /api/projects/{id}/tasks/reorder", api.handleReorderTasks)
	s.mux.HandleFunc("GET /api/projects/{id}/tasks/{taskId}", api.handleGetTask)
	s.mux.HandleFunc("PATCH /api/projects/{id}/tasks/{taskId}", api.handleUpdateTask)
	s.mux.HandleFunc("DELETE /api/projects/{id}/tasks/{taskId}", api.handleDeleteTask)

	s.mux.HandleFunc("GET /api/projects/{id}/logs", api.handleProjectLogs)

	s.mux.HandleFunc("POST /api/projects/{id}/start", api.handleStartProject)
	s.mux.HandleFunc("POST /api/projects/{id}/stop", api.handleStopProject)
	s.mux.HandleFunc("POST /api/projects/{id}/pause", api.handlePauseProject)
	s.mux.HandleFunc("POST /api/projects/{id}/resume", api.handleResumeProject)
	s.mux.HandleFunc("GET /api/orchestrator/status", api.handleOrchestratorStatus)

	s.mux.HandleFunc("GET /api/github/auth", api.handleGitHubAuth)
	s.mux.HandleFunc("POST /api/github/login", api.handleGitHubLogin)
	s.mux.HandleFunc("GET /api/github/repos", api.handleGitHubRepos)

	if cfg.Hub != nil {
		s.mux.HandleFunc("GET /api/ws", cfg.Hub.ServeWS)
	}

	// Catch-all for unregistered /api/ routes.
	s.mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
}
