package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ralphdev/ralphd/internal/github"
	"github.com/ralphdev/ralphd/internal/logindex"
	"github.com/ralphdev/ralphd/internal/logs"
	"github.com/ralphdev/ralphd/internal/orchestrator"
	"github.com/ralphdev/ralphd/internal/state"
	"github.com/ralphdev/ralphd/internal/tasks"
	"github.com/ralphdev/ralphd/internal/workspace"
)

type apiHandler struct {
	state      *state.Manager
	workspaces *workspace.Store
	orc        *orchestrator.Orchestrator
	logs       *logs.Store
	index      *logindex.DB
	gh         *github.CLI
	startAt    time.Time
}

// apiError is the consistent error response format.
type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}

// writeDomainError maps the error taxonomy onto HTTP statuses: missing
// things are 404, admission and dependency conflicts are 409, everything
// else is a 500.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, state.ErrNotFound), errors.Is(err, workspace.ErrWorkspaceMissing):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, state.ErrHasDependents),
		errors.Is(err, orchestrator.ErrAlreadyRunning),
		errors.Is(err, orchestrator.ErrCapacityExceeded),
		errors.Is(err, orchestrator.ErrNotPaused):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (h *apiHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.startAt).Round(time.Second).String(),
	})
}

func (h *apiHandler) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state.GetState())
}

func (h *apiHandler) handleSaveState(w http.ResponseWriter, r *http.Request) {
	var snap state.Snapshot
	if !decodeBody(w, r, &snap) {
		return
	}
	if err := h.state.ReplaceState(snap); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.state.GetState())
}

func (h *apiHandler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state.Settings())
}

func (h *apiHandler) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch state.SettingsPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	settings, err := h.state.UpdateSettings(patch)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *apiHandler) handleListRepositories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state.GetState().Repositories)
}

func (h *apiHandler) handleCreateRepository(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string `json:"name"`
		FullName      string `json:"fullName"`
		URL           string `json:"url"`
		DefaultBranch string `json:"defaultBranch"`
		Private       bool   `json:"private"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	repo, err := h.state.CreateRepository(req.Name, req.FullName, req.URL, req.DefaultBranch, req.Private)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, repo)
}

func (h *apiHandler) handleDeleteRepository(w http.ResponseWriter, r *http.Request) {
	if err := h.state.DeleteRepository(r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) handleListProjects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state.GetState().Projects)
}

func (h *apiHandler) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req state.CreateProjectInput
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || req.RepositoryID == "" {
		writeError(w, http.StatusBadRequest, "name and repositoryId are required")
		return
	}
	project, err := h.state.CreateProject(req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (h *apiHandler) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.state.GetProject(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (h *apiHandler) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	var patch state.ProjectPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	project, err := h.state.UpdateProject(r.PathValue("id"), patch)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (h *apiHandler) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, running := h.orc.Status()[id]; running {
		writeError(w, http.StatusConflict, "project is running, stop it first")
		return
	}
	if err := h.state.DeleteProject(id); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.workspaces.Remove(id); err != nil {
		writeError(w, http.StatusInternalServerError, "removing workspace: "+err.Error())
		return
	}
	if h.index != nil {
		if err := h.index.DeleteProject(id); err != nil {
			writeError(w, http.StatusInternalServerError, "clearing log index: "+err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) handleClearLoopLogs(w http.ResponseWriter, r *http.Request) {
	if err := h.workspaces.ClearLogs(r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) handleWorkspaceLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := h.workspaces.ReadLogs(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, workspace.ErrWorkspaceMissing) {
			writeJSON(w, http.StatusOK, []workspace.LoopLogEntry{})
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *apiHandler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tf, err := h.workspaces.ReadTasks(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, workspace.ErrWorkspaceMissing) {
			// The checkout is not materialized yet; tasks created so far
			// sit in the pending buffer.
			writeJSON(w, http.StatusOK, []tasks.Task{})
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tf.Tasks)
}

func (h *apiHandler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title              string   `json:"title"`
		Description        string   `json:"description"`
		AcceptanceCriteria []string `json:"acceptanceCriteria"`
		Priority           int      `json:"priority"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	now := time.Now().UTC()
	task := tasks.Task{
		ID:                 uuid.NewString(),
		Title:              req.Title,
		Description:        req.Description,
		AcceptanceCriteria: req.AcceptanceCriteria,
		Priority:           req.Priority,
		Status:             tasks.StatusBacklog,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := h.workspaces.AddTask(r.PathValue("id"), task); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (h *apiHandler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	tf, err := h.workspaces.ReadTasks(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	for _, t := range tf.Tasks {
		if t.ID == r.PathValue("taskId") {
			writeJSON(w, http.StatusOK, t)
			return
		}
	}
	writeError(w, http.StatusNotFound, "task not found")
}

func (h *apiHandler) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var patch struct {
		Title              *string       `json:"title"`
		Description        *string       `json:"description"`
		AcceptanceCriteria *[]string     `json:"acceptanceCriteria"`
		Priority           *int          `json:"priority"`
		Status             *tasks.Status `json:"status"`
	}
	if !decodeBody(w, r, &patch) {
		return
	}

	var updated tasks.Task
	_, err := h.workspaces.MutateTasks(r.PathValue("id"), func(tf *workspace.TasksFile) error {
		for i := range tf.Tasks {
			if tf.Tasks[i].ID != r.PathValue("taskId") {
				continue
			}
			t := &tf.Tasks[i]
			if patch.Title != nil {
				t.Title = *patch.Title
			}
			if patch.Description != nil {
				t.Description = *patch.Description
			}
			if patch.AcceptanceCriteria != nil {
				t.AcceptanceCriteria = *patch.AcceptanceCriteria
			}
			if patch.Priority != nil {
				t.Priority = *patch.Priority
			}
			if patch.Status != nil && *patch.Status != t.Status {
				if !tasks.CanTransition(t.Status, *patch.Status) {
					return errIllegalTransition
				}
				t.Status = *patch.Status
			}
			t.UpdatedAt = time.Now().UTC()
			updated = *t
			return nil
		}
		return errTaskNotFound
	})
	switch {
	case errors.Is(err, errTaskNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, errIllegalTransition):
		writeError(w, http.StatusBadRequest, "illegal status transition")
	case err != nil:
		writeDomainError(w, err)
	default:
		writeJSON(w, http.StatusOK, updated)
	}
}

var (
	errTaskNotFound      = errors.New("task not found")
	errIllegalTransition = errors.New("illegal status transition")
)

func (h *apiHandler) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	_, err := h.workspaces.MutateTasks(r.PathValue("id"), func(tf *workspace.TasksFile) error {
		for i := range tf.Tasks {
			if tf.Tasks[i].ID == r.PathValue("taskId") {
				tf.Tasks = append(tf.Tasks[:i], tf.Tasks[i+1:]...)
				return nil
			}
		}
		return errTaskNotFound
	})
	switch {
	case errors.Is(err, errTaskNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case err != nil:
		writeDomainError(w, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleReorderTasks rewrites priorities so they match the given id order.
// Ids absent from the list keep their old priority.
func (h *apiHandler) handleReorderTasks(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Order []string `json:"order"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Order) == 0 {
		writeError(w, http.StatusBadRequest, "order is required")
		return
	}
	tf, err := h.workspaces.MutateTasks(r.PathValue("id"), func(tf *workspace.TasksFile) error {
		rank := make(map[string]int, len(req.Order))
		for i, id := range req.Order {
			rank[id] = i + 1
		}
		now := time.Now().UTC()
		for i := range tf.Tasks {
			if p, ok := rank[tf.Tasks[i].ID]; ok {
				tf.Tasks[i].Priority = p
				tf.Tasks[i].UpdatedAt = now
			}
		}
		return nil
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tf.Tasks)
}

func (h *apiHandler) handleProjectLogs(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")

	if path := r.URL.Query().Get("path"); path != "" {
		content, err := h.logs.Read(path)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"content": content})
		return
	}

	entries, err := h.logs.List(projectID, r.URL.Query().Get("taskId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]any{"files": entries}
	if h.index != nil {
		if idx, err := h.index.TaskLogs(projectID, r.URL.Query().Get("taskId")); err == nil {
			resp["history"] = idx
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *apiHandler) handleStartProject(w http.ResponseWriter, r *http.Request) {
	if err := h.orc.Start(r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (h *apiHandler) handleStopProject(w http.ResponseWriter, r *http.Request) {
	if err := h.orc.Stop(r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *apiHandler) handlePauseProject(w http.ResponseWriter, r *http.Request) {
	if err := h.orc.Pause(r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (h *apiHandler) handleResumeProject(w http.ResponseWriter, r *http.Request) {
	if err := h.orc.Resume(r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (h *apiHandler) handleOrchestratorStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orc.Status())
}

func (h *apiHandler) handleGitHubAuth(w http.ResponseWriter, r *http.Request) {
	if h.gh == nil {
		writeError(w, http.StatusServiceUnavailable, "github integration not configured")
		return
	}
	ok, detail, err := h.gh.AuthStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": ok, "detail": detail})
}

func (h *apiHandler) handleGitHubLogin(w http.ResponseWriter, r *http.Request) {
	if h.gh == nil {
		writeError(w, http.StatusServiceUnavailable, "github integration not configured")
		return
	}
	if err := h.gh.Login(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *apiHandler) handleGitHubRepos(w http.ResponseWriter, r *http.Request) {
	if h.gh == nil {
		writeError(w, http.StatusServiceUnavailable, "github integration not configured")
		return
	}
	repos, err := h.gh.ListRepos(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, repos)
}
