package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ralphdev/ralphd/internal/agent"
	"github.com/ralphdev/ralphd/internal/events"
	"github.com/ralphdev/ralphd/internal/github"
	"github.com/ralphdev/ralphd/internal/gitops"
	"github.com/ralphdev/ralphd/internal/logindex"
	"github.com/ralphdev/ralphd/internal/logs"
	"github.com/ralphdev/ralphd/internal/prompts"
	"github.com/ralphdev/ralphd/internal/state"
	"github.com/ralphdev/ralphd/internal/tasks"
	"github.com/ralphdev/ralphd/internal/verify"
	"github.com/ralphdev/ralphd/internal/workspace"
)

var (
	// ErrAlreadyRunning is returned by Start for a project with an active
	// run loop.
	ErrAlreadyRunning = errors.New("project already running")
	// ErrCapacityExceeded is returned by Start when maxParallelProjects
	// loops are active.
	ErrCapacityExceeded = errors.New("parallel project capacity exceeded")
	// ErrNotPaused is returned by Resume for a project that is not paused.
	ErrNotPaused = errors.New("project is not paused")
)

// defaultIterationDelay spaces loop iterations so fast-failing tasks
// cannot spin.
const defaultIterationDelay = 2 * time.Second

// RunStatus describes a run-loop entry.
type RunStatus string

const (
	RunInitializing RunStatus = "initializing"
	RunRunning      RunStatus = "running"
	RunPaused       RunStatus = "paused"
	RunStopping     RunStatus = "stopping"
)

// RunState is the externally visible slice of a run-loop entry.
type RunState struct {
	Status           RunStatus `json:"status"`
	CurrentTaskID    string    `json:"currentTaskId,omitempty"`
	CurrentProcessID int       `json:"currentProcessId,omitempty"`
}

// GitDriver is the git surface the run loop needs.
type GitDriver interface {
	Clone(ctx context.Context, projectID, url string) (string, error)
	CheckoutOrCreateBranch(ctx context.Context, projectID, branch string) (string, error)
	CreateWorkingBranch(ctx context.Context, projectID, workingBranch, baseBranch string) (string, error)
	Commit(ctx context.Context, projectID, message string) (string, error)
	Push(ctx context.Context, projectID, branch string) (string, error)
	CreatePullRequest(ctx context.Context, projectID, title, body, base string) (string, error)
	GetDiffFromBase(ctx context.Context, projectID, base string) (string, error)
	RemoteBranchExists(ctx context.Context, projectID, branch string) (bool, error)
	CleanupWorkspace(projectID string) error
}

// AgentRunner spawns and cancels agent subprocesses.
type AgentRunner interface {
	Run(ctx context.Context, spec agent.ProcessSpec) (agent.Outcome, error)
	Cancel(projectID string)
	ProcessID(projectID string) (int, bool)
}

// TaskVerifier decides whether a completed task really satisfies its
// acceptance criteria.
type TaskVerifier interface {
	VerifyTask(ctx context.Context, in verify.Input) (verify.Result, error)
}

// PRProbe checks for an existing open pull request so a resumed run does
// not try to open a second one.
type PRProbe interface {
	FindOpenPR(ctx context.Context, owner, repo, head, base string) (*github.PR, error)
}

type entry struct {
	status    RunStatus
	taskID    string
	processID int
	cancel    context.CancelFunc
}

// Orchestrator supervises one run loop per started project, bounded by the
// admission cap in settings.
type Orchestrator struct {
	state      *state.Manager
	workspaces *workspace.Store
	git        GitDriver
	agent      AgentRunner
	verifier   TaskVerifier
	logs       *logs.Store
	index      *logindex.DB
	bus        *events.Bus
	probe      PRProbe
	logger     *slog.Logger

	baseCtx        context.Context
	stopAll        context.CancelFunc
	wg             sync.WaitGroup
	iterationDelay time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	running int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithIndex records run history into the log index database.
func WithIndex(db *logindex.DB) Option {
	return func(o *Orchestrator) { o.index = db }
}

// WithPRProbe enables the open-PR check before pull request creation.
func WithPRProbe(p PRProbe) Option {
	return func(o *Orchestrator) { o.probe = p }
}

func New(st *state.Manager, ws *workspace.Store, git GitDriver, ag AgentRunner, v TaskVerifier, lg *logs.Store, bus *events.Bus, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		state:          st,
		workspaces:     ws,
		git:            git,
		agent:          ag,
		verifier:       v,
		logs:           lg,
		bus:            bus,
		logger:         logger,
		baseCtx:        ctx,
		stopAll:        cancel,
		iterationDelay: defaultIterationDelay,
		entries:        make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Close cancels every run loop and waits for them to exit.
func (o *Orchestrator) Close() {
	o.stopAll()
	o.wg.Wait()
}

// Recover resets projects stuck in running after a daemon crash to paused
// so they can be resumed explicitly.
func (o *Orchestrator) Recover() {
	snap := o.state.GetState()
	for _, p := range snap.Projects {
		if p.Status != state.ProjectRunning {
			continue
		}
		paused := state.ProjectPaused
		if _, err := o.state.UpdateProject(p.ID, state.ProjectPatch{Status: &paused}); err != nil {
			o.logger.Warn("recovering stale project failed", "project", p.ID, "err", err)
			continue
		}
		o.emitLog(p.ID, "warn", "run interrupted by daemon restart, project paused")
	}
}

// Start admits a project and launches its run loop.
func (o *Orchestrator) Start(projectID string) error {
	project, err := o.state.GetProject(projectID)
	if err != nil {
		return err
	}
	settings := o.state.Settings()

	o.mu.Lock()
	if _, ok := o.entries[projectID]; ok {
		o.mu.Unlock()
		return fmt.Errorf("project %s: %w", projectID, ErrAlreadyRunning)
	}
	if o.running >= settings.MaxParallelProjects {
		o.mu.Unlock()
		return fmt.Errorf("project %s: %w", projectID, ErrCapacityExceeded)
	}
	ctx, cancel := context.WithCancel(o.baseCtx)
	o.entries[projectID] = &entry{status: RunInitializing, cancel: cancel}
	o.running++
	o.mu.Unlock()

	running := state.ProjectRunning
	if _, err := o.state.UpdateProject(projectID, state.ProjectPatch{Status: &running}); err != nil {
		o.removeEntry(projectID)
		cancel()
		return fmt.Errorf("marking project running: %w", err)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runLoop(ctx, project.ID)
	}()
	return nil
}

// Stop cancels the project's run, reverts its in-flight task to backlog and
// sets the project idle. Safe to call at any time.
func (o *Orchestrator) Stop(projectID string) error {
	o.mu.Lock()
	e, ok := o.entries[projectID]
	if ok {
		e.status = RunStopping
		e.cancel()
	}
	o.mu.Unlock()

	o.agent.Cancel(projectID)

	// Terminal statuses survive a stray stop; only an active or paused
	// project goes back to idle.
	project, err := o.state.GetProject(projectID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil
		}
		return err
	}
	if project.Status != state.ProjectRunning && project.Status != state.ProjectPaused {
		return nil
	}
	idle := state.ProjectIdle
	if _, err := o.state.UpdateProject(projectID, state.ProjectPatch{Status: &idle}); err != nil && !errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("marking project idle: %w", err)
	}

	// Revert interrupted work so the next run starts clean.
	if _, err := o.workspaces.MutateTasks(projectID, func(tf *workspace.TasksFile) error {
		for i := range tf.Tasks {
			if tf.Tasks[i].Status == tasks.StatusInProgress {
				tf.Tasks[i].Reset(time.Now().UTC())
			}
		}
		return nil
	}); err != nil && !errors.Is(err, workspace.ErrWorkspaceMissing) {
		o.logger.Warn("reverting tasks on stop failed", "project", projectID, "err", err)
	}

	o.emitLog(projectID, "info", "run stopped")
	o.recordActivity(projectID, "project_stopped", string(state.ProjectRunning), string(state.ProjectIdle), "")
	return nil
}

// Pause asks the run loop to exit after the current iteration, leaving the
// project resumable.
func (o *Orchestrator) Pause(projectID string) error {
	paused := state.ProjectPaused
	if _, err := o.state.UpdateProject(projectID, state.ProjectPatch{Status: &paused}); err != nil {
		return err
	}
	o.mu.Lock()
	if e, ok := o.entries[projectID]; ok {
		e.status = RunPaused
	}
	o.mu.Unlock()
	o.emitLog(projectID, "info", "pause requested")
	return nil
}

// Resume restarts a paused project.
func (o *Orchestrator) Resume(projectID string) error {
	project, err := o.state.GetProject(projectID)
	if err != nil {
		return err
	}
	if project.Status != state.ProjectPaused {
		return fmt.Errorf("project %s in status %s: %w", projectID, project.Status, ErrNotPaused)
	}
	return o.Start(projectID)
}

// Status reports all active run-loop entries.
func (o *Orchestrator) Status() map[string]RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]RunState, len(o.entries))
	for id, e := range o.entries {
		out[id] = RunState{Status: e.status, CurrentTaskID: e.taskID, CurrentProcessID: e.processID}
	}
	return out
}

// runLoop drives one project from setup to a terminal state. Any panic
// marks the project failed instead of taking the daemon down.
func (o *Orchestrator) runLoop(ctx context.Context, projectID string) {
	defer o.removeEntry(projectID)
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("run loop panicked", "project", projectID, "panic", r)
			o.failProject(projectID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	project, repo, err := o.projectAndRepo(projectID)
	if err != nil {
		o.failProject(projectID, err.Error())
		return
	}

	if err := o.setup(ctx, project, repo); err != nil {
		if ctx.Err() != nil {
			return
		}
		o.failProject(projectID, "setup failed: "+err.Error())
		return
	}
	o.setEntryStatus(projectID, RunRunning)
	o.emitLog(projectID, "info", "run loop started")
	o.recordActivity(projectID, "project_started", string(state.ProjectIdle), string(state.ProjectRunning), "")

	// Resumed runs keep counting from where the previous run stopped.
	iteration := project.CurrentIteration
	for {
		if ctx.Err() != nil {
			return
		}

		current, err := o.state.GetProject(projectID)
		if err != nil {
			o.failProject(projectID, "reading project: "+err.Error())
			return
		}
		switch current.Status {
		case state.ProjectPaused:
			o.emitLog(projectID, "info", "run loop paused")
			return
		case state.ProjectIdle:
			// Stop already reset state; just exit.
			return
		case state.ProjectRunning:
		default:
			return
		}

		tf, err := o.workspaces.ReadTasks(projectID)
		if err != nil {
			o.failProject(projectID, "reading tasks: "+err.Error())
			return
		}
		idx := tasks.Next(tf.Tasks)
		if idx < 0 {
			o.complete(ctx, project, repo)
			return
		}

		iteration++
		if current.MaxIterations > 0 && iteration > current.MaxIterations {
			o.failProject(projectID, fmt.Sprintf("reached maximum of %d iterations", current.MaxIterations))
			return
		}
		if _, err := o.state.UpdateProject(projectID, state.ProjectPatch{CurrentIteration: &iteration}); err != nil {
			o.logger.Warn("recording iteration failed", "project", projectID, "err", err)
		}

		o.executeTask(ctx, project, tf.Tasks[idx].ID, iteration)

		select {
		case <-ctx.Done():
			return
		case <-time.After(o.iterationDelay):
		}
	}
}

func (o *Orchestrator) projectAndRepo(projectID string) (state.Project, state.Repository, error) {
	project, err := o.state.GetProject(projectID)
	if err != nil {
		return state.Project{}, state.Repository{}, err
	}
	repo, err := o.state.GetRepository(project.RepositoryID)
	if err != nil {
		return state.Project{}, state.Repository{}, err
	}
	return project, repo, nil
}

// setup materializes the workspace and branches. Failures here are fatal
// for the run.
func (o *Orchestrator) setup(ctx context.Context, project state.Project, repo state.Repository) error {
	if _, err := o.git.Clone(ctx, project.ID, repo.URL); err != nil {
		return err
	}
	repoName := gitops.RepoNameFromURL(repo.URL)
	if err := o.workspaces.Initialize(project.ID, repoName, workspace.ProjectInfo{
		ID:            project.ID,
		Name:          project.Name,
		Description:   project.Description,
		ProductBrief:  project.ProductBrief,
		SolutionBrief: project.SolutionBrief,
	}); err != nil {
		return err
	}
	base := project.BaseBranch
	if base == "" {
		base = repo.DefaultBranch
	}
	if _, err := o.git.CheckoutOrCreateBranch(ctx, project.ID, base); err != nil {
		return err
	}
	if _, err := o.git.CreateWorkingBranch(ctx, project.ID, project.WorkingBranch, base); err != nil {
		return err
	}
	return nil
}

// executeTask runs one agent attempt for taskID and applies the outcome to
// the tasks file.
func (o *Orchestrator) executeTask(ctx context.Context, project state.Project, taskID string, iteration int) {
	settings := o.state.Settings()
	maxAttempts := settings.MaxTaskAttempts
	now := time.Now().UTC()

	var task tasks.Task
	tf, err := o.workspaces.MutateTasks(project.ID, func(tf *workspace.TasksFile) error {
		i := indexByID(tf.Tasks, taskID)
		if i < 0 {
			return fmt.Errorf("task %s vanished from tasks.json", taskID)
		}
		from := tf.Tasks[i].Status
		if err := tf.Tasks[i].Start(now); err != nil {
			return err
		}
		task = tf.Tasks[i]
		o.appendLoopLog(project.ID, workspace.LoopLogEntry{
			Timestamp: now,
			Iteration: iteration,
			TaskID:    taskID,
			Action:    "status_change",
			From:      string(from),
			To:        string(tasks.StatusInProgress),
		})
		return nil
	})
	if err != nil {
		o.emitLog(project.ID, "error", "starting task: "+err.Error())
		return
	}

	prompt, err := o.buildPrompt(project, tf, task)
	if err != nil {
		o.emitLog(project.ID, "error", "building prompt: "+err.Error())
		return
	}

	logPath := o.logs.FilePath(project.ID, task.ID, now)
	o.setEntryTask(project.ID, task.ID)

	workDir, err := o.workspaces.ResolveCheckout(project.ID)
	if err != nil {
		o.emitLog(project.ID, "error", "resolving checkout: "+err.Error())
		return
	}

	o.emitLog(project.ID, "info", fmt.Sprintf("executing task %q (attempt %d/%d)", task.Title, task.Attempts, maxAttempts))
	outcome, err := o.agent.Run(ctx, agent.ProcessSpec{
		ProjectID:        project.ID,
		TaskID:           task.ID,
		Prompt:           prompt,
		WorkingDirectory: workDir,
		LogFilePath:      logPath,
	})
	o.setEntryTask(project.ID, "")
	if err != nil {
		o.emitLog(project.ID, "error", "agent failed to start: "+err.Error())
		return
	}

	// A stop observed during the run leaves all task mutation to Stop.
	if ctx.Err() != nil || outcome.Stopped {
		return
	}

	switch {
	case outcome.TaskBlocked:
		o.handleBlocked(project.ID, task, outcome, logPath, maxAttempts, iteration)
	case outcome.TaskComplete:
		o.handleComplete(ctx, project, task, logPath, maxAttempts, iteration)
	default:
		// No explicit signal: the task stays in_progress and the next
		// iteration retries it; the project iteration bound terminates a
		// persistently silent agent.
		o.appendTaskLog(project.ID, task.ID, logPath, "agent finished without completion signal", false)
		o.emitLog(project.ID, "warn", fmt.Sprintf("task %q ended without a signal, will retry", task.Title))
	}
}

func (o *Orchestrator) handleBlocked(projectID string, task tasks.Task, outcome agent.Outcome, logPath string, maxAttempts, iteration int) {
	reason := outcome.BlockedReason
	if reason == "" {
		reason = "agent reported blocked"
	}
	o.appendTaskLog(projectID, task.ID, logPath, "blocked: "+reason, false)

	if task.Attempts >= maxAttempts {
		now := time.Now().UTC()
		if _, err := o.workspaces.MutateTasks(projectID, func(tf *workspace.TasksFile) error {
			if i := indexByID(tf.Tasks, task.ID); i >= 0 {
				return tf.Tasks[i].MarkBlocked(now)
			}
			return nil
		}); err != nil {
			o.emitLog(projectID, "error", "marking task blocked: "+err.Error())
			return
		}
		o.appendLoopLog(projectID, workspace.LoopLogEntry{
			Timestamp: now, Iteration: iteration, TaskID: task.ID,
			Action: "status_change", From: string(tasks.StatusInProgress), To: string(tasks.StatusBlocked),
			Message: reason,
		})
		o.emitLog(projectID, "warn", fmt.Sprintf("task %q blocked after %d attempts: %s", task.Title, task.Attempts, reason))
		return
	}
	o.emitLog(projectID, "warn", fmt.Sprintf("task %q blocked (%s), retrying", task.Title, reason))
}

func (o *Orchestrator) handleComplete(ctx context.Context, project state.Project, task tasks.Task, logPath string, maxAttempts, iteration int) {
	now := time.Now().UTC()
	if _, err := o.workspaces.MutateTasks(project.ID, func(tf *workspace.TasksFile) error {
		if i := indexByID(tf.Tasks, task.ID); i >= 0 {
			return tf.Tasks[i].MarkVerifying(now)
		}
		return nil
	}); err != nil {
		o.emitLog(project.ID, "error", "marking task verifying: "+err.Error())
		return
	}
	o.appendLoopLog(project.ID, workspace.LoopLogEntry{
		Timestamp: now, Iteration: iteration, TaskID: task.ID,
		Action: "status_change", From: string(tasks.StatusInProgress), To: string(tasks.StatusVerifying),
	})

	workDir, err := o.workspaces.ResolveCheckout(project.ID)
	if err != nil {
		o.emitLog(project.ID, "error", "resolving checkout: "+err.Error())
		return
	}
	verifyLog := o.logs.FilePath(project.ID, task.ID+"-verify", now)
	res, err := o.verifier.VerifyTask(ctx, verify.Input{
		ProjectID:   project.ID,
		WorkDir:     workDir,
		Task:        task,
		LogFilePath: verifyLog,
	})
	if err != nil || ctx.Err() != nil {
		if err != nil {
			o.emitLog(project.ID, "error", "verification error: "+err.Error())
		}
		return
	}

	if res.Passed {
		done := time.Now().UTC()
		if _, err := o.workspaces.MutateTasks(project.ID, func(tf *workspace.TasksFile) error {
			if i := indexByID(tf.Tasks, task.ID); i >= 0 {
				return tf.Tasks[i].MarkDone(done)
			}
			return nil
		}); err != nil {
			o.emitLog(project.ID, "error", "marking task done: "+err.Error())
			return
		}
		o.appendLoopLog(project.ID, workspace.LoopLogEntry{
			Timestamp: done, Iteration: iteration, TaskID: task.ID,
			Action: "status_change", From: string(tasks.StatusVerifying), To: string(tasks.StatusDone),
		})
		o.appendTaskLog(project.ID, task.ID, logPath, "completed and verified", true)
		if _, err := o.git.Commit(ctx, project.ID, "Complete task: "+task.Title); err != nil {
			o.emitLog(project.ID, "warn", "committing task result: "+err.Error())
		}
		o.emitLog(project.ID, "info", fmt.Sprintf("task %q done", task.Title))
		return
	}

	o.appendTaskLog(project.ID, task.ID, logPath, "verification failed: "+res.String(), false)
	if task.Attempts >= maxAttempts {
		blockedAt := time.Now().UTC()
		if _, err := o.workspaces.MutateTasks(project.ID, func(tf *workspace.TasksFile) error {
			if i := indexByID(tf.Tasks, task.ID); i >= 0 {
				return tf.Tasks[i].MarkBlocked(blockedAt)
			}
			return nil
		}); err != nil {
			o.emitLog(project.ID, "error", "marking task blocked: "+err.Error())
			return
		}
		o.appendLoopLog(project.ID, workspace.LoopLogEntry{
			Timestamp: blockedAt, Iteration: iteration, TaskID: task.ID,
			Action: "status_change", From: string(tasks.StatusVerifying), To: string(tasks.StatusBlocked),
			Message: res.String(),
		})
		o.emitLog(project.ID, "warn", fmt.Sprintf("task %q blocked after %d attempts: %s", task.Title, task.Attempts, res.String()))
		return
	}

	// Back to in_progress for another attempt; startedAt survives.
	if _, err := o.workspaces.MutateTasks(project.ID, func(tf *workspace.TasksFile) error {
		if i := indexByID(tf.Tasks, task.ID); i >= 0 {
			return tf.Tasks[i].Requeue(time.Now().UTC())
		}
		return nil
	}); err != nil {
		o.emitLog(project.ID, "error", "requeueing task: "+err.Error())
		return
	}
	o.emitLog(project.ID, "warn", fmt.Sprintf("task %q failed verification, retrying: %s", task.Title, res.String()))
}

// complete pushes the working branch and opens a pull request once no
// selectable task remains.
func (o *Orchestrator) complete(ctx context.Context, project state.Project, repo state.Repository) {
	tf, err := o.workspaces.ReadTasks(project.ID)
	if err != nil {
		o.failProject(project.ID, "reading tasks at completion: "+err.Error())
		o.cleanup(project.ID)
		return
	}
	counts := tasks.CountByStatus(tf.Tasks)
	done := counts[tasks.StatusDone]
	blocked := counts[tasks.StatusBlocked]

	if done == 0 {
		if blocked == 0 {
			o.finishProject(project.ID, state.ProjectCompleted, "nothing to do")
		} else {
			o.failProject(project.ID, fmt.Sprintf("all %d tasks blocked", blocked))
		}
		o.cleanup(project.ID)
		return
	}

	base := project.BaseBranch
	if base == "" {
		base = repo.DefaultBranch
	}

	diff, err := o.git.GetDiffFromBase(ctx, project.ID, base)
	if err == nil && strings.TrimSpace(diff) == "" {
		o.finishProject(project.ID, state.ProjectCompleted, "no changes produced")
		o.cleanup(project.ID)
		return
	}

	if exists, err := o.git.RemoteBranchExists(ctx, project.ID, base); err == nil && !exists {
		if _, err := o.git.Push(ctx, project.ID, base); err != nil {
			o.failProject(project.ID, "pushing base branch: "+err.Error())
			o.cleanup(project.ID)
			return
		}
	}

	if _, err := o.git.Push(ctx, project.ID, project.WorkingBranch); err != nil {
		o.failProject(project.ID, "pushing working branch: "+err.Error())
		o.cleanup(project.ID)
		return
	}

	prURL, err := o.ensurePullRequest(ctx, project, repo, base, tf.Tasks)
	if err != nil {
		o.failProject(project.ID, "creating pull request: "+err.Error())
		o.cleanup(project.ID)
		return
	}

	o.finishProject(project.ID, state.ProjectCompleted, "pull request: "+prURL)
	o.cleanup(project.ID)
}

// ensurePullRequest reuses an already-open PR when the probe finds one,
// otherwise creates a new one through the git driver.
func (o *Orchestrator) ensurePullRequest(ctx context.Context, project state.Project, repo state.Repository, base string, all []tasks.Task) (string, error) {
	if o.probe != nil {
		owner, name := splitFullName(repo.FullName)
		if owner != "" {
			if pr, err := o.probe.FindOpenPR(ctx, owner, name, project.WorkingBranch, base); err == nil && pr != nil {
				o.emitLog(project.ID, "info", fmt.Sprintf("reusing open pull request #%d", pr.Number))
				return pr.HTMLURL, nil
			}
		}
	}
	title := "Ralph: " + project.Name
	return o.git.CreatePullRequest(ctx, project.ID, title, buildPRBody(project, all), base)
}

func buildPRBody(project state.Project, all []tasks.Task) string {
	var b strings.Builder
	b.WriteString("Automated changes for project **" + project.Name + "**.\n\n")
	var doneTasks, blockedTasks []tasks.Task
	for _, t := range all {
		switch t.Status {
		case tasks.StatusDone:
			doneTasks = append(doneTasks, t)
		case tasks.StatusBlocked:
			blockedTasks = append(blockedTasks, t)
		}
	}
	if len(doneTasks) > 0 {
		b.WriteString("## Completed\n\n")
		for _, t := range doneTasks {
			b.WriteString("- [x] " + t.Title + "\n")
		}
		b.WriteString("\n")
	}
	if len(blockedTasks) > 0 {
		b.WriteString("## Blocked\n\n")
		for _, t := range blockedTasks {
			line := "- [ ] " + t.Title
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func (o *Orchestrator) buildPrompt(project state.Project, tf workspace.TasksFile, task tasks.Task) (string, error) {
	var others []prompts.OtherTask
	for _, t := range tf.Tasks {
		if t.ID == task.ID {
			continue
		}
		others = append(others, prompts.OtherTask{Title: t.Title, Status: string(t.Status)})
	}
	return prompts.RenderExecution(prompts.ExecutionData{
		ProjectName:        project.Name,
		ProductBrief:       project.ProductBrief,
		SolutionBrief:      project.SolutionBrief,
		TaskTitle:          task.Title,
		TaskDescription:    task.Description,
		AcceptanceCriteria: task.AcceptanceCriteria,
		OtherTasks:         others,
	})
}

func (o *Orchestrator) finishProject(projectID string, status state.ProjectStatus, detail string) {
	if _, err := o.state.UpdateProject(projectID, state.ProjectPatch{Status: &status}); err != nil {
		o.logger.Error("finishing project failed", "project", projectID, "err", err)
	}
	o.emitLog(projectID, "info", "project "+string(status)+": "+detail)
	o.recordActivity(projectID, "project_"+string(status), string(state.ProjectRunning), string(status), detail)
}

func (o *Orchestrator) failProject(projectID, detail string) {
	failed := state.ProjectFailed
	if _, err := o.state.UpdateProject(projectID, state.ProjectPatch{Status: &failed}); err != nil {
		o.logger.Error("failing project failed", "project", projectID, "err", err)
	}
	o.emitLog(projectID, "error", detail)
	o.recordActivity(projectID, "project_failed", string(state.ProjectRunning), string(state.ProjectFailed), detail)
}

func (o *Orchestrator) cleanup(projectID string) {
	if err := o.git.CleanupWorkspace(projectID); err != nil {
		o.logger.Warn("workspace cleanup failed", "project", projectID, "err", err)
	}
}

func (o *Orchestrator) removeEntry(projectID string) {
	o.mu.Lock()
	if e, ok := o.entries[projectID]; ok {
		e.cancel()
		delete(o.entries, projectID)
		o.running--
	}
	o.mu.Unlock()
}

func (o *Orchestrator) setEntryStatus(projectID string, status RunStatus) {
	o.mu.Lock()
	if e, ok := o.entries[projectID]; ok {
		e.status = status
	}
	o.mu.Unlock()
}

func (o *Orchestrator) setEntryTask(projectID, taskID string) {
	o.mu.Lock()
	if e, ok := o.entries[projectID]; ok {
		e.taskID = taskID
		if taskID == "" {
			e.processID = 0
		} else if pid, ok := o.agent.ProcessID(projectID); ok {
			e.processID = pid
		}
	}
	o.mu.Unlock()
}

func (o *Orchestrator) appendLoopLog(projectID string, e workspace.LoopLogEntry) {
	if err := o.workspaces.AppendLog(projectID, e); err != nil {
		o.logger.Warn("appending loop log failed", "project", projectID, "err", err)
		return
	}
	if o.bus != nil {
		o.bus.Publish(events.WorkspaceLogsChanged{ProjectID: projectID})
	}
	o.recordActivity(projectID, "task_"+e.Action, e.From, e.To, e.Message)
}

func (o *Orchestrator) appendTaskLog(projectID, taskID, logPath, summary string, success bool) {
	if o.index == nil {
		return
	}
	if _, err := o.index.RecordTaskLog(projectID, taskID, logPath, summary, success); err != nil {
		o.logger.Warn("recording task log failed", "project", projectID, "err", err)
	}
}

func (o *Orchestrator) recordActivity(projectID, eventType, from, to, detail string) {
	if o.index == nil {
		return
	}
	if err := o.index.RecordActivity(projectID, eventType, from, to, detail); err != nil {
		o.logger.Warn("recording activity failed", "project", projectID, "err", err)
	}
}

func (o *Orchestrator) emitLog(projectID, level, message string) {
	switch level {
	case "error":
		o.logger.Error(message, "project", projectID)
	case "warn":
		o.logger.Warn(message, "project", projectID)
	default:
		o.logger.Info(message, "project", projectID)
	}
	if o.bus != nil {
		o.bus.Publish(events.OrchestratorLog{
			ProjectID: projectID,
			Level:     level,
			Message:   message,
			Timestamp: time.Now().UTC(),
		})
	}
}

func indexByID(list []tasks.Task, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func splitFullName(fullName string) (owner, name string) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}
