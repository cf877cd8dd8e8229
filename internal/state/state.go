package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a repository or project id does not exist.
var ErrNotFound = errors.New("not found")

// ErrHasDependents is returned when deleting a repository that projects
// still reference.
var ErrHasDependents = errors.New("repository has dependent projects")

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectIdle      ProjectStatus = "idle"
	ProjectRunning   ProjectStatus = "running"
	ProjectPaused    ProjectStatus = "paused"
	ProjectCompleted ProjectStatus = "completed"
	ProjectFailed    ProjectStatus = "failed"
)

// Repository identifies a remote git repository.
type Repository struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	FullName      string    `json:"fullName"` // owner/name
	URL           string    `json:"url"`
	DefaultBranch string    `json:"defaultBranch"`
	Private       bool      `json:"private"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Project is a unit of work inside a repository. Tasks are not embedded here;
// they live in the project's workspace.
type Project struct {
	ID               string        `json:"id"`
	RepositoryID     string        `json:"repositoryId"`
	Name             string        `json:"name"`
	Description      string        `json:"description,omitempty"`
	ProductBrief     string        `json:"productBrief,omitempty"`
	SolutionBrief    string        `json:"solutionBrief,omitempty"`
	BaseBranch       string        `json:"baseBranch,omitempty"`
	WorkingBranch    string        `json:"workingBranch"`
	Status           ProjectStatus `json:"status"`
	MaxIterations    int           `json:"maxIterations"`
	CurrentIteration int           `json:"currentIteration"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`

	// RepoURL is the legacy inline remote URL. Loads migrate it to a
	// synthesized Repository and clear it.
	RepoURL string `json:"repoUrl,omitempty"`
}

// Settings is the singleton engine configuration stored in the catalog.
type Settings struct {
	MaxParallelProjects int    `json:"maxParallelProjects"`
	MaxTaskAttempts     int    `json:"maxTaskAttempts"`
	WorkspacesPath      string `json:"workspacesPath"`
	AgentExecutable     string `json:"agentExecutable"`
	// StrictVerification makes the self-review fail when the verifier agent
	// emits neither a pass nor a fail marker. Default is lenient (pass).
	StrictVerification bool `json:"strictVerification,omitempty"`
}

// Snapshot is a consistent copy of the whole catalog.
type Snapshot struct {
	Repositories []Repository `json:"repositories"`
	Projects     []Project    `json:"projects"`
	Settings     Settings     `json:"settings"`
}

const (
	DefaultMaxParallelProjects = 3
	DefaultMaxTaskAttempts     = 3
	DefaultMaxIterations       = 50

	// debounceInterval coalesces bursts of writes into one subscriber
	// emission.
	debounceInterval = 100 * time.Millisecond
)

// DefaultSettings returns the settings used when the catalog is missing or
// a field is zero. workspacesPath defaults relative to userData.
func DefaultSettings(userDataDir string) Settings {
	return Settings{
		MaxParallelProjects: DefaultMaxParallelProjects,
		MaxTaskAttempts:     DefaultMaxTaskAttempts,
		WorkspacesPath:      filepath.Join(userDataDir, "workspaces"),
		AgentExecutable:     "claude",
	}
}

// Manager owns state.json: it is the single writer, publishes snapshots to
// subscribers after every successful mutation, and reconciles external edits
// detected by the file watcher.
type Manager struct {
	path   string
	logger *slog.Logger

	mu          sync.Mutex
	snap        Snapshot
	lastWritten []byte // exact bytes of the last persist, for external-change detection

	subMu   sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int

	notify chan struct{}
	done   chan struct{}
}

// New loads the catalog from path (falling back to empty defaults on read or
// parse errors) and starts the snapshot dispatcher. Call Close when done.
func New(path, userDataDir string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		path:   path,
		logger: logger,
		subs:   make(map[int]chan Snapshot),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	defaults := DefaultSettings(userDataDir)
	snap, raw, migrated, err := load(path, defaults)
	if err != nil {
		logger.Warn("loading state file, starting from defaults", "path", path, "error", err)
		snap = Snapshot{Settings: defaults}
		raw = nil
	}
	m.snap = snap
	m.lastWritten = raw

	if migrated {
		if err := m.persistLocked(); err != nil {
			logger.Warn("persisting migrated state", "error", err)
		}
	}

	go m.dispatch()
	return m, nil
}

// Close stops the snapshot dispatcher. Mutations after Close still persist
// but no longer notify subscribers.
func (m *Manager) Close() {
	close(m.done)
}

// Path returns the state file location.
func (m *Manager) Path() string { return m.path }

// GetState returns a consistent deep copy of the catalog.
func (m *Manager) GetState() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.clone()
}

// Settings returns the current settings with non-positive caps replaced by
// their defaults, so a bad patch cannot wedge admission or retries. This is
// the read-only SettingsProvider surface.
func (m *Manager) Settings() Settings {
	m.mu.Lock()
	s := m.snap.Settings
	m.mu.Unlock()
	if s.MaxParallelProjects <= 0 {
		s.MaxParallelProjects = DefaultMaxParallelProjects
	}
	if s.MaxTaskAttempts <= 0 {
		s.MaxTaskAttempts = DefaultMaxTaskAttempts
	}
	return s
}

// CreateRepository adds a repository to the catalog.
func (m *Manager) CreateRepository(name, fullName, url, defaultBranch string, private bool) (Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if defaultBranch == "" {
		defaultBranch = "main"
	}
	now := time.Now().UTC()
	repo := Repository{
		ID:            uuid.NewString(),
		Name:          name,
		FullName:      fullName,
		URL:           url,
		DefaultBranch: defaultBranch,
		Private:       private,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.snap.Repositories = append(m.snap.Repositories, repo)
	if err := m.persistLocked(); err != nil {
		m.snap.Repositories = m.snap.Repositories[:len(m.snap.Repositories)-1]
		return Repository{}, err
	}
	m.signal()
	return repo, nil
}

// DeleteRepository removes a repository. It fails with ErrHasDependents when
// any project references it.
func (m *Manager) DeleteRepository(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, r := range m.snap.Repositories {
		if r.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("repository %s: %w", id, ErrNotFound)
	}
	for _, p := range m.snap.Projects {
		if p.RepositoryID == id {
			return fmt.Errorf("repository %s referenced by project %s: %w", id, p.ID, ErrHasDependents)
		}
	}
	removed := m.snap.Repositories[idx]
	m.snap.Repositories = append(m.snap.Repositories[:idx], m.snap.Repositories[idx+1:]...)
	if err := m.persistLocked(); err != nil {
		m.snap.Repositories = append(m.snap.Repositories, removed)
		return err
	}
	m.signal()
	return nil
}

// GetRepository returns the repository with the given id.
func (m *Manager) GetRepository(id string) (Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.snap.Repositories {
		if r.ID == id {
			return r, nil
		}
	}
	return Repository{}, fmt.Errorf("repository %s: %w", id, ErrNotFound)
}

// CreateProjectInput holds the caller-supplied fields for a new project.
type CreateProjectInput struct {
	RepositoryID  string `json:"repositoryId"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	ProductBrief  string `json:"productBrief,omitempty"`
	SolutionBrief string `json:"solutionBrief,omitempty"`
	BaseBranch    string `json:"baseBranch,omitempty"`
	MaxIterations int    `json:"maxIterations,omitempty"`
}

// CreateProject creates a project in idle state with a derived working
// branch `ralph/<slug(name)>-<epoch>`.
func (m *Manager) CreateProject(in CreateProjectInput) (Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	found := false
	for _, r := range m.snap.Repositories {
		if r.ID == in.RepositoryID {
			found = true
			break
		}
	}
	if !found {
		return Project{}, fmt.Errorf("repository %s: %w", in.RepositoryID, ErrNotFound)
	}

	maxIter := in.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	now := time.Now().UTC()
	p := Project{
		ID:            uuid.NewString(),
		RepositoryID:  in.RepositoryID,
		Name:          in.Name,
		Description:   in.Description,
		ProductBrief:  in.ProductBrief,
		SolutionBrief: in.SolutionBrief,
		BaseBranch:    in.BaseBranch,
		WorkingBranch: DeriveWorkingBranch(in.Name, now),
		Status:        ProjectIdle,
		MaxIterations: maxIter,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.snap.Projects = append(m.snap.Projects, p)
	if err := m.persistLocked(); err != nil {
		m.snap.Projects = m.snap.Projects[:len(m.snap.Projects)-1]
		return Project{}, err
	}
	m.signal()
	return p, nil
}

// GetProject returns the project with the given id.
func (m *Manager) GetProject(id string) (Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.snap.Projects {
		if p.ID == id {
			return p, nil
		}
	}
	return Project{}, fmt.Errorf("project %s: %w", id, ErrNotFound)
}

// ProjectPatch holds optional field updates for a project. Nil fields are
// left unchanged.
type ProjectPatch struct {
	Name             *string        `json:"name,omitempty"`
	Description      *string        `json:"description,omitempty"`
	ProductBrief     *string        `json:"productBrief,omitempty"`
	SolutionBrief    *string        `json:"solutionBrief,omitempty"`
	BaseBranch       *string        `json:"baseBranch,omitempty"`
	Status           *ProjectStatus `json:"status,omitempty"`
	MaxIterations    *int           `json:"maxIterations,omitempty"`
	CurrentIteration *int           `json:"currentIteration,omitempty"`
}

// UpdateProject applies a patch and returns the updated project.
func (m *Manager) UpdateProject(id string, patch ProjectPatch) (Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.snap.Projects {
		if m.snap.Projects[i].ID != id {
			continue
		}
		before := m.snap.Projects[i]
		p := &m.snap.Projects[i]
		if patch.Name != nil {
			p.Name = *patch.Name
		}
		if patch.Description != nil {
			p.Description = *patch.Description
		}
		if patch.ProductBrief != nil {
			p.ProductBrief = *patch.ProductBrief
		}
		if patch.SolutionBrief != nil {
			p.SolutionBrief = *patch.SolutionBrief
		}
		if patch.BaseBranch != nil {
			p.BaseBranch = *patch.BaseBranch
		}
		if patch.Status != nil {
			p.Status = *patch.Status
		}
		if patch.MaxIterations != nil {
			p.MaxIterations = *patch.MaxIterations
		}
		if patch.CurrentIteration != nil {
			p.CurrentIteration = *patch.CurrentIteration
		}
		p.UpdatedAt = time.Now().UTC()
		if err := m.persistLocked(); err != nil {
			m.snap.Projects[i] = before
			return Project{}, err
		}
		m.signal()
		return *p, nil
	}
	return Project{}, fmt.Errorf("project %s: %w", id, ErrNotFound)
}

// DeleteProject removes a project from the catalog.
func (m *Manager) DeleteProject(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, p := range m.snap.Projects {
		if p.ID != id {
			continue
		}
		m.snap.Projects = append(m.snap.Projects[:i], m.snap.Projects[i+1:]...)
		if err := m.persistLocked(); err != nil {
			m.snap.Projects = append(m.snap.Projects, p)
			return err
		}
		m.signal()
		return nil
	}
	return fmt.Errorf("project %s: %w", id, ErrNotFound)
}

// SettingsPatch holds optional settings updates.
type SettingsPatch struct {
	MaxParallelProjects *int    `json:"maxParallelProjects,omitempty"`
	MaxTaskAttempts     *int    `json:"maxTaskAttempts,omitempty"`
	WorkspacesPath      *string `json:"workspacesPath,omitempty"`
	AgentExecutable     *string `json:"agentExecutable,omitempty"`
	StrictVerification  *bool   `json:"strictVerification,omitempty"`
}

// UpdateSettings applies a patch to the singleton settings.
func (m *Manager) UpdateSettings(patch SettingsPatch) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.snap.Settings
	s := &m.snap.Settings
	if patch.MaxParallelProjects != nil {
		s.MaxParallelProjects = *patch.MaxParallelProjects
	}
	if patch.MaxTaskAttempts != nil {
		s.MaxTaskAttempts = *patch.MaxTaskAttempts
	}
	if patch.WorkspacesPath != nil {
		s.WorkspacesPath = *patch.WorkspacesPath
	}
	if patch.AgentExecutable != nil {
		s.AgentExecutable = *patch.AgentExecutable
	}
	if patch.StrictVerification != nil {
		s.StrictVerification = *patch.StrictVerification
	}
	if err := m.persistLocked(); err != nil {
		m.snap.Settings = before
		return Settings{}, err
	}
	m.signal()
	return *s, nil
}

// ReplaceState swaps the whole catalog (the state:save surface). The caller
// is trusted to provide a coherent snapshot.
func (m *Manager) ReplaceState(snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.snap
	m.snap = snap.clone()
	if err := m.persistLocked(); err != nil {
		m.snap = before
		return err
	}
	m.signal()
	return nil
}

// Subscribe registers a snapshot stream. Every successful write triggers an
// emission, coalesced by a short debounce. The returned cancel func must be
// called to release the subscription.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan Snapshot, 1)
	m.subs[id] = ch

	cancel := func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// signal schedules a debounced snapshot emission. Non-blocking: an already
// pending signal absorbs this one.
func (m *Manager) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// dispatch coalesces write signals and fans snapshots out to subscribers.
// A subscriber that has not drained its previous snapshot gets it replaced
// with the newer one.
func (m *Manager) dispatch() {
	for {
		select {
		case <-m.done:
			return
		case <-m.notify:
		}

		timer := time.NewTimer(debounceInterval)
		select {
		case <-m.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		snap := m.GetState()
		m.subMu.Lock()
		for _, ch := range m.subs {
			select {
			case ch <- snap:
			default:
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- snap:
				default:
				}
			}
		}
		m.subMu.Unlock()
	}
}

// persistLocked writes the catalog to disk atomically. Callers hold m.mu.
func (m *Manager) persistLocked() error {
	data, err := json.MarshalIndent(m.snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	if err := renameio.WriteFile(m.path, data, 0o644); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	m.lastWritten = data
	return nil
}

// reloadIfChanged re-reads the file and, when its content differs from the
// last write, replaces the in-memory snapshot and notifies subscribers. The
// file watcher calls this on every change event.
func (m *Manager) reloadIfChanged() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		m.logger.Warn("re-reading state file after change event", "error", err)
		return
	}

	m.mu.Lock()
	if bytes.Equal(data, m.lastWritten) {
		m.mu.Unlock()
		return
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		m.mu.Unlock()
		m.logger.Warn("parsing externally modified state file", "error", err)
		return
	}
	applySettingsDefaults(&snap.Settings, m.snap.Settings)
	m.snap = snap
	m.lastWritten = data
	m.mu.Unlock()

	m.logger.Info("state file changed externally, republished")
	m.signal()
}

func (s Snapshot) clone() Snapshot {
	out := Snapshot{Settings: s.Settings}
	out.Repositories = append([]Repository(nil), s.Repositories...)
	out.Projects = append([]Project(nil), s.Projects...)
	return out
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// DeriveWorkingBranch builds the per-project branch `ralph/<slug>-<epoch>`.
func DeriveWorkingBranch(name string, at time.Time) string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(name), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "project"
	}
	return fmt.Sprintf("ralph/%s-%d", slug, at.Unix())
}

// load reads and parses the state file, applying defaults and the legacy
// repoUrl migration. It returns the parsed snapshot, the raw bytes read, and
// whether a migration changed the data (so callers persist it back).
func load(path string, defaults Settings) (Snapshot, []byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{Settings: defaults}, nil, false, nil
		}
		return Snapshot{}, nil, false, fmt.Errorf("reading state file: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, nil, false, fmt.Errorf("parsing state file: %w", err)
	}

	applySettingsDefaults(&snap.Settings, defaults)
	migrated := migrateInlineRepoURLs(&snap)
	return snap, data, migrated, nil
}

func applySettingsDefaults(s *Settings, defaults Settings) {
	if s.MaxParallelProjects <= 0 {
		s.MaxParallelProjects = defaults.MaxParallelProjects
	}
	if s.MaxTaskAttempts <= 0 {
		s.MaxTaskAttempts = defaults.MaxTaskAttempts
	}
	if s.WorkspacesPath == "" {
		s.WorkspacesPath = defaults.WorkspacesPath
	}
	if s.AgentExecutable == "" {
		s.AgentExecutable = defaults.AgentExecutable
	}
}

var remotePattern = regexp.MustCompile(`github\.com[:/]([^/]+)/([^/\s]+?)(?:\.git)?$`)

// migrateInlineRepoURLs converts legacy projects that carry an inline repoUrl
// into references to synthesized Repository records. Projects sharing a URL
// share the synthesized repository.
func migrateInlineRepoURLs(snap *Snapshot) bool {
	byURL := make(map[string]string) // url → repository id
	for _, r := range snap.Repositories {
		byURL[r.URL] = r.ID
	}

	migrated := false
	for i := range snap.Projects {
		p := &snap.Projects[i]
		if p.RepoURL == "" || p.RepositoryID != "" {
			if p.RepoURL != "" {
				p.RepoURL = ""
				migrated = true
			}
			continue
		}

		id, ok := byURL[p.RepoURL]
		if !ok {
			owner, name := parseOwnerName(p.RepoURL)
			now := time.Now().UTC()
			repo := Repository{
				ID:            uuid.NewString(),
				Name:          name,
				FullName:      owner + "/" + name,
				URL:           p.RepoURL,
				DefaultBranch: "main",
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			snap.Repositories = append(snap.Repositories, repo)
			byURL[p.RepoURL] = repo.ID
			id = repo.ID
		}
		p.RepositoryID = id
		p.RepoURL = ""
		migrated = true
	}
	return migrated
}

func parseOwnerName(url string) (owner, name string) {
	if m := remotePattern.FindStringSubmatch(url); m != nil {
		return m[1], m[2]
	}
	// Fall back to the last path segment for non-GitHub remotes.
	trimmed := strings.TrimSuffix(url, ".git")
	if idx := strings.LastIndexAny(trimmed, "/:"); idx >= 0 {
		return "unknown", trimmed[idx+1:]
	}
	return "unknown", trimmed
}
