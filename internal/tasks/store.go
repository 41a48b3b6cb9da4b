package tasks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentcrew/internal/logging"
	"agentcrew/internal/provider"
)

// Store persists the hierarchy as one JSON record per entity under
// per-class directories. Writes are atomic (write-to-temp-then-rename);
// cross-entity consistency writes the parent last so a child referencing a
// parent is never dangling.
type Store struct {
	mu   sync.Mutex
	root string // {stateDir}/tasks
	now  func() time.Time
}

// NewStore creates the store rooted at stateDir.
func NewStore(stateDir string) (*Store, error) {
	root := filepath.Join(stateDir, "tasks")
	for _, class := range []string{"epics", "stories", "tasks"} {
		if err := os.MkdirAll(filepath.Join(root, class), 0755); err != nil {
			return nil, fmt.Errorf("failed to create task store dir: %w", err)
		}
	}
	return &Store{root: root, now: time.Now}, nil
}

// --- Epic operations ---

// CreateEpic persists a new epic. An empty id gets a generated one.
func (s *Store) CreateEpic(e *Epic) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Title == "" {
		return provider.NewError(provider.KindValidation, "epic title must not be empty")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = StatusBacklog
	}
	if e.Priority == "" {
		e.Priority = PriorityNormal
	}
	e.Version = recordVersion
	e.CreatedAt = s.now()
	e.UpdatedAt = e.CreatedAt
	if e.StoryIDs == nil {
		e.StoryIDs = []string{}
	}

	logging.Tasks("Creating epic %s (%s)", e.ID, e.Title)
	return s.write("epics", e.ID, e)
}

// GetEpic loads one epic.
func (s *Store) GetEpic(id string) (*Epic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readEpic(id)
}

// DeleteEpic removes an epic. Forbidden while any owned task is not in a
// terminal state.
func (s *Store) DeleteEpic(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	epic, err := s.readEpic(id)
	if err != nil {
		return err
	}
	for _, storyID := range epic.StoryIDs {
		story, err := s.readStory(storyID)
		if err != nil {
			continue
		}
		for _, taskID := range story.TaskIDs {
			task, err := s.readTask(taskID)
			if err != nil {
				continue
			}
			if !task.Status.IsTerminal() {
				return provider.NewError(provider.KindValidation,
					"cannot delete epic %s: task %s is %s", id, taskID, task.Status)
			}
		}
	}

	for _, storyID := range epic.StoryIDs {
		if story, err := s.readStory(storyID); err == nil {
			for _, taskID := range story.TaskIDs {
				os.Remove(s.path("tasks", taskID))
			}
		}
		os.Remove(s.path("stories", storyID))
	}
	return os.Remove(s.path("epics", id))
}

// --- Story operations ---

// CreateStory persists a new story and links it into its epic. The story is
// written first, then the epic, within one mutation window.
func (s *Store) CreateStory(st *Story) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	epic, err := s.readEpic(st.EpicID)
	if err != nil {
		return provider.NewError(provider.KindValidation, "story requires an existing epic: %v", err)
	}
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.Status == "" {
		st.Status = StatusBacklog
	}
	if st.Priority == "" {
		st.Priority = epic.Priority
	}
	st.Version = recordVersion
	st.CreatedAt = s.now()
	st.UpdatedAt = st.CreatedAt
	if st.TaskIDs == nil {
		st.TaskIDs = []string{}
	}

	if err := s.write("stories", st.ID, st); err != nil {
		return err
	}
	epic.StoryIDs = append(epic.StoryIDs, st.ID)
	epic.UpdatedAt = s.now()
	return s.write("epics", epic.ID, epic)
}

// GetStory loads one story.
func (s *Store) GetStory(id string) (*Story, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readStory(id)
}

// --- Task operations ---

// CreateTask persists a new task. Story and epic must exist and agree; task
// dependencies must exist and must not close a blocks-cycle.
func (s *Store) CreateTask(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	story, err := s.readStory(t.StoryID)
	if err != nil {
		return provider.NewError(provider.KindValidation, "task requires an existing story: %v", err)
	}
	if t.EpicID == "" {
		t.EpicID = story.EpicID
	}
	if story.EpicID != t.EpicID {
		return provider.NewError(provider.KindValidation,
			"task epic %s does not match story epic %s", t.EpicID, story.EpicID)
	}
	if _, err := s.readEpic(t.EpicID); err != nil {
		return provider.NewError(provider.KindValidation, "task requires an existing epic: %v", err)
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	for _, dep := range t.Dependencies {
		if _, err := s.readTask(dep); err != nil {
			return provider.NewError(provider.KindValidation, "task dependency %s does not exist", dep)
		}
	}

	graph, err := s.buildGraphLocked()
	if err != nil {
		return err
	}
	graph.AddNode(t.ID, NodeTask)
	for _, dep := range t.Dependencies {
		graph.AddEdge(dep, t.ID, EdgeBlocks)
	}
	if cycle := graph.FindBlocksCycle(); cycle != nil {
		return provider.NewError(provider.KindValidation,
			"dependency cycle among blocks edges: %s", strings.Join(cycle, " -> "))
	}

	if t.Status == "" {
		t.Status = StatusBacklog
	}
	if t.Priority == "" {
		t.Priority = story.Priority
	}
	t.Version = recordVersion
	t.CreatedAt = s.now()
	t.UpdatedAt = t.CreatedAt

	if err := s.write("tasks", t.ID, t); err != nil {
		return err
	}
	story.TaskIDs = append(story.TaskIDs, t.ID)
	story.UpdatedAt = s.now()
	return s.write("stories", story.ID, story)
}

// GetTask loads one task.
func (s *Store) GetTask(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readTask(id)
}

// UpdateTask persists task mutations that do not change status or
// dependencies (usage, pipeline back-pointer, outputs, metadata).
func (s *Store) UpdateTask(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.readTask(t.ID)
	if err != nil {
		return err
	}
	if current.Status != t.Status {
		return provider.NewError(provider.KindValidation, "use UpdateTaskStatus to change status")
	}
	t.Version = recordVersion
	t.UpdatedAt = s.now()
	return s.write("tasks", t.ID, t)
}

// UpdateTaskStatus applies a status transition. backlog → ready requires all
// dependency tasks done; done cascades story → epic completion.
func (s *Store) UpdateTaskStatus(id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.readTask(id)
	if err != nil {
		return err
	}
	if !CanTransition(t.Status, status) {
		return provider.NewError(provider.KindValidation,
			"illegal task transition %s -> %s", t.Status, status)
	}
	if status == StatusReady && t.Status == StatusBacklog {
		for _, dep := range t.Dependencies {
			d, err := s.readTask(dep)
			if err != nil {
				return provider.NewError(provider.KindValidation, "dependency %s does not exist", dep)
			}
			if d.Status != StatusDone {
				return provider.NewError(provider.KindValidation,
					"task %s not ready: dependency %s is %s", id, dep, d.Status)
			}
		}
	}

	t.Status = status
	t.UpdatedAt = s.now()
	if err := s.write("tasks", t.ID, t); err != nil {
		return err
	}
	logging.Tasks("Task %s -> %s", id, status)

	if status == StatusDone {
		return s.cascadeDoneLocked(t)
	}
	return nil
}

// AddTaskDependency adds a blocks-dependency, rejecting cycles. The store is
// unchanged on rejection.
func (s *Store) AddTaskDependency(taskID, dependsOn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.readTask(taskID)
	if err != nil {
		return err
	}
	if _, err := s.readTask(dependsOn); err != nil {
		return provider.NewError(provider.KindValidation, "dependency %s does not exist", dependsOn)
	}
	for _, dep := range t.Dependencies {
		if dep == dependsOn {
			return nil
		}
	}

	graph, err := s.buildGraphLocked()
	if err != nil {
		return err
	}
	if cycle := graph.blocksCycleWith(dependsOn, taskID); cycle != nil {
		return provider.NewError(provider.KindValidation,
			"dependency cycle among blocks edges: %s", strings.Join(cycle, " -> "))
	}

	t.Dependencies = append(t.Dependencies, dependsOn)
	t.UpdatedAt = s.now()
	return s.write("tasks", t.ID, t)
}

// ListTasks returns every task, sorted by creation time then id.
func (s *Store) ListTasks() ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listTasksLocked()
}

// BuildGraph derives the typed dependency graph over the whole hierarchy.
func (s *Store) BuildGraph() (*Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildGraphLocked()
}

// --- internals ---

// cascadeDoneLocked advances story and epic when all their children are done.
func (s *Store) cascadeDoneLocked(t *Task) error {
	story, err := s.readStory(t.StoryID)
	if err != nil {
		return nil
	}
	for _, taskID := range story.TaskIDs {
		child, err := s.readTask(taskID)
		if err != nil || child.Status != StatusDone {
			return nil
		}
	}
	if story.Status != StatusDone {
		story.Status = StatusDone
		story.UpdatedAt = s.now()
		if err := s.write("stories", story.ID, story); err != nil {
			return err
		}
		logging.Tasks("Story %s -> done (all tasks complete)", story.ID)
	}

	epic, err := s.readEpic(story.EpicID)
	if err != nil {
		return nil
	}
	for _, storyID := range epic.StoryIDs {
		child, err := s.readStory(storyID)
		if err != nil || child.Status != StatusDone {
			return nil
		}
	}
	if epic.Status != StatusDone {
		epic.Status = StatusDone
		epic.EndedAt = s.now()
		epic.UpdatedAt = epic.EndedAt
		if err := s.write("epics", epic.ID, epic); err != nil {
			return err
		}
		logging.Tasks("Epic %s -> done (all stories complete)", epic.ID)
	}
	return nil
}

func (s *Store) buildGraphLocked() (*Graph, error) {
	g := &Graph{}

	tasks, err := s.listTasksLocked()
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		g.AddNode(t.ID, NodeTask)
		for _, dep := range t.Dependencies {
			g.AddEdge(dep, t.ID, EdgeBlocks)
		}
	}

	storyIDs, _ := s.listIDs("stories")
	for _, id := range storyIDs {
		st, err := s.readStory(id)
		if err != nil {
			continue
		}
		g.AddNode(st.ID, NodeStory)
		g.AddEdge(st.EpicID, st.ID, EdgeRequires)
		for _, dep := range st.Dependencies {
			g.AddEdge(dep, st.ID, EdgeBlocks)
		}
	}

	epicIDs, _ := s.listIDs("epics")
	for _, id := range epicIDs {
		g.AddNode(id, NodeEpic)
	}
	return g, nil
}

func (s *Store) listTasksLocked() ([]*Task, error) {
	ids, err := s.listIDs("tasks")
	if err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.readTask(id)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) listIDs(class string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, class))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) path(class, id string) string {
	return filepath.Join(s.root, class, id+".json")
}

// write persists a record with the atomic-rename discipline.
func (s *Store) write(class, id string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", class, id, err)
	}
	final := s.path(class, id)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}

func (s *Store) readEpic(id string) (*Epic, error) {
	var e Epic
	if err := s.read("epics", id, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) readStory(id string) (*Story, error) {
	var st Story
	if err := s.read("stories", id, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) readTask(id string) (*Task, error) {
	var t Task
	if err := s.read("tasks", id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) read(class, id string, v interface{}) error {
	data, err := os.ReadFile(s.path(class, id))
	if err != nil {
		return fmt.Errorf("%s %s not found: %w", strings.TrimSuffix(class, "s"), id, err)
	}
	return json.Unmarshal(data, v)
}
