package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"agentcrew/internal/logging"
)

// CheckpointStore persists pipeline records, one JSON file per pipeline,
// written with the atomic-rename discipline. Every transition is checkpointed
// before any externally visible action of the next stage begins.
type CheckpointStore struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// NewCheckpointStore creates the store under stateDir.
func NewCheckpointStore(stateDir string) (*CheckpointStore, error) {
	dir := filepath.Join(stateDir, "pipelines")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create pipelines dir: %w", err)
	}
	return &CheckpointStore{dir: dir, now: time.Now}, nil
}

// Save writes a checkpoint.
func (c *CheckpointStore) Save(p *Pipeline) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p.Version = recordVersion
	p.LastCheckpointAt = c.now()

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline %s: %w", p.ID, err)
	}
	final := filepath.Join(c.dir, p.ID+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("failed to rename checkpoint: %w", err)
	}
	logging.PipelineDebug("Checkpoint %s (status=%s stage=%d)", p.ID, p.Status, p.CurrentStage)
	return nil
}

// Load reads one pipeline record.
func (c *CheckpointStore) Load(id string) (*Pipeline, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(c.dir, id+".json"))
	if err != nil {
		return nil, fmt.Errorf("pipeline %s not found: %w", id, err)
	}
	var p Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("pipeline %s checkpoint corrupt: %w", id, err)
	}
	if p.StageResults == nil {
		p.StageResults = make(map[int]*StageResult)
	}
	return &p, nil
}

// List returns every persisted pipeline, sorted by start time.
func (c *CheckpointStore) List() ([]*Pipeline, error) {
	c.mu.Lock()
	entries, err := os.ReadDir(c.dir)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]*Pipeline, 0, len(entries))
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		p, err := c.Load(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			logging.Pipeline("Skipping unreadable checkpoint %s: %v", e.Name(), err)
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}
