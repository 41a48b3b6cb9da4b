package tasks

import "sort"

// GetReadyTasks returns all tasks with status ready or backlog whose
// dependency tasks are all done, sorted by priority then creation order.
// Pure projection; nothing is mutated on read.
func (s *Store) GetReadyTasks(priorityFilter Priority) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.listTasksLocked()
	if err != nil {
		return nil, err
	}

	done := make(map[string]bool, len(all))
	for _, t := range all {
		done[t.ID] = t.Status == StatusDone
	}

	ready := make([]*Task, 0)
	for _, t := range all {
		if t.Status != StatusReady && t.Status != StatusBacklog {
			continue
		}
		if priorityFilter != "" && t.Priority != priorityFilter {
			continue
		}
		eligible := true
		for _, dep := range t.Dependencies {
			if !done[dep] {
				eligible = false
				break
			}
		}
		if eligible {
			ready = append(ready, t)
		}
	}

	// listTasksLocked already yields creation order; a stable sort by
	// priority preserves it within each band.
	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].Priority.rank() > ready[j].Priority.rank()
	})
	return ready, nil
}
