package worktree

// Info describes one managed worktree.
type Info struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Branch   string `json:"branch"`
	Head     string `json:"head"`
	Locked   bool   `json:"locked"`
	Prunable bool   `json:"prunable"`
	AgentID  string `json:"agent_id,omitempty"`
}

// ChangeSet classifies the files an agent execution touched, plus the
// unified diff of the worktree against HEAD.
type ChangeSet struct {
	Added    []string `json:"added,omitempty"`
	Modified []string `json:"modified,omitempty"`
	Deleted  []string `json:"deleted,omitempty"`
	Renamed  []string `json:"renamed,omitempty"`
	Diff     string   `json:"diff,omitempty"`
	StashRef string   `json:"stash_ref,omitempty"`
}

// Empty reports whether the execution changed nothing.
func (c *ChangeSet) Empty() bool {
	return c == nil || (len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Deleted) == 0 && len(c.Renamed) == 0)
}

// Files returns every touched path, in classification order.
func (c *ChangeSet) Files() []string {
	out := make([]string, 0, len(c.Added)+len(c.Modified)+len(c.Deleted)+len(c.Renamed))
	out = append(out, c.Added...)
	out = append(out, c.Modified...)
	out = append(out, c.Deleted...)
	out = append(out, c.Renamed...)
	return out
}
