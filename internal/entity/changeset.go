package entity

// ChangeSet is the delta produced by one sync run: a single-use value
// handed to the indexer exactly once. Entities appear at most once
// across the three groups.
type ChangeSet struct {
	Added   []Entity `json:"added"`
	Updated []Entity `json:"updated"`
	Deleted []Ref    `json:"deleted"`
}

// Empty reports whether the change set carries no work.
func (cs *ChangeSet) Empty() bool {
	return len(cs.Added) == 0 && len(cs.Updated) == 0 && len(cs.Deleted) == 0
}

// Size returns the total number of changes.
func (cs *ChangeSet) Size() int {
	return len(cs.Added) + len(cs.Updated) + len(cs.Deleted)
}
