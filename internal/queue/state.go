package queue

// SchemaVersion is the document version written by this build. Older
// documents are migrated forward on load; newer ones are rejected.
const SchemaVersion = "2.0"

// State is the full persisted snapshot of the queue.
type State struct {
	SchemaVersion  string  `json:"schemaVersion"`
	LastAssignedID int64   `json:"lastAssignedId"`
	Items          []*Item `json:"items"`
}

// NewState returns an empty queue at the current schema version.
func NewState() *State {
	return &State{
		SchemaVersion: SchemaVersion,
		Items:         []*Item{},
	}
}

// NextID hands out the next item id. Ids are monotonic and never reused,
// even after removal.
func (s *State) NextID() int64 {
	s.LastAssignedID++
	return s.LastAssignedID
}

// Find returns the item with the given id, or nil.
func (s *State) Find(id int64) *Item {
	for _, it := range s.Items {
		if it.ID == id {
			return it
		}
	}

	return nil
}

// Remove deletes the item with the given id, preserving insertion order of
// the rest. The id is not returned to the pool.
func (s *State) Remove(id int64) bool {
	for idx, it := range s.Items {
		if it.ID == id {
			s.Items = append(s.Items[:idx], s.Items[idx+1:]...)
			return true
		}
	}

	return false
}

// CountInFlight counts items currently occupying a worker slot.
func (s *State) CountInFlight() int {
	var n int

	for _, it := range s.Items {
		if it.Status.InFlight() {
			n++
		}
	}

	return n
}

// NextQueued returns the first queued item in insertion order, or nil.
// Admission is strictly FIFO by id.
func (s *State) NextQueued() *Item {
	for _, it := range s.Items {
		if it.Status == StatusQueued {
			return it
		}
	}

	return nil
}

// Clone returns a deep copy, used for read-only snapshots handed to callers.
func (s *State) Clone() *State {
	out := &State{
		SchemaVersion:  s.SchemaVersion,
		LastAssignedID: s.LastAssignedID,
		Items:          make([]*Item, 0, len(s.Items)),
	}

	for _, it := range s.Items {
		out.Items = append(out.Items, it.clone())
	}

	return out
}
