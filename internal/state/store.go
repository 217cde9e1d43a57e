package state

import "fmt"

// Store persists one State record per service name.
//
// Load semantics are deliberately forgiving: a missing or corrupt record is
// (nil, nil), never an error, so a damaged state file can not wedge status
// or start paths. Write failures are real errors; they surface to the caller
// of the triggering operation but must never take down a running child.
type Store interface {
	Save(st State) error
	Load(name string) (*State, error)
	Remove(name string) error
	List() ([]State, error)
}

// PersistenceError wraps a state read/write failure with the operation and
// service it belongs to.
type PersistenceError struct {
	Op   string
	Name string
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("state %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("state %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
