package state

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/loopwork/svcman/internal/service"
)

// FileStore keeps one JSON document per service under a directory,
// <dir>/<name>.json. Writes go through a rename-into-place so a crash
// mid-write can not leave a half-written record behind.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &PersistenceError{Op: "init", Err: err}
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the state directory.
func (f *FileStore) Dir() string { return f.dir }

func (f *FileStore) path(name string) string {
	return filepath.Join(f.dir, name+".json")
}

func (f *FileStore) Save(st State) error {
	if !service.ValidName(st.Name) {
		return &PersistenceError{Op: "save", Name: st.Name, Err: os.ErrInvalid}
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "save", Name: st.Name, Err: err}
	}
	if err := renameio.WriteFile(f.path(st.Name), b, 0o644); err != nil {
		return &PersistenceError{Op: "save", Name: st.Name, Err: err}
	}
	return nil
}

// Load returns the persisted record, or (nil, nil) when it is missing,
// unreadable or corrupt. Damage is logged and treated as absence.
func (f *FileStore) Load(name string) (*State, error) {
	if !service.ValidName(name) {
		return nil, nil
	}
	b, err := os.ReadFile(f.path(name))
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("state file unreadable, treating as absent", "service", name, "error", err)
		}
		return nil, nil
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		slog.Warn("state file corrupt, treating as absent", "service", name, "error", err)
		return nil, nil
	}
	return &st, nil
}

// Remove deletes the record. Removing a record that is not there succeeds.
func (f *FileStore) Remove(name string) error {
	if !service.ValidName(name) {
		return nil
	}
	if err := os.Remove(f.path(name)); err != nil && !os.IsNotExist(err) {
		return &PersistenceError{Op: "remove", Name: name, Err: err}
	}
	return nil
}

// List loads every readable record in the directory, sorted by name.
// Corrupt entries are skipped the same way Load skips them.
func (f *FileStore) List() ([]State, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, &PersistenceError{Op: "list", Err: err}
	}
	var out []State
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		st, err := f.Load(name)
		if err != nil || st == nil {
			continue
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
