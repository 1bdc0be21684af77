package target_state_store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Persister stores the enumerable form of the state table.
type Persister interface {
	Save(records []Record) error
	Load() ([]Record, error)
}

const stateFileVersion = 1

type stateFile struct {
	Version int      `yaml:"version"`
	Targets []Record `yaml:"targets"`
}

// FilePersister keeps the table in a YAML file, replaced atomically through a
// temporary file and rename.
type FilePersister struct {
	path string
}

func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

func (p *FilePersister) Path() string {
	return p.path
}

func (p *FilePersister) Save(records []Record) error {
	data, err := yaml.Marshal(stateFile{Version: stateFileVersion, Targets: records})
	if err != nil {
		return fmt.Errorf("failed to marshal target states: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}

// Load returns no records when the file does not exist yet.
func (p *FilePersister) Load() ([]Record, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var f stateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", p.path, err)
	}
	if f.Version > stateFileVersion {
		return nil, fmt.Errorf("state file version %d is newer than supported %d", f.Version, stateFileVersion)
	}
	return f.Targets, nil
}
