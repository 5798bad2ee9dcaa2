package boundary

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadFile parses a single boundary definition from YAML.
func LoadFile(path string) (*Boundary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load boundary %s: %w", path, err)
	}
	var b Boundary
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse boundary %s: %w", path, err)
	}
	return &b, nil
}

// LoadDir installs every boundary_*.yaml in dir into the set. Files are
// the out-of-band, human-governed change surface: neither the agent nor
// the learning store has any path to them at runtime.
func LoadDir(s *Set, dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "boundary_*.yaml"))
	if err != nil {
		return 0, err
	}

	installed := 0
	for _, path := range matches {
		b, err := LoadFile(path)
		if err != nil {
			return installed, err
		}
		if err := s.Install(b); err != nil {
			return installed, fmt.Errorf("install %s: %w", path, err)
		}
		installed++
	}
	return installed, nil
}
