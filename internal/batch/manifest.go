package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/pbt-orchestrator/internal/domain"
)

// Manifest lists already-extracted functions under test
type Manifest struct {
	Project string          `yaml:"project"`
	CUTs    []ManifestEntry `yaml:"cuts"`
}

// ManifestEntry is one CUT descriptor keyed by its module::name id
type ManifestEntry struct {
	ID         string `yaml:"id"`
	domain.CUT `yaml:",inline"`
}

// LoadManifest reads a YAML manifest. Working directories that an entry
// leaves empty are derived from workDir and the CUT's id.
func LoadManifest(path, workDir string) ([]*domain.CUT, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if len(m.CUTs) == 0 {
		return nil, fmt.Errorf("manifest %s lists no functions", path)
	}

	seen := make(map[string]bool)
	cuts := make([]*domain.CUT, 0, len(m.CUTs))
	for i := range m.CUTs {
		entry := m.CUTs[i]
		id, err := domain.ParseCUTID(entry.ID)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %d: %w", i, err)
		}
		if seen[id.String()] {
			return nil, fmt.Errorf("manifest entry %d: duplicate id %s", i, id)
		}
		seen[id.String()] = true

		cut := entry.CUT
		cut.ID = id
		applyDefaults(&cut, m.Project, workDir)
		if err := cut.Validate(); err != nil {
			return nil, fmt.Errorf("manifest entry %d: %w", i, err)
		}
		cuts = append(cuts, &cut)
	}
	return cuts, nil
}

func applyDefaults(cut *domain.CUT, project, workDir string) {
	if cut.Module == "" {
		cut.Module = cut.ID.Module
	}
	if cut.EntryPoint == "" {
		parts := strings.Split(cut.ID.QualName, ".")
		cut.EntryPoint = parts[len(parts)-1]
	}
	if cut.Dirs.Project == "" {
		cut.Dirs.Project = project
	}
	base := filepath.Join(workDir, "runs", cut.ID.Slug())
	if cut.Dirs.Tests == "" {
		cut.Dirs.Tests = filepath.Join(base, "tests")
	}
	if cut.Dirs.Results == "" {
		cut.Dirs.Results = filepath.Join(base, "results")
	}
	if cut.Dirs.Logs == "" {
		cut.Dirs.Logs = filepath.Join(base, "logs")
	}
}
