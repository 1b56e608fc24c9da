package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/hochfrequenz/pbt-orchestrator/internal/domain"
)

// coverageData is the subset of coverage.py's JSON report we read
type coverageData struct {
	Files map[string]struct {
		ExecutedLines []int `json:"executed_lines"`
		MissingLines  []int `json:"missing_lines"`
	} `json:"files"`
}

// lineCoverage returns the percentage of statements inside lines that were
// executed. It only answers when exactly one file in the report matches
// module; otherwise the attribution would be ambiguous.
func lineCoverage(path, module string, lines domain.LineRange) (float64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	var cov coverageData
	if err := json.Unmarshal(data, &cov); err != nil {
		return 0, false
	}

	modPath := strings.ReplaceAll(module, ".", "/")
	suffixes := []string{modPath + ".py", modPath + "/__init__.py"}

	var matched []string
	for file := range cov.Files {
		f := filepath.ToSlash(file)
		for _, suffix := range suffixes {
			if f == suffix || strings.HasSuffix(f, "/"+suffix) {
				matched = append(matched, file)
				break
			}
		}
	}
	if len(matched) != 1 {
		return 0, false
	}

	entry := cov.Files[matched[0]]
	executed, total := 0, 0
	for _, l := range entry.ExecutedLines {
		if lines.Contains(l) {
			executed++
			total++
		}
	}
	for _, l := range entry.MissingLines {
		if lines.Contains(l) {
			total++
		}
	}
	if total == 0 {
		return 0, false
	}
	return 100 * float64(executed) / float64(total), true
}
