package prompts

import "github.com/hochfrequenz/pbt-orchestrator/internal/domain"

// Data holds the template variables for every pipeline prompt. Each template
// reads only the fields its step has available.
type Data struct {
	CUT           *domain.CUT
	Explanation   string
	Summary       string
	Strategy      string
	Code          string
	Log           string
	Reply         string
	Property      domain.PropertyDescriptor
	Rationale     string
	Catalog       []domain.PropertyDescriptor
	MaxProperties int
	MaxExamples   int
}
