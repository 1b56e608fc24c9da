// Package prompts provides the pipeline's prompt templates and property
// catalog, embedded with file-system override support.
package prompts

import "embed"

//go:embed pipeline/*.md harness/*.py catalog/*.yaml
var embeddedFS embed.FS
