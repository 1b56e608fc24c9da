package domain

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one (role, content) pair of a conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionCallback receives the result of a completion call
type CompletionCallback func(id, text string, elapsedSeconds float64)

// GenerationRequest is a single completion call waiting for a worker.
// It is consumed by exactly one worker and discarded once Callback fired.
type GenerationRequest struct {
	ID        string
	Messages  []Message
	Callback  CompletionCallback
	OriginKey string
	Class     RequestClass
}

// BackendConfig describes one model backend and how many replicas serve it
type BackendConfig struct {
	Name              string         `toml:"name" validate:"required"`
	Endpoint          string         `toml:"endpoint" validate:"required,url"`
	Model             string         `toml:"model" validate:"required"`
	Credential        string         `toml:"credential"`
	Concurrency       int            `toml:"concurrency" validate:"gt=0"`
	RetryBudget       int            `toml:"retry_budget" validate:"gte=0"`
	AcceptedClasses   []RequestClass `toml:"accepted_classes" validate:"min=1"`
	RequestsPerMinute int            `toml:"requests_per_minute" validate:"gte=0"`
}

// Accepts reports whether the backend serves the given class
func (b BackendConfig) Accepts(class RequestClass) bool {
	for _, c := range b.AcceptedClasses {
		if c == class {
			return true
		}
	}
	return false
}
