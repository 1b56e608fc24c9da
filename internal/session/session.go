// Package session turns asynchronous scheduler completions into ordinary
// blocking calls and keeps an audit transcript of every step.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hochfrequenz/pbt-orchestrator/internal/domain"
)

// Submitter accepts generation requests; *scheduler.Scheduler satisfies it
type Submitter interface {
	Submit(req *domain.GenerationRequest) error
}

type completion struct {
	text    string
	elapsed float64
}

// Session is a per-CUT conversation façade. Ask calls are expected to be
// sequential; concurrent calls are still memory-safe.
type Session struct {
	submitter     Submitter
	logDir        string
	systemMessage string
	logger        *zap.Logger

	mu      sync.Mutex
	pending map[string]chan completion
	elapsed float64
	step    int
}

// Option configures a Session
type Option func(*Session)

// WithSystemMessage prefixes every request with a system message
func WithSystemMessage(msg string) Option {
	return func(s *Session) { s.systemMessage = msg }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// New creates a session writing transcripts to logDir. logDir is also the
// origin key the scheduler orders this session's requests by.
func New(submitter Submitter, logDir string, opts ...Option) (*Session, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create session log dir: %w", err)
	}
	s := &Session{
		submitter: submitter,
		logDir:    logDir,
		logger:    zap.NewNop(),
		pending:   make(map[string]chan completion),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("session").With(zap.String("log_dir", logDir))
	return s, nil
}

// Ask submits history and blocks until a worker delivers the completion or
// ctx ends. There is no built-in timeout.
func (s *Session) Ask(ctx context.Context, history []domain.Message, stepLabel string, class domain.RequestClass) (string, error) {
	messages := make([]domain.Message, 0, len(history)+1)
	if s.systemMessage != "" {
		messages = append(messages, domain.Message{Role: domain.RoleSystem, Content: s.systemMessage})
	}
	messages = append(messages, history...)

	id := uuid.NewString()
	done := make(chan completion, 1)
	s.mu.Lock()
	s.pending[id] = done
	s.mu.Unlock()

	req := &domain.GenerationRequest{
		ID:        id,
		Messages:  messages,
		Callback:  s.deliver,
		OriginKey: s.logDir,
		Class:     class,
	}
	if err := s.submitter.Submit(req); err != nil {
		s.forget(id)
		return "", fmt.Errorf("submit %s: %w", stepLabel, err)
	}

	var result completion
	select {
	case result = <-done:
	case <-ctx.Done():
		s.forget(id)
		return "", ctx.Err()
	}

	if err := s.writeTranscript(history, stepLabel, class, result); err != nil {
		s.logger.Warn("failed to write transcript", zap.String("step", stepLabel), zap.Error(err))
	}
	return result.text, nil
}

// deliver is the completion callback handed to the scheduler
func (s *Session) deliver(id, text string, elapsed float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elapsed += elapsed
	if ch, ok := s.pending[id]; ok {
		delete(s.pending, id)
		ch <- completion{text: text, elapsed: elapsed}
	}
}

func (s *Session) forget(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// Elapsed returns the cumulative completion time in seconds
func (s *Session) Elapsed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsed
}

// Steps returns how many Ask calls completed
func (s *Session) Steps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// LogDir returns the transcript directory
func (s *Session) LogDir() string {
	return s.logDir
}

type transcript struct {
	Step           int              `json:"step"`
	Label          string           `json:"label"`
	Class          string           `json:"class"`
	ElapsedSeconds float64          `json:"elapsed_seconds"`
	Messages       []domain.Message `json:"messages"`
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

func (s *Session) writeTranscript(history []domain.Message, label string, class domain.RequestClass, result completion) error {
	s.mu.Lock()
	step := s.step
	s.step++
	s.mu.Unlock()

	messages := append(append([]domain.Message(nil), history...),
		domain.Message{Role: domain.RoleAssistant, Content: result.text})

	base := filepath.Join(s.logDir, fmt.Sprintf("%03d_%s", step, unsafeChars.ReplaceAllString(label, "_")))

	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "=== %s ===\n%s\n\n", m.Role, m.Content)
	}
	if err := os.WriteFile(base+".txt", []byte(b.String()), 0644); err != nil {
		return err
	}

	data, err := json.MarshalIndent(transcript{
		Step:           step,
		Label:          label,
		Class:          string(class),
		ElapsedSeconds: result.elapsed,
		Messages:       messages,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(base+".json", data, 0644)
}
