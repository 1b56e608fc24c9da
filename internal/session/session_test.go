package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hochfrequenz/pbt-orchestrator/internal/domain"
)

// asyncSubmitter answers each request from another goroutine
type asyncSubmitter struct {
	mu       sync.Mutex
	requests []*domain.GenerationRequest
	elapsed  float64
	answer   func(req *domain.GenerationRequest) string
	hold     bool
}

func (a *asyncSubmitter) Submit(req *domain.GenerationRequest) error {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	hold := a.hold
	a.mu.Unlock()
	if hold {
		return nil
	}
	go func() {
		time.Sleep(time.Millisecond)
		req.Callback(req.ID, a.answer(req), a.elapsed)
	}()
	return nil
}

func echo(req *domain.GenerationRequest) string {
	return "re: " + req.Messages[len(req.Messages)-1].Content
}

func TestAsk_RoundTrip(t *testing.T) {
	sub := &asyncSubmitter{answer: echo, elapsed: 1.5}
	dir := filepath.Join(t.TempDir(), "logs")
	s, err := New(sub, dir, WithSystemMessage("you write tests"), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	history := []domain.Message{{Role: domain.RoleUser, Content: "explain f"}}
	text, err := s.Ask(context.Background(), history, "explain", domain.LongAnswer)
	require.NoError(t, err)
	assert.Equal(t, "re: explain f", text)

	require.Len(t, sub.requests, 1)
	req := sub.requests[0]
	assert.Equal(t, dir, req.OriginKey)
	assert.Equal(t, domain.LongAnswer, req.Class)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, domain.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "you write tests", req.Messages[0].Content)

	assert.Equal(t, 1.5, s.Elapsed())
	assert.Equal(t, 1, s.Steps())
}

func TestAsk_ElapsedAccumulates(t *testing.T) {
	sub := &asyncSubmitter{answer: echo, elapsed: 0.25}
	s, err := New(sub, t.TempDir())
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := s.Ask(context.Background(), []domain.Message{{Role: domain.RoleUser, Content: "q"}}, "q", domain.ShortAnswer)
		require.NoError(t, err)
	}
	assert.InDelta(t, 1.0, s.Elapsed(), 1e-9)
	assert.Equal(t, 4, s.Steps())
}

func TestAsk_WritesTranscripts(t *testing.T) {
	sub := &asyncSubmitter{answer: echo, elapsed: 2}
	dir := t.TempDir()
	s, err := New(sub, dir)
	require.NoError(t, err)

	history := []domain.Message{{Role: domain.RoleUser, Content: "first"}}
	_, err = s.Ask(context.Background(), history, "strategy/attempt 1", domain.LongAnswer)
	require.NoError(t, err)
	_, err = s.Ask(context.Background(), history, "summary", domain.ShortAnswer)
	require.NoError(t, err)

	txt, err := os.ReadFile(filepath.Join(dir, "000_strategy_attempt_1.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(txt), "=== user ===\nfirst")
	assert.Contains(t, string(txt), "=== assistant ===\nre: first")

	raw, err := os.ReadFile(filepath.Join(dir, "001_summary.json"))
	require.NoError(t, err)
	var tr transcript
	require.NoError(t, json.Unmarshal(raw, &tr))
	assert.Equal(t, 1, tr.Step)
	assert.Equal(t, "short", tr.Class)
	assert.Len(t, tr.Messages, 2)
}

func TestAsk_ContextCancelUnblocks(t *testing.T) {
	sub := &asyncSubmitter{answer: echo, hold: true}
	s, err := New(sub, t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Ask(ctx, []domain.Message{{Role: domain.RoleUser, Content: "q"}}, "q", domain.ShortAnswer)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, s.Steps())

	// a late callback still counts toward elapsed time but delivers nowhere
	req := sub.requests[0]
	req.Callback(req.ID, "late", 3)
	assert.Equal(t, 3.0, s.Elapsed())
}

type failingSubmitter struct{}

func (failingSubmitter) Submit(*domain.GenerationRequest) error { return errors.New("stopped") }

func TestAsk_SubmitError(t *testing.T) {
	s, err := New(failingSubmitter{}, t.TempDir())
	require.NoError(t, err)
	_, err = s.Ask(context.Background(), nil, "q", domain.ShortAnswer)
	assert.Error(t, err)
}

func TestAsk_ConcurrentCallsAreSafe(t *testing.T) {
	sub := &asyncSubmitter{answer: echo, elapsed: 1}
	s, err := New(sub, t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Ask(context.Background(), []domain.Message{{Role: domain.RoleUser, Content: "q"}}, "q", domain.ShortAnswer)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 20.0, s.Elapsed())
	assert.Equal(t, 20, s.Steps())
}
