package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/hochfrequenz/pbt-orchestrator/internal/domain"
	"github.com/hochfrequenz/pbt-orchestrator/internal/prompts"
)

// conversation accumulates history across the asks of one pipeline step.
type conversation struct {
	p        *Pipeline
	messages []domain.Message
}

func (p *Pipeline) conversation() *conversation {
	return &conversation{p: p}
}

// ask renders the prompt with the given id, appends it to the history and
// returns the reply. A failed ask leaves the history unchanged.
func (c *conversation) ask(ctx context.Context, id string, data prompts.Data) (string, error) {
	prompt, err := c.p.prompts.Render(id, data)
	if err != nil {
		return "", err
	}
	history := append(c.messages, domain.Message{Role: domain.RoleUser, Content: prompt.Text})
	reply, err := c.p.asker.Ask(ctx, history, prompt.Label, prompt.Class)
	if err != nil {
		return "", fmt.Errorf("ask %s: %w", id, err)
	}
	c.messages = append(history, domain.Message{Role: domain.RoleAssistant, Content: reply})
	return reply, nil
}

// askCode asks for a reply containing exactly one code block. A reply with
// zero or several blocks gets one "code only" re-ask that no budget counts.
func (c *conversation) askCode(ctx context.Context, id string, data prompts.Data) (string, error) {
	reply, err := c.ask(ctx, id, data)
	if err != nil {
		return "", err
	}
	if blocks := extractCodeBlocks(reply); len(blocks) == 1 {
		return blocks[0], nil
	}

	retry := c.p.data()
	retry.Reply = reply
	reply, err = c.ask(ctx, "collect_code", retry)
	if err != nil {
		return "", err
	}
	if blocks := extractCodeBlocks(reply); len(blocks) == 1 {
		return blocks[0], nil
	}
	return "", ErrNoCodeBlock
}

var codeBlockRegex = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*[ \t]*\r?\n(.*?)```")

// extractCodeBlocks returns the contents of all fenced code blocks.
func extractCodeBlocks(reply string) []string {
	matches := codeBlockRegex.FindAllStringSubmatch(reply, -1)
	blocks := make([]string, 0, len(matches))
	for _, m := range matches {
		blocks = append(blocks, strings.TrimRight(m[1], " \t\r\n")+"\n")
	}
	return blocks
}

// maxLogBytes bounds the failure log handed back to the model
const maxLogBytes = 8000

// collapseLog folds runs of identical lines, such as the banner the sandbox
// repeats on every example, and keeps the tail of overly long logs.
func collapseLog(log string) string {
	lines := strings.Split(strings.TrimRight(log, "\n"), "\n")
	var b strings.Builder
	for i := 0; i < len(lines); {
		j := i + 1
		for j < len(lines) && lines[j] == lines[i] {
			j++
		}
		b.WriteString(lines[i])
		b.WriteByte('\n')
		if n := j - i; n > 1 && strings.TrimSpace(lines[i]) != "" {
			fmt.Fprintf(&b, "[previous line repeated %d more times]\n", n-1)
		}
		i = j
	}
	out := b.String()
	if len(out) > maxLogBytes {
		start := len(out) - maxLogBytes
		for start < len(out) && !utf8.RuneStart(out[start]) {
			start++
		}
		out = "[... truncated ...]\n" + out[start:]
	}
	return out
}
