package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/hochfrequenz/pbt-orchestrator/internal/domain"
)

// selectProperties runs S2. Each round asks afresh and, if the reply does
// not parse, once more for a clarification. MaxRetry bounds the extra rounds.
// A run whose rounds all fail to parse continues with no properties.
func (p *Pipeline) selectProperties(ctx context.Context) ([]domain.PropertyDescriptor, error) {
	promptID := "property_propose"
	parse := parseProposed
	data := p.data()

	if p.variant == domain.VariantCatalog {
		catalog, err := p.prompts.Catalog()
		if err != nil {
			return nil, err
		}
		promptID = "property_select"
		data.Catalog = catalog
		parse = func(reply string) ([]domain.PropertyDescriptor, error) {
			return parseSelection(reply, catalog)
		}
	}

	for round := 0; round <= p.knobs.MaxRetry; round++ {
		conv := p.conversation()
		reply, err := conv.ask(ctx, promptID, data)
		if err != nil {
			return nil, err
		}
		props, perr := parse(reply)
		if perr != nil {
			p.logger.Info("property reply did not parse, asking for clarification", zap.Int("round", round), zap.Error(perr))
			clarify := p.data()
			clarify.Reply = reply
			if reply, err = conv.ask(ctx, "property_clarify", clarify); err != nil {
				return nil, err
			}
			props, perr = parse(reply)
		}
		if perr == nil {
			names := make([]string, len(props))
			for i, prop := range props {
				names[i] = prop.Name
			}
			p.logger.Info("properties selected", zap.Strings("properties", names))
			return props, nil
		}
		p.logger.Warn("property reply still unparseable", zap.Int("round", round), zap.Error(perr))
	}

	p.logger.Warn("no properties could be obtained")
	return nil, nil
}

var nonIdentRegex = regexp.MustCompile(`[^a-z0-9_]+`)

// propertyName normalizes a model-provided name into a snake_case identifier
func propertyName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = nonIdentRegex.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

// extractJSONArray strips code fences and surrounding prose around a JSON array
func extractJSONArray(reply string) (string, error) {
	if blocks := extractCodeBlocks(reply); len(blocks) == 1 {
		reply = blocks[0]
	}
	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start < 0 || end < start {
		return "", fmt.Errorf("no JSON array in reply")
	}
	return reply[start : end+1], nil
}

// parseProposed parses [{"name": ..., "explanation": ...}, ...]
func parseProposed(reply string) ([]domain.PropertyDescriptor, error) {
	raw, err := extractJSONArray(reply)
	if err != nil {
		return nil, err
	}
	var items []domain.PropertyDescriptor
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}

	seen := make(map[string]bool)
	var props []domain.PropertyDescriptor
	for _, item := range items {
		name := propertyName(item.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		props = append(props, domain.PropertyDescriptor{Name: name, Explanation: strings.TrimSpace(item.Explanation)})
		if len(props) == MaxProperties {
			break
		}
	}
	if len(props) == 0 {
		return nil, fmt.Errorf("reply names no properties")
	}
	return props, nil
}

// parseSelection parses ["name", ...] and resolves names against the catalog.
// Unknown names are dropped; an empty array is a valid answer.
func parseSelection(reply string, catalog []domain.PropertyDescriptor) ([]domain.PropertyDescriptor, error) {
	raw, err := extractJSONArray(reply)
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, fmt.Errorf("decode selection: %w", err)
	}

	byName := make(map[string]domain.PropertyDescriptor, len(catalog))
	for _, prop := range catalog {
		byName[prop.Name] = prop
	}
	seen := make(map[string]bool)
	var props []domain.PropertyDescriptor
	for _, n := range names {
		prop, ok := byName[propertyName(n)]
		if !ok || seen[prop.Name] {
			continue
		}
		seen[prop.Name] = true
		props = append(props, prop)
		if len(props) == MaxProperties {
			break
		}
	}
	return props, nil
}
