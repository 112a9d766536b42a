package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hupe1980/hearthcore/model"
)

// Reasoner turns a query and its retrieved context into a reasoning
// result.
type Reasoner interface {
	Reason(ctx context.Context, query string, contexts []string) (string, error)
}

// RuleReasoner is the default deterministic reasoner. It is pure: the same
// query over the same context always yields the same result, which makes
// the surrounding pipeline behavior testable without a model backend.
//
// It matches query keywords against context lines and synthesizes an
// answer from the matching lines.
type RuleReasoner struct {
	// MaxFindings caps the matched lines included in the answer.
	// Defaults to 5.
	MaxFindings int
}

// Reason implements Reasoner.
func (r *RuleReasoner) Reason(ctx context.Context, query string, contexts []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("query is empty")
	}

	maxFindings := r.MaxFindings
	if maxFindings <= 0 {
		maxFindings = 5
	}

	keywords := queryKeywords(query)
	var findings []string
	for _, c := range contexts {
		for _, line := range strings.Split(c, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if matchesAny(strings.ToLower(line), keywords) {
				findings = append(findings, line)
			}
		}
	}
	sort.Strings(findings)
	findings = dedupe(findings)
	if len(findings) > maxFindings {
		findings = findings[:maxFindings]
	}

	if len(findings) == 0 {
		if len(contexts) == 0 {
			return fmt.Sprintf("No stored context is available for %q.", query), nil
		}
		return fmt.Sprintf("Stored context (%d slices) contains nothing matching %q.", len(contexts), query), nil
	}
	return fmt.Sprintf("Based on %d stored notes: %s", len(findings), strings.Join(findings, "; ")), nil
}

// queryKeywords extracts the lowercase significant words of a query.
func queryKeywords(query string) []string {
	var keywords []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if len(w) > 3 {
			keywords = append(keywords, w)
		}
	}
	return keywords
}

func matchesAny(line string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(line, k) {
			return true
		}
	}
	return false
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	var prev string
	for i, s := range sorted {
		if i == 0 || s != prev {
			out = append(out, s)
		}
		prev = s
	}
	return out
}

// modelSystemPrompt frames the completion request for model-backed
// reasoning.
const modelSystemPrompt = "You are the reasoning core of a local assistant. " +
	"Answer the query using only the provided context notes. " +
	"If the context does not cover the query, say so plainly."

// ModelReasoner delegates reasoning to a completion model backend.
type ModelReasoner struct {
	Model model.Model
}

// Reason implements Reasoner.
func (r *ModelReasoner) Reason(ctx context.Context, query string, contexts []string) (string, error) {
	if r.Model == nil {
		return "", fmt.Errorf("no model configured")
	}

	var sb strings.Builder
	if len(contexts) > 0 {
		sb.WriteString("Context notes:\n")
		for i, c := range contexts {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, c)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Query: ")
	sb.WriteString(query)

	answer, err := r.Model.Complete(ctx, modelSystemPrompt, sb.String())
	if err != nil {
		return "", fmt.Errorf("model completion failed: %w", err)
	}
	return answer, nil
}
