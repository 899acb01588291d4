// Package plan extracts structured plans from agent output and composes
// the plan and execution prompts.
package plan

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/repopilot/repopilot/internal/model"
)

// extractJSONCandidate scans text for the first brace-balanced substring
// that parses as a JSON object. The scan counts braces without tracking
// string quoting; agent output wraps the plan object in prose, not in
// strings containing stray braces, and the leniency is intentional.
func extractJSONCandidate(text string) map[string]any {
	runes := []rune(text)
	for start := 0; start < len(runes); start++ {
		if runes[start] != '{' {
			continue
		}
		depth := 0
		for end := start; end < len(runes); end++ {
			switch runes[end] {
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					candidate := string(runes[start : end+1])
					var value map[string]any
					if err := json.Unmarshal([]byte(candidate), &value); err == nil {
						return value
					}
					end = len(runes) // abandon this start position
				}
			}
		}
	}
	return nil
}

// Parse turns collected agent text into a PlanResult. When no parseable
// JSON object is found, the result carries the raw text with ValidJSON
// false so the review UI can still show what the agent said.
func Parse(rawText string) *model.PlanResult {
	candidate := extractJSONCandidate(rawText)
	if candidate == nil {
		return &model.PlanResult{
			Questions: []model.PlanQuestion{},
			RawText:   rawText,
			ValidJSON: false,
		}
	}

	result := &model.PlanResult{
		Summary:           trimmedString(candidate["summary"]),
		RecommendedPrompt: trimmedString(candidate["recommended_prompt"]),
		RawText:           rawText,
		ValidJSON:         true,
		Steps:             trimmedStrings(candidate["steps"]),
		Risks:             trimmedStrings(candidate["risks"]),
		Validation:        trimmedString(candidate["validation"]),
		Rollback:          trimmedString(candidate["rollback"]),
		AffectedFiles:     trimmedStrings(candidate["affected_files"]),
		NewDependencies:   trimmedStrings(candidate["new_dependencies"]),
		EstimatedTime:     trimmedString(candidate["estimated_time"]),
		Questions:         parseQuestions(candidate["questions"]),
	}
	return result
}

func parseQuestions(raw any) []model.PlanQuestion {
	questions := []model.PlanQuestion{}
	items, ok := raw.([]any)
	if !ok {
		return questions
	}

	for idx, item := range items {
		q, ok := item.(map[string]any)
		if !ok {
			continue
		}

		options := []model.PlanQuestionOption{}
		if opts, ok := q["options"].([]any); ok {
			for _, o := range opts {
				opt, ok := o.(map[string]any)
				if !ok {
					continue
				}
				key := trimmedString(opt["key"])
				if key == "" {
					key = fmt.Sprintf("o%d", len(options)+1)
				}
				label := stringValue(opt["label"])
				if label == "" {
					label = key
				}
				options = append(options, model.PlanQuestionOption{
					Key:         key,
					Label:       label,
					Description: stringValue(opt["description"]),
				})
			}
		}

		id := trimmedString(q["id"])
		if id == "" {
			id = fmt.Sprintf("q%d", idx+1)
		}
		title := stringValue(q["title"])
		if title == "" {
			title = id
		}

		var recommended *string
		if rec, ok := q["recommended_option_key"].(string); ok {
			recommended = &rec
		}

		questions = append(questions, model.PlanQuestion{
			ID:                   id,
			Title:                title,
			Question:             trimmedString(q["question"]),
			Options:              options,
			RecommendedOptionKey: recommended,
		})
	}
	return questions
}

func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}

func trimmedString(v any) string {
	return strings.TrimSpace(stringValue(v))
}

func trimmedStrings(v any) []string {
	out := []string{}
	items, ok := v.([]any)
	if !ok {
		return out
	}
	for _, item := range items {
		s := trimmedString(item)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
