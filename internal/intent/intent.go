// Package intent classifies chat messages into tasks. Classification is
// advisory: low-confidence results come back as TaskUnknown and the
// caller asks the user to rephrase instead of guessing.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tripweaver/tripweaver/backend/internal/llm"
	"github.com/tripweaver/tripweaver/backend/pkg/models"
)

const systemPrompt = `You classify travel-planning chat messages into exactly one task.

Tasks:
- edit_itinerary: change existing items (move, delete, rename, retime, reorder, lock, unlock)
- plan_day: create new content for a day or a whole trip ("plan day 3", "fill the afternoon")
- book_node: reserve, book, or find availability for a specific item
- enrich_node: add details, descriptions, tips, prices, or context to an existing item
- unknown: anything else, including greetings and questions you cannot map

The message may carry context lines (scope, a selected item). Use them
when the text alone is ambiguous: "tell me more" with an item selected
is enrich_node, not unknown.

Respond with JSON only: {"task": "<task>", "confidence": <0..1>}`

// Classifier turns free text into a Classification.
type Classifier struct {
	gen       llm.Generator
	threshold float64
}

// NewClassifier creates a classifier. Results below threshold collapse
// to TaskUnknown.
func NewClassifier(gen llm.Generator, threshold float64) *Classifier {
	return &Classifier{gen: gen, threshold: threshold}
}

// Classify labels one message. Scope and the selected node travel with
// the text: classification is a function of all three, and "tell me
// more" means something different when an item is selected. The model
// call failing is not fatal; a keyword heuristic stands in so the
// conversation keeps moving.
func (c *Classifier) Classify(ctx context.Context, text string, scope models.Scope, selectedNodeID string) models.Classification {
	raw, err := c.gen.Generate(ctx, systemPrompt, buildPrompt(text, scope, selectedNodeID))
	if err != nil {
		log.Warn().Err(err).Msg("Classifier model call failed, using keyword fallback")
		return c.clamp(keywordClassify(text))
	}

	parsed, err := parseClassification(raw)
	if err != nil {
		log.Warn().Err(err).Str("raw", raw).Msg("Unparseable classifier output, using keyword fallback")
		return c.clamp(keywordClassify(text))
	}
	return c.clamp(parsed)
}

// buildPrompt assembles the user prompt. Context lines are appended
// only when set so a bare message stays a bare message.
func buildPrompt(text string, scope models.Scope, selectedNodeID string) string {
	var b strings.Builder
	b.WriteString("Message: ")
	b.WriteString(text)
	if scope != "" {
		b.WriteString("\nScope: ")
		b.WriteString(string(scope))
	}
	if selectedNodeID != "" {
		b.WriteString("\nSelected item: ")
		b.WriteString(selectedNodeID)
	}
	return b.String()
}

func (c *Classifier) clamp(cl models.Classification) models.Classification {
	if cl.Confidence < c.threshold {
		return models.Classification{Task: models.TaskUnknown, Confidence: cl.Confidence}
	}
	return cl
}

func parseClassification(raw string) (models.Classification, error) {
	jsonText, ok := llm.ExtractJSON(raw)
	if !ok {
		return models.Classification{}, fmt.Errorf("no JSON object in output")
	}
	var out struct {
		Task       string  `json:"task"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(jsonText), &out); err != nil {
		return models.Classification{}, err
	}

	task := models.Task(out.Task)
	switch task {
	case models.TaskEdit, models.TaskPlan, models.TaskBook, models.TaskEnrich, models.TaskUnknown:
	default:
		return models.Classification{}, fmt.Errorf("unknown task %q", out.Task)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return models.Classification{}, fmt.Errorf("confidence %v out of range", out.Confidence)
	}
	return models.Classification{Task: task, Confidence: out.Confidence}, nil
}

// keywordClassify is the degraded-mode heuristic. Deliberately
// conservative: it only claims a task on strong signals.
func keywordClassify(text string) models.Classification {
	t := strings.ToLower(text)

	contains := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(t, w) {
				return true
			}
		}
		return false
	}

	switch {
	case contains("book", "reserve", "reservation", "availability", "ticket"):
		return models.Classification{Task: models.TaskBook, Confidence: 0.6}
	case contains("plan", "fill", "suggest a day", "what should we do"):
		return models.Classification{Task: models.TaskPlan, Confidence: 0.6}
	case contains("tell me more", "details", "describe", "how much does", "tips for"):
		return models.Classification{Task: models.TaskEnrich, Confidence: 0.6}
	case contains("move", "delete", "remove", "rename", "change", "swap", "reorder", "shift", "cancel the", "lock", "unlock"):
		return models.Classification{Task: models.TaskEdit, Confidence: 0.6}
	default:
		return models.Classification{Task: models.TaskUnknown, Confidence: 0.0}
	}
}
