package intent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tripweaver/tripweaver/backend/pkg/models"
)

type stubGenerator struct {
	out string
	err error
}

func (s *stubGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	return s.out, s.err
}

func TestClassifyParsesModelOutput(t *testing.T) {
	c := NewClassifier(&stubGenerator{out: `{"task":"edit_itinerary","confidence":0.92}`}, 0.55)
	cl := c.Classify(context.Background(), "move lunch to 2pm", "", "")
	if cl.Task != models.TaskEdit {
		t.Errorf("task = %s, want edit_itinerary", cl.Task)
	}
	if cl.Confidence != 0.92 {
		t.Errorf("confidence = %v, want 0.92", cl.Confidence)
	}
}

func TestClassifyHandlesFencedJSON(t *testing.T) {
	out := "Here you go:\n```json\n{\"task\": \"plan_day\", \"confidence\": 0.8}\n```"
	c := NewClassifier(&stubGenerator{out: out}, 0.55)
	cl := c.Classify(context.Background(), "plan day 3 in Porto", "", "")
	if cl.Task != models.TaskPlan {
		t.Errorf("task = %s, want plan_day", cl.Task)
	}
}

// contextGenerator answers enrich_node only when the prompt shows a
// selected item, mimicking a model that reads the context lines.
type contextGenerator struct {
	lastPrompt string
}

func (g *contextGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	g.lastPrompt = prompt
	if strings.Contains(prompt, "Selected item:") {
		return `{"task":"enrich_node","confidence":0.9}`, nil
	}
	return `{"task":"unknown","confidence":0.9}`, nil
}

func TestClassifySelectionChangesOutcome(t *testing.T) {
	gen := &contextGenerator{}
	c := NewClassifier(gen, 0.55)

	cl := c.Classify(context.Background(), "tell us about this one", models.ScopeNode, "n42")
	if cl.Task != models.TaskEnrich {
		t.Errorf("with a selected node, task = %s, want enrich_node", cl.Task)
	}
	if !strings.Contains(gen.lastPrompt, "Selected item: n42") {
		t.Errorf("prompt should carry the selected node, got %q", gen.lastPrompt)
	}
	if !strings.Contains(gen.lastPrompt, "Scope: node") {
		t.Errorf("prompt should carry the scope, got %q", gen.lastPrompt)
	}

	cl = c.Classify(context.Background(), "tell us about this one", "", "")
	if cl.Task != models.TaskUnknown {
		t.Errorf("without a selection the same text should stay unknown, got %s", cl.Task)
	}
	if strings.Contains(gen.lastPrompt, "Selected item:") || strings.Contains(gen.lastPrompt, "Scope:") {
		t.Errorf("empty context should add no context lines, got %q", gen.lastPrompt)
	}
}

func TestClassifyLowConfidenceCollapsesToUnknown(t *testing.T) {
	c := NewClassifier(&stubGenerator{out: `{"task":"book_node","confidence":0.3}`}, 0.55)
	cl := c.Classify(context.Background(), "hmm maybe something", "", "")
	if cl.Task != models.TaskUnknown {
		t.Errorf("low confidence should yield unknown, got %s", cl.Task)
	}
}

func TestClassifyModelFailureFallsBackToKeywords(t *testing.T) {
	c := NewClassifier(&stubGenerator{err: errors.New("upstream down")}, 0.55)

	cl := c.Classify(context.Background(), "please book the fado show for friday", "", "")
	if cl.Task != models.TaskBook {
		t.Errorf("keyword fallback: task = %s, want book_node", cl.Task)
	}

	cl = c.Classify(context.Background(), "delete the tram ride", "", "")
	if cl.Task != models.TaskEdit {
		t.Errorf("keyword fallback: task = %s, want edit_itinerary", cl.Task)
	}

	cl = c.Classify(context.Background(), "what is the meaning of life", "", "")
	if cl.Task != models.TaskUnknown {
		t.Errorf("keyword fallback: task = %s, want unknown", cl.Task)
	}
}

func TestClassifyGarbageOutputFallsBack(t *testing.T) {
	c := NewClassifier(&stubGenerator{out: "sure, I'd say that's an edit!"}, 0.55)
	cl := c.Classify(context.Background(), "move dinner to day 2", "", "")
	if cl.Task != models.TaskEdit {
		t.Errorf("garbage output should fall back to keywords, got %s", cl.Task)
	}
}

func TestClassifyRejectsUnknownTaskName(t *testing.T) {
	c := NewClassifier(&stubGenerator{out: `{"task":"make_coffee","confidence":0.99}`}, 0.55)
	cl := c.Classify(context.Background(), "some text with no keywords", "", "")
	if cl.Task != models.TaskUnknown {
		t.Errorf("invalid task name should fall back, got %s", cl.Task)
	}
}
