package prompt

import (
	"strings"
	"testing"
)

func TestRenderVariables(t *testing.T) {
	out, err := Render("Hello {{name}}, task {{id}}", Vars{"name": "world", "id": "t1"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "Hello world, task t1" {
		t.Errorf("out = %q", out)
	}
}

func TestRenderMissingVariable(t *testing.T) {
	_, err := Render("Hello {{name}}", Vars{})
	if err == nil || !strings.Contains(err.Error(), "name") {
		t.Errorf("expected missing-variable error naming it, got %v", err)
	}
}

func TestConditionalBlocks(t *testing.T) {
	tmpl := "{{#if feedback}}Feedback: {{feedback}}\n{{/if}}Body"

	out, err := Render(tmpl, Vars{"feedback": "fix the epics"})
	if err != nil {
		t.Fatalf("render with: %v", err)
	}
	if !strings.Contains(out, "Feedback: fix the epics") {
		t.Errorf("out = %q", out)
	}

	out, err = Render(tmpl, Vars{"feedback": ""})
	if err != nil {
		t.Fatalf("render without: %v", err)
	}
	if strings.Contains(out, "Feedback") {
		t.Errorf("empty conditional leaked: %q", out)
	}
}

func TestNestedConditionals(t *testing.T) {
	tmpl := "{{#if a}}A{{#if b}}B{{/if}}{{/if}}"
	out, err := Render(tmpl, Vars{"a": "x", "b": "y"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "AB" {
		t.Errorf("out = %q", out)
	}
	out, _ = Render(tmpl, Vars{"a": "x"})
	if out != "A" {
		t.Errorf("out = %q", out)
	}
}

func TestDanglingConditional(t *testing.T) {
	if _, err := Render("text {{/if}}", Vars{}); err == nil {
		t.Error("expected error for dangling close")
	}
	if _, err := Render("{{#if a}}unclosed", Vars{"a": "x"}); err == nil {
		t.Error("expected error for unclosed block")
	}
}

func TestBuiltinTemplatesRender(t *testing.T) {
	planVars := Vars{
		"task_title":         "add search",
		"task_description":   "add a search endpoint",
		"repositories":       "- backend (backend)",
		"discovery":          "",
		"rejection_feedback": "",
		"directives":         "",
	}
	tmpl, err := Load("plan.md")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	out, err := Render(tmpl, planVars)
	if err != nil {
		t.Fatalf("render plan: %v", err)
	}
	if !strings.Contains(out, "add a search endpoint") {
		t.Errorf("plan output missing task: %q", out)
	}
	if strings.Contains(out, "rejected") {
		t.Error("rejection block rendered without feedback")
	}

	if _, err := Load("nope.md"); err == nil {
		t.Error("expected error for unknown template")
	}
}
