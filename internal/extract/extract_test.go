package extract

import (
	"errors"
	"testing"
)

func TestDirectParse(t *testing.T) {
	res, err := JSON(`{"epics": [{"title": "api layer"}]}`, "epics")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Strategy != StrategyDirect {
		t.Errorf("strategy = %q, want direct", res.Strategy)
	}
	if _, ok := res.Value["epics"]; !ok {
		t.Error("epics key missing")
	}
}

func TestFencedParse(t *testing.T) {
	text := "Here is the plan you asked for:\n```json\n{\"epics\": [{\"title\": \"ui\"}]}\n```\nLet me know if you want changes."
	res, err := JSON(text, "epics")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Strategy != StrategyFenced {
		t.Errorf("strategy = %q, want fenced", res.Strategy)
	}
}

func TestFencedWithoutLanguageTag(t *testing.T) {
	text := "```\n{\"epics\": []}\n```"
	res, err := JSON(text, "epics")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Strategy != StrategyFenced {
		t.Errorf("strategy = %q, want fenced", res.Strategy)
	}
}

func TestBalancedBraceParse(t *testing.T) {
	text := `I analyzed the task. The result is {"epics": [{"title": "parser", "description": "fix the parser"}]} and that should cover it. {"unrelated": 1}`
	res, err := JSON(text, "epics")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Strategy != StrategyBalanced {
		t.Errorf("strategy = %q, want balanced", res.Strategy)
	}
	if _, ok := res.Value["epics"]; !ok {
		t.Error("picked the wrong candidate")
	}
}

func TestBalancedHonorsStringsWithBraces(t *testing.T) {
	text := `noise {"epics": [{"title": "tricky } brace { inside string"}]} noise`
	res, err := JSON(text, "epics")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	epics := res.Value["epics"].([]interface{})
	title := epics[0].(map[string]interface{})["title"].(string)
	if title != "tricky } brace { inside string" {
		t.Errorf("title = %q", title)
	}
}

func TestRequiredKeyRejectsCandidate(t *testing.T) {
	_, err := JSON(`{"stories": []}`, "epics")
	var extErr *ExtractionError
	if !errors.As(err, &extErr) {
		t.Fatalf("expected ExtractionError, got %v", err)
	}
	if len(extErr.Tried) != 3 {
		t.Errorf("tried = %v, want all three strategies", extErr.Tried)
	}
}

func TestRelaxedModeAcceptsAnyObject(t *testing.T) {
	// Same payload, no required keys: the fixer's relaxed pass
	res, err := JSON(`{"stories": []}`)
	if err != nil {
		t.Fatalf("relaxed extract: %v", err)
	}
	if _, ok := res.Value["stories"]; !ok {
		t.Error("stories key missing")
	}
}

func TestNoJSONAtAll(t *testing.T) {
	_, err := JSON("I could not produce a plan for this task, sorry.")
	var extErr *ExtractionError
	if !errors.As(err, &extErr) {
		t.Fatalf("expected ExtractionError, got %v", err)
	}
}

func TestDecodeTyped(t *testing.T) {
	type plan struct {
		Epics []struct {
			Title string `json:"title"`
		} `json:"epics"`
	}
	res, err := JSON("```json\n{\"epics\": [{\"title\": \"a\"}, {\"title\": \"b\"}]}\n```", "epics")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	var p plan
	if err := res.Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(p.Epics) != 2 || p.Epics[1].Title != "b" {
		t.Errorf("decoded = %+v", p)
	}
}
