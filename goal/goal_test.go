package goal_test

import (
	"bytes"
	"strings"
	"testing"

	"mason/goal"
)

func TestDefineThenQuery(t *testing.T) {
	var buf bytes.Buffer
	tr := goal.New(&buf)
	tr.Activate("all")
	if !tr.DefineThenQuery("all") {
		t.Fatal("expected DefineThenQuery(all) to be true once activated")
	}
}

func TestQueryFalseWhenNotActivated(t *testing.T) {
	var buf bytes.Buffer
	tr := goal.New(&buf)
	if tr.DefineThenQuery("clean") {
		t.Fatal("expected query to be false for an undefined/unactivated goal")
	}
}

func TestFinishWarnsOnUnusedActivatedGoal(t *testing.T) {
	var buf bytes.Buffer
	tr := goal.New(&buf)
	tr.Activate("typo-goal")
	tr.DefineThenQuery("all")
	tr.Finish()
	if !strings.Contains(buf.String(), `"typo-goal"`) {
		t.Fatalf("expected warning about unused goal, got: %q", buf.String())
	}
}

func TestFinishDumpsDefinedGoalsWhenNoneActivated(t *testing.T) {
	var buf bytes.Buffer
	tr := goal.New(&buf)
	tr.Define("all")
	tr.Define("clean")
	tr.Finish()
	out := buf.String()
	if !strings.Contains(out, "all") || !strings.Contains(out, "clean") {
		t.Fatalf("expected dump of defined goals, got: %q", out)
	}
}
