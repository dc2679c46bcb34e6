package stages

import (
	"errors"
	"testing"

	"horse.fit/canon/internal/store"
)

func TestDefaultPipelineOrder(t *testing.T) {
	t.Parallel()

	p := DefaultPipeline(3)
	if p.First().Name != "classify" {
		t.Fatalf("expected classify first, got %q", p.First().Name)
	}
	next, ok := p.Next("classify")
	if !ok || next.Name != "score" {
		t.Fatalf("expected score after classify, got %+v ok=%v", next, ok)
	}
	export, err := p.Stage("export")
	if err != nil {
		t.Fatalf("Stage(export) error = %v", err)
	}
	if export.PendingStatus != store.StatusReadyForExport {
		t.Fatalf("expected export to wait in ready_for_export, got %q", export.PendingStatus)
	}
	if got := p.CompletionStatus(export); got != store.StatusExported {
		t.Fatalf("expected export to finish in exported, got %q", got)
	}
	score, _ := p.Stage("score")
	if got := p.CompletionStatus(score); got != store.StatusReadyForExport {
		t.Fatalf("expected score to complete into ready_for_export, got %q", got)
	}
	if _, ok := p.Next("export"); ok {
		t.Fatalf("expected export to be the last stage")
	}
}

func TestNewPipelineValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		stages []Stage
	}{
		{name: "empty", stages: nil},
		{name: "blank name", stages: []Stage{{Name: " "}}},
		{name: "duplicate", stages: []Stage{{Name: "a"}, {Name: "a"}}},
		{name: "reserved pending", stages: []Stage{{Name: "a", PendingStatus: store.StatusDuplicate}}},
		{name: "shared pending", stages: []Stage{{Name: "a", PendingStatus: "wait"}, {Name: "b", PendingStatus: "wait"}}},
		{name: "done collides", stages: []Stage{{Name: "a"}, {Name: "b", DoneStatus: store.PendingStatus("a")}}},
	}
	for _, tc := range cases {
		if _, err := NewPipeline(tc.stages); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}

	p, err := NewPipeline([]Stage{{Name: "summarize"}})
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	only := p.First()
	if only.PendingStatus != "pending_summarize" || only.DoneStatus != "summarize_complete" || only.MaxFailures != DefaultMaxFailures {
		t.Fatalf("unexpected defaults %+v", only)
	}
	if _, err := p.Stage("nope"); !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("expected ErrUnknownStage, got %v", err)
	}
}
