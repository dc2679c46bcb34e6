// Package stages implements the ordered processing pipeline that primary
// documents move through after clustering, and the claim/complete/fail
// state machine that workers drive it with.
package stages

import (
	"errors"
	"fmt"
	"strings"

	"horse.fit/canon/internal/store"
)

const DefaultMaxFailures = 3

var (
	ErrUnknownStage = errors.New("unknown stage")
	ErrInvalidLimit = errors.New("limit must be positive")
)

// Stage is one ordered processing step.
type Stage struct {
	Name          string
	PendingStatus store.Status
	// DoneStatus is only reached by the last stage; earlier stages complete
	// straight into the next stage's pending status.
	DoneStatus  store.Status
	MaxFailures int
}

type Pipeline struct {
	stages []Stage
	index  map[string]int
}

// DefaultPipeline is classify -> score -> export, ending in exported.
func DefaultPipeline(maxFailures int) Pipeline {
	p, _ := NewPipeline([]Stage{
		{Name: "classify", MaxFailures: maxFailures},
		{Name: "score", MaxFailures: maxFailures},
		{Name: "export", PendingStatus: store.StatusReadyForExport, DoneStatus: store.StatusExported, MaxFailures: maxFailures},
	})
	return p
}

func NewPipeline(stages []Stage) (Pipeline, error) {
	if len(stages) == 0 {
		return Pipeline{}, errors.New("pipeline needs at least one stage")
	}

	p := Pipeline{
		stages: make([]Stage, 0, len(stages)),
		index:  make(map[string]int, len(stages)),
	}
	seenStatus := make(map[store.Status]string, len(stages)*2)
	for _, s := range stages {
		s.Name = strings.TrimSpace(s.Name)
		if s.Name == "" {
			return Pipeline{}, errors.New("stage name is required")
		}
		if _, dup := p.index[s.Name]; dup {
			return Pipeline{}, fmt.Errorf("duplicate stage %q", s.Name)
		}
		if s.PendingStatus == "" {
			s.PendingStatus = store.PendingStatus(s.Name)
		}
		if s.DoneStatus == "" {
			s.DoneStatus = store.CompleteStatus(s.Name)
		}
		if s.MaxFailures <= 0 {
			s.MaxFailures = DefaultMaxFailures
		}
		if reserved(s.PendingStatus) {
			return Pipeline{}, fmt.Errorf("stage %q cannot wait in reserved status %q", s.Name, s.PendingStatus)
		}
		if other, dup := seenStatus[s.PendingStatus]; dup {
			return Pipeline{}, fmt.Errorf("stages %q and %q share pending status %q", other, s.Name, s.PendingStatus)
		}
		seenStatus[s.PendingStatus] = s.Name

		p.index[s.Name] = len(p.stages)
		p.stages = append(p.stages, s)
	}

	last := p.stages[len(p.stages)-1]
	if reserved(last.DoneStatus) || seenStatus[last.DoneStatus] != "" {
		return Pipeline{}, fmt.Errorf("stage %q has invalid done status %q", last.Name, last.DoneStatus)
	}
	return p, nil
}

func reserved(status store.Status) bool {
	switch status {
	case store.StatusPendingHash, store.StatusHashed, store.StatusPrimary, store.StatusDuplicate, store.StatusDiscarded:
		return true
	default:
		return false
	}
}

func (p Pipeline) Stages() []Stage {
	out := make([]Stage, len(p.stages))
	copy(out, p.stages)
	return out
}

func (p Pipeline) First() Stage {
	return p.stages[0]
}

func (p Pipeline) Stage(name string) (Stage, error) {
	i, ok := p.index[strings.TrimSpace(name)]
	if !ok {
		return Stage{}, fmt.Errorf("%w: %q", ErrUnknownStage, name)
	}
	return p.stages[i], nil
}

// Next returns the stage after name, or false for the last stage.
func (p Pipeline) Next(name string) (Stage, bool) {
	i, ok := p.index[strings.TrimSpace(name)]
	if !ok || i+1 >= len(p.stages) {
		return Stage{}, false
	}
	return p.stages[i+1], true
}

// CompletionStatus is where a document goes when stage succeeds.
func (p Pipeline) CompletionStatus(stage Stage) store.Status {
	if next, ok := p.Next(stage.Name); ok {
		return next.PendingStatus
	}
	return stage.DoneStatus
}
