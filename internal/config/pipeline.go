package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// StageSpec is one entry of the pipeline file's stages list.
type StageSpec struct {
	Name          string `yaml:"name"`
	MaxFailures   int    `yaml:"max_failures"`
	PendingStatus string `yaml:"pending_status"`
	DoneStatus    string `yaml:"done_status"`
}

// Pipeline is the YAML pipeline definition loaded from PIPELINE_FILE.
type Pipeline struct {
	Stages           []StageSpec `yaml:"stages"`
	SourcePriority   []string    `yaml:"source_priority"`
	SimhashMaxTokens int         `yaml:"simhash_max_tokens"`
	HammingThreshold *int        `yaml:"hamming_threshold"`
	NeighborWindow   int         `yaml:"neighbor_window"`
}

// DefaultPipeline is classify -> score -> export.
func DefaultPipeline() Pipeline {
	return Pipeline{
		Stages: []StageSpec{
			{Name: "classify"},
			{Name: "score"},
			{Name: "export", PendingStatus: "ready_for_export", DoneStatus: "exported"},
		},
	}
}

func LoadPipeline(path string) (Pipeline, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultPipeline(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("read pipeline file: %w", err)
	}
	return ParsePipeline(raw)
}

func ParsePipeline(raw []byte) (Pipeline, error) {
	var p Pipeline
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Pipeline{}, fmt.Errorf("decode pipeline file: %w", err)
	}
	if len(p.Stages) == 0 {
		p.Stages = DefaultPipeline().Stages
	}
	if err := p.Validate(); err != nil {
		return Pipeline{}, err
	}
	return p, nil
}

func (p Pipeline) Validate() error {
	for i, s := range p.Stages {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("stages[%d]: name is required", i)
		}
		if s.MaxFailures < 0 {
			return fmt.Errorf("stages[%d] %s: max_failures must be >= 0", i, s.Name)
		}
	}
	if p.SimhashMaxTokens < 0 {
		return errors.New("simhash_max_tokens must be >= 0")
	}
	if p.HammingThreshold != nil && (*p.HammingThreshold < 0 || *p.HammingThreshold > 64) {
		return errors.New("hamming_threshold must be between 0 and 64")
	}
	if p.NeighborWindow < 0 {
		return errors.New("neighbor_window must be >= 0")
	}
	return nil
}

// Merge applies the environment: SOURCE_PRIORITY replaces the file's list,
// STAGE_MAX_FAILURES fills stages without their own maximum, and tunables
// the file leaves unset come from the environment.
func (p Pipeline) Merge(cfg *Config) Pipeline {
	out := p
	out.Stages = make([]StageSpec, len(p.Stages))
	copy(out.Stages, p.Stages)
	if cfg == nil {
		return out
	}

	if list := cfg.SourcePriorityList(); len(list) > 0 {
		out.SourcePriority = list
	}
	for i := range out.Stages {
		if out.Stages[i].MaxFailures == 0 {
			out.Stages[i].MaxFailures = cfg.StageMaxFailures
		}
	}
	if out.SimhashMaxTokens == 0 {
		out.SimhashMaxTokens = cfg.SimhashMaxTokens
	}
	if out.HammingThreshold == nil {
		threshold := cfg.HammingThreshold
		out.HammingThreshold = &threshold
	}
	if out.NeighborWindow == 0 {
		out.NeighborWindow = cfg.NeighborWindow
	}
	return out
}
